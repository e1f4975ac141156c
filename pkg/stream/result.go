package stream

import (
	"encoding/json"

	"batchops/pkg/protocol"
)

// RecordFrameOverhead is the fixed cost charged per record on top of its
// encoded value: envelope fields, metadata and the log key.
const RecordFrameOverhead = 256

// ResultBuilder buffers the command records a task produces. Everything
// buffered by one task is written to the log in a single append, so the
// total must fit into the partition's max append size.
type ResultBuilder interface {
	// CanAppendRecords reports whether all values would still fit.
	CanAppendRecords(values []protocol.RecordValue, md protocol.Metadata) bool
	// AppendCommandRecord buffers one command. It returns false and buffers
	// nothing when the record does not fit.
	AppendCommandRecord(key int64, intent protocol.Intent, value protocol.RecordValue, md protocol.Metadata) bool
}

// BufferedResultBuilder is the ResultBuilder handed to tasks by the Processor.
type BufferedResultBuilder struct {
	maxSize int
	size    int
	records []protocol.Record
	err     error
}

func NewResultBuilder(maxSize int) *BufferedResultBuilder {
	return &BufferedResultBuilder{maxSize: maxSize}
}

func (b *BufferedResultBuilder) CanAppendRecords(values []protocol.RecordValue, md protocol.Metadata) bool {
	total := b.size
	for _, v := range values {
		n, err := recordSize(v)
		if err != nil {
			return false
		}
		total += n
		if total > b.maxSize {
			return false
		}
	}
	return true
}

func (b *BufferedResultBuilder) AppendCommandRecord(key int64, intent protocol.Intent, value protocol.RecordValue, md protocol.Metadata) bool {
	r, err := protocol.NewRecord(key, intent, value, md)
	if err != nil {
		if b.err == nil {
			b.err = err
		}
		return false
	}
	n := len(r.Value) + RecordFrameOverhead
	if b.size+n > b.maxSize {
		return false
	}
	b.size += n
	b.records = append(b.records, r)
	return true
}

// Records returns the buffered records in append order.
func (b *BufferedResultBuilder) Records() []protocol.Record { return b.records }

// Size is the budget consumed so far.
func (b *BufferedResultBuilder) Size() int { return b.size }

// Err returns the first encoding error hit while buffering.
func (b *BufferedResultBuilder) Err() error { return b.err }

func recordSize(v protocol.RecordValue) (int, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return 0, err
	}
	return len(raw) + RecordFrameOverhead, nil
}
