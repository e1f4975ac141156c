package protocol

import (
	"encoding/json"

	"github.com/cockroachdb/errors"
)

// RecordValue is the payload of a command record.
type RecordValue interface {
	OperationKey() int64
}

// CreationRecord creates a new batch operation.
type CreationRecord struct {
	BatchOperationKey int64              `json:"batchOperationKey"`
	Type              BatchOperationType `json:"batchOperationType"`
	Filter            Filter             `json:"filter"`
}

// InitializationRecord carries the resume point of the item query.
type InitializationRecord struct {
	BatchOperationKey   int64  `json:"batchOperationKey"`
	SearchResultCursor  string `json:"searchResultCursor"`
	SearchQueryPageSize int    `json:"searchQueryPageSize"`
}

// ChunkRecord carries one size bounded group of items.
type ChunkRecord struct {
	BatchOperationKey int64  `json:"batchOperationKey"`
	Items             []Item `json:"items"`
}

// ExecutionRecord starts execution of the enumerated items.
type ExecutionRecord struct {
	BatchOperationKey int64 `json:"batchOperationKey"`
}

// LifecycleRecord suspends, resumes or completes an operation.
type LifecycleRecord struct {
	BatchOperationKey int64 `json:"batchOperationKey"`
}

// Error describes why an operation failed on a partition.
type Error struct {
	Type        ErrorType `json:"type"`
	PartitionID int       `json:"partitionId"`
	Message     string    `json:"message"`
}

// PartitionLifecycleRecord fails an operation on one partition.
type PartitionLifecycleRecord struct {
	BatchOperationKey int64 `json:"batchOperationKey"`
	Error             Error `json:"error"`
}

func (r CreationRecord) OperationKey() int64           { return r.BatchOperationKey }
func (r InitializationRecord) OperationKey() int64     { return r.BatchOperationKey }
func (r ChunkRecord) OperationKey() int64              { return r.BatchOperationKey }
func (r ExecutionRecord) OperationKey() int64          { return r.BatchOperationKey }
func (r LifecycleRecord) OperationKey() int64          { return r.BatchOperationKey }
func (r PartitionLifecycleRecord) OperationKey() int64 { return r.BatchOperationKey }

// Metadata travels with every follow up command so downstream effects can be
// correlated with the operation that caused them.
type Metadata struct {
	BatchOperationReference int64 `json:"batchOperationReference"`
}

// Record is the log envelope.
type Record struct {
	Position  uint64          `json:"position"`
	Partition int             `json:"partition"`
	Key       int64           `json:"key"`
	Intent    Intent          `json:"intent"`
	Metadata  Metadata        `json:"metadata"`
	Timestamp int64           `json:"timestamp"`
	Value     json.RawMessage `json:"value"`
}

// NewRecord builds an envelope around value. Position and timestamp are
// assigned when the record is written.
func NewRecord(key int64, intent Intent, value RecordValue, md Metadata) (Record, error) {
	if intent.ValueType() == "" {
		return Record{}, errors.Newf("unknown intent %q", intent)
	}
	b, err := json.Marshal(value)
	if err != nil {
		return Record{}, errors.Wrapf(err, "encode %s value", intent)
	}
	return Record{Key: key, Intent: intent, Metadata: md, Value: b}, nil
}

// NewValue returns an empty value matching intent.
func NewValue(intent Intent) (RecordValue, error) {
	switch intent {
	case IntentCreate:
		return &CreationRecord{}, nil
	case IntentInitialize, IntentFinishInitialization:
		return &InitializationRecord{}, nil
	case IntentCreateChunk:
		return &ChunkRecord{}, nil
	case IntentExecute:
		return &ExecutionRecord{}, nil
	case IntentSuspend, IntentResume, IntentComplete:
		return &LifecycleRecord{}, nil
	case IntentFail:
		return &PartitionLifecycleRecord{}, nil
	}
	return nil, errors.Newf("unknown intent %q", intent)
}

// DecodeValue decodes the payload into its concrete type.
func (r Record) DecodeValue() (RecordValue, error) {
	v, err := NewValue(r.Intent)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(r.Value, v); err != nil {
		return nil, errors.Wrapf(err, "decode %s value at position %d", r.Intent, r.Position)
	}
	return v, nil
}

// Encode serializes the envelope for the log.
func Encode(r Record) ([]byte, error) {
	return json.Marshal(r)
}

// Decode parses an envelope read from the log.
func Decode(b []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(b, &r); err != nil {
		return Record{}, errors.Wrap(err, "decode record")
	}
	return r, nil
}

// ErrRejected marks a command that was written to the log but not applied
// because it is invalid for the current state.
var ErrRejected = errors.New("command rejected")
