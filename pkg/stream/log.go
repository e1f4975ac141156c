package stream

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"

	"batchops/pkg/protocol"
)

const (
	logKeyLowerBound = "00000000000000000000"
	logKeyUpperBound = "99999999999999999999"
)

var (
	ErrClosed   = errors.New("log closed")
	ErrNotFound = errors.New("not found")
)

type Options struct {
	NoSync bool
}

var DefaultOptions = &Options{
	NoSync: false,
}

// Log is the append-only command log of one partition. Positions start at 1
// and are never reused, even after TruncateFront.
type Log struct {
	mu        sync.RWMutex
	db        *pebble.DB
	path      string
	opts      Options
	partition int
	last      uint64
	closed    bool
	now       func() time.Time
}

func OpenLog(path string, partition int, opts *Options) (*Log, error) {
	if opts == nil {
		opts = DefaultOptions
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrap(err, "open pebble log")
	}
	l := &Log{
		path:      path,
		opts:      *opts,
		db:        db,
		partition: partition,
		now:       time.Now,
	}
	last, err := l.boundIndex(false)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	l.last = last
	return l, nil
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}

	l.closed = true
	return l.db.Close()
}

// Append assigns the next positions to records and writes them in one atomic
// batch. The returned slice carries the assigned positions and timestamps.
func (l *Log) Append(records []protocol.Record) ([]protocol.Record, error) {
	if len(records) == 0 {
		return nil, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrClosed
	}

	batch := l.db.NewBatch()
	defer batch.Close()

	ts := l.now().UnixMilli()
	written := make([]protocol.Record, len(records))
	pos := l.last
	for i, r := range records {
		pos++
		r.Position = pos
		r.Partition = l.partition
		r.Timestamp = ts
		data, err := protocol.Encode(r)
		if err != nil {
			return nil, err
		}
		if err := batch.Set(positionKey(pos), data, nil); err != nil {
			return nil, errors.Wrapf(err, "stage record %d", pos)
		}
		written[i] = r
	}
	if err := batch.Commit(l.writeOpts()); err != nil {
		return nil, errors.Wrap(err, "commit log batch")
	}
	l.last = pos
	return written, nil
}

func (l *Log) Read(position uint64) (protocol.Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return protocol.Record{}, ErrClosed
	}

	data, closer, err := l.db.Get(positionKey(position))
	if errors.Is(err, pebble.ErrNotFound) {
		return protocol.Record{}, ErrNotFound
	}
	if err != nil {
		return protocol.Record{}, errors.Wrap(err, "read record")
	}
	defer closer.Close()
	return protocol.Decode(data)
}

// Scan calls fn for every record with a position greater than after, in
// position order. Returning an error from fn stops the scan.
func (l *Log) Scan(after uint64, fn func(protocol.Record) error) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return ErrClosed
	}

	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: positionKey(after + 1),
		UpperBound: []byte(logKeyUpperBound),
	})
	if err != nil {
		return errors.Wrap(err, "create iterator")
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		r, err := protocol.Decode(iter.Value())
		if err != nil {
			return err
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (l *Log) FirstIndex() (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return 0, ErrClosed
	}
	return l.boundIndex(true)
}

func (l *Log) LastIndex() (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return 0, ErrClosed
	}
	return l.last, nil
}

// TruncateFront removes every record with a position lower than position.
// The record at position itself is kept so the log never forgets its tail.
func (l *Log) TruncateFront(position uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}

	if err := l.db.DeleteRange([]byte(logKeyLowerBound), positionKey(position), l.writeOpts()); err != nil {
		return errors.Wrapf(err, "truncate log before %d", position)
	}
	return nil
}

func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}

	batch := l.db.NewBatch()
	defer batch.Close()
	return batch.Commit(&pebble.WriteOptions{Sync: true})
}

func (l *Log) IsEmpty() (bool, error) {
	first, err := l.FirstIndex()
	if err != nil {
		return false, err
	}
	return first == 0, nil
}

func (l *Log) boundIndex(first bool) (uint64, error) {
	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(logKeyLowerBound),
		UpperBound: []byte(logKeyUpperBound),
	})
	if err != nil {
		return 0, errors.Wrap(err, "create iterator")
	}
	defer iter.Close()

	var ok bool
	if first {
		ok = iter.First()
	} else {
		ok = iter.Last()
	}
	if !ok {
		return 0, nil
	}
	key := iter.Key()
	if len(key) != len(logKeyLowerBound) {
		return 0, errors.Newf("malformed log key %q", key)
	}
	return strconv.ParseUint(string(key), 10, 64)
}

func (l *Log) writeOpts() *pebble.WriteOptions {
	return &pebble.WriteOptions{
		Sync: !l.opts.NoSync,
	}
}

func positionKey(position uint64) []byte {
	return []byte(fmt.Sprintf("%020d", position))
}
