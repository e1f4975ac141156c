package state

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"

	"batchops/pkg/protocol"
)

const (
	prefixOperation = "bo/"
	prefixPending   = "pending/"
	prefixChunk     = "chunk/"

	keyLastApplied = "meta/last_applied"
	keyCounter     = "meta/key_counter"

	// KeyBits is the number of low bits of a key that hold the
	// partition-local counter. The partition id occupies the bits above.
	KeyBits    = 51
	counterMax = int64(1)<<KeyBits - 1
)

var ErrNotFound = errors.New("batch operation not found")

type Options struct {
	NoSync   bool
	Observer ApplyObserver
}

// State holds the batch operations of one partition in pebble.
type State struct {
	mu          sync.Mutex
	db          *pebble.DB
	partition   int
	opts        Options
	lastApplied uint64
	counter     int64
}

func Open(path string, partition int, opts Options) (*State, error) {
	if opts.Observer == nil {
		opts.Observer = noopObserver{}
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrap(err, "open pebble state")
	}
	s := &State{db: db, partition: partition, opts: opts}
	if s.lastApplied, err = s.readUint(keyLastApplied); err != nil {
		_ = db.Close()
		return nil, err
	}
	counter, err := s.readUint(keyCounter)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.counter = int64(counter)
	return s, nil
}

func (s *State) Close() error {
	return s.db.Close()
}

func (s *State) PartitionID() int { return s.partition }

// LastAppliedPosition is the log position of the last applied record.
func (s *State) LastAppliedPosition() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastApplied, nil
}

// NextKey returns the key the next created operation should use. The
// counter only advances once a CREATE with that key is applied.
func (s *State) NextKey() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(s.partition)<<KeyBits | (s.counter + 1)
}

// Get loads one operation.
func (s *State) Get(key int64) (PersistedBatchOperation, error) {
	var op PersistedBatchOperation
	data, closer, err := s.db.Get(operationKey(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return op, errors.Wrapf(ErrNotFound, "key %d", key)
	}
	if err != nil {
		return op, errors.Wrap(err, "read batch operation")
	}
	defer closer.Close()
	if err := json.Unmarshal(data, &op); err != nil {
		return op, errors.Wrapf(err, "decode batch operation %d", key)
	}
	return op, nil
}

// NextPendingBatchOperation returns the pending operation with the lowest
// key. Suspended operations that were never executed stay pending.
func (s *State) NextPendingBatchOperation() (PersistedBatchOperation, bool, error) {
	iter, err := s.db.NewIter(prefixOptions(prefixPending))
	if err != nil {
		return PersistedBatchOperation{}, false, errors.Wrap(err, "create iterator")
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		key, err := parseKeySuffix(iter.Key(), prefixPending)
		if err != nil {
			return PersistedBatchOperation{}, false, err
		}
		op, err := s.Get(key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return PersistedBatchOperation{}, false, err
		}
		return op, true, nil
	}
	return PersistedBatchOperation{}, false, iter.Error()
}

// List returns up to limit operations with a key greater than after.
func (s *State) List(after int64, limit int) ([]PersistedBatchOperation, error) {
	opts := prefixOptions(prefixOperation)
	if after > 0 {
		opts.LowerBound = operationKey(after + 1)
	}
	iter, err := s.db.NewIter(opts)
	if err != nil {
		return nil, errors.Wrap(err, "create iterator")
	}
	defer iter.Close()

	var out []PersistedBatchOperation
	for iter.First(); iter.Valid() && (limit <= 0 || len(out) < limit); iter.Next() {
		var op PersistedBatchOperation
		if err := json.Unmarshal(iter.Value(), &op); err != nil {
			return nil, errors.Wrap(err, "decode batch operation")
		}
		out = append(out, op)
	}
	return out, iter.Error()
}

// Chunks returns the item groups appended for an operation, in order.
func (s *State) Chunks(key int64) ([][]protocol.Item, error) {
	iter, err := s.db.NewIter(prefixOptions(chunkPrefix(key)))
	if err != nil {
		return nil, errors.Wrap(err, "create iterator")
	}
	defer iter.Close()

	var out [][]protocol.Item
	for iter.First(); iter.Valid(); iter.Next() {
		var items []protocol.Item
		if err := json.Unmarshal(iter.Value(), &items); err != nil {
			return nil, errors.Wrap(err, "decode chunk")
		}
		out = append(out, items)
	}
	return out, iter.Error()
}

// PurgeTerminated deletes up to limit completed or failed operations last
// updated before cutoff, together with their chunks. With dryRun set it only
// counts them.
func (s *State) PurgeTerminated(cutoff time.Time, limit int, dryRun bool) (int, error) {
	ops, err := s.List(0, 0)
	if err != nil {
		return 0, err
	}
	batch := s.db.NewBatch()
	defer batch.Close()

	n := 0
	for _, op := range ops {
		if limit > 0 && n >= limit {
			break
		}
		if !op.Status.Terminal() || !op.UpdatedAt.Before(cutoff) {
			continue
		}
		n++
		if dryRun {
			continue
		}
		if err := batch.Delete(operationKey(op.Key), nil); err != nil {
			return 0, err
		}
		lo, hi := prefixBounds(chunkPrefix(op.Key))
		if err := batch.DeleteRange(lo, hi, nil); err != nil {
			return 0, err
		}
	}
	if dryRun || n == 0 {
		return n, nil
	}
	if err := batch.Commit(s.writeOpts()); err != nil {
		return 0, errors.Wrap(err, "commit purge")
	}
	return n, nil
}

func (s *State) readUint(key string) (uint64, error) {
	data, closer, err := s.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrapf(err, "read %s", key)
	}
	defer closer.Close()
	return strconv.ParseUint(string(data), 10, 64)
}

func (s *State) writeOpts() *pebble.WriteOptions {
	return &pebble.WriteOptions{Sync: !s.opts.NoSync}
}

func operationKey(key int64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixOperation, key))
}

func pendingKey(key int64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixPending, key))
}

func chunkPrefix(key int64) string {
	return fmt.Sprintf("%s%020d/", prefixChunk, key)
}

func chunkKey(key, seq int64) []byte {
	return []byte(fmt.Sprintf("%s%020d", chunkPrefix(key), seq))
}

func prefixBounds(prefix string) ([]byte, []byte) {
	lo := []byte(prefix)
	hi := append([]byte(prefix[:len(prefix)-1]), prefix[len(prefix)-1]+1)
	return lo, hi
}

func prefixOptions(prefix string) *pebble.IterOptions {
	lo, hi := prefixBounds(prefix)
	return &pebble.IterOptions{LowerBound: lo, UpperBound: hi}
}

func parseKeySuffix(key []byte, prefix string) (int64, error) {
	return strconv.ParseInt(string(key[len(prefix):]), 10, 64)
}
