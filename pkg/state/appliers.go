package state

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"

	"batchops/pkg/protocol"
)

// Apply folds one log record into state. Invalid commands are rejected with
// an error wrapping protocol.ErrRejected; the applied position still
// advances so replay never sees them again.
func (s *State) Apply(r protocol.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.Position != 0 && r.Position <= s.lastApplied {
		return nil
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	key, applyErr := s.applyRecord(batch, r)
	if applyErr != nil && !errors.Is(applyErr, protocol.ErrRejected) {
		return applyErr
	}
	if applyErr != nil {
		batch.Reset()
	}
	if err := batch.Set([]byte(keyLastApplied), []byte(strconv.FormatUint(r.Position, 10)), nil); err != nil {
		return err
	}
	if err := batch.Commit(s.writeOpts()); err != nil {
		return errors.Wrapf(err, "commit record %d", r.Position)
	}
	s.lastApplied = r.Position
	if applyErr != nil {
		return applyErr
	}
	switch r.Intent {
	case protocol.IntentCreate:
		if c := key & counterMax; c > s.counter {
			s.counter = c
		}
	case protocol.IntentExecute:
		s.opts.Observer.ExecutionStarted(key)
	case protocol.IntentComplete:
		s.opts.Observer.ExecutionCompleted(key)
	}
	return nil
}

func (s *State) applyRecord(batch *pebble.Batch, r protocol.Record) (int64, error) {
	v, err := r.DecodeValue()
	if err != nil {
		return 0, err
	}
	key := v.OperationKey()
	return key, s.applyValue(batch, r.Intent, key, v, time.UnixMilli(r.Timestamp).UTC())
}

func (s *State) applyValue(batch *pebble.Batch, intent protocol.Intent, key int64, v protocol.RecordValue, at time.Time) error {
	if intent == protocol.IntentCreate {
		return s.applyCreate(batch, key, v.(*protocol.CreationRecord), at)
	}

	op, err := s.Get(key)
	if errors.Is(err, ErrNotFound) {
		return rejectf("%s for unknown batch operation %d", intent, key)
	}
	if err != nil {
		return err
	}
	if op.Status.Terminal() {
		return rejectf("%s for batch operation %d in status %s", intent, op.Key, op.Status)
	}

	switch rec := v.(type) {
	case *protocol.InitializationRecord:
		if intent == protocol.IntentFinishInitialization {
			op.InitializationSearchCursor = ""
			op.InitializationSearchQueryPageSize = 0
			if err := batch.Delete(pendingKey(op.Key), nil); err != nil {
				return err
			}
			break
		}
		op.InitializationSearchCursor = rec.SearchResultCursor
		op.InitializationSearchQueryPageSize = rec.SearchQueryPageSize
		op.setActiveStatus(StatusInitializing)

	case *protocol.ChunkRecord:
		data, err := json.Marshal(rec.Items)
		if err != nil {
			return err
		}
		if err := batch.Set(chunkKey(op.Key, op.NumChunks), data, nil); err != nil {
			return err
		}
		op.NumChunks++
		op.NumTotalItems += int64(len(rec.Items))

	case *protocol.ExecutionRecord:
		op.setActiveStatus(StatusExecuting)

	case *protocol.PartitionLifecycleRecord:
		op.Status = StatusFailed
		op.SuspendedFrom = ""
		op.Errors = append(op.Errors, rec.Error)
		if err := batch.Delete(pendingKey(op.Key), nil); err != nil {
			return err
		}

	case *protocol.LifecycleRecord:
		if err := s.applyLifecycle(batch, intent, &op); err != nil {
			return err
		}

	default:
		return errors.AssertionFailedf("unhandled record value %T", v)
	}

	op.UpdatedAt = at
	return putOperation(batch, op)
}

func (s *State) applyCreate(batch *pebble.Batch, key int64, rec *protocol.CreationRecord, at time.Time) error {
	if !rec.Type.Valid() {
		return rejectf("unknown batch operation type %q", rec.Type)
	}
	if _, err := s.Get(key); err == nil {
		return rejectf("batch operation %d already exists", key)
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	op := PersistedBatchOperation{
		Key:       key,
		Type:      rec.Type,
		Filter:    rec.Filter,
		Status:    StatusPending,
		CreatedAt: at,
		UpdatedAt: at,
	}
	if err := batch.Set(pendingKey(key), nil, nil); err != nil {
		return err
	}
	if err := batch.Set([]byte(keyCounter), []byte(strconv.FormatInt(key&counterMax, 10)), nil); err != nil {
		return err
	}
	return putOperation(batch, op)
}

func (s *State) applyLifecycle(batch *pebble.Batch, intent protocol.Intent, op *PersistedBatchOperation) error {
	switch intent {
	case protocol.IntentSuspend:
		if op.Status == StatusSuspended {
			return rejectf("batch operation %d is already suspended", op.Key)
		}
		op.SuspendedFrom = op.Status
		op.Status = StatusSuspended
	case protocol.IntentResume:
		if op.Status != StatusSuspended {
			return rejectf("batch operation %d is not suspended", op.Key)
		}
		op.Status = op.SuspendedFrom
		op.SuspendedFrom = ""
	case protocol.IntentComplete:
		if op.Status != StatusExecuting {
			return rejectf("batch operation %d cannot complete in status %s", op.Key, op.Status)
		}
		op.Status = StatusCompleted
		if err := batch.Delete(pendingKey(op.Key), nil); err != nil {
			return err
		}
	default:
		return errors.AssertionFailedf("unexpected lifecycle intent %s", intent)
	}
	return nil
}

// setActiveStatus moves the operation to status, or records it as the
// status to return to when the operation is currently suspended.
func (o *PersistedBatchOperation) setActiveStatus(status Status) {
	if o.Status == StatusSuspended {
		o.SuspendedFrom = status
		return
	}
	o.Status = status
}

func putOperation(batch *pebble.Batch, op PersistedBatchOperation) error {
	data, err := json.Marshal(op)
	if err != nil {
		return errors.Wrapf(err, "encode batch operation %d", op.Key)
	}
	return batch.Set(operationKey(op.Key), data, nil)
}

func rejectf(format string, args ...interface{}) error {
	return errors.Wrapf(protocol.ErrRejected, format, args...)
}
