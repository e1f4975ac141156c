package batchop

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"batchops/pkg/protocol"
	"batchops/pkg/state"
	"batchops/pkg/stream"
)

// maxFailureMessageLength bounds the error message carried by a Fail command.
const maxFailureMessageLength = 1024

// loopState is the last known progress of the operation being initialized.
type loopState struct {
	key      int64
	cursor   string
	attempts int
}

// Scheduler periodically picks the next pending operation of its partition
// and runs one initialization round for it.
type Scheduler struct {
	partitionID int
	cfg         Config
	pending     PendingOperations
	tasks       TaskScheduler
	initializer *Initializer
	retry       *RetryHandler
	commands    CommandBuilder
	metrics     Metrics
	logger      *zap.Logger

	active    atomic.Bool
	executing atomic.Bool
	epoch     atomic.Uint64

	mu      sync.Mutex
	tracked *loopState
}

// NewScheduler wires a scheduler for one partition.
func NewScheduler(partitionID int, cfg Config, pending PendingOperations, providers ItemProviderFactory, tasks TaskScheduler, metrics Metrics, logger *zap.Logger) *Scheduler {
	cfg = cfg.withDefaults()
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "batch_operation_scheduler"), zap.Int("partition", partitionID))
	commands := NewCommandBuilder(partitionID)
	return &Scheduler{
		partitionID: partitionID,
		cfg:         cfg,
		pending:     pending,
		tasks:       tasks,
		initializer: NewInitializer(providers, NewPageProcessor(cfg.ChunkSize), commands, metrics, cfg.QueryPageSize, logger),
		retry: NewRetryHandler(RetryPolicy{
			MaxRetries:    cfg.QueryRetryMax,
			InitialDelay:  cfg.QueryRetryInitialDelay,
			MaxDelay:      cfg.QueryRetryMaxDelay,
			BackoffFactor: cfg.QueryRetryBackoffFactor,
		}, logger),
		commands: commands,
		metrics:  metrics,
		logger:   logger,
	}
}

func (s *Scheduler) OnRecovered() { s.start() }
func (s *Scheduler) OnResumed()   { s.start() }
func (s *Scheduler) OnPaused()    { s.active.Store(false) }
func (s *Scheduler) OnClose()     { s.active.Store(false) }

// start begins a new scheduling loop. Ticks armed by an earlier loop are
// discarded when they fire.
func (s *Scheduler) start() {
	if s.active.Swap(true) {
		return
	}
	s.epoch.Add(1)
	s.scheduleExecution(s.cfg.SchedulerInterval)
}

func (s *Scheduler) scheduleExecution(delay time.Duration) {
	if !s.active.Load() {
		return
	}
	if s.executing.Load() {
		s.logger.Warn("batch_operation_execution_already_running")
		return
	}
	epoch := s.epoch.Load()
	s.tasks.RunDelayed(delay, func(ctx context.Context, rb stream.ResultBuilder) {
		if !s.active.Load() || s.epoch.Load() != epoch {
			return
		}
		s.execute(ctx, rb)
	})
}

func (s *Scheduler) execute(ctx context.Context, rb stream.ResultBuilder) {
	delay := s.cfg.SchedulerInterval
	s.executing.Store(true)
	defer func() {
		s.executing.Store(false)
		s.scheduleExecution(delay)
	}()

	op, ok, err := s.pending.NextPendingBatchOperation()
	if err != nil {
		s.logger.Error("batch_operation_lookup_failed", zap.Error(err))
		s.metrics.RecordRound(RoundError)
		return
	}
	if !ok {
		s.metrics.RecordRound(RoundIdle)
		return
	}
	if !s.validateNoReInitialization(op) {
		s.metrics.RecordRound(RoundSkipped)
		return
	}

	result := s.retry.Execute(op, func() (InitializationOutcome, error) {
		return s.initializer.Initialize(ctx, rb, op)
	}, s.retryContext(op))
	delay = s.handleResult(rb, op, result)
}

func (s *Scheduler) handleResult(rb stream.ResultBuilder, op state.PersistedBatchOperation, result RetryResult) time.Duration {
	switch r := result.(type) {
	case Success:
		s.setTracked(&loopState{key: op.Key, cursor: r.Outcome.Cursor})
		s.metrics.RecordRound(RoundSuccess)
		s.logger.Debug("batch_operation_round_done",
			zap.Int64("batch_operation_key", op.Key),
			zap.Stringer("outcome", r.Outcome.Status))
		return s.cfg.SchedulerInterval

	case Failure:
		msg := failureMessage(r.Err)
		if !s.commands.AppendFail(rb, op.Key, protocol.ErrorTypeQueryFailed, msg) {
			s.logger.Error("batch_operation_fail_command_dropped", zap.Int64("batch_operation_key", op.Key))
		}
		s.setTracked(nil)
		s.metrics.RecordRound(RoundFailure)
		s.logger.Warn("batch_operation_failed", zap.Int64("batch_operation_key", op.Key), zap.Error(r.Err))
		return s.cfg.SchedulerInterval

	case Retry:
		c := r.Context
		s.setTracked(&loopState{key: c.OperationKey, cursor: c.Cursor, attempts: c.Attempts})
		s.metrics.RecordRound(RoundRetry)
		return r.Delay

	default:
		s.logger.Error("batch_operation_round_unhandled",
			zap.Int64("batch_operation_key", op.Key),
			zap.Error(errors.AssertionFailedf("unexpected retry result %T", result)))
		return s.cfg.SchedulerInterval
	}
}

// validateNoReInitialization skips the round when the tracked progress of
// this operation is at attempt 0 and its cursor differs from the persisted
// one. Tracking of another operation is replaced.
func (s *Scheduler) validateNoReInitialization(op state.PersistedBatchOperation) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.tracked
	if t == nil || t.key != op.Key {
		s.tracked = &loopState{key: op.Key, cursor: op.InitializationSearchCursor}
		return true
	}
	if t.attempts == 0 && t.cursor != op.InitializationSearchCursor {
		s.logger.Warn("batch_operation_reinitialization_skipped",
			zap.Int64("batch_operation_key", op.Key),
			zap.String("tracked_cursor", t.cursor),
			zap.String("persisted_cursor", op.InitializationSearchCursor))
		return false
	}
	return true
}

func (s *Scheduler) retryContext(op state.PersistedBatchOperation) RetryContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t := s.tracked; t != nil && t.key == op.Key {
		return RetryContext{OperationKey: op.Key, Cursor: t.cursor, Attempts: t.attempts}
	}
	return RetryContext{OperationKey: op.Key, Cursor: op.InitializationSearchCursor}
}

func (s *Scheduler) setTracked(t *loopState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracked = t
}

func failureMessage(err error) string {
	msg := fmt.Sprintf("%+v", err)
	if len(msg) > maxFailureMessageLength {
		msg = strings.ToValidUTF8(msg[:maxFailureMessageLength], "")
	}
	return msg
}
