package batchop

import (
	"math"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"batchops/pkg/search"
	"batchops/pkg/state"
)

// failImmediately lists the query failures no retry can fix.
var failImmediately = map[search.Reason]struct{}{
	search.ReasonNotFound:               {},
	search.ReasonNotUnique:              {},
	search.ReasonSecondaryStorageNotSet: {},
	search.ReasonForbidden:              {},
}

// RetryContext is the in-memory retry state of the operation being
// initialized.
type RetryContext struct {
	OperationKey int64
	Cursor       string
	Attempts     int
}

// WithIncrementedAttempts records one more failed round that stopped at
// cursor.
func (c RetryContext) WithIncrementedAttempts(cursor string) RetryContext {
	c.Cursor = cursor
	c.Attempts++
	return c
}

// RetryResult is one of Success, Failure or Retry.
type RetryResult interface {
	retryResult()
}

// Success is a round that reached a stable state.
type Success struct {
	Outcome InitializationOutcome
}

// Failure is a round that must fail the operation.
type Failure struct {
	Err error
}

// Retry asks for another round after Delay.
type Retry struct {
	Delay   time.Duration
	Context RetryContext
}

func (Success) retryResult() {}
func (Failure) retryResult() {}
func (Retry) retryResult()   {}

// RetryPolicy bounds retries of failed initialization rounds.
type RetryPolicy struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// Delay returns min(MaxDelay, InitialDelay * BackoffFactor^attempt).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := float64(p.InitialDelay) * math.Pow(p.BackoffFactor, float64(attempt))
	if d >= float64(p.MaxDelay) || math.IsInf(d, 0) || math.IsNaN(d) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// RetryHandler classifies the error of a round into Failure or Retry.
type RetryHandler struct {
	policy RetryPolicy
	logger *zap.Logger
}

func NewRetryHandler(policy RetryPolicy, logger *zap.Logger) *RetryHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetryHandler{policy: policy, logger: logger}
}

// Execute runs one round and decides what happens next.
func (h *RetryHandler) Execute(op state.PersistedBatchOperation, round func() (InitializationOutcome, error), rc RetryContext) RetryResult {
	outcome, err := round()
	if err == nil {
		return Success{Outcome: outcome}
	}

	cursor := rc.Cursor
	var initErr *InitializationError
	if errors.As(err, &initErr) {
		cursor = initErr.EndCursor
	}

	if reason, ok := search.ReasonOf(err); ok {
		if _, fatal := failImmediately[reason]; fatal {
			h.logger.Warn("batch_operation_round_failed_permanently",
				zap.Int64("batch_operation_key", op.Key),
				zap.String("reason", string(reason)),
				zap.Error(err))
			return Failure{Err: err}
		}
	}
	if rc.Attempts >= h.policy.MaxRetries {
		h.logger.Warn("batch_operation_retries_exhausted",
			zap.Int64("batch_operation_key", op.Key),
			zap.Int("attempts", rc.Attempts),
			zap.Error(err))
		return Failure{Err: err}
	}

	delay := h.policy.Delay(rc.Attempts)
	h.logger.Info("batch_operation_round_retry",
		zap.Int64("batch_operation_key", op.Key),
		zap.Int("attempt", rc.Attempts+1),
		zap.Duration("delay", delay),
		zap.Error(err))
	return Retry{Delay: delay, Context: rc.WithIncrementedAttempts(cursor)}
}
