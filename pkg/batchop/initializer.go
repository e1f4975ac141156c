package batchop

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"batchops/pkg/protocol"
	"batchops/pkg/state"
	"batchops/pkg/stream"
)

// OutcomeStatus tells how an initialization round ended.
type OutcomeStatus int

const (
	// OutcomeSuspended means the operation is suspended and nothing was done.
	OutcomeSuspended OutcomeStatus = iota
	// OutcomeContinued means a continuation Initialize was appended.
	OutcomeContinued
	// OutcomeFinished means FinishInitialization and Execute were appended.
	OutcomeFinished
	// OutcomeFailed means a Fail command was appended.
	OutcomeFailed
)

func (s OutcomeStatus) String() string {
	switch s {
	case OutcomeSuspended:
		return "suspended"
	case OutcomeContinued:
		return "continued"
	case OutcomeFinished:
		return "finished"
	case OutcomeFailed:
		return "failed"
	}
	return fmt.Sprintf("OutcomeStatus(%d)", int(s))
}

// InitializationOutcome is the result of a round that did not error.
type InitializationOutcome struct {
	OperationKey int64
	Cursor       string
	Status       OutcomeStatus
}

// InitializationError is returned when a round fails. EndCursor is the
// cursor the next round resumes from.
type InitializationError struct {
	EndCursor string
	cause     error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("failed to initialize batch operation with end cursor %q: %v", e.EndCursor, e.cause)
}

func (e *InitializationError) Unwrap() error { return e.cause }

func (e *InitializationError) Format(s fmt.State, verb rune) { errors.FormatError(e, s, verb) }

func (e *InitializationError) FormatError(p errors.Printer) error {
	p.Printf("failed to initialize batch operation with end cursor %q", e.EndCursor)
	return e.cause
}

// Initializer pages through the items of one operation and appends them as
// chunks until the query is exhausted or the append is full.
type Initializer struct {
	providers     ItemProviderFactory
	pages         PageProcessor
	commands      CommandBuilder
	metrics       Metrics
	queryPageSize int
	logger        *zap.Logger
}

func NewInitializer(providers ItemProviderFactory, pages PageProcessor, commands CommandBuilder, metrics Metrics, queryPageSize int, logger *zap.Logger) *Initializer {
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if queryPageSize < 1 {
		queryPageSize = DefaultQueryPageSize
	}
	return &Initializer{
		providers:     providers,
		pages:         pages,
		commands:      commands,
		metrics:       metrics,
		queryPageSize: queryPageSize,
		logger:        logger,
	}
}

// Initialize runs one round for op, appending its commands to rb.
func (i *Initializer) Initialize(ctx context.Context, rb stream.ResultBuilder, op state.PersistedBatchOperation) (InitializationOutcome, error) {
	if op.IsSuspended() {
		i.logger.Debug("batch_operation_suspended", zap.Int64("batch_operation_key", op.Key))
		return InitializationOutcome{OperationKey: op.Key, Cursor: op.InitializationSearchCursor, Status: OutcomeSuspended}, nil
	}

	provider := i.providers.ItemProvider(op.Type, op.Filter)
	ic := newInitializationContext(op, i.queryPageSize)
	for {
		page, err := provider.FetchItemPage(ctx, ic.Cursor, ic.PageSize)
		if err != nil {
			return i.fail(rb, ic, err)
		}
		if !page.IsLastPage && page.EndCursor == ic.Cursor {
			return i.fail(rb, ic, errors.AssertionFailedf("item page at cursor %q did not advance", ic.Cursor))
		}

		result := i.pages.ProcessPage(rb, op.Key, page)
		if result.ChunksAppended {
			ic = ic.withNextPage(result.EndCursor, result.ItemsProcessed, i.queryPageSize)
			if result.IsLastPage {
				return i.finish(rb, ic)
			}
			continue
		}

		if !ic.AppendedChunks {
			if ic.PageSize > 1 {
				ic = ic.withReducedPageSize()
				i.logger.Debug("batch_operation_page_size_reduced",
					zap.Int64("batch_operation_key", op.Key),
					zap.Int("page_size", ic.PageSize))
				continue
			}
			msg := fmt.Sprintf("Unable to append first chunk of batch operation items. Number of items: %d", len(page.Items))
			if !i.commands.AppendFail(rb, op.Key, protocol.ErrorTypeResultBufferSizeExceeded, msg) {
				return i.fail(rb, ic, errors.AssertionFailedf("fail command for batch operation %d does not fit", op.Key))
			}
			i.logger.Warn("batch_operation_result_buffer_exceeded", zap.Int64("batch_operation_key", op.Key))
			return InitializationOutcome{OperationKey: op.Key, Cursor: ic.Cursor, Status: OutcomeFailed}, nil
		}

		if !i.commands.AppendInitialize(rb, op.Key, ic.Cursor, ic.PageSize) {
			return i.fail(rb, ic, errors.AssertionFailedf("continuation initialize for batch operation %d does not fit", op.Key))
		}
		return InitializationOutcome{OperationKey: op.Key, Cursor: ic.Cursor, Status: OutcomeContinued}, nil
	}
}

func (i *Initializer) finish(rb stream.ResultBuilder, ic InitializationContext) (InitializationOutcome, error) {
	op := ic.Operation
	if !i.commands.AppendFinishInitialization(rb, op.Key) || !i.commands.AppendExecute(rb, op.Key) {
		return i.fail(rb, ic, errors.AssertionFailedf("finish commands for batch operation %d do not fit", op.Key))
	}

	i.metrics.RecordItemsPerPartition(op.NumTotalItems+ic.ItemsProcessed, op.Type)
	i.metrics.RecordInitialized(op.Type)
	i.metrics.StartStartExecuteLatency(op.Key)
	i.metrics.StartTotalExecutionLatency(op.Key)

	i.logger.Info("batch_operation_initialized",
		zap.Int64("batch_operation_key", op.Key),
		zap.Int64("items", op.NumTotalItems+ic.ItemsProcessed))
	return InitializationOutcome{OperationKey: op.Key, Cursor: ic.Cursor, Status: OutcomeFinished}, nil
}

// fail keeps the progress of this round by appending a continuation
// Initialize, then reports err together with the cursor to resume from.
func (i *Initializer) fail(rb stream.ResultBuilder, ic InitializationContext, err error) (InitializationOutcome, error) {
	if ic.AppendedChunks {
		if !i.commands.AppendInitialize(rb, ic.Operation.Key, ic.Cursor, ic.PageSize) {
			i.logger.Error("batch_operation_continuation_dropped",
				zap.Int64("batch_operation_key", ic.Operation.Key),
				zap.String("cursor", ic.Cursor))
		}
	}
	return InitializationOutcome{}, &InitializationError{EndCursor: ic.Cursor, cause: err}
}
