// Package batchop drives pending batch operations from initialization to
// execution. Per partition, a Scheduler runs on the partition's single
// worker, pages through each operation's items and turns every page into
// chunk commands on the log.
package batchop

import (
	"time"

	"batchops/pkg/protocol"
	"batchops/pkg/search"
	"batchops/pkg/state"
	"batchops/pkg/stream"
)

// PendingOperations exposes the persisted operations waiting for the
// scheduler.
type PendingOperations interface {
	NextPendingBatchOperation() (state.PersistedBatchOperation, bool, error)
}

// ItemProviderFactory resolves the item source of an operation.
type ItemProviderFactory interface {
	ItemProvider(opType protocol.BatchOperationType, filter protocol.Filter) search.ItemProvider
}

// TaskScheduler submits delayed tasks to the partition's worker.
type TaskScheduler interface {
	RunDelayed(delay time.Duration, task stream.Task)
}

// Metrics is the fire-and-forget sink of the scheduler.
type Metrics interface {
	RecordItemsPerPartition(count int64, opType protocol.BatchOperationType)
	RecordInitialized(opType protocol.BatchOperationType)
	StartStartExecuteLatency(key int64)
	StartTotalExecutionLatency(key int64)
	RecordRound(outcome string)
}

// NoopMetrics discards every observation.
type NoopMetrics struct{}

func (NoopMetrics) RecordItemsPerPartition(int64, protocol.BatchOperationType) {}
func (NoopMetrics) RecordInitialized(protocol.BatchOperationType)             {}
func (NoopMetrics) StartStartExecuteLatency(int64)                            {}
func (NoopMetrics) StartTotalExecutionLatency(int64)                          {}
func (NoopMetrics) RecordRound(string)                                        {}

// Round outcomes reported to Metrics.RecordRound.
const (
	RoundIdle    = "idle"
	RoundSkipped = "skipped"
	RoundSuccess = "success"
	RoundFailure = "failure"
	RoundRetry   = "retry"
	RoundError   = "error"
)

// Config tunes the scheduler of one partition.
type Config struct {
	SchedulerInterval       time.Duration
	ChunkSize               int
	QueryPageSize           int
	QueryRetryMax           int
	QueryRetryInitialDelay  time.Duration
	QueryRetryMaxDelay      time.Duration
	QueryRetryBackoffFactor float64
}

// Defaults applied by DefaultConfig.
const (
	DefaultSchedulerInterval       = time.Second
	DefaultChunkSize               = 100
	DefaultQueryPageSize           = 10000
	DefaultQueryRetryMax           = 10
	DefaultQueryRetryInitialDelay  = time.Second
	DefaultQueryRetryMaxDelay      = 60 * time.Second
	DefaultQueryRetryBackoffFactor = 2.0
)

// DefaultConfig returns a Config with every default applied.
func DefaultConfig() Config {
	return Config{
		SchedulerInterval:       DefaultSchedulerInterval,
		ChunkSize:               DefaultChunkSize,
		QueryPageSize:           DefaultQueryPageSize,
		QueryRetryMax:           DefaultQueryRetryMax,
		QueryRetryInitialDelay:  DefaultQueryRetryInitialDelay,
		QueryRetryMaxDelay:      DefaultQueryRetryMaxDelay,
		QueryRetryBackoffFactor: DefaultQueryRetryBackoffFactor,
	}
}

// withDefaults replaces unset fields with their defaults.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SchedulerInterval <= 0 {
		c.SchedulerInterval = d.SchedulerInterval
	}
	if c.ChunkSize < 1 {
		c.ChunkSize = d.ChunkSize
	}
	if c.QueryPageSize < 1 {
		c.QueryPageSize = d.QueryPageSize
	}
	if c.QueryRetryMax < 0 {
		c.QueryRetryMax = d.QueryRetryMax
	}
	if c.QueryRetryInitialDelay <= 0 {
		c.QueryRetryInitialDelay = d.QueryRetryInitialDelay
	}
	if c.QueryRetryMaxDelay <= 0 {
		c.QueryRetryMaxDelay = d.QueryRetryMaxDelay
	}
	if c.QueryRetryBackoffFactor < 1 {
		c.QueryRetryBackoffFactor = d.QueryRetryBackoffFactor
	}
	return c
}
