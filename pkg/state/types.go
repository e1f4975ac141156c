package state

import (
	"time"

	"batchops/pkg/protocol"
)

// Status is the lifecycle status of a batch operation on one partition.
type Status string

const (
	StatusPending      Status = "pending"
	StatusSuspended    Status = "suspended"
	StatusInitializing Status = "initializing"
	StatusExecuting    Status = "executing"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
)

// Terminal reports whether no further command may change the operation.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// PersistedBatchOperation is the partition-local view of a batch operation.
// It is only ever changed by applying log records.
type PersistedBatchOperation struct {
	Key                               int64                       `json:"key"`
	Type                              protocol.BatchOperationType `json:"type"`
	Filter                            protocol.Filter             `json:"filter"`
	Status                            Status                      `json:"status"`
	SuspendedFrom                     Status                      `json:"suspendedFrom,omitempty"`
	InitializationSearchCursor        string                      `json:"initializationSearchCursor"`
	InitializationSearchQueryPageSize int                         `json:"initializationSearchQueryPageSize"`
	NumTotalItems                     int64                       `json:"numTotalItems"`
	NumChunks                         int64                       `json:"numChunks"`
	Errors                            []protocol.Error            `json:"errors,omitempty"`
	CreatedAt                         time.Time                   `json:"createdAt"`
	UpdatedAt                         time.Time                   `json:"updatedAt"`
}

func (o PersistedBatchOperation) IsSuspended() bool { return o.Status == StatusSuspended }

// ApplyObserver receives execution milestones as records are applied.
type ApplyObserver interface {
	ExecutionStarted(key int64)
	ExecutionCompleted(key int64)
}

type noopObserver struct{}

func (noopObserver) ExecutionStarted(int64)   {}
func (noopObserver) ExecutionCompleted(int64) {}
