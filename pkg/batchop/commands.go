package batchop

import (
	"batchops/pkg/protocol"
	"batchops/pkg/stream"
)

// CommandBuilder appends the follow up commands of the scheduler. Every
// command references the operation it belongs to.
type CommandBuilder struct {
	partitionID int
}

// NewCommandBuilder returns a builder stamping Fail errors with partitionID.
func NewCommandBuilder(partitionID int) CommandBuilder {
	return CommandBuilder{partitionID: partitionID}
}

// AppendInitialize appends a continuation that resumes at cursor. All Append
// methods report false when the command does not fit.
func (b CommandBuilder) AppendInitialize(rb stream.ResultBuilder, key int64, cursor string, pageSize int) bool {
	return rb.AppendCommandRecord(key, protocol.IntentInitialize, &protocol.InitializationRecord{
		BatchOperationKey:   key,
		SearchResultCursor:  cursor,
		SearchQueryPageSize: pageSize,
	}, metadata(key))
}

// AppendFinishInitialization marks the item collection as complete.
func (b CommandBuilder) AppendFinishInitialization(rb stream.ResultBuilder, key int64) bool {
	return rb.AppendCommandRecord(key, protocol.IntentFinishInitialization, &protocol.InitializationRecord{
		BatchOperationKey: key,
	}, metadata(key))
}

// AppendExecute starts execution of the appended chunks.
func (b CommandBuilder) AppendExecute(rb stream.ResultBuilder, key int64) bool {
	return rb.AppendCommandRecord(key, protocol.IntentExecute, &protocol.ExecutionRecord{
		BatchOperationKey: key,
	}, metadata(key))
}

// AppendFail fails the operation with an error from this partition.
func (b CommandBuilder) AppendFail(rb stream.ResultBuilder, key int64, errType protocol.ErrorType, message string) bool {
	return rb.AppendCommandRecord(key, protocol.IntentFail, &protocol.PartitionLifecycleRecord{
		BatchOperationKey: key,
		Error: protocol.Error{
			Type:        errType,
			PartitionID: b.partitionID,
			Message:     message,
		},
	}, metadata(key))
}

func metadata(key int64) protocol.Metadata {
	return protocol.Metadata{BatchOperationReference: key}
}
