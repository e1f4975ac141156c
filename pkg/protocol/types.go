package protocol

// ValueType groups the intents that operate on one kind of record.
type ValueType string

const (
	ValueTypeCreation            ValueType = "BATCH_OPERATION_CREATION"
	ValueTypeInitialization      ValueType = "BATCH_OPERATION_INITIALIZATION"
	ValueTypeChunk               ValueType = "BATCH_OPERATION_CHUNK"
	ValueTypeExecution           ValueType = "BATCH_OPERATION_EXECUTION"
	ValueTypeLifecycleManagement ValueType = "BATCH_OPERATION_LIFECYCLE_MANAGEMENT"
	ValueTypePartitionLifecycle  ValueType = "BATCH_OPERATION_PARTITION_LIFECYCLE"
)

// Intent is the command type carried by a log record.
type Intent string

const (
	IntentCreate               Intent = "CREATE"
	IntentInitialize           Intent = "INITIALIZE"
	IntentFinishInitialization Intent = "FINISH_INITIALIZATION"
	IntentCreateChunk          Intent = "CREATE_CHUNK"
	IntentExecute              Intent = "EXECUTE"
	IntentFail                 Intent = "FAIL"
	IntentSuspend              Intent = "SUSPEND"
	IntentResume               Intent = "RESUME"
	IntentComplete             Intent = "COMPLETE"
)

// ValueType returns the value type an intent belongs to.
func (i Intent) ValueType() ValueType {
	switch i {
	case IntentCreate:
		return ValueTypeCreation
	case IntentInitialize, IntentFinishInitialization:
		return ValueTypeInitialization
	case IntentCreateChunk:
		return ValueTypeChunk
	case IntentExecute:
		return ValueTypeExecution
	case IntentFail:
		return ValueTypePartitionLifecycle
	case IntentSuspend, IntentResume, IntentComplete:
		return ValueTypeLifecycleManagement
	}
	return ""
}

// BatchOperationType is the action applied to every item of an operation.
type BatchOperationType string

const (
	CancelProcessInstance  BatchOperationType = "CANCEL_PROCESS_INSTANCE"
	MigrateProcessInstance BatchOperationType = "MIGRATE_PROCESS_INSTANCE"
	ModifyProcessInstance  BatchOperationType = "MODIFY_PROCESS_INSTANCE"
	DeleteProcessInstance  BatchOperationType = "DELETE_PROCESS_INSTANCE"
	ResolveIncident        BatchOperationType = "RESOLVE_INCIDENT"
)

// Valid reports whether t is a known operation type.
func (t BatchOperationType) Valid() bool {
	switch t {
	case CancelProcessInstance, MigrateProcessInstance, ModifyProcessInstance,
		DeleteProcessInstance, ResolveIncident:
		return true
	}
	return false
}

// ErrorType classifies a partition level failure of a batch operation.
type ErrorType string

const (
	ErrorTypeQueryFailed              ErrorType = "QUERY_FAILED"
	ErrorTypeResultBufferSizeExceeded ErrorType = "RESULT_BUFFER_SIZE_EXCEEDED"
)

// Filter selects the target entities of a batch operation.
type Filter struct {
	BpmnProcessID        string  `json:"bpmnProcessId,omitempty"`
	ProcessDefinitionKey int64   `json:"processDefinitionKey,omitempty"`
	State                string  `json:"state,omitempty"`
	TenantID             string  `json:"tenantId,omitempty"`
	ProcessInstanceKeys  []int64 `json:"processInstanceKeys,omitempty"`
}

// Item is one target of a batch operation.
type Item struct {
	ItemKey            int64 `json:"itemKey"`
	ProcessInstanceKey int64 `json:"processInstanceKey"`
}
