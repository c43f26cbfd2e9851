package v1

// ExecutionStatus is the outcome of one leaf or aggregated execution.
type ExecutionStatus string

const (
	ExecutionStatusSuccess   ExecutionStatus = "SUCCESS"
	ExecutionStatusFailed    ExecutionStatus = "FAILED"
	ExecutionStatusNeedInput ExecutionStatus = "NEED_INPUT"
)

// ConnectorStatus is the structured status a connector reports back to the
// leaf actor that invoked it.
type ConnectorStatus string

const (
	// ConnectorStatusSuccess means the connector completed and produced a result.
	ConnectorStatusSuccess ConnectorStatus = "SUCCESS"
	// ConnectorStatusFailure is a retryable failure (transient upstream error).
	ConnectorStatusFailure ConnectorStatus = "FAILURE"
	// ConnectorStatusError is a non-retryable failure (bad request, bad config).
	ConnectorStatusError ConnectorStatus = "ERROR"
	// ConnectorStatusNeedInput means the connector requires more parameters
	// before it can continue.
	ConnectorStatusNeedInput ConnectorStatus = "NEED_INPUT"
)

// ControlSignal is an advisory cancellation/pause/resume marker addressable
// by trace or task id.
type ControlSignal string

const (
	SignalCancel ControlSignal = "CANCEL"
	SignalPause  ControlSignal = "PAUSE"
	SignalResume ControlSignal = "RESUME"
)

// SubtaskType selects the target of a planned subtask.
type SubtaskType string

const (
	// SubtaskTypeAgent routes the subtask to another agent actor for
	// recursive planning.
	SubtaskTypeAgent SubtaskType = "AGENT"
	// SubtaskTypeMCP routes the subtask directly to a leaf execution actor.
	SubtaskTypeMCP SubtaskType = "MCP"
)

// OperationType is the classifier's verdict on an inbound user request.
type OperationType string

const (
	OperationNewTask     OperationType = "NEW_TASK"
	OperationExecuteTask OperationType = "EXECUTE_TASK"
	OperationResumeTask  OperationType = "RESUME_TASK"
	OperationCancelTask  OperationType = "CANCEL_TASK"
	OperationLoopTask    OperationType = "LOOP_TASK"
)

// Error strings with contract meaning; external callers match on these.
const (
	ErrTextCancelled = "cancelled"
	ErrTextTimeout   = "timeout"
)
