// Package v1 contains the shared wire types exchanged between the Taskfleet
// core services, the message broker, and external executors.
package v1

import "time"

// ScheduleType identifies how a scheduled run was produced.
type ScheduleType string

const (
	ScheduleTypeImmediate    ScheduleType = "IMMEDIATE"
	ScheduleTypeOnce         ScheduleType = "ONCE"
	ScheduleTypeDelayed      ScheduleType = "DELAYED"
	ScheduleTypeCron         ScheduleType = "CRON"
	ScheduleTypeLoop         ScheduleType = "LOOP"
	ScheduleTypeIntervalLoop ScheduleType = "INTERVAL_LOOP"
)

// RunStatus represents the lifecycle state of a scheduled run.
type RunStatus string

const (
	RunStatusPending    RunStatus = "PENDING"
	RunStatusScheduled  RunStatus = "SCHEDULED"
	RunStatusDispatched RunStatus = "DISPATCHED"
	RunStatusSuccess    RunStatus = "SUCCESS"
	RunStatusFailed     RunStatus = "FAILED"
	RunStatusCancelled  RunStatus = "CANCELLED"
)

// Terminal reports whether the status is a terminal state.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSuccess, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// InstanceStatus represents the runtime state of a task instance.
type InstanceStatus string

const (
	InstanceStatusPending    InstanceStatus = "PENDING"
	InstanceStatusRunning    InstanceStatus = "RUNNING"
	InstanceStatusPaused     InstanceStatus = "PAUSED"
	InstanceStatusDispatched InstanceStatus = "DISPATCHED"
	InstanceStatusSuccess    InstanceStatus = "SUCCESS"
	InstanceStatusFailed     InstanceStatus = "FAILED"
	InstanceStatusCancelled  InstanceStatus = "CANCELLED"
)

// Terminal reports whether the instance status is terminal.
func (s InstanceStatus) Terminal() bool {
	switch s {
	case InstanceStatusSuccess, InstanceStatusFailed, InstanceStatusCancelled:
		return true
	}
	return false
}

// Broker topics used by the scheduling pipeline.
const (
	TopicTaskScheduled    = "task.scheduled"
	TopicTaskStatusUpdate = "task.status_update"
	TopicTaskControl      = "task.control"
)

// ScheduledTaskMessage is the payload published on task.scheduled when the
// scanner marks a run due.
type ScheduledTaskMessage struct {
	TaskID         string                 `json:"task_id"`
	DefinitionID   string                 `json:"definition_id"`
	TraceID        string                 `json:"trace_id"`
	InputParams    map[string]interface{} `json:"input_params,omitempty"`
	ScheduledTime  time.Time              `json:"scheduled_time"`
	RoundIndex     int                    `json:"round_index"`
	ScheduleConfig map[string]interface{} `json:"schedule_config,omitempty"`
}

// StatusUpdateMessage is the payload published on task.status_update by
// external executors reporting run completion.
type StatusUpdateMessage struct {
	TaskID    string                 `json:"task_id"`
	Status    RunStatus              `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// TaskControlMessage is the payload published on task.control to push a
// cancel/pause/resume signal out to external executors.
type TaskControlMessage struct {
	TraceID   string        `json:"trace_id"`
	TaskID    string        `json:"task_id,omitempty"`
	Signal    ControlSignal `json:"signal"`
	Timestamp time.Time     `json:"timestamp"`
	// Parameters carries caller-supplied input on a RESUME so a run paused on
	// NEED_INPUT can complete its missing parameters.
	Parameters map[string]interface{} `json:"parameters,omitempty"`
}

// LoopConfig describes bounded loop scheduling for a definition.
type LoopConfig struct {
	MaxRounds   int `json:"max_rounds"`
	IntervalSec int `json:"interval_sec,omitempty"`
}

// RetryPolicy bounds dispatcher retries for a scheduled run.
type RetryPolicy struct {
	MaxRetries int `json:"max_retries"`
}

// DefaultMaxRetries is applied when a schedule config carries no retry policy.
const DefaultMaxRetries = 3
