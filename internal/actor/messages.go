package actor

import (
	"time"

	"github.com/taskfleet/taskfleet/internal/plan"
	v1 "github.com/taskfleet/taskfleet/pkg/api/v1"
)

// UserRequest enters the pipeline at the router, addressed to a
// (tenant, node) pair.
type UserRequest struct {
	TenantID string
	NodeID   string
	Message  interface{}
}

// Initialize bootstraps a freshly spawned session.
type Initialize struct {
	TenantID        string
	NodeID          string
	OriginalMessage interface{}
	OriginalSender  *Ref
}

// RegisterActor asks the router to store the sender's address.
type RegisterActor struct {
	TenantID string
	NodeID   string
}

// RegisterConfirmed acknowledges a successful registration.
type RegisterConfirmed struct{}

// AlreadyRegistered tells a racing session that another session holds the
// key; the loser forwards its pending work to Existing and self-terminates.
type AlreadyRegistered struct {
	Existing *Ref
}

// UnregisterActor removes the sender's registry entry.
type UnregisterActor struct {
	TenantID string
	NodeID   string
}

// RefreshTTL extends the registration without touching last_heartbeat.
type RefreshTTL struct {
	TenantID string
	NodeID   string
}

// Heartbeat refreshes TTL and last_heartbeat; the router replies with
// HeartbeatResponse carrying the same timestamp.
type Heartbeat struct {
	TenantID  string
	NodeID    string
	Timestamp time.Time
}

// HeartbeatResponse acknowledges a heartbeat.
type HeartbeatResponse struct {
	Timestamp time.Time
}

// HeartbeatFailed is sent by the session's heartbeat task to its own mailbox
// when the retry budget is exhausted.
type HeartbeatFailed struct{}

// AgentTask is one unit of work addressed to an agent.
type AgentTask struct {
	AgentID               string
	TaskID                string
	TraceID               string
	TaskPath              string
	Content               map[string]interface{}
	Description           string
	Context               map[string]interface{}
	Parameters            map[string]interface{}
	IsParameterCompletion bool
	ReplyTo               *Ref
}

// TaskGroupRequest fans a planned group out through an aggregator.
type TaskGroupRequest struct {
	TaskID       string
	TraceID      string
	TaskPath     string
	ParentTaskID string
	Subtasks     []plan.SubtaskSpec
	Strategy     plan.Strategy
	Context      map[string]interface{}
	UserID       string
	ReplyTo      *Ref
}

// TaskCompleted is the aggregator's (or a child's) combined outcome.
type TaskCompleted struct {
	TaskID        string
	Status        v1.ExecutionStatus
	Result        map[string]interface{}
	Error         string
	MissingParams []string
	// ExecActor is set on NEED_INPUT so the agent can store the resume
	// target for the paused task.
	ExecActor *Ref
}

// TaskResult is the terminal reply to the original caller.
type TaskResult struct {
	TaskID   string
	TraceID  string
	TaskPath string
	Result   map[string]interface{}
	Error    string
}

// TaskPaused tells the original caller which parameters are still needed.
type TaskPaused struct {
	TaskID        string
	TraceID       string
	MissingParams []string
	Question      string
	// ExecActor is the actor a ResumeExecution must reach. Agents set it to
	// the paused leaf so the resume target survives bubbling through agent
	// tiers.
	ExecActor *Ref
}

// ExecuteTask invokes one capability on a leaf actor.
type ExecuteTask struct {
	TaskID          string
	TraceID         string
	TaskPath        string
	Capability      string
	RunningConfig   map[string]interface{}
	Content         map[string]interface{}
	Description     string
	GlobalContext   map[string]interface{}
	EnrichedContext map[string]interface{}
	Timeout         time.Duration
	ReplyTo         *Ref
}

// ResumeExecution re-runs a paused leaf with the caller-supplied parameters
// merged in.
type ResumeExecution struct {
	TaskID     string
	Parameters map[string]interface{}
	ReplyTo    *Ref
}

// ExecutionResult is the leaf's outcome for one ExecuteTask or resume.
type ExecutionResult struct {
	TaskID        string
	Status        v1.ExecutionStatus
	Result        map[string]interface{}
	Error         string
	Retryable     bool
	MissingParams []string
	// Self lets receivers address the leaf again after NEED_INPUT.
	Self *Ref
}
