package actor

import (
	"go.uber.org/zap"

	"github.com/taskfleet/taskfleet/internal/common/logger"
	"github.com/taskfleet/taskfleet/internal/control"
	"github.com/taskfleet/taskfleet/internal/events"
	"github.com/taskfleet/taskfleet/internal/plan"
	v1 "github.com/taskfleet/taskfleet/pkg/api/v1"
)

// ErrTextNoExecutionActor is returned to callers that resume a task whose
// execution actor is unknown to this agent.
const ErrTextNoExecutionActor = "Cannot find the ExecutionActor for this task"

// inflightCall tracks who asked for a task so the combined outcome can be
// routed back.
type inflightCall struct {
	caller   *Ref
	traceID  string
	taskPath string
}

// Agent plans inbound tasks into task groups and handles the NEED_INPUT
// resume handshake. The task_id to execution-actor map is the only
// cross-message pointer it keeps; it is process-local and dies with the
// agent, in which case later resumes fail with ErrTextNoExecutionActor.
type Agent struct {
	router     *Ref
	agentID    string
	tenantID   string
	classifier plan.Classifier
	planner    plan.Planner
	oracle     plan.Oracle
	ctl        control.Store
	bus        *events.Bus
	newLeaf    LeafFactory
	logger     *logger.Logger

	execActors map[string]*Ref
	inflight   map[string]*inflightCall
}

var _ Actor = (*Agent)(nil)

// AgentDeps bundles the collaborators an agent needs.
type AgentDeps struct {
	Router     *Ref
	AgentID    string
	TenantID   string
	Classifier plan.Classifier
	Planner    plan.Planner
	Oracle     plan.Oracle
	Control    control.Store
	Bus        *events.Bus
	NewLeaf    LeafFactory
	Logger     *logger.Logger
}

// NewAgent creates an agent behavior.
func NewAgent(deps AgentDeps) *Agent {
	return &Agent{
		router:     deps.Router,
		agentID:    deps.AgentID,
		tenantID:   deps.TenantID,
		classifier: deps.Classifier,
		planner:    deps.Planner,
		oracle:     deps.Oracle,
		ctl:        deps.Control,
		bus:        deps.Bus,
		newLeaf:    deps.NewLeaf,
		logger:     deps.Logger.WithFields(zap.String("component", "agent-actor"), zap.String("agent_id", deps.AgentID)),
		execActors: make(map[string]*Ref),
		inflight:   make(map[string]*inflightCall),
	}
}

func (a *Agent) Receive(ctx *Context, msg interface{}) {
	switch m := msg.(type) {
	case AgentTask:
		a.handleTask(ctx, m)
	case TaskCompleted:
		a.handleCompleted(ctx, m)
	case ExecutionResult:
		a.handleExecutionResult(ctx, m)
	case ResumeExecution:
		a.forwardResume(ctx, m)
	}
}

func (a *Agent) handleTask(ctx *Context, task AgentTask) {
	verdict := a.classify(ctx, task)

	switch {
	case verdict.Operation == v1.OperationResumeTask || task.IsParameterCompletion:
		a.resume(ctx, task, verdict)
	case verdict.Operation == v1.OperationCancelTask:
		a.cancel(ctx, task, verdict)
	default:
		// NEW_TASK, EXECUTE_TASK and LOOP_TASK all flow through planning;
		// loop recurrence itself is the scheduler's business.
		a.planAndDispatch(ctx, task)
	}
}

func (a *Agent) classify(ctx *Context, task AgentTask) *plan.Classification {
	verdict, err := a.classifier.Classify(ctx.Ctx, task.Description, task.Parameters)
	if err != nil {
		a.logger.Warn("classification failed, defaulting to NEW_TASK",
			zap.String("task_id", task.TaskID),
			zap.Error(err))
		return &plan.Classification{Operation: v1.OperationNewTask, Parameters: task.Parameters}
	}
	return verdict
}

func (a *Agent) planAndDispatch(ctx *Context, task AgentTask) {
	a.bus.PublishTaskEvent(task.TaskID, task.TraceID, task.TaskPath, events.TaskPlanning, "agent-actor", a.agentID, map[string]interface{}{
		"description": task.Description,
	}, "")

	specs, err := a.planner.Plan(ctx.Ctx, plan.Input{
		AgentID:   a.agentID,
		UserInput: task.Description,
		Content:   task.Content,
		Context:   task.Context,
	})
	if err != nil {
		a.replyError(ctx, task.ReplyTo, task, err.Error())
		return
	}

	strategy := a.oracle.Decide(specs)
	taskPath := task.TaskPath + "/" + a.agentID

	a.inflight[task.TaskID] = &inflightCall{
		caller:   task.ReplyTo,
		traceID:  task.TraceID,
		taskPath: taskPath,
	}

	aggregator := ctx.System.Spawn("", NewAggregator(a.router, a.newLeaf, a.ctl, a.bus, a.tenantID, a.logger))
	aggregator.Send(TaskGroupRequest{
		TaskID:       task.TaskID,
		TraceID:      task.TraceID,
		TaskPath:     taskPath,
		ParentTaskID: task.TaskID,
		Subtasks:     specs,
		Strategy:     strategy,
		Context:      task.Context,
		ReplyTo:      ctx.Self,
	}, ctx.Self)
}

func (a *Agent) resume(ctx *Context, task AgentTask, verdict *plan.Classification) {
	targetID := verdict.TargetTaskID
	if targetID == "" {
		targetID = task.TaskID
	}

	exec, ok := a.execActors[targetID]
	if !ok || !exec.Alive() {
		delete(a.execActors, targetID)
		a.replyError(ctx, task.ReplyTo, task, ErrTextNoExecutionActor)
		return
	}

	a.bus.PublishTaskEvent(targetID, task.TraceID, task.TaskPath, events.TaskResumed, "agent-actor", a.agentID, map[string]interface{}{
		"parameters": task.Parameters,
	}, "")

	a.inflight[targetID] = &inflightCall{
		caller:   task.ReplyTo,
		traceID:  task.TraceID,
		taskPath: task.TaskPath,
	}
	exec.Send(ResumeExecution{
		TaskID:     targetID,
		Parameters: task.Parameters,
		ReplyTo:    ctx.Self,
	}, ctx.Self)
}

func (a *Agent) cancel(ctx *Context, task AgentTask, verdict *plan.Classification) {
	targetID := verdict.TargetTaskID
	if targetID == "" {
		targetID = task.TaskID
	}
	if err := a.ctl.Set(ctx.Ctx, control.ScopeTask, targetID, v1.SignalCancel); err != nil {
		a.replyError(ctx, task.ReplyTo, task, err.Error())
		return
	}
	a.bus.PublishTaskEvent(targetID, task.TraceID, task.TaskPath, events.TaskCancelled, "agent-actor", a.agentID, nil, "")
	if task.ReplyTo != nil {
		task.ReplyTo.Send(TaskResult{
			TaskID:   targetID,
			TraceID:  task.TraceID,
			TaskPath: task.TaskPath,
			Result:   map[string]interface{}{"cancelled": true},
		}, ctx.Self)
	}
}

// handleCompleted routes an aggregator's combined outcome back to the
// original caller, converting NEED_INPUT into a pause.
func (a *Agent) handleCompleted(ctx *Context, m TaskCompleted) {
	call, ok := a.inflight[m.TaskID]
	if !ok {
		a.logger.Warn("completion for unknown task", zap.String("task_id", m.TaskID))
		return
	}
	delete(a.inflight, m.TaskID)

	if m.Status == v1.ExecutionStatusNeedInput {
		if m.ExecActor != nil {
			a.execActors[m.TaskID] = m.ExecActor
		}
		if call.caller != nil {
			call.caller.Send(TaskPaused{
				TaskID:        m.TaskID,
				TraceID:       call.traceID,
				MissingParams: m.MissingParams,
				Question:      questionFor(m.MissingParams),
				ExecActor:     m.ExecActor,
			}, ctx.Self)
		}
		return
	}

	if call.caller != nil {
		call.caller.Send(TaskResult{
			TaskID:   m.TaskID,
			TraceID:  call.traceID,
			TaskPath: call.taskPath,
			Result:   m.Result,
			Error:    m.Error,
		}, ctx.Self)
	}
}

// forwardResume hands a ResumeExecution addressed at this agent on to its
// paused execution actor. A parent that still holds this agent as the resume
// target (instead of the bubbled leaf) must hear back either way.
func (a *Agent) forwardResume(ctx *Context, m ResumeExecution) {
	exec, ok := a.execActors[m.TaskID]
	if !ok || !exec.Alive() {
		delete(a.execActors, m.TaskID)
		if m.ReplyTo != nil {
			m.ReplyTo.Send(ExecutionResult{
				TaskID: m.TaskID,
				Status: v1.ExecutionStatusFailed,
				Error:  ErrTextNoExecutionActor,
			}, ctx.Self)
		}
		return
	}
	exec.Send(m, ctx.Self)
}

// handleExecutionResult routes a resumed leaf's outcome back to the caller
// that supplied the parameters.
func (a *Agent) handleExecutionResult(ctx *Context, m ExecutionResult) {
	call, ok := a.inflight[m.TaskID]
	if !ok {
		return
	}
	delete(a.inflight, m.TaskID)

	if m.Status == v1.ExecutionStatusNeedInput {
		// Still missing parameters; the same leaf stays the resume target.
		if m.Self != nil {
			a.execActors[m.TaskID] = m.Self
		}
		if call.caller != nil {
			call.caller.Send(TaskPaused{
				TaskID:        m.TaskID,
				TraceID:       call.traceID,
				MissingParams: m.MissingParams,
				Question:      questionFor(m.MissingParams),
				ExecActor:     m.Self,
			}, ctx.Self)
		}
		return
	}

	delete(a.execActors, m.TaskID)
	if call.caller != nil {
		call.caller.Send(TaskResult{
			TaskID:   m.TaskID,
			TraceID:  call.traceID,
			TaskPath: call.taskPath,
			Result:   m.Result,
			Error:    m.Error,
		}, ctx.Self)
	}
}

func (a *Agent) replyError(ctx *Context, replyTo *Ref, task AgentTask, errText string) {
	a.bus.PublishTaskEvent(task.TaskID, task.TraceID, task.TaskPath, events.TaskFailed, "agent-actor", a.agentID, nil, errText)
	if replyTo != nil {
		replyTo.Send(TaskResult{
			TaskID:   task.TaskID,
			TraceID:  task.TraceID,
			TaskPath: task.TaskPath,
			Error:    errText,
		}, ctx.Self)
	}
}

func questionFor(missing []string) string {
	if len(missing) == 0 {
		return "Additional input is required to continue."
	}
	question := "Please provide: "
	for i, p := range missing {
		if i > 0 {
			question += ", "
		}
		question += p
	}
	return question
}
