package actor

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskfleet/taskfleet/internal/common/logger"
	"github.com/taskfleet/taskfleet/internal/control"
	"github.com/taskfleet/taskfleet/internal/events"
	"github.com/taskfleet/taskfleet/internal/plan"
	v1 "github.com/taskfleet/taskfleet/pkg/api/v1"
)

// LeafFactory builds a fresh leaf behavior per dispatched MCP subtask.
type LeafFactory func() Actor

// signalPollInterval is how often a held actor re-reads the control store
// while a PAUSE signal is in effect.
const signalPollInterval = 200 * time.Millisecond

// signalRecheck re-enters the dispatch checkpoint for children[index] after
// a PAUSE hold.
type signalRecheck struct {
	index int
}

// childState tracks one dispatched subtask.
type childState struct {
	spec      plan.SubtaskSpec
	taskID    string
	taskPath  string
	detailKey string
	status    v1.ExecutionStatus
	result    map[string]interface{}
	err       string
	finished  bool
}

// Aggregator drives one task group to completion and reports the combined
// outcome. Single-shot: it stops after replying.
type Aggregator struct {
	router   *Ref
	newLeaf  LeafFactory
	control  control.Store
	bus      *events.Bus
	logger   *logger.Logger
	tenantID string

	req       TaskGroupRequest
	children  []*childState
	byTaskID  map[string]*childState
	enriched  map[string]interface{}
	nextIndex int
	pending   int
	done      bool
}

var _ Actor = (*Aggregator)(nil)

// NewAggregator creates an aggregator behavior.
func NewAggregator(router *Ref, newLeaf LeafFactory, ctl control.Store, bus *events.Bus, tenantID string, log *logger.Logger) *Aggregator {
	return &Aggregator{
		router:   router,
		newLeaf:  newLeaf,
		control:  ctl,
		bus:      bus,
		tenantID: tenantID,
		logger:   log.WithFields(zap.String("component", "task-group-aggregator")),
		byTaskID: make(map[string]*childState),
		enriched: make(map[string]interface{}),
	}
}

func (a *Aggregator) Receive(ctx *Context, msg interface{}) {
	if a.done {
		return
	}
	switch m := msg.(type) {
	case TaskGroupRequest:
		a.start(ctx, m)
	case ExecutionResult:
		a.onChildResult(ctx, m.TaskID, m.Status, m.Result, m.Error, m.MissingParams, m.Self)
	case TaskResult:
		status := v1.ExecutionStatusSuccess
		if m.Error != "" {
			status = v1.ExecutionStatusFailed
		}
		a.onChildResult(ctx, m.TaskID, status, m.Result, m.Error, nil, nil)
	case TaskPaused:
		// A sub-agent bubbles its paused leaf as the resume target; fall back
		// to the sender for callers that did not.
		target := m.ExecActor
		if target == nil {
			target = ctx.Sender
		}
		a.onChildResult(ctx, m.TaskID, v1.ExecutionStatusNeedInput, nil, "", m.MissingParams, target)
	case signalRecheck:
		a.advance(ctx, m.index)
	}
}

func (a *Aggregator) start(ctx *Context, req TaskGroupRequest) {
	a.req = req

	// Empty plan completes immediately.
	if len(req.Subtasks) == 0 {
		a.finish(ctx, TaskCompleted{
			TaskID: req.TaskID,
			Status: v1.ExecutionStatusSuccess,
			Result: map[string]interface{}{},
		})
		return
	}

	seenKeys := map[string]bool{}
	for _, spec := range req.Subtasks {
		key := spec.Executor
		if seenKeys[key] {
			key = fmt.Sprintf("%s#%d", spec.Executor, spec.Step)
		}
		seenKeys[key] = true
		a.children = append(a.children, &childState{
			spec:      spec,
			taskID:    uuid.New().String(),
			taskPath:  req.TaskPath + "/" + spec.Executor,
			detailKey: key,
		})
	}

	a.advance(ctx, 0)
}

// advance is the step-boundary signal checkpoint: CANCEL aborts the group,
// PAUSE holds dispatch until the signal changes, anything else dispatches
// children[index] (or, for a parallel group, every child at once).
func (a *Aggregator) advance(ctx *Context, index int) {
	if a.done {
		return
	}
	switch a.signalFor(ctx, a.children[index].taskID) {
	case v1.SignalCancel:
		a.finish(ctx, TaskCompleted{
			TaskID: a.req.TaskID,
			Status: v1.ExecutionStatusFailed,
			Result: map[string]interface{}{"details": a.details()},
			Error:  v1.ErrTextCancelled,
		})
	case v1.SignalPause:
		self := ctx.Self
		time.AfterFunc(signalPollInterval, func() {
			self.Send(signalRecheck{index: index}, nil)
		})
	default:
		if a.req.Strategy == plan.StrategyParallel {
			for _, child := range a.children {
				a.dispatch(ctx, child)
			}
			return
		}
		a.dispatch(ctx, a.children[index])
	}
}

func (a *Aggregator) dispatch(ctx *Context, child *childState) {
	a.byTaskID[child.taskID] = child
	a.pending++

	a.bus.PublishTaskEvent(child.taskID, a.req.TraceID, child.taskPath, events.TaskStarted, "task-group-aggregator", "", map[string]interface{}{
		"executor": child.spec.Executor,
		"step":     child.spec.Step,
	}, "")

	switch child.spec.Type {
	case v1.SubtaskTypeAgent:
		a.router.Send(UserRequest{
			TenantID: a.tenantID,
			NodeID:   child.spec.Executor,
			Message: AgentTask{
				AgentID:     child.spec.Executor,
				TaskID:      child.taskID,
				TraceID:     a.req.TraceID,
				TaskPath:    a.req.TaskPath,
				Content:     child.spec.Params,
				Description: child.spec.Description,
				Context:     a.currentContext(),
				ReplyTo:     ctx.Self,
			},
		}, ctx.Self)
	default:
		leaf := ctx.System.Spawn("", a.newLeaf())
		leaf.Send(ExecuteTask{
			TaskID:          child.taskID,
			TraceID:         a.req.TraceID,
			TaskPath:        child.taskPath,
			Capability:      child.spec.Executor,
			RunningConfig:   child.spec.Params,
			Content:         child.spec.Params,
			Description:     child.spec.Description,
			GlobalContext:   a.req.Context,
			EnrichedContext: a.currentContext(),
			Timeout:         timeoutFromContent(child.spec.Params),
			ReplyTo:         ctx.Self,
		}, ctx.Self)
	}
}

func (a *Aggregator) onChildResult(ctx *Context, taskID string, status v1.ExecutionStatus, result map[string]interface{}, errText string, missing []string, execActor *Ref) {
	child, ok := a.byTaskID[taskID]
	if !ok || child.finished {
		return
	}
	child.finished = true
	child.status = status
	child.result = result
	child.err = errText
	a.pending--

	// NEED_INPUT aborts the group immediately regardless of strategy.
	if status == v1.ExecutionStatusNeedInput {
		a.finish(ctx, TaskCompleted{
			TaskID:        a.req.TaskID,
			Status:        v1.ExecutionStatusNeedInput,
			Result:        map[string]interface{}{"completed_params": result},
			MissingParams: missing,
			ExecActor:     execActor,
		})
		return
	}

	if status == v1.ExecutionStatusSuccess {
		// Enriched context keys live under the child's task path prefix.
		for k, v := range result {
			a.enriched[child.taskPath+"."+k] = v
		}
	}

	if a.req.Strategy == plan.StrategyParallel {
		if a.pending > 0 {
			return
		}
		a.finishParallel(ctx)
		return
	}
	a.stepSequential(ctx, child)
}

func (a *Aggregator) stepSequential(ctx *Context, child *childState) {
	if child.status == v1.ExecutionStatusFailed {
		// Abort: remaining children are never dispatched.
		a.finish(ctx, TaskCompleted{
			TaskID: a.req.TaskID,
			Status: v1.ExecutionStatusFailed,
			Result: map[string]interface{}{"details": a.details()},
			Error:  child.err,
		})
		return
	}

	a.nextIndex++
	if a.nextIndex >= len(a.children) {
		a.finish(ctx, TaskCompleted{
			TaskID: a.req.TaskID,
			Status: v1.ExecutionStatusSuccess,
			Result: map[string]interface{}{
				"details":          a.details(),
				"enriched_context": a.enriched,
			},
		})
		return
	}

	a.advance(ctx, a.nextIndex)
}

func (a *Aggregator) finishParallel(ctx *Context) {
	firstError := ""
	allSuccess := true
	for _, child := range a.children {
		if child.status != v1.ExecutionStatusSuccess {
			allSuccess = false
			if firstError == "" {
				firstError = child.err
			}
		}
	}

	completed := TaskCompleted{
		TaskID: a.req.TaskID,
		Result: map[string]interface{}{"details": a.details()},
	}
	if allSuccess {
		completed.Status = v1.ExecutionStatusSuccess
		completed.Result["enriched_context"] = a.enriched
	} else {
		completed.Status = v1.ExecutionStatusFailed
		completed.Error = firstError
	}
	a.finish(ctx, completed)
}

func (a *Aggregator) details() map[string]interface{} {
	details := map[string]interface{}{}
	for _, child := range a.children {
		if !child.finished && child.status == "" {
			continue
		}
		entry := map[string]interface{}{
			"status": string(child.status),
		}
		if child.result != nil {
			entry["result"] = child.result
		}
		if child.err != "" {
			entry["error"] = child.err
		}
		details[child.detailKey] = entry
	}
	return details
}

// signalFor reads the effective control signal for one child; lookup errors
// are treated as no signal.
func (a *Aggregator) signalFor(ctx *Context, taskID string) v1.ControlSignal {
	signal, ok, err := a.control.Get(ctx.Ctx, a.req.TraceID, taskID)
	if err != nil {
		a.logger.Error("control signal lookup failed",
			zap.String("trace_id", a.req.TraceID),
			zap.Error(err))
		return ""
	}
	if !ok {
		return ""
	}
	return signal
}

func (a *Aggregator) currentContext() map[string]interface{} {
	merged := map[string]interface{}{}
	for k, v := range a.req.Context {
		merged[k] = v
	}
	for k, v := range a.enriched {
		merged[k] = v
	}
	return merged
}

func (a *Aggregator) finish(ctx *Context, completed TaskCompleted) {
	a.done = true
	if a.req.ReplyTo != nil {
		a.req.ReplyTo.Send(completed, ctx.Self)
	}
	ctx.Self.Stop()
}
