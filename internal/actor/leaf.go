package actor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/taskfleet/taskfleet/internal/common/logger"
	"github.com/taskfleet/taskfleet/internal/connector"
	"github.com/taskfleet/taskfleet/internal/control"
	"github.com/taskfleet/taskfleet/internal/events"
	v1 "github.com/taskfleet/taskfleet/pkg/api/v1"
)

// leafRetryBudget bounds reattempts for retryable connector failures.
const leafRetryBudget = v1.DefaultMaxRetries

// Leaf invokes exactly one connector per task. It terminates after a
// terminal reply but survives a NEED_INPUT reply so a later resume can reach
// the same actor.
type Leaf struct {
	connectors *connector.Registry
	control    control.Store
	bus        *events.Bus
	logger     *logger.Logger

	// Saved request while paused on NEED_INPUT.
	paused *ExecuteTask
}

var _ Actor = (*Leaf)(nil)

// NewLeaf creates a leaf behavior.
func NewLeaf(connectors *connector.Registry, ctl control.Store, bus *events.Bus, log *logger.Logger) *Leaf {
	return &Leaf{
		connectors: connectors,
		control:    ctl,
		bus:        bus,
		logger:     log.WithFields(zap.String("component", "leaf-actor")),
	}
}

func (l *Leaf) Receive(ctx *Context, msg interface{}) {
	switch m := msg.(type) {
	case ExecuteTask:
		l.execute(ctx, m, m.ReplyTo)
	case ResumeExecution:
		if l.paused == nil {
			m.ReplyTo.Send(ExecutionResult{
				TaskID: m.TaskID,
				Status: v1.ExecutionStatusFailed,
				Error:  fmt.Sprintf("no paused execution for task %s", m.TaskID),
				Self:   ctx.Self,
			}, ctx.Self)
			return
		}
		// A leaf holds at most one paused execution; the resume correlates by
		// actor ref, and the reply carries the caller's task id.
		task := *l.paused
		task.TaskID = m.TaskID
		if task.Content == nil {
			task.Content = map[string]interface{}{}
		}
		merged := map[string]interface{}{}
		for k, v := range task.Content {
			merged[k] = v
		}
		for k, v := range m.Parameters {
			merged[k] = v
		}
		task.Content = merged
		l.execute(ctx, task, m.ReplyTo)
	}
}

func (l *Leaf) execute(ctx *Context, task ExecuteTask, replyTo *Ref) {
	result := l.run(ctx, task)
	result.Self = ctx.Self

	switch result.Status {
	case v1.ExecutionStatusNeedInput:
		// Keep completed params so the resume only has to supply the gap.
		// Content is copied first: the inbound map is shared with the plan
		// (and through it the stored definition), so writing into it would
		// leak completed params across runs.
		saved := task
		content := make(map[string]interface{}, len(task.Content)+len(result.Result))
		for k, v := range task.Content {
			content[k] = v
		}
		for k, v := range result.Result {
			content[k] = v
		}
		saved.Content = content
		l.paused = &saved
	default:
		l.paused = nil
	}

	if replyTo != nil {
		replyTo.Send(result, ctx.Self)
	}

	// A terminal outcome ends this actor; a pause keeps it addressable.
	if result.Status != v1.ExecutionStatusNeedInput {
		ctx.Self.Stop()
	}
}

func (l *Leaf) run(ctx *Context, task ExecuteTask) ExecutionResult {
	if stopped := l.gate(ctx, task); stopped != nil {
		return *stopped
	}

	conn, err := l.connectors.Get(task.Capability)
	if err != nil {
		l.emitFailed(task, err.Error())
		return ExecutionResult{TaskID: task.TaskID, Status: v1.ExecutionStatusFailed, Error: err.Error()}
	}

	for _, key := range conn.RequiredConfig() {
		if _, ok := task.RunningConfig[key]; !ok {
			errText := fmt.Sprintf("running_config missing required key %q for capability %s", key, task.Capability)
			l.emitFailed(task, errText)
			return ExecutionResult{TaskID: task.TaskID, Status: v1.ExecutionStatusFailed, Error: errText}
		}
	}

	l.bus.PublishTaskEvent(task.TaskID, task.TraceID, task.TaskPath, events.CapabilityStarted, "leaf-actor", "", map[string]interface{}{
		"capability": task.Capability,
	}, "")

	var resp *connector.Response
	for attempt := 0; ; attempt++ {
		resp, err = l.invoke(ctx, conn, task)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				l.emitFailed(task, v1.ErrTextTimeout)
				return ExecutionResult{TaskID: task.TaskID, Status: v1.ExecutionStatusFailed, Error: v1.ErrTextTimeout}
			}
			resp = &connector.Response{Status: v1.ConnectorStatusFailure, Error: err.Error()}
		}
		if resp.Status != v1.ConnectorStatusFailure || attempt+1 >= leafRetryBudget {
			break
		}
		// Signals are checked between retries; CANCEL stops without
		// reattempting, PAUSE holds the next attempt.
		if stopped := l.gate(ctx, task); stopped != nil {
			return *stopped
		}
	}

	return l.interpret(task, resp)
}

func (l *Leaf) invoke(ctx *Context, conn connector.Connector, task ExecuteTask) (*connector.Response, error) {
	callCtx := ctx.Ctx
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(callCtx, task.Timeout)
		defer cancel()
	}

	type outcome struct {
		resp *connector.Response
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		resp, err := conn.Execute(callCtx, connector.Request{
			TaskID:        task.TaskID,
			TraceID:       task.TraceID,
			RunningConfig: task.RunningConfig,
			Content:       task.Content,
			Params:        mergeContexts(task.GlobalContext, task.EnrichedContext, task.Content),
		})
		done <- outcome{resp: resp, err: err}
	}()

	select {
	case <-callCtx.Done():
		return nil, context.DeadlineExceeded
	case out := <-done:
		return out.resp, out.err
	}
}

func (l *Leaf) interpret(task ExecuteTask, resp *connector.Response) ExecutionResult {
	switch resp.Status {
	case v1.ConnectorStatusSuccess:
		l.bus.PublishTaskEvent(task.TaskID, task.TraceID, task.TaskPath, events.CapabilityExecuted, "leaf-actor", "", map[string]interface{}{
			"capability": task.Capability,
		}, "")
		return ExecutionResult{TaskID: task.TaskID, Status: v1.ExecutionStatusSuccess, Result: resp.Result}
	case v1.ConnectorStatusNeedInput:
		l.bus.PublishTaskEvent(task.TaskID, task.TraceID, task.TaskPath, events.TaskPaused, "leaf-actor", "", map[string]interface{}{
			"capability":     task.Capability,
			"missing_params": resp.MissingParams,
		}, "")
		return ExecutionResult{
			TaskID:        task.TaskID,
			Status:        v1.ExecutionStatusNeedInput,
			Result:        resp.CompletedParams,
			MissingParams: resp.MissingParams,
		}
	case v1.ConnectorStatusError:
		l.emitFailed(task, resp.Error)
		return ExecutionResult{TaskID: task.TaskID, Status: v1.ExecutionStatusFailed, Error: resp.Error, Retryable: false}
	default:
		l.emitFailed(task, resp.Error)
		return ExecutionResult{TaskID: task.TaskID, Status: v1.ExecutionStatusFailed, Error: resp.Error, Retryable: true}
	}
}

// gate is the leaf's signal checkpoint: CANCEL stops the task, PAUSE holds
// execution here until the signal changes. Blocking the mailbox is fine; a
// leaf runs one task at a time anyway.
func (l *Leaf) gate(ctx *Context, task ExecuteTask) *ExecutionResult {
	for {
		signal, ok, err := l.control.Get(ctx.Ctx, task.TraceID, task.TaskID)
		if err != nil {
			l.logger.Error("control signal lookup failed",
				zap.String("task_id", task.TaskID),
				zap.Error(err))
			return nil
		}
		if ok && signal == v1.SignalCancel {
			l.emitFailed(task, v1.ErrTextCancelled)
			return &ExecutionResult{TaskID: task.TaskID, Status: v1.ExecutionStatusFailed, Error: v1.ErrTextCancelled}
		}
		if !ok || signal != v1.SignalPause {
			return nil
		}
		select {
		case <-ctx.Ctx.Done():
			l.emitFailed(task, v1.ErrTextCancelled)
			return &ExecutionResult{TaskID: task.TaskID, Status: v1.ExecutionStatusFailed, Error: v1.ErrTextCancelled}
		case <-time.After(signalPollInterval):
		}
	}
}

func (l *Leaf) emitFailed(task ExecuteTask, errText string) {
	l.bus.PublishTaskEvent(task.TaskID, task.TraceID, task.TaskPath, events.CapabilityFailed, "leaf-actor", "", map[string]interface{}{
		"capability": task.Capability,
	}, errText)
}

// mergeContexts builds connector params with later maps overriding earlier.
func mergeContexts(maps ...map[string]interface{}) map[string]interface{} {
	out := map[string]interface{}{}
	for _, m := range maps {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

// timeoutFromContent reads a default_timeout (seconds) from task content.
func timeoutFromContent(content map[string]interface{}) time.Duration {
	if n, ok := content["default_timeout"].(float64); ok && n > 0 {
		return time.Duration(n) * time.Second
	}
	return 0
}
