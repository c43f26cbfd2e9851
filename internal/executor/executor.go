// Package executor bridges the scheduling pipeline into the actor pipeline:
// dispatched runs become agent tasks, and agent outcomes come back as
// task.status_update messages.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskfleet/taskfleet/internal/actor"
	"github.com/taskfleet/taskfleet/internal/broker"
	"github.com/taskfleet/taskfleet/internal/common/logger"
	"github.com/taskfleet/taskfleet/internal/schedule/models"
	"github.com/taskfleet/taskfleet/internal/schedule/store"
	v1 "github.com/taskfleet/taskfleet/pkg/api/v1"
)

// DefaultTenant is used when a definition does not pin a tenant.
const DefaultTenant = "default"

// ActorExecutor implements the dispatcher's hand-off by sending the run
// through the router to a (tenant, node) agent. Outcomes are published on
// task.status_update so the dispatcher's callback path stays the single
// place where runs reach terminal state.
type ActorExecutor struct {
	system *actor.System
	router *actor.Ref
	store  store.Store
	broker broker.Broker
	logger *logger.Logger
	now    func() time.Time

	mu     sync.Mutex
	paused map[string]*pausedRun

	controlSub broker.Subscription
}

// pausedRun is a run waiting on NEED_INPUT; the collector ref is where the
// post-resume outcome must land.
type pausedRun struct {
	run       *models.ScheduledRun
	tenantID  string
	nodeID    string
	collector *actor.Ref
}

// New creates the in-process executor bridge.
func New(system *actor.System, router *actor.Ref, st store.Store, br broker.Broker, log *logger.Logger) *ActorExecutor {
	return &ActorExecutor{
		system: system,
		router: router,
		store:  st,
		broker: br,
		logger: log.WithFields(zap.String("component", "actor-executor")),
		now:    time.Now,
		paused: make(map[string]*pausedRun),
	}
}

// Start subscribes to task.control so RESUME signals can re-enter runs that
// paused on NEED_INPUT.
func (e *ActorExecutor) Start() error {
	sub, err := e.broker.Consume(v1.TopicTaskControl, e.handleControl)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", v1.TopicTaskControl, err)
	}
	e.controlSub = sub
	return nil
}

// Stop unsubscribes from task.control.
func (e *ActorExecutor) Stop() {
	if e.controlSub != nil {
		_ = e.controlSub.Unsubscribe()
	}
}

// SetClock overrides the time source, for tests.
func (e *ActorExecutor) SetClock(now func() time.Time) { e.now = now }

// NotifyReady routes one dispatched run into the actor pipeline. The hand-off
// is accepted once the task is on the router's mailbox; execution itself is
// asynchronous and reports back over the broker.
func (e *ActorExecutor) NotifyReady(ctx context.Context, run *models.ScheduledRun, msg v1.ScheduledTaskMessage) error {
	if e.router == nil || !e.router.Alive() {
		return fmt.Errorf("router actor is not running")
	}

	def, err := e.store.GetDefinition(ctx, run.DefinitionID)
	if err != nil {
		return fmt.Errorf("failed to load definition %s: %w", run.DefinitionID, err)
	}

	tenantID, nodeID := targetFor(def)
	e.markInstance(ctx, run, v1.InstanceStatusRunning, "")

	collector := e.system.Spawn("", &resultCollector{
		executor: e,
		run:      run,
		tenantID: tenantID,
		nodeID:   nodeID,
	})
	e.router.Send(actor.UserRequest{
		TenantID: tenantID,
		NodeID:   nodeID,
		Message: actor.AgentTask{
			AgentID:     nodeID,
			TaskID:      run.ID,
			TraceID:     run.TraceID,
			Content:     def.Content,
			Description: descriptionFor(def),
			Parameters:  msg.InputParams,
			ReplyTo:     collector,
		},
	}, collector)

	e.logger.Debug("run handed to actor pipeline",
		zap.String("run_id", run.ID),
		zap.String("tenant_id", tenantID),
		zap.String("node_id", nodeID),
		zap.Int("round_index", run.RoundIndex))
	return nil
}

// handleControl re-enters paused runs on a RESUME. The caller's parameters
// ride in as a parameter-completion task addressed to the same agent, and the
// run's original collector stays the reply target so the outcome closes the
// normal status-update loop.
func (e *ActorExecutor) handleControl(ctx context.Context, msg *broker.Message) error {
	var payload v1.TaskControlMessage
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return fmt.Errorf("malformed task.control payload: %w", err)
	}
	if payload.Signal != v1.SignalResume {
		// CANCEL and PAUSE reach running actors through the control store.
		return nil
	}

	for _, p := range e.matchPaused(payload) {
		e.markInstance(ctx, p.run, v1.InstanceStatusRunning, "")
		e.router.Send(actor.UserRequest{
			TenantID: p.tenantID,
			NodeID:   p.nodeID,
			Message: actor.AgentTask{
				AgentID:               p.nodeID,
				TaskID:                p.run.ID,
				TraceID:               p.run.TraceID,
				Parameters:            payload.Parameters,
				IsParameterCompletion: true,
				ReplyTo:               p.collector,
			},
		}, p.collector)
		e.logger.Info("paused run resumed",
			zap.String("run_id", p.run.ID),
			zap.String("trace_id", p.run.TraceID))
	}
	return nil
}

// matchPaused selects paused runs addressed by a control message: by run id
// when it names one, otherwise every paused run of the trace.
func (e *ActorExecutor) matchPaused(payload v1.TaskControlMessage) []*pausedRun {
	e.mu.Lock()
	defer e.mu.Unlock()
	var matched []*pausedRun
	for _, p := range e.paused {
		if payload.TaskID != "" {
			if payload.TaskID == p.run.ID {
				matched = append(matched, p)
			}
			continue
		}
		if payload.TraceID == p.run.TraceID {
			matched = append(matched, p)
		}
	}
	return matched
}

func (e *ActorExecutor) registerPaused(p *pausedRun) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paused[p.run.ID] = p
}

func (e *ActorExecutor) clearPaused(runID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.paused, runID)
}

// publishOutcome closes the loop: the dispatcher consumes this message and
// applies the terminal transition.
func (e *ActorExecutor) publishOutcome(runID string, status v1.RunStatus, metadata map[string]interface{}) {
	update := v1.StatusUpdateMessage{
		TaskID:    runID,
		Status:    status,
		Timestamp: e.now().UTC(),
		Metadata:  metadata,
	}
	if err := e.broker.Publish(context.Background(), v1.TopicTaskStatusUpdate, update); err != nil {
		e.logger.Error("failed to publish status update",
			zap.String("run_id", runID),
			zap.Error(err))
	}
}

func (e *ActorExecutor) markInstance(ctx context.Context, run *models.ScheduledRun, status v1.InstanceStatus, errMsg string) {
	instances, err := e.store.ListInstancesByTrace(ctx, run.TraceID)
	if err != nil {
		e.logger.Error("failed to list trace instances",
			zap.String("trace_id", run.TraceID),
			zap.Error(err))
		return
	}
	for _, instance := range instances {
		if instance.RoundIndex != run.RoundIndex || instance.Status.Terminal() {
			continue
		}
		if err := e.store.UpdateInstanceStatus(ctx, instance.ID, status, errMsg); err != nil {
			e.logger.Error("failed to update instance status",
				zap.String("instance_id", instance.ID),
				zap.Error(err))
		}
	}
}

// resultCollector is a single-shot actor that waits for the agent tier's
// reply to one run and converts it into a status update.
type resultCollector struct {
	executor *ActorExecutor
	run      *models.ScheduledRun
	tenantID string
	nodeID   string
	done     bool
}

func (c *resultCollector) Receive(ctx *actor.Context, msg interface{}) {
	if c.done {
		return
	}
	switch m := msg.(type) {
	case actor.TaskResult:
		c.done = true
		c.executor.clearPaused(c.run.ID)
		if m.Error != "" {
			c.executor.markInstance(ctx.Ctx, c.run, v1.InstanceStatusFailed, m.Error)
			c.executor.publishOutcome(c.run.ID, v1.RunStatusFailed, map[string]interface{}{
				"error": m.Error,
			})
		} else {
			c.executor.markInstance(ctx.Ctx, c.run, v1.InstanceStatusSuccess, "")
			c.executor.publishOutcome(c.run.ID, v1.RunStatusSuccess, map[string]interface{}{
				"result": m.Result,
			})
		}
		ctx.Self.Stop()
	case actor.TaskPaused:
		// NEED_INPUT: the run stays DISPATCHED and this collector stays alive
		// so the post-resume outcome still lands here. The registration makes
		// the run addressable by RESUME messages on task.control.
		c.executor.markInstance(ctx.Ctx, c.run, v1.InstanceStatusPaused, "")
		c.executor.registerPaused(&pausedRun{
			run:       c.run,
			tenantID:  c.tenantID,
			nodeID:    c.nodeID,
			collector: ctx.Self,
		})
		c.executor.logger.Info("run paused awaiting input",
			zap.String("run_id", c.run.ID),
			zap.Strings("missing_params", m.MissingParams))
	}
}

// targetFor picks the (tenant, node) the definition executes on. Definitions
// pin these in content; everything else lands on the default agent.
func targetFor(def *models.TaskDefinition) (string, string) {
	tenantID := DefaultTenant
	if s, ok := def.Content["tenant_id"].(string); ok && s != "" {
		tenantID = s
	}
	nodeID := "default"
	if s, ok := def.Content["agent_id"].(string); ok && s != "" {
		nodeID = s
	}
	return tenantID, nodeID
}

func descriptionFor(def *models.TaskDefinition) string {
	if s, ok := def.Content["description"].(string); ok && s != "" {
		return s
	}
	return def.Name
}
