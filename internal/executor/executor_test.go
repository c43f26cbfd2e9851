package executor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskfleet/taskfleet/internal/actor"
	"github.com/taskfleet/taskfleet/internal/broker"
	"github.com/taskfleet/taskfleet/internal/common/logger"
	"github.com/taskfleet/taskfleet/internal/connector"
	"github.com/taskfleet/taskfleet/internal/control"
	"github.com/taskfleet/taskfleet/internal/events"
	"github.com/taskfleet/taskfleet/internal/plan"
	"github.com/taskfleet/taskfleet/internal/registry"
	"github.com/taskfleet/taskfleet/internal/schedule/models"
	"github.com/taskfleet/taskfleet/internal/schedule/store"
	v1 "github.com/taskfleet/taskfleet/pkg/api/v1"
)

type pipeline struct {
	executor *ActorExecutor
	store    *store.MemoryStore
	broker   *broker.MemoryBroker
	updates  chan v1.StatusUpdateMessage
}

// newPipeline wires the full in-process executor: router, sessions, agents,
// and leaf actors over the echo connector.
func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	log := logger.Default()

	sys := actor.NewSystem(log, 0)
	t.Cleanup(sys.Shutdown)

	connectors := connector.NewRegistry()
	connectors.Register(connector.NewEchoConnector())

	ctl := control.NewMemoryStore()
	bus := events.NewBus(log)
	newLeaf := func() actor.Actor {
		return actor.NewLeaf(connectors, ctl, bus, log)
	}

	newSession := func(router *actor.Ref) actor.Actor {
		newAgent := func(session *actor.Ref) actor.Actor {
			return actor.NewAgent(actor.AgentDeps{
				Router:     router,
				AgentID:    "default",
				TenantID:   DefaultTenant,
				Classifier: plan.NewRuleClassifier(),
				Planner:    plan.NewContentPlanner(),
				Oracle:     plan.NewDefaultOracle(),
				Control:    ctl,
				Bus:        bus,
				NewLeaf:    newLeaf,
				Logger:     log,
			})
		}
		return actor.NewSession(router, newAgent, time.Hour, log)
	}
	router := sys.Spawn("router", actor.NewRouter(registry.NewMemoryRegistry(), 0, newSession, log))

	p := &pipeline{
		store:   store.NewMemoryStore(),
		broker:  broker.NewMemoryBroker(log),
		updates: make(chan v1.StatusUpdateMessage, 8),
	}
	t.Cleanup(p.broker.Close)

	_, err := p.broker.Consume(v1.TopicTaskStatusUpdate, func(ctx context.Context, msg *broker.Message) error {
		var update v1.StatusUpdateMessage
		if err := json.Unmarshal(msg.Payload, &update); err != nil {
			return err
		}
		p.updates <- update
		return nil
	})
	require.NoError(t, err)

	p.executor = New(sys, router, p.store, p.broker, log)
	require.NoError(t, p.executor.Start())
	t.Cleanup(p.executor.Stop)
	return p
}

func (p *pipeline) seedRun(t *testing.T, content map[string]interface{}) *models.ScheduledRun {
	t.Helper()
	def := &models.TaskDefinition{
		ID:       uuid.New().String(),
		Name:     "pipeline test",
		Content:  content,
		IsActive: true,
	}
	require.NoError(t, p.store.CreateDefinition(context.Background(), def))

	run := &models.ScheduledRun{
		ID:            uuid.New().String(),
		DefinitionID:  def.ID,
		TraceID:       uuid.New().String(),
		ScheduledTime: time.Now().UTC(),
		ScheduleType:  v1.ScheduleTypeImmediate,
		Status:        v1.RunStatusScheduled,
	}
	require.NoError(t, p.store.CreateRun(context.Background(), run))
	require.NoError(t, p.store.CreateInstance(context.Background(), &models.TaskInstance{
		ID:           uuid.New().String(),
		DefinitionID: def.ID,
		TraceID:      run.TraceID,
		Status:       v1.InstanceStatusPending,
		ScheduleType: run.ScheduleType,
	}))
	return run
}

func (p *pipeline) awaitUpdate(t *testing.T) v1.StatusUpdateMessage {
	t.Helper()
	select {
	case update := <-p.updates:
		return update
	case <-time.After(5 * time.Second):
		t.Fatal("no status update arrived")
		return v1.StatusUpdateMessage{}
	}
}

func TestNotifyReadyExecutesThroughAgentPipeline(t *testing.T) {
	p := newPipeline(t)
	run := p.seedRun(t, map[string]interface{}{"connector": "echo", "payload": "hi"})

	require.NoError(t, p.executor.NotifyReady(context.Background(), run, v1.ScheduledTaskMessage{
		TaskID:  run.ID,
		TraceID: run.TraceID,
	}))

	update := p.awaitUpdate(t)
	assert.Equal(t, run.ID, update.TaskID)
	assert.Equal(t, v1.RunStatusSuccess, update.Status)

	instances, err := p.store.ListInstancesByTrace(context.Background(), run.TraceID)
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, v1.InstanceStatusSuccess, instances[0].Status)
	require.NotNil(t, instances[0].FinishedAt)
}

func TestNotifyReadyReportsPlanningFailure(t *testing.T) {
	p := newPipeline(t)
	run := p.seedRun(t, map[string]interface{}{"note": "no connector named"})

	require.NoError(t, p.executor.NotifyReady(context.Background(), run, v1.ScheduledTaskMessage{
		TaskID:  run.ID,
		TraceID: run.TraceID,
	}))

	update := p.awaitUpdate(t)
	assert.Equal(t, v1.RunStatusFailed, update.Status)
	errText, _ := update.Metadata["error"].(string)
	assert.Contains(t, errText, "no connector")

	instances, err := p.store.ListInstancesByTrace(context.Background(), run.TraceID)
	require.NoError(t, err)
	assert.Equal(t, v1.InstanceStatusFailed, instances[0].Status)
}

func TestNotifyReadyUnknownDefinition(t *testing.T) {
	p := newPipeline(t)

	run := &models.ScheduledRun{
		ID:           uuid.New().String(),
		DefinitionID: "ghost",
		TraceID:      uuid.New().String(),
		Status:       v1.RunStatusScheduled,
	}
	require.NoError(t, p.store.CreateRun(context.Background(), run))

	err := p.executor.NotifyReady(context.Background(), run, v1.ScheduledTaskMessage{TaskID: run.ID})
	assert.Error(t, err)
}

func TestNeedInputPausesInstanceWithoutTerminalUpdate(t *testing.T) {
	p := newPipeline(t)
	run := p.seedRun(t, map[string]interface{}{
		"connector":       "echo",
		"required_params": []interface{}{"code"},
	})

	require.NoError(t, p.executor.NotifyReady(context.Background(), run, v1.ScheduledTaskMessage{
		TaskID:  run.ID,
		TraceID: run.TraceID,
	}))

	require.Eventually(t, func() bool {
		instances, err := p.store.ListInstancesByTrace(context.Background(), run.TraceID)
		return err == nil && len(instances) == 1 && instances[0].Status == v1.InstanceStatusPaused
	}, 5*time.Second, 20*time.Millisecond)

	select {
	case update := <-p.updates:
		t.Fatalf("unexpected terminal update while paused: %+v", update)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestResumeControlMessageCompletesPausedRun(t *testing.T) {
	p := newPipeline(t)
	run := p.seedRun(t, map[string]interface{}{
		"connector":       "echo",
		"required_params": []interface{}{"code"},
	})

	require.NoError(t, p.executor.NotifyReady(context.Background(), run, v1.ScheduledTaskMessage{
		TaskID:  run.ID,
		TraceID: run.TraceID,
	}))

	require.Eventually(t, func() bool {
		instances, err := p.store.ListInstancesByTrace(context.Background(), run.TraceID)
		return err == nil && len(instances) == 1 && instances[0].Status == v1.InstanceStatusPaused
	}, 5*time.Second, 20*time.Millisecond)

	// A RESUME on task.control with the missing parameter re-enters the run.
	require.NoError(t, p.broker.Publish(context.Background(), v1.TopicTaskControl, v1.TaskControlMessage{
		TraceID:    run.TraceID,
		Signal:     v1.SignalResume,
		Timestamp:  time.Now().UTC(),
		Parameters: map[string]interface{}{"code": "42"},
	}))

	update := p.awaitUpdate(t)
	assert.Equal(t, run.ID, update.TaskID)
	assert.Equal(t, v1.RunStatusSuccess, update.Status)

	instances, err := p.store.ListInstancesByTrace(context.Background(), run.TraceID)
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, v1.InstanceStatusSuccess, instances[0].Status)
}
