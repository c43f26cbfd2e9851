package lifecycle

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskfleet/taskfleet/internal/broker"
	"github.com/taskfleet/taskfleet/internal/common/logger"
	"github.com/taskfleet/taskfleet/internal/control"
	"github.com/taskfleet/taskfleet/internal/events"
	"github.com/taskfleet/taskfleet/internal/schedule/models"
	"github.com/taskfleet/taskfleet/internal/schedule/scheduler"
	"github.com/taskfleet/taskfleet/internal/schedule/store"
	v1 "github.com/taskfleet/taskfleet/pkg/api/v1"
)

type fixture struct {
	service *Service
	store   *store.MemoryStore
	ctl     *control.MemoryStore
	broker  *broker.MemoryBroker
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logger.Default()
	f := &fixture{
		store:  store.NewMemoryStore(),
		ctl:    control.NewMemoryStore(),
		broker: broker.NewMemoryBroker(log),
		now:    time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC),
	}
	t.Cleanup(f.broker.Close)

	sched := scheduler.New(f.store, log)
	sched.SetClock(func() time.Time { return f.now })
	f.store.SetClock(func() time.Time { return f.now })

	f.service = New(f.store, sched, f.ctl, f.broker, events.NewBus(log), log)
	f.service.SetClock(func() time.Time { return f.now })
	return f
}

func (f *fixture) createDefinition(t *testing.T, req CreateDefinitionRequest) *models.TaskDefinition {
	t.Helper()
	def, err := f.service.CreateDefinition(context.Background(), req)
	require.NoError(t, err)
	return def
}

func TestCreateDefinitionRejectsBadCron(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.CreateDefinition(context.Background(), CreateDefinitionRequest{
		Name:     "reports",
		Content:  map[string]interface{}{"connector": "http"},
		CronExpr: "not a cron",
	})
	require.ErrorIs(t, err, ErrValidation)

	_, err = f.service.CreateDefinition(context.Background(), CreateDefinitionRequest{
		Name:    "reports",
		Content: map[string]interface{}{"connector": "http"},
	})
	require.NoError(t, err)
}

func TestCreateDefinitionRequiresNameAndContent(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.CreateDefinition(context.Background(), CreateDefinitionRequest{
		Content: map[string]interface{}{"connector": "http"},
	})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.service.CreateDefinition(context.Background(), CreateDefinitionRequest{Name: "x"})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestTriggerCreatesRunAndInstance(t *testing.T) {
	f := newFixture(t)
	def := f.createDefinition(t, CreateDefinitionRequest{
		Name:    "reports",
		Content: map[string]interface{}{"connector": "echo"},
	})

	traceID, err := f.service.Trigger(context.Background(), def.ID, TriggerRequest{
		InputParams: map[string]interface{}{"day": "monday"},
		RequestID:   "req-1",
	})
	require.NoError(t, err)
	require.NotEmpty(t, traceID)

	runs, err := f.store.ListRunsByTrace(context.Background(), traceID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, v1.RunStatusPending, runs[0].Status)
	assert.Equal(t, v1.ScheduleTypeImmediate, runs[0].ScheduleType)
	assert.Equal(t, "monday", runs[0].InputParams["day"])

	instances, err := f.store.ListInstancesByTrace(context.Background(), traceID)
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, v1.InstanceStatusPending, instances[0].Status)
	assert.Equal(t, "req-1", instances[0].RequestID)

	bound, err := f.service.TraceForRequest(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, traceID, bound)
}

func TestTriggerInactiveDefinition(t *testing.T) {
	f := newFixture(t)
	def := f.createDefinition(t, CreateDefinitionRequest{
		Name:    "reports",
		Content: map[string]interface{}{"connector": "echo"},
	})
	require.NoError(t, f.service.SetDefinitionActive(context.Background(), def.ID, false))

	_, err := f.service.Trigger(context.Background(), def.ID, TriggerRequest{})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestTriggerUnknownDefinition(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.Trigger(context.Background(), "ghost", TriggerRequest{})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestTriggerLoopDefinitionSchedulesRoundZero(t *testing.T) {
	f := newFixture(t)
	def := f.createDefinition(t, CreateDefinitionRequest{
		Name:       "poller",
		Content:    map[string]interface{}{"connector": "echo"},
		LoopConfig: map[string]interface{}{"max_rounds": 3, "interval_sec": 30},
	})

	traceID, err := f.service.Trigger(context.Background(), def.ID, TriggerRequest{})
	require.NoError(t, err)

	runs, err := f.store.ListRunsByTrace(context.Background(), traceID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, v1.ScheduleTypeIntervalLoop, runs[0].ScheduleType)
	assert.Equal(t, 0, runs[0].RoundIndex)
}

func TestAdHocImmediate(t *testing.T) {
	f := newFixture(t)

	result, err := f.service.CreateAdHocTask(context.Background(), AdHocRequest{
		TaskName:     "hello",
		TaskContent:  map[string]interface{}{"connector": "http", "url": "http://e/p"},
		InputParams:  map[string]interface{}{},
		ScheduleType: v1.ScheduleTypeImmediate,
	})
	require.NoError(t, err)

	def, err := f.store.GetDefinition(context.Background(), result.DefinitionID)
	require.NoError(t, err)
	assert.True(t, def.IsTemporary)

	run, err := f.store.GetRun(context.Background(), result.RunID)
	require.NoError(t, err)
	assert.Equal(t, v1.RunStatusPending, run.Status)
	assert.Equal(t, f.now, run.ScheduledTime)
}

func TestAdHocDelayed(t *testing.T) {
	f := newFixture(t)

	result, err := f.service.CreateAdHocTask(context.Background(), AdHocRequest{
		TaskName:       "later",
		TaskContent:    map[string]interface{}{"connector": "echo"},
		ScheduleType:   v1.ScheduleTypeDelayed,
		ScheduleConfig: map[string]interface{}{"delay_seconds": float64(90)},
	})
	require.NoError(t, err)

	run, err := f.store.GetRun(context.Background(), result.RunID)
	require.NoError(t, err)
	assert.Equal(t, f.now.Add(90*time.Second), run.ScheduledTime)

	_, err = f.service.CreateAdHocTask(context.Background(), AdHocRequest{
		TaskName:     "later",
		TaskContent:  map[string]interface{}{"connector": "echo"},
		ScheduleType: v1.ScheduleTypeDelayed,
	})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestAdHocCronRejectedBeforePersisting(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.CreateAdHocTask(context.Background(), AdHocRequest{
		TaskName:       "bad",
		TaskContent:    map[string]interface{}{"connector": "echo"},
		ScheduleType:   v1.ScheduleTypeCron,
		ScheduleConfig: map[string]interface{}{"cron_expression": "banana"},
	})
	require.ErrorIs(t, err, ErrValidation)

	defs, err := f.store.ListDefinitions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, defs)
}

func TestAdHocCronSchedulesNextOccurrence(t *testing.T) {
	f := newFixture(t)

	result, err := f.service.CreateAdHocTask(context.Background(), AdHocRequest{
		TaskName:       "nightly",
		TaskContent:    map[string]interface{}{"connector": "echo"},
		ScheduleType:   v1.ScheduleTypeCron,
		ScheduleConfig: map[string]interface{}{"cron_expression": "*/5 * * * *"},
	})
	require.NoError(t, err)

	run, err := f.store.GetRun(context.Background(), result.RunID)
	require.NoError(t, err)
	// 12:00 exactly: the next occurrence is strictly after now.
	assert.Equal(t, f.now.Add(5*time.Minute), run.ScheduledTime)

	def, err := f.store.GetDefinition(context.Background(), result.DefinitionID)
	require.NoError(t, err)
	assert.Equal(t, "*/5 * * * *", def.CronExpr)
}

func TestAdHocLoopRequiresRounds(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.CreateAdHocTask(context.Background(), AdHocRequest{
		TaskName:     "loop",
		TaskContent:  map[string]interface{}{"connector": "echo"},
		ScheduleType: v1.ScheduleTypeLoop,
	})
	require.ErrorIs(t, err, ErrValidation)

	result, err := f.service.CreateAdHocTask(context.Background(), AdHocRequest{
		TaskName:     "loop",
		TaskContent:  map[string]interface{}{"connector": "echo"},
		ScheduleType: v1.ScheduleTypeLoop,
		LoopConfig:   &v1.LoopConfig{MaxRounds: 3, IntervalSec: 30},
	})
	require.NoError(t, err)

	run, err := f.store.GetRun(context.Background(), result.RunID)
	require.NoError(t, err)
	assert.Equal(t, v1.ScheduleTypeIntervalLoop, run.ScheduleType)
	assert.Equal(t, 0, run.RoundIndex)
}

func TestCancelTrace(t *testing.T) {
	f := newFixture(t)

	controls := make(chan v1.TaskControlMessage, 1)
	_, err := f.broker.Consume(v1.TopicTaskControl, func(ctx context.Context, msg *broker.Message) error {
		var m v1.TaskControlMessage
		if err := json.Unmarshal(msg.Payload, &m); err != nil {
			return err
		}
		controls <- m
		return nil
	})
	require.NoError(t, err)

	result, err := f.service.CreateAdHocTask(context.Background(), AdHocRequest{
		TaskName:     "victim",
		TaskContent:  map[string]interface{}{"connector": "echo"},
		ScheduleType: v1.ScheduleTypeImmediate,
	})
	require.NoError(t, err)

	changed, err := f.service.CancelTrace(context.Background(), result.TraceID)
	require.NoError(t, err)
	assert.Equal(t, 2, changed) // one run, one instance

	run, err := f.store.GetRun(context.Background(), result.RunID)
	require.NoError(t, err)
	assert.Equal(t, v1.RunStatusCancelled, run.Status)

	signal, ok, err := f.ctl.Get(context.Background(), result.TraceID, "")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, v1.SignalCancel, signal)

	select {
	case m := <-controls:
		assert.Equal(t, result.TraceID, m.TraceID)
		assert.Equal(t, v1.SignalCancel, m.Signal)
	case <-time.After(2 * time.Second):
		t.Fatal("cancel was not pushed to the control topic")
	}
}

func TestPauseResumeTrace(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.service.PauseTrace(context.Background(), "trace-1"))
	signal, ok, err := f.ctl.Get(context.Background(), "trace-1", "")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, v1.SignalPause, signal)

	require.NoError(t, f.service.ResumeTrace(context.Background(), "trace-1", nil))
	signal, _, err = f.ctl.Get(context.Background(), "trace-1", "")
	require.NoError(t, err)
	assert.Equal(t, v1.SignalResume, signal)
}

func TestResumeTracePushesParametersToExecutors(t *testing.T) {
	f := newFixture(t)

	controls := make(chan v1.TaskControlMessage, 1)
	_, err := f.broker.Consume(v1.TopicTaskControl, func(ctx context.Context, msg *broker.Message) error {
		var m v1.TaskControlMessage
		if err := json.Unmarshal(msg.Payload, &m); err != nil {
			return err
		}
		controls <- m
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, f.service.ResumeTrace(context.Background(), "trace-1",
		models.JSONMap{"code": "42"}))

	select {
	case m := <-controls:
		assert.Equal(t, "trace-1", m.TraceID)
		assert.Equal(t, v1.SignalResume, m.Signal)
		assert.Equal(t, "42", m.Parameters["code"])
	case <-time.After(2 * time.Second):
		t.Fatal("resume was not pushed to the control topic")
	}
}

func TestModifyTraceOnlyTouchesNonDispatched(t *testing.T) {
	f := newFixture(t)

	result, err := f.service.CreateAdHocTask(context.Background(), AdHocRequest{
		TaskName:     "patchme",
		TaskContent:  map[string]interface{}{"connector": "echo"},
		InputParams:  map[string]interface{}{"v": float64(1)},
		ScheduleType: v1.ScheduleTypeImmediate,
	})
	require.NoError(t, err)

	modified, err := f.service.ModifyTrace(context.Background(), result.TraceID,
		models.JSONMap{"v": float64(2)}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, modified)

	run, err := f.store.GetRun(context.Background(), result.RunID)
	require.NoError(t, err)
	assert.Equal(t, float64(2), run.InputParams["v"])

	// Dispatched runs are immutable.
	require.NoError(t, f.store.UpdateRunStatus(context.Background(), result.RunID, v1.RunStatusScheduled))
	require.NoError(t, f.store.UpdateRunStatus(context.Background(), result.RunID, v1.RunStatusDispatched))
	instances, err := f.store.ListInstancesByTrace(context.Background(), result.TraceID)
	require.NoError(t, err)
	require.NoError(t, f.store.UpdateInstanceStatus(context.Background(), instances[0].ID, v1.InstanceStatusDispatched, ""))

	_, err = f.service.ModifyTrace(context.Background(), result.TraceID,
		models.JSONMap{"v": float64(3)}, nil)
	assert.ErrorIs(t, err, ErrValidation)

	run, err = f.store.GetRun(context.Background(), result.RunID)
	require.NoError(t, err)
	assert.Equal(t, float64(2), run.InputParams["v"])
}

func TestModifyTraceUnknownTrace(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.ModifyTrace(context.Background(), "ghost", models.JSONMap{"v": 1}, nil)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSweeperReclaimsIdleTemporaries(t *testing.T) {
	f := newFixture(t)
	log := logger.Default()

	result, err := f.service.CreateAdHocTask(context.Background(), AdHocRequest{
		TaskName:     "short-lived",
		TaskContent:  map[string]interface{}{"connector": "echo"},
		ScheduleType: v1.ScheduleTypeImmediate,
	})
	require.NoError(t, err)

	sweeper := NewSweeper(f.store, time.Hour, 24*time.Hour, log)
	sweeper.SetClock(func() time.Time { return f.now })

	// Live run: nothing to reclaim even past the idle age.
	f.now = f.now.Add(48 * time.Hour)
	assert.Equal(t, 0, sweeper.SweepOnce(context.Background()))

	// Finish the trace, then age it out.
	require.NoError(t, f.store.UpdateRunStatus(context.Background(), result.RunID, v1.RunStatusScheduled))
	require.NoError(t, f.store.UpdateRunStatus(context.Background(), result.RunID, v1.RunStatusDispatched))
	require.NoError(t, f.store.UpdateRunStatus(context.Background(), result.RunID, v1.RunStatusSuccess))
	instances, err := f.store.ListInstancesByTrace(context.Background(), result.TraceID)
	require.NoError(t, err)
	require.NoError(t, f.store.UpdateInstanceStatus(context.Background(), instances[0].ID, v1.InstanceStatusSuccess, ""))

	f.now = f.now.Add(48 * time.Hour)
	assert.Equal(t, 1, sweeper.SweepOnce(context.Background()))

	_, err = f.store.GetDefinition(context.Background(), result.DefinitionID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
