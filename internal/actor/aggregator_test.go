package actor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskfleet/taskfleet/internal/common/logger"
	"github.com/taskfleet/taskfleet/internal/connector"
	"github.com/taskfleet/taskfleet/internal/control"
	"github.com/taskfleet/taskfleet/internal/events"
	"github.com/taskfleet/taskfleet/internal/plan"
	v1 "github.com/taskfleet/taskfleet/pkg/api/v1"
)

// failingConnector always reports a non-retryable error.
type failingConnector struct{}

func (failingConnector) Name() string             { return "broken" }
func (failingConnector) RequiredConfig() []string { return nil }
func (failingConnector) Execute(ctx context.Context, req connector.Request) (*connector.Response, error) {
	return &connector.Response{Status: v1.ConnectorStatusError, Error: "connector exploded"}, nil
}

type aggFixture struct {
	sys        *System
	connectors *connector.Registry
	ctl        *control.MemoryStore
	bus        *events.Bus
	caller     *probe
	callerRef  *Ref
}

func newAggFixture(t *testing.T) *aggFixture {
	t.Helper()
	log := logger.Default()
	f := &aggFixture{
		sys:        NewSystem(log, 0),
		connectors: connector.NewRegistry(),
		ctl:        control.NewMemoryStore(),
		bus:        events.NewBus(log),
	}
	t.Cleanup(f.sys.Shutdown)
	f.connectors.Register(connector.NewEchoConnector())
	f.connectors.Register(failingConnector{})
	f.caller = newProbe()
	f.callerRef = f.sys.Spawn("caller", f.caller)
	return f
}

func (f *aggFixture) spawn() *Ref {
	newLeaf := func() Actor {
		return NewLeaf(f.connectors, f.ctl, f.bus, logger.Default())
	}
	return f.sys.Spawn("", NewAggregator(nil, newLeaf, f.ctl, f.bus, "tenant-a", logger.Default()))
}

func echoSpec(step int, name string, parallel bool) plan.SubtaskSpec {
	return plan.SubtaskSpec{
		Step:       step,
		Type:       v1.SubtaskTypeMCP,
		Executor:   "echo",
		Params:     map[string]interface{}{"name": name},
		IsParallel: parallel,
	}
}

func TestAggregatorEmptyPlanSucceedsImmediately(t *testing.T) {
	f := newAggFixture(t)
	agg := f.spawn()

	agg.Send(TaskGroupRequest{
		TaskID:  "group-1",
		TraceID: "trace-1",
		ReplyTo: f.callerRef,
	}, nil)

	completed := f.caller.expect(t).(TaskCompleted)
	assert.Equal(t, v1.ExecutionStatusSuccess, completed.Status)
	assert.Equal(t, map[string]interface{}{}, completed.Result)
}

func TestAggregatorSequentialSuccess(t *testing.T) {
	f := newAggFixture(t)
	agg := f.spawn()

	agg.Send(TaskGroupRequest{
		TaskID:   "group-1",
		TraceID:  "trace-1",
		TaskPath: "/root",
		Subtasks: []plan.SubtaskSpec{
			echoSpec(1, "first", false),
			echoSpec(2, "second", false),
		},
		Strategy: plan.StrategySequential,
		ReplyTo:  f.callerRef,
	}, nil)

	completed := f.caller.expect(t).(TaskCompleted)
	require.Equal(t, v1.ExecutionStatusSuccess, completed.Status)

	details := completed.Result["details"].(map[string]interface{})
	require.Len(t, details, 2)
	assert.Contains(t, details, "echo")
	assert.Contains(t, details, "echo#2")

	// Enriched context keys carry the child task path prefix.
	enriched := completed.Result["enriched_context"].(map[string]interface{})
	assert.NotEmpty(t, enriched)
	for k := range enriched {
		assert.Contains(t, k, "/root/echo.")
	}
}

func TestAggregatorSequentialAbortsOnFailure(t *testing.T) {
	f := newAggFixture(t)
	agg := f.spawn()

	agg.Send(TaskGroupRequest{
		TaskID:  "group-1",
		TraceID: "trace-1",
		Subtasks: []plan.SubtaskSpec{
			echoSpec(1, "A", false),
			{Step: 2, Type: v1.SubtaskTypeMCP, Executor: "broken"},
			echoSpec(3, "C", false),
		},
		Strategy: plan.StrategySequential,
		ReplyTo:  f.callerRef,
	}, nil)

	completed := f.caller.expect(t).(TaskCompleted)
	require.Equal(t, v1.ExecutionStatusFailed, completed.Status)
	assert.Equal(t, "connector exploded", completed.Error)

	// A finished before the abort; C was never dispatched.
	details := completed.Result["details"].(map[string]interface{})
	assert.Contains(t, details, "echo")
	assert.Contains(t, details, "broken")
	assert.Len(t, details, 2)
}

func TestAggregatorParallelWaitsForAllChildren(t *testing.T) {
	f := newAggFixture(t)
	agg := f.spawn()

	agg.Send(TaskGroupRequest{
		TaskID:  "group-1",
		TraceID: "trace-1",
		Subtasks: []plan.SubtaskSpec{
			echoSpec(1, "A", true),
			{Step: 2, Type: v1.SubtaskTypeMCP, Executor: "broken", IsParallel: true},
			echoSpec(3, "C", true),
		},
		Strategy: plan.StrategyParallel,
		ReplyTo:  f.callerRef,
	}, nil)

	completed := f.caller.expect(t).(TaskCompleted)
	require.Equal(t, v1.ExecutionStatusFailed, completed.Status)
	assert.Equal(t, "connector exploded", completed.Error)

	// Siblings kept running: all three have a recorded outcome.
	details := completed.Result["details"].(map[string]interface{})
	assert.Len(t, details, 3)
}

func TestAggregatorBubblesNeedInput(t *testing.T) {
	f := newAggFixture(t)
	agg := f.spawn()

	agg.Send(TaskGroupRequest{
		TaskID:  "group-1",
		TraceID: "trace-1",
		Subtasks: []plan.SubtaskSpec{
			{
				Step:     1,
				Type:     v1.SubtaskTypeMCP,
				Executor: "echo",
				Params: map[string]interface{}{
					"required_params": []interface{}{"code"},
				},
			},
			echoSpec(2, "never", false),
		},
		Strategy: plan.StrategySequential,
		ReplyTo:  f.callerRef,
	}, nil)

	completed := f.caller.expect(t).(TaskCompleted)
	require.Equal(t, v1.ExecutionStatusNeedInput, completed.Status)
	assert.Equal(t, []string{"code"}, completed.MissingParams)
	require.NotNil(t, completed.ExecActor)
	assert.True(t, completed.ExecActor.Alive())

	// The second child was never dispatched.
	f.caller.expectNone(t, 100*time.Millisecond)
}

func TestAggregatorCancelledBeforeStart(t *testing.T) {
	f := newAggFixture(t)
	require.NoError(t, f.ctl.Set(context.Background(), control.ScopeTrace, "trace-1", v1.SignalCancel))

	agg := f.spawn()
	agg.Send(TaskGroupRequest{
		TaskID:   "group-1",
		TraceID:  "trace-1",
		Subtasks: []plan.SubtaskSpec{echoSpec(1, "A", false)},
		Strategy: plan.StrategySequential,
		ReplyTo:  f.callerRef,
	}, nil)

	completed := f.caller.expect(t).(TaskCompleted)
	assert.Equal(t, v1.ExecutionStatusFailed, completed.Status)
	assert.Equal(t, v1.ErrTextCancelled, completed.Error)
}

func TestAggregatorHoldsDispatchWhilePaused(t *testing.T) {
	f := newAggFixture(t)
	require.NoError(t, f.ctl.Set(context.Background(), control.ScopeTrace, "trace-1", v1.SignalPause))

	agg := f.spawn()
	agg.Send(TaskGroupRequest{
		TaskID:  "group-1",
		TraceID: "trace-1",
		Subtasks: []plan.SubtaskSpec{
			echoSpec(1, "A", false),
			echoSpec(2, "B", false),
		},
		Strategy: plan.StrategySequential,
		ReplyTo:  f.callerRef,
	}, nil)

	// Paused at the first step boundary: nothing dispatches, nothing replies.
	f.caller.expectNone(t, 500*time.Millisecond)

	require.NoError(t, f.ctl.Set(context.Background(), control.ScopeTrace, "trace-1", v1.SignalResume))

	completed := f.caller.expect(t).(TaskCompleted)
	assert.Equal(t, v1.ExecutionStatusSuccess, completed.Status)
	details := completed.Result["details"].(map[string]interface{})
	assert.Len(t, details, 2)
}

func TestAggregatorCancelledWhilePaused(t *testing.T) {
	f := newAggFixture(t)
	require.NoError(t, f.ctl.Set(context.Background(), control.ScopeTrace, "trace-1", v1.SignalPause))

	agg := f.spawn()
	agg.Send(TaskGroupRequest{
		TaskID:   "group-1",
		TraceID:  "trace-1",
		Subtasks: []plan.SubtaskSpec{echoSpec(1, "A", false)},
		Strategy: plan.StrategySequential,
		ReplyTo:  f.callerRef,
	}, nil)
	f.caller.expectNone(t, 300*time.Millisecond)

	require.NoError(t, f.ctl.Set(context.Background(), control.ScopeTrace, "trace-1", v1.SignalCancel))

	completed := f.caller.expect(t).(TaskCompleted)
	assert.Equal(t, v1.ExecutionStatusFailed, completed.Status)
	assert.Equal(t, v1.ErrTextCancelled, completed.Error)
}

func TestAggregatorSingleChildParallelBehavesLikeSequential(t *testing.T) {
	f := newAggFixture(t)
	agg := f.spawn()

	agg.Send(TaskGroupRequest{
		TaskID:   "group-1",
		TraceID:  "trace-1",
		Subtasks: []plan.SubtaskSpec{echoSpec(1, "only", true)},
		Strategy: plan.StrategyParallel,
		ReplyTo:  f.callerRef,
	}, nil)

	completed := f.caller.expect(t).(TaskCompleted)
	assert.Equal(t, v1.ExecutionStatusSuccess, completed.Status)
	details := completed.Result["details"].(map[string]interface{})
	assert.Len(t, details, 1)
}
