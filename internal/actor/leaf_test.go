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
	v1 "github.com/taskfleet/taskfleet/pkg/api/v1"
)

func leafFixture(t *testing.T) (*System, *connector.Registry, *control.MemoryStore, *events.Bus) {
	t.Helper()
	log := logger.Default()
	sys := NewSystem(log, 0)
	t.Cleanup(sys.Shutdown)

	connectors := connector.NewRegistry()
	connectors.Register(connector.NewEchoConnector())
	return sys, connectors, control.NewMemoryStore(), events.NewBus(log)
}

func spawnLeaf(sys *System, connectors *connector.Registry, ctl control.Store, bus *events.Bus) *Ref {
	return sys.Spawn("", NewLeaf(connectors, ctl, bus, logger.Default()))
}

func TestLeafExecutesConnector(t *testing.T) {
	sys, connectors, ctl, bus := leafFixture(t)
	caller := newProbe()
	callerRef := sys.Spawn("caller", caller)

	leaf := spawnLeaf(sys, connectors, ctl, bus)
	leaf.Send(ExecuteTask{
		TaskID:     "task-1",
		TraceID:    "trace-1",
		Capability: "echo",
		Content:    map[string]interface{}{"greeting": "hi"},
		ReplyTo:    callerRef,
	}, nil)

	msg := caller.expect(t)
	result, ok := msg.(ExecutionResult)
	require.True(t, ok, "got %#v", msg)
	assert.Equal(t, v1.ExecutionStatusSuccess, result.Status)
	assert.NotNil(t, result.Result["echo"])

	// Terminal reply ends the leaf.
	require.Eventually(t, func() bool { return !leaf.Alive() }, 2*time.Second, 10*time.Millisecond)
}

func TestLeafUnknownCapability(t *testing.T) {
	sys, connectors, ctl, bus := leafFixture(t)
	caller := newProbe()
	callerRef := sys.Spawn("caller", caller)

	leaf := spawnLeaf(sys, connectors, ctl, bus)
	leaf.Send(ExecuteTask{
		TaskID:     "task-1",
		Capability: "dify",
		ReplyTo:    callerRef,
	}, nil)

	result := caller.expect(t).(ExecutionResult)
	assert.Equal(t, v1.ExecutionStatusFailed, result.Status)
	assert.Equal(t, "Capability dify not supported", result.Error)
}

func TestLeafNeedInputThenResume(t *testing.T) {
	sys, connectors, ctl, bus := leafFixture(t)
	caller := newProbe()
	callerRef := sys.Spawn("caller", caller)

	leaf := spawnLeaf(sys, connectors, ctl, bus)
	leaf.Send(ExecuteTask{
		TaskID:     "task-1",
		TraceID:    "trace-1",
		Capability: "echo",
		RunningConfig: map[string]interface{}{
			"required_params": []interface{}{"code"},
		},
		Content: map[string]interface{}{"region": "eu"},
		ReplyTo: callerRef,
	}, nil)

	paused := caller.expect(t).(ExecutionResult)
	require.Equal(t, v1.ExecutionStatusNeedInput, paused.Status)
	assert.Equal(t, []string{"code"}, paused.MissingParams)

	// The leaf survives the pause and accepts the resume.
	require.True(t, leaf.Alive())
	leaf.Send(ResumeExecution{
		TaskID:     "task-1",
		Parameters: map[string]interface{}{"code": "abc"},
		ReplyTo:    callerRef,
	}, nil)

	resumed := caller.expect(t).(ExecutionResult)
	assert.Equal(t, v1.ExecutionStatusSuccess, resumed.Status)
	echo, ok := resumed.Result["echo"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "abc", echo["code"])
	assert.Equal(t, "eu", echo["region"])
}

func TestLeafResumeUnknownTask(t *testing.T) {
	sys, connectors, ctl, bus := leafFixture(t)
	caller := newProbe()
	callerRef := sys.Spawn("caller", caller)

	leaf := spawnLeaf(sys, connectors, ctl, bus)
	leaf.Send(ResumeExecution{TaskID: "ghost", ReplyTo: callerRef}, nil)

	result := caller.expect(t).(ExecutionResult)
	assert.Equal(t, v1.ExecutionStatusFailed, result.Status)
	assert.Contains(t, result.Error, "no paused execution")
}

func TestLeafHonorsCancelSignal(t *testing.T) {
	sys, connectors, ctl, bus := leafFixture(t)
	caller := newProbe()
	callerRef := sys.Spawn("caller", caller)

	require.NoError(t, ctl.Set(context.Background(), control.ScopeTrace, "trace-1", v1.SignalCancel))

	leaf := spawnLeaf(sys, connectors, ctl, bus)
	leaf.Send(ExecuteTask{
		TaskID:     "task-1",
		TraceID:    "trace-1",
		Capability: "echo",
		ReplyTo:    callerRef,
	}, nil)

	result := caller.expect(t).(ExecutionResult)
	assert.Equal(t, v1.ExecutionStatusFailed, result.Status)
	assert.Equal(t, v1.ErrTextCancelled, result.Error)
}

func TestLeafHoldsWhilePaused(t *testing.T) {
	sys, connectors, ctl, bus := leafFixture(t)
	caller := newProbe()
	callerRef := sys.Spawn("caller", caller)

	require.NoError(t, ctl.Set(context.Background(), control.ScopeTrace, "trace-1", v1.SignalPause))

	leaf := spawnLeaf(sys, connectors, ctl, bus)
	leaf.Send(ExecuteTask{
		TaskID:     "task-1",
		TraceID:    "trace-1",
		Capability: "echo",
		Content:    map[string]interface{}{"greeting": "hi"},
		ReplyTo:    callerRef,
	}, nil)

	// Held at the boundary: no connector call, no reply.
	caller.expectNone(t, 500*time.Millisecond)

	require.NoError(t, ctl.Set(context.Background(), control.ScopeTrace, "trace-1", v1.SignalResume))

	result := caller.expect(t).(ExecutionResult)
	assert.Equal(t, v1.ExecutionStatusSuccess, result.Status)
}

func TestLeafCancelledWhilePaused(t *testing.T) {
	sys, connectors, ctl, bus := leafFixture(t)
	caller := newProbe()
	callerRef := sys.Spawn("caller", caller)

	require.NoError(t, ctl.Set(context.Background(), control.ScopeTrace, "trace-1", v1.SignalPause))

	leaf := spawnLeaf(sys, connectors, ctl, bus)
	leaf.Send(ExecuteTask{
		TaskID:     "task-1",
		TraceID:    "trace-1",
		Capability: "echo",
		ReplyTo:    callerRef,
	}, nil)
	caller.expectNone(t, 300*time.Millisecond)

	require.NoError(t, ctl.Set(context.Background(), control.ScopeTrace, "trace-1", v1.SignalCancel))

	result := caller.expect(t).(ExecutionResult)
	assert.Equal(t, v1.ExecutionStatusFailed, result.Status)
	assert.Equal(t, v1.ErrTextCancelled, result.Error)
}

func TestLeafNeedInputKeepsSharedContentIntact(t *testing.T) {
	sys, connectors, ctl, bus := leafFixture(t)
	caller := newProbe()
	callerRef := sys.Spawn("caller", caller)

	// Content and running config share one map, as a plan's params do.
	params := map[string]interface{}{
		"required_params": []interface{}{"code"},
		"region":          "eu",
	}

	leaf := spawnLeaf(sys, connectors, ctl, bus)
	leaf.Send(ExecuteTask{
		TaskID:        "task-1",
		TraceID:       "trace-1",
		Capability:    "echo",
		RunningConfig: params,
		Content:       params,
		GlobalContext: map[string]interface{}{"caller_id": "u-1"},
		ReplyTo:       callerRef,
	}, nil)

	paused := caller.expect(t).(ExecutionResult)
	require.Equal(t, v1.ExecutionStatusNeedInput, paused.Status)

	// The pause must not write completed params back into the shared map.
	assert.Len(t, params, 2)
	assert.NotContains(t, params, "caller_id")

	leaf.Send(ResumeExecution{
		TaskID:     "task-1",
		Parameters: map[string]interface{}{"code": "abc"},
		ReplyTo:    callerRef,
	}, nil)

	resumed := caller.expect(t).(ExecutionResult)
	require.Equal(t, v1.ExecutionStatusSuccess, resumed.Status)
	echo := resumed.Result["echo"].(map[string]interface{})
	assert.Equal(t, "abc", echo["code"])
	assert.Equal(t, "eu", echo["region"])
	assert.Len(t, params, 2)
}

func TestLeafMissingRequiredConfig(t *testing.T) {
	log := logger.Default()
	sys := NewSystem(log, 0)
	t.Cleanup(sys.Shutdown)

	connectors := connector.NewRegistry()
	connectors.Register(connector.NewHTTPConnector())

	caller := newProbe()
	callerRef := sys.Spawn("caller", caller)

	leaf := spawnLeaf(sys, connectors, control.NewMemoryStore(), events.NewBus(log))
	leaf.Send(ExecuteTask{
		TaskID:     "task-1",
		Capability: "http",
		ReplyTo:    callerRef,
	}, nil)

	result := caller.expect(t).(ExecutionResult)
	assert.Equal(t, v1.ExecutionStatusFailed, result.Status)
	assert.Contains(t, result.Error, `missing required key "url"`)
}
