package actor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskfleet/taskfleet/internal/common/logger"
	"github.com/taskfleet/taskfleet/internal/registry"
)

type routerFixture struct {
	sys      *System
	reg      *registry.MemoryRegistry
	router   *Ref
	agent    *probe
	spawned  atomic.Int32
	agentRef func() *Ref
}

// newRouterFixture wires a router whose sessions own a shared probe agent, so
// tests can observe what ultimately reaches the agent tier.
func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	log := logger.Default()
	f := &routerFixture{
		sys:   NewSystem(log, 0),
		reg:   registry.NewMemoryRegistry(),
		agent: newProbe(),
	}
	t.Cleanup(f.sys.Shutdown)

	newSession := func(router *Ref) Actor {
		f.spawned.Add(1)
		newAgent := func(session *Ref) Actor { return f.agent }
		return NewSession(router, newAgent, time.Hour, log)
	}
	f.router = f.sys.Spawn("router", NewRouter(f.reg, 0, newSession, log))
	return f
}

func TestRouterSpawnsSessionAndDeliversMessage(t *testing.T) {
	f := newRouterFixture(t)

	f.router.Send(UserRequest{
		TenantID: "tenant-a",
		NodeID:   "node-1",
		Message:  AgentTask{TaskID: "task-1", Description: "hello"},
	}, nil)

	task := f.agent.expect(t).(AgentTask)
	assert.Equal(t, "task-1", task.TaskID)

	// Registration landed in the registry under the canonical key.
	require.Eventually(t, func() bool {
		ok, err := f.reg.Exists(context.Background(), "tenant-a", "node-1")
		return err == nil && ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRouterReusesRegisteredSession(t *testing.T) {
	f := newRouterFixture(t)

	f.router.Send(UserRequest{
		TenantID: "tenant-a",
		NodeID:   "node-1",
		Message:  AgentTask{TaskID: "task-1"},
	}, nil)
	f.agent.expect(t)

	f.router.Send(UserRequest{
		TenantID: "tenant-a",
		NodeID:   "node-1",
		Message:  AgentTask{TaskID: "task-2"},
	}, nil)
	task := f.agent.expect(t).(AgentTask)

	assert.Equal(t, "task-2", task.TaskID)
	assert.Equal(t, int32(1), f.spawned.Load())
}

func TestRouterIsolatesTenants(t *testing.T) {
	f := newRouterFixture(t)

	f.router.Send(UserRequest{TenantID: "tenant-a", NodeID: "node-1", Message: AgentTask{TaskID: "a"}}, nil)
	f.agent.expect(t)
	f.router.Send(UserRequest{TenantID: "tenant-b", NodeID: "node-1", Message: AgentTask{TaskID: "b"}}, nil)
	f.agent.expect(t)

	// Same node id under two tenants needs two sessions.
	assert.Equal(t, int32(2), f.spawned.Load())
}

func TestRouterDropsStaleEntryAndRespawns(t *testing.T) {
	f := newRouterFixture(t)

	// An entry whose actor no longer runs in this process is stale.
	require.NoError(t, f.reg.Save(context.Background(), "tenant-a", "node-1", []byte("dead-session-id"), time.Hour))

	f.router.Send(UserRequest{
		TenantID: "tenant-a",
		NodeID:   "node-1",
		Message:  AgentTask{TaskID: "task-1"},
	}, nil)

	task := f.agent.expect(t).(AgentTask)
	assert.Equal(t, "task-1", task.TaskID)
	assert.Equal(t, int32(1), f.spawned.Load())
}

func TestRouterRegistrationRaceSingleWinner(t *testing.T) {
	f := newRouterFixture(t)

	// Two requests for the same key land before either session registers.
	// The loser must hand its buffered work to the winner and die; both
	// payloads end up at the single surviving agent.
	f.router.Send(UserRequest{TenantID: "tenant-a", NodeID: "node-1", Message: AgentTask{TaskID: "task-1"}}, nil)
	f.router.Send(UserRequest{TenantID: "tenant-a", NodeID: "node-1", Message: AgentTask{TaskID: "task-2"}}, nil)

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		task := f.agent.expect(t).(AgentTask)
		seen[task.TaskID] = true
	}
	assert.True(t, seen["task-1"])
	assert.True(t, seen["task-2"])

	// Exactly one registration survives.
	address, err := f.reg.Get(context.Background(), "tenant-a", "node-1")
	require.NoError(t, err)
	winner, ok := f.sys.Lookup(string(address))
	require.True(t, ok)
	assert.True(t, winner.Alive())
}

func TestRouterHeartbeatRefreshesAndAcks(t *testing.T) {
	f := newRouterFixture(t)

	session := newProbe()
	sessionRef := f.sys.Spawn("session-1", session)

	require.NoError(t, f.reg.Save(context.Background(), "tenant-a", "node-1", []byte(sessionRef.ID), time.Hour))

	sent := time.Now().UTC()
	f.router.Send(Heartbeat{TenantID: "tenant-a", NodeID: "node-1", Timestamp: sent}, sessionRef)

	ack := session.expect(t).(HeartbeatResponse)
	assert.Equal(t, sent, ack.Timestamp)
}

func TestRouterHeartbeatReRegistersAfterExpiry(t *testing.T) {
	f := newRouterFixture(t)

	session := newProbe()
	sessionRef := f.sys.Spawn("session-1", session)

	// No entry yet: the heartbeat itself re-registers the sender.
	f.router.Send(Heartbeat{TenantID: "tenant-a", NodeID: "node-1", Timestamp: time.Now().UTC()}, sessionRef)
	session.expect(t)

	address, err := f.reg.Get(context.Background(), "tenant-a", "node-1")
	require.NoError(t, err)
	assert.Equal(t, sessionRef.ID, string(address))
}

func TestRouterUnregisterGuardedByOwnership(t *testing.T) {
	f := newRouterFixture(t)

	owner := f.sys.Spawn("owner", newProbe())
	intruder := f.sys.Spawn("intruder", newProbe())
	require.NoError(t, f.reg.Save(context.Background(), "tenant-a", "node-1", []byte(owner.ID), time.Hour))

	f.router.Send(UnregisterActor{TenantID: "tenant-a", NodeID: "node-1"}, intruder)

	// The intruder's unregister is ignored; the owner can still be resolved.
	time.Sleep(100 * time.Millisecond)
	address, err := f.reg.Get(context.Background(), "tenant-a", "node-1")
	require.NoError(t, err)
	assert.Equal(t, owner.ID, string(address))

	f.router.Send(UnregisterActor{TenantID: "tenant-a", NodeID: "node-1"}, owner)
	require.Eventually(t, func() bool {
		_, err := f.reg.Get(context.Background(), "tenant-a", "node-1")
		return err != nil
	}, 2*time.Second, 10*time.Millisecond)
}
