package actor

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/taskfleet/taskfleet/internal/common/logger"
)

// Heartbeat defaults per the registry discipline: interval strictly below
// the TTL, and a bounded reattempt budget before giving up.
const (
	DefaultHeartbeatInterval = 3000 * time.Second
	heartbeatAckTimeout      = 10 * time.Second
	heartbeatMaxReattempts   = 5
)

// SessionShutdown gracefully stops a session: it unregisters, stops its
// heartbeat, terminates its agent, and exits.
type SessionShutdown struct{}

// AgentFactory builds the agent behavior owned by a session.
type AgentFactory func(session *Ref) Actor

// Session is the per-(tenant, node) front-end. It owns exactly one agent
// actor, keeps the registration alive with heartbeats, and forwards every
// non-control payload to the agent.
type Session struct {
	router            *Ref
	newAgent          AgentFactory
	heartbeatInterval time.Duration
	logger            *logger.Logger

	tenantID string
	nodeID   string

	agent      *Ref
	registered bool
	stopping   bool
	pending    []envelope

	// Heartbeat task state. The goroutine only talks to the router via
	// message sends; acknowledgements arrive through the mailbox and are
	// recorded in ackGen.
	hbStop    chan struct{}
	hbStopped sync.Once
	shouldRun atomic.Bool
	sendGen   atomic.Int64
	ackGen    atomic.Int64
}

var _ Actor = (*Session)(nil)

// NewSession creates a session behavior. interval <= 0 selects the default.
func NewSession(router *Ref, newAgent AgentFactory, interval time.Duration, log *logger.Logger) *Session {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	return &Session{
		router:            router,
		newAgent:          newAgent,
		heartbeatInterval: interval,
		logger:            log.WithFields(zap.String("component", "session-actor")),
		hbStop:            make(chan struct{}),
	}
}

func (s *Session) Receive(ctx *Context, msg interface{}) {
	switch m := msg.(type) {
	case Initialize:
		s.initialize(ctx, m)
	case RegisterConfirmed:
		s.registered = true
		s.startHeartbeat(ctx)
		s.flushPending(ctx)
	case AlreadyRegistered:
		// Lost the registration race: forward buffered work to the winner
		// and terminate without touching the registry.
		for _, env := range s.pending {
			m.Existing.Send(env.msg, env.sender)
		}
		s.pending = nil
		s.stopping = true
		ctx.Self.Stop()
	case HeartbeatResponse:
		s.ackGen.Store(s.sendGen.Load())
	case HeartbeatFailed:
		s.logger.Warn("heartbeat reattempts exhausted, terminating session",
			zap.String("tenant_id", s.tenantID),
			zap.String("node_id", s.nodeID))
		s.shutdown(ctx)
	case SessionShutdown:
		s.shutdown(ctx)
	case ChildExited:
		s.onAgentExit(ctx, m)
	default:
		s.forward(ctx, msg)
	}
}

// Stopped tears down the heartbeat task and the agent when the session exits
// for any reason.
func (s *Session) Stopped(ctx *Context) {
	s.stopHeartbeat()
	if s.agent != nil {
		s.agent.Stop()
	}
}

func (s *Session) initialize(ctx *Context, m Initialize) {
	s.tenantID = m.TenantID
	s.nodeID = m.NodeID

	s.agent = ctx.System.Spawn("", s.newAgent(ctx.Self))
	s.agent.Watch(ctx.Self)

	if m.OriginalMessage != nil {
		s.pending = append(s.pending, envelope{msg: m.OriginalMessage, sender: m.OriginalSender})
	}

	// Register before accepting the first forwarded payload.
	s.router.Send(RegisterActor{TenantID: m.TenantID, NodeID: m.NodeID}, ctx.Self)
}

func (s *Session) flushPending(ctx *Context) {
	for _, env := range s.pending {
		s.deliver(ctx, env.msg, env.sender)
	}
	s.pending = nil
}

func (s *Session) forward(ctx *Context, msg interface{}) {
	if !s.registered {
		s.pending = append(s.pending, envelope{msg: msg, sender: ctx.Sender})
		return
	}
	s.deliver(ctx, msg, ctx.Sender)
}

// deliver stamps the session as the reply target on agent tasks that carry
// none, so replies can be routed back out.
func (s *Session) deliver(ctx *Context, msg interface{}, sender *Ref) {
	if task, ok := msg.(AgentTask); ok && task.ReplyTo == nil {
		task.ReplyTo = sender
		s.agent.Send(task, ctx.Self)
		return
	}
	s.agent.Send(msg, sender)
}

func (s *Session) shutdown(ctx *Context) {
	s.stopping = true
	s.router.Send(UnregisterActor{TenantID: s.tenantID, NodeID: s.nodeID}, ctx.Self)
	s.stopHeartbeat()
	if s.agent != nil {
		s.agent.Stop()
	}
	ctx.Self.Stop()
}

func (s *Session) onAgentExit(ctx *Context, m ChildExited) {
	if s.agent == nil || m.ID != s.agent.ID {
		return
	}
	if s.stopping {
		return
	}
	// The agent crashed; restart it. Paused-task resume pointers die with
	// the old agent, which later resumes report as unknown task errors.
	s.logger.Warn("agent exited, restarting",
		zap.String("tenant_id", s.tenantID),
		zap.String("node_id", s.nodeID),
		zap.String("agent_id", m.ID))
	s.agent = ctx.System.Spawn("", s.newAgent(ctx.Self))
	s.agent.Watch(ctx.Self)
}

func (s *Session) startHeartbeat(ctx *Context) {
	if !s.shouldRun.CompareAndSwap(false, true) {
		return
	}

	self := ctx.Self
	go func() {
		ticker := time.NewTicker(s.heartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-s.hbStop:
				return
			case <-ticker.C:
				if !s.shouldRun.Load() {
					return
				}
				if !s.beatWithRetries(self) {
					self.Send(HeartbeatFailed{}, nil)
					return
				}
			}
		}
	}()
}

// beatWithRetries sends one heartbeat and waits for the router's ack,
// backing off exponentially across reattempts.
func (s *Session) beatWithRetries(self *Ref) bool {
	backoff := time.Second
	for attempt := 0; attempt <= heartbeatMaxReattempts; attempt++ {
		gen := s.sendGen.Add(1)
		s.router.Send(Heartbeat{
			TenantID:  s.tenantID,
			NodeID:    s.nodeID,
			Timestamp: time.Now().UTC(),
		}, self)

		if s.awaitAck(gen) {
			return true
		}
		select {
		case <-s.hbStop:
			return true
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return false
}

func (s *Session) awaitAck(gen int64) bool {
	deadline := time.After(heartbeatAckTimeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-s.hbStop:
			return true
		case <-deadline:
			return false
		case <-ticker.C:
			if s.ackGen.Load() >= gen {
				return true
			}
		}
	}
}

func (s *Session) stopHeartbeat() {
	s.shouldRun.Store(false)
	s.hbStopped.Do(func() { close(s.hbStop) })
}
