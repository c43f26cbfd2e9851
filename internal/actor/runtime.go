// Package actor implements the orchestration pipeline's actor runtime and
// the router, session, agent, aggregator, and leaf actors that run on it.
//
// Every actor has a single mailbox processed by one goroutine, so message
// handling within an actor is sequential. Sends from one actor to another
// are FIFO per sender/receiver pair.
package actor

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskfleet/taskfleet/internal/common/logger"
)

// DefaultMailboxSize bounds each actor's queue.
const DefaultMailboxSize = 256

// Actor is a behavior attached to a mailbox.
type Actor interface {
	Receive(ctx *Context, msg interface{})
}

// StartedHook is implemented by actors that need setup on spawn.
type StartedHook interface {
	Started(ctx *Context)
}

// StoppedHook is implemented by actors that need teardown on termination.
type StoppedHook interface {
	Stopped(ctx *Context)
}

// Context is passed to every Receive call.
type Context struct {
	Self   *Ref
	Sender *Ref
	System *System
	Ctx    context.Context
}

type envelope struct {
	msg    interface{}
	sender *Ref
}

// Ref is a send target for an actor. Refs are process-local; the registry
// stores only the ID as a reconstruction hint.
type Ref struct {
	ID string

	system   *System
	mailbox  chan envelope
	done     chan struct{}
	stopOnce sync.Once

	watchMu  sync.Mutex
	watchers []*Ref
}

// ChildExited is delivered to watchers when a watched actor terminates.
type ChildExited struct {
	ID string
}

// Send enqueues a message. Sends to a stopped actor or a full mailbox are
// dropped; the runtime logs the drop.
func (r *Ref) Send(msg interface{}, sender *Ref) {
	select {
	case <-r.done:
		r.system.logger.Debug("message to stopped actor dropped", zap.String("actor_id", r.ID))
		return
	default:
	}

	select {
	case r.mailbox <- envelope{msg: msg, sender: sender}:
	case <-r.done:
		r.system.logger.Debug("message to stopped actor dropped", zap.String("actor_id", r.ID))
	default:
		r.system.logger.Error("mailbox full, message dropped", zap.String("actor_id", r.ID))
	}
}

// Stop terminates the actor after the message currently being processed.
func (r *Ref) Stop() {
	r.stopOnce.Do(func() { close(r.done) })
}

// Watch registers watcher to receive ChildExited when this actor stops.
func (r *Ref) Watch(watcher *Ref) {
	r.watchMu.Lock()
	defer r.watchMu.Unlock()
	r.watchers = append(r.watchers, watcher)
}

// Alive reports whether the actor is still running.
func (r *Ref) Alive() bool {
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}

// System owns the actors of one process.
type System struct {
	logger      *logger.Logger
	mailboxSize int

	mu     sync.Mutex
	actors map[string]*Ref
	wg     sync.WaitGroup

	baseCtx    context.Context
	baseCancel context.CancelFunc
}

// NewSystem creates an actor system. mailboxSize <= 0 selects the default.
func NewSystem(log *logger.Logger, mailboxSize int) *System {
	if mailboxSize <= 0 {
		mailboxSize = DefaultMailboxSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &System{
		logger:      log.WithFields(zap.String("component", "actor-system")),
		mailboxSize: mailboxSize,
		actors:      make(map[string]*Ref),
		baseCtx:     ctx,
		baseCancel:  cancel,
	}
}

// Spawn starts an actor under the given id; an empty id gets a UUID.
func (s *System) Spawn(id string, a Actor) *Ref {
	if id == "" {
		id = uuid.New().String()
	}
	ref := &Ref{
		ID:      id,
		system:  s,
		mailbox: make(chan envelope, s.mailboxSize),
		done:    make(chan struct{}),
	}

	s.mu.Lock()
	s.actors[id] = ref
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(ref, a)
	return ref
}

// Lookup resolves a live actor by id.
func (s *System) Lookup(id string) (*Ref, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref, ok := s.actors[id]
	if !ok || !ref.Alive() {
		return nil, false
	}
	return ref, true
}

// Shutdown stops every actor and waits for their loops to exit.
func (s *System) Shutdown() {
	s.baseCancel()

	s.mu.Lock()
	refs := make([]*Ref, 0, len(s.actors))
	for _, ref := range s.actors {
		refs = append(refs, ref)
	}
	s.mu.Unlock()

	for _, ref := range refs {
		ref.Stop()
	}
	s.wg.Wait()
}

func (s *System) run(ref *Ref, a Actor) {
	defer s.wg.Done()

	actorCtx := &Context{Self: ref, System: s, Ctx: s.baseCtx}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("actor panicked",
				zap.String("actor_id", ref.ID),
				zap.Any("panic", r))
		}
		ref.Stop()
		s.finalize(ref, a, actorCtx)
	}()

	if hook, ok := a.(StartedHook); ok {
		hook.Started(actorCtx)
	}

	for {
		select {
		case <-ref.done:
			return
		case env := <-ref.mailbox:
			actorCtx.Sender = env.sender
			a.Receive(actorCtx, env.msg)
			actorCtx.Sender = nil
		}
	}
}

func (s *System) finalize(ref *Ref, a Actor, ctx *Context) {
	if hook, ok := a.(StoppedHook); ok {
		hook.Stopped(ctx)
	}

	s.mu.Lock()
	delete(s.actors, ref.ID)
	s.mu.Unlock()

	ref.watchMu.Lock()
	watchers := make([]*Ref, len(ref.watchers))
	copy(watchers, ref.watchers)
	ref.watchMu.Unlock()

	for _, watcher := range watchers {
		watcher.Send(ChildExited{ID: ref.ID}, nil)
	}
}
