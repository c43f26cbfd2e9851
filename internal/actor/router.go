package actor

import (
	"bytes"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/taskfleet/taskfleet/internal/common/logger"
	"github.com/taskfleet/taskfleet/internal/registry"
)

// DefaultRegistryTTL is the registration lifetime between heartbeats.
const DefaultRegistryTTL = time.Hour

// SessionFactory builds the session behavior for a fresh (tenant, node)
// registration. The router passes its own ref for registration traffic.
type SessionFactory func(router *Ref) Actor

// Router is the global singleton that maps (tenant, node) to session actors.
// Uniqueness rests on the registry's at-most-one-per-key invariant: a session
// must register before accepting its first forwarded payload, and a racing
// duplicate is told to self-terminate on its first register attempt.
type Router struct {
	registry   registry.Registry
	ttl        time.Duration
	newSession SessionFactory
	logger     *logger.Logger
}

var _ Actor = (*Router)(nil)

// NewRouter creates the router behavior. ttl <= 0 selects the default.
func NewRouter(reg registry.Registry, ttl time.Duration, newSession SessionFactory, log *logger.Logger) *Router {
	if ttl <= 0 {
		ttl = DefaultRegistryTTL
	}
	return &Router{
		registry:   reg,
		ttl:        ttl,
		newSession: newSession,
		logger:     log.WithFields(zap.String("component", "router-actor")),
	}
}

func (r *Router) Receive(ctx *Context, msg interface{}) {
	switch m := msg.(type) {
	case UserRequest:
		r.route(ctx, m)
	case RegisterActor:
		r.register(ctx, m)
	case UnregisterActor:
		r.unregister(ctx, m)
	case RefreshTTL:
		if err := r.registry.RefreshTTL(ctx.Ctx, m.TenantID, m.NodeID, r.ttl); err != nil && !errors.Is(err, registry.ErrNotFound) {
			r.logger.Error("ttl refresh failed",
				zap.String("tenant_id", m.TenantID),
				zap.String("node_id", m.NodeID),
				zap.Error(err))
		}
	case Heartbeat:
		r.heartbeat(ctx, m)
	}
}

func (r *Router) route(ctx *Context, m UserRequest) {
	if ref, ok := r.resolve(ctx, m.TenantID, m.NodeID); ok {
		ref.Send(m.Message, ctx.Sender)
		return
	}

	session := ctx.System.Spawn("", r.newSession(ctx.Self))
	session.Send(Initialize{
		TenantID:        m.TenantID,
		NodeID:          m.NodeID,
		OriginalMessage: m.Message,
		OriginalSender:  ctx.Sender,
	}, ctx.Self)

	r.logger.Info("session spawned",
		zap.String("tenant_id", m.TenantID),
		zap.String("node_id", m.NodeID),
		zap.String("session_id", session.ID))
}

// resolve returns the live session for the key, if one is registered and its
// actor still runs in this process.
func (r *Router) resolve(ctx *Context, tenantID, nodeID string) (*Ref, bool) {
	address, err := r.registry.Get(ctx.Ctx, tenantID, nodeID)
	if errors.Is(err, registry.ErrNotFound) {
		return nil, false
	}
	if err != nil {
		r.logger.Error("registry lookup failed",
			zap.String("tenant_id", tenantID),
			zap.String("node_id", nodeID),
			zap.Error(err))
		return nil, false
	}

	ref, ok := ctx.System.Lookup(string(address))
	if !ok {
		// Stale entry from a dead actor; drop it so the next request spawns.
		_ = r.registry.Delete(ctx.Ctx, tenantID, nodeID)
		return nil, false
	}
	return ref, true
}

func (r *Router) register(ctx *Context, m RegisterActor) {
	if ctx.Sender == nil {
		return
	}

	existing, err := r.registry.Get(ctx.Ctx, m.TenantID, m.NodeID)
	if err == nil && !bytes.Equal(existing, []byte(ctx.Sender.ID)) {
		if winner, ok := ctx.System.Lookup(string(existing)); ok {
			// A racing session lost; hand it the winner so it can forward
			// pending work before terminating.
			ctx.Sender.Send(AlreadyRegistered{Existing: winner}, ctx.Self)
			return
		}
		// Registered actor is gone; fall through and overwrite.
	}

	if err := r.registry.Save(ctx.Ctx, m.TenantID, m.NodeID, []byte(ctx.Sender.ID), r.ttl); err != nil {
		r.logger.Error("registration failed",
			zap.String("tenant_id", m.TenantID),
			zap.String("node_id", m.NodeID),
			zap.Error(err))
		return
	}
	ctx.Sender.Send(RegisterConfirmed{}, ctx.Self)
}

func (r *Router) unregister(ctx *Context, m UnregisterActor) {
	if ctx.Sender != nil {
		// Only the registered owner may remove the entry; a terminating
		// loser must not evict the winner.
		existing, err := r.registry.Get(ctx.Ctx, m.TenantID, m.NodeID)
		if err == nil && !bytes.Equal(existing, []byte(ctx.Sender.ID)) {
			return
		}
	}
	if err := r.registry.Delete(ctx.Ctx, m.TenantID, m.NodeID); err != nil {
		r.logger.Error("unregister failed",
			zap.String("tenant_id", m.TenantID),
			zap.String("node_id", m.NodeID),
			zap.Error(err))
	}
}

func (r *Router) heartbeat(ctx *Context, m Heartbeat) {
	err := r.registry.UpdateHeartbeat(ctx.Ctx, m.TenantID, m.NodeID, r.ttl)
	if errors.Is(err, registry.ErrNotFound) && ctx.Sender != nil {
		// Entry expired or the backing store restarted; the heartbeat
		// re-registers the session.
		err = r.registry.Save(ctx.Ctx, m.TenantID, m.NodeID, []byte(ctx.Sender.ID), r.ttl)
	}
	if err != nil {
		r.logger.Error("heartbeat failed",
			zap.String("tenant_id", m.TenantID),
			zap.String("node_id", m.NodeID),
			zap.Error(err))
		return
	}
	if ctx.Sender != nil {
		ctx.Sender.Send(HeartbeatResponse{Timestamp: m.Timestamp}, ctx.Self)
	}
}
