package registry

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/taskfleet/taskfleet/internal/common/logger"
)

// FallbackRegistry wraps a primary registry (normally Redis) and degrades to
// a process-local MemoryRegistry when the primary is unreachable. ErrNotFound
// from the primary is authoritative and never triggers the fallback; only
// transport-level failures do.
type FallbackRegistry struct {
	primary  Registry
	fallback *MemoryRegistry
	logger   *logger.Logger
}

var _ Registry = (*FallbackRegistry)(nil)

// NewFallbackRegistry wraps primary with an in-memory fallback.
func NewFallbackRegistry(primary Registry, log *logger.Logger) *FallbackRegistry {
	return &FallbackRegistry{
		primary:  primary,
		fallback: NewMemoryRegistry(),
		logger:   log.WithFields(zap.String("component", "registry")),
	}
}

func (r *FallbackRegistry) degraded(op string, err error) {
	r.logger.Warn("registry backend unavailable, using in-memory fallback",
		zap.String("operation", op),
		zap.Error(err))
}

func (r *FallbackRegistry) Save(ctx context.Context, tenantID, nodeID string, address []byte, ttl time.Duration) error {
	if err := r.primary.Save(ctx, tenantID, nodeID, address, ttl); err != nil {
		r.degraded("save", err)
		return r.fallback.Save(ctx, tenantID, nodeID, address, ttl)
	}
	return nil
}

func (r *FallbackRegistry) Get(ctx context.Context, tenantID, nodeID string) ([]byte, error) {
	address, err := r.primary.Get(ctx, tenantID, nodeID)
	if err == nil || errors.Is(err, ErrNotFound) {
		return address, err
	}
	r.degraded("get", err)
	return r.fallback.Get(ctx, tenantID, nodeID)
}

func (r *FallbackRegistry) Delete(ctx context.Context, tenantID, nodeID string) error {
	// Always clear the fallback copy so a recovered primary cannot resurrect
	// a deleted reference from local state.
	if err := r.fallback.Delete(ctx, tenantID, nodeID); err != nil {
		return err
	}
	if err := r.primary.Delete(ctx, tenantID, nodeID); err != nil {
		r.degraded("delete", err)
	}
	return nil
}

func (r *FallbackRegistry) RefreshTTL(ctx context.Context, tenantID, nodeID string, ttl time.Duration) error {
	err := r.primary.RefreshTTL(ctx, tenantID, nodeID, ttl)
	if err == nil || errors.Is(err, ErrNotFound) {
		return err
	}
	r.degraded("refresh_ttl", err)
	return r.fallback.RefreshTTL(ctx, tenantID, nodeID, ttl)
}

func (r *FallbackRegistry) UpdateHeartbeat(ctx context.Context, tenantID, nodeID string, ttl time.Duration) error {
	err := r.primary.UpdateHeartbeat(ctx, tenantID, nodeID, ttl)
	if err == nil || errors.Is(err, ErrNotFound) {
		return err
	}
	r.degraded("update_heartbeat", err)
	return r.fallback.UpdateHeartbeat(ctx, tenantID, nodeID, ttl)
}

func (r *FallbackRegistry) Exists(ctx context.Context, tenantID, nodeID string) (bool, error) {
	ok, err := r.primary.Exists(ctx, tenantID, nodeID)
	if err == nil {
		return ok, nil
	}
	r.degraded("exists", err)
	return r.fallback.Exists(ctx, tenantID, nodeID)
}
