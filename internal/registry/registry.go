// Package registry stores actor references keyed by (tenant, node) with TTL
// semantics. At most one valid reference exists per key; heartbeats extend
// the TTL. Addresses are opaque byte strings that must round-trip exactly.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when no valid (unexpired) reference exists.
	ErrNotFound = errors.New("actor reference not found")
)

// Entry is a stored actor reference.
type Entry struct {
	Address       []byte    `json:"address"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Registry is the reference registry contract.
type Registry interface {
	// Save overwrites any prior entry and sets expires_at = now + ttl.
	Save(ctx context.Context, tenantID, nodeID string, address []byte, ttl time.Duration) error

	// Get returns the address only if the entry has not expired. Expired
	// entries are lazily deleted. Returns ErrNotFound otherwise.
	Get(ctx context.Context, tenantID, nodeID string) ([]byte, error)

	// Delete removes the entry. Idempotent.
	Delete(ctx context.Context, tenantID, nodeID string) error

	// RefreshTTL extends the entry's TTL. Fails with ErrNotFound if the
	// entry does not exist. A refresh arriving exactly at expiry is accepted.
	RefreshTTL(ctx context.Context, tenantID, nodeID string, ttl time.Duration) error

	// UpdateHeartbeat refreshes the TTL and touches last_heartbeat.
	UpdateHeartbeat(ctx context.Context, tenantID, nodeID string, ttl time.Duration) error

	// Exists reports whether a valid reference is present.
	Exists(ctx context.Context, tenantID, nodeID string) (bool, error)
}

// Key builds the storage key for a (tenant, node) pair.
func Key(tenantID, nodeID string) string {
	return fmt.Sprintf("actor_ref:%s:%s", tenantID, nodeID)
}
