package registry

import (
	"context"
	"sync"
	"time"
)

// MemoryRegistry implements Registry with a process-local map. It is both
// the test backend and the transparent fallback when Redis is unreachable.
// Entries vanish on restart, which is acceptable: sessions re-register on
// their first heartbeat.
type MemoryRegistry struct {
	entries map[string]*Entry
	mu      sync.Mutex
	now     func() time.Time
}

var _ Registry = (*MemoryRegistry)(nil)

// NewMemoryRegistry creates an empty in-memory registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		entries: make(map[string]*Entry),
		now:     time.Now,
	}
}

// SetClock overrides the time source, for tests.
func (r *MemoryRegistry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// Save overwrites any prior entry for the key.
func (r *MemoryRegistry) Save(ctx context.Context, tenantID, nodeID string, address []byte, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC()
	addr := make([]byte, len(address))
	copy(addr, address)
	r.entries[Key(tenantID, nodeID)] = &Entry{
		Address:       addr,
		CreatedAt:     now,
		ExpiresAt:     now.Add(ttl),
		LastHeartbeat: now,
	}
	return nil
}

// Get returns the address if the entry is still valid; expired entries are
// deleted on the way out.
func (r *MemoryRegistry) Get(ctx context.Context, tenantID, nodeID string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := Key(tenantID, nodeID)
	entry, ok := r.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	// Valid iff now < expires_at: an entry read exactly at expiry is gone.
	if !r.now().UTC().Before(entry.ExpiresAt) {
		delete(r.entries, key)
		return nil, ErrNotFound
	}

	addr := make([]byte, len(entry.Address))
	copy(addr, entry.Address)
	return addr, nil
}

// Delete removes the entry. Idempotent.
func (r *MemoryRegistry) Delete(ctx context.Context, tenantID, nodeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, Key(tenantID, nodeID))
	return nil
}

// RefreshTTL extends the TTL of an existing entry. A refresh arriving exactly
// at expires_at is still accepted.
func (r *MemoryRegistry) RefreshTTL(ctx context.Context, tenantID, nodeID string, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := Key(tenantID, nodeID)
	entry, ok := r.entries[key]
	if !ok {
		return ErrNotFound
	}
	now := r.now().UTC()
	if now.After(entry.ExpiresAt) {
		delete(r.entries, key)
		return ErrNotFound
	}
	entry.ExpiresAt = now.Add(ttl)
	return nil
}

// UpdateHeartbeat refreshes the TTL and touches last_heartbeat.
func (r *MemoryRegistry) UpdateHeartbeat(ctx context.Context, tenantID, nodeID string, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := Key(tenantID, nodeID)
	entry, ok := r.entries[key]
	if !ok {
		return ErrNotFound
	}
	now := r.now().UTC()
	if now.After(entry.ExpiresAt) {
		delete(r.entries, key)
		return ErrNotFound
	}
	entry.ExpiresAt = now.Add(ttl)
	entry.LastHeartbeat = now
	return nil
}

// Exists reports whether a valid entry is present.
func (r *MemoryRegistry) Exists(ctx context.Context, tenantID, nodeID string) (bool, error) {
	_, err := r.Get(ctx, tenantID, nodeID)
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
