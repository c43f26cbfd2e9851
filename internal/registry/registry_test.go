package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskfleet/taskfleet/internal/common/logger"
)

func TestMemoryRegistrySaveAndGet(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry()

	addr := []byte{0x00, 0x01, 0xFF, 0x7A}
	require.NoError(t, reg.Save(ctx, "tenant-a", "node-1", addr, time.Hour))

	got, err := reg.Get(ctx, "tenant-a", "node-1")
	require.NoError(t, err)
	assert.Equal(t, addr, got)

	// Mutating the returned slice must not affect the stored entry.
	got[0] = 0x99
	again, err := reg.Get(ctx, "tenant-a", "node-1")
	require.NoError(t, err)
	assert.Equal(t, addr, again)
}

func TestMemoryRegistryGetMissing(t *testing.T) {
	reg := NewMemoryRegistry()
	_, err := reg.Get(context.Background(), "tenant-a", "node-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryRegistrySaveOverwrites(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry()

	require.NoError(t, reg.Save(ctx, "tenant-a", "node-1", []byte("old"), time.Hour))
	require.NoError(t, reg.Save(ctx, "tenant-a", "node-1", []byte("new"), time.Hour))

	got, err := reg.Get(ctx, "tenant-a", "node-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), got)
}

func TestMemoryRegistryExpiry(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	current := base
	reg.SetClock(func() time.Time { return current })

	require.NoError(t, reg.Save(ctx, "tenant-a", "node-1", []byte("addr"), time.Hour))

	current = base.Add(59 * time.Minute)
	_, err := reg.Get(ctx, "tenant-a", "node-1")
	require.NoError(t, err)

	// Exactly at expires_at the entry is no longer visible.
	current = base.Add(time.Hour)
	_, err = reg.Get(ctx, "tenant-a", "node-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryRegistryHeartbeatExtendsTTL(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	current := base
	reg.SetClock(func() time.Time { return current })

	require.NoError(t, reg.Save(ctx, "tenant-a", "node-1", []byte("addr"), time.Hour))

	// A heartbeat arriving exactly at expiry still lands.
	current = base.Add(time.Hour)
	require.NoError(t, reg.UpdateHeartbeat(ctx, "tenant-a", "node-1", time.Hour))

	current = base.Add(90 * time.Minute)
	_, err := reg.Get(ctx, "tenant-a", "node-1")
	require.NoError(t, err)

	// One tick past expiry the heartbeat is rejected.
	current = base.Add(2*time.Hour + time.Second)
	err = reg.UpdateHeartbeat(ctx, "tenant-a", "node-1", time.Hour)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryRegistryRefreshTTLMissing(t *testing.T) {
	reg := NewMemoryRegistry()
	err := reg.RefreshTTL(context.Background(), "tenant-a", "ghost", time.Hour)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryRegistryDeleteIdempotent(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry()

	require.NoError(t, reg.Save(ctx, "tenant-a", "node-1", []byte("addr"), time.Hour))
	require.NoError(t, reg.Delete(ctx, "tenant-a", "node-1"))
	require.NoError(t, reg.Delete(ctx, "tenant-a", "node-1"))

	ok, err := reg.Exists(ctx, "tenant-a", "node-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryRegistryTenantIsolation(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry()

	require.NoError(t, reg.Save(ctx, "tenant-a", "node-1", []byte("a"), time.Hour))
	require.NoError(t, reg.Save(ctx, "tenant-b", "node-1", []byte("b"), time.Hour))

	gotA, err := reg.Get(ctx, "tenant-a", "node-1")
	require.NoError(t, err)
	gotB, err := reg.Get(ctx, "tenant-b", "node-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), gotA)
	assert.Equal(t, []byte("b"), gotB)
}

func TestKeyFormat(t *testing.T) {
	assert.Equal(t, "actor_ref:tenant-a:node-1", Key("tenant-a", "node-1"))
}

// failingRegistry simulates an unreachable backend.
type failingRegistry struct{}

var errBackendDown = errors.New("connection refused")

func (failingRegistry) Save(context.Context, string, string, []byte, time.Duration) error {
	return errBackendDown
}
func (failingRegistry) Get(context.Context, string, string) ([]byte, error) {
	return nil, errBackendDown
}
func (failingRegistry) Delete(context.Context, string, string) error { return errBackendDown }
func (failingRegistry) RefreshTTL(context.Context, string, string, time.Duration) error {
	return errBackendDown
}
func (failingRegistry) UpdateHeartbeat(context.Context, string, string, time.Duration) error {
	return errBackendDown
}
func (failingRegistry) Exists(context.Context, string, string) (bool, error) {
	return false, errBackendDown
}

func TestFallbackRegistryDegradesToMemory(t *testing.T) {
	ctx := context.Background()
	reg := NewFallbackRegistry(failingRegistry{}, logger.Default())

	addr := []byte("local-ref")
	require.NoError(t, reg.Save(ctx, "tenant-a", "node-1", addr, time.Hour))

	got, err := reg.Get(ctx, "tenant-a", "node-1")
	require.NoError(t, err)
	assert.Equal(t, addr, got)

	require.NoError(t, reg.UpdateHeartbeat(ctx, "tenant-a", "node-1", time.Hour))

	ok, err := reg.Exists(ctx, "tenant-a", "node-1")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, reg.Delete(ctx, "tenant-a", "node-1"))
	_, err = reg.Get(ctx, "tenant-a", "node-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFallbackRegistryNotFoundIsAuthoritative(t *testing.T) {
	ctx := context.Background()
	primary := NewMemoryRegistry()
	reg := NewFallbackRegistry(primary, logger.Default())

	// Seed only the fallback, then confirm a healthy primary's miss wins.
	require.NoError(t, reg.fallback.Save(ctx, "tenant-a", "node-1", []byte("stale"), time.Hour))

	_, err := reg.Get(ctx, "tenant-a", "node-1")
	assert.ErrorIs(t, err, ErrNotFound)
}
