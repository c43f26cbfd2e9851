package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/taskfleet/taskfleet/internal/common/logger"
)

// RedisRegistry implements Registry on a Redis key space. TTL semantics are
// delegated to Redis key expiry (SET PX), so expired entries simply stop
// existing; no lazy deletion is needed.
type RedisRegistry struct {
	client *redis.Client
	logger *logger.Logger
}

var _ Registry = (*RedisRegistry)(nil)

// NewRedisRegistry creates a Redis-backed registry.
func NewRedisRegistry(client *redis.Client, log *logger.Logger) *RedisRegistry {
	return &RedisRegistry{
		client: client,
		logger: log.WithFields(zap.String("component", "redis-registry")),
	}
}

// Save overwrites any prior entry with a fresh TTL.
func (r *RedisRegistry) Save(ctx context.Context, tenantID, nodeID string, address []byte, ttl time.Duration) error {
	now := time.Now().UTC()
	entry := Entry{
		Address:       address,
		CreatedAt:     now,
		ExpiresAt:     now.Add(ttl),
		LastHeartbeat: now,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode registry entry: %w", err)
	}
	if err := r.client.Set(ctx, Key(tenantID, nodeID), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save registry entry: %w", err)
	}
	return nil
}

// Get returns the stored address; expiry is handled by Redis.
func (r *RedisRegistry) Get(ctx context.Context, tenantID, nodeID string) ([]byte, error) {
	data, err := r.client.Get(ctx, Key(tenantID, nodeID)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read registry entry: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to decode registry entry: %w", err)
	}
	return entry.Address, nil
}

// Delete removes the entry. Idempotent.
func (r *RedisRegistry) Delete(ctx context.Context, tenantID, nodeID string) error {
	if err := r.client.Del(ctx, Key(tenantID, nodeID)).Err(); err != nil {
		return fmt.Errorf("failed to delete registry entry: %w", err)
	}
	return nil
}

// RefreshTTL extends the key expiry without rewriting the entry.
func (r *RedisRegistry) RefreshTTL(ctx context.Context, tenantID, nodeID string, ttl time.Duration) error {
	ok, err := r.client.Expire(ctx, Key(tenantID, nodeID), ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to refresh registry TTL: %w", err)
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// UpdateHeartbeat rewrites the entry with a touched last_heartbeat and a
// fresh TTL.
func (r *RedisRegistry) UpdateHeartbeat(ctx context.Context, tenantID, nodeID string, ttl time.Duration) error {
	key := Key(tenantID, nodeID)
	data, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read registry entry: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return fmt.Errorf("failed to decode registry entry: %w", err)
	}
	now := time.Now().UTC()
	entry.LastHeartbeat = now
	entry.ExpiresAt = now.Add(ttl)

	updated, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode registry entry: %w", err)
	}
	if err := r.client.Set(ctx, key, updated, ttl).Err(); err != nil {
		return fmt.Errorf("failed to update registry entry: %w", err)
	}
	return nil
}

// Exists reports whether a valid entry is present.
func (r *RedisRegistry) Exists(ctx context.Context, tenantID, nodeID string) (bool, error) {
	n, err := r.client.Exists(ctx, Key(tenantID, nodeID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check registry entry: %w", err)
	}
	return n > 0, nil
}
