package control

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	v1 "github.com/taskfleet/taskfleet/pkg/api/v1"
)

// RedisStore keeps signals in Redis so every process in the fleet observes
// the same cancel/pause/resume state.
type RedisStore struct {
	client *redis.Client
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a Redis-backed signal store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Set overwrites the current signal for (scope, id).
func (s *RedisStore) Set(ctx context.Context, scope Scope, id string, signal v1.ControlSignal) error {
	if err := s.client.Set(ctx, key(scope, id), string(signal), signalTTL).Err(); err != nil {
		return fmt.Errorf("failed to set control signal: %w", err)
	}
	return nil
}

// Get returns the task-scoped signal if present, else the trace-scoped one.
func (s *RedisStore) Get(ctx context.Context, traceID, taskID string) (v1.ControlSignal, bool, error) {
	if taskID != "" {
		signal, ok, err := s.lookup(ctx, key(ScopeTask, taskID))
		if err != nil || ok {
			return signal, ok, err
		}
	}
	if traceID != "" {
		return s.lookup(ctx, key(ScopeTrace, traceID))
	}
	return "", false, nil
}

// Clear removes a scoped signal. Idempotent.
func (s *RedisStore) Clear(ctx context.Context, scope Scope, id string) error {
	if err := s.client.Del(ctx, key(scope, id)).Err(); err != nil {
		return fmt.Errorf("failed to clear control signal: %w", err)
	}
	return nil
}

func (s *RedisStore) lookup(ctx context.Context, k string) (v1.ControlSignal, bool, error) {
	value, err := s.client.Get(ctx, k).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read control signal: %w", err)
	}
	return v1.ControlSignal(value), true, nil
}
