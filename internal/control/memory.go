package control

import (
	"context"
	"sync"
	"time"

	v1 "github.com/taskfleet/taskfleet/pkg/api/v1"
)

// MemoryStore keeps signals in a process-local map. Entries expire lazily.
type MemoryStore struct {
	signals map[string]memoryEntry
	mu      sync.Mutex
	now     func() time.Time
}

type memoryEntry struct {
	signal    v1.ControlSignal
	expiresAt time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory signal store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		signals: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// SetClock overrides the time source, for tests.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Set overwrites the current signal for (scope, id).
func (s *MemoryStore) Set(ctx context.Context, scope Scope, id string, signal v1.ControlSignal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signals[key(scope, id)] = memoryEntry{
		signal:    signal,
		expiresAt: s.now().UTC().Add(signalTTL),
	}
	return nil
}

// Get returns the task-scoped signal if present, else the trace-scoped one.
func (s *MemoryStore) Get(ctx context.Context, traceID, taskID string) (v1.ControlSignal, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if taskID != "" {
		if signal, ok := s.lookup(key(ScopeTask, taskID)); ok {
			return signal, true, nil
		}
	}
	if traceID != "" {
		if signal, ok := s.lookup(key(ScopeTrace, traceID)); ok {
			return signal, true, nil
		}
	}
	return "", false, nil
}

// Clear removes a scoped signal. Idempotent.
func (s *MemoryStore) Clear(ctx context.Context, scope Scope, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.signals, key(scope, id))
	return nil
}

func (s *MemoryStore) lookup(k string) (v1.ControlSignal, bool) {
	entry, ok := s.signals[k]
	if !ok {
		return "", false
	}
	if !s.now().UTC().Before(entry.expiresAt) {
		delete(s.signals, k)
		return "", false
	}
	return entry.signal, true
}
