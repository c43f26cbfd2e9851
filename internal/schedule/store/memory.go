package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/taskfleet/taskfleet/internal/schedule/models"
	v1 "github.com/taskfleet/taskfleet/pkg/api/v1"
)

// MemoryStore is the in-process Store used by tests and single-node
// deployments that opt out of SQL persistence.
type MemoryStore struct {
	definitions map[string]*models.TaskDefinition
	runs        map[string]*models.ScheduledRun
	instances   map[string]*models.TaskInstance
	requestIDs  map[string][]requestBinding
	mu          sync.Mutex
	now         func() time.Time
}

type requestBinding struct {
	traceID string
	boundAt time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		definitions: make(map[string]*models.TaskDefinition),
		runs:        make(map[string]*models.ScheduledRun),
		instances:   make(map[string]*models.TaskInstance),
		requestIDs:  make(map[string][]requestBinding),
		now:         time.Now,
	}
}

// SetClock overrides the time source, for tests.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) CreateDefinition(ctx context.Context, def *models.TaskDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	def.CreatedAt = now
	def.UpdatedAt = now
	clone := *def
	s.definitions[def.ID] = &clone
	return nil
}

func (s *MemoryStore) GetDefinition(ctx context.Context, id string) (*models.TaskDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	def, ok := s.definitions[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *def
	return &clone, nil
}

func (s *MemoryStore) ListDefinitions(ctx context.Context) ([]*models.TaskDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.TaskDefinition, 0, len(s.definitions))
	for _, def := range s.definitions {
		clone := *def
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ListActiveCron(ctx context.Context) ([]*models.TaskDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.TaskDefinition
	for _, def := range s.definitions {
		if def.IsActive && def.CronExpr != "" {
			clone := *def
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) UpdateLastTriggeredAt(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	def, ok := s.definitions[id]
	if !ok {
		return ErrNotFound
	}
	at = at.UTC()
	def.LastTriggeredAt = &at
	def.UpdatedAt = s.now().UTC()
	return nil
}

func (s *MemoryStore) SetDefinitionActive(ctx context.Context, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	def, ok := s.definitions[id]
	if !ok {
		return ErrNotFound
	}
	def.IsActive = active
	def.UpdatedAt = s.now().UTC()
	return nil
}

func (s *MemoryStore) DeleteDefinition(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.definitions[id]; !ok {
		return ErrNotFound
	}
	for _, run := range s.runs {
		if run.DefinitionID == id && !run.Status.Terminal() {
			return ErrDefinitionInUse
		}
	}
	for _, instance := range s.instances {
		if instance.DefinitionID == id && !instance.Status.Terminal() {
			return ErrDefinitionInUse
		}
	}
	delete(s.definitions, id)
	return nil
}

func (s *MemoryStore) ListIdleTemporaryDefinitions(ctx context.Context, cutoff time.Time) ([]*models.TaskDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.TaskDefinition
	for _, def := range s.definitions {
		if !def.IsTemporary || !def.UpdatedAt.Before(cutoff) {
			continue
		}
		idle := true
		for _, run := range s.runs {
			if run.DefinitionID == def.ID && !run.Status.Terminal() {
				idle = false
				break
			}
		}
		if idle {
			for _, instance := range s.instances {
				if instance.DefinitionID == def.ID && !instance.Status.Terminal() {
					idle = false
					break
				}
			}
		}
		if idle {
			clone := *def
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (s *MemoryStore) CreateRun(ctx context.Context, run *models.ScheduledRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	run.CreatedAt = now
	run.UpdatedAt = now
	if run.Status == "" {
		run.Status = v1.RunStatusPending
	}
	clone := *run
	s.runs[run.ID] = &clone
	return nil
}

func (s *MemoryStore) GetRun(ctx context.Context, id string) (*models.ScheduledRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *run
	return &clone, nil
}

func (s *MemoryStore) GetPending(ctx context.Context, before time.Time, limit int) ([]*models.ScheduledRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*models.ScheduledRun
	for _, run := range s.runs {
		if run.Status == v1.RunStatusPending && !run.ScheduledTime.After(before) {
			clone := *run
			due = append(due, &clone)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].Priority != due[j].Priority {
			return due[i].Priority > due[j].Priority
		}
		return due[i].ScheduledTime.Before(due[j].ScheduledTime)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *MemoryStore) UpdateRunStatus(ctx context.Context, id string, to v1.RunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return ErrNotFound
	}
	if !models.CanTransition(run.Status, to) {
		return ErrInvalidTransition
	}
	run.Status = to
	run.UpdatedAt = s.now().UTC()
	return nil
}

func (s *MemoryStore) RecordRetry(ctx context.Context, id string, errText string, nextAttempt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return ErrNotFound
	}
	run.RetryCount++
	run.LastError = errText
	if !nextAttempt.IsZero() {
		run.ScheduledTime = nextAttempt
	}
	run.UpdatedAt = s.now().UTC()
	return nil
}

func (s *MemoryStore) ListRunsByTrace(ctx context.Context, traceID string) ([]*models.ScheduledRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.ScheduledRun
	for _, run := range s.runs {
		if run.TraceID == traceID {
			clone := *run
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoundIndex < out[j].RoundIndex })
	return out, nil
}

func (s *MemoryStore) UpdateRunInputs(ctx context.Context, id string, params, config models.JSONMap) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return ErrNotFound
	}
	if run.Status == v1.RunStatusDispatched || run.Status.Terminal() {
		return ErrInvalidTransition
	}
	if params != nil {
		run.InputParams = params
	}
	if config != nil {
		run.ScheduleConfig = config
	}
	run.UpdatedAt = s.now().UTC()
	return nil
}

func (s *MemoryStore) CancelTrace(ctx context.Context, traceID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := 0
	now := s.now().UTC()
	for _, run := range s.runs {
		if run.TraceID == traceID && !run.Status.Terminal() {
			run.Status = v1.RunStatusCancelled
			run.UpdatedAt = now
			changed++
		}
	}
	return changed, nil
}

func (s *MemoryStore) CreateInstance(ctx context.Context, instance *models.TaskInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	instance.CreatedAt = now
	instance.UpdatedAt = now
	if instance.Status == "" {
		instance.Status = v1.InstanceStatusPending
	}
	clone := *instance
	s.instances[instance.ID] = &clone
	return nil
}

func (s *MemoryStore) GetInstance(ctx context.Context, id string) (*models.TaskInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	instance, ok := s.instances[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *instance
	return &clone, nil
}

func (s *MemoryStore) ListInstancesByTrace(ctx context.Context, traceID string) ([]*models.TaskInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.TaskInstance
	for _, instance := range s.instances {
		if instance.TraceID == traceID {
			clone := *instance
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoundIndex < out[j].RoundIndex })
	return out, nil
}

func (s *MemoryStore) UpdateInstanceStatus(ctx context.Context, id string, status v1.InstanceStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	instance, ok := s.instances[id]
	if !ok {
		return ErrNotFound
	}
	now := s.now().UTC()
	if status == v1.InstanceStatusRunning && instance.StartedAt == nil {
		startedAt := now
		instance.StartedAt = &startedAt
	}
	// finished_at is set iff the instance is terminal.
	if status.Terminal() {
		finishedAt := now
		instance.FinishedAt = &finishedAt
	} else {
		instance.FinishedAt = nil
	}
	instance.Status = status
	instance.ErrorMsg = errMsg
	instance.UpdatedAt = now
	return nil
}

func (s *MemoryStore) UpdateInstanceParams(ctx context.Context, id string, params models.JSONMap) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	instance, ok := s.instances[id]
	if !ok {
		return ErrNotFound
	}
	if instance.Status == v1.InstanceStatusDispatched || instance.Status.Terminal() {
		return ErrInvalidTransition
	}
	instance.InputParams = params
	instance.UpdatedAt = s.now().UTC()
	return nil
}

func (s *MemoryStore) CancelTraceInstances(ctx context.Context, traceID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := 0
	now := s.now().UTC()
	for _, instance := range s.instances {
		if instance.TraceID == traceID && !instance.Status.Terminal() {
			instance.Status = v1.InstanceStatusCancelled
			finishedAt := now
			instance.FinishedAt = &finishedAt
			instance.UpdatedAt = now
			changed++
		}
	}
	return changed, nil
}

func (s *MemoryStore) BindRequestID(ctx context.Context, requestID, traceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requestIDs[requestID] = append(s.requestIDs[requestID], requestBinding{
		traceID: traceID,
		boundAt: s.now().UTC(),
	})
	return nil
}

func (s *MemoryStore) LatestTraceForRequest(ctx context.Context, requestID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bindings := s.requestIDs[requestID]
	if len(bindings) == 0 {
		return "", ErrNotFound
	}
	return bindings[len(bindings)-1].traceID, nil
}

func (s *MemoryStore) Close() error { return nil }
