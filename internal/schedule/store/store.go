// Package store persists the scheduling subsystem's records: definitions,
// scheduled runs, task instances, and request-id bindings.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/taskfleet/taskfleet/internal/schedule/models"
	v1 "github.com/taskfleet/taskfleet/pkg/api/v1"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrInvalidTransition is returned when a status change violates the
	// guarded transition table.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrDefinitionInUse is returned when deleting a definition that still has
	// live runs or instances.
	ErrDefinitionInUse = errors.New("definition still referenced by live runs")
)

// Store is the schedule persistence contract. PENDING→SCHEDULED claims must
// be atomic so concurrent scanners never double-dispatch a run.
type Store interface {
	// Definitions.
	CreateDefinition(ctx context.Context, def *models.TaskDefinition) error
	GetDefinition(ctx context.Context, id string) (*models.TaskDefinition, error)
	ListDefinitions(ctx context.Context) ([]*models.TaskDefinition, error)
	ListActiveCron(ctx context.Context) ([]*models.TaskDefinition, error)
	UpdateLastTriggeredAt(ctx context.Context, id string, at time.Time) error
	SetDefinitionActive(ctx context.Context, id string, active bool) error
	DeleteDefinition(ctx context.Context, id string) error
	// ListIdleTemporaryDefinitions returns temporary definitions whose every
	// run and instance is terminal and whose last update is older than cutoff.
	ListIdleTemporaryDefinitions(ctx context.Context, cutoff time.Time) ([]*models.TaskDefinition, error)

	// Scheduled runs.
	CreateRun(ctx context.Context, run *models.ScheduledRun) error
	GetRun(ctx context.Context, id string) (*models.ScheduledRun, error)
	// GetPending returns PENDING runs with scheduled_time <= before, ordered
	// by priority descending then scheduled_time ascending.
	GetPending(ctx context.Context, before time.Time, limit int) ([]*models.ScheduledRun, error)
	// UpdateRunStatus applies a guarded transition; ErrInvalidTransition when
	// the current status does not admit the change.
	UpdateRunStatus(ctx context.Context, id string, to v1.RunStatus) error
	// RecordRetry increments retry_count and records the failure; a non-zero
	// nextAttempt also pushes scheduled_time so the scanner honors the
	// retry's backoff delay.
	RecordRetry(ctx context.Context, id string, errText string, nextAttempt time.Time) error
	ListRunsByTrace(ctx context.Context, traceID string) ([]*models.ScheduledRun, error)
	// UpdateRunInputs patches input_params and/or schedule_config on a run
	// that has not been dispatched yet.
	UpdateRunInputs(ctx context.Context, id string, params, config models.JSONMap) error
	// CancelTrace moves every non-terminal run of the trace to CANCELLED and
	// returns how many rows changed.
	CancelTrace(ctx context.Context, traceID string) (int, error)

	// Task instances.
	CreateInstance(ctx context.Context, instance *models.TaskInstance) error
	GetInstance(ctx context.Context, id string) (*models.TaskInstance, error)
	ListInstancesByTrace(ctx context.Context, traceID string) ([]*models.TaskInstance, error)
	// UpdateInstanceStatus transitions the instance; finished_at is stamped
	// iff the new status is terminal.
	UpdateInstanceStatus(ctx context.Context, id string, status v1.InstanceStatus, errMsg string) error
	UpdateInstanceParams(ctx context.Context, id string, params models.JSONMap) error
	CancelTraceInstances(ctx context.Context, traceID string) (int, error)

	// Request-id bindings.
	BindRequestID(ctx context.Context, requestID, traceID string) error
	// LatestTraceForRequest returns the most recently bound trace id.
	LatestTraceForRequest(ctx context.Context, requestID string) (string, error)

	Close() error
}
