// Package models defines the durable records of the scheduling subsystem:
// task definitions, scheduled runs, and task instances.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	v1 "github.com/taskfleet/taskfleet/pkg/api/v1"
)

// JSONMap stores a JSON object column as a Go map.
type JSONMap map[string]interface{}

// Value serializes the map for storage.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan deserializes a JSON object column.
func (m *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*m = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported type for JSONMap: %T", value)
	}
	if len(data) == 0 {
		*m = nil
		return nil
	}
	return json.Unmarshal(data, m)
}

// TaskDefinition is a reusable task template. Immutable after creation except
// for IsActive and LastTriggeredAt.
type TaskDefinition struct {
	ID              string       `json:"id" db:"id"`
	Name            string       `json:"name" db:"name"`
	Content         JSONMap      `json:"content" db:"content"`
	CronExpr        string       `json:"cron_expr,omitempty" db:"cron_expr"`
	LoopConfig      JSONMap      `json:"loop_config,omitempty" db:"loop_config"`
	IsActive        bool         `json:"is_active" db:"is_active"`
	IsTemporary     bool         `json:"is_temporary" db:"is_temporary"`
	DefaultTimeout  int          `json:"default_timeout,omitempty" db:"default_timeout"`
	LastTriggeredAt *time.Time   `json:"last_triggered_at,omitempty" db:"last_triggered_at"`
	CreatedAt       time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at" db:"updated_at"`
}

// Loop decodes the definition's loop config, if any.
func (d *TaskDefinition) Loop() (v1.LoopConfig, bool) {
	if d.LoopConfig == nil {
		return v1.LoopConfig{}, false
	}
	var cfg v1.LoopConfig
	data, err := json.Marshal(d.LoopConfig)
	if err != nil {
		return v1.LoopConfig{}, false
	}
	if err := json.Unmarshal(data, &cfg); err != nil || cfg.MaxRounds <= 0 {
		return v1.LoopConfig{}, false
	}
	return cfg, true
}

// ScheduledRun is a concrete future execution of a definition.
type ScheduledRun struct {
	ID             string       `json:"id" db:"id"`
	DefinitionID   string       `json:"definition_id" db:"definition_id"`
	TraceID        string       `json:"trace_id" db:"trace_id"`
	ScheduledTime  time.Time    `json:"scheduled_time" db:"scheduled_time"`
	ScheduleType   v1.ScheduleType `json:"schedule_type" db:"schedule_type"`
	ScheduleConfig JSONMap      `json:"schedule_config,omitempty" db:"schedule_config"`
	InputParams    JSONMap      `json:"input_params,omitempty" db:"input_params"`
	RoundIndex     int          `json:"round_index" db:"round_index"`
	Priority       int          `json:"priority" db:"priority"`
	Status         v1.RunStatus `json:"status" db:"status"`
	RetryCount     int          `json:"retry_count" db:"retry_count"`
	LastError      string       `json:"last_error,omitempty" db:"last_error"`
	CreatedAt      time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at" db:"updated_at"`
}

// MaxRetries returns the run's retry budget from its schedule config, or the
// default.
func (r *ScheduledRun) MaxRetries() int {
	if r.ScheduleConfig != nil {
		if raw, ok := r.ScheduleConfig["retry_policy"]; ok {
			if policy, ok := raw.(map[string]interface{}); ok {
				if n, ok := policy["max_retries"].(float64); ok && n >= 0 {
					return int(n)
				}
			}
		}
	}
	return v1.DefaultMaxRetries
}

// TaskInstance is the runtime counterpart of a scheduled run.
type TaskInstance struct {
	ID           string            `json:"id" db:"id"`
	DefinitionID string            `json:"definition_id" db:"definition_id"`
	TraceID      string            `json:"trace_id" db:"trace_id"`
	Status       v1.InstanceStatus `json:"status" db:"status"`
	ScheduleType v1.ScheduleType   `json:"schedule_type" db:"schedule_type"`
	RoundIndex   int               `json:"round_index" db:"round_index"`
	InputParams  JSONMap           `json:"input_params,omitempty" db:"input_params"`
	OutputRef    string            `json:"output_ref,omitempty" db:"output_ref"`
	ErrorMsg     string            `json:"error_msg,omitempty" db:"error_msg"`
	DependsOn    JSONMap           `json:"depends_on,omitempty" db:"depends_on"`
	RequestID    string            `json:"request_id,omitempty" db:"request_id"`
	StartedAt    *time.Time        `json:"started_at,omitempty" db:"started_at"`
	FinishedAt   *time.Time        `json:"finished_at,omitempty" db:"finished_at"`
	CreatedAt    time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at" db:"updated_at"`
}

// CanTransition validates a scheduled run status change against the guarded
// transition table. Everything not listed is rejected.
func CanTransition(from, to v1.RunStatus) bool {
	switch {
	case from == v1.RunStatusPending && to == v1.RunStatusScheduled:
		return true
	case from == v1.RunStatusScheduled && to == v1.RunStatusDispatched:
		return true
	case from == v1.RunStatusScheduled && to == v1.RunStatusPending:
		return true
	case from == v1.RunStatusDispatched && to.Terminal():
		return true
	case !from.Terminal() && to == v1.RunStatusCancelled:
		return true
	}
	return false
}
