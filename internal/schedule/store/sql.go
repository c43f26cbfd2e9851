package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/taskfleet/taskfleet/internal/db"
	"github.com/taskfleet/taskfleet/internal/schedule/models"
	v1 "github.com/taskfleet/taskfleet/pkg/api/v1"
)

// SQLStore implements Store on SQLite or Postgres through a writer/reader
// pool pair. Queries use ? placeholders and are rebound per driver.
type SQLStore struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore wraps an opened pool and initializes the schema.
func NewSQLStore(pool *db.Pool) (*SQLStore, error) {
	s := &SQLStore{db: pool.Writer(), ro: pool.Reader()}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schedule schema: %w", err)
	}
	return s, nil
}

// Close is a no-op; pool lifetime is owned by the caller.
func (s *SQLStore) Close() error { return nil }

func (s *SQLStore) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS task_definitions (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '{}',
			cron_expr TEXT NOT NULL DEFAULT '',
			loop_config TEXT,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			is_temporary BOOLEAN NOT NULL DEFAULT FALSE,
			default_timeout INTEGER NOT NULL DEFAULT 0,
			last_triggered_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS scheduled_runs (
			id TEXT PRIMARY KEY,
			definition_id TEXT NOT NULL,
			trace_id TEXT NOT NULL,
			scheduled_time TIMESTAMP NOT NULL,
			schedule_type TEXT NOT NULL,
			schedule_config TEXT,
			input_params TEXT,
			round_index INTEGER NOT NULL DEFAULT 0,
			priority INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'PENDING',
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS task_instances (
			id TEXT PRIMARY KEY,
			definition_id TEXT NOT NULL,
			trace_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'PENDING',
			schedule_type TEXT NOT NULL,
			round_index INTEGER NOT NULL DEFAULT 0,
			input_params TEXT,
			output_ref TEXT NOT NULL DEFAULT '',
			error_msg TEXT NOT NULL DEFAULT '',
			depends_on TEXT,
			request_id TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMP,
			finished_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS request_traces (
			request_id TEXT NOT NULL,
			trace_id TEXT NOT NULL,
			bound_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status_time ON scheduled_runs(status, scheduled_time)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_trace ON scheduled_runs(trace_id)`,
		`CREATE INDEX IF NOT EXISTS idx_instances_trace ON task_instances(trace_id)`,
		`CREATE INDEX IF NOT EXISTS idx_instances_definition ON task_instances(definition_id)`,
		`CREATE INDEX IF NOT EXISTS idx_request_traces_request ON request_traces(request_id, bound_at)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func marshalJSON(m models.JSONMap) interface{} {
	if m == nil {
		return nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func unmarshalJSON(src sql.NullString, dst *models.JSONMap) {
	if !src.Valid || src.String == "" {
		*dst = nil
		return
	}
	_ = json.Unmarshal([]byte(src.String), dst)
}

func (s *SQLStore) CreateDefinition(ctx context.Context, def *models.TaskDefinition) error {
	now := time.Now().UTC()
	def.CreatedAt = now
	def.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO task_definitions (id, name, content, cron_expr, loop_config, is_active, is_temporary, default_timeout, last_triggered_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), def.ID, def.Name, marshalJSON(def.Content), def.CronExpr, marshalJSON(def.LoopConfig), def.IsActive, def.IsTemporary, def.DefaultTimeout, def.LastTriggeredAt, def.CreatedAt, def.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert definition: %w", err)
	}
	return nil
}

const definitionColumns = `id, name, content, cron_expr, loop_config, is_active, is_temporary, default_timeout, last_triggered_at, created_at, updated_at`

func scanDefinition(row interface{ Scan(...interface{}) error }) (*models.TaskDefinition, error) {
	def := &models.TaskDefinition{}
	var content, loopConfig sql.NullString
	var lastTriggered sql.NullTime
	err := row.Scan(&def.ID, &def.Name, &content, &def.CronExpr, &loopConfig, &def.IsActive, &def.IsTemporary, &def.DefaultTimeout, &lastTriggered, &def.CreatedAt, &def.UpdatedAt)
	if err != nil {
		return nil, err
	}
	unmarshalJSON(content, &def.Content)
	unmarshalJSON(loopConfig, &def.LoopConfig)
	if lastTriggered.Valid {
		t := lastTriggered.Time.UTC()
		def.LastTriggeredAt = &t
	}
	return def, nil
}

func (s *SQLStore) GetDefinition(ctx context.Context, id string) (*models.TaskDefinition, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(`SELECT `+definitionColumns+` FROM task_definitions WHERE id = ?`), id)
	def, err := scanDefinition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read definition: %w", err)
	}
	return def, nil
}

func (s *SQLStore) queryDefinitions(ctx context.Context, query string, args ...interface{}) ([]*models.TaskDefinition, error) {
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list definitions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.TaskDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, rows.Err()
}

func (s *SQLStore) ListDefinitions(ctx context.Context) ([]*models.TaskDefinition, error) {
	return s.queryDefinitions(ctx, `SELECT `+definitionColumns+` FROM task_definitions ORDER BY created_at`)
}

func (s *SQLStore) ListActiveCron(ctx context.Context) ([]*models.TaskDefinition, error) {
	return s.queryDefinitions(ctx, `SELECT `+definitionColumns+` FROM task_definitions WHERE is_active = ? AND cron_expr != '' ORDER BY id`, true)
}

func (s *SQLStore) UpdateLastTriggeredAt(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE task_definitions SET last_triggered_at = ?, updated_at = ? WHERE id = ?
	`), at.UTC(), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update last_triggered_at: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) SetDefinitionActive(ctx context.Context, id string, active bool) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE task_definitions SET is_active = ?, updated_at = ? WHERE id = ?
	`), active, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update definition: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) DeleteDefinition(ctx context.Context, id string) error {
	var live int
	err := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT
			(SELECT COUNT(*) FROM scheduled_runs WHERE definition_id = ? AND status NOT IN ('SUCCESS', 'FAILED', 'CANCELLED')) +
			(SELECT COUNT(*) FROM task_instances WHERE definition_id = ? AND status NOT IN ('SUCCESS', 'FAILED', 'CANCELLED'))
	`), id, id).Scan(&live)
	if err != nil {
		return fmt.Errorf("failed to check definition references: %w", err)
	}
	if live > 0 {
		return ErrDefinitionInUse
	}

	result, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM task_definitions WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete definition: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) ListIdleTemporaryDefinitions(ctx context.Context, cutoff time.Time) ([]*models.TaskDefinition, error) {
	return s.queryDefinitions(ctx, `
		SELECT `+definitionColumns+` FROM task_definitions d
		WHERE d.is_temporary = ? AND d.updated_at < ?
		AND NOT EXISTS (SELECT 1 FROM scheduled_runs r WHERE r.definition_id = d.id AND r.status NOT IN ('SUCCESS', 'FAILED', 'CANCELLED'))
		AND NOT EXISTS (SELECT 1 FROM task_instances i WHERE i.definition_id = d.id AND i.status NOT IN ('SUCCESS', 'FAILED', 'CANCELLED'))
	`, true, cutoff.UTC())
}

func (s *SQLStore) CreateRun(ctx context.Context, run *models.ScheduledRun) error {
	now := time.Now().UTC()
	run.CreatedAt = now
	run.UpdatedAt = now
	if run.Status == "" {
		run.Status = v1.RunStatusPending
	}

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO scheduled_runs (id, definition_id, trace_id, scheduled_time, schedule_type, schedule_config, input_params, round_index, priority, status, retry_count, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), run.ID, run.DefinitionID, run.TraceID, run.ScheduledTime.UTC(), run.ScheduleType, marshalJSON(run.ScheduleConfig), marshalJSON(run.InputParams), run.RoundIndex, run.Priority, run.Status, run.RetryCount, run.LastError, run.CreatedAt, run.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert scheduled run: %w", err)
	}
	return nil
}

const runColumns = `id, definition_id, trace_id, scheduled_time, schedule_type, schedule_config, input_params, round_index, priority, status, retry_count, last_error, created_at, updated_at`

func scanRun(row interface{ Scan(...interface{}) error }) (*models.ScheduledRun, error) {
	run := &models.ScheduledRun{}
	var config, params sql.NullString
	err := row.Scan(&run.ID, &run.DefinitionID, &run.TraceID, &run.ScheduledTime, &run.ScheduleType, &config, &params, &run.RoundIndex, &run.Priority, &run.Status, &run.RetryCount, &run.LastError, &run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}
	unmarshalJSON(config, &run.ScheduleConfig)
	unmarshalJSON(params, &run.InputParams)
	run.ScheduledTime = run.ScheduledTime.UTC()
	return run, nil
}

func (s *SQLStore) GetRun(ctx context.Context, id string) (*models.ScheduledRun, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(`SELECT `+runColumns+` FROM scheduled_runs WHERE id = ?`), id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read scheduled run: %w", err)
	}
	return run, nil
}

func (s *SQLStore) queryRuns(ctx context.Context, query string, args ...interface{}) ([]*models.ScheduledRun, error) {
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list scheduled runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.ScheduledRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func (s *SQLStore) GetPending(ctx context.Context, before time.Time, limit int) ([]*models.ScheduledRun, error) {
	return s.queryRuns(ctx, `
		SELECT `+runColumns+` FROM scheduled_runs
		WHERE status = ? AND scheduled_time <= ?
		ORDER BY priority DESC, scheduled_time ASC
		LIMIT ?
	`, v1.RunStatusPending, before.UTC(), limit)
}

func (s *SQLStore) UpdateRunStatus(ctx context.Context, id string, to v1.RunStatus) error {
	run, err := s.GetRun(ctx, id)
	if err != nil {
		return err
	}
	if !models.CanTransition(run.Status, to) {
		return ErrInvalidTransition
	}

	// Compare-and-set on the old status keeps concurrent scanners from
	// claiming the same run twice.
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE scheduled_runs SET status = ?, updated_at = ? WHERE id = ? AND status = ?
	`), to, time.Now().UTC(), id, run.Status)
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrInvalidTransition
	}
	return nil
}

func (s *SQLStore) RecordRetry(ctx context.Context, id string, errText string, nextAttempt time.Time) error {
	query := `UPDATE scheduled_runs SET retry_count = retry_count + 1, last_error = ?, updated_at = ? WHERE id = ?`
	args := []interface{}{errText, time.Now().UTC(), id}
	if !nextAttempt.IsZero() {
		query = `UPDATE scheduled_runs SET retry_count = retry_count + 1, last_error = ?, scheduled_time = ?, updated_at = ? WHERE id = ?`
		args = []interface{}{errText, nextAttempt, time.Now().UTC(), id}
	}
	result, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("failed to record retry: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) ListRunsByTrace(ctx context.Context, traceID string) ([]*models.ScheduledRun, error) {
	return s.queryRuns(ctx, `SELECT `+runColumns+` FROM scheduled_runs WHERE trace_id = ? ORDER BY round_index, created_at`, traceID)
}

func (s *SQLStore) UpdateRunInputs(ctx context.Context, id string, params, config models.JSONMap) error {
	run, err := s.GetRun(ctx, id)
	if err != nil {
		return err
	}
	if run.Status == v1.RunStatusDispatched || run.Status.Terminal() {
		return ErrInvalidTransition
	}
	if params == nil {
		params = run.InputParams
	}
	if config == nil {
		config = run.ScheduleConfig
	}

	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE scheduled_runs SET input_params = ?, schedule_config = ?, updated_at = ?
		WHERE id = ? AND status NOT IN ('DISPATCHED', 'SUCCESS', 'FAILED', 'CANCELLED')
	`), marshalJSON(params), marshalJSON(config), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update run inputs: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrInvalidTransition
	}
	return nil
}

func (s *SQLStore) CancelTrace(ctx context.Context, traceID string) (int, error) {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE scheduled_runs SET status = ?, updated_at = ?
		WHERE trace_id = ? AND status NOT IN ('SUCCESS', 'FAILED', 'CANCELLED')
	`), v1.RunStatusCancelled, time.Now().UTC(), traceID)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel trace runs: %w", err)
	}
	rows, _ := result.RowsAffected()
	return int(rows), nil
}

func (s *SQLStore) CreateInstance(ctx context.Context, instance *models.TaskInstance) error {
	now := time.Now().UTC()
	instance.CreatedAt = now
	instance.UpdatedAt = now
	if instance.Status == "" {
		instance.Status = v1.InstanceStatusPending
	}

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO task_instances (id, definition_id, trace_id, status, schedule_type, round_index, input_params, output_ref, error_msg, depends_on, request_id, started_at, finished_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), instance.ID, instance.DefinitionID, instance.TraceID, instance.Status, instance.ScheduleType, instance.RoundIndex, marshalJSON(instance.InputParams), instance.OutputRef, instance.ErrorMsg, marshalJSON(instance.DependsOn), instance.RequestID, instance.StartedAt, instance.FinishedAt, instance.CreatedAt, instance.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert task instance: %w", err)
	}
	return nil
}

const instanceColumns = `id, definition_id, trace_id, status, schedule_type, round_index, input_params, output_ref, error_msg, depends_on, request_id, started_at, finished_at, created_at, updated_at`

func scanInstance(row interface{ Scan(...interface{}) error }) (*models.TaskInstance, error) {
	instance := &models.TaskInstance{}
	var params, dependsOn sql.NullString
	var startedAt, finishedAt sql.NullTime
	err := row.Scan(&instance.ID, &instance.DefinitionID, &instance.TraceID, &instance.Status, &instance.ScheduleType, &instance.RoundIndex, &params, &instance.OutputRef, &instance.ErrorMsg, &dependsOn, &instance.RequestID, &startedAt, &finishedAt, &instance.CreatedAt, &instance.UpdatedAt)
	if err != nil {
		return nil, err
	}
	unmarshalJSON(params, &instance.InputParams)
	unmarshalJSON(dependsOn, &instance.DependsOn)
	if startedAt.Valid {
		t := startedAt.Time.UTC()
		instance.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time.UTC()
		instance.FinishedAt = &t
	}
	return instance, nil
}

func (s *SQLStore) GetInstance(ctx context.Context, id string) (*models.TaskInstance, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(`SELECT `+instanceColumns+` FROM task_instances WHERE id = ?`), id)
	instance, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read task instance: %w", err)
	}
	return instance, nil
}

func (s *SQLStore) ListInstancesByTrace(ctx context.Context, traceID string) ([]*models.TaskInstance, error) {
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT `+instanceColumns+` FROM task_instances WHERE trace_id = ? ORDER BY round_index, created_at
	`), traceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list task instances: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.TaskInstance
	for rows.Next() {
		instance, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, instance)
	}
	return out, rows.Err()
}

func (s *SQLStore) UpdateInstanceStatus(ctx context.Context, id string, status v1.InstanceStatus, errMsg string) error {
	instance, err := s.GetInstance(ctx, id)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	startedAt := instance.StartedAt
	if status == v1.InstanceStatusRunning && startedAt == nil {
		startedAt = &now
	}
	var finishedAt *time.Time
	if status.Terminal() {
		finishedAt = &now
	}

	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE task_instances SET status = ?, error_msg = ?, started_at = ?, finished_at = ?, updated_at = ? WHERE id = ?
	`), status, errMsg, startedAt, finishedAt, now, id)
	if err != nil {
		return fmt.Errorf("failed to update instance status: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) UpdateInstanceParams(ctx context.Context, id string, params models.JSONMap) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE task_instances SET input_params = ?, updated_at = ?
		WHERE id = ? AND status NOT IN ('DISPATCHED', 'SUCCESS', 'FAILED', 'CANCELLED')
	`), marshalJSON(params), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update instance params: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrInvalidTransition
	}
	return nil
}

func (s *SQLStore) CancelTraceInstances(ctx context.Context, traceID string) (int, error) {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE task_instances SET status = ?, finished_at = ?, updated_at = ?
		WHERE trace_id = ? AND status NOT IN ('SUCCESS', 'FAILED', 'CANCELLED')
	`), v1.InstanceStatusCancelled, now, now, traceID)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel trace instances: %w", err)
	}
	rows, _ := result.RowsAffected()
	return int(rows), nil
}

func (s *SQLStore) BindRequestID(ctx context.Context, requestID, traceID string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO request_traces (request_id, trace_id, bound_at) VALUES (?, ?, ?)
	`), requestID, traceID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to bind request id: %w", err)
	}
	return nil
}

func (s *SQLStore) LatestTraceForRequest(ctx context.Context, requestID string) (string, error) {
	var traceID string
	err := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT trace_id FROM request_traces WHERE request_id = ? ORDER BY bound_at DESC LIMIT 1
	`), requestID).Scan(&traceID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve request id: %w", err)
	}
	return traceID, nil
}
