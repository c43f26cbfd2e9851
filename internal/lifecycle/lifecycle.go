// Package lifecycle is the HTTP-facing service tier: it creates and triggers
// task definitions, materializes ad-hoc tasks, and applies trace-level
// control (cancel, pause, resume, modify).
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskfleet/taskfleet/internal/broker"
	"github.com/taskfleet/taskfleet/internal/common/logger"
	"github.com/taskfleet/taskfleet/internal/control"
	"github.com/taskfleet/taskfleet/internal/events"
	"github.com/taskfleet/taskfleet/internal/schedule/models"
	"github.com/taskfleet/taskfleet/internal/schedule/scheduler"
	"github.com/taskfleet/taskfleet/internal/schedule/store"
	v1 "github.com/taskfleet/taskfleet/pkg/api/v1"
)

var (
	// ErrValidation marks caller errors; the HTTP layer maps it to 4xx.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound is re-exported so handlers need not import the store.
	ErrNotFound = store.ErrNotFound
)

func validationErr(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Service drives definition and trace lifecycle. It is the scanner's
// DefinitionTrigger: cron definitions fire through TriggerDefinition.
type Service struct {
	store     store.Store
	scheduler *scheduler.Scheduler
	ctl       control.Store
	broker    broker.Broker
	bus       *events.Bus
	logger    *logger.Logger
	now       func() time.Time
}

// New creates the lifecycle service.
func New(st store.Store, sched *scheduler.Scheduler, ctl control.Store, br broker.Broker, bus *events.Bus, log *logger.Logger) *Service {
	return &Service{
		store:     st,
		scheduler: sched,
		ctl:       ctl,
		broker:    br,
		bus:       bus,
		logger:    log.WithFields(zap.String("component", "lifecycle")),
		now:       time.Now,
	}
}

// SetClock overrides the time source, for tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// CreateDefinitionRequest carries the POST /definitions body.
type CreateDefinitionRequest struct {
	Name           string                 `json:"name"`
	Content        map[string]interface{} `json:"content"`
	CronExpr       string                 `json:"cron_expr,omitempty"`
	LoopConfig     map[string]interface{} `json:"loop_config,omitempty"`
	IsActive       *bool                  `json:"is_active,omitempty"`
	IsTemporary    bool                   `json:"is_temporary,omitempty"`
	DefaultTimeout int                    `json:"default_timeout,omitempty"`
}

// CreateDefinition validates and persists a definition. Invalid cron
// expressions are rejected here, before anything is stored.
func (s *Service) CreateDefinition(ctx context.Context, req CreateDefinitionRequest) (*models.TaskDefinition, error) {
	if req.Name == "" {
		return nil, validationErr("name is required")
	}
	if len(req.Content) == 0 {
		return nil, validationErr("content is required")
	}
	if req.CronExpr != "" {
		if err := scheduler.ValidateCron(req.CronExpr); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrValidation, err.Error())
		}
	}

	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	def := &models.TaskDefinition{
		ID:             uuid.New().String(),
		Name:           req.Name,
		Content:        req.Content,
		CronExpr:       req.CronExpr,
		LoopConfig:     req.LoopConfig,
		IsActive:       active,
		IsTemporary:    req.IsTemporary,
		DefaultTimeout: req.DefaultTimeout,
	}
	if err := s.store.CreateDefinition(ctx, def); err != nil {
		return nil, err
	}
	s.logger.Info("definition created",
		zap.String("definition_id", def.ID),
		zap.String("name", def.Name),
		zap.Bool("is_temporary", def.IsTemporary))
	return def, nil
}

// GetDefinition fetches one definition.
func (s *Service) GetDefinition(ctx context.Context, id string) (*models.TaskDefinition, error) {
	return s.store.GetDefinition(ctx, id)
}

// ListDefinitions lists all definitions.
func (s *Service) ListDefinitions(ctx context.Context) ([]*models.TaskDefinition, error) {
	return s.store.ListDefinitions(ctx)
}

// SetDefinitionActive flips is_active.
func (s *Service) SetDefinitionActive(ctx context.Context, id string, active bool) error {
	return s.store.SetDefinitionActive(ctx, id, active)
}

// TriggerRequest carries the POST /definitions/{id}/trigger body.
type TriggerRequest struct {
	InputParams map[string]interface{} `json:"input_params,omitempty"`
	TriggerType string                 `json:"trigger_type,omitempty"`
	RequestID   string                 `json:"request_id,omitempty"`
}

// Trigger starts a fresh trace for an existing definition.
func (s *Service) Trigger(ctx context.Context, defID string, req TriggerRequest) (string, error) {
	def, err := s.store.GetDefinition(ctx, defID)
	if err != nil {
		return "", err
	}
	if !def.IsActive {
		return "", validationErr("definition %s is not active", defID)
	}
	return s.startTrace(ctx, def, req.InputParams, req.TriggerType, req.RequestID)
}

// TriggerDefinition fires a cron definition from the scanner's alignment
// loop. Each tick starts a fresh trace.
func (s *Service) TriggerDefinition(ctx context.Context, def *models.TaskDefinition) error {
	_, err := s.startTrace(ctx, def, nil, "", "")
	return err
}

// startTrace creates the trace's first scheduled run and its task instance.
// Loop definitions schedule round 0; everything else schedules an immediate
// run (for cron definitions the occurrence is already due when this fires).
func (s *Service) startTrace(ctx context.Context, def *models.TaskDefinition, params models.JSONMap, triggerType, requestID string) (string, error) {
	traceID := uuid.New().String()

	var run *models.ScheduledRun
	var err error
	if loop, ok := def.Loop(); ok && triggerType != string(v1.ScheduleTypeImmediate) {
		run, err = s.scheduler.ScheduleLoop(ctx, def.ID, params, loop, traceID)
	} else {
		run, err = s.scheduler.ScheduleImmediate(ctx, def.ID, params, traceID)
	}
	if err != nil {
		return "", err
	}

	if err := s.createInstance(ctx, def, run, requestID); err != nil {
		return "", err
	}
	if requestID != "" {
		if err := s.store.BindRequestID(ctx, requestID, traceID); err != nil {
			s.logger.Error("failed to bind request id",
				zap.String("request_id", requestID),
				zap.String("trace_id", traceID),
				zap.Error(err))
		}
	}

	s.bus.PublishTaskEvent(run.ID, traceID, "", events.TaskCreated, "lifecycle", "", map[string]interface{}{
		"definition_id": def.ID,
		"schedule_type": string(run.ScheduleType),
	}, "")
	return traceID, nil
}

// AdHocRequest carries the POST /ad-hoc-tasks body: a one-shot definition
// plus the schedule that should fire it.
type AdHocRequest struct {
	TaskName       string                 `json:"task_name"`
	TaskContent    map[string]interface{} `json:"task_content"`
	InputParams    map[string]interface{} `json:"input_params,omitempty"`
	LoopConfig     *v1.LoopConfig         `json:"loop_config,omitempty"`
	IsTemporary    *bool                  `json:"is_temporary,omitempty"`
	ScheduleType   v1.ScheduleType        `json:"schedule_type"`
	ScheduleConfig map[string]interface{} `json:"schedule_config,omitempty"`
	RequestID      string                 `json:"request_id,omitempty"`
}

// AdHocResult reports what an ad-hoc submission produced.
type AdHocResult struct {
	TraceID      string `json:"trace_id"`
	DefinitionID string `json:"definition_id"`
	RunID        string `json:"run_id"`
}

// CreateAdHocTask creates a definition on the fly and schedules it. Ad-hoc
// definitions default to temporary so the sweeper can reclaim them.
func (s *Service) CreateAdHocTask(ctx context.Context, req AdHocRequest) (*AdHocResult, error) {
	if req.TaskName == "" {
		return nil, validationErr("task_name is required")
	}
	if len(req.TaskContent) == 0 {
		return nil, validationErr("task_content is required")
	}

	temporary := true
	if req.IsTemporary != nil {
		temporary = *req.IsTemporary
	}

	def := &models.TaskDefinition{
		ID:          uuid.New().String(),
		Name:        req.TaskName,
		Content:     req.TaskContent,
		IsActive:    true,
		IsTemporary: temporary,
	}
	if req.LoopConfig != nil {
		def.LoopConfig = models.JSONMap{
			"max_rounds":   req.LoopConfig.MaxRounds,
			"interval_sec": req.LoopConfig.IntervalSec,
		}
	}

	traceID := uuid.New().String()
	run, err := s.scheduleAdHoc(ctx, def, req, traceID)
	if err != nil {
		return nil, err
	}

	// Schedule validation happens before the definition is persisted; a
	// rejected schedule_config leaves no temporary orphan behind.
	if err := s.store.CreateDefinition(ctx, def); err != nil {
		return nil, err
	}
	if err := s.createInstance(ctx, def, run, req.RequestID); err != nil {
		return nil, err
	}
	if req.RequestID != "" {
		if err := s.store.BindRequestID(ctx, req.RequestID, traceID); err != nil {
			s.logger.Error("failed to bind request id",
				zap.String("request_id", req.RequestID),
				zap.Error(err))
		}
	}

	s.bus.PublishTaskEvent(run.ID, traceID, "", events.TaskCreated, "lifecycle", "", map[string]interface{}{
		"definition_id": def.ID,
		"schedule_type": string(run.ScheduleType),
		"ad_hoc":        true,
	}, "")
	return &AdHocResult{TraceID: traceID, DefinitionID: def.ID, RunID: run.ID}, nil
}

func (s *Service) scheduleAdHoc(ctx context.Context, def *models.TaskDefinition, req AdHocRequest, traceID string) (*models.ScheduledRun, error) {
	switch req.ScheduleType {
	case v1.ScheduleTypeImmediate, v1.ScheduleTypeOnce, "":
		return s.scheduler.ScheduleImmediate(ctx, def.ID, req.InputParams, traceID)

	case v1.ScheduleTypeDelayed:
		delay, ok := intFromConfig(req.ScheduleConfig, "delay_seconds")
		if !ok {
			return nil, validationErr("DELAYED schedule requires schedule_config.delay_seconds")
		}
		return s.scheduler.ScheduleDelayed(ctx, def.ID, req.InputParams, delay, traceID)

	case v1.ScheduleTypeCron:
		expr, _ := req.ScheduleConfig["cron_expression"].(string)
		if expr == "" {
			return nil, validationErr("CRON schedule requires schedule_config.cron_expression")
		}
		if err := scheduler.ValidateCron(expr); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrValidation, err.Error())
		}
		def.CronExpr = expr
		return s.scheduler.ScheduleCron(ctx, def.ID, expr, req.InputParams, nil, traceID)

	case v1.ScheduleTypeLoop:
		if req.LoopConfig == nil || req.LoopConfig.MaxRounds <= 0 {
			return nil, validationErr("LOOP schedule requires loop_config.max_rounds > 0")
		}
		return s.scheduler.ScheduleLoop(ctx, def.ID, req.InputParams, *req.LoopConfig, traceID)

	default:
		return nil, validationErr("unsupported schedule_type %q", req.ScheduleType)
	}
}

func (s *Service) createInstance(ctx context.Context, def *models.TaskDefinition, run *models.ScheduledRun, requestID string) error {
	return s.store.CreateInstance(ctx, &models.TaskInstance{
		ID:           uuid.New().String(),
		DefinitionID: def.ID,
		TraceID:      run.TraceID,
		Status:       v1.InstanceStatusPending,
		ScheduleType: run.ScheduleType,
		RoundIndex:   run.RoundIndex,
		InputParams:  run.InputParams,
		RequestID:    requestID,
	})
}

// CancelTrace writes the CANCEL signal, moves every non-terminal run and
// instance of the trace to CANCELLED, and pushes the cancel out to external
// executors.
func (s *Service) CancelTrace(ctx context.Context, traceID string) (int, error) {
	if err := s.ctl.Set(ctx, control.ScopeTrace, traceID, v1.SignalCancel); err != nil {
		return 0, err
	}

	runs, err := s.store.CancelTrace(ctx, traceID)
	if err != nil {
		return 0, err
	}
	instances, err := s.store.CancelTraceInstances(ctx, traceID)
	if err != nil {
		return runs, err
	}

	if err := s.broker.Publish(ctx, v1.TopicTaskControl, v1.TaskControlMessage{
		TraceID:   traceID,
		Signal:    v1.SignalCancel,
		Timestamp: s.now().UTC(),
	}); err != nil {
		// State is already cancelled locally; executors will also observe it
		// through the control store on their next boundary check.
		s.logger.Error("failed to push cancel to executors",
			zap.String("trace_id", traceID),
			zap.Error(err))
	}

	s.bus.Publish(traceID, events.TaskCancelled, "lifecycle", map[string]interface{}{
		"runs_cancelled":      runs,
		"instances_cancelled": instances,
	})
	return runs + instances, nil
}

// PauseTrace writes the PAUSE signal for the trace.
func (s *Service) PauseTrace(ctx context.Context, traceID string) error {
	if err := s.ctl.Set(ctx, control.ScopeTrace, traceID, v1.SignalPause); err != nil {
		return err
	}
	s.bus.Publish(traceID, events.TaskPaused, "lifecycle", nil)
	return nil
}

// ResumeTrace overwrites any PAUSE signal with RESUME and pushes the resume,
// with any caller-supplied parameters, out to executors so runs paused on
// NEED_INPUT can pick their work back up.
func (s *Service) ResumeTrace(ctx context.Context, traceID string, params models.JSONMap) error {
	if err := s.ctl.Set(ctx, control.ScopeTrace, traceID, v1.SignalResume); err != nil {
		return err
	}

	if err := s.broker.Publish(ctx, v1.TopicTaskControl, v1.TaskControlMessage{
		TraceID:    traceID,
		Signal:     v1.SignalResume,
		Timestamp:  s.now().UTC(),
		Parameters: params,
	}); err != nil {
		// The signal is recorded; paused step boundaries will still unblock
		// through the control store, only the NEED_INPUT resume is lost.
		s.logger.Error("failed to push resume to executors",
			zap.String("trace_id", traceID),
			zap.Error(err))
	}

	s.bus.Publish(traceID, events.TaskResumed, "lifecycle", map[string]interface{}{
		"parameters": params,
	})
	return nil
}

// ModifyTrace patches input params and/or schedule config onto the trace's
// runs and instances that have not been dispatched. Returns how many records
// changed; zero changes on a known trace is a validation error.
func (s *Service) ModifyTrace(ctx context.Context, traceID string, params, config models.JSONMap) (int, error) {
	if params == nil && config == nil {
		return 0, validationErr("nothing to modify")
	}

	runs, err := s.store.ListRunsByTrace(ctx, traceID)
	if err != nil {
		return 0, err
	}
	instances, err := s.store.ListInstancesByTrace(ctx, traceID)
	if err != nil {
		return 0, err
	}
	if len(runs) == 0 && len(instances) == 0 {
		return 0, store.ErrNotFound
	}

	modified := 0
	for _, run := range runs {
		if run.Status != v1.RunStatusPending && run.Status != v1.RunStatusScheduled {
			continue
		}
		if err := s.store.UpdateRunInputs(ctx, run.ID, params, config); err != nil {
			s.logger.Warn("run not modifiable",
				zap.String("run_id", run.ID),
				zap.String("status", string(run.Status)),
				zap.Error(err))
			continue
		}
		modified++
	}
	if params != nil {
		for _, instance := range instances {
			if instance.Status.Terminal() || instance.Status == v1.InstanceStatusDispatched {
				continue
			}
			if err := s.store.UpdateInstanceParams(ctx, instance.ID, params); err != nil {
				s.logger.Warn("instance not modifiable",
					zap.String("instance_id", instance.ID),
					zap.Error(err))
				continue
			}
			modified++
		}
	}

	if modified == 0 {
		return 0, validationErr("trace %s has no modifiable records", traceID)
	}
	return modified, nil
}

// TraceForRequest returns the latest trace id bound to a request id.
func (s *Service) TraceForRequest(ctx context.Context, requestID string) (string, error) {
	return s.store.LatestTraceForRequest(ctx, requestID)
}

// TraceStatus summarizes a trace's runs and instances.
type TraceStatus struct {
	TraceID   string                 `json:"trace_id"`
	Runs      []*models.ScheduledRun `json:"runs"`
	Instances []*models.TaskInstance `json:"instances"`
}

// GetTraceStatus fetches everything recorded for a trace.
func (s *Service) GetTraceStatus(ctx context.Context, traceID string) (*TraceStatus, error) {
	runs, err := s.store.ListRunsByTrace(ctx, traceID)
	if err != nil {
		return nil, err
	}
	instances, err := s.store.ListInstancesByTrace(ctx, traceID)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 && len(instances) == 0 {
		return nil, store.ErrNotFound
	}
	return &TraceStatus{TraceID: traceID, Runs: runs, Instances: instances}, nil
}

func intFromConfig(config map[string]interface{}, key string) (int, bool) {
	switch n := config[key].(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	}
	return 0, false
}
