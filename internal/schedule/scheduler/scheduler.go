// Package scheduler materializes triggers into PENDING scheduled runs.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/taskfleet/taskfleet/internal/common/logger"
	"github.com/taskfleet/taskfleet/internal/schedule/models"
	"github.com/taskfleet/taskfleet/internal/schedule/store"
	v1 "github.com/taskfleet/taskfleet/pkg/api/v1"
)

// cronParser accepts standard 5-field expressions (minute hour dom month dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ValidateCron rejects malformed 5-field cron expressions.
func ValidateCron(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// NextOccurrence computes the first activation strictly after t, in UTC.
func NextOccurrence(expr string, t time.Time) (time.Time, error) {
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return schedule.Next(t.UTC()), nil
}

// Scheduler creates scheduled runs. Each call produces exactly one PENDING
// record; recurrence is handled by the dispatcher re-invoking the scheduler
// on terminal callbacks.
type Scheduler struct {
	store  store.Store
	logger *logger.Logger
	now    func() time.Time
}

// New creates a scheduler backed by the given store.
func New(st store.Store, log *logger.Logger) *Scheduler {
	return &Scheduler{
		store:  st,
		logger: log.WithFields(zap.String("component", "scheduler")),
		now:    time.Now,
	}
}

// SetClock overrides the time source, for tests.
func (s *Scheduler) SetClock(now func() time.Time) { s.now = now }

func orNewTrace(traceID string) string {
	if traceID == "" {
		return uuid.New().String()
	}
	return traceID
}

func (s *Scheduler) create(ctx context.Context, run *models.ScheduledRun) (*models.ScheduledRun, error) {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	run.Status = v1.RunStatusPending
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	s.logger.Debug("scheduled run created",
		zap.String("run_id", run.ID),
		zap.String("definition_id", run.DefinitionID),
		zap.String("trace_id", run.TraceID),
		zap.String("schedule_type", string(run.ScheduleType)),
		zap.Time("scheduled_time", run.ScheduledTime))
	return run, nil
}

// ScheduleImmediate creates a run due now.
func (s *Scheduler) ScheduleImmediate(ctx context.Context, defID string, params models.JSONMap, traceID string) (*models.ScheduledRun, error) {
	return s.create(ctx, &models.ScheduledRun{
		DefinitionID:  defID,
		TraceID:       orNewTrace(traceID),
		ScheduledTime: s.now().UTC(),
		ScheduleType:  v1.ScheduleTypeImmediate,
		InputParams:   params,
	})
}

// ScheduleDelayed creates a run due after delaySec seconds.
func (s *Scheduler) ScheduleDelayed(ctx context.Context, defID string, params models.JSONMap, delaySec int, traceID string) (*models.ScheduledRun, error) {
	if delaySec < 0 {
		return nil, fmt.Errorf("delay_seconds must not be negative: %d", delaySec)
	}
	return s.create(ctx, &models.ScheduledRun{
		DefinitionID:  defID,
		TraceID:       orNewTrace(traceID),
		ScheduledTime: s.now().UTC().Add(time.Duration(delaySec) * time.Second),
		ScheduleType:  v1.ScheduleTypeDelayed,
		ScheduleConfig: models.JSONMap{
			"delay_seconds": delaySec,
		},
		InputParams: params,
	})
}

// ScheduleCron creates a run at the next occurrence of expr strictly after
// startFrom (or now). The expression is echoed into schedule_config so the
// dispatcher can reschedule the chain.
func (s *Scheduler) ScheduleCron(ctx context.Context, defID, expr string, params models.JSONMap, startFrom *time.Time, traceID string) (*models.ScheduledRun, error) {
	from := s.now().UTC()
	if startFrom != nil {
		from = startFrom.UTC()
	}
	next, err := NextOccurrence(expr, from)
	if err != nil {
		return nil, err
	}
	return s.create(ctx, &models.ScheduledRun{
		DefinitionID:  defID,
		TraceID:       orNewTrace(traceID),
		ScheduledTime: next,
		ScheduleType:  v1.ScheduleTypeCron,
		ScheduleConfig: models.JSONMap{
			"cron_expression": expr,
		},
		InputParams: params,
	})
}

// ScheduleLoop creates round 0 of a bounded loop, due now. All rounds of the
// loop share one trace id.
func (s *Scheduler) ScheduleLoop(ctx context.Context, defID string, params models.JSONMap, loop v1.LoopConfig, traceID string) (*models.ScheduledRun, error) {
	if loop.MaxRounds <= 0 {
		return nil, fmt.Errorf("max_rounds must be positive: %d", loop.MaxRounds)
	}
	scheduleType := v1.ScheduleTypeLoop
	if loop.IntervalSec > 0 {
		scheduleType = v1.ScheduleTypeIntervalLoop
	}
	return s.create(ctx, &models.ScheduledRun{
		DefinitionID:  defID,
		TraceID:       orNewTrace(traceID),
		ScheduledTime: s.now().UTC(),
		ScheduleType:  scheduleType,
		ScheduleConfig: models.JSONMap{
			"max_rounds":   loop.MaxRounds,
			"interval_sec": loop.IntervalSec,
		},
		InputParams: params,
		RoundIndex:  0,
	})
}

// NextCronRun creates the successor of a finished cron run. Each cron tick
// starts a fresh trace.
func (s *Scheduler) NextCronRun(ctx context.Context, prev *models.ScheduledRun) (*models.ScheduledRun, error) {
	expr, _ := prev.ScheduleConfig["cron_expression"].(string)
	if expr == "" {
		return nil, fmt.Errorf("run %s has no cron expression in schedule_config", prev.ID)
	}
	next, err := NextOccurrence(expr, s.now().UTC())
	if err != nil {
		return nil, err
	}
	return s.create(ctx, &models.ScheduledRun{
		DefinitionID:   prev.DefinitionID,
		TraceID:        uuid.New().String(),
		ScheduledTime:  next,
		ScheduleType:   v1.ScheduleTypeCron,
		ScheduleConfig: prev.ScheduleConfig,
		InputParams:    prev.InputParams,
	})
}

// NextLoopRound creates round N+1 of a loop if the round budget allows; it
// returns (nil, nil) when the loop is exhausted. The trace id carries over.
func (s *Scheduler) NextLoopRound(ctx context.Context, prev *models.ScheduledRun) (*models.ScheduledRun, error) {
	maxRounds := 0
	if n, ok := prev.ScheduleConfig["max_rounds"].(float64); ok {
		maxRounds = int(n)
	} else if n, ok := prev.ScheduleConfig["max_rounds"].(int); ok {
		maxRounds = n
	}
	if prev.RoundIndex+1 >= maxRounds {
		return nil, nil
	}

	intervalSec := 0
	if n, ok := prev.ScheduleConfig["interval_sec"].(float64); ok {
		intervalSec = int(n)
	} else if n, ok := prev.ScheduleConfig["interval_sec"].(int); ok {
		intervalSec = n
	}

	return s.create(ctx, &models.ScheduledRun{
		DefinitionID:   prev.DefinitionID,
		TraceID:        prev.TraceID,
		ScheduledTime:  s.now().UTC().Add(time.Duration(intervalSec) * time.Second),
		ScheduleType:   prev.ScheduleType,
		ScheduleConfig: prev.ScheduleConfig,
		InputParams:    prev.InputParams,
		RoundIndex:     prev.RoundIndex + 1,
	})
}
