// Package scanner runs the polling loops that move due runs onto the broker
// and fire cron definitions at minute boundaries.
package scanner

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskfleet/taskfleet/internal/broker"
	"github.com/taskfleet/taskfleet/internal/common/logger"
	"github.com/taskfleet/taskfleet/internal/schedule/models"
	"github.com/taskfleet/taskfleet/internal/schedule/scheduler"
	"github.com/taskfleet/taskfleet/internal/schedule/store"
	v1 "github.com/taskfleet/taskfleet/pkg/api/v1"
)

// DefinitionTrigger starts a fresh trace for a cron definition. Implemented
// by the lifecycle service.
type DefinitionTrigger interface {
	TriggerDefinition(ctx context.Context, def *models.TaskDefinition) error
}

// Config tunes the scanner loops.
type Config struct {
	ScanInterval time.Duration // pending scan period, default 10s
	BatchSize    int           // pending runs claimed per scan, default 100
	CronLookback time.Duration // synthetic last_triggered_at age for fresh definitions, default 7d
}

func (c *Config) applyDefaults() {
	if c.ScanInterval <= 0 {
		c.ScanInterval = 10 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.CronLookback <= 0 {
		c.CronLookback = 7 * 24 * time.Hour
	}
}

// Scanner discovers due runs and publishes them, and drives the cron
// alignment loop for definitions carrying an expression directly.
type Scanner struct {
	store   store.Store
	broker  broker.Broker
	trigger DefinitionTrigger
	cfg     Config
	logger  *logger.Logger
	now     func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scanner. trigger may be nil when cron definitions are not in
// use (the cron loop then skips every tick).
func New(st store.Store, br broker.Broker, trigger DefinitionTrigger, cfg Config, log *logger.Logger) *Scanner {
	cfg.applyDefaults()
	return &Scanner{
		store:   st,
		broker:  br,
		trigger: trigger,
		cfg:     cfg,
		logger:  log.WithFields(zap.String("component", "schedule-scanner")),
		now:     time.Now,
	}
}

// SetClock overrides the time source, for tests.
func (s *Scanner) SetClock(now func() time.Time) { s.now = now }

// Start launches the scan and cron loops.
func (s *Scanner) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(2)
	go s.scanLoop(ctx)
	go s.cronLoop(ctx)
}

// Stop halts both loops and waits for them to drain.
func (s *Scanner) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scanner) scanLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ScanOnce(ctx)
		}
	}
}

// ScanOnce claims due PENDING runs and publishes them on task.scheduled.
// A publish failure reverts the claim so the next tick retries.
func (s *Scanner) ScanOnce(ctx context.Context) {
	now := s.now().UTC()
	due, err := s.store.GetPending(ctx, now, s.cfg.BatchSize)
	if err != nil {
		s.logger.Error("failed to query pending runs", zap.Error(err))
		return
	}

	for _, run := range due {
		if err := s.publishRun(ctx, run); err != nil {
			s.logger.Error("failed to dispatch due run",
				zap.String("run_id", run.ID),
				zap.Error(err))
		}
	}
}

func (s *Scanner) publishRun(ctx context.Context, run *models.ScheduledRun) error {
	err := s.store.UpdateRunStatus(ctx, run.ID, v1.RunStatusScheduled)
	if errors.Is(err, store.ErrInvalidTransition) {
		// Another scanner claimed it, or it was cancelled meanwhile.
		return nil
	}
	if err != nil {
		return err
	}

	msg := v1.ScheduledTaskMessage{
		TaskID:         run.ID,
		DefinitionID:   run.DefinitionID,
		TraceID:        run.TraceID,
		InputParams:    run.InputParams,
		ScheduledTime:  run.ScheduledTime,
		RoundIndex:     run.RoundIndex,
		ScheduleConfig: run.ScheduleConfig,
	}
	if err := s.broker.Publish(ctx, v1.TopicTaskScheduled, msg); err != nil {
		// Revert the claim so the next scan retries the publish; no backoff,
		// a broker outage is not the run's fault.
		if recErr := s.store.RecordRetry(ctx, run.ID, err.Error(), time.Time{}); recErr != nil {
			s.logger.Error("failed to record retry", zap.String("run_id", run.ID), zap.Error(recErr))
		}
		if revErr := s.store.UpdateRunStatus(ctx, run.ID, v1.RunStatusPending); revErr != nil {
			s.logger.Error("failed to revert run to pending", zap.String("run_id", run.ID), zap.Error(revErr))
		}
		return err
	}

	s.logger.Debug("run published",
		zap.String("run_id", run.ID),
		zap.String("trace_id", run.TraceID),
		zap.Int("round_index", run.RoundIndex))
	return nil
}

func (s *Scanner) cronLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		// Align to the next wall-clock minute boundary.
		now := s.now()
		wait := now.Truncate(time.Minute).Add(time.Minute).Sub(now)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
			s.CronTick(ctx)
		}
	}
}

// CronTick fires every active cron definition whose next occurrence after
// last_triggered_at has arrived. Setting last_triggered_at to now bounds the
// loop to at most one fire per definition per wall minute.
func (s *Scanner) CronTick(ctx context.Context) {
	if s.trigger == nil {
		return
	}

	defs, err := s.store.ListActiveCron(ctx)
	if err != nil {
		s.logger.Error("failed to list cron definitions", zap.Error(err))
		return
	}

	now := s.now().UTC()
	for _, def := range defs {
		last := now.Add(-s.cfg.CronLookback)
		if def.LastTriggeredAt != nil {
			last = def.LastTriggeredAt.UTC()
		}

		next, err := scheduler.NextOccurrence(def.CronExpr, last)
		if err != nil {
			s.logger.Error("definition carries invalid cron expression",
				zap.String("definition_id", def.ID),
				zap.String("cron_expr", def.CronExpr),
				zap.Error(err))
			continue
		}
		if now.Before(next) {
			continue
		}

		if err := s.trigger.TriggerDefinition(ctx, def); err != nil {
			s.logger.Error("failed to trigger cron definition",
				zap.String("definition_id", def.ID),
				zap.Error(err))
			continue
		}
		if err := s.store.UpdateLastTriggeredAt(ctx, def.ID, now); err != nil {
			s.logger.Error("failed to update last_triggered_at",
				zap.String("definition_id", def.ID),
				zap.Error(err))
		}
	}
}
