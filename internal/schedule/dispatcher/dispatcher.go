// Package dispatcher consumes due runs from the broker, hands them to the
// executor side, and processes terminal status callbacks including cron and
// loop rescheduling.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/taskfleet/taskfleet/internal/broker"
	"github.com/taskfleet/taskfleet/internal/common/logger"
	"github.com/taskfleet/taskfleet/internal/events"
	"github.com/taskfleet/taskfleet/internal/schedule/models"
	"github.com/taskfleet/taskfleet/internal/schedule/scheduler"
	"github.com/taskfleet/taskfleet/internal/schedule/store"
	v1 "github.com/taskfleet/taskfleet/pkg/api/v1"
)

// ExecutorNotifier pushes a READY_FOR_EXECUTION hand-off to the executor
// side. The in-process implementation routes into the actor pipeline.
type ExecutorNotifier interface {
	NotifyReady(ctx context.Context, run *models.ScheduledRun, msg v1.ScheduledTaskMessage) error
}

// Dispatcher drives runs from SCHEDULED to DISPATCHED and applies terminal
// callbacks. All handlers are idempotent: the guarded status transition in
// the store is the duplicate-delivery tie-breaker.
type Dispatcher struct {
	store     store.Store
	broker    broker.Broker
	scheduler *scheduler.Scheduler
	notifier  ExecutorNotifier
	bus       *events.Bus
	logger    *logger.Logger

	scheduledSub broker.Subscription
	statusSub    broker.Subscription
}

// New creates a dispatcher.
func New(st store.Store, br broker.Broker, sched *scheduler.Scheduler, notifier ExecutorNotifier, bus *events.Bus, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		store:     st,
		broker:    br,
		scheduler: sched,
		notifier:  notifier,
		bus:       bus,
		logger:    log.WithFields(zap.String("component", "schedule-dispatcher")),
	}
}

// Start subscribes to the scheduling topics.
func (d *Dispatcher) Start() error {
	sub, err := d.broker.Consume(v1.TopicTaskScheduled, d.handleScheduled)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", v1.TopicTaskScheduled, err)
	}
	d.scheduledSub = sub

	sub, err = d.broker.Consume(v1.TopicTaskStatusUpdate, d.handleStatusUpdate)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", v1.TopicTaskStatusUpdate, err)
	}
	d.statusSub = sub
	return nil
}

// Stop unsubscribes from both topics.
func (d *Dispatcher) Stop() {
	if d.scheduledSub != nil {
		_ = d.scheduledSub.Unsubscribe()
	}
	if d.statusSub != nil {
		_ = d.statusSub.Unsubscribe()
	}
}

func (d *Dispatcher) handleScheduled(ctx context.Context, msg *broker.Message) error {
	var payload v1.ScheduledTaskMessage
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return fmt.Errorf("malformed task.scheduled payload: %w", err)
	}
	return d.DispatchRun(ctx, payload)
}

// DispatchRun re-reads the run and hands it off. A run no longer in
// SCHEDULED state is a duplicate delivery and is skipped.
func (d *Dispatcher) DispatchRun(ctx context.Context, payload v1.ScheduledTaskMessage) error {
	run, err := d.store.GetRun(ctx, payload.TaskID)
	if errors.Is(err, store.ErrNotFound) {
		d.logger.Warn("scheduled message for unknown run", zap.String("run_id", payload.TaskID))
		return nil
	}
	if err != nil {
		return err
	}
	if run.Status != v1.RunStatusScheduled {
		d.logger.Debug("skipping run not in SCHEDULED state",
			zap.String("run_id", run.ID),
			zap.String("status", string(run.Status)))
		return nil
	}

	if err := d.notifier.NotifyReady(ctx, run, payload); err != nil {
		return d.handleHandoffFailure(ctx, run, err)
	}

	if err := d.store.UpdateRunStatus(ctx, run.ID, v1.RunStatusDispatched); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			// Lost a race with a duplicate delivery or a cancel; the hand-off
			// side is idempotent, so nothing to undo.
			return nil
		}
		return err
	}

	d.bus.PublishTaskEvent(run.ID, run.TraceID, "", events.TaskDispatched, "schedule-dispatcher", "", map[string]interface{}{
		"definition_id": run.DefinitionID,
		"round_index":   run.RoundIndex,
	}, "")
	return nil
}

// retryBackoffBase seeds the exponential backoff between hand-off retries.
const retryBackoffBase = 30 * time.Second

// retryBackoff doubles per recorded retry, capped at 64x the base.
func retryBackoff(retryCount int) time.Duration {
	shift := retryCount
	if shift > 6 {
		shift = 6
	}
	return retryBackoffBase << shift
}

// handleHandoffFailure records the retry with its backoff delay and reverts
// the run to PENDING; the pushed scheduled_time keeps the scanner from
// re-publishing before the delay elapses. A run out of retry budget is
// cancelled.
func (d *Dispatcher) handleHandoffFailure(ctx context.Context, run *models.ScheduledRun, cause error) error {
	backoff := retryBackoff(run.RetryCount)
	next := time.Now().UTC().Add(backoff)

	d.logger.Warn("executor hand-off failed",
		zap.String("run_id", run.ID),
		zap.Int("retry_count", run.RetryCount),
		zap.Duration("backoff", backoff),
		zap.Error(cause))

	if err := d.store.RecordRetry(ctx, run.ID, cause.Error(), next); err != nil {
		return err
	}

	if run.RetryCount+1 >= run.MaxRetries() {
		if err := d.store.UpdateRunStatus(ctx, run.ID, v1.RunStatusCancelled); err != nil {
			return err
		}
		d.bus.PublishTaskEvent(run.ID, run.TraceID, "", events.TaskFailed, "schedule-dispatcher", "", map[string]interface{}{
			"reason": "retry budget exhausted",
		}, cause.Error())
		return nil
	}

	// The backoff is also visible in schedule_config so operators can read
	// back why the run is waiting.
	config := models.JSONMap{}
	for k, v := range run.ScheduleConfig {
		config[k] = v
	}
	config["retry_backoff_seconds"] = int(backoff / time.Second)
	config["next_attempt_at"] = next.Format(time.RFC3339)
	if err := d.store.UpdateRunInputs(ctx, run.ID, nil, config); err != nil {
		d.logger.Warn("failed to record backoff in schedule config",
			zap.String("run_id", run.ID),
			zap.Error(err))
	}

	return d.store.UpdateRunStatus(ctx, run.ID, v1.RunStatusPending)
}

func (d *Dispatcher) handleStatusUpdate(ctx context.Context, msg *broker.Message) error {
	var payload v1.StatusUpdateMessage
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return fmt.Errorf("malformed task.status_update payload: %w", err)
	}
	return d.ApplyStatusUpdate(ctx, payload)
}

// ApplyStatusUpdate records an external terminal callback and spawns the
// next cron occurrence or loop round when the schedule calls for one.
func (d *Dispatcher) ApplyStatusUpdate(ctx context.Context, payload v1.StatusUpdateMessage) error {
	if !payload.Status.Terminal() {
		d.logger.Debug("ignoring non-terminal status update",
			zap.String("run_id", payload.TaskID),
			zap.String("status", string(payload.Status)))
		return nil
	}

	run, err := d.store.GetRun(ctx, payload.TaskID)
	if errors.Is(err, store.ErrNotFound) {
		d.logger.Warn("status update for unknown run", zap.String("run_id", payload.TaskID))
		return nil
	}
	if err != nil {
		return err
	}

	if err := d.store.UpdateRunStatus(ctx, run.ID, payload.Status); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			// Duplicate callback; the first delivery already landed.
			return nil
		}
		return err
	}
	run.Status = payload.Status

	if err := d.reschedule(ctx, run); err != nil {
		d.logger.Error("failed to reschedule successor run",
			zap.String("run_id", run.ID),
			zap.Error(err))
	}

	d.emitCompletion(run, payload)
	return nil
}

// reschedule spawns the successor of a finished recurring run. Cancelled
// runs never respawn; a failed loop round ends its loop.
func (d *Dispatcher) reschedule(ctx context.Context, run *models.ScheduledRun) error {
	switch run.ScheduleType {
	case v1.ScheduleTypeCron:
		if run.Status == v1.RunStatusCancelled {
			return nil
		}
		next, err := d.scheduler.NextCronRun(ctx, run)
		if err != nil {
			return err
		}
		d.logger.Debug("next cron occurrence scheduled",
			zap.String("prev_run_id", run.ID),
			zap.String("next_run_id", next.ID),
			zap.Time("scheduled_time", next.ScheduledTime))
	case v1.ScheduleTypeLoop, v1.ScheduleTypeIntervalLoop:
		if run.Status != v1.RunStatusSuccess {
			return nil
		}
		next, err := d.scheduler.NextLoopRound(ctx, run)
		if err != nil {
			return err
		}
		if next != nil {
			d.logger.Debug("next loop round scheduled",
				zap.String("trace_id", run.TraceID),
				zap.Int("round_index", next.RoundIndex))
		}
	}
	return nil
}

func (d *Dispatcher) emitCompletion(run *models.ScheduledRun, payload v1.StatusUpdateMessage) {
	eventType := events.TaskCompleted
	errText := ""
	switch run.Status {
	case v1.RunStatusFailed:
		eventType = events.TaskFailed
		if msg, ok := payload.Metadata["error"].(string); ok {
			errText = msg
		}
	case v1.RunStatusCancelled:
		eventType = events.TaskCancelled
	}
	d.bus.PublishTaskEvent(run.ID, run.TraceID, "", eventType, "schedule-dispatcher", "", map[string]interface{}{
		"definition_id": run.DefinitionID,
		"schedule_type": string(run.ScheduleType),
		"round_index":   run.RoundIndex,
	}, errText)
}
