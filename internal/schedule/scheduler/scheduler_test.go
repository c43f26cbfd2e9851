package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskfleet/taskfleet/internal/common/logger"
	"github.com/taskfleet/taskfleet/internal/schedule/models"
	"github.com/taskfleet/taskfleet/internal/schedule/store"
	v1 "github.com/taskfleet/taskfleet/pkg/api/v1"
)

func newScheduler(t *testing.T, now time.Time) (*Scheduler, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	sched := New(st, logger.Default())
	sched.SetClock(func() time.Time { return now })
	return sched, st
}

func TestValidateCron(t *testing.T) {
	assert.NoError(t, ValidateCron("*/5 * * * *"))
	assert.NoError(t, ValidateCron("0 12 * * 1"))
	assert.Error(t, ValidateCron("not a cron"))
	assert.Error(t, ValidateCron("* * * * * *"))
}

func TestNextOccurrenceStrictlyAfter(t *testing.T) {
	// Exactly on a boundary: the next fire is the following slot.
	at := time.Date(2025, 6, 1, 12, 5, 0, 0, time.UTC)
	next, err := NextOccurrence("*/5 * * * *", at)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 6, 1, 12, 10, 0, 0, time.UTC), next)
}

func TestScheduleImmediate(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	sched, st := newScheduler(t, now)

	run, err := sched.ScheduleImmediate(context.Background(), "def-1", models.JSONMap{"k": "v"}, "")
	require.NoError(t, err)
	assert.Equal(t, v1.RunStatusPending, run.Status)
	assert.Equal(t, v1.ScheduleTypeImmediate, run.ScheduleType)
	assert.Equal(t, now, run.ScheduledTime)
	assert.NotEmpty(t, run.TraceID)

	stored, err := st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.TraceID, stored.TraceID)
}

func TestScheduleImmediateKeepsSuppliedTrace(t *testing.T) {
	sched, _ := newScheduler(t, time.Now().UTC())

	run, err := sched.ScheduleImmediate(context.Background(), "def-1", nil, "trace-42")
	require.NoError(t, err)
	assert.Equal(t, "trace-42", run.TraceID)
}

func TestScheduleDelayed(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	sched, _ := newScheduler(t, now)

	run, err := sched.ScheduleDelayed(context.Background(), "def-1", nil, 60, "")
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Minute), run.ScheduledTime)
	assert.Equal(t, 60, run.ScheduleConfig["delay_seconds"])

	_, err = sched.ScheduleDelayed(context.Background(), "def-1", nil, -1, "")
	assert.Error(t, err)
}

func TestScheduleCron(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 3, 30, 0, time.UTC)
	sched, _ := newScheduler(t, now)

	run, err := sched.ScheduleCron(context.Background(), "def-1", "*/5 * * * *", nil, nil, "")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 6, 1, 12, 5, 0, 0, time.UTC), run.ScheduledTime)
	assert.Equal(t, "*/5 * * * *", run.ScheduleConfig["cron_expression"])

	_, err = sched.ScheduleCron(context.Background(), "def-1", "bogus", nil, nil, "")
	assert.Error(t, err)
}

func TestScheduleLoopRounds(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	sched, _ := newScheduler(t, now)
	ctx := context.Background()

	round0, err := sched.ScheduleLoop(ctx, "def-1", nil, v1.LoopConfig{MaxRounds: 3, IntervalSec: 30}, "")
	require.NoError(t, err)
	assert.Equal(t, 0, round0.RoundIndex)
	assert.Equal(t, v1.ScheduleTypeIntervalLoop, round0.ScheduleType)
	assert.Equal(t, now, round0.ScheduledTime)

	// Read back so schedule_config numbers pass through JSON the way they do
	// in production.
	round1, err := sched.NextLoopRound(ctx, round0)
	require.NoError(t, err)
	require.NotNil(t, round1)
	assert.Equal(t, 1, round1.RoundIndex)
	assert.Equal(t, round0.TraceID, round1.TraceID)
	assert.Equal(t, now.Add(30*time.Second), round1.ScheduledTime)

	round2, err := sched.NextLoopRound(ctx, round1)
	require.NoError(t, err)
	require.NotNil(t, round2)
	assert.Equal(t, 2, round2.RoundIndex)

	// max_rounds=3 means rounds 0..2; no round 3.
	round3, err := sched.NextLoopRound(ctx, round2)
	require.NoError(t, err)
	assert.Nil(t, round3)
}

func TestScheduleLoopRejectsZeroRounds(t *testing.T) {
	sched, _ := newScheduler(t, time.Now().UTC())
	_, err := sched.ScheduleLoop(context.Background(), "def-1", nil, v1.LoopConfig{MaxRounds: 0}, "")
	assert.Error(t, err)
}

func TestNextCronRunStartsFreshTrace(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 3, 0, 0, time.UTC)
	sched, _ := newScheduler(t, now)
	ctx := context.Background()

	first, err := sched.ScheduleCron(ctx, "def-1", "*/5 * * * *", models.JSONMap{"a": 1}, nil, "")
	require.NoError(t, err)

	next, err := sched.NextCronRun(ctx, first)
	require.NoError(t, err)
	assert.NotEqual(t, first.TraceID, next.TraceID)
	assert.Equal(t, time.Date(2025, 6, 1, 12, 5, 0, 0, time.UTC), next.ScheduledTime)
	assert.Equal(t, first.ScheduleConfig["cron_expression"], next.ScheduleConfig["cron_expression"])
}
