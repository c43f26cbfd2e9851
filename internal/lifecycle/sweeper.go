package lifecycle

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskfleet/taskfleet/internal/common/logger"
	"github.com/taskfleet/taskfleet/internal/schedule/store"
)

// Sweeper defaults.
const (
	DefaultSweepInterval = time.Hour
	DefaultIdleAge       = 24 * time.Hour
)

// Sweeper garbage-collects temporary definitions once every run and instance
// of theirs is terminal and nothing touched them for IdleAge.
type Sweeper struct {
	store    store.Store
	interval time.Duration
	idleAge  time.Duration
	logger   *logger.Logger
	now      func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper creates a sweeper. Non-positive durations select the defaults.
func NewSweeper(st store.Store, interval, idleAge time.Duration, log *logger.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if idleAge <= 0 {
		idleAge = DefaultIdleAge
	}
	return &Sweeper{
		store:    st,
		interval: interval,
		idleAge:  idleAge,
		logger:   log.WithFields(zap.String("component", "definition-sweeper")),
		now:      time.Now,
	}
}

// SetClock overrides the time source, for tests.
func (s *Sweeper) SetClock(now func() time.Time) { s.now = now }

// Start launches the periodic sweep.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.SweepOnce(ctx)
			}
		}
	}()
}

// Stop halts the sweep loop.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// SweepOnce deletes idle temporary definitions and returns how many went.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	cutoff := s.now().UTC().Add(-s.idleAge)
	idle, err := s.store.ListIdleTemporaryDefinitions(ctx, cutoff)
	if err != nil {
		s.logger.Error("failed to list idle temporary definitions", zap.Error(err))
		return 0
	}

	deleted := 0
	for _, def := range idle {
		err := s.store.DeleteDefinition(ctx, def.ID)
		if errors.Is(err, store.ErrDefinitionInUse) {
			// A run landed between listing and deletion; next sweep retries.
			continue
		}
		if err != nil {
			s.logger.Error("failed to delete temporary definition",
				zap.String("definition_id", def.ID),
				zap.Error(err))
			continue
		}
		deleted++
		s.logger.Info("temporary definition reclaimed",
			zap.String("definition_id", def.ID),
			zap.String("name", def.Name))
	}
	return deleted
}
