package media

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"chatrelay/internal/domain"
)

// Sweeper deletes blobs older than the retention window on a cron schedule.
type Sweeper struct {
	store     domain.BlobStore
	retention time.Duration
	schedule  cron.Schedule
	cron      *cron.Cron
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// NewSweeper parses spec ("@every 1h", "0 3 * * *", ...) and returns a
// stopped Sweeper.
func NewSweeper(store domain.BlobStore, retention time.Duration, spec string, logger *slog.Logger) (*Sweeper, error) {
	if retention <= 0 {
		return nil, fmt.Errorf("sweeper: retention must be positive")
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("sweeper: invalid schedule %q: %w", spec, err)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Sweeper{
		store:     store,
		retention: retention,
		schedule:  sched,
		cron:      cron.New(),
		logger:    logger,
		now:       time.Now,
	}, nil
}

// Start schedules the sweep. Jobs stop receiving a live context once ctx is
// cancelled or Stop is called.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Schedule(s.schedule, cron.FuncJob(func() {
		s.mu.Lock()
		jobCtx := s.ctx
		s.mu.Unlock()
		if jobCtx == nil || jobCtx.Err() != nil {
			return
		}
		runCtx, cancel := context.WithTimeout(jobCtx, time.Minute)
		defer cancel()
		_, _ = s.RunOnce(runCtx)
	}))
	s.cron.Start()
	s.started = true
}

// Stop cancels pending work and waits for a running sweep to return.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.started = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
}

// RunOnce deletes every blob older than the retention window.
func (s *Sweeper) RunOnce(ctx context.Context) (int64, error) {
	start := time.Now()
	cutoff := s.now().Add(-s.retention)
	n, err := s.store.DeleteBefore(ctx, cutoff)
	if err != nil {
		s.logger.Warn("media sweep failed", "error", err, "duration", time.Since(start))
		return 0, err
	}
	s.logger.Info("media sweep completed", "deleted", n, "cutoff", cutoff, "duration", time.Since(start))
	return n, nil
}
