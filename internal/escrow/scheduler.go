package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/abdulrehman-75/SE-marketplace-project-semester3-sub002/internal/metrics"
)

// DefaultTickInterval is the settlement sweep interval.
const DefaultTickInterval = 2 * time.Minute

// Scheduler periodically sweeps escrows past their verification deadline and
// auto-releases them. At most one sweep runs at a time: if a tick fires while
// the previous sweep is still working, it is skipped, not queued.
type Scheduler struct {
	service    *Service
	interval   time.Duration
	logger     *slog.Logger
	stop       chan struct{}
	running    atomic.Bool
	tickActive atomic.Bool // single-flight guard
	nowFn      func() time.Time
}

// NewScheduler creates a new settlement scheduler.
func NewScheduler(service *Service, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		service:  service,
		interval: DefaultTickInterval,
		logger:   logger,
		stop:     make(chan struct{}),
		nowFn:    time.Now,
	}
}

// WithInterval overrides the sweep interval.
func (s *Scheduler) WithInterval(d time.Duration) *Scheduler {
	if d > 0 {
		s.interval = d
	}
	return s
}

// WithClock injects a time source for tests.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	if now != nil {
		s.nowFn = now
	}
	return s
}

// Running reports whether the scheduler loop is active.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	// A sweep on startup picks up anything that came due while the process
	// was down; no durable timer state is needed for crash recovery.
	s.tryTick(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.tryTick(ctx)
		}
	}
}

// Stop signals the scheduler to stop.
func (s *Scheduler) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

// tryTick runs a sweep unless one is already in flight.
func (s *Scheduler) tryTick(ctx context.Context) {
	if !s.tickActive.CompareAndSwap(false, true) {
		metrics.SchedulerTicksTotal.WithLabelValues("skipped").Inc()
		s.logger.Debug("settlement tick skipped, previous sweep still running")
		return
	}
	go func() {
		defer s.tickActive.Store(false)
		s.safeTick(ctx)
	}()
}

// RunOnce performs a single synchronous sweep. Used by tests and by the
// admin trigger endpoint.
func (s *Scheduler) RunOnce(ctx context.Context) {
	if !s.tickActive.CompareAndSwap(false, true) {
		metrics.SchedulerTicksTotal.WithLabelValues("skipped").Inc()
		return
	}
	defer s.tickActive.Store(false)
	s.safeTick(ctx)
}

func (s *Scheduler) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			metrics.SchedulerTicksTotal.WithLabelValues("panic").Inc()
			s.logger.Error("panic in settlement scheduler", "panic", fmt.Sprint(r))
		}
	}()

	start := time.Now()
	s.tick(ctx)
	metrics.SchedulerTickDuration.Observe(time.Since(start).Seconds())
}

func (s *Scheduler) tick(ctx context.Context) {
	now := s.nowFn()

	due, err := s.service.DueForRelease(ctx, now)
	if err != nil {
		metrics.SchedulerTicksTotal.WithLabelValues("error").Inc()
		s.logger.Warn("failed to list due escrows", "error", err)
		return
	}

	released := 0
	for _, rec := range due {
		// One bad record must not stop the rest of the sweep.
		_, err := s.service.AutoRelease(ctx, rec)
		switch {
		case err == nil:
			released++
		case errors.Is(err, ErrTransitionConflict), errors.Is(err, ErrAlreadyReleased):
			// A customer action or admin got there between the query and the
			// write; the record is no longer ours to release.
			s.logger.Debug("skipping escrow, transitioned concurrently", "escrowId", rec.ID)
		default:
			s.logger.Warn("failed to auto-release escrow", "escrowId", rec.ID, "error", err)
		}
	}

	metrics.SchedulerTicksTotal.WithLabelValues("ok").Inc()
	if released > 0 {
		s.logger.Info("settlement sweep complete", "due", len(due), "released", released)
	}
}
