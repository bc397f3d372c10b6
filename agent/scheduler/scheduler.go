// Package scheduler runs probe jobs on their intervals over a bounded
// worker pool and hands results to a sink.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/itskum47/hostwatch/agent/module"
	"github.com/itskum47/hostwatch/agent/observability"
	"github.com/itskum47/hostwatch/wire"
)

var (
	ErrStopped         = errors.New("scheduler stopped")
	ErrInvalidInterval = errors.New("job interval must be positive")
)

// Sink receives probe results.
type Sink interface {
	Put(job string, report *wire.Report, capturedAt time.Time, expiry time.Duration)
}

// Config sizes the worker pool.
type Config struct {
	Workers int
	// MisfireGrace is how long a trigger may wait for a free worker before
	// it is dropped.
	MisfireGrace time.Duration
}

type job struct {
	spec    module.Spec
	running atomic.Bool
}

// Scheduler fires every job once immediately and then on its interval. A job
// never runs concurrently with itself; overlapping triggers are dropped.
type Scheduler struct {
	sink   Sink
	cfg    Config
	clock  clockwork.Clock
	logger *zap.Logger
	sem    *semaphore.Weighted

	mu      sync.Mutex
	jobs    []*job
	ctx     context.Context
	cancel  context.CancelFunc
	stopped bool
	wg      sync.WaitGroup
}

func New(sink Sink, cfg Config, clock clockwork.Clock, logger *zap.Logger) *Scheduler {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.MisfireGrace <= 0 {
		cfg.MisfireGrace = time.Second
	}
	return &Scheduler{
		sink:   sink,
		cfg:    cfg,
		clock:  clock,
		logger: logger.Named("scheduler"),
		sem:    semaphore.NewWeighted(int64(cfg.Workers)),
	}
}

// Schedule registers spec. Jobs added after Start begin immediately.
func (s *Scheduler) Schedule(spec module.Spec) error {
	if spec.Interval <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidInterval, spec.ID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	j := &job{spec: spec}
	s.jobs = append(s.jobs, j)
	if s.ctx != nil {
		s.launch(j)
	}
	return nil
}

// Start launches a trigger loop per job. It does not block.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx != nil || s.stopped {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	for _, j := range s.jobs {
		s.launch(j)
	}
	s.logger.Info("scheduler started",
		zap.Int("jobs", len(s.jobs)),
		zap.Int("workers", s.cfg.Workers))
}

// Stop cancels pending triggers and running probes, then waits for workers
// until ctx expires.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for probes: %w", ctx.Err())
	}
}

// launch must be called with s.mu held.
func (s *Scheduler) launch(j *job) {
	ctx := s.ctx
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(ctx, j)
	}()
}

func (s *Scheduler) loop(ctx context.Context, j *job) {
	s.trigger(ctx, j)

	ticker := s.clock.NewTicker(j.spec.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.trigger(ctx, j)
		}
	}
}

func (s *Scheduler) trigger(ctx context.Context, j *job) {
	id := j.spec.ID
	if !j.running.CompareAndSwap(false, true) {
		observability.ProbeMisfires.WithLabelValues(id, "overlap").Inc()
		s.logger.Debug("probe still running, trigger dropped", zap.String("module", id))
		return
	}

	acquireCtx, cancel := context.WithTimeout(ctx, s.cfg.MisfireGrace)
	err := s.sem.Acquire(acquireCtx, 1)
	cancel()
	if err != nil {
		j.running.Store(false)
		if ctx.Err() == nil {
			observability.ProbeMisfires.WithLabelValues(id, "no_worker").Inc()
			s.logger.Warn("no worker available within grace, trigger dropped",
				zap.String("module", id),
				zap.Duration("grace", s.cfg.MisfireGrace))
		}
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.sem.Release(1)
		defer j.running.Store(false)
		s.run(ctx, j)
	}()
}

func (s *Scheduler) run(ctx context.Context, j *job) {
	id := j.spec.ID
	start := s.clock.Now()
	defer func() {
		observability.ProbeDuration.WithLabelValues(id).Observe(s.clock.Since(start).Seconds())
		if r := recover(); r != nil {
			observability.ProbeRuns.WithLabelValues(id, "error").Inc()
			s.logger.Error("probe panicked", zap.String("module", id), zap.Any("panic", r))
		}
	}()

	report, err := j.spec.Run(ctx)
	if err != nil {
		observability.ProbeRuns.WithLabelValues(id, "error").Inc()
		if ctx.Err() == nil {
			s.logger.Warn("probe failed", zap.String("module", id), zap.Error(err))
		}
		return
	}
	if report.IsEmpty() {
		observability.ProbeRuns.WithLabelValues(id, "empty").Inc()
		return
	}

	observability.ProbeRuns.WithLabelValues(id, "ok").Inc()
	s.sink.Put(id, report, s.clock.Now(), j.spec.Expiry)
}
