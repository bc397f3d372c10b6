package coordination

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/itskum47/hostwatch/collector/observability"
	"github.com/itskum47/hostwatch/collector/store"
)

// RetentionPolicy is the maximum age kept per granularity. A zero age keeps
// rows forever.
type RetentionPolicy struct {
	Buckets map[store.Granularity]time.Duration
	Health  time.Duration
}

// RetentionJanitor periodically deletes rows past their retention.
type RetentionJanitor struct {
	engine   store.Engine
	policy   RetentionPolicy
	interval time.Duration
	clock    clockwork.Clock
	logger   *zap.Logger
}

func NewRetentionJanitor(engine store.Engine, policy RetentionPolicy, interval time.Duration, clock clockwork.Clock, logger *zap.Logger) *RetentionJanitor {
	return &RetentionJanitor{
		engine:   engine,
		policy:   policy,
		interval: interval,
		clock:    clock,
		logger:   logger.Named("retention"),
	}
}

// Run cleans once immediately and then every interval until ctx is done.
func (j *RetentionJanitor) Run(ctx context.Context) error {
	j.Clean(ctx)

	ticker := j.clock.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			j.Clean(ctx)
		}
	}
}

// Clean runs one purge pass. Granularities are purged independently; a
// failure on one does not stop the others.
func (j *RetentionJanitor) Clean(ctx context.Context) int64 {
	var total int64
	for _, g := range store.Granularities {
		maxAge := j.policy.Buckets[g]
		if maxAge <= 0 {
			continue
		}
		n, err := j.engine.PurgeBefore(ctx, g, maxAge)
		if err != nil {
			if ctx.Err() != nil {
				return total
			}
			j.logger.Error("purge failed", zap.String("granularity", g.String()), zap.Error(err))
			continue
		}
		observability.RowsPurged.WithLabelValues(g.Table()).Add(float64(n))
		total += n
	}

	if j.policy.Health > 0 {
		n, err := j.engine.PurgeHealth(ctx, j.policy.Health)
		if err != nil {
			if ctx.Err() == nil {
				j.logger.Error("health purge failed", zap.Error(err))
			}
		} else {
			observability.RowsPurged.WithLabelValues("health").Add(float64(n))
			total += n
		}
	}

	if total > 0 {
		j.logger.Info("retention pass", zap.Int64("rows", total))
	}
	return total
}
