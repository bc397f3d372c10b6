package coordination

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/itskum47/hostwatch/collector/observability"
)

const maxRenewFailures = 3

// LeaderElector runs work only while this instance holds the lease, so
// several collectors can share one database without dispatching alerts or
// purging twice.
type LeaderElector struct {
	lease  Lease
	owner  string
	ttl    time.Duration
	clock  clockwork.Clock
	logger *zap.Logger

	mu       sync.RWMutex
	isLeader bool
}

func NewLeaderElector(lease Lease, owner string, ttl time.Duration, clock clockwork.Clock, logger *zap.Logger) *LeaderElector {
	return &LeaderElector{
		lease:  lease,
		owner:  owner,
		ttl:    ttl,
		clock:  clock,
		logger: logger.Named("leader").With(zap.String("owner", owner)),
	}
}

// IsLeader reports whether this instance currently holds the lease.
func (l *LeaderElector) IsLeader() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.isLeader
}

func (l *LeaderElector) setLeader(v bool) {
	l.mu.Lock()
	l.isLeader = v
	l.mu.Unlock()
	if v {
		observability.LeaderStatus.Set(1)
	} else {
		observability.LeaderStatus.Set(0)
	}
}

// Run tries to acquire the lease every ttl/3 and renews it while held. work
// runs under a context cancelled as soon as the lease is lost; it is
// restarted on re-acquisition. Run returns nil when ctx is done, after
// stopping work and releasing the lease.
func (l *LeaderElector) Run(ctx context.Context, work func(ctx context.Context) error) error {
	interval := l.ttl / 3
	if interval <= 0 {
		interval = time.Second
	}

	var (
		cancelWork context.CancelFunc
		workDone   chan struct{}
		failures   int
	)

	stepDown := func(event string) {
		if cancelWork == nil {
			return
		}
		cancelWork()
		<-workDone
		cancelWork, workDone = nil, nil
		l.setLeader(false)
		observability.LeadershipTransitions.WithLabelValues(event).Inc()
		l.logger.Info("leadership ended", zap.String("event", event))
	}

	for {
		if cancelWork != nil {
			renewed, err := l.lease.Renew(ctx, l.owner, l.ttl)
			switch {
			case err != nil && ctx.Err() == nil:
				failures++
				l.logger.Warn("lease renew failed", zap.Int("failures", failures), zap.Error(err))
				if failures >= maxRenewFailures {
					stepDown("lost")
					failures = 0
				}
			case err == nil && !renewed:
				stepDown("lost")
			case err == nil:
				failures = 0
			}
		} else {
			acquired, err := l.lease.Acquire(ctx, l.owner, l.ttl)
			if err != nil && ctx.Err() == nil {
				l.logger.Warn("lease acquire failed", zap.Error(err))
			}
			if err == nil && acquired {
				var workCtx context.Context
				workCtx, cancelWork = context.WithCancel(ctx)
				workDone = make(chan struct{})
				l.setLeader(true)
				observability.LeadershipTransitions.WithLabelValues("acquired").Inc()
				l.logger.Info("acquired leadership")

				go func(done chan struct{}) {
					defer close(done)
					if err := work(workCtx); err != nil && workCtx.Err() == nil {
						l.logger.Error("leader work failed", zap.Error(err))
					}
				}(workDone)
			}
		}

		select {
		case <-ctx.Done():
			if cancelWork != nil {
				stepDown("released")
				releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				if err := l.lease.Release(releaseCtx, l.owner); err != nil {
					l.logger.Warn("lease release failed", zap.Error(err))
				}
				cancel()
			}
			return nil
		case <-l.clock.After(interval):
		}
	}
}
