package coordination

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// stealableLease wraps LocalLease so tests can hand it to another owner or
// make Redis look unreachable.
type stealableLease struct {
	LocalLease
	mu   sync.Mutex
	fail bool
}

func (s *stealableLease) setFail(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = v
}

func (s *stealableLease) failing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fail
}

func (s *stealableLease) steal(owner string) {
	s.LocalLease.mu.Lock()
	defer s.LocalLease.mu.Unlock()
	s.LocalLease.owner = owner
}

func (s *stealableLease) holder() string {
	s.LocalLease.mu.Lock()
	defer s.LocalLease.mu.Unlock()
	return s.LocalLease.owner
}

func (s *stealableLease) Renew(ctx context.Context, owner string, ttl time.Duration) (bool, error) {
	if s.failing() {
		return false, errors.New("redis: connection refused")
	}
	return s.LocalLease.Renew(ctx, owner, ttl)
}

type workTracker struct {
	started chan struct{}
	stopped chan struct{}
}

func newWorkTracker() *workTracker {
	return &workTracker{started: make(chan struct{}, 8), stopped: make(chan struct{}, 8)}
}

func (w *workTracker) work(ctx context.Context) error {
	w.started <- struct{}{}
	<-ctx.Done()
	w.stopped <- struct{}{}
	return nil
}

func receive(t *testing.T, ch chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for work to be %s", what)
	}
}

func TestLeaderElectorLifecycle(t *testing.T) {
	clock := clockwork.NewFakeClock()
	lease := &stealableLease{}
	elector := NewLeaderElector(lease, "collector-a", 15*time.Second, clock, zaptest.NewLogger(t))
	tracker := newWorkTracker()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- elector.Run(ctx, tracker.work) }()

	receive(t, tracker.started, "started")
	assert.True(t, elector.IsLeader())
	assert.Equal(t, "collector-a", lease.holder())

	waitCtx, stop := context.WithTimeout(context.Background(), 2*time.Second)
	defer stop()

	// Another instance took over: the renew fails and work stops.
	require.NoError(t, clock.BlockUntilContext(waitCtx, 1))
	lease.steal("collector-b")
	clock.Advance(5 * time.Second)
	receive(t, tracker.stopped, "stopped")
	require.NoError(t, clock.BlockUntilContext(waitCtx, 1))
	assert.False(t, elector.IsLeader())

	// The lease frees up and is re-acquired.
	lease.steal("")
	clock.Advance(5 * time.Second)
	receive(t, tracker.started, "restarted")
	require.NoError(t, clock.BlockUntilContext(waitCtx, 1))
	assert.True(t, elector.IsLeader())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	receive(t, tracker.stopped, "stopped on shutdown")
	assert.False(t, elector.IsLeader())
	assert.Equal(t, "", lease.holder())
}

func TestLeaderElectorStepsDownAfterRepeatedRenewFailures(t *testing.T) {
	clock := clockwork.NewFakeClock()
	lease := &stealableLease{}
	elector := NewLeaderElector(lease, "collector-a", 3*time.Second, clock, zaptest.NewLogger(t))
	tracker := newWorkTracker()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- elector.Run(ctx, tracker.work) }()
	receive(t, tracker.started, "started")

	waitCtx, stop := context.WithTimeout(context.Background(), 2*time.Second)
	defer stop()

	lease.setFail(true)
	for i := 0; i < maxRenewFailures-1; i++ {
		require.NoError(t, clock.BlockUntilContext(waitCtx, 1))
		clock.Advance(time.Second)
	}
	require.NoError(t, clock.BlockUntilContext(waitCtx, 1))
	assert.True(t, elector.IsLeader())

	clock.Advance(time.Second)
	receive(t, tracker.stopped, "stopped")
	require.NoError(t, clock.BlockUntilContext(waitCtx, 1))
	assert.False(t, elector.IsLeader())

	cancel()
	<-done
}

func TestLocalLease(t *testing.T) {
	ctx := context.Background()
	var l LocalLease

	ok, err := l.Acquire(ctx, "a", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = l.Acquire(ctx, "b", time.Second)
	assert.False(t, ok)
	ok, _ = l.Renew(ctx, "b", time.Second)
	assert.False(t, ok)
	ok, _ = l.Renew(ctx, "a", time.Second)
	assert.True(t, ok)

	require.NoError(t, l.Release(ctx, "b"))
	ok, _ = l.Acquire(ctx, "b", time.Second)
	assert.False(t, ok)

	require.NoError(t, l.Release(ctx, "a"))
	ok, _ = l.Acquire(ctx, "b", time.Second)
	assert.True(t, ok)
}

func TestRedisLease(t *testing.T) {
	addr := os.Getenv("HOSTWATCH_TEST_REDIS_ADDR")
	if addr == "" || testing.Short() {
		t.Skip("HOSTWATCH_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	key := "hostwatch:test:lease:" + uuid.NewString()
	defer client.Del(ctx, key)
	l := NewRedisLease(client, key)

	ok, err := l.Acquire(ctx, "a", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Acquire(ctx, "b", 10*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = l.Renew(ctx, "a", 20*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	ttl, err := client.PTTL(ctx, key).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 10*time.Second)

	ok, err = l.Renew(ctx, "b", 20*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l.Release(ctx, "b"))
	assert.Equal(t, int64(1), client.Exists(ctx, key).Val())

	require.NoError(t, l.Release(ctx, "a"))
	assert.Equal(t, int64(0), client.Exists(ctx, key).Val())
}
