package coordination

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lease is an exclusive, expiring claim shared by collector instances.
type Lease interface {
	Acquire(ctx context.Context, owner string, ttl time.Duration) (bool, error)
	Renew(ctx context.Context, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, owner string) error
}

var (
	renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)
)

// RedisLease stores the lease in a single Redis key.
type RedisLease struct {
	client *redis.Client
	key    string
}

func NewRedisLease(client *redis.Client, key string) *RedisLease {
	return &RedisLease{client: client, key: key}
}

func (l *RedisLease) Acquire(ctx context.Context, owner string, ttl time.Duration) (bool, error) {
	return l.client.SetNX(ctx, l.key, owner, ttl).Result()
}

func (l *RedisLease) Renew(ctx context.Context, owner string, ttl time.Duration) (bool, error) {
	n, err := renewScript.Run(ctx, l.client, []string{l.key}, owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (l *RedisLease) Release(ctx context.Context, owner string) error {
	err := releaseScript.Run(ctx, l.client, []string{l.key}, owner).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

// LocalLease is held by whoever asks first within this process. It serves
// single-instance deployments that have no Redis.
type LocalLease struct {
	mu    sync.Mutex
	owner string
}

func (l *LocalLease) Acquire(_ context.Context, owner string, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owner == "" || l.owner == owner {
		l.owner = owner
		return true, nil
	}
	return false, nil
}

func (l *LocalLease) Renew(_ context.Context, owner string, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.owner == owner, nil
}

func (l *LocalLease) Release(_ context.Context, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owner == owner {
		l.owner = ""
	}
	return nil
}
