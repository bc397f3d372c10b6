package streaming

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

// RedisOptions configures the stream publisher.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Stream is the key events are appended to; the topic is carried as a field.
	Stream string
	// MaxLen caps the stream length approximately. Zero leaves it unbounded.
	MaxLen int64
}

// RedisPublisher appends events to a Redis stream with XADD.
type RedisPublisher struct {
	client *redis.Client
	opts   RedisOptions
	clock  clockwork.Clock
}

// NewRedisPublisher connects to Redis and verifies it with PING.
func NewRedisPublisher(ctx context.Context, opts RedisOptions, clock clockwork.Clock) (*RedisPublisher, error) {
	if opts.Stream == "" {
		return nil, fmt.Errorf("redis publisher: stream key is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis publisher: ping %s: %w", opts.Addr, err)
	}
	return &RedisPublisher{client: client, opts: opts, clock: clock}, nil
}

func (p *RedisPublisher) Publish(ctx context.Context, topic string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	args := &redis.XAddArgs{
		Stream: p.opts.Stream,
		Values: map[string]interface{}{
			"id":        uuid.NewString(),
			"topic":     topic,
			"payload":   string(data),
			"timestamp": p.clock.Now().UTC().UnixMilli(),
			"source":    eventSource,
		},
	}
	if p.opts.MaxLen > 0 {
		args.MaxLen = p.opts.MaxLen
		args.Approx = true
	}

	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis publisher: xadd %s: %w", p.opts.Stream, err)
	}
	return nil
}

// Client exposes the underlying client for readers of the stream.
func (p *RedisPublisher) Client() *redis.Client {
	return p.client
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
