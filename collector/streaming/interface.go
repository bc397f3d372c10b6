package streaming

import (
	"context"
	"time"
)

// Event is the envelope every publisher emits.
type Event struct {
	ID        string    `json:"id"`
	Topic     string    `json:"topic"`
	Payload   []byte    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

// Publisher hands events to a downstream consumer.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload interface{}) error
	Close() error
}

const eventSource = "hostwatch-collector"
