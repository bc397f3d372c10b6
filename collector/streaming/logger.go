package streaming

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// LogPublisher writes events to the structured log.
type LogPublisher struct {
	logger *zap.Logger
	clock  clockwork.Clock
}

func NewLogPublisher(logger *zap.Logger, clock clockwork.Clock) *LogPublisher {
	return &LogPublisher{
		logger: logger.Named("publisher"),
		clock:  clock,
	}
}

func (p *LogPublisher) Publish(ctx context.Context, topic string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	event := Event{
		ID:        uuid.NewString(),
		Topic:     topic,
		Payload:   data,
		Timestamp: p.clock.Now().UTC(),
		Source:    eventSource,
	}

	p.logger.Info("publish",
		zap.String("id", event.ID),
		zap.String("topic", event.Topic),
		zap.ByteString("payload", event.Payload),
		zap.Time("timestamp", event.Timestamp))
	return nil
}

func (p *LogPublisher) Close() error {
	p.logger.Debug("log publisher closed")
	return nil
}
