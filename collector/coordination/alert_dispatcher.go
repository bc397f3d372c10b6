package coordination

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/itskum47/hostwatch/collector/observability"
	"github.com/itskum47/hostwatch/collector/store"
	"github.com/itskum47/hostwatch/collector/streaming"
)

// AlertTopic is the topic health transitions are published under.
const AlertTopic = "health"

// Alert is the published form of a health transition.
type Alert struct {
	ID          int64     `json:"id"`
	Ident       string    `json:"ident"`
	Module      string    `json:"module"`
	Subject     string    `json:"subject"`
	Type        string    `json:"type"`
	StateBefore string    `json:"state_before"`
	StateAfter  string    `json:"state_after"`
	Remaining   *float64  `json:"remaining,omitempty"`
	IsMetric    bool      `json:"is_metric"`
	Time        time.Time `json:"time"`
}

func alertFrom(h *store.HealthTransition) Alert {
	return Alert{
		ID:          h.ID,
		Ident:       h.Ident,
		Module:      h.Module,
		Subject:     h.Subject,
		Type:        h.Type,
		StateBefore: h.StateBefore,
		StateAfter:  h.StateAfter,
		Remaining:   h.Remaining,
		IsMetric:    h.IsMetric,
		Time:        h.Time,
	}
}

// AlertDispatcher drains the pending health queue into a publisher. A
// transition is only marked sent after it was published.
type AlertDispatcher struct {
	engine    store.Engine
	publisher streaming.Publisher
	interval  time.Duration
	clock     clockwork.Clock
	logger    *zap.Logger
}

func NewAlertDispatcher(engine store.Engine, publisher streaming.Publisher, interval time.Duration, clock clockwork.Clock, logger *zap.Logger) *AlertDispatcher {
	return &AlertDispatcher{
		engine:    engine,
		publisher: publisher,
		interval:  interval,
		clock:     clock,
		logger:    logger.Named("alerts"),
	}
}

// Run dispatches every interval until ctx is done.
func (d *AlertDispatcher) Run(ctx context.Context) error {
	ticker := d.clock.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			if _, err := d.Dispatch(ctx); err != nil && ctx.Err() == nil {
				d.logger.Error("alert dispatch failed", zap.Error(err))
			}
		}
	}
}

// Dispatch publishes all pending transitions and returns how many were
// marked sent.
func (d *AlertDispatcher) Dispatch(ctx context.Context) (int, error) {
	pending, err := d.engine.PendingAlerts(ctx)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	sent := make([]int64, 0, len(pending))
	for _, h := range pending {
		if err := d.publisher.Publish(ctx, AlertTopic, alertFrom(h)); err != nil {
			observability.AlertsDispatched.WithLabelValues("failed").Inc()
			d.logger.Warn("publish failed, alert stays pending",
				zap.Int64("id", h.ID),
				zap.String("ident", h.Ident),
				zap.Error(err))
			continue
		}
		observability.AlertsDispatched.WithLabelValues("published").Inc()
		sent = append(sent, h.ID)
	}

	if err := d.engine.MarkAlertsSent(ctx, sent); err != nil {
		return 0, err
	}
	if len(sent) > 0 {
		d.logger.Info("alerts dispatched", zap.Int("count", len(sent)), zap.Int("pending", len(pending)-len(sent)))
	}
	return len(sent), nil
}
