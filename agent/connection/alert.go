package connection

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Alert describes a collector outage that outlived the grace period.
type Alert struct {
	Ident     string    `json:"ident"`
	Collector string    `json:"collector"`
	Since     time.Time `json:"since"`
	Failures  int       `json:"failures"`
	LastError string    `json:"last_error"`
}

// Alerter delivers outage alerts to a human.
type Alerter interface {
	Alert(ctx context.Context, a Alert) error
}

// LogAlerter writes alerts to the log.
type LogAlerter struct {
	logger *zap.Logger
}

func NewLogAlerter(logger *zap.Logger) *LogAlerter {
	return &LogAlerter{logger: logger.Named("alert")}
}

func (l *LogAlerter) Alert(_ context.Context, a Alert) error {
	l.logger.Error("collector unreachable",
		zap.String("collector", a.Collector),
		zap.String("ident", a.Ident),
		zap.Time("since", a.Since),
		zap.Int("failures", a.Failures),
		zap.String("last_error", a.LastError))
	return nil
}

// WebhookAlerter POSTs alerts as JSON.
type WebhookAlerter struct {
	url    string
	client *http.Client
}

func NewWebhookAlerter(url string, timeout time.Duration) *WebhookAlerter {
	return &WebhookAlerter{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

func (w *WebhookAlerter) Alert(ctx context.Context, a Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// MultiAlerter fans an alert out to every alerter and combines their errors.
type MultiAlerter []Alerter

func (m MultiAlerter) Alert(ctx context.Context, a Alert) error {
	var err error
	for _, alerter := range m {
		err = multierr.Append(err, alerter.Alert(ctx, a))
	}
	return err
}
