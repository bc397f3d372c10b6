// Package connection owns the agent's websocket session with the collector:
// handshake, heartbeat, report push and reconnect.
package connection

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/itskum47/hostwatch/agent/observability"
	"github.com/itskum47/hostwatch/wire"
)

var (
	// ErrUnauthorized is permanent: the collector rejected the client key.
	ErrUnauthorized = errors.New("collector rejected credentials")
	// ErrProtocol covers a missing or unexpected heartbeat reply.
	ErrProtocol = errors.New("protocol violation")
)

// Options configures the session.
type Options struct {
	URL       string
	ClientKey string
	Ident     string
	Version   string

	ConnectTimeout time.Duration
	PingTimeout    time.Duration
	ReportDelay    time.Duration
	ReconnectDelay time.Duration
	ServerKOGrace  time.Duration
}

// Aggregator produces the next report to push, or nil.
type Aggregator interface {
	Aggregate(now time.Time) *wire.OutboundReport
}

// Manager keeps a session open until its context ends or the collector
// rejects the credentials.
type Manager struct {
	opts     Options
	agg      Aggregator
	alerter  Alerter
	clock    clockwork.Clock
	logger   *zap.Logger
	dialer   *websocket.Dialer
	observer *OutageObserver
	state    atomic.Int32
}

func NewManager(opts Options, agg Aggregator, alerter Alerter, clock clockwork.Clock, logger *zap.Logger) *Manager {
	m := &Manager{
		opts:    opts,
		agg:     agg,
		alerter: alerter,
		clock:   clock,
		logger:  logger.Named("connection"),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.ConnectTimeout,
		},
		observer: NewOutageObserver(opts.ServerKOGrace),
	}
	m.setState(Disconnected)
	return m
}

// State returns the current connection state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// Healthy returns nil while a session is established.
func (m *Manager) Healthy(context.Context) error {
	if s := m.State(); s != Connected {
		return fmt.Errorf("collector connection %s", s)
	}
	return nil
}

func (m *Manager) setState(s State) {
	if State(m.state.Swap(int32(s))) != s {
		m.logger.Debug("state changed", zap.Stringer("state", s))
	}
	publishState(s)
}

// Run connects and reconnects until ctx is cancelled, in which case it
// returns nil, or until the collector rejects the credentials.
func (m *Manager) Run(ctx context.Context) error {
	for {
		m.setState(Connecting)
		err := m.session(ctx)
		m.setState(Disconnected)

		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrUnauthorized) {
			observability.ConnectionFailures.WithLabelValues("auth").Inc()
			m.logger.Error("collector rejected credentials, giving up", zap.Error(err))
			return err
		}

		kind := "transport"
		if errors.Is(err, ErrProtocol) {
			kind = "protocol"
		}
		observability.ConnectionFailures.WithLabelValues(kind).Inc()
		m.logger.Warn("collector session failed",
			zap.String("kind", kind),
			zap.Error(err),
			zap.Duration("retry_in", m.opts.ReconnectDelay))

		if m.observer.Fail(m.clock.Now(), err) {
			m.raise(ctx, err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-m.clock.After(m.opts.ReconnectDelay):
		}
	}
}

func (m *Manager) raise(ctx context.Context, cause error) {
	since, failures, _ := m.observer.Episode()
	observability.OutageAlerts.Inc()
	a := Alert{
		Ident:     m.opts.Ident,
		Collector: m.opts.URL,
		Since:     since,
		Failures:  failures,
		LastError: cause.Error(),
	}
	if err := m.alerter.Alert(ctx, a); err != nil {
		m.logger.Error("failed to deliver outage alert", zap.Error(err))
	}
}

func (m *Manager) session(ctx context.Context) error {
	header := http.Header{}
	header.Set(wire.HeaderKey, m.opts.ClientKey)
	header.Set(wire.HeaderIdent, m.opts.Ident)
	header.Set(wire.HeaderVersion, m.opts.Version)

	dialCtx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	conn, resp, err := m.dialer.DialContext(dialCtx, m.opts.URL, header)
	cancel()
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return fmt.Errorf("%w: handshake status %d", ErrUnauthorized, resp.StatusCode)
		}
		return fmt.Errorf("dial %s: %w", m.opts.URL, err)
	}
	defer conn.Close()

	m.observer.Resolve()
	m.setState(Connected)
	m.logger.Info("connected to collector", zap.String("url", m.opts.URL))

	stop := context.AfterFunc(ctx, func() {
		m.setState(Closing)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "agent shutdown")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		conn.Close()
	})
	defer stop()

	for {
		if err := m.heartbeat(conn); err != nil {
			return err
		}
		if err := m.push(conn); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.clock.After(m.opts.ReportDelay):
		}
	}
}

// heartbeat sends a ping and waits up to PingTimeout for the pong.
func (m *Manager) heartbeat(conn *websocket.Conn) error {
	deadline := time.Now().Add(m.opts.PingTimeout)
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(wire.Ping)); err != nil {
		return fmt.Errorf("send ping: %w", err)
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return fmt.Errorf("set read deadline: %w", err)
	}
	mt, data, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("%w: waiting for pong: %v", ErrProtocol, err)
	}
	if mt != websocket.TextMessage || string(data) != wire.Pong {
		return fmt.Errorf("%w: unexpected heartbeat reply %q", ErrProtocol, data)
	}
	return nil
}

func (m *Manager) push(conn *websocket.Conn) error {
	report := m.agg.Aggregate(m.clock.Now())
	if report == nil {
		return nil
	}
	data, err := wire.Encode(report)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	if err := conn.SetWriteDeadline(time.Now().Add(m.opts.ConnectTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("push report: %w", err)
	}
	observability.ReportsPushed.Inc()
	m.logger.Debug("report pushed",
		zap.Int("modules", len(report.ModReports)),
		zap.Int("bytes", len(data)))
	return nil
}
