package connection

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/itskum47/hostwatch/agent/observability"
	"github.com/itskum47/hostwatch/wire"
)

func TestOutageObserver(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	o := NewOutageObserver(5 * time.Minute)
	boom := errors.New("connection refused")

	assert.False(t, o.Fail(t0, boom))
	assert.False(t, o.Fail(t0.Add(time.Minute), boom))
	assert.False(t, o.Fail(t0.Add(2*time.Minute), boom))

	assert.True(t, o.Fail(t0.Add(6*time.Minute), boom))
	since, failures, ok := o.Episode()
	assert.True(t, ok)
	assert.Equal(t, t0, since)
	assert.Equal(t, 4, failures)

	// One alert per episode.
	assert.False(t, o.Fail(t0.Add(7*time.Minute), boom))
	assert.False(t, o.Fail(t0.Add(60*time.Minute), boom))

	o.Resolve()
	_, _, ok = o.Episode()
	assert.False(t, ok)

	assert.False(t, o.Fail(t0.Add(61*time.Minute), boom))
	assert.True(t, o.Fail(t0.Add(67*time.Minute), boom))
}

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []Alert
}

func (r *recordingAlerter) Alert(_ context.Context, a Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return nil
}

func (r *recordingAlerter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.alerts)
}

type queueAggregator struct {
	mu      sync.Mutex
	reports []*wire.OutboundReport
}

func (q *queueAggregator) Aggregate(time.Time) *wire.OutboundReport {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.reports) == 0 {
		return nil
	}
	r := q.reports[0]
	q.reports = q.reports[1:]
	return r
}

type collector struct {
	server   *httptest.Server
	reports  chan *wire.OutboundReport
	headers  chan http.Header
	sessions atomic.Int64
	reply    string
	status   int
}

func newCollector(t *testing.T, reply string, status int) *collector {
	c := &collector{
		reports: make(chan *wire.OutboundReport, 16),
		headers: make(chan http.Header, 16),
		reply:   reply,
		status:  status,
	}
	upgrader := websocket.Upgrader{}
	c.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.sessions.Add(1)
		if c.status != 0 {
			w.WriteHeader(c.status)
			return
		}
		c.headers <- r.Header.Clone()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if string(data) == wire.Ping {
				if err := conn.WriteMessage(websocket.TextMessage, []byte(c.reply)); err != nil {
					return
				}
				continue
			}
			report, err := wire.Decode(data)
			if err == nil {
				c.reports <- report
			}
		}
	}))
	t.Cleanup(c.server.Close)
	return c
}

func (c *collector) url() string {
	return "ws" + strings.TrimPrefix(c.server.URL, "http")
}

func testOptions(url string) Options {
	return Options{
		URL:            url,
		ClientKey:      "secret",
		Ident:          "agent-1",
		Version:        "1.0.0",
		ConnectTimeout: 2 * time.Second,
		PingTimeout:    time.Second,
		ReportDelay:    5 * time.Second,
		ReconnectDelay: 10 * time.Second,
		ServerKOGrace:  0,
	}
}

func runManager(t *testing.T, m *Manager) (context.CancelFunc, chan error) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, done
}

func waitDone(t *testing.T, done chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("manager did not return")
		return nil
	}
}

func TestPushesReportsAfterHeartbeat(t *testing.T) {
	c := newCollector(t, wire.Pong, 0)
	clock := clockwork.NewFakeClock()
	agg := &queueAggregator{reports: []*wire.OutboundReport{
		{Meta: wire.Meta{Time: 1}, ModReports: []wire.ModuleReport{{Module: "cpu", Report: &wire.Report{
			Metrics: []wire.MetricDatum{{Subject: "cpu", Metric: "load1", Value: 0.5}},
		}}}},
		{Meta: wire.Meta{Time: 2}, ModReports: []wire.ModuleReport{{Module: "cpu", Report: &wire.Report{
			Status: []wire.StatusDatum{{Subject: "cpu", Type: "load", State: "ok"}},
		}}}},
	}}
	alerter := &recordingAlerter{}
	m := NewManager(testOptions(c.url()), agg, alerter, clock, zaptest.NewLogger(t))
	cancel, done := runManager(t, m)

	select {
	case h := <-c.headers:
		assert.Equal(t, "secret", h.Get(wire.HeaderKey))
		assert.Equal(t, "agent-1", h.Get(wire.HeaderIdent))
		assert.Equal(t, "1.0.0", h.Get(wire.HeaderVersion))
	case <-time.After(2 * time.Second):
		t.Fatal("no handshake")
	}

	first := <-c.reports
	assert.Equal(t, int64(1), first.Meta.Time)
	assert.Equal(t, Connected, m.State())
	assert.NoError(t, m.Healthy(context.Background()))

	ctx, stop := context.WithTimeout(context.Background(), 2*time.Second)
	defer stop()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(5 * time.Second)

	second := <-c.reports
	assert.Equal(t, int64(2), second.Meta.Time)

	cancel()
	assert.NoError(t, waitDone(t, done))
	assert.Equal(t, Disconnected, m.State())
	assert.Error(t, m.Healthy(context.Background()))
	assert.Equal(t, 0, alerter.count())
	assert.Equal(t, int64(1), c.sessions.Load())
}

func TestUnauthorizedIsPermanent(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		c := newCollector(t, wire.Pong, status)
		alerter := &recordingAlerter{}
		m := NewManager(testOptions(c.url()), &queueAggregator{}, alerter, clockwork.NewFakeClock(), zaptest.NewLogger(t))
		_, done := runManager(t, m)

		err := waitDone(t, done)
		assert.ErrorIs(t, err, ErrUnauthorized)
		assert.Equal(t, int64(1), c.sessions.Load())
		assert.Equal(t, 0, alerter.count())
	}
}

func TestProtocolFailureReconnectsWithoutAlert(t *testing.T) {
	c := newCollector(t, "nope", 0)
	clock := clockwork.NewFakeClock()
	alerter := &recordingAlerter{}
	m := NewManager(testOptions(c.url()), &queueAggregator{}, alerter, clock, zaptest.NewLogger(t))
	before := testutil.ToFloat64(observability.ConnectionFailures.WithLabelValues("protocol"))
	cancel, done := runManager(t, m)

	ctx, stop := context.WithTimeout(context.Background(), 3*time.Second)
	defer stop()

	// Every session fails at the heartbeat; a successful handshake resolves
	// the episode, so the alert never fires for a reachable collector.
	for i := 1; i <= 3; i++ {
		require.NoError(t, clock.BlockUntilContext(ctx, 1))
		assert.Equal(t, int64(i), c.sessions.Load())
		clock.Advance(10 * time.Second)
	}
	require.Eventually(t, func() bool { return c.sessions.Load() >= 4 }, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, testutil.ToFloat64(observability.ConnectionFailures.WithLabelValues("protocol"))-before, 3.0)
	assert.Equal(t, 0, alerter.count())

	cancel()
	assert.NoError(t, waitDone(t, done))
}

func TestUnreachableCollectorAlertsOncePerEpisode(t *testing.T) {
	c := newCollector(t, wire.Pong, 0)
	url := c.url()
	c.server.Close()

	clock := clockwork.NewFakeClock()
	alerter := &recordingAlerter{}
	opts := testOptions(url)
	opts.ServerKOGrace = 25 * time.Second
	m := NewManager(opts, &queueAggregator{}, alerter, clock, zaptest.NewLogger(t))
	cancel, done := runManager(t, m)

	ctx, stop := context.WithTimeout(context.Background(), 3*time.Second)
	defer stop()

	// Failures at 0s, 10s, 20s stay within the grace.
	for i := 0; i < 3; i++ {
		require.NoError(t, clock.BlockUntilContext(ctx, 1))
		assert.Equal(t, 0, alerter.count())
		clock.Advance(10 * time.Second)
	}
	// The failure at 30s escalates.
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	assert.Equal(t, 1, alerter.count())

	clock.Advance(10 * time.Second)
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	assert.Equal(t, 1, alerter.count())

	alerter.mu.Lock()
	a := alerter.alerts[0]
	alerter.mu.Unlock()
	assert.Equal(t, "agent-1", a.Ident)
	assert.Equal(t, url, a.Collector)
	assert.Equal(t, 4, a.Failures)
	assert.NotEmpty(t, a.LastError)

	// Shutdown during the retry wait returns cleanly without alerting.
	cancel()
	assert.NoError(t, waitDone(t, done))
	assert.Equal(t, 1, alerter.count())
}

func TestWebhookAlerter(t *testing.T) {
	got := make(chan Alert, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var a Alert
		if err := json.NewDecoder(r.Body).Decode(&a); err == nil {
			got <- a
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	w := NewWebhookAlerter(srv.URL, time.Second)
	require.NoError(t, w.Alert(context.Background(), Alert{Ident: "agent-1", Failures: 3}))
	a := <-got
	assert.Equal(t, "agent-1", a.Ident)
	assert.Equal(t, 3, a.Failures)

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer failing.Close()

	multi := MultiAlerter{NewLogAlerter(zaptest.NewLogger(t)), NewWebhookAlerter(failing.URL, time.Second)}
	err := multi.Alert(context.Background(), Alert{Ident: "agent-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}
