package ingest

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/itskum47/hostwatch/collector/observability"
	"github.com/itskum47/hostwatch/wire"
)

const (
	defaultMaxMessageBytes = 4 << 20
	defaultWriteTimeout    = 5 * time.Second
	defaultIdleTimeout     = 60 * time.Second
)

// Limiter throttles reports per agent ident.
type Limiter interface {
	Wait(ctx context.Context, key string) error
	Forget(key string)
}

// HandlerOptions configures the websocket endpoint. IdleTimeout closes
// sessions whose agent stopped sending frames.
type HandlerOptions struct {
	ClientKeys      []string
	MaxMessageBytes int64
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
}

// Handler is the websocket endpoint agents connect to. Each connection is
// served on its own goroutine and its reports are ingested in receive order.
type Handler struct {
	ctx      context.Context
	service  *Service
	limiter  Limiter
	keys     map[string]struct{}
	opts     HandlerOptions
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewHandler creates the endpoint. Cancelling ctx closes every open session.
func NewHandler(ctx context.Context, service *Service, limiter Limiter, opts HandlerOptions, logger *zap.Logger) *Handler {
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = defaultMaxMessageBytes
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = defaultIdleTimeout
	}
	keys := make(map[string]struct{}, len(opts.ClientKeys))
	for _, k := range opts.ClientKeys {
		keys[k] = struct{}{}
	}
	return &Handler{
		ctx:     ctx,
		service: service,
		limiter: limiter,
		keys:    keys,
		opts:    opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 1024,
			// Agents are not browsers; the client key is the credential.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger.Named("handler"),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.track() {
		http.Error(w, "collector shutting down", http.StatusServiceUnavailable)
		return
	}
	defer h.wg.Done()

	key := r.Header.Get(wire.HeaderKey)
	if _, ok := h.keys[key]; !ok || key == "" {
		observability.SessionsRejected.WithLabelValues("unauthorized").Inc()
		h.logger.Warn("rejected agent with unknown key", zap.String("remote", r.RemoteAddr))
		http.Error(w, "unknown client key", http.StatusUnauthorized)
		return
	}

	sess := Session{
		Ident:      r.Header.Get(wire.HeaderIdent),
		Version:    r.Header.Get(wire.HeaderVersion),
		RemoteAddr: r.RemoteAddr,
	}
	if sess.Ident == "" {
		observability.SessionsRejected.WithLabelValues("missing_ident").Inc()
		http.Error(w, "missing agent ident", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		h.logger.Warn("websocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	h.serve(conn, sess)
}

// track registers a request with the WaitGroup unless Wait has begun.
func (h *Handler) track() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || h.ctx.Err() != nil {
		return false
	}
	h.wg.Add(1)
	return true
}

func (h *Handler) serve(conn *websocket.Conn, sess Session) {
	logger := h.logger.With(zap.String("ident", sess.Ident), zap.String("remote", sess.RemoteAddr))
	logger.Info("agent connected", zap.String("version", sess.Version))
	observability.ConnectedAgents.Inc()

	stop := context.AfterFunc(h.ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "collector shutting down"),
			time.Now().Add(time.Second))
		_ = conn.Close()
	})

	defer func() {
		stop()
		_ = conn.Close()
		h.limiter.Forget(sess.Ident)
		observability.ConnectedAgents.Dec()
		logger.Info("agent disconnected")
	}()

	conn.SetReadLimit(h.opts.MaxMessageBytes)

	// In-flight reports finish even when shutdown begins mid-transaction.
	ingestCtx := context.WithoutCancel(h.ctx)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(h.opts.IdleTimeout))
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			switch {
			case errors.As(err, &netErr) && netErr.Timeout():
				observability.SessionsReaped.Inc()
				logger.Warn("closing idle session", zap.Duration("idle_timeout", h.opts.IdleTimeout))
			case websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && h.ctx.Err() == nil:
				logger.Debug("session read ended", zap.Error(err))
			}
			return
		}

		if messageType == websocket.TextMessage && string(data) == wire.Ping {
			_ = conn.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, []byte(wire.Pong)); err != nil {
				logger.Debug("pong write failed", zap.Error(err))
				return
			}
			continue
		}

		report, err := h.decode(messageType, data)
		if err != nil {
			observability.IngestErrors.WithLabelValues("decode").Inc()
			logger.Warn("closing session on malformed payload", zap.Error(err))
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseUnsupportedData, "malformed report"),
				time.Now().Add(h.opts.WriteTimeout))
			return
		}

		waitStart := time.Now()
		if err := h.limiter.Wait(h.ctx, sess.Ident); err != nil {
			return
		}
		observability.RateLimitWait.Observe(time.Since(waitStart).Seconds())

		res, err := h.service.Ingest(ingestCtx, sess, report)
		if err != nil {
			// Delivery is best effort: the report is lost, the session stays up.
			observability.IngestErrors.WithLabelValues("storage").Inc()
			logger.Error("failed to store report", zap.Error(err))
			continue
		}
		logger.Debug("report stored",
			zap.Int("metrics", res.Metrics),
			zap.Int("statuses", res.Statuses),
			zap.Int("transitions", res.Transitions))
	}
}

func (h *Handler) decode(messageType int, data []byte) (*wire.OutboundReport, error) {
	if messageType != websocket.TextMessage {
		return nil, errors.New("unexpected binary frame")
	}
	return wire.Decode(data)
}

// Wait blocks until every session has ended or ctx is done. Requests
// arriving after Wait is called are refused.
func (h *Handler) Wait(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
