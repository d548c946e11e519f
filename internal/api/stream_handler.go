package api

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/procevents/internal/events"
	"github.com/JakeFAU/procevents/internal/metrics"
	"github.com/JakeFAU/procevents/internal/stream"
	"github.com/JakeFAU/procevents/internal/transport"
)

// Notifier is the publish side of the service as seen by HTTP handlers.
type Notifier interface {
	Publish(userID string, evt events.ProcessingEvent)
	Relay(conn *stream.Conn) transport.Handler
}

// IDGenerator produces connection IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// Clock supplies frame timestamps.
type Clock interface {
	NowMillis() int64
}

// Defaults applied by NewServer to zero StreamConfig fields.
const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultCloseTimeout      = 5 * time.Second
)

// StreamConfig tunes one streaming session. WriteTimeout bounds every frame
// write, which in turn bounds how long a publisher can be held by a client
// that stopped reading.
type StreamConfig struct {
	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
	CloseTimeout      time.Duration
}

// StreamHandler serves GET /v1/events/stream. Each request is one session:
// it is acknowledged with a connected frame, registered for direct dispatch,
// subscribed to the user's backend channel, kept alive with pings and torn
// down when the client leaves or the process shuts down.
type StreamHandler struct {
	cfg        StreamConfig
	users      UserResolver
	registry   *stream.Registry
	notifier   Notifier
	subscriber transport.Subscriber
	ids        IDGenerator
	clock      Clock
	sessions   context.Context
	metrics    *metrics.Collectors
	logger     *zap.Logger
}

func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, err := h.users.ResolveUser(r)
	if err != nil {
		h.logger.Debug("stream rejected", zap.Error(err))
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if _, ok := w.(http.Flusher); !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	connID, err := h.ids.NewID()
	if err != nil {
		h.logger.Error("connection id generation failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	logger := h.logger.With(zap.String("user_id", userID), zap.String("conn_id", connID))

	hdr := w.Header()
	hdr.Set("Content-Type", "text/event-stream")
	hdr.Set("Cache-Control", "no-cache")
	hdr.Set("Connection", "keep-alive")
	hdr.Set("Access-Control-Allow-Origin", "*")
	hdr.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	conn := stream.NewConn(connID, userID, func(frame []byte) error {
		// Not every writer supports deadlines; the write itself still reports failures.
		_ = rc.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
		if _, err := w.Write(frame); err != nil {
			return err
		}
		return rc.Flush()
	})
	defer func() {
		conn.Close()
		_ = rc.SetWriteDeadline(time.Time{})
	}()

	hello, err := events.EncodeFrame(events.Connected(userID, h.clock.NowMillis()))
	if err != nil {
		logger.Error("connected frame encoding failed", zap.Error(err))
		return
	}
	if err := conn.Write(hello); err != nil {
		logger.Debug("client gone before registration", zap.Error(err))
		return
	}

	h.registry.Register(conn)
	defer h.registry.Unregister(conn)
	h.metrics.SessionStarted()
	logger.Debug("stream session started")

	var sub transport.Subscription
	if h.subscriber != nil {
		sub, err = h.subscriber.Subscribe(r.Context(), transport.ChannelName(userID), h.notifier.Relay(conn))
		if err != nil {
			logger.Warn("backend subscribe failed, session limited to same-process events", zap.Error(err))
			sub = nil
		}
	}

	hbCtx, stopHeartbeat := context.WithCancel(context.Background())
	hbDone := make(chan struct{})
	go h.heartbeat(hbCtx, conn, logger, hbDone)

	reason := "client disconnected"
	select {
	case <-r.Context().Done():
	case <-conn.Done():
		reason = "write failed"
	case <-h.sessionsDone():
		reason = "server shutting down"
	}

	stopHeartbeat()
	<-hbDone
	if sub != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), h.cfg.CloseTimeout)
		if err := sub.Close(closeCtx); err != nil {
			logger.Warn("backend subscription close failed", zap.Error(err))
		}
		cancel()
	}
	logger.Debug("stream session closed", zap.String("reason", reason))
}

func (h *StreamHandler) heartbeat(ctx context.Context, conn *stream.Conn, logger *zap.Logger, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			frame, err := events.EncodeFrame(events.Ping(h.clock.NowMillis()))
			if err != nil {
				logger.Error("ping frame encoding failed", zap.Error(err))
				continue
			}
			if err := conn.Write(frame); err != nil {
				h.metrics.ObserveHeartbeat(false)
				logger.Debug("heartbeat failed, closing stream", zap.Error(err))
				conn.Close()
				return
			}
			h.metrics.ObserveHeartbeat(true)
		}
	}
}

func (c StreamConfig) withDefaults() StreamConfig {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = DefaultCloseTimeout
	}
	return c
}

func (h *StreamHandler) sessionsDone() <-chan struct{} {
	if h.sessions == nil {
		return nil
	}
	return h.sessions.Done()
}
