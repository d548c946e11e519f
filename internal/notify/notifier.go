// Package notify implements the publish API: every event is written to the
// caller's local streams synchronously and handed to the cross-process backend
// without ever blocking the caller on it.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/procevents/internal/clock/system"
	"github.com/JakeFAU/procevents/internal/events"
	"github.com/JakeFAU/procevents/internal/logging"
	"github.com/JakeFAU/procevents/internal/metrics"
	"github.com/JakeFAU/procevents/internal/stream"
	"github.com/JakeFAU/procevents/internal/transport"
)

// Config controls buffering and backend protection for the Notifier.
//   - BufferSize: broadcasts queued for the backend (default 1024).
//   - PublishTimeout: bound on one backend publish (default 2s).
//   - FailureThreshold: consecutive backend failures that open the breaker (default 5).
//   - OpenTimeout: how long the breaker stays open (default 30s).
//   - Transport: mode name used as the metrics label.
type Config struct {
	BufferSize       int
	PublishTimeout   time.Duration
	FailureThreshold uint32
	OpenTimeout      time.Duration
	Transport        string
	Logger           *zap.Logger
	Metrics          *metrics.Collectors
	Clock            Clock
}

// Clock supplies event timestamps.
type Clock interface {
	NowMillis() int64
}

const (
	defaultBufferSize       = 1024
	defaultPublishTimeout   = 2 * time.Second
	defaultFailureThreshold = 5
	defaultOpenTimeout      = 30 * time.Second
	dropLogInterval         = 5 * time.Second
)

type broadcast struct {
	userID    string
	eventType events.Type
	channel   string
	payload   []byte
}

// Notifier fans events out to local streams and, when a backend publisher is
// configured, to other processes. It is safe for concurrent use.
type Notifier struct {
	cfg        Config
	registry   *stream.Registry
	publisher  transport.Publisher
	instanceID string
	logger     *zap.Logger
	metrics    *metrics.Collectors
	breaker    *gobreaker.CircuitBreaker[struct{}]

	queue    chan broadcast
	stopCh   chan struct{}
	doneCh   chan struct{}
	closed   atomic.Bool
	dropped  atomic.Int64
	dropLog  rate.Sometimes
	closeCtx context.Context

	closeOnce sync.Once
}

// New builds a Notifier. A nil publisher means local-only delivery. instanceID
// marks this process's broadcasts so its own subscribers can skip them.
func New(cfg Config, registry *stream.Registry, publisher transport.Publisher, instanceID string) *Notifier {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaultPublishTimeout
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = defaultOpenTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = system.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	n := &Notifier{
		cfg:        cfg,
		registry:   registry,
		publisher:  publisher,
		instanceID: instanceID,
		logger:     logger,
		metrics:    cfg.Metrics,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		dropLog:    rate.Sometimes{Interval: dropLogInterval},
	}
	if publisher == nil {
		close(n.doneCh)
		return n
	}
	n.queue = make(chan broadcast, cfg.BufferSize)
	n.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:    "broadcast",
		Timeout: cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, transport.ErrPayloadTooLarge)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("broadcast circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	go n.run()
	return n
}

// InstanceID returns the ID stamped on this process's broadcasts.
func (n *Notifier) InstanceID() string { return n.instanceID }

// Publish delivers evt to userID. It never fails the caller: local streams are
// written before it returns, and the backend broadcast is queued. Problems are
// logged and the event is dropped.
func (n *Notifier) Publish(userID string, evt events.ProcessingEvent) {
	if n == nil {
		return
	}
	stamped := evt.Stamp(userID, n.cfg.Clock.NowMillis())
	if err := stamped.Validate(); err != nil {
		n.logger.Warn("discarding invalid event",
			append(logging.UserFields(userID, string(evt.Type)), zap.Error(err))...,
		)
		return
	}
	payload, err := events.Encode(stamped)
	if err != nil {
		n.logger.Warn("discarding unencodable event",
			append(logging.UserFields(userID, string(stamped.Type)), zap.Error(err))...,
		)
		return
	}

	n.registry.Dispatch(userID, stamped.Type, payload)

	if n.publisher == nil || n.closed.Load() {
		return
	}
	env, err := transport.EncodeEnvelope(n.instanceID, payload)
	if err != nil {
		n.logger.Warn("broadcast envelope failed",
			append(logging.UserFields(userID, string(stamped.Type)), zap.Error(err))...,
		)
		return
	}
	b := broadcast{
		userID:    userID,
		eventType: stamped.Type,
		channel:   transport.ChannelName(userID),
		payload:   env,
	}
	select {
	case n.queue <- b:
	default:
		n.dropped.Add(1)
		n.metrics.ObserveBroadcast(n.cfg.Transport, metrics.BroadcastDropped)
		n.dropLog.Do(func() {
			n.logger.Warn("broadcasts dropped due to backpressure", zap.Int64("dropped", n.dropped.Swap(0)))
		})
	}
}

// Relay returns the subscription handler for conn. It unwraps backend
// envelopes, skips those this process published, and writes the event frame.
func (n *Notifier) Relay(conn *stream.Conn) transport.Handler {
	return func(payload []byte) {
		env, err := transport.DecodeEnvelope(payload)
		if err != nil {
			n.metrics.ObserveRelay(metrics.RelayMalformed)
			n.logger.Debug("ignoring malformed backend message",
				zap.String("user_id", conn.UserID()),
				zap.Error(err),
			)
			return
		}
		if env.Origin == n.instanceID {
			n.metrics.ObserveRelay(metrics.RelayEchoSkipped)
			return
		}
		if err := conn.Write(events.Frame(env.Event)); err != nil {
			n.logger.Debug("relay write failed",
				zap.String("user_id", conn.UserID()),
				zap.String("conn_id", conn.ID()),
				zap.Error(err),
			)
			return
		}
		n.metrics.ObserveRelay(metrics.RelayRelayed)
	}
}

// Close stops accepting broadcasts, flushes what is queued while ctx allows,
// and closes the backend publisher exactly once. Publishes after Close still
// reach local streams.
func (n *Notifier) Close(ctx context.Context) error {
	if n == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	n.closeOnce.Do(func() {
		n.closed.Store(true)
		n.closeCtx = ctx
		close(n.stopCh)
	})
	select {
	case <-n.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("notifier close wait: %w", ctx.Err())
	}
}

func (n *Notifier) run() {
	defer close(n.doneCh)
	for {
		select {
		case b := <-n.queue:
			n.send(context.Background(), b)
		case <-n.stopCh:
			n.drain()
			n.closePublisher()
			return
		}
	}
}

func (n *Notifier) drain() {
	ctx := n.closeCtx
	for {
		if ctx.Err() != nil {
			return
		}
		select {
		case b := <-n.queue:
			n.send(ctx, b)
		default:
			return
		}
	}
}

func (n *Notifier) send(base context.Context, b broadcast) {
	ctx, cancel := context.WithTimeout(base, n.cfg.PublishTimeout)
	defer cancel()
	_, err := n.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, n.publisher.Publish(ctx, b.channel, b.payload)
	})
	switch {
	case err == nil:
		n.metrics.ObserveBroadcast(n.cfg.Transport, metrics.BroadcastPublished)
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		n.metrics.ObserveBroadcast(n.cfg.Transport, metrics.BroadcastRejected)
		n.logger.Debug("broadcast skipped while backend breaker is open",
			zap.String("user_id", b.userID),
			zap.String("event_type", string(b.eventType)),
		)
	default:
		n.metrics.ObserveBroadcast(n.cfg.Transport, metrics.BroadcastFailed)
		n.logger.Warn("broadcast failed",
			zap.String("user_id", b.userID),
			zap.String("event_type", string(b.eventType)),
			zap.String("channel", b.channel),
			zap.Error(err),
		)
	}
}

func (n *Notifier) closePublisher() {
	if err := n.publisher.Close(); err != nil {
		n.logger.Warn("closing backend publisher failed", zap.Error(err))
		return
	}
	n.logger.Info("backend publisher closed", zap.String("transport", n.cfg.Transport))
}
