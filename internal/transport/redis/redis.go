// Package redis implements the shared-backend transport on redis pub/sub.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/procevents/internal/transport"
)

const pingTimeout = 5 * time.Second

// Transport publishes on one shared client and opens a dedicated pub/sub
// connection per subscription.
type Transport struct {
	client *goredis.Client
	logger *zap.Logger
	closed atomic.Bool
	once   sync.Once
}

var (
	_ transport.Publisher  = (*Transport)(nil)
	_ transport.Subscriber = (*Transport)(nil)
)

// Open parses url, connects and verifies the server with PING.
func Open(ctx context.Context, url string, logger *zap.Logger) (*Transport, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse cache url: %w", err)
	}
	client := goredis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return New(client, logger), nil
}

// New wraps an existing client. The Transport owns it from here on.
func New(client *goredis.Client, logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{client: client, logger: logger}
}

// Publish sends payload to channel.
func (t *Transport) Publish(ctx context.Context, channel string, payload []byte) error {
	if t.closed.Load() {
		return transport.ErrClosed
	}
	if err := t.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", channel, err)
	}
	return nil
}

// Close shuts the shared client. Later calls are no-ops.
func (t *Transport) Close() error {
	var err error
	t.once.Do(func() {
		t.closed.Store(true)
		if cerr := t.client.Close(); cerr != nil && !errors.Is(cerr, goredis.ErrClosed) {
			err = fmt.Errorf("close redis client: %w", cerr)
		}
	})
	return err
}

// Subscribe opens a dedicated pub/sub connection for channel and relays each
// message payload to handler until the subscription is closed.
func (t *Transport) Subscribe(ctx context.Context, channel string, handler transport.Handler) (transport.Subscription, error) {
	if t.closed.Load() {
		return nil, transport.ErrClosed
	}
	ps := t.client.Subscribe(ctx, channel)
	// Wait for the subscribe confirmation so no publish after this call is missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", channel, err)
	}
	sub := &subscription{
		ps:      ps,
		channel: channel,
		logger:  t.logger,
		done:    make(chan struct{}),
	}
	go sub.loop(handler)
	return sub, nil
}

type subscription struct {
	ps      *goredis.PubSub
	channel string
	logger  *zap.Logger
	done    chan struct{}
	once    sync.Once
}

func (s *subscription) loop(handler transport.Handler) {
	defer close(s.done)
	for msg := range s.ps.Channel() {
		handler([]byte(msg.Payload))
	}
	s.logger.Debug("redis subscription ended", zap.String("channel", s.channel))
}

// Close unsubscribes and waits for the receive loop to exit or ctx to expire.
func (s *subscription) Close(ctx context.Context) error {
	var closeErr error
	s.once.Do(func() {
		errCh := make(chan error, 1)
		go func() { errCh <- s.ps.Close() }()
		select {
		case err := <-errCh:
			if err != nil && !errors.Is(err, goredis.ErrClosed) {
				closeErr = fmt.Errorf("close redis subscription %s: %w", s.channel, err)
			}
		case <-ctx.Done():
			closeErr = fmt.Errorf("close redis subscription %s: %w", s.channel, ctx.Err())
		}
	})
	if closeErr != nil {
		return closeErr
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait redis subscription %s: %w", s.channel, ctx.Err())
	}
}
