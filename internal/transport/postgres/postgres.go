// Package postgres implements the database-notify transport on PostgreSQL
// LISTEN/NOTIFY.
package postgres

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/procevents/internal/transport"
)

// MaxPayload is the largest NOTIFY payload PostgreSQL accepts.
const MaxPayload = 7999

// Config controls the publisher pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// ListenConn is the subset of *pgx.Conn a subscription needs.
type ListenConn interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	WaitForNotification(context.Context) (*pgconn.Notification, error)
	Close(context.Context) error
}

// Dialer opens one dedicated session for a subscription.
type Dialer func(ctx context.Context) (ListenConn, error)

// Transport publishes through a small pool and listens on one dedicated
// connection per subscription.
type Transport struct {
	pool   execCloser
	dial   Dialer
	logger *zap.Logger
	closed atomic.Bool
	once   sync.Once
}

var (
	_ transport.Publisher  = (*Transport)(nil)
	_ transport.Subscriber = (*Transport)(nil)
)

// Open creates the publisher pool and a dialer for subscriptions from cfg.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Transport, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	connCfg := poolCfg.ConnConfig.Copy()
	dial := func(ctx context.Context) (ListenConn, error) {
		conn, err := pgx.ConnectConfig(ctx, connCfg)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
	return NewWithPool(pool, dial, logger), nil
}

// NewWithPool builds a Transport from an existing pool and dialer (primarily for testing).
func NewWithPool(pool execCloser, dial Dialer, logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{pool: pool, dial: dial, logger: logger}
}

// Publish sends payload with pg_notify. The channel is passed as a value so it
// needs no quoting.
func (t *Transport) Publish(ctx context.Context, channel string, payload []byte) error {
	if t.closed.Load() {
		return transport.ErrClosed
	}
	if len(payload) > MaxPayload {
		return fmt.Errorf("%w: %d bytes for notify", transport.ErrPayloadTooLarge, len(payload))
	}
	if _, err := t.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, string(payload)); err != nil {
		return fmt.Errorf("pg_notify %s: %w", channel, err)
	}
	return nil
}

// Close releases the publisher pool. Later calls are no-ops.
func (t *Transport) Close() error {
	t.once.Do(func() {
		t.closed.Store(true)
		t.pool.Close()
	})
	return nil
}

// Subscribe opens a dedicated session, issues LISTEN on channel and relays
// every notification payload to handler until the subscription is closed.
func (t *Transport) Subscribe(ctx context.Context, channel string, handler transport.Handler) (transport.Subscription, error) {
	if t.closed.Load() {
		return nil, transport.ErrClosed
	}
	if t.dial == nil {
		return nil, fmt.Errorf("postgres subscriber has no dialer")
	}
	conn, err := t.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect listener: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("listen %s: %w", channel, err)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &subscription{
		conn:    conn,
		channel: channel,
		logger:  t.logger,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go sub.loop(loopCtx, handler)
	return sub, nil
}

// listenerCloseTimeout bounds the terminate handshake of a LISTEN session.
const listenerCloseTimeout = 5 * time.Second

type subscription struct {
	conn     ListenConn
	channel  string
	logger   *zap.Logger
	cancel   context.CancelFunc
	done     chan struct{}
	closeErr error
}

// loop owns the listen session and closes it on exit, so the session is
// released even when Close gives up waiting.
func (s *subscription) loop(ctx context.Context, handler transport.Handler) {
	defer close(s.done)
	defer s.release()
	for {
		n, err := s.conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("postgres listener stopped", zap.String("channel", s.channel), zap.Error(err))
			}
			return
		}
		if n.Channel != s.channel {
			continue
		}
		handler([]byte(n.Payload))
	}
}

func (s *subscription) release() {
	ctx, cancel := context.WithTimeout(context.Background(), listenerCloseTimeout)
	defer cancel()
	if err := s.conn.Close(ctx); err != nil {
		s.closeErr = fmt.Errorf("close postgres listener %s: %w", s.channel, err)
		s.logger.Warn("postgres listener close failed", zap.String("channel", s.channel), zap.Error(err))
	}
}

// Close stops the receive loop and waits for it to release the dedicated
// session. If ctx expires first the session is still closed once the loop
// returns.
func (s *subscription) Close(ctx context.Context) error {
	s.cancel()
	select {
	case <-s.done:
		return s.closeErr
	case <-ctx.Done():
		return fmt.Errorf("wait postgres listener %s: %w", s.channel, ctx.Err())
	}
}
