package transport

import (
	"context"
	"errors"
)

var (
	// ErrClosed is returned by publishers and subscribers used after Close.
	ErrClosed = errors.New("transport closed")
	// ErrPayloadTooLarge is returned when a backend cannot carry the payload.
	// It says nothing about backend health.
	ErrPayloadTooLarge = errors.New("payload exceeds backend limit")
)

// Publisher broadcasts serialized envelopes to a channel. Implementations hold
// one long-lived backend connection and are safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Close() error
}

// Handler receives the raw payload of every message delivered on a channel.
type Handler func(payload []byte)

// Subscriber opens per-session subscriptions. Each subscription owns its own
// backend connection.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string, handler Handler) (Subscription, error)
}

// Subscription is a live channel subscription. Close stops delivery and
// releases the backend resource, returning once ctx expires at the latest.
type Subscription interface {
	Close(ctx context.Context) error
}
