// Package memory contains an in-process broker implementing the transport
// contracts. Several notifiers sharing one Broker behave like processes
// sharing a cache.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/procevents/internal/transport"
)

// PublishedMessage captures one publish call.
type PublishedMessage struct {
	Channel string
	Payload []byte
}

// Broker stores published payloads for inspection and delivers them to
// current subscribers of the channel.
type Broker struct {
	mu       sync.RWMutex
	messages []PublishedMessage
	subs     map[string]map[*subscription]struct{}
	closed   bool
	closes   int
}

var (
	_ transport.Publisher  = (*Broker)(nil)
	_ transport.Subscriber = (*Broker)(nil)
)

// New returns an empty Broker.
func New() *Broker {
	return &Broker{subs: make(map[string]map[*subscription]struct{})}
}

// Publish records the message and hands it to every subscriber of channel.
func (b *Broker) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return transport.ErrClosed
	}
	msg := append([]byte(nil), payload...)
	b.messages = append(b.messages, PublishedMessage{Channel: channel, Payload: msg})
	targets := make([]*subscription, 0, len(b.subs[channel]))
	for s := range b.subs[channel] {
		targets = append(targets, s)
	}
	b.mu.Unlock()

	for _, s := range targets {
		s.deliver(msg)
	}
	return nil
}

// Close rejects further publishes. Subscriptions stay usable.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.closes++
	return nil
}

// Closed reports whether Close has been called.
func (b *Broker) Closed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

// CloseCalls returns how many times Close has been called.
func (b *Broker) CloseCalls() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closes
}

// Messages returns the recorded publishes.
func (b *Broker) Messages() []PublishedMessage {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]PublishedMessage, len(b.messages))
	copy(out, b.messages)
	return out
}

// Subscribers returns the number of live subscriptions on channel.
func (b *Broker) Subscribers(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}

// Subscribe registers handler for channel until the subscription is closed.
func (b *Broker) Subscribe(ctx context.Context, channel string, handler transport.Handler) (transport.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &subscription{broker: b, channel: channel, handler: handler}
	b.mu.Lock()
	set, ok := b.subs[channel]
	if !ok {
		set = make(map[*subscription]struct{})
		b.subs[channel] = set
	}
	set[s] = struct{}{}
	b.mu.Unlock()
	return s, nil
}

func (b *Broker) unsubscribe(s *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.subs[s.channel]
	delete(set, s)
	if len(set) == 0 {
		delete(b.subs, s.channel)
	}
}

type subscription struct {
	broker  *Broker
	channel string
	handler transport.Handler

	mu     sync.Mutex
	closed bool
}

func (s *subscription) deliver(payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.handler(payload)
}

func (s *subscription) Close(context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.broker.unsubscribe(s)
	return nil
}
