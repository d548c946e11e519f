package stream

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrConnClosed is returned when writing to a handle that has been closed.
var ErrConnClosed = errors.New("stream connection closed")

// WriteFunc writes one complete frame to the underlying transport and flushes it.
type WriteFunc func(frame []byte) error

// Conn is the handle for one live streaming session. Writes are serialized so
// the dispatcher, the heartbeat and a backend relay can share the connection.
type Conn struct {
	id     string
	userID string
	write  WriteFunc

	mu        sync.Mutex
	closed    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

// NewConn wraps write as a connection handle owned by userID.
func NewConn(id, userID string, write WriteFunc) *Conn {
	return &Conn{
		id:     id,
		userID: userID,
		write:  write,
		done:   make(chan struct{}),
	}
}

// ID returns the connection identifier.
func (c *Conn) ID() string { return c.id }

// UserID returns the owning user.
func (c *Conn) UserID() string { return c.userID }

// Done is closed once the handle is closed, by the owner or after a failed write.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Closed reports whether the handle no longer accepts writes.
func (c *Conn) Closed() bool { return c.closed.Load() }

// Write sends frame. A failed write closes the handle.
func (c *Conn) Write(frame []byte) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return ErrConnClosed
	}
	if err := c.write(frame); err != nil {
		c.markClosed()
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Close marks the handle closed, waiting for an in-flight write to finish so
// the owner can release the underlying writer afterwards. It is safe to call
// more than once.
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markClosed()
}

func (c *Conn) markClosed() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
	})
}
