package stream

import (
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/procevents/internal/events"
	"github.com/JakeFAU/procevents/internal/metrics"
)

// Registry maps user IDs to their live connection handles.
type Registry struct {
	mu      sync.Mutex
	conns   map[string]map[*Conn]struct{}
	logger  *zap.Logger
	metrics *metrics.Collectors
}

// NewRegistry returns an empty registry. Both arguments may be nil.
func NewRegistry(logger *zap.Logger, collectors *metrics.Collectors) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		conns:   make(map[string]map[*Conn]struct{}),
		logger:  logger,
		metrics: collectors,
	}
}

// Register adds c under its user. Registering the same handle twice is a no-op.
func (r *Registry) Register(c *Conn) {
	r.mu.Lock()
	set, ok := r.conns[c.UserID()]
	if !ok {
		set = make(map[*Conn]struct{})
		r.conns[c.UserID()] = set
	}
	_, exists := set[c]
	set[c] = struct{}{}
	count := len(set)
	r.mu.Unlock()

	if exists {
		return
	}
	r.metrics.ConnectionOpened()
	r.logger.Debug("stream registered",
		zap.String("user_id", c.UserID()),
		zap.String("conn_id", c.ID()),
		zap.Int("user_connections", count),
	)
}

// Unregister removes c and reports whether it was still registered.
func (r *Registry) Unregister(c *Conn) bool {
	return r.remove(c.UserID(), c) > 0
}

// Dispatch frames payload and writes it to every connection userID has on this
// process. Handles that are closed or fail the write are removed. It returns
// the number of connections that accepted the frame; with no connections the
// event is dropped.
func (r *Registry) Dispatch(userID string, eventType events.Type, payload []byte) int {
	targets := r.snapshot(userID)
	if len(targets) == 0 {
		r.metrics.NoListener()
		r.logger.Debug("no local streams for user, dropping event",
			zap.String("user_id", userID),
			zap.String("event_type", string(eventType)),
		)
		return 0
	}

	frame := events.Frame(payload)
	delivered := 0
	var failed []*Conn
	for _, c := range targets {
		if err := c.Write(frame); err != nil {
			failed = append(failed, c)
			continue
		}
		delivered++
	}
	r.metrics.DispatchWrites(delivered, len(failed))
	if len(failed) > 0 {
		removed := r.remove(userID, failed...)
		r.logger.Debug("removed dead streams during dispatch",
			zap.String("user_id", userID),
			zap.String("event_type", string(eventType)),
			zap.Int("removed", removed),
		)
	}
	return delivered
}

// Count returns the number of connections registered for userID.
func (r *Registry) Count(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns[userID])
}

// Total returns the number of registered connections across all users.
func (r *Registry) Total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, set := range r.conns {
		total += len(set)
	}
	return total
}

// Users returns the number of users with at least one connection.
func (r *Registry) Users() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

func (r *Registry) snapshot(userID string) []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.conns[userID]
	if len(set) == 0 {
		return nil
	}
	out := make([]*Conn, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

func (r *Registry) remove(userID string, conns ...*Conn) int {
	r.mu.Lock()
	set := r.conns[userID]
	removed := 0
	for _, c := range conns {
		if _, ok := set[c]; ok {
			delete(set, c)
			removed++
		}
	}
	if set != nil && len(set) == 0 {
		delete(r.conns, userID)
	}
	r.mu.Unlock()

	for i := 0; i < removed; i++ {
		r.metrics.ConnectionClosed()
	}
	return removed
}
