// Package realtime tracks live client connections and fans accepted
// assignment changes out to them.
package realtime

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/roboricindustries/raycon-docks/pkg/dock"
	docks "github.com/roboricindustries/raycon-docks/pkg/schemas/docks/v1"
	"github.com/roboricindustries/raycon-docks/pkg/telemetry"
)

var (
	ErrDuplicateConnection = errors.New("connection id already registered")
	ErrUnknownConnection   = errors.New("unknown connection")
	ErrQueueFull           = errors.New("outbound queue full")
	ErrClosed              = errors.New("connection closed")
)

// Conn is the transport side of one client. Send must not block: it
// either enqueues msg or fails.
type Conn interface {
	Send(msg []byte) error
	Close() error
}

// Filter is a pure predicate over an assignment. The zero value accepts
// everything, and an assignment without a direction passes any filter.
type Filter struct {
	Direction dock.Direction
}

func FilterFrom(f docks.Filters) Filter { return Filter{Direction: f.Direction} }

func (f Filter) Wire() docks.Filters { return docks.Filters{Direction: f.Direction} }

func (f Filter) Accepts(a dock.Assignment) bool {
	if f.Direction == "" || a.Direction == "" {
		return true
	}
	return f.Direction == a.Direction
}

type Entry struct {
	ID          string
	UserID      string
	Filter      Filter
	Subscribed  bool
	ConnectedAt time.Time

	conn Conn
}

// Registry is the only owner of the connection set.
type Registry struct {
	mu      sync.RWMutex
	conns   map[string]*Entry
	now     func() time.Time
	metrics *telemetry.Metrics
}

func NewRegistry(metrics *telemetry.Metrics) *Registry {
	return &Registry{
		conns:   make(map[string]*Entry),
		now:     func() time.Time { return time.Now().UTC() },
		metrics: metrics,
	}
}

// Register adds a subscribed connection.
func (r *Registry) Register(id, userID string, filter Filter, conn Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.conns[id]; exists {
		return ErrDuplicateConnection
	}
	r.conns[id] = &Entry{
		ID:          id,
		UserID:      userID,
		Filter:      filter,
		Subscribed:  true,
		ConnectedAt: r.now(),
		conn:        conn,
	}
	r.metrics.ConnectionOpened(context.Background())
	return nil
}

// Unregister removes id and reports whether it was present. Calling it
// again is a no-op.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[id]; !ok {
		return false
	}
	delete(r.conns, id)
	r.metrics.ConnectionClosed(context.Background())
	return true
}

// UpdateFilter replaces the filter and resumes broadcast delivery.
func (r *Registry) UpdateFilter(id string, filter Filter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[id]
	if !ok {
		return ErrUnknownConnection
	}
	e.Filter = filter
	e.Subscribed = true
	return nil
}

// Unsubscribe stops broadcasts to id but keeps it registered for private
// messages. It is idempotent.
func (r *Registry) Unsubscribe(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[id]
	if !ok {
		return ErrUnknownConnection
	}
	e.Subscribed = false
	e.Filter = Filter{}
	return nil
}

func (r *Registry) Get(id string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Snapshot copies the current entries, ordered by connection time.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.conns))
	for _, e := range r.conns {
		out = append(out, *e)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

type ClientInfo struct {
	ConnectionID string        `json:"connection_id"`
	UserID       string        `json:"user_id"`
	Subscribed   bool          `json:"subscribed"`
	Filters      docks.Filters `json:"filters"`
	ConnectedAt  time.Time     `json:"connected_at"`
}

type Stats struct {
	ActiveConnections int          `json:"active_connections"`
	Clients           []ClientInfo `json:"clients"`
}

func (r *Registry) Stats() Stats {
	snap := r.Snapshot()
	st := Stats{ActiveConnections: len(snap), Clients: make([]ClientInfo, 0, len(snap))}
	for _, e := range snap {
		st.Clients = append(st.Clients, ClientInfo{
			ConnectionID: e.ID,
			UserID:       e.UserID,
			Subscribed:   e.Subscribed,
			Filters:      e.Filter.Wire(),
			ConnectedAt:  e.ConnectedAt,
		})
	}
	return st
}
