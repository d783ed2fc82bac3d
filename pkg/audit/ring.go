package audit

import (
	"context"
	"sync"

	"github.com/roboricindustries/raycon-docks/pkg/dock"
)

// Ring keeps the most recent entries in memory for the audit listing
// endpoint. Oldest entries are overwritten once capacity is reached.
type Ring struct {
	mu      sync.RWMutex
	entries []Entry
	next    int
	full    bool
}

func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Ring{entries: make([]Entry, capacity)}
}

func (r *Ring) Record(_ context.Context, e Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[r.next] = e
	r.next = (r.next + 1) % len(r.entries)
	if r.next == 0 {
		r.full = true
	}
	return nil
}

type Query struct {
	AssignmentID int64
	Kind         dock.ChangeKind
	Offset       int
	Limit        int
}

// Recent returns matching entries newest first.
func (r *Ring) Recent(q Query) []Entry {
	limit := q.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := r.next
	if r.full {
		n = len(r.entries)
	}
	out := make([]Entry, 0)
	skipped := 0
	for i := 0; i < n && len(out) < limit; i++ {
		idx := (r.next - 1 - i + len(r.entries)) % len(r.entries)
		e := r.entries[idx]
		if q.AssignmentID != 0 && e.AssignmentID != q.AssignmentID {
			continue
		}
		if q.Kind != "" && e.Kind != q.Kind {
			continue
		}
		if skipped < q.Offset {
			skipped++
			continue
		}
		out = append(out, e)
	}
	return out
}
