package client

import (
	"sort"
	"sync"

	"github.com/roboricindustries/raycon-docks/pkg/dock"
	docks "github.com/roboricindustries/raycon-docks/pkg/schemas/docks/v1"
)

// Board is the client's local copy of the assignments it displays. It only
// moves forward: a change older than what the board holds is ignored.
type Board struct {
	mu   sync.RWMutex
	rows map[int64]dock.Assignment
	// version at which an id was deleted
	gone map[int64]int64
}

func NewBoard() *Board {
	return &Board{rows: make(map[int64]dock.Assignment), gone: make(map[int64]int64)}
}

// Load replaces the board contents, typically with a REST listing taken
// right after connecting.
func (b *Board) Load(items []dock.Assignment) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rows = make(map[int64]dock.Assignment, len(items))
	b.gone = make(map[int64]int64)
	for _, a := range items {
		b.rows[a.ID] = a.Clone()
	}
}

// Apply folds one notification into the board and reports whether a row
// changed. A conflict replaces the local row with the stored one, so the
// user sees what they lost against.
func (b *Board) Apply(n docks.Notification) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch v := n.(type) {
	case docks.AssignmentCreated:
		return b.upsert(v.Assignment)
	case docks.AssignmentUpdated:
		return b.upsert(v.Assignment)
	case docks.AssignmentDeleted:
		if !b.newer(v.Assignment) {
			return false
		}
		delete(b.rows, v.Assignment.ID)
		b.gone[v.Assignment.ID] = v.Assignment.Version
		return true
	case docks.ConflictDetected:
		return b.upsert(v.Current)
	default:
		return false
	}
}

func (b *Board) newer(a dock.Assignment) bool {
	if v, ok := b.gone[a.ID]; ok && v >= a.Version {
		return false
	}
	if cur, ok := b.rows[a.ID]; ok && cur.Version >= a.Version {
		return false
	}
	return true
}

func (b *Board) upsert(a dock.Assignment) bool {
	if a.ID == 0 || !b.newer(a) {
		return false
	}
	if a.Deleted {
		delete(b.rows, a.ID)
		b.gone[a.ID] = a.Version
		return true
	}
	b.rows[a.ID] = a.Clone()
	return true
}

func (b *Board) Get(id int64) (dock.Assignment, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	a, ok := b.rows[id]
	return a.Clone(), ok
}

// Rows returns the board ordered by id.
func (b *Board) Rows() []dock.Assignment {
	b.mu.RLock()
	out := make([]dock.Assignment, 0, len(b.rows))
	for _, a := range b.rows {
		out = append(out, a.Clone())
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
