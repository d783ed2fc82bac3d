package versionstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/roboricindustries/raycon-docks/pkg/dock"
)

type record struct {
	mu sync.Mutex
	a  dock.Assignment
}

// MemoryStore keeps assignments in process. The map lock only guards
// membership; each record has its own mutex, so updates on different ids
// run in parallel.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[int64]*record
	nextID  int64
	now     func() time.Time
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &MemoryStore{records: make(map[int64]*record), now: now}
}

func (m *MemoryStore) NextID(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	return m.nextID, nil
}

func (m *MemoryStore) Create(ctx context.Context, a dock.Assignment) (dock.Assignment, error) {
	if err := ctx.Err(); err != nil {
		return dock.Assignment{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == 0 {
		m.nextID++
		a.ID = m.nextID
	} else {
		if _, exists := m.records[a.ID]; exists {
			return dock.Assignment{}, ErrDuplicateID
		}
		if a.ID > m.nextID {
			m.nextID = a.ID
		}
	}
	a.Version = 1
	a.Deleted = false
	if a.CreatedAt.IsZero() {
		a.CreatedAt = m.now()
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = a.CreatedAt
	}
	m.records[a.ID] = &record{a: a.Clone()}
	return a.Clone(), nil
}

func (m *MemoryStore) lookup(id int64) (*record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[id]
	return r, ok
}

func (m *MemoryStore) Get(ctx context.Context, id int64) (dock.Assignment, error) {
	if err := ctx.Err(); err != nil {
		return dock.Assignment{}, err
	}
	r, ok := m.lookup(id)
	if !ok {
		return dock.Assignment{}, dock.ErrNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.a.Deleted {
		return dock.Assignment{}, dock.ErrNotFound
	}
	return r.a.Clone(), nil
}

func (m *MemoryStore) List(ctx context.Context, filter ListFilter) ([]dock.Assignment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	recs := make([]*record, 0, len(m.records))
	for _, r := range m.records {
		recs = append(recs, r)
	}
	m.mu.RUnlock()

	var all []dock.Assignment
	for _, r := range recs {
		r.mu.Lock()
		a := r.a.Clone()
		r.mu.Unlock()
		if filter.match(a) {
			all = append(all, a)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })

	if filter.Offset >= len(all) {
		return []dock.Assignment{}, nil
	}
	all = all[filter.Offset:]
	if n := filter.limit(); len(all) > n {
		all = all[:n]
	}
	return all, nil
}

func (m *MemoryStore) CheckAndUpdate(ctx context.Context, id, expected int64, mutate MutateFunc) (dock.Assignment, error) {
	r, ok := m.lookup(id)
	if !ok {
		return dock.Assignment{}, dock.ErrNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	// checked under the record lock so a cancelled caller never half-applies
	if err := ctx.Err(); err != nil {
		return dock.Assignment{}, err
	}
	if err := checkCurrent(r.a, expected); err != nil {
		return dock.Assignment{}, err
	}
	next, err := applyMutation(r.a, mutate)
	if err != nil {
		return dock.Assignment{}, err
	}
	if next.UpdatedAt.IsZero() {
		next.UpdatedAt = m.now()
	}
	r.a = next
	return next.Clone(), nil
}

func (m *MemoryStore) Close() error { return nil }
