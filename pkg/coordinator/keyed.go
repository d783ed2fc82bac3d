package coordinator

import (
	"context"
	"sync"
)

// keyedMutex serialises work per assignment id. Entries are reference
// counted and removed when nobody holds or waits on them.
type keyedMutex struct {
	mu sync.Mutex
	m  map[int64]*keyedEntry
}

type keyedEntry struct {
	sem  chan struct{}
	refs int
}

// Lock waits for id or for ctx to end. The returned func releases the
// lock and is safe to call more than once.
func (k *keyedMutex) Lock(ctx context.Context, id int64) (func(), error) {
	k.mu.Lock()
	if k.m == nil {
		k.m = make(map[int64]*keyedEntry)
	}
	e, ok := k.m[id]
	if !ok {
		e = &keyedEntry{sem: make(chan struct{}, 1)}
		k.m[id] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		k.release(id, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			k.release(id, e)
		})
	}, nil
}

func (k *keyedMutex) release(id int64, e *keyedEntry) {
	k.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(k.m, id)
	}
	k.mu.Unlock()
}

func (k *keyedMutex) len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.m)
}
