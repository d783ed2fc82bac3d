package realtime

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roboricindustries/raycon-docks/pkg/dock"
)

// fakeConn records what the dispatcher hands it.
type fakeConn struct {
	mu      sync.Mutex
	msgs    [][]byte
	sendErr error
	closed  int
}

func (c *fakeConn) Send(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed++
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) received() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.msgs...)
}

func (c *fakeConn) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func TestRegistry_RegisterUnregister(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register("c1", "u1", Filter{}, &fakeConn{}))
	assert.ErrorIs(t, r.Register("c1", "u2", Filter{}, &fakeConn{}), ErrDuplicateConnection)
	assert.Equal(t, 1, r.Len())

	e, ok := r.Get("c1")
	require.True(t, ok)
	assert.Equal(t, "u1", e.UserID)
	assert.True(t, e.Subscribed)

	assert.True(t, r.Unregister("c1"))
	assert.False(t, r.Unregister("c1"), "second unregister is a no-op")
	assert.Zero(t, r.Len())
	_, ok = r.Get("c1")
	assert.False(t, ok)
}

func TestRegistry_FilterAndSubscription(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register("c1", "u1", Filter{Direction: dock.Inbound}, &fakeConn{}))

	require.NoError(t, r.Unsubscribe("c1"))
	require.NoError(t, r.Unsubscribe("c1"))
	e, _ := r.Get("c1")
	assert.False(t, e.Subscribed)
	assert.Equal(t, Filter{}, e.Filter)

	require.NoError(t, r.UpdateFilter("c1", Filter{Direction: dock.Outbound}))
	e, _ = r.Get("c1")
	assert.True(t, e.Subscribed)
	assert.Equal(t, dock.Outbound, e.Filter.Direction)

	assert.ErrorIs(t, r.UpdateFilter("nope", Filter{}), ErrUnknownConnection)
	assert.ErrorIs(t, r.Unsubscribe("nope"), ErrUnknownConnection)
}

func TestRegistry_Stats(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register("b", "u1", Filter{Direction: dock.Inbound}, &fakeConn{}))
	require.NoError(t, r.Register("a", "u2", Filter{}, &fakeConn{}))

	st := r.Stats()
	assert.Equal(t, 2, st.ActiveConnections)
	require.Len(t, st.Clients, 2)
	ids := map[string]ClientInfo{}
	for _, c := range st.Clients {
		ids[c.ConnectionID] = c
	}
	assert.Equal(t, dock.Inbound, ids["b"].Filters.Direction)
	assert.Equal(t, "u2", ids["a"].UserID)
}

func TestFilter_Accepts(t *testing.T) {
	in := dock.Assignment{Direction: dock.Inbound}
	out := dock.Assignment{Direction: dock.Outbound}
	none := dock.Assignment{}

	tests := []struct {
		name   string
		filter Filter
		a      dock.Assignment
		want   bool
	}{
		{"empty filter takes inbound", Filter{}, in, true},
		{"empty filter takes outbound", Filter{}, out, true},
		{"inbound filter takes inbound", Filter{Direction: dock.Inbound}, in, true},
		{"inbound filter drops outbound", Filter{Direction: dock.Inbound}, out, false},
		{"no direction passes any filter", Filter{Direction: dock.Outbound}, none, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.filter.Accepts(tc.a))
		})
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry(nil)
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('A' + i))
			_ = r.Register(id, "u", Filter{}, &fakeConn{})
			_ = r.Snapshot()
			r.Unregister(id)
		}(i)
	}
	wg.Wait()
	assert.Zero(t, r.Len())
}
