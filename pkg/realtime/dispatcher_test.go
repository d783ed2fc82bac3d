package realtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roboricindustries/raycon-docks/pkg/dock"
	docks "github.com/roboricindustries/raycon-docks/pkg/schemas/docks/v1"
)

func changeEvent(kind dock.ChangeKind, dir dock.Direction, version int64) dock.ChangeEvent {
	return dock.ChangeEvent{
		ID:   "ev-1",
		Kind: kind,
		Assignment: dock.Assignment{
			ID: 12, DockID: 3, LoadID: 10, StatusID: 2, Direction: dir, Version: version,
		},
		Actor: dock.Actor{UserID: "u1"},
		At:    time.Now().UTC(),
	}
}

func decodeOne(t *testing.T, msg []byte) docks.Notification {
	t.Helper()
	n, err := docks.Decode(msg)
	require.NoError(t, err)
	return n
}

func TestDispatcher_PublishRespectsFilters(t *testing.T) {
	r := NewRegistry(nil)
	d := NewDispatcher(r, nil, nil)
	all, inbound, outbound := &fakeConn{}, &fakeConn{}, &fakeConn{}
	require.NoError(t, r.Register("all", "u1", Filter{}, all))
	require.NoError(t, r.Register("in", "u2", Filter{Direction: dock.Inbound}, inbound))
	require.NoError(t, r.Register("out", "u3", Filter{Direction: dock.Outbound}, outbound))

	d.Publish(changeEvent(dock.KindUpdated, dock.Inbound, 5))

	require.Len(t, all.received(), 1)
	require.Len(t, inbound.received(), 1)
	assert.Empty(t, outbound.received())

	meta, n, err := docks.DecodeWithMeta(inbound.received()[0])
	require.NoError(t, err)
	assert.Equal(t, docks.TypeAssignmentUpdated, meta.Type)
	require.NotNil(t, meta.CorrelationID)
	assert.Equal(t, "ev-1", *meta.CorrelationID)
	upd, ok := n.(docks.AssignmentUpdated)
	require.True(t, ok)
	assert.Equal(t, int64(5), upd.Assignment.Version)
	assert.Equal(t, "u1", upd.ChangedBy.UserID)
}

func TestDispatcher_SubmitterAlsoReceivesBroadcast(t *testing.T) {
	r := NewRegistry(nil)
	d := NewDispatcher(r, nil, nil)
	own := &fakeConn{}
	require.NoError(t, r.Register("c1", "u1", Filter{}, own))

	d.Publish(changeEvent(dock.KindDeleted, dock.Outbound, 6))
	require.Len(t, own.received(), 1)
	_, ok := decodeOne(t, own.received()[0]).(docks.AssignmentDeleted)
	assert.True(t, ok)
}

func TestDispatcher_FailingConnectionIsEvicted(t *testing.T) {
	r := NewRegistry(nil)
	d := NewDispatcher(r, nil, nil)
	good := &fakeConn{}
	bad := &fakeConn{sendErr: ErrQueueFull}
	require.NoError(t, r.Register("good", "u1", Filter{}, good))
	require.NoError(t, r.Register("bad", "u2", Filter{}, bad))

	d.Publish(changeEvent(dock.KindUpdated, dock.Inbound, 2))

	assert.Len(t, good.received(), 1)
	_, ok := r.Get("bad")
	assert.False(t, ok, "failing connection must be unregistered")
	assert.Equal(t, 1, bad.closeCount())

	d.Publish(changeEvent(dock.KindUpdated, dock.Inbound, 3))
	assert.Len(t, good.received(), 2)
	assert.Equal(t, 1, bad.closeCount())
}

func TestDispatcher_UnsubscribedGetsNoBroadcast(t *testing.T) {
	r := NewRegistry(nil)
	d := NewDispatcher(r, nil, nil)
	c := &fakeConn{}
	require.NoError(t, r.Register("c1", "u1", Filter{}, c))
	require.NoError(t, r.Unsubscribe("c1"))

	d.Publish(changeEvent(dock.KindCreated, dock.Inbound, 1))
	assert.Empty(t, c.received())

	require.NoError(t, d.SendTo("c1", docks.Pong{}))
	require.Len(t, c.received(), 1)
	_, ok := decodeOne(t, c.received()[0]).(docks.Pong)
	assert.True(t, ok)
}

func TestDispatcher_SendToUnknown(t *testing.T) {
	d := NewDispatcher(NewRegistry(nil), nil, nil)
	assert.ErrorIs(t, d.SendTo("missing", docks.Pong{}), ErrUnknownConnection)
}

func TestDispatcher_NotifyConflict(t *testing.T) {
	r := NewRegistry(nil)
	d := NewDispatcher(r, nil, nil)
	mine, theirs := &fakeConn{}, &fakeConn{}
	require.NoError(t, r.Register("mine", "u1", Filter{}, mine))
	require.NoError(t, r.Register("theirs", "u2", Filter{}, theirs))

	res := dock.ConflictResult{AssignmentID: 12, CurrentVersion: 6, AttemptedVersion: 5}
	actor := dock.Actor{UserID: "u1"}

	t.Run("no connection in context", func(t *testing.T) {
		d.NotifyConflict(context.Background(), actor, res)
		assert.Empty(t, mine.received())
	})

	t.Run("connection of another user", func(t *testing.T) {
		d.NotifyConflict(WithConnectionID(context.Background(), "theirs"), actor, res)
		assert.Empty(t, theirs.received())
	})

	t.Run("own connection", func(t *testing.T) {
		d.NotifyConflict(WithConnectionID(context.Background(), "mine"), actor, res)
		require.Len(t, mine.received(), 1)
		n, ok := decodeOne(t, mine.received()[0]).(docks.ConflictDetected)
		require.True(t, ok)
		assert.Equal(t, int64(6), n.CurrentVersion)
		assert.Equal(t, int64(5), n.AttemptedVersion)
		assert.Empty(t, theirs.received())
	})
}

func TestDispatcher_SendErrorNotSurfacedToPublisher(t *testing.T) {
	r := NewRegistry(nil)
	d := NewDispatcher(r, nil, nil)
	require.NoError(t, r.Register("c1", "u1", Filter{}, &fakeConn{sendErr: errors.New("broken pipe")}))
	assert.NotPanics(t, func() {
		d.Publish(changeEvent(dock.KindUpdated, dock.Inbound, 2))
	})
	assert.Zero(t, r.Len())
}
