package common

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMeta(t *testing.T) {
	m := NewMeta("docks.assignment.updated.v1", "dockd")

	_, err := uuid.Parse(m.ID)
	require.NoError(t, err)
	assert.Equal(t, "docks.assignment.updated.v1", m.Type)
	require.NotNil(t, m.Producer)
	assert.Equal(t, "dockd", *m.Producer)
	assert.Nil(t, m.CorrelationID)
	assert.False(t, m.Time.IsZero())

	assert.NotEqual(t, m.ID, NewMeta("x", "").ID)
	assert.Nil(t, NewMeta("x", "").Producer)

	c := m.WithCorrelation("req-1")
	require.NotNil(t, c.CorrelationID)
	assert.Equal(t, "req-1", *c.CorrelationID)
	assert.Nil(t, m.CorrelationID, "WithCorrelation must not modify the receiver")
}

func TestEventMeta(t *testing.T) {
	em := NewEventMeta("docks.events", "docks.assignment.created.v1")
	assert.Equal(t, "docks.events", em.Exchange)
	assert.Equal(t, em.EventType, em.RoutingKey)

	m := em.Meta("dockd")
	assert.Equal(t, "docks.assignment.created.v1", m.Type)
	require.NotNil(t, m.Producer)
	assert.Equal(t, "dockd", *m.Producer)
	assert.NotEqual(t, m.ID, em.Meta("dockd").ID)
}
