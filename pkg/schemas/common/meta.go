package common

import (
	"time"

	"github.com/google/uuid"
)

type Meta struct {
	// Trace / request correlation ID
	CorrelationID *string `json:"correlation_id,omitempty"`
	// Unique event ID
	ID string `json:"id"`
	// Emitting service and version
	Producer *string `json:"producer,omitempty"`
	// Timestamp when the event was emitted
	Time time.Time `json:"time"`
	// Event name and version, e.g. docks.assignment.updated.v1
	Type string `json:"type"`
}

// NewMeta stamps a fresh event id and the current time.
func NewMeta(eventType, producer string) Meta {
	m := Meta{
		ID:   uuid.NewString(),
		Time: time.Now().UTC(),
		Type: eventType,
	}
	if producer != "" {
		m.Producer = &producer
	}
	return m
}

func (m Meta) WithCorrelation(id string) Meta {
	if id != "" {
		m.CorrelationID = &id
	}
	return m
}
