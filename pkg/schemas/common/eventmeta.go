package common

// EventMeta ties an event type to where it is published. Events are routed
// under their own type name unless a producer says otherwise.
type EventMeta struct {
	EventType  string // e.g. "docks.assignment.updated.v1"
	Exchange   string // e.g. "docks.events"
	RoutingKey string // e.g. "docks.assignment.updated.v1"
}

func NewEventMeta(exchange, eventType string) EventMeta {
	return EventMeta{EventType: eventType, Exchange: exchange, RoutingKey: eventType}
}

// Meta stamps a fresh envelope header for one occurrence of the event.
func (e EventMeta) Meta(producer string) Meta {
	return NewMeta(e.EventType, producer)
}
