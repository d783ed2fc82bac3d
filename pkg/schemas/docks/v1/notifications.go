package docks

import "github.com/roboricindustries/raycon-docks/pkg/dock"

// Notification is the closed set of server to client messages. Only types
// in this package implement it.
type Notification interface {
	NotificationType() string
	sealed()
}

type AssignmentCreated struct {
	Assignment dock.Assignment `json:"assignment"`
	ChangedBy  dock.Actor      `json:"changed_by"`
}

type AssignmentUpdated struct {
	Assignment dock.Assignment `json:"assignment"`
	ChangedBy  dock.Actor      `json:"changed_by"`
}

// AssignmentDeleted carries the tombstone; Assignment.Version is the
// version the delete produced.
type AssignmentDeleted struct {
	Assignment dock.Assignment `json:"assignment"`
	ChangedBy  dock.Actor      `json:"changed_by"`
}

// ConflictDetected is sent only to the connection whose write lost.
type ConflictDetected struct {
	dock.ConflictResult
	Message string `json:"message"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ConnectionAck struct {
	ConnectionID string `json:"connection_id"`
	UserID       string `json:"user_id"`
}

type SubscribeAck struct {
	Filters Filters `json:"filters"`
}

type UnsubscribeAck struct{}

type Pong struct{}

func (AssignmentCreated) NotificationType() string { return TypeAssignmentCreated }
func (AssignmentUpdated) NotificationType() string { return TypeAssignmentUpdated }
func (AssignmentDeleted) NotificationType() string { return TypeAssignmentDeleted }
func (ConflictDetected) NotificationType() string  { return TypeConflictDetected }
func (Error) NotificationType() string             { return TypeError }
func (ConnectionAck) NotificationType() string     { return TypeConnectionAck }
func (SubscribeAck) NotificationType() string      { return TypeSubscribeAck }
func (UnsubscribeAck) NotificationType() string    { return TypeUnsubscribeAck }
func (Pong) NotificationType() string              { return TypePong }

func (AssignmentCreated) sealed() {}
func (AssignmentUpdated) sealed() {}
func (AssignmentDeleted) sealed() {}
func (ConflictDetected) sealed()  {}
func (Error) sealed()             {}
func (ConnectionAck) sealed()     {}
func (SubscribeAck) sealed()      {}
func (UnsubscribeAck) sealed()    {}
func (Pong) sealed()              {}

// FromChange maps an accepted mutation onto its broadcast variant.
func FromChange(ev dock.ChangeEvent) Notification {
	switch ev.Kind {
	case dock.KindCreated:
		return AssignmentCreated{Assignment: ev.Assignment, ChangedBy: ev.Actor}
	case dock.KindDeleted:
		return AssignmentDeleted{Assignment: ev.Assignment, ChangedBy: ev.Actor}
	default:
		return AssignmentUpdated{Assignment: ev.Assignment, ChangedBy: ev.Actor}
	}
}

// Error codes sent in Error notifications.
const (
	CodeInvalidMessage = "invalid_message"
	CodeUnknownCommand = "unknown_command"
	CodeRateLimited    = "rate_limited"
	CodeInvalidFilter  = "invalid_filter"
)
