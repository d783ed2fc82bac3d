package docks

import "github.com/roboricindustries/raycon-docks/pkg/schemas/common"

const (
	Exchange = "docks.events"
	Producer = "dockd"
)

const (
	TypeAssignmentCreated = "docks.assignment.created.v1"
	TypeAssignmentUpdated = "docks.assignment.updated.v1"
	TypeAssignmentDeleted = "docks.assignment.deleted.v1"
	TypeConflictDetected  = "docks.assignment.conflict.v1"
	TypeError             = "docks.error.v1"
	TypeConnectionAck     = "docks.connection.ack.v1"
	TypeSubscribeAck      = "docks.subscribe.ack.v1"
	TypeUnsubscribeAck    = "docks.unsubscribe.ack.v1"
	TypePong              = "docks.pong.v1"

	// audit trail; only travels over AMQP
	TypeAuditRecorded = "docks.audit.recorded.v1"
)

var (
	AssignmentCreatedMeta = common.NewEventMeta(Exchange, TypeAssignmentCreated)
	AssignmentUpdatedMeta = common.NewEventMeta(Exchange, TypeAssignmentUpdated)
	AssignmentDeletedMeta = common.NewEventMeta(Exchange, TypeAssignmentDeleted)
	AuditRecordedMeta     = common.NewEventMeta(Exchange, TypeAuditRecorded)
)
