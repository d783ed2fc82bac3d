package audit

import (
	"context"
	"fmt"

	"github.com/roboricindustries/raycon-docks/pkg/dock"
	"github.com/roboricindustries/raycon-docks/pkg/pubsub"
	"github.com/roboricindustries/raycon-docks/pkg/schemas/common"
	docks "github.com/roboricindustries/raycon-docks/pkg/schemas/docks/v1"
)

// AMQPSink publishes each entry as a docks.audit.recorded.v1 envelope and,
// under the assignment routing key, the change itself so other services
// can follow the board without a websocket.
type AMQPSink struct {
	pub pubsub.Publisher
}

func NewAMQPSink(pub pubsub.Publisher) *AMQPSink {
	return &AMQPSink{pub: pub}
}

func (s *AMQPSink) Record(ctx context.Context, e Entry) error {
	meta := docks.AuditRecordedMeta.Meta(docks.Producer).WithCorrelation(e.ID)
	env := common.GenericEnvelope[any]{Meta: meta, Data: e}
	if err := s.pub.Publish(ctx, docks.AuditRecordedMeta.RoutingKey, env); err != nil {
		return fmt.Errorf("publish audit entry %s: %w", e.ID, err)
	}

	change := changeMeta(e.Kind)
	cmeta := change.Meta(docks.Producer).WithCorrelation(e.ID)
	n := docks.FromChange(dock.ChangeEvent{ID: e.ID, Kind: e.Kind, Assignment: e.After, Actor: e.Actor, At: e.At})
	if err := s.pub.Publish(ctx, change.RoutingKey, common.GenericEnvelope[any]{Meta: cmeta, Data: n}); err != nil {
		return fmt.Errorf("publish change %s: %w", e.ID, err)
	}
	return nil
}

func changeMeta(kind dock.ChangeKind) common.EventMeta {
	switch kind {
	case dock.KindCreated:
		return docks.AssignmentCreatedMeta
	case dock.KindDeleted:
		return docks.AssignmentDeletedMeta
	default:
		return docks.AssignmentUpdatedMeta
	}
}
