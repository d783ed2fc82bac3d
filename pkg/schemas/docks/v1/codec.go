package docks

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roboricindustries/raycon-docks/pkg/schemas/common"
)

var ErrUnknownType = errors.New("unknown notification type")

// Encode wraps n in an envelope with fresh meta.
func Encode(n Notification) ([]byte, error) {
	return EncodeWithMeta(common.NewMeta(n.NotificationType(), Producer), n)
}

// EncodeWithMeta keeps the caller's id and correlation but always stamps
// the variant's own type.
func EncodeWithMeta(meta common.Meta, n Notification) ([]byte, error) {
	if n == nil {
		return nil, errors.New("nil notification")
	}
	meta.Type = n.NotificationType()
	return json.Marshal(common.GenericEnvelope[Notification]{Meta: meta, Data: n})
}

func Decode(data []byte) (Notification, error) {
	_, n, err := DecodeWithMeta(data)
	return n, err
}

func DecodeWithMeta(data []byte) (common.Meta, Notification, error) {
	var env common.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return common.Meta{}, nil, fmt.Errorf("decode envelope: %w", err)
	}
	var (
		n   Notification
		err error
	)
	switch env.Meta.Type {
	case TypeAssignmentCreated:
		n, err = decodeAs[AssignmentCreated](env.Data)
	case TypeAssignmentUpdated:
		n, err = decodeAs[AssignmentUpdated](env.Data)
	case TypeAssignmentDeleted:
		n, err = decodeAs[AssignmentDeleted](env.Data)
	case TypeConflictDetected:
		n, err = decodeAs[ConflictDetected](env.Data)
	case TypeError:
		n, err = decodeAs[Error](env.Data)
	case TypeConnectionAck:
		n, err = decodeAs[ConnectionAck](env.Data)
	case TypeSubscribeAck:
		n, err = decodeAs[SubscribeAck](env.Data)
	case TypeUnsubscribeAck:
		n = UnsubscribeAck{}
	case TypePong:
		n = Pong{}
	default:
		return env.Meta, nil, fmt.Errorf("%w %q", ErrUnknownType, env.Meta.Type)
	}
	if err != nil {
		return env.Meta, nil, fmt.Errorf("decode %s: %w", env.Meta.Type, err)
	}
	return env.Meta, n, nil
}

func decodeAs[T Notification](raw json.RawMessage) (Notification, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}
