package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roboricindustries/raycon-docks/pkg/dock"
	"github.com/roboricindustries/raycon-docks/pkg/schemas/common"
	docks "github.com/roboricindustries/raycon-docks/pkg/schemas/docks/v1"
	"github.com/roboricindustries/raycon-docks/pkg/telemetry"
)

// Dispatcher turns change events into notifications. A failed send evicts
// that connection and never reaches the mutation's submitter.
type Dispatcher struct {
	reg     *Registry
	log     *slog.Logger
	metrics *telemetry.Metrics
}

func NewDispatcher(reg *Registry, logger *slog.Logger, metrics *telemetry.Metrics) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{reg: reg, log: logger, metrics: metrics}
}

// Publish sends ev to every subscribed connection whose filter accepts the
// assignment. The message is encoded once.
func (d *Dispatcher) Publish(ev dock.ChangeEvent) {
	const op = "realtime.Publish"
	n := docks.FromChange(ev)
	meta := common.NewMeta(n.NotificationType(), docks.Producer).WithCorrelation(ev.ID)
	msg, err := docks.EncodeWithMeta(meta, n)
	if err != nil {
		d.log.With("op", op).Error("encode notification", slog.String("event_id", ev.ID), slog.Any("error", err))
		return
	}

	delivered := 0
	for _, e := range d.reg.Snapshot() {
		if !e.Subscribed || !e.Filter.Accepts(ev.Assignment) {
			continue
		}
		if err := e.conn.Send(msg); err != nil {
			d.evict(e, err)
			continue
		}
		delivered++
	}
	d.metrics.RecordDeliveries(context.Background(), delivered)
	d.log.With("op", op).Debug("change broadcast",
		slog.String("event_id", ev.ID),
		slog.String("type", n.NotificationType()),
		slog.Int64("assignment_id", ev.Assignment.ID),
		slog.Int64("version", ev.Assignment.Version),
		slog.Int("delivered", delivered),
	)
}

// SendTo delivers n to one connection regardless of its filter.
func (d *Dispatcher) SendTo(connID string, n docks.Notification) error {
	e, ok := d.reg.Get(connID)
	if !ok {
		return ErrUnknownConnection
	}
	msg, err := docks.Encode(n)
	if err != nil {
		return fmt.Errorf("encode %s: %w", n.NotificationType(), err)
	}
	if err := e.conn.Send(msg); err != nil {
		d.evict(e, err)
		return err
	}
	return nil
}

// NotifyConflict pushes the conflict to the submitter's own connection,
// named by the request context. Connections of other users are never
// targeted.
func (d *Dispatcher) NotifyConflict(ctx context.Context, actor dock.Actor, res dock.ConflictResult) {
	const op = "realtime.NotifyConflict"
	connID := ConnectionIDFromContext(ctx)
	if connID == "" {
		return
	}
	e, ok := d.reg.Get(connID)
	if !ok || e.UserID != actor.UserID {
		return
	}
	n := docks.ConflictDetected{
		ConflictResult: res,
		Message:        fmt.Sprintf("assignment %d is at version %d, you edited version %d", res.AssignmentID, res.CurrentVersion, res.AttemptedVersion),
	}
	if err := d.SendTo(connID, n); err != nil && !errors.Is(err, ErrUnknownConnection) {
		d.log.With("op", op).Warn("conflict notification not delivered",
			slog.String("connection_id", connID),
			slog.Any("error", err),
		)
	}
}

func (d *Dispatcher) evict(e Entry, cause error) {
	if !d.reg.Unregister(e.ID) {
		return
	}
	_ = e.conn.Close()
	reason := "send_failed"
	if errors.Is(cause, ErrQueueFull) {
		reason = "queue_full"
	}
	d.metrics.RecordEviction(context.Background(), reason)
	d.log.Warn("connection evicted",
		slog.String("connection_id", e.ID),
		slog.String("user_id", e.UserID),
		slog.String("reason", reason),
		slog.Any("error", cause),
	)
}
