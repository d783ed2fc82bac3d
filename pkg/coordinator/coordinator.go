// Package coordinator accepts or rejects assignment mutations against the
// version store and hands accepted changes to audit and broadcast.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/roboricindustries/raycon-docks/pkg/audit"
	"github.com/roboricindustries/raycon-docks/pkg/dock"
	"github.com/roboricindustries/raycon-docks/pkg/telemetry"
	"github.com/roboricindustries/raycon-docks/pkg/versionstore"
)

// Publisher receives every accepted change exactly once. Publish is called
// while the assignment's lock is held, so it must not block.
type Publisher interface {
	Publish(ev dock.ChangeEvent)
}

// ConflictNotifier delivers a conflict privately to the submitter.
type ConflictNotifier interface {
	NotifyConflict(ctx context.Context, actor dock.Actor, res dock.ConflictResult)
}

type Options struct {
	// bounds lock wait plus the store call; 0 means 5s
	StoreTimeout time.Duration
	AuditTimeout time.Duration

	Audit     audit.Sink
	Publisher Publisher
	Conflicts ConflictNotifier
	Metrics   *telemetry.Metrics
	Logger    *slog.Logger

	Now   func() time.Time
	NewID func() string
}

type Coordinator struct {
	store versionstore.Store
	opts  Options
	locks keyedMutex
	log   *slog.Logger
}

func New(store versionstore.Store, opts Options) *Coordinator {
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 5 * time.Second
	}
	if opts.AuditTimeout <= 0 {
		opts.AuditTimeout = 5 * time.Second
	}
	if opts.Audit == nil {
		opts.Audit = audit.Nop
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Coordinator{store: store, opts: opts, log: opts.Logger}
}

const (
	kindCreate = "create"
	kindUpdate = "update"
	kindDelete = "delete"
)

func invalid(field, reason string) error {
	return &dock.ValidationError{Issues: []dock.ValidationIssue{{Field: field, Reason: reason}}}
}

// Create stores a new assignment at version 1.
func (c *Coordinator) Create(ctx context.Context, actor dock.Actor, patch dock.Patch) (dock.ChangeEvent, error) {
	const op = "coordinator.Create"
	if err := patch.ValidateCreate(); err != nil {
		c.opts.Metrics.RecordMutation(ctx, kindCreate, telemetry.OutcomeInvalid)
		return dock.ChangeEvent{}, err
	}

	now := c.opts.Now()
	var a dock.Assignment
	patch.Apply(&a)
	a.CreatedBy, a.UpdatedBy = actor.UserID, actor.UserID
	a.CreatedAt, a.UpdatedAt = now, now

	sctx, cancel := context.WithTimeout(ctx, c.opts.StoreTimeout)
	defer cancel()
	id, err := c.store.NextID(sctx)
	if err != nil {
		return dock.ChangeEvent{}, c.storageFailure(ctx, op, kindCreate, 0, err)
	}
	// the id is locked before the row is visible, so no update of it can
	// be published ahead of the created event
	unlock, err := c.locks.Lock(sctx, id)
	if err != nil {
		return dock.ChangeEvent{}, c.storageFailure(ctx, op, kindCreate, id, fmt.Errorf("wait for assignment lock: %w", err))
	}
	defer unlock()

	a.ID = id
	start := time.Now()
	created, err := c.store.Create(sctx, a)
	c.opts.Metrics.RecordStoreDuration(ctx, "create", time.Since(start))
	if err != nil {
		unlock()
		return dock.ChangeEvent{}, c.storageFailure(ctx, op, kindCreate, id, err)
	}

	ev := dock.ChangeEvent{ID: c.opts.NewID(), Kind: dock.KindCreated, Assignment: created, Actor: actor, At: now}
	c.publish(ev)
	unlock()
	c.accepted(ctx, op, kindCreate, ev, nil)
	return ev, nil
}

// Propose applies patch iff expected equals the stored version. A conflict
// is returned to the caller and never retried.
func (c *Coordinator) Propose(ctx context.Context, actor dock.Actor, id, expected int64, patch dock.Patch) (dock.ChangeEvent, error) {
	const op = "coordinator.Propose"
	if err := c.checkVersion(ctx, kindUpdate, expected); err != nil {
		return dock.ChangeEvent{}, err
	}
	if err := patch.Validate(); err != nil {
		c.opts.Metrics.RecordMutation(ctx, kindUpdate, telemetry.OutcomeInvalid)
		return dock.ChangeEvent{}, err
	}
	return c.mutate(ctx, op, kindUpdate, actor, id, expected, func(a *dock.Assignment) {
		patch.Apply(a)
	})
}

// Delete tombstones the assignment. The delete consumes a version like any
// other mutation, and afterwards the id reads as not found.
func (c *Coordinator) Delete(ctx context.Context, actor dock.Actor, id, expected int64) (dock.ChangeEvent, error) {
	const op = "coordinator.Delete"
	if err := c.checkVersion(ctx, kindDelete, expected); err != nil {
		return dock.ChangeEvent{}, err
	}
	return c.mutate(ctx, op, kindDelete, actor, id, expected, func(a *dock.Assignment) {
		a.Deleted = true
	})
}

func (c *Coordinator) checkVersion(ctx context.Context, kind string, expected int64) error {
	if expected < 0 {
		c.opts.Metrics.RecordMutation(ctx, kind, telemetry.OutcomeInvalid)
		return invalid("version", "must not be negative")
	}
	return nil
}

func (c *Coordinator) mutate(ctx context.Context, op, kind string, actor dock.Actor, id, expected int64, apply func(*dock.Assignment)) (dock.ChangeEvent, error) {
	sctx, cancel := context.WithTimeout(ctx, c.opts.StoreTimeout)
	defer cancel()

	unlock, err := c.locks.Lock(sctx, id)
	if err != nil {
		return dock.ChangeEvent{}, c.storageFailure(ctx, op, kind, id, fmt.Errorf("wait for assignment lock: %w", err))
	}
	defer unlock()

	now := c.opts.Now()
	var before dock.Assignment
	start := time.Now()
	after, err := c.store.CheckAndUpdate(sctx, id, expected, func(a *dock.Assignment) error {
		before = a.Clone()
		apply(a)
		a.UpdatedBy = actor.UserID
		a.UpdatedAt = now
		return nil
	})
	c.opts.Metrics.RecordStoreDuration(ctx, "check_and_update", time.Since(start))
	if err != nil {
		unlock()
		return dock.ChangeEvent{}, c.rejected(ctx, op, kind, actor, id, expected, err)
	}

	changeKind := dock.KindUpdated
	if kind == kindDelete {
		changeKind = dock.KindDeleted
	}
	ev := dock.ChangeEvent{ID: c.opts.NewID(), Kind: changeKind, Assignment: after, Actor: actor, At: now}
	c.publish(ev)
	unlock()

	c.accepted(ctx, op, kind, ev, &before)
	return ev, nil
}

func (c *Coordinator) publish(ev dock.ChangeEvent) {
	if c.opts.Publisher != nil {
		c.opts.Publisher.Publish(ev)
	}
}

// accepted records the audit entry. The mutation already happened, so an
// audit failure is logged and counted but not returned.
func (c *Coordinator) accepted(ctx context.Context, op, kind string, ev dock.ChangeEvent, before *dock.Assignment) {
	c.opts.Metrics.RecordMutation(ctx, kind, telemetry.OutcomeAccepted)
	c.log.With("op", op).Debug("mutation accepted",
		slog.Int64("assignment_id", ev.Assignment.ID),
		slog.Int64("version", ev.Assignment.Version),
		slog.String("user_id", ev.Actor.UserID),
	)

	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.AuditTimeout)
	defer cancel()
	if err := c.opts.Audit.Record(actx, audit.FromChange(ev, before)); err != nil {
		c.opts.Metrics.RecordAuditFailure(ctx)
		c.log.With("op", op).Error("audit record failed",
			slog.String("event_id", ev.ID),
			slog.Int64("assignment_id", ev.Assignment.ID),
			slog.Any("error", err),
		)
	}
}

// rejected maps a store error onto the outcome taxonomy.
func (c *Coordinator) rejected(ctx context.Context, op, kind string, actor dock.Actor, id, expected int64, err error) error {
	log := c.log.With("op", op)
	switch {
	case errors.Is(err, dock.ErrNotFound):
		c.opts.Metrics.RecordMutation(ctx, kind, telemetry.OutcomeNotFound)
		return err
	case errors.Is(err, dock.ErrVersionConflict):
		c.opts.Metrics.RecordMutation(ctx, kind, telemetry.OutcomeConflict)
		res, _ := dock.IsConflict(err)
		log.Info("version conflict",
			slog.Int64("assignment_id", id),
			slog.Int64("attempted_version", expected),
			slog.Int64("current_version", res.CurrentVersion),
			slog.String("user_id", actor.UserID),
		)
		if c.opts.Conflicts != nil {
			c.opts.Conflicts.NotifyConflict(ctx, actor, res)
		}
		return err
	case errors.Is(err, dock.ErrInvalid):
		c.opts.Metrics.RecordMutation(ctx, kind, telemetry.OutcomeInvalid)
		return err
	default:
		return c.storageFailure(ctx, op, kind, id, err)
	}
}

func (c *Coordinator) storageFailure(ctx context.Context, op, kind string, id int64, err error) error {
	c.opts.Metrics.RecordMutation(ctx, kind, telemetry.OutcomeStorage)
	c.log.With("op", op).Error("version store failure",
		slog.Int64("assignment_id", id),
		slog.Any("error", err),
	)
	return &dock.StorageError{Op: op, Err: err}
}

func (c *Coordinator) Get(ctx context.Context, id int64) (dock.Assignment, error) {
	sctx, cancel := context.WithTimeout(ctx, c.opts.StoreTimeout)
	defer cancel()
	a, err := c.store.Get(sctx, id)
	if err != nil && !errors.Is(err, dock.ErrNotFound) {
		return dock.Assignment{}, &dock.StorageError{Op: "coordinator.Get", Err: err}
	}
	return a, err
}

func (c *Coordinator) List(ctx context.Context, filter versionstore.ListFilter) ([]dock.Assignment, error) {
	sctx, cancel := context.WithTimeout(ctx, c.opts.StoreTimeout)
	defer cancel()
	list, err := c.store.List(sctx, filter)
	if err != nil {
		return nil, &dock.StorageError{Op: "coordinator.List", Err: err}
	}
	return list, nil
}
