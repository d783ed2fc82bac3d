// Package audit receives a before/after record for every accepted
// assignment mutation.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/roboricindustries/raycon-docks/pkg/dock"
)

// Entry is one accepted mutation. Before is nil for creates.
type Entry struct {
	ID           string           `json:"id"`
	Kind         dock.ChangeKind  `json:"kind"`
	AssignmentID int64            `json:"assignment_id"`
	Actor        dock.Actor       `json:"actor"`
	Before       *dock.Assignment `json:"before,omitempty"`
	After        dock.Assignment  `json:"after"`
	At           time.Time        `json:"at"`
}

type Sink interface {
	Record(ctx context.Context, e Entry) error
}

// FromChange builds the entry for an accepted change.
func FromChange(ev dock.ChangeEvent, before *dock.Assignment) Entry {
	e := Entry{
		ID:           ev.ID,
		Kind:         ev.Kind,
		AssignmentID: ev.Assignment.ID,
		Actor:        ev.Actor,
		After:        ev.Assignment.Clone(),
		At:           ev.At,
	}
	if before != nil {
		b := before.Clone()
		e.Before = &b
	}
	return e
}

type nop struct{}

func (nop) Record(context.Context, Entry) error { return nil }

// Nop discards entries.
var Nop Sink = nop{}

// LogSink writes entries as structured log lines.
type LogSink struct {
	log *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{log: logger.With("component", "audit")}
}

func (s *LogSink) Record(ctx context.Context, e Entry) error {
	attrs := []slog.Attr{
		slog.String("id", e.ID),
		slog.String("kind", string(e.Kind)),
		slog.Int64("assignment_id", e.AssignmentID),
		slog.String("user_id", e.Actor.UserID),
		slog.Int64("version", e.After.Version),
	}
	if e.Before != nil {
		attrs = append(attrs, slog.Any("before", *e.Before))
	}
	attrs = append(attrs, slog.Any("after", e.After))
	s.log.LogAttrs(ctx, slog.LevelInfo, "assignment changed", attrs...)
	return nil
}

// Multi fans an entry out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Record(ctx context.Context, e Entry) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
