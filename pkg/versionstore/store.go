// Package versionstore persists assignments together with their version
// counter and provides the atomic compare-and-increment the coordinator
// relies on.
package versionstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/roboricindustries/raycon-docks/pkg/dock"
)

// ErrDuplicateID is returned by Create when a caller-chosen id is taken.
var ErrDuplicateID = errors.New("assignment id already exists")

// MutateFunc edits the current record in place. It runs inside the atomic
// section; returning an error aborts with nothing applied.
type MutateFunc func(a *dock.Assignment) error

// Store is the sole writer of assignment state.
//
// CheckAndUpdate must give per-id atomicity: two concurrent calls for the
// same id never both see expected as matched. Calls for different ids must
// not serialize against each other.
//
// NextID reserves an id that no later Create without an id will hand out.
// The coordinator locks the reserved id before the row becomes visible.
type Store interface {
	NextID(ctx context.Context) (int64, error)
	Create(ctx context.Context, a dock.Assignment) (dock.Assignment, error)
	Get(ctx context.Context, id int64) (dock.Assignment, error)
	List(ctx context.Context, filter ListFilter) ([]dock.Assignment, error)
	CheckAndUpdate(ctx context.Context, id, expected int64, mutate MutateFunc) (dock.Assignment, error)
	Close() error
}

type ListFilter struct {
	Direction dock.Direction
	Limit     int
	Offset    int
}

func (f ListFilter) match(a dock.Assignment) bool {
	if a.Deleted {
		return false
	}
	return f.Direction == "" || a.Direction == f.Direction
}

func (f ListFilter) limit() int {
	if f.Limit <= 0 || f.Limit > 500 {
		return 100
	}
	return f.Limit
}

// checkCurrent classifies the stored record against the expected version.
func checkCurrent(current dock.Assignment, expected int64) error {
	if current.Deleted {
		return dock.ErrNotFound
	}
	if current.Version != expected {
		return dock.NewConflict(current, expected)
	}
	return nil
}

// applyMutation runs mutate on a copy of current and bumps the version.
// Identity and creation fields are restored afterwards so a mutate func
// cannot rewrite them.
func applyMutation(current dock.Assignment, mutate MutateFunc) (dock.Assignment, error) {
	next := current.Clone()
	if mutate != nil {
		if err := mutate(&next); err != nil {
			return dock.Assignment{}, err
		}
	}
	next.ID = current.ID
	next.CreatedAt = current.CreatedAt
	next.CreatedBy = current.CreatedBy
	next.Version = current.Version + 1
	return next, nil
}

type Config struct {
	Backend     string // memory | sqlite | postgres | redis
	DSN         string
	RedisAddr   string
	RedisPass   string
	RedisDB     int
	RedisPrefix string
}

// Open builds the configured backend.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStore(nil), nil
	case "sqlite":
		return OpenSQLite(ctx, cfg.DSN)
	case "postgres":
		return OpenPostgres(ctx, cfg.DSN)
	case "redis":
		return NewRedisStore(ctx, RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPass,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
		})
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
