// Package seed loads initial assignments from a YAML file.
package seed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roboricindustries/raycon-docks/pkg/dock"
	"github.com/roboricindustries/raycon-docks/pkg/versionstore"
)

type File struct {
	Actor       string            `yaml:"actor"`
	Assignments []dock.Assignment `yaml:"assignments"`
}

func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load seed %q: %w", path, err)
	}
	return Parse(data)
}

func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse seed: %w", err)
	}
	if f.Actor == "" {
		f.Actor = "seed"
	}
	for i := range f.Assignments {
		a := &f.Assignments[i]
		d, err := dock.ParseDirection(string(a.Direction))
		if err != nil {
			return nil, fmt.Errorf("assignment %d: %w", i, err)
		}
		a.Direction = d
		if a.DockID <= 0 || a.LoadID <= 0 || a.StatusID <= 0 {
			return nil, fmt.Errorf("assignment %d: dock_id, load_id and status_id must be positive", i)
		}
	}
	return &f, nil
}

// Apply creates every assignment at version 1. Ids that already exist are
// skipped, so seeding twice is harmless.
func Apply(ctx context.Context, store versionstore.Store, f *File, logger *slog.Logger) (created int, err error) {
	const op = "seed.Apply"
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("op", op)
	for _, a := range f.Assignments {
		a.CreatedBy, a.UpdatedBy = f.Actor, f.Actor
		out, err := store.Create(ctx, a)
		if errors.Is(err, versionstore.ErrDuplicateID) {
			log.Debug("assignment exists, skipped", slog.Int64("assignment_id", a.ID))
			continue
		}
		if err != nil {
			return created, fmt.Errorf("seed assignment %d: %w", a.ID, err)
		}
		created++
		log.Debug("assignment seeded", slog.Int64("assignment_id", out.ID))
	}
	log.Info("seed applied", slog.Int("created", created), slog.Int("total", len(f.Assignments)))
	return created, nil
}
