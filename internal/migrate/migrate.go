// Package migrate uploads data that predates the remote store from the local
// cache, once.
package migrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kalambet/cadence/internal/storage"
	"github.com/kalambet/cadence/internal/tracker"
)

// Store is the subset of the local cache the migration reads and marks.
type Store interface {
	ReadEntry(key string) ([]byte, error)
	GetMarker(name string) (string, error)
	SetMarker(name, value string) error
}

// Putter upserts one record remotely.
type Putter[T any] interface {
	Put(ctx context.Context, v T) error
}

// Result summarises one run.
type Result struct {
	Skipped    bool `json:"skipped"`
	Tasks      int  `json:"tasks"`
	Milestones int  `json:"milestones"`
	Settings   bool `json:"settings"`
}

// Migrator copies cached tasks, milestones and settings to the remote store.
// It must run before the tracker's slots initialise, since an online init
// replaces the cache with the remote lists.
type Migrator struct {
	store      Store
	tasks      Putter[tracker.Task]
	milestones Putter[tracker.Milestone]
	settings   Putter[tracker.Settings]
	logger     *slog.Logger
}

func New(store Store, tasks Putter[tracker.Task], milestones Putter[tracker.Milestone], settings Putter[tracker.Settings]) *Migrator {
	return &Migrator{
		store:      store,
		tasks:      tasks,
		milestones: milestones,
		settings:   settings,
		logger:     slog.Default(),
	}
}

// Completed reports whether the marker is set.
func (m *Migrator) Completed() (bool, error) {
	v, err := m.store.GetMarker(storage.MarkerMigrationCompleted)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading migration marker: %w", err)
	}
	return v == "true", nil
}

// Run uploads everything when the cache holds tasks or milestones and the
// marker is not set. The marker is written only after every upload succeeded,
// so a failed run is retried in full next time.
func (m *Migrator) Run(ctx context.Context) (Result, error) {
	done, err := m.Completed()
	if err != nil {
		return Result{}, err
	}
	if done {
		return Result{Skipped: true}, nil
	}

	var tasks []tracker.Task
	if err := m.read(storage.KeyTasks, &tasks); err != nil {
		return Result{}, err
	}
	var milestones []tracker.Milestone
	if err := m.read(storage.KeyMilestones, &milestones); err != nil {
		return Result{}, err
	}
	if len(tasks) == 0 && len(milestones) == 0 {
		return Result{Skipped: true}, nil
	}

	var res Result
	m.logger.Info("migrating cached data to remote", "tasks", len(tasks), "milestones", len(milestones))

	for _, t := range tasks {
		if t.Priority == "" {
			t.Priority = tracker.PriorityMedium
		}
		if err := m.tasks.Put(ctx, t); err != nil {
			return res, fmt.Errorf("migrating task %s: %w", t.ID, err)
		}
		res.Tasks++
	}
	for _, ms := range milestones {
		if ms.Color == "" {
			ms.Color = tracker.DefaultMilestoneColor
		}
		if err := m.milestones.Put(ctx, ms); err != nil {
			return res, fmt.Errorf("migrating milestone %s: %w", ms.ID, err)
		}
		res.Milestones++
	}

	var settings tracker.Settings
	if err := m.read(storage.KeySettings, &settings); err != nil {
		return res, err
	}
	if settings.Theme != "" {
		if err := m.settings.Put(ctx, settings); err != nil {
			return res, fmt.Errorf("migrating settings: %w", err)
		}
		res.Settings = true
	}

	if err := m.store.SetMarker(storage.MarkerMigrationCompleted, "true"); err != nil {
		return res, fmt.Errorf("writing migration marker: %w", err)
	}
	m.logger.Info("migration completed", "tasks", res.Tasks, "milestones", res.Milestones)
	return res, nil
}

// read decodes key into v; a missing key leaves v untouched.
func (m *Migrator) read(key string, v any) error {
	raw, err := m.store.ReadEntry(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decoding cached %s: %w", key, err)
	}
	return nil
}
