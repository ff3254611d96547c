package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Slot keys used by the tracker.
const (
	KeyTasks      = "tasks"
	KeyMilestones = "milestones"
	KeySettings   = "settings"
)

// MarkerMigrationCompleted records that legacy local data was pushed to the
// remote store.
const MarkerMigrationCompleted = "remote_migration_completed"

// CacheEntry is one named slot of application state. Value is opaque JSON.
type CacheEntry struct {
	Key       string
	Value     []byte
	Version   int64
	UpdatedAt time.Time
}
