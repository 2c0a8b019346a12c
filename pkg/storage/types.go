package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by Get when no snapshot exists for the key.
	ErrNotFound = errors.New("snapshot not found")
	// ErrStorageUnavailable means the backing store cannot be opened or used.
	// Callers should treat it as permanent for the session.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// Snapshot is one cached plan for a school and date. The payload is kept
// exactly as received from the plan endpoint.
type Snapshot struct {
	SchoolID   string
	Date       string // YYYY-MM-DD
	RevisionID string
	Payload    json.RawMessage
	StoredAt   time.Time
}

// Key returns the composite identity of the snapshot.
func (s Snapshot) Key() string {
	return snapshotKey(s.SchoolID, s.Date)
}

// Store is a key-value store of snapshots keyed by (school, date).
// Every method is individually atomic.
type Store interface {
	Put(ctx context.Context, snap Snapshot) error
	Get(ctx context.Context, schoolID, date string) (Snapshot, error)
	Delete(ctx context.Context, schoolID, date string) error
	// ListBySchool returns the school's snapshots in no particular order.
	ListBySchool(ctx context.Context, schoolID string) ([]Snapshot, error)
	Clear(ctx context.Context) error
}

// SchoolStats summarizes the cached snapshots of one school.
type SchoolStats struct {
	SchoolID    string
	Count       int
	OldestDate  string
	NewestDate  string
	LastStoreAt time.Time
}

// Replacer is implemented by stores that can evict one date and insert a
// snapshot atomically.
type Replacer interface {
	Replace(ctx context.Context, evictDate string, snap Snapshot) error
}

// StatsSource is implemented by stores that can summarize their content.
type StatsSource interface {
	GetStats(ctx context.Context) ([]SchoolStats, error)
}
