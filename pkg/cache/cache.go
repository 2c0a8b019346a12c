// Package cache bounds the number of plan snapshots kept per school.
//
// When a school is at capacity, a new date only gets a slot by evicting the
// oldest cached date that is strictly before it. Dates near "today" are the
// ones users look at, so calendar date wins over fetch time.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sw33tLie/plancache/pkg/storage"
)

// DefaultMaxCached is the per-school snapshot bound.
const DefaultMaxCached = 10

// Status is the outcome of a Read.
type Status int

const (
	Miss Status = iota
	Hit
)

func (s Status) String() string {
	if s == Hit {
		return "hit"
	}
	return "miss"
}

// WriteResult is the outcome of a Write.
type WriteResult int

const (
	Ok WriteResult = iota
	// Rejected means the school is full and every cached date is at or after
	// the incoming one. Nothing changed; this is not an error.
	Rejected
)

func (r WriteResult) String() string {
	switch r {
	case Ok:
		return "ok"
	case Rejected:
		return "rejected"
	}
	return fmt.Sprintf("WriteResult(%d)", int(r))
}

// Logger abstracts logging so callers can use logrus or anything with the
// same methods.
type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

type nopLogger struct{}

func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Warnf(string, ...interface{})  {}
func (nopLogger) Debugf(string, ...interface{}) {}

// Config holds the Manager options.
type Config struct {
	Store     storage.Store
	MaxCached int    // defaults to DefaultMaxCached if <= 0
	Log       Logger // optional
	Now       func() time.Time
}

// Manager wraps a Store and enforces MaxCached per school.
type Manager struct {
	store storage.Store
	max   int
	log   Logger
	now   func() time.Time

	mu      sync.Mutex
	schools map[string]*schoolIndex
}

// schoolIndex is the in-memory set of cached dates for one school. It is
// rebuilt from the store, never persisted on its own.
type schoolIndex struct {
	mu     sync.Mutex
	loaded bool
	dates  map[string]struct{}
}

func New(cfg Config) *Manager {
	limit := cfg.MaxCached
	if limit <= 0 {
		limit = DefaultMaxCached
	}
	log := cfg.Log
	if log == nil {
		log = nopLogger{}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		store:   cfg.Store,
		max:     limit,
		log:     log,
		now:     now,
		schools: make(map[string]*schoolIndex),
	}
}

// MaxCached returns the configured bound.
func (m *Manager) MaxCached() int { return m.max }

func (m *Manager) index(schoolID string) *schoolIndex {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.schools[schoolID]
	if !ok {
		idx = &schoolIndex{dates: make(map[string]struct{})}
		m.schools[schoolID] = idx
	}
	return idx
}

// Read returns the cached snapshot for the key. Absent keys and an
// unavailable store both report Miss; the error is non-nil only for the
// latter.
func (m *Manager) Read(ctx context.Context, schoolID, date string) (storage.Snapshot, Status, error) {
	snap, err := m.store.Get(ctx, schoolID, date)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Snapshot{}, Miss, nil
	}
	if err != nil {
		m.log.Warnf("Cache read %s/%s failed: %v", schoolID, date, err)
		return storage.Snapshot{}, Miss, err
	}
	return snap, Hit, nil
}

// Write stores payload for (schoolID, date), evicting the oldest cached date
// before it when the school is at capacity.
func (m *Manager) Write(ctx context.Context, schoolID, date string, payload json.RawMessage, revisionID string) (WriteResult, error) {
	if schoolID == "" || date == "" {
		return Rejected, errors.New("school and date are required")
	}
	idx := m.index(schoolID)
	idx.mu.Lock()
	defer idx.mu.Unlock()

	// The wait for idx.mu may have outlived the caller.
	if err := ctx.Err(); err != nil {
		return Rejected, err
	}
	if err := m.loadLocked(ctx, schoolID, idx); err != nil {
		return Rejected, err
	}

	snap := storage.Snapshot{
		SchoolID:   schoolID,
		Date:       date,
		RevisionID: revisionID,
		Payload:    payload,
		StoredAt:   m.now().UTC(),
	}

	if _, present := idx.dates[date]; present || len(idx.dates) < m.max {
		if err := m.store.Put(ctx, snap); err != nil {
			return Rejected, fmt.Errorf("cache write %s/%s: %w", schoolID, date, err)
		}
		idx.dates[date] = struct{}{}
		return Ok, nil
	}

	victim, ok := oldestBefore(idx.dates, date)
	if !ok {
		m.log.Debugf("Cache for %s is full and %s is older than every cached date, not caching", schoolID, date)
		return Rejected, nil
	}

	if err := m.replace(ctx, victim, snap); err != nil {
		return Rejected, fmt.Errorf("cache evict %s/%s for %s: %w", schoolID, victim, date, err)
	}
	delete(idx.dates, victim)
	idx.dates[date] = struct{}{}
	m.log.Debugf("Evicted %s/%s to cache %s", schoolID, victim, date)
	return Ok, nil
}

func (m *Manager) replace(ctx context.Context, victim string, snap storage.Snapshot) error {
	if r, ok := m.store.(storage.Replacer); ok {
		return r.Replace(ctx, victim, snap)
	}
	if err := m.store.Delete(ctx, snap.SchoolID, victim); err != nil {
		return err
	}
	return m.store.Put(ctx, snap)
}

// oldestBefore returns the minimum cached date strictly less than date.
func oldestBefore(dates map[string]struct{}, date string) (string, bool) {
	var (
		oldest string
		found  bool
	)
	for d := range dates {
		if d >= date {
			continue
		}
		if !found || d < oldest {
			oldest, found = d, true
		}
	}
	return oldest, found
}

// Count returns the number of snapshots cached for schoolID.
func (m *Manager) Count(ctx context.Context, schoolID string) (int, error) {
	idx := m.index(schoolID)
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if err := m.loadLocked(ctx, schoolID, idx); err != nil {
		return 0, err
	}
	return len(idx.dates), nil
}

// Dates returns the cached dates for schoolID in ascending order.
func (m *Manager) Dates(ctx context.Context, schoolID string) ([]string, error) {
	idx := m.index(schoolID)
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if err := m.loadLocked(ctx, schoolID, idx); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(idx.dates))
	for d := range idx.dates {
		out = append(out, d)
	}
	sort.Strings(out)
	return out, nil
}

// Delete removes one snapshot.
func (m *Manager) Delete(ctx context.Context, schoolID, date string) error {
	idx := m.index(schoolID)
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if err := m.store.Delete(ctx, schoolID, date); err != nil {
		return err
	}
	delete(idx.dates, date)
	return nil
}

// Clear wipes every snapshot of every school. It holds every school index
// while the store is wiped, so no write lands between the wipe and the reset
// of its index.
func (m *Manager) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, idx := range m.schools {
		idx.mu.Lock()
	}
	defer func() {
		for _, idx := range m.schools {
			idx.mu.Unlock()
		}
	}()

	err := m.store.Clear(ctx)
	for _, idx := range m.schools {
		// On failure the store state is unknown; rescan on next use.
		idx.loaded = err == nil
		idx.dates = make(map[string]struct{})
	}
	if err != nil {
		return fmt.Errorf("cache clear: %w", err)
	}
	m.log.Infof("Cache cleared")
	return nil
}

// Rebuild rescans the store for schoolID. Snapshots beyond the bound (left by
// an older build with a larger limit) are trimmed oldest first.
func (m *Manager) Rebuild(ctx context.Context, schoolID string) error {
	idx := m.index(schoolID)
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.loaded = false
	return m.loadLocked(ctx, schoolID, idx)
}

func (m *Manager) loadLocked(ctx context.Context, schoolID string, idx *schoolIndex) error {
	if idx.loaded {
		return nil
	}
	snaps, err := m.store.ListBySchool(ctx, schoolID)
	if err != nil {
		return fmt.Errorf("cache index %s: %w", schoolID, err)
	}
	dates := make([]string, 0, len(snaps))
	for _, s := range snaps {
		dates = append(dates, s.Date)
	}
	sort.Strings(dates)
	for len(dates) > m.max {
		if err := m.store.Delete(ctx, schoolID, dates[0]); err != nil {
			return fmt.Errorf("cache trim %s/%s: %w", schoolID, dates[0], err)
		}
		m.log.Debugf("Trimmed %s/%s above limit %d", schoolID, dates[0], m.max)
		dates = dates[1:]
	}
	idx.dates = make(map[string]struct{}, len(dates))
	for _, d := range dates {
		idx.dates[d] = struct{}{}
	}
	idx.loaded = true
	return nil
}
