package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Store. It is used when no database path is
// configured and by tests.
type Memory struct {
	mu    sync.RWMutex
	snaps map[string]Snapshot
}

var _ Store = (*Memory)(nil)
var _ Replacer = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{snaps: make(map[string]Snapshot)}
}

func (m *Memory) Put(ctx context.Context, snap Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putLocked(snap)
	return nil
}

func (m *Memory) putLocked(snap Snapshot) {
	snap.Payload = clonePayload(snap.Payload)
	if snap.StoredAt.IsZero() {
		snap.StoredAt = time.Now().UTC()
	}
	m.snaps[snap.Key()] = snap
}

func (m *Memory) Replace(ctx context.Context, evictDate string, snap Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snaps, snapshotKey(snap.SchoolID, evictDate))
	m.putLocked(snap)
	return nil
}

func (m *Memory) Get(ctx context.Context, schoolID, date string) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.snaps[snapshotKey(schoolID, date)]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	snap.Payload = clonePayload(snap.Payload)
	return snap, nil
}

func (m *Memory) Delete(ctx context.Context, schoolID, date string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snaps, snapshotKey(schoolID, date))
	return nil
}

func (m *Memory) ListBySchool(ctx context.Context, schoolID string) ([]Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Snapshot
	for _, snap := range m.snaps {
		if snap.SchoolID != schoolID {
			continue
		}
		snap.Payload = clonePayload(snap.Payload)
		out = append(out, snap)
	}
	return out, nil
}

func (m *Memory) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps = make(map[string]Snapshot)
	return nil
}

// GetStats mirrors DB.GetStats.
func (m *Memory) GetStats(ctx context.Context) ([]SchoolStats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	bySchool := map[string]*SchoolStats{}
	for _, snap := range m.snaps {
		s, ok := bySchool[snap.SchoolID]
		if !ok {
			s = &SchoolStats{SchoolID: snap.SchoolID, OldestDate: snap.Date, NewestDate: snap.Date}
			bySchool[snap.SchoolID] = s
		}
		s.Count++
		if snap.Date < s.OldestDate {
			s.OldestDate = snap.Date
		}
		if snap.Date > s.NewestDate {
			s.NewestDate = snap.Date
		}
		if snap.StoredAt.After(s.LastStoreAt) {
			s.LastStoreAt = snap.StoredAt
		}
	}
	out := make([]SchoolStats, 0, len(bySchool))
	for _, s := range bySchool {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SchoolID < out[j].SchoolID })
	return out, nil
}
