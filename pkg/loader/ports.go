package loader

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sw33tLie/plancache/pkg/storage"
)

// SyncLog remembers when each date was last synced successfully. It backs
// the staleness check.
type SyncLog interface {
	LastSynced(schoolID, date string) (time.Time, bool)
	MarkSynced(schoolID, date string, at time.Time)
}

// Ports are the callbacks through which the surrounding application observes
// a loader. Every field is optional.
type Ports struct {
	// LastUpdated defaults to an in-memory log.
	LastUpdated SyncLog
	// LoadingState receives every flag change in order.
	LoadingState func(flag Flag, value bool)
	// PlanData receives each payload the caller should display.
	PlanData func(payload json.RawMessage)
	// RenewAbort hands out the cancellation token of each new network
	// request. The previous token is cancelled by the loader.
	RenewAbort func() (context.Context, context.CancelFunc)
}

// MemorySyncLog is the default SyncLog.
type MemorySyncLog struct {
	mu   sync.Mutex
	last map[string]time.Time
}

func NewMemorySyncLog() *MemorySyncLog {
	return &MemorySyncLog{last: map[string]time.Time{}}
}

func (l *MemorySyncLog) LastSynced(schoolID, date string) (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.last[schoolID+"|"+date]
	return t, ok
}

func (l *MemorySyncLog) MarkSynced(schoolID, date string, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.last[schoolID+"|"+date] = at
}

// StoreSyncLog reads the stored-at time of a cached snapshot as the last
// sync of its date, so the staleness window survives a restart. Marks made
// through it are kept in memory and take precedence.
type StoreSyncLog struct {
	store storage.Store
	mem   *MemorySyncLog
}

func NewStoreSyncLog(store storage.Store) *StoreSyncLog {
	return &StoreSyncLog{store: store, mem: NewMemorySyncLog()}
}

func (l *StoreSyncLog) LastSynced(schoolID, date string) (time.Time, bool) {
	if t, ok := l.mem.LastSynced(schoolID, date); ok {
		return t, true
	}
	snap, err := l.store.Get(context.Background(), schoolID, date)
	if err != nil || snap.StoredAt.IsZero() {
		return time.Time{}, false
	}
	return snap.StoredAt, true
}

func (l *StoreSyncLog) MarkSynced(schoolID, date string, at time.Time) {
	l.mem.MarkSynced(schoolID, date, at)
}

// LastUpdatedFunc adapts the single-function form of the port, where
// mark=true records "now" and the return value is the last sync time (zero
// when unknown). The school is not passed to it.
type LastUpdatedFunc func(date string, mark bool) time.Time

func (f LastUpdatedFunc) LastSynced(_, date string) (time.Time, bool) {
	t := f(date, false)
	return t, !t.IsZero()
}

func (f LastUpdatedFunc) MarkSynced(_, date string, _ time.Time) {
	f(date, true)
}

// tokenSource merges the RenewAbort token with the request context.
func tokenSource(renew func() (context.Context, context.CancelFunc)) func(parent context.Context) (context.Context, context.CancelFunc) {
	if renew == nil {
		return nil
	}
	return func(parent context.Context) (context.Context, context.CancelFunc) {
		tok, tokCancel := renew()
		ctx, cancel := context.WithCancel(parent)
		stop := context.AfterFunc(tok, cancel)
		return ctx, func() {
			stop()
			cancel()
			tokCancel()
		}
	}
}
