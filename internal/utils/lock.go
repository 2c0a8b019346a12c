package utils

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// writeLockPoll is how often a waiting writer retries the lock file.
const writeLockPoll = 200 * time.Millisecond

// WriteLockPath is the lock file guarding the cache database at dbPath.
func WriteLockPath(dbPath string) string {
	return dbPath + ".lock"
}

// WithWriteLock runs fn while holding the cache write lock of dbPath, so
// batch writers in separate plancache processes take turns. Waiting for
// another process is bounded by ctx.
func WithWriteLock(ctx context.Context, dbPath string, fn func() error) error {
	fl := flock.New(WriteLockPath(dbPath))
	locked, err := fl.TryLock()
	if err != nil {
		return fmt.Errorf("cache lock %s: %w", fl.Path(), err)
	}
	if !locked {
		Log.Infof("Another plancache process is writing to %s, waiting for it to finish", dbPath)
		if _, err := fl.TryLockContext(ctx, writeLockPoll); err != nil {
			return fmt.Errorf("waiting for cache lock %s: %w", fl.Path(), err)
		}
	}
	defer func() {
		if err := fl.Unlock(); err != nil && !os.IsNotExist(err) {
			Log.Warnf("Could not release cache lock %s: %v", fl.Path(), err)
		}
	}()
	return fn()
}

// GetAbsDBPath resolves the database path. An empty path means the default
// location under ~/.config/plancache.
func GetAbsDBPath(dbPath string) (string, error) {
	if dbPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, ".config", "plancache", "plans.sqlite"), nil
	}
	return filepath.Abs(dbPath)
}
