package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// DB is the SQLite-backed Store.
type DB struct {
	sql *sql.DB
	// broken is set when the database could not be opened; every call then
	// fails fast with ErrStorageUnavailable.
	broken error
}

var _ Store = (*DB)(nil)
var _ Replacer = (*DB)(nil)

func Open(path string) (*DB, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	// Ensure schema exists for convenience.
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS plan_snapshots (
  school_id     TEXT NOT NULL,
  date          TEXT NOT NULL,
  revision_id   TEXT NOT NULL,
  plan_payload  BLOB NOT NULL,
  stored_at     TEXT NOT NULL,
  PRIMARY KEY (school_id, date)
);
CREATE INDEX IF NOT EXISTS idx_snapshots_school ON plan_snapshots(school_id, date);
    `); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return &DB{sql: db}, nil
}

// Unavailable returns a DB that rejects every operation with
// ErrStorageUnavailable. Use it when Open failed and the caller wants to keep
// running without a cache.
func Unavailable(cause error) *DB {
	if cause == nil {
		cause = errors.New("not opened")
	}
	return &DB{broken: cause}
}

func (d *DB) Close() error {
	if d == nil || d.sql == nil {
		return nil
	}
	return d.sql.Close()
}

func (d *DB) usable() error {
	if d == nil || d.sql == nil {
		if d != nil && d.broken != nil {
			return fmt.Errorf("%w: %v", ErrStorageUnavailable, d.broken)
		}
		return ErrStorageUnavailable
	}
	return nil
}

// wrapErr marks driver failures as storage unavailability. Context errors are
// passed through so callers can tell a cancelled call from a broken store.
func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, ErrStorageUnavailable) || errors.Is(err, ErrNotFound) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
}

const upsertSnapshot = `INSERT INTO plan_snapshots(school_id, date, revision_id, plan_payload, stored_at) VALUES(?,?,?,?,?)
ON CONFLICT(school_id, date) DO UPDATE SET revision_id = excluded.revision_id, plan_payload = excluded.plan_payload, stored_at = excluded.stored_at`

func (d *DB) Put(ctx context.Context, snap Snapshot) error {
	if err := d.usable(); err != nil {
		return err
	}
	if snapshotKey(snap.SchoolID, snap.Date) == "" {
		return errors.New("invalid snapshot key")
	}
	_, err := d.sql.ExecContext(ctx, upsertSnapshot, snap.SchoolID, snap.Date, snap.RevisionID, []byte(snap.Payload), formatStoredAt(snap.StoredAt))
	return wrapErr(err)
}

// Replace deletes the snapshot for evictDate and stores snap in a single
// transaction. Either both happen or neither does.
func (d *DB) Replace(ctx context.Context, evictDate string, snap Snapshot) (err error) {
	if err := d.usable(); err != nil {
		return err
	}
	tx, err := d.sql.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return wrapErr(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, "DELETE FROM plan_snapshots WHERE school_id = ? AND date = ?", snap.SchoolID, evictDate); err != nil {
		return wrapErr(err)
	}
	if _, err = tx.ExecContext(ctx, upsertSnapshot, snap.SchoolID, snap.Date, snap.RevisionID, []byte(snap.Payload), formatStoredAt(snap.StoredAt)); err != nil {
		return wrapErr(err)
	}
	if err = tx.Commit(); err != nil {
		return wrapErr(err)
	}
	return nil
}

func (d *DB) Get(ctx context.Context, schoolID, date string) (Snapshot, error) {
	if err := d.usable(); err != nil {
		return Snapshot{}, err
	}
	row := d.sql.QueryRowContext(ctx, "SELECT school_id, date, revision_id, plan_payload, stored_at FROM plan_snapshots WHERE school_id = ? AND date = ?", schoolID, date)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, wrapErr(err)
	}
	return snap, nil
}

func (d *DB) Delete(ctx context.Context, schoolID, date string) error {
	if err := d.usable(); err != nil {
		return err
	}
	_, err := d.sql.ExecContext(ctx, "DELETE FROM plan_snapshots WHERE school_id = ? AND date = ?", schoolID, date)
	return wrapErr(err)
}

func (d *DB) ListBySchool(ctx context.Context, schoolID string) ([]Snapshot, error) {
	if err := d.usable(); err != nil {
		return nil, err
	}
	rows, err := d.sql.QueryContext(ctx, "SELECT school_id, date, revision_id, plan_payload, stored_at FROM plan_snapshots WHERE school_id = ?", schoolID)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, wrapErr(err)
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr(err)
	}
	return out, nil
}

func (d *DB) Clear(ctx context.Context) error {
	if err := d.usable(); err != nil {
		return err
	}
	_, err := d.sql.ExecContext(ctx, "DELETE FROM plan_snapshots")
	return wrapErr(err)
}

// GetStats returns per-school counts and date ranges.
func (d *DB) GetStats(ctx context.Context) ([]SchoolStats, error) {
	if err := d.usable(); err != nil {
		return nil, err
	}
	query := `
		SELECT
			school_id,
			COUNT(*),
			MIN(date),
			MAX(date),
			MAX(stored_at)
		FROM
			plan_snapshots
		GROUP BY
			school_id
		ORDER BY
			school_id;
	`
	rows, err := d.sql.QueryContext(ctx, query)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var stats []SchoolStats
	for rows.Next() {
		var s SchoolStats
		var lastStored string
		if err := rows.Scan(&s.SchoolID, &s.Count, &s.OldestDate, &s.NewestDate, &lastStored); err != nil {
			return nil, wrapErr(err)
		}
		s.LastStoreAt = parseStoredAt(lastStored)
		stats = append(stats, s)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr(err)
	}
	return stats, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(r rowScanner) (Snapshot, error) {
	var (
		s        Snapshot
		payload  []byte
		storedAt string
	)
	if err := r.Scan(&s.SchoolID, &s.Date, &s.RevisionID, &payload, &storedAt); err != nil {
		return Snapshot{}, err
	}
	s.Payload = payload
	s.StoredAt = parseStoredAt(storedAt)
	return s, nil
}

func formatStoredAt(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseStoredAt(s string) time.Time {
	// Try RFC3339 then the SQLite CURRENT_TIMESTAMP format.
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	if t, err := time.Parse("2006-01-02 15:04:05", s); err == nil {
		return t
	}
	return time.Time{}
}
