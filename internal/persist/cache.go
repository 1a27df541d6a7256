// Package persist caches the most recent sealed snapshot per session so a
// restarted client can rejoin from local state instead of a cold full sync.
package persist

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"gloomvault/server/internal/session"
)

// ErrNotFound reports that no snapshot is cached for the session.
var ErrNotFound = errors.New("persist: snapshot not found")

// Cache is a sqlite-backed snapshot store keyed by session id. One row per
// session; Save overwrites.
type Cache struct {
	db *sql.DB
}

// Open creates (or opens) the cache database at path. Use ":memory:" in
// tests.
func Open(path string) (*Cache, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(10000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open snapshot cache: %w", err)
	}
	// The cache is single-writer by construction; one connection avoids
	// sqlite lock churn.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS snapshots (
			session_id TEXT PRIMARY KEY,
			schema_version INTEGER NOT NULL,
			integrity_hash TEXT NOT NULL,
			payload BLOB NOT NULL,
			saved_at INTEGER NOT NULL
		)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create snapshot table: %w", err)
	}
	return &Cache{db: db}, nil
}

// Save stores the snapshot for the session, replacing any previous row.
func (c *Cache) Save(ctx context.Context, sessionID string, snap session.Snapshot) error {
	payload, err := session.EncodeSnapshot(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO snapshots (session_id, schema_version, integrity_hash, payload, saved_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			schema_version = excluded.schema_version,
			integrity_hash = excluded.integrity_hash,
			payload = excluded.payload,
			saved_at = excluded.saved_at`,
		sessionID, snap.SchemaVersion, snap.IntegrityHash, payload, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("save snapshot for %s: %w", sessionID, err)
	}
	return nil
}

// Load returns the cached snapshot for the session, or ErrNotFound.
func (c *Cache) Load(ctx context.Context, sessionID string) (session.Snapshot, error) {
	var payload []byte
	err := c.db.QueryRowContext(ctx,
		`SELECT payload FROM snapshots WHERE session_id = ?`, sessionID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Snapshot{}, ErrNotFound
	}
	if err != nil {
		return session.Snapshot{}, fmt.Errorf("load snapshot for %s: %w", sessionID, err)
	}
	snap, err := session.DecodeSnapshot(payload)
	if err != nil {
		return session.Snapshot{}, fmt.Errorf("decode cached snapshot for %s: %w", sessionID, err)
	}
	return snap, nil
}

// Prune deletes rows older than the given age and reports how many went.
func (c *Cache) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	res, err := c.db.ExecContext(ctx,
		`DELETE FROM snapshots WHERE saved_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}
	return res.RowsAffected()
}

// Close releases the database handle.
func (c *Cache) Close() error {
	return c.db.Close()
}
