package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// sqliteBackend is the structured checkpoint store. One row per checkpoint,
// indexed by session for recovery listings.
type sqliteBackend struct {
	db   *sql.DB
	path string
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	id                TEXT PRIMARY KEY,
	session_id        TEXT NOT NULL,
	entity_type       TEXT NOT NULL,
	last_processed_id TEXT NOT NULL DEFAULT '',
	batch_position    INTEGER NOT NULL,
	records_processed INTEGER NOT NULL,
	records_remaining INTEGER NOT NULL,
	state             BLOB,
	checksum          TEXT NOT NULL,
	version           INTEGER NOT NULL DEFAULT 1,
	created_at        TEXT NOT NULL,
	updated_at        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_session
	ON checkpoints(session_id, entity_type, created_at);
`

// sqliteTimeFormat is fixed-width so stored timestamps sort correctly as
// text. RFC3339Nano trims trailing zeros and does not.
const sqliteTimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// newSQLiteBackend opens (creating if needed) the structured store.
func newSQLiteBackend(path string) (*sqliteBackend, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating checkpoint directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening checkpoint database: %w", err)
	}
	// SQLite allows one writer; a second connection would just contend.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing checkpoint schema: %w", err)
	}

	return &sqliteBackend{db: db, path: path}, nil
}

func (b *sqliteBackend) Name() string { return "database" }

func (b *sqliteBackend) Close() error { return b.db.Close() }

func (b *sqliteBackend) Save(ctx context.Context, rec *Record) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO checkpoints
			(id, session_id, entity_type, last_processed_id, batch_position,
			 records_processed, records_remaining, state, checksum, version,
			 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.SessionID, rec.EntityType, rec.LastProcessedID, rec.BatchPosition,
		rec.RecordsProcessed, rec.RecordsRemaining, rec.stateBlob, rec.checksum, rec.Version,
		rec.CreatedAt.UTC().Format(sqliteTimeFormat),
		rec.UpdatedAt.UTC().Format(sqliteTimeFormat))
	if err != nil {
		return fmt.Errorf("saving checkpoint %s: %w", rec.ID, err)
	}
	return nil
}

func (b *sqliteBackend) Update(ctx context.Context, rec *Record, expectedVersion int64) error {
	res, err := b.db.ExecContext(ctx, `
		UPDATE checkpoints SET
			last_processed_id = ?, batch_position = ?, records_processed = ?,
			records_remaining = ?, state = ?, checksum = ?, version = ?,
			updated_at = ?
		WHERE id = ? AND version = ?`,
		rec.LastProcessedID, rec.BatchPosition, rec.RecordsProcessed,
		rec.RecordsRemaining, rec.stateBlob, rec.checksum, rec.Version,
		rec.UpdatedAt.UTC().Format(sqliteTimeFormat),
		rec.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("updating checkpoint %s: %w", rec.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		var v int64
		err := b.db.QueryRowContext(ctx,
			"SELECT version FROM checkpoints WHERE id = ?", rec.ID).Scan(&v)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	return nil
}

func (b *sqliteBackend) Load(ctx context.Context, id string) (*Record, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT id, session_id, entity_type, last_processed_id, batch_position,
		       records_processed, records_remaining, state, checksum, version,
		       created_at, updated_at
		FROM checkpoints WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

func (b *sqliteBackend) List(ctx context.Context, sessionID, entityType string) ([]*Record, error) {
	query := `
		SELECT id, session_id, entity_type, last_processed_id, batch_position,
		       records_processed, records_remaining, state, checksum, version,
		       created_at, updated_at
		FROM checkpoints WHERE session_id = ?`
	args := []any{sessionID}
	if entityType != "" {
		query += " AND entity_type = ?"
		args = append(args, entityType)
	}
	query += " ORDER BY created_at DESC"

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing checkpoints for %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (b *sqliteBackend) Delete(ctx context.Context, id string) error {
	_, err := b.db.ExecContext(ctx, "DELETE FROM checkpoints WHERE id = ?", id)
	return err
}

func (b *sqliteBackend) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := b.db.ExecContext(ctx,
		"DELETE FROM checkpoints WHERE created_at < ?",
		cutoff.UTC().Format(sqliteTimeFormat))
	if err != nil {
		return 0, fmt.Errorf("deleting expired checkpoints: %w", err)
	}
	affected, err := res.RowsAffected()
	return int(affected), err
}

func (b *sqliteBackend) Stats(ctx context.Context) (BackendStats, error) {
	stats := BackendStats{Name: b.Name(), Available: true}

	if err := b.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM checkpoints").Scan(&stats.Count); err != nil {
		stats.Available = false
		stats.LastError = err.Error()
		return stats, err
	}
	if stats.Count > 0 {
		var oldest, newest string
		err := b.db.QueryRowContext(ctx,
			"SELECT MIN(created_at), MAX(created_at) FROM checkpoints").Scan(&oldest, &newest)
		if err == nil {
			stats.Oldest, _ = time.Parse(time.RFC3339Nano, oldest)
			stats.Newest, _ = time.Parse(time.RFC3339Nano, newest)
		}
	}
	if info, err := os.Stat(b.path); err == nil {
		stats.SizeBytes = info.Size()
	}
	return stats, nil
}

// scanner covers both sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*Record, error) {
	rec := &Record{}
	var createdAt, updatedAt string
	err := s.Scan(&rec.ID, &rec.SessionID, &rec.EntityType, &rec.LastProcessedID,
		&rec.BatchPosition, &rec.RecordsProcessed, &rec.RecordsRemaining,
		&rec.stateBlob, &rec.checksum, &rec.Version, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("checkpoint %s: bad created_at: %w", rec.ID, err)
	}
	if rec.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("checkpoint %s: bad updated_at: %w", rec.ID, err)
	}
	return rec, nil
}
