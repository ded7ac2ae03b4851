// Package target manages the connection pool against the destination
// PostgreSQL database.
package target

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nhoughto/deltamigrate/internal/config"
)

// Column describes one column of a destination table.
type Column struct {
	Name     string
	DataType string
	Nullable bool
}

// Pool manages a pool of PostgreSQL connections.
type Pool struct {
	pool   *pgxpool.Pool
	schema string
}

// NewPool creates a new PostgreSQL connection pool and verifies connectivity.
func NewPool(ctx context.Context, cfg *config.Config) (*Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.TargetDSN())
	if err != nil {
		return nil, fmt.Errorf("parsing target dsn: %w", err)
	}

	poolCfg.MaxConns = int32(cfg.Target.MaxConns)
	poolCfg.MinConns = int32(cfg.Target.MaxConns / 4)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating target pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging target database: %w", err)
	}

	return &Pool{pool: pool, schema: cfg.Target.Schema}, nil
}

// Close closes all connections in the pool.
func (p *Pool) Close() {
	p.pool.Close()
}

// Pool returns the underlying pgxpool.
func (p *Pool) Pool() *pgxpool.Pool {
	return p.pool
}

// Schema returns the configured destination schema.
func (p *Pool) Schema() string {
	return p.schema
}

// Stat exposes pool statistics for the resource governor.
func (p *Pool) Stat() *pgxpool.Stat {
	return p.pool.Stat()
}

// Ping verifies connectivity.
func (p *Pool) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// CountRows returns the exact row count of a table.
func (p *Pool) CountRows(ctx context.Context, table string) (int64, error) {
	var count int64
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s.%q", p.schema, table)
	if err := p.pool.QueryRow(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting %s.%s: %w", p.schema, table, err)
	}
	return count, nil
}

// Columns returns column metadata for a table.
func (p *Pool) Columns(ctx context.Context, table string) ([]Column, error) {
	query := `
		SELECT column_name, data_type, is_nullable
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position`

	rows, err := p.pool.Query(ctx, query, p.schema, table)
	if err != nil {
		return nil, fmt.Errorf("reading columns for %s.%s: %w", p.schema, table, err)
	}
	defer rows.Close()

	var cols []Column
	for rows.Next() {
		var c Column
		var nullable string
		if err := rows.Scan(&c.Name, &c.DataType, &nullable); err != nil {
			return nil, err
		}
		c.Nullable = nullable == "YES"
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

// LegacyIDs returns the legacy_id values present in a destination table.
// The legacy ID preserves each record's source identity for idempotent
// re-runs.
func (p *Pool) LegacyIDs(ctx context.Context, table string) ([]string, error) {
	query := fmt.Sprintf("SELECT legacy_id FROM %s.%q ORDER BY legacy_id", p.schema, table)

	rows, err := p.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("fetching legacy ids from %s.%s: %w", p.schema, table, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpsertRows writes a batch of rows keyed by legacy_id. Existing rows are
// replaced column-by-column so re-running a batch is idempotent.
func (p *Pool) UpsertRows(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	quoted := make([]string, len(columns))
	updates := make([]string, 0, len(columns))
	for i, c := range columns {
		quoted[i] = fmt.Sprintf("%q", c)
		if c != "legacy_id" {
			updates = append(updates, fmt.Sprintf("%q = EXCLUDED.%q", c, c))
		}
	}

	batch := &pgx.Batch{}
	placeholders := make([]string, len(columns))
	for i := range columns {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	query := fmt.Sprintf(
		"INSERT INTO %s.%q (%s) VALUES (%s) ON CONFLICT (legacy_id) DO UPDATE SET %s",
		p.schema, table,
		strings.Join(quoted, ", "),
		strings.Join(placeholders, ", "),
		strings.Join(updates, ", "))

	for _, row := range rows {
		batch.Queue(query, row...)
	}

	results := p.pool.SendBatch(ctx, batch)
	defer results.Close()

	var written int64
	for range rows {
		tag, err := results.Exec()
		if err != nil {
			return written, fmt.Errorf("upserting into %s.%s: %w", p.schema, table, err)
		}
		written += tag.RowsAffected()
	}
	return written, nil
}

// DeleteByLegacyIDs removes destination rows whose source records were
// deleted.
func (p *Pool) DeleteByLegacyIDs(ctx context.Context, table string, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query := fmt.Sprintf("DELETE FROM %s.%q WHERE legacy_id = ANY($1)", p.schema, table)
	tag, err := p.pool.Exec(ctx, query, ids)
	if err != nil {
		return 0, fmt.Errorf("deleting from %s.%s: %w", p.schema, table, err)
	}
	return tag.RowsAffected(), nil
}
