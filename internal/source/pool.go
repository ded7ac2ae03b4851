// Package source manages the connection pool against the legacy SQL Server
// database. All operations are reads; the engine never mutates the source.
package source

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/microsoft/go-mssqldb"

	"github.com/nhoughto/deltamigrate/internal/config"
)

// Column describes one column of a source table.
type Column struct {
	Name     string
	DataType string
	Nullable bool
}

// Pool manages a pool of SQL Server connections.
type Pool struct {
	db     *sql.DB
	schema string
}

// NewPool opens a SQL Server connection pool and verifies connectivity.
func NewPool(cfg *config.Config) (*Pool, error) {
	db, err := sql.Open("sqlserver", cfg.SourceDSN())
	if err != nil {
		return nil, fmt.Errorf("opening source connection: %w", err)
	}

	db.SetMaxOpenConns(cfg.Source.MaxConns)
	db.SetMaxIdleConns(cfg.Source.MaxConns / 4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging source database: %w", err)
	}

	return &Pool{db: db, schema: cfg.Source.Schema}, nil
}

// Close closes all connections in the pool.
func (p *Pool) Close() error {
	return p.db.Close()
}

// DB returns the underlying database handle.
func (p *Pool) DB() *sql.DB {
	return p.db
}

// Schema returns the configured source schema.
func (p *Pool) Schema() string {
	return p.schema
}

// Stats exposes connection pool statistics for the resource governor.
func (p *Pool) Stats() sql.DBStats {
	return p.db.Stats()
}

// SetMaxConns resizes the pool. Called by the resource governor.
func (p *Pool) SetMaxConns(n int) {
	p.db.SetMaxOpenConns(n)
	p.db.SetMaxIdleConns(n / 4)
}

// Ping verifies connectivity.
func (p *Pool) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// CountRows returns the exact row count of a table.
func (p *Pool) CountRows(ctx context.Context, table string) (int64, error) {
	var count int64
	query := fmt.Sprintf("SELECT COUNT_BIG(*) FROM [%s].[%s] WITH (NOLOCK)", p.schema, table)
	if err := p.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting %s.%s: %w", p.schema, table, err)
	}
	return count, nil
}

// Columns returns column metadata for a table.
func (p *Pool) Columns(ctx context.Context, table string) ([]Column, error) {
	query := `
		SELECT COLUMN_NAME, DATA_TYPE, IS_NULLABLE
		FROM INFORMATION_SCHEMA.COLUMNS
		WHERE TABLE_SCHEMA = @schema AND TABLE_NAME = @table
		ORDER BY ORDINAL_POSITION`

	rows, err := p.db.QueryContext(ctx, query,
		sql.Named("schema", p.schema), sql.Named("table", table))
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

// FetchIDs returns all primary key values of a table as strings, ordered
// so that paging across calls is deterministic.
func (p *Pool) FetchIDs(ctx context.Context, table, idColumn string) ([]string, error) {
	query := fmt.Sprintf("SELECT CAST([%s] AS NVARCHAR(64)) FROM [%s].[%s] WITH (NOLOCK) ORDER BY [%s]",
		idColumn, p.schema, table, idColumn)

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("fetching ids from %s.%s: %w", p.schema, table, err)
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

// ModifiedIDsSince returns IDs of rows whose modification timestamp is after
// the given time. Tables without a modification column yield no IDs.
func (p *Pool) ModifiedIDsSince(ctx context.Context, table, idColumn, modColumn string, since time.Time) ([]string, error) {
	if modColumn == "" {
		return nil, nil
	}
	query := fmt.Sprintf(
		"SELECT CAST([%s] AS NVARCHAR(64)) FROM [%s].[%s] WITH (NOLOCK) WHERE [%s] > @since ORDER BY [%s]",
		idColumn, p.schema, table, modColumn, idColumn)

	rows, err := p.db.QueryContext(ctx, query, sql.Named("since", since))
	if err != nil {
		return nil, fmt.Errorf("fetching modified ids from %s.%s: %w", p.schema, table, err)
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

// FetchRows reads full rows for a batch of IDs. Returns the column names
// and one value slice per row.
func (p *Pool) FetchRows(ctx context.Context, table, idColumn string, ids []string) ([]string, [][]any, error) {
	if len(ids) == 0 {
		return nil, nil, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		name := fmt.Sprintf("p%d", i+1)
		placeholders[i] = "@" + name
		args[i] = sql.Named(name, id)
	}

	query := fmt.Sprintf("SELECT * FROM [%s].[%s] WITH (NOLOCK) WHERE CAST([%s] AS NVARCHAR(64)) IN (%s)",
		p.schema, table, idColumn, strings.Join(placeholders, ", "))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("fetching rows from %s.%s: %w", p.schema, table, err)
	}
	defer rows.Close()

	colNames, err := rows.Columns()
	if err != nil {
		return nil, nil, err
	}

	var out [][]any
	for rows.Next() {
		values := make([]any, len(colNames))
		ptrs := make([]any, len(colNames))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, err
		}
		out = append(out, values)
	}
	return colNames, out, rows.Err()
}
