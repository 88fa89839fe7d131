package feed

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"finstream/internal/model"
)

// SQLFeed reads rows from a SQLite events table:
//
//	id TEXT PRIMARY KEY, type TEXT, time INTEGER, properties TEXT (JSON)
type SQLFeed struct {
	db      *sql.DB
	table   string
	timeout time.Duration
	logger  zerolog.Logger
}

// OpenSQLite opens the database at dsn and makes sure the table exists.
// ":memory:" databases are pinned to one connection so every query sees the
// same data.
func OpenSQLite(ctx context.Context, dsn string, cfg Config) (*SQLFeed, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	if dsn == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	f := NewSQLFeed(db, cfg.Table, cfg.QueryTimeout)
	if err := f.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return f, nil
}

// NewSQLFeed wraps an open database.
func NewSQLFeed(db *sql.DB, table string, timeout time.Duration) *SQLFeed {
	if table == "" {
		table = defaultTable
	}
	if timeout <= 0 {
		timeout = DefaultConfig().QueryTimeout
	}
	return &SQLFeed{
		db:      db,
		table:   table,
		timeout: timeout,
		logger:  log.With().Str("component", "sqlfeed").Str("table", table).Logger(),
	}
}

// Migrate creates the table and its time index when missing.
func (f *SQLFeed) Migrate(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			time INTEGER NOT NULL,
			properties TEXT NOT NULL DEFAULT '{}'
		)`, f.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_time_idx ON %s (time)`, f.table, f.table),
	}
	for _, stmt := range stmts {
		if _, err := f.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate %s: %w", f.table, err)
		}
	}
	return nil
}

// Insert upserts rows in a single transaction.
func (f *SQLFeed) Insert(ctx context.Context, rows ...model.RawRow) error {
	tx, err := f.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin insert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		`INSERT OR REPLACE INTO %s (id, type, time, properties) VALUES (?, ?, ?, ?)`, f.table))
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		props, err := encodeProperties(r.Properties)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, r.ID, r.Type, r.Time, string(props)); err != nil {
			return fmt.Errorf("failed to insert row %s: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

func (f *SQLFeed) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	var id string
	err := f.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT id FROM %s LIMIT 1`, f.table)).Scan(&id)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("probe %s: %w", f.table, err)
	}
	return nil
}

func (f *SQLFeed) FetchAscending(ctx context.Context, after *int64, limit int) ([]model.RawRow, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	query := fmt.Sprintf(`SELECT id, type, time, properties FROM %s`, f.table)
	args := []any{}
	if after != nil {
		query += ` WHERE time > ?`
		args = append(args, *after)
	}
	query += ` ORDER BY time ASC LIMIT ?`
	args = append(args, limit)

	rows, err := f.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", f.table, err)
	}
	defer rows.Close()

	out := make([]model.RawRow, 0, limit)
	for rows.Next() {
		var (
			r     model.RawRow
			props string
		)
		if err := rows.Scan(&r.ID, &r.Type, &r.Time, &props); err != nil {
			return nil, fmt.Errorf("scan %s: %w", f.table, err)
		}
		if r.Properties, err = decodeProperties([]byte(props)); err != nil {
			// keep the row; the normalizer degrades missing fields to zero
			f.logger.Warn().Err(err).Str("id", r.ID).Msg("undecodable properties")
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fetch %s: %w", f.table, err)
	}
	return out, nil
}

func (f *SQLFeed) Count(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	var n int64
	if err := f.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, f.table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", f.table, err)
	}
	return n, nil
}

func (f *SQLFeed) Close() error {
	return f.db.Close()
}
