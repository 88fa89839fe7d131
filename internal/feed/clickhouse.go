package feed

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"finstream/internal/model"
)

// ClickHouseFeed reads rows from a ClickHouse table:
//
//	id String, type String, time Int64, properties String
type ClickHouseFeed struct {
	conn    driver.Conn
	table   string
	timeout time.Duration
	logger  zerolog.Logger
}

// OpenClickHouse connects using a clickhouse:// DSN and pings the server.
func OpenClickHouse(ctx context.Context, dsn string, cfg Config) (*ClickHouseFeed, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse clickhouse dsn: %w", err)
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = cfg.QueryTimeout
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	return NewClickHouseFeed(conn, cfg.Table, cfg.QueryTimeout), nil
}

func NewClickHouseFeed(conn driver.Conn, table string, timeout time.Duration) *ClickHouseFeed {
	if table == "" {
		table = defaultTable
	}
	if timeout <= 0 {
		timeout = DefaultConfig().QueryTimeout
	}
	return &ClickHouseFeed{
		conn:    conn,
		table:   table,
		timeout: timeout,
		logger:  log.With().Str("component", "clickhouse").Str("table", table).Logger(),
	}
}

func (f *ClickHouseFeed) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	rows, err := f.conn.Query(ctx, fmt.Sprintf(`SELECT id FROM %s LIMIT 1`, f.table))
	if err != nil {
		return fmt.Errorf("probe %s: %w", f.table, err)
	}
	return rows.Close()
}

func (f *ClickHouseFeed) FetchAscending(ctx context.Context, after *int64, limit int) ([]model.RawRow, error) {
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

	rows, err := f.conn.Query(ctx, query, args...)
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
		p, err := decodeProperties([]byte(props))
		if err != nil {
			f.logger.Warn().Err(err).Str("id", r.ID).Msg("undecodable properties")
		}
		r.Properties = p
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fetch %s: %w", f.table, err)
	}
	return out, nil
}

func (f *ClickHouseFeed) Count(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	var n uint64
	if err := f.conn.QueryRow(ctx, fmt.Sprintf(`SELECT count() FROM %s`, f.table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", f.table, err)
	}
	return int64(n), nil
}

func (f *ClickHouseFeed) Close() error {
	return f.conn.Close()
}
