package feed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"finstream/internal/model"
)

// InsertChannel is the LISTEN channel a trigger on the events table notifies
// with the inserted row as JSON.
const InsertChannel = "finstream_events_insert"

// PostgresFeed reads rows from a Postgres events table with a jsonb
// properties column and optionally listens for inserts.
type PostgresFeed struct {
	pool    *pgxpool.Pool
	table   string
	timeout time.Duration
	logger  zerolog.Logger
}

// OpenPostgres creates a connection pool for dsn and pings it.
func OpenPostgres(ctx context.Context, dsn string, cfg Config) (*PostgresFeed, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	poolCfg.MaxConns = 8
	poolCfg.MinConns = 1

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return NewPostgresFeed(pool, cfg.Table, cfg.QueryTimeout), nil
}

// NewPostgresFeed wraps an existing pool.
func NewPostgresFeed(pool *pgxpool.Pool, table string, timeout time.Duration) *PostgresFeed {
	if table == "" {
		table = defaultTable
	}
	if timeout <= 0 {
		timeout = DefaultConfig().QueryTimeout
	}
	return &PostgresFeed{
		pool:    pool,
		table:   table,
		timeout: timeout,
		logger:  log.With().Str("component", "postgres").Str("table", table).Logger(),
	}
}

func (f *PostgresFeed) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	var id string
	err := f.pool.QueryRow(ctx, fmt.Sprintf(`SELECT id::text FROM %s LIMIT 1`, f.table)).Scan(&id)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("probe %s: %w", f.table, err)
	}
	return nil
}

func (f *PostgresFeed) FetchAscending(ctx context.Context, after *int64, limit int) ([]model.RawRow, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	query := fmt.Sprintf(`SELECT id::text, type, time, properties::text FROM %s`, f.table)
	args := []any{}
	if after != nil {
		query += ` WHERE time > $1 ORDER BY time ASC LIMIT $2`
		args = append(args, *after, limit)
	} else {
		query += ` ORDER BY time ASC LIMIT $1`
		args = append(args, limit)
	}

	rows, err := f.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", f.table, err)
	}
	defer rows.Close()

	out := make([]model.RawRow, 0, limit)
	for rows.Next() {
		var (
			r     model.RawRow
			props *string
		)
		if err := rows.Scan(&r.ID, &r.Type, &r.Time, &props); err != nil {
			return nil, fmt.Errorf("scan %s: %w", f.table, err)
		}
		if props != nil {
			p, err := decodeProperties([]byte(*props))
			if err != nil {
				f.logger.Warn().Err(err).Str("id", r.ID).Msg("undecodable properties")
			}
			r.Properties = p
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fetch %s: %w", f.table, err)
	}
	return out, nil
}

func (f *PostgresFeed) Count(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	var n int64
	if err := f.pool.QueryRow(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, f.table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", f.table, err)
	}
	return n, nil
}

// Subscribe holds one pooled connection in LISTEN mode and forwards every
// notification payload that decodes as a row. The channel closes when ctx is
// done or the connection is lost.
func (f *PostgresFeed) Subscribe(ctx context.Context) (<-chan model.RawRow, error) {
	conn, err := f.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire listen connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+InsertChannel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("failed to listen on %s: %w", InsertChannel, err)
	}

	out := make(chan model.RawRow, liveBuffer)
	go func() {
		defer close(out)
		defer conn.Release()

		for {
			n, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() == nil {
					f.logger.Warn().Err(err).Msg("listen connection lost")
				}
				// the connection may be mid-command; don't hand it back to the pool
				conn.Conn().Close(context.Background())
				return
			}

			row, err := decodeRow([]byte(n.Payload))
			if err != nil {
				f.logger.Warn().Err(err).Msg("dropping undecodable notification")
				continue
			}

			select {
			case out <- row:
			case <-ctx.Done():
				return
			}
		}
	}()

	f.logger.Info().Str("channel", InsertChannel).Msg("listening for inserts")
	return out, nil
}

func (f *PostgresFeed) Close() {
	f.pool.Close()
}
