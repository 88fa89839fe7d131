// Package feed provides upstream transaction feeds for the cursor manager and
// live sources for push-style ingestion.
//
// Every pull feed implements the same contract: a cheap Probe, and
// FetchAscending returning rows with time strictly after a cursor in ascending
// order. Backends: in-memory, SQLite (database/sql), Postgres (pgx) and
// ClickHouse.
package feed

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"finstream/internal/model"
)

const liveBuffer = 256

var (
	// ErrFeedUnavailable is returned by a feed that has been marked down.
	ErrFeedUnavailable = errors.New("feed unavailable")
)

// Memory is an in-process feed backed by a sorted slice.
//
// It is used for demos with synthetic data and as the feed in tests. Failures
// can be injected with SetFailure. Rows inserted after a Subscribe call are
// also pushed to the subscriber.
type Memory struct {
	mu          sync.RWMutex
	rows        []model.RawRow
	failure     error
	fetches     int
	subscribers map[chan model.RawRow]struct{}
}

// NewMemory creates a feed holding the given rows.
func NewMemory(rows ...model.RawRow) *Memory {
	m := &Memory{}
	m.Insert(rows...)
	return m
}

// Insert adds rows, keeping the feed ordered by time.
func (m *Memory) Insert(rows ...model.RawRow) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, rows...)
	sort.SliceStable(m.rows, func(i, j int) bool {
		return m.rows[i].Time < m.rows[j].Time
	})

	for ch := range m.subscribers {
		for _, r := range rows {
			select {
			case ch <- r:
			default:
				log.Debug().Str("upstreamId", r.ID).Msg("live subscriber full, row left for polling")
			}
		}
	}
}

// Subscribe implements stream.LiveSource. The channel is closed when ctx is
// done.
func (m *Memory) Subscribe(ctx context.Context) (<-chan model.RawRow, error) {
	ch := make(chan model.RawRow, liveBuffer)

	m.mu.Lock()
	if m.failure != nil {
		m.mu.Unlock()
		return nil, m.failure
	}
	if m.subscribers == nil {
		m.subscribers = make(map[chan model.RawRow]struct{})
	}
	m.subscribers[ch] = struct{}{}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.subscribers, ch)
		close(ch)
		m.mu.Unlock()
	}()
	return ch, nil
}

// SetFailure makes every subsequent call fail with err; nil restores service.
func (m *Memory) SetFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failure = err
}

// Fetches reports how many FetchAscending calls were served.
func (m *Memory) Fetches() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fetches
}

// Probe implements cursor.Feed.
func (m *Memory) Probe(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.failure
}

// FetchAscending implements cursor.Feed.
func (m *Memory) FetchAscending(ctx context.Context, after *int64, limit int) ([]model.RawRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetches++

	if m.failure != nil {
		return nil, m.failure
	}

	start := 0
	if after != nil {
		start = sort.Search(len(m.rows), func(i int) bool { return m.rows[i].Time > *after })
	}
	end := start + limit
	if end > len(m.rows) {
		end = len(m.rows)
	}

	out := make([]model.RawRow, end-start)
	copy(out, m.rows[start:end])
	return out, nil
}

// Count implements cursor.Counter.
func (m *Memory) Count(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failure != nil {
		return 0, m.failure
	}
	return int64(len(m.rows)), nil
}
