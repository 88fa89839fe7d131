// Package cursor tracks the consumed position in the upstream feed so that every
// fetch is incremental, and recovers when the feed runs dry.
package cursor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"finstream/internal/model"
)

var (
	// ErrInvalidLimit is returned for non-positive fetch limits.
	ErrInvalidLimit = errors.New("fetch limit must be positive")

	// ErrCursorReset is returned when the cursor was reset while a fetch was
	// in flight; the fetched rows are discarded.
	ErrCursorReset = errors.New("cursor reset during fetch")
)

// Feed is the upstream collaborator rows are fetched from.
type Feed interface {
	// Probe is a cheap connectivity check.
	Probe(ctx context.Context) error

	// FetchAscending returns at most limit rows with time strictly greater than
	// after (or from the start when after is nil) in ascending time order.
	FetchAscending(ctx context.Context, after *int64, limit int) ([]model.RawRow, error)
}

// Counter is implemented by feeds that can report their total row count.
type Counter interface {
	Count(ctx context.Context) (int64, error)
}

// Normalizer converts fetched rows into events.
type Normalizer interface {
	NormalizeBatch(rows []model.RawRow) []model.FinancialEvent
	NextGeneration() int
	Reset()
}

// ExhaustionPolicy decides what happens once no rows remain past the cursor.
type ExhaustionPolicy string

const (
	// PolicyStall stops fetching after the first empty page until the cursor
	// is reset.
	PolicyStall ExhaustionPolicy = "stall"

	// PolicyWrap restarts from the beginning of the feed.
	PolicyWrap ExhaustionPolicy = "wrap"
)

// State is the lifecycle state of the manager.
type State int

const (
	Uninitialized State = iota
	Initialized
	Streaming
	Exhausted
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initialized:
		return "initialized"
	case Streaming:
		return "streaming"
	case Exhausted:
		return "exhausted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Manager exclusively owns the pagination cursor.
type Manager struct {
	feed       Feed
	normalizer Normalizer
	policy     ExhaustionPolicy
	logger     zerolog.Logger

	mu     sync.Mutex
	state  State
	cursor model.Cursor
	epoch  uint64 // bumped on reset; fetches that straddle a reset are discarded
}

// NewManager creates a manager in the Uninitialized state.
func NewManager(feed Feed, normalizer Normalizer, policy ExhaustionPolicy) *Manager {
	if policy == "" {
		policy = PolicyWrap
	}
	return &Manager{
		feed:       feed,
		normalizer: normalizer,
		policy:     policy,
		logger:     log.With().Str("component", "cursor").Str("policy", string(policy)).Logger(),
		cursor:     model.Cursor{HasMore: true},
	}
}

// Initialize probes the feed. It returns false when the feed is unreachable.
func (m *Manager) Initialize(ctx context.Context) bool {
	if err := m.feed.Probe(ctx); err != nil {
		m.logger.Error().Err(err).Msg("feed probe failed")
		return false
	}

	m.mu.Lock()
	if m.state == Uninitialized {
		m.state = Initialized
	}
	m.mu.Unlock()

	m.logger.Info().Msg("feed connected")
	return true
}

// FetchInitial resets the cursor and fetches the oldest page of the feed. The
// normalizer keeps its clock, so a re-fetch never produces events older than
// ones already handed out.
func (m *Manager) FetchInitial(ctx context.Context, limit int) ([]model.FinancialEvent, error) {
	if limit <= 0 {
		return nil, ErrInvalidLimit
	}

	m.mu.Lock()
	m.resetLocked()
	m.state = Initialized
	epoch := m.epoch
	m.mu.Unlock()

	var total int64 = -1
	if counter, ok := m.feed.(Counter); ok {
		n, err := counter.Count(ctx)
		if err != nil {
			m.logger.Warn().Err(err).Msg("failed to count feed rows")
		} else {
			total = n
		}
	}

	rows, err := m.feed.FetchAscending(ctx, nil, limit)
	if err != nil {
		return nil, fmt.Errorf("initial fetch: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if epoch != m.epoch {
		return nil, ErrCursorReset
	}
	if total >= 0 {
		m.cursor.TotalCount = total
	}
	if len(rows) == 0 {
		m.cursor.HasMore = false
		m.state = Exhausted
		return nil, nil
	}

	return m.advanceLocked(rows, limit), nil
}

// FetchNext fetches rows strictly after the cursor.
//
// When the feed is exhausted the stall policy returns nothing until Reset,
// while the wrap policy restarts from the earliest row and bumps the
// normalizer generation so the replayed rows get fresh identities.
func (m *Manager) FetchNext(ctx context.Context, limit int) ([]model.FinancialEvent, error) {
	if limit <= 0 {
		return nil, ErrInvalidLimit
	}

	m.mu.Lock()
	if m.policy == PolicyStall && m.state == Exhausted {
		m.mu.Unlock()
		return nil, nil
	}
	epoch := m.epoch
	after := copyPosition(m.cursor.Position)
	m.mu.Unlock()

	rows, err := m.feed.FetchAscending(ctx, after, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch after cursor: %w", err)
	}

	if len(rows) > 0 {
		m.mu.Lock()
		defer m.mu.Unlock()
		if epoch != m.epoch {
			return nil, ErrCursorReset
		}
		return m.advanceLocked(rows, limit), nil
	}

	m.mu.Lock()
	if epoch != m.epoch {
		m.mu.Unlock()
		return nil, ErrCursorReset
	}
	m.cursor.HasMore = false
	m.state = Exhausted
	if m.policy != PolicyWrap || after == nil {
		m.mu.Unlock()
		m.logger.Info().Msg("feed exhausted")
		return nil, nil
	}
	m.mu.Unlock()

	rows, err = m.feed.FetchAscending(ctx, nil, limit)
	if err != nil {
		return nil, fmt.Errorf("wrap fetch: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if epoch != m.epoch {
		return nil, ErrCursorReset
	}

	m.cursor.Laps++
	generation := m.normalizer.NextGeneration()
	m.logger.Info().Int("laps", m.cursor.Laps).Int("generation", generation).Msg("feed exhausted, wrapping to start")

	m.cursor.Position = nil
	return m.advanceLocked(rows, limit), nil
}

// advanceLocked moves the cursor to the newest row time and normalizes rows.
func (m *Manager) advanceLocked(rows []model.RawRow, limit int) []model.FinancialEvent {
	maxTime := rows[0].Time
	for _, r := range rows[1:] {
		if r.Time > maxTime {
			maxTime = r.Time
		}
	}
	if m.cursor.Position == nil || maxTime > *m.cursor.Position {
		m.cursor.Position = &maxTime
	}
	m.cursor.HasMore = len(rows) == limit
	m.state = Streaming

	return m.normalizer.NormalizeBatch(rows)
}

// Reset returns the manager to Uninitialized with an empty cursor and restarts
// the normalizer's generation and clock.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetLocked()
	m.normalizer.Reset()
}

func (m *Manager) resetLocked() {
	m.epoch++
	m.cursor = model.Cursor{HasMore: true}
	m.state = Uninitialized
}

// Resumable reports whether the cursor holds a position from an earlier
// fetch, so polling can continue without a fresh initial page.
func (m *Manager) Resumable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursor.Position != nil
}

// Cursor returns a copy of the current cursor.
func (m *Manager) Cursor() model.Cursor {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.cursor
	c.Position = copyPosition(c.Position)
	return c
}

func copyPosition(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// State returns the lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}
