package cursor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finstream/internal/feed"
	"finstream/internal/model"
	"finstream/internal/normalizer"
)

const baseMillis = int64(1_700_000_000_000)

func createTestRows(from, count int) []model.RawRow {
	rows := make([]model.RawRow, 0, count)
	for i := from; i < from+count; i++ {
		rows = append(rows, model.RawRow{
			ID:   fmt.Sprintf("%d", i),
			Type: model.TypePayment,
			Time: baseMillis + int64(i)*1000,
			Properties: model.RawProperties{
				Amount:   "100",
				NameOrig: fmt.Sprintf("C%d", i),
				NameDest: fmt.Sprintf("M%d", i),
			},
		})
	}
	return rows
}

func newTestManager(rows []model.RawRow, policy ExhaustionPolicy) (*Manager, *feed.Memory) {
	f := feed.NewMemory(rows...)
	return NewManager(f, normalizer.New(normalizer.IdentityUpstream), policy), f
}

func upstreamIDs(events []model.FinancialEvent) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.UpstreamID)
	}
	return out
}

func Test_Initialize(t *testing.T) {
	tests := []struct {
		name     string
		failure  error
		expected bool
		state    State
	}{
		{"Reachable feed", nil, true, Initialized},
		{"Unreachable feed", errors.New("connection refused"), false, Uninitialized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, f := newTestManager(createTestRows(0, 3), PolicyWrap)
			f.SetFailure(tt.failure)
			assert.Equal(t, tt.expected, m.Initialize(context.Background()))
			assert.Equal(t, tt.state, m.State())
		})
	}
}

func Test_FetchInitial(t *testing.T) {
	m, _ := newTestManager(createTestRows(0, 120), PolicyWrap)

	events, err := m.FetchInitial(context.Background(), 50)
	require.NoError(t, err)
	require.Len(t, events, 50)
	assert.Equal(t, "0", events[0].UpstreamID)
	assert.Equal(t, "49", events[49].UpstreamID)

	c := m.Cursor()
	require.NotNil(t, c.Position)
	assert.Equal(t, baseMillis+49_000, *c.Position)
	assert.True(t, c.HasMore)
	assert.Equal(t, int64(120), c.TotalCount)
	assert.Equal(t, Streaming, m.State())
}

func Test_FetchInitial_EmptyFeed(t *testing.T) {
	m, _ := newTestManager(nil, PolicyWrap)

	events, err := m.FetchInitial(context.Background(), 50)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.False(t, m.Cursor().HasMore)
	assert.Equal(t, Exhausted, m.State())
}

func Test_FetchNext_IsIncremental(t *testing.T) {
	m, _ := newTestManager(createTestRows(0, 30), PolicyStall)
	ctx := context.Background()

	_, err := m.FetchInitial(ctx, 10)
	require.NoError(t, err)

	next, err := m.FetchNext(ctx, 10)
	require.NoError(t, err)
	require.Len(t, next, 10)
	assert.Equal(t, "10", next[0].UpstreamID)
	assert.Equal(t, "19", next[9].UpstreamID)

	next, err = m.FetchNext(ctx, 15)
	require.NoError(t, err)
	assert.Len(t, next, 10)
	assert.False(t, m.Cursor().HasMore, "short page clears HasMore")
	assert.Equal(t, baseMillis+29_000, *m.Cursor().Position)
}

func Test_FetchNext_PicksUpNewRows(t *testing.T) {
	m, f := newTestManager(createTestRows(0, 5), PolicyStall)
	ctx := context.Background()

	_, err := m.FetchInitial(ctx, 50)
	require.NoError(t, err)

	f.Insert(createTestRows(5, 3)...)
	next, err := m.FetchNext(ctx, 50)
	require.NoError(t, err)
	assert.Equal(t, []string{"5", "6", "7"}, upstreamIDs(next))
}

// Test_FetchNext_Wraparound exhausts a 12-row feed and expects the replay to
// start from the earliest row with fresh identities.
func Test_FetchNext_Wraparound(t *testing.T) {
	m, _ := newTestManager(createTestRows(0, 12), PolicyWrap)
	ctx := context.Background()

	first, err := m.FetchInitial(ctx, 10)
	require.NoError(t, err)
	second, err := m.FetchNext(ctx, 10)
	require.NoError(t, err)
	require.Len(t, second, 2)

	wrapped, err := m.FetchNext(ctx, 10)
	require.NoError(t, err)
	require.Len(t, wrapped, 10)
	assert.Equal(t, "0", wrapped[0].UpstreamID)
	assert.Equal(t, 1, m.Cursor().Laps)
	assert.Equal(t, baseMillis+9_000, *m.Cursor().Position)

	seen := make(map[string]struct{})
	for _, e := range first {
		seen[e.ID] = struct{}{}
	}
	for _, e := range wrapped {
		_, dup := seen[e.ID]
		assert.False(t, dup, "replayed id %s collides with the first pass", e.ID)
		assert.True(t, strings.HasSuffix(e.ID, "-g1"))
	}
	assert.True(t, wrapped[0].Timestamp.After(second[1].Timestamp), "replayed events keep increasing timestamps")
}

func Test_FetchNext_Stall(t *testing.T) {
	m, f := newTestManager(createTestRows(0, 5), PolicyStall)
	ctx := context.Background()

	_, err := m.FetchInitial(ctx, 5)
	require.NoError(t, err)

	next, err := m.FetchNext(ctx, 5)
	require.NoError(t, err)
	assert.Empty(t, next)
	assert.Equal(t, Exhausted, m.State())

	fetches := f.Fetches()
	f.Insert(createTestRows(5, 2)...)
	next, err = m.FetchNext(ctx, 5)
	require.NoError(t, err)
	assert.Empty(t, next)
	assert.Equal(t, fetches, f.Fetches(), "a stalled cursor does not query the feed")
	assert.Equal(t, 0, m.Cursor().Laps)
}

func Test_FetchNext_FeedError(t *testing.T) {
	m, f := newTestManager(createTestRows(0, 5), PolicyWrap)
	ctx := context.Background()
	_, err := m.FetchInitial(ctx, 2)
	require.NoError(t, err)
	before := m.Cursor()

	f.SetFailure(errors.New("timeout"))
	_, err = m.FetchNext(ctx, 2)
	assert.Error(t, err)
	assert.Equal(t, before, m.Cursor(), "a failed fetch leaves the cursor unchanged")
}

func Test_InvalidLimit(t *testing.T) {
	m, _ := newTestManager(createTestRows(0, 5), PolicyWrap)
	ctx := context.Background()

	for _, limit := range []int{0, -1} {
		_, err := m.FetchInitial(ctx, limit)
		assert.ErrorIs(t, err, ErrInvalidLimit)
		_, err = m.FetchNext(ctx, limit)
		assert.ErrorIs(t, err, ErrInvalidLimit)
	}
}

func Test_Reset(t *testing.T) {
	m, _ := newTestManager(createTestRows(0, 20), PolicyWrap)
	ctx := context.Background()
	_, err := m.FetchInitial(ctx, 10)
	require.NoError(t, err)

	m.Reset()
	c := m.Cursor()
	assert.Nil(t, c.Position)
	assert.True(t, c.HasMore)
	assert.Zero(t, c.Laps)
	assert.Equal(t, Uninitialized, m.State())

	events, err := m.FetchNext(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, "0", events[0].UpstreamID, "a reset cursor starts from the beginning")
}

func Test_FetchInitial_KeepsNormalizerClock(t *testing.T) {
	m, _ := newTestManager(createTestRows(0, 20), PolicyWrap)
	ctx := context.Background()
	assert.False(t, m.Resumable())

	first, err := m.FetchInitial(ctx, 10)
	require.NoError(t, err)
	assert.True(t, m.Resumable())

	again, err := m.FetchInitial(ctx, 10)
	require.NoError(t, err)
	require.NotEmpty(t, again)
	assert.True(t, again[0].Timestamp.After(first[len(first)-1].Timestamp), "a second initial fetch never goes back in time")

	m.Reset()
	assert.False(t, m.Resumable())
	reset, err := m.FetchInitial(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, first[0].Timestamp, reset[0].Timestamp, "Reset restarts the clock")
}

func Test_CursorReturnsCopy(t *testing.T) {
	m, _ := newTestManager(createTestRows(0, 5), PolicyWrap)
	_, err := m.FetchInitial(context.Background(), 5)
	require.NoError(t, err)

	c := m.Cursor()
	*c.Position = 0
	assert.Equal(t, baseMillis+4_000, *m.Cursor().Position)
}

func Test_StateString(t *testing.T) {
	assert.Equal(t, "uninitialized", Uninitialized.String())
	assert.Equal(t, "streaming", Streaming.String())
	assert.Equal(t, "exhausted", Exhausted.String())
	assert.Equal(t, "state(9)", State(9).String())
}
