package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"finstream/internal/cursor"
	"finstream/internal/feed"
	"finstream/internal/model"
)

// MockPublisher is a mock implementation of Publisher for testing.
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(update model.Update) {
	m.Called(update)
}

func (m *MockPublisher) topics() map[string]int {
	out := make(map[string]int)
	for _, call := range m.Calls {
		out[call.Arguments.Get(0).(model.Update).Topic]++
	}
	return out
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// blockingFeed holds the next fetch until released.
type blockingFeed struct {
	*feed.Memory

	mu      sync.Mutex
	armed   bool
	entered chan struct{}
	release chan struct{}
}

func newBlockingFeed(rows []model.RawRow) *blockingFeed {
	return &blockingFeed{Memory: feed.NewMemory(rows...)}
}

func (b *blockingFeed) arm() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.armed = true
	b.entered = make(chan struct{})
	b.release = make(chan struct{})
}

func (b *blockingFeed) FetchAscending(ctx context.Context, after *int64, limit int) ([]model.RawRow, error) {
	b.mu.Lock()
	armed := b.armed
	entered, release := b.entered, b.release
	b.armed = false
	b.mu.Unlock()

	if armed {
		close(entered)
		<-release
	}
	return b.Memory.FetchAscending(ctx, after, limit)
}

type liveFeed struct {
	ch chan model.RawRow
}

func (l *liveFeed) Subscribe(ctx context.Context) (<-chan model.RawRow, error) {
	return l.ch, nil
}

const testInterval = time.Second

var baseMillis = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC).UnixMilli()

func createTestRows(from, count int) []model.RawRow {
	rows := make([]model.RawRow, 0, count)
	for i := from; i < from+count; i++ {
		fraud := "0"
		if i%10 == 0 {
			fraud = "1"
		}
		rows = append(rows, model.RawRow{
			ID:   fmt.Sprintf("%d", i),
			Type: model.TransactionTypes[i%len(model.TransactionTypes)],
			Time: baseMillis + int64(i)*1000,
			Properties: model.RawProperties{
				Amount:   fmt.Sprintf("%d", 100+i),
				IsFraud:  fraud,
				NameOrig: fmt.Sprintf("C%d", i%7),
				NameDest: fmt.Sprintf("M%d", i%5),
			},
		})
	}
	return rows
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Interval = testInterval
	cfg.RestartDelay = 0
	return cfg
}

type harness struct {
	ctrl      *Controller
	clock     *fakeClock
	tickers   *manualTickers
	publisher *MockPublisher
}

func newHarness(t *testing.T, f cursor.Feed, cfg Config, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		clock:     &fakeClock{t: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)},
		tickers:   &manualTickers{},
		publisher: new(MockPublisher),
	}
	h.publisher.On("Publish", mock.Anything).Return()

	opts = append([]Option{
		WithClock(h.clock.Now),
		WithTickerFactory(h.tickers.New),
		WithPublisher(h.publisher),
	}, opts...)

	ctrl, err := NewController(cfg, f, opts...)
	require.NoError(t, err)
	h.ctrl = ctrl
	t.Cleanup(ctrl.Stop)
	return h
}

// nextTick advances the clock a full interval and ticks synchronously.
func (h *harness) nextTick() bool {
	h.clock.Advance(testInterval)
	return h.ctrl.Tick(context.Background())
}

func (h *harness) tableIDs() []string {
	rows := h.ctrl.Snapshot().Table
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Event.UpstreamID)
	}
	return out
}

func Test_NewController(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(*Config)
		feed        cursor.Feed
		expectValid bool
	}{
		{"Defaults", func(c *Config) {}, feed.NewMemory(), true},
		{"Missing feed", func(c *Config) {}, nil, false},
		{"Zero interval", func(c *Config) { c.Interval = 0 }, feed.NewMemory(), false},
		{"Negative table capacity", func(c *Config) { c.TableCapacity = -5 }, feed.NewMemory(), false},
		{"Zero chart capacity", func(c *Config) { c.ChartCapacity = 0 }, feed.NewMemory(), false},
		{"Zero initial batch", func(c *Config) { c.InitialBatch = 0 }, feed.NewMemory(), false},
		{"Unknown exhaustion policy", func(c *Config) { c.Exhaustion = "loop" }, feed.NewMemory(), false},
		{"Unknown identity policy", func(c *Config) { c.Identity = "random" }, feed.NewMemory(), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			ctrl, err := NewController(cfg, tt.feed)
			if tt.expectValid {
				require.NoError(t, err)
				assert.Equal(t, Stopped, ctrl.State())
				assert.False(t, ctrl.IsConnected())
				assert.Equal(t, testInterval, ctrl.Interval())
			} else {
				assert.ErrorIs(t, err, ErrInvalidConfig)
				assert.Nil(t, ctrl)
			}
		})
	}
}

func Test_Start_FeedUnreachable(t *testing.T) {
	f := feed.NewMemory(createTestRows(0, 10)...)
	f.SetFailure(feed.ErrFeedUnavailable)
	h := newHarness(t, f, testConfig())

	assert.False(t, h.ctrl.Start(context.Background()))
	assert.Equal(t, Stopped, h.ctrl.State())
	assert.False(t, h.ctrl.IsConnected())
	assert.Zero(t, h.tickers.Count(), "no ticker is scheduled")
	assert.Empty(t, h.ctrl.Snapshot().Table)
}

func Test_Start_IngestsInitialBatch(t *testing.T) {
	h := newHarness(t, feed.NewMemory(createTestRows(0, 120)...), testConfig())

	require.True(t, h.ctrl.Start(context.Background()))
	assert.Equal(t, Running, h.ctrl.State())
	assert.True(t, h.ctrl.IsConnected())
	require.Equal(t, 1, h.tickers.Count())
	assert.Equal(t, testInterval, h.tickers.Last().Interval)

	snap := h.ctrl.Snapshot()
	require.Len(t, snap.Table, DefaultInitialBatch)
	assert.Equal(t, "49", snap.Table[0].Event.UpstreamID, "table is most recent first")
	for _, row := range snap.Table {
		assert.True(t, row.IsNew)
	}
	assert.NotEmpty(t, snap.Charts, "first load forces a recommendation")
	assert.Equal(t, "running", snap.Status.State)

	info := h.ctrl.DatasetInfo()
	assert.Equal(t, int64(120), info.TotalRecords)
	assert.Equal(t, int64(50), info.CurrentPosition)
	assert.InDelta(t, 41.67, info.PercentageProcessed, 0.01)
	assert.Equal(t, int64(5), info.FraudCount)
	assert.Equal(t, DefaultInitialBatch, info.TableWindowSize)
	assert.Equal(t, DefaultInitialBatch, info.CurrentChartWindowSize)
	assert.Equal(t, 100, info.ChartWindowCapacity)

	assert.True(t, h.ctrl.Start(context.Background()), "starting twice is a no-op")
	assert.Equal(t, 1, h.tickers.Count())
}

func Test_Tick_AppendsAndMarksNewRows(t *testing.T) {
	h := newHarness(t, feed.NewMemory(createTestRows(0, 120)...), testConfig())
	require.True(t, h.ctrl.Start(context.Background()))

	require.True(t, h.nextTick())
	snap := h.ctrl.Snapshot()
	require.Len(t, snap.Table, 60)
	assert.Equal(t, "59", snap.Table[0].Event.UpstreamID)
	for i, row := range snap.Table {
		assert.Equal(t, i < DefaultNextBatch, row.IsNew, "row %d", i)
	}
	assert.Equal(t, int64(60), h.ctrl.DatasetInfo().CurrentPosition)
}

func Test_Tick_Debounce(t *testing.T) {
	h := newHarness(t, feed.NewMemory(createTestRows(0, 120)...), testConfig())
	require.True(t, h.ctrl.Start(context.Background()))
	ctx := context.Background()

	assert.False(t, h.ctrl.Tick(ctx), "too soon after the initial fetch")
	h.clock.Advance(testInterval / 2)
	assert.False(t, h.ctrl.Tick(ctx))
	h.clock.Advance(testInterval * 3 / 10)
	assert.True(t, h.ctrl.Tick(ctx), "80% of the interval is enough")
	assert.False(t, h.ctrl.Tick(ctx), "back to back ticks collapse")
	assert.Len(t, h.ctrl.Snapshot().Table, 60)
}

func Test_Tick_SkippedWhileInFlight(t *testing.T) {
	f := newBlockingFeed(createTestRows(0, 120))
	h := newHarness(t, f, testConfig())
	require.True(t, h.ctrl.Start(context.Background()))

	f.arm()
	done := make(chan bool)
	h.clock.Advance(testInterval)
	go func() { done <- h.ctrl.Tick(context.Background()) }()
	<-f.entered

	assert.False(t, h.nextTick(), "overlapping tick is skipped, not queued")

	close(f.release)
	assert.True(t, <-done)
	assert.Len(t, h.ctrl.Snapshot().Table, 60)

	assert.True(t, h.nextTick(), "guard is released after the fetch")
	assert.Len(t, h.ctrl.Snapshot().Table, 70)
}

func Test_Tick_WedgedFetchIsTakenOver(t *testing.T) {
	f := newBlockingFeed(createTestRows(0, 120))
	cfg := testConfig()
	cfg.MaxInFlight = 5 * testInterval
	h := newHarness(t, f, cfg)
	require.True(t, h.ctrl.Start(context.Background()))

	f.arm()
	done := make(chan bool)
	h.clock.Advance(testInterval)
	go func() { done <- h.ctrl.Tick(context.Background()) }()
	<-f.entered

	h.clock.Advance(6 * testInterval)
	assert.True(t, h.ctrl.Tick(context.Background()), "a wedged guard does not block forever")
	assert.Len(t, h.ctrl.Snapshot().Table, 60)

	close(f.release)
	assert.False(t, <-done, "the late result of the wedged fetch is dropped")
	assert.Len(t, h.ctrl.Snapshot().Table, 60)
}

func Test_Stop_DiscardsInFlightResult(t *testing.T) {
	f := newBlockingFeed(createTestRows(0, 120))
	h := newHarness(t, f, testConfig())
	require.True(t, h.ctrl.Start(context.Background()))

	f.arm()
	done := make(chan bool)
	h.clock.Advance(testInterval)
	go func() { done <- h.ctrl.Tick(context.Background()) }()
	<-f.entered

	stopped := make(chan struct{})
	go func() {
		h.ctrl.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop waited for the in-flight fetch")
	}

	close(f.release)
	assert.False(t, <-done)
	assert.Len(t, h.ctrl.Snapshot().Table, DefaultInitialBatch, "no window mutation after stop")
	assert.Equal(t, Stopped, h.ctrl.State())
}

func Test_Stop_Idempotent(t *testing.T) {
	h := newHarness(t, feed.NewMemory(createTestRows(0, 60)...), testConfig())
	h.ctrl.Stop()
	require.True(t, h.ctrl.Start(context.Background()))
	ticker := h.tickers.Last()

	h.ctrl.Stop()
	h.ctrl.Stop()
	assert.Equal(t, Stopped, h.ctrl.State())
	assert.Eventually(t, ticker.Stopped, time.Second, 5*time.Millisecond)
	assert.False(t, h.nextTick(), "stopped controller ignores ticks")
	assert.Len(t, h.ctrl.Snapshot().Table, DefaultInitialBatch, "stop keeps the windows")
}

func Test_Tick_FailureKeepsRunning(t *testing.T) {
	f := feed.NewMemory(createTestRows(0, 120)...)
	h := newHarness(t, f, testConfig())
	require.True(t, h.ctrl.Start(context.Background()))

	f.SetFailure(errors.New("connection reset"))
	assert.False(t, h.nextTick())
	assert.Equal(t, Running, h.ctrl.State())
	assert.False(t, h.ctrl.IsConnected())

	f.SetFailure(nil)
	assert.True(t, h.nextTick())
	assert.True(t, h.ctrl.IsConnected())
	assert.Len(t, h.ctrl.Snapshot().Table, 60)
}

func Test_TickerDrivesTicks(t *testing.T) {
	h := newHarness(t, feed.NewMemory(createTestRows(0, 120)...), testConfig())
	require.True(t, h.ctrl.Start(context.Background()))

	h.clock.Advance(testInterval)
	require.True(t, h.tickers.Last().Fire(h.clock.Now()))
	assert.Eventually(t, func() bool {
		return len(h.ctrl.Snapshot().Table) == 60
	}, time.Second, 5*time.Millisecond)
}

// Test_TickerDrivesTicks_WedgedFetch runs the real tick loop against a fetch
// that never returns on its own.
func Test_TickerDrivesTicks_WedgedFetch(t *testing.T) {
	f := newBlockingFeed(createTestRows(0, 120))
	cfg := testConfig()
	cfg.MaxInFlight = 5 * testInterval
	h := newHarness(t, f, cfg)
	require.True(t, h.ctrl.Start(context.Background()))
	defer func() {
		select {
		case <-f.release:
		default:
			close(f.release)
		}
	}()

	f.arm()
	h.clock.Advance(testInterval)
	require.True(t, h.tickers.Last().Fire(h.clock.Now()))
	select {
	case <-f.entered:
	case <-time.After(time.Second):
		t.Fatal("ticker did not start a fetch")
	}

	h.clock.Advance(6 * testInterval)
	assert.Eventually(t, func() bool {
		h.tickers.Last().Fire(h.clock.Now())
		return len(h.ctrl.Snapshot().Table) == 60
	}, 2*time.Second, 10*time.Millisecond, "a later tick takes over the wedged fetch")
	assert.Equal(t, Running, h.ctrl.State())
}

// Test_Restart_ResumesFromCursor stops and restarts a controller whose windows
// already evicted the first page of the feed.
func Test_Restart_ResumesFromCursor(t *testing.T) {
	h := newHarness(t, feed.NewMemory(createTestRows(0, 400)...), testConfig())
	require.True(t, h.ctrl.Start(context.Background()))
	for i := 0; i < 30; i++ {
		require.True(t, h.nextTick())
	}
	before := h.ctrl.DatasetInfo()
	require.Equal(t, int64(350), before.CurrentPosition)

	require.True(t, h.ctrl.SetFrequency(context.Background(), 2*time.Second))
	assert.Equal(t, before.CurrentPosition, h.ctrl.DatasetInfo().CurrentPosition, "restart does not replay the first page")
	assert.Equal(t, before.FraudCount, h.ctrl.DatasetInfo().FraudCount)
	assert.Equal(t, "349", h.tableIDs()[0])

	h.clock.Advance(2 * time.Second)
	require.True(t, h.ctrl.Tick(context.Background()))
	assert.Equal(t, int64(360), h.ctrl.DatasetInfo().CurrentPosition)
	assert.Equal(t, "359", h.tableIDs()[0])

	window := h.ctrl.aggregator.ChartWindow()
	for i := 1; i < len(window); i++ {
		assert.False(t, window[i].Timestamp.Before(window[i-1].Timestamp),
			"chart window out of order at %d: %s after %s", i, window[i].UpstreamID, window[i-1].UpstreamID)
	}
}

func Test_SetFrequency(t *testing.T) {
	t.Run("Running controller restarts with the new interval", func(t *testing.T) {
		h := newHarness(t, feed.NewMemory(createTestRows(0, 120)...), testConfig())
		require.True(t, h.ctrl.Start(context.Background()))
		first := h.tickers.Last()

		require.True(t, h.ctrl.SetFrequency(context.Background(), 5*time.Second))
		assert.Equal(t, Running, h.ctrl.State())
		assert.Equal(t, 5*time.Second, h.ctrl.Interval())
		require.Equal(t, 2, h.tickers.Count())
		assert.Equal(t, 5*time.Second, h.tickers.Last().Interval)
		assert.Eventually(t, first.Stopped, time.Second, 5*time.Millisecond)
		assert.Equal(t, int64(5000), h.ctrl.Status().Interval)
	})

	t.Run("Stopped controller only stores the interval", func(t *testing.T) {
		h := newHarness(t, feed.NewMemory(createTestRows(0, 10)...), testConfig())
		require.True(t, h.ctrl.SetFrequency(context.Background(), 2*time.Second))
		assert.Equal(t, Stopped, h.ctrl.State())
		assert.Equal(t, 2*time.Second, h.ctrl.Interval())
		assert.Zero(t, h.tickers.Count())
	})

	t.Run("Non-positive interval is rejected", func(t *testing.T) {
		h := newHarness(t, feed.NewMemory(createTestRows(0, 10)...), testConfig())
		assert.False(t, h.ctrl.SetFrequency(context.Background(), 0))
		assert.False(t, h.ctrl.SetFrequency(context.Background(), -time.Second))
		assert.Equal(t, testInterval, h.ctrl.Interval())
	})
}

func Test_Clear(t *testing.T) {
	h := newHarness(t, feed.NewMemory(createTestRows(0, 120)...), testConfig())
	require.True(t, h.ctrl.Start(context.Background()))
	require.True(t, h.nextTick())

	h.ctrl.Clear()
	snap := h.ctrl.Snapshot()
	assert.Empty(t, snap.Table)
	assert.Empty(t, snap.Charts)
	assert.Empty(t, snap.Anomalies)
	info := h.ctrl.DatasetInfo()
	assert.Zero(t, info.CurrentPosition)
	assert.Zero(t, info.FraudCount)
	assert.Zero(t, info.TableWindowSize)
	assert.Nil(t, h.ctrl.Cursor().Position)
	assert.Equal(t, Running, h.ctrl.State())

	require.True(t, h.nextTick())
	ids := h.tableIDs()
	require.Len(t, ids, DefaultNextBatch)
	assert.Equal(t, "0", ids[len(ids)-1], "a cleared stream restarts from the beginning of the feed")
}

func Test_Wraparound_KeepsStreaming(t *testing.T) {
	cfg := testConfig()
	cfg.InitialBatch = 10
	cfg.NextBatch = 10
	h := newHarness(t, feed.NewMemory(createTestRows(0, 15)...), cfg)
	require.True(t, h.ctrl.Start(context.Background()))

	require.True(t, h.nextTick())
	assert.Len(t, h.ctrl.Snapshot().Table, 15)

	require.True(t, h.nextTick())
	assert.Len(t, h.ctrl.Snapshot().Table, 25, "replayed rows are new events")
	assert.Equal(t, 1, h.ctrl.Cursor().Laps)
}

func Test_Wraparound_KeepsSourceSpacing(t *testing.T) {
	rows := createTestRows(0, 30)
	for i := range rows {
		rows[i].Time = baseMillis + int64(i)*time.Hour.Milliseconds()
	}
	cfg := testConfig()
	cfg.InitialBatch = 10
	cfg.NextBatch = 10
	h := newHarness(t, feed.NewMemory(rows...), cfg)
	require.True(t, h.ctrl.Start(context.Background()))

	for i := 0; i < 3; i++ {
		require.True(t, h.nextTick())
	}
	require.Equal(t, 1, h.ctrl.Cursor().Laps)

	window := h.ctrl.aggregator.ChartWindow()
	require.Len(t, window, 40)
	lap := window[30:]
	assert.Equal(t, "0", lap[0].UpstreamID)
	assert.True(t, lap[0].Timestamp.After(window[29].Timestamp))
	for i := 1; i < len(lap); i++ {
		assert.Equal(t, time.Hour, lap[i].Timestamp.Sub(lap[i-1].Timestamp), "replayed rows keep their source gaps")
	}
}

func Test_Stall_StopsGrowing(t *testing.T) {
	cfg := testConfig()
	cfg.Exhaustion = cursor.PolicyStall
	h := newHarness(t, feed.NewMemory(createTestRows(0, 15)...), cfg)
	require.True(t, h.ctrl.Start(context.Background()))

	for i := 0; i < 4; i++ {
		h.nextTick()
	}
	assert.Len(t, h.ctrl.Snapshot().Table, 15)
	assert.Equal(t, Running, h.ctrl.State(), "exhaustion is not an error")
}

func Test_LiveSource(t *testing.T) {
	live := &liveFeed{ch: make(chan model.RawRow, 1)}
	h := newHarness(t, feed.NewMemory(createTestRows(0, 5)...), testConfig(), WithLiveSource(live))
	require.True(t, h.ctrl.Start(context.Background()))

	live.ch <- createTestRows(100, 1)[0]
	assert.Eventually(t, func() bool {
		ids := h.tableIDs()
		return len(ids) == 6 && ids[0] == "100"
	}, time.Second, 5*time.Millisecond)
}

func Test_Publisher(t *testing.T) {
	rows := createTestRows(0, 60)
	rows[3].Properties.Amount = "500000"
	h := newHarness(t, feed.NewMemory(rows...), testConfig())
	require.True(t, h.ctrl.Start(context.Background()))

	topics := h.publisher.topics()
	assert.Positive(t, topics[model.TopicTable])
	assert.Positive(t, topics[model.TopicCharts])
	assert.Positive(t, topics[model.TopicAnomalies])
	assert.Positive(t, topics[model.TopicStatus])

	var anomalies []model.Anomaly
	for _, call := range h.publisher.Calls {
		u := call.Arguments.Get(0).(model.Update)
		if u.Topic == model.TopicAnomalies {
			anomalies = u.Payload.([]model.Anomaly)
		}
	}
	types := make([]string, 0, len(anomalies))
	for _, a := range anomalies {
		types = append(types, a.Type)
	}
	assert.Contains(t, types, "high_amount")
	assert.Contains(t, types, "fraud_detected")
}

func Test_StateString(t *testing.T) {
	assert.Equal(t, "stopped", Stopped.String())
	assert.Equal(t, "starting", Starting.String())
	assert.Equal(t, "running", Running.String())
}
