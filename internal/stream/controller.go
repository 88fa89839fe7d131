// Package stream orchestrates the polling pipeline.
//
// The Controller owns one session's worth of collaborators (normalizer, cursor
// manager, aggregator, recommendation engine) and drives them from a ticker:
// fetch, normalize, ingest, recommend, publish.
//
// Concurrency model:
//   - Lifecycle calls (Start, Stop, SetFrequency, Clear) are serialized
//   - Each tick runs on its own goroutine; an in-flight guard skips a tick
//     while a fetch is outstanding and lets a later tick take over once the
//     fetch exceeds MaxInFlight. Fetches are also bounded by MaxInFlight
//   - Every fetch captures an epoch; Stop and Clear bump it, so results that
//     arrive afterwards are dropped instead of mutating the windows
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"finstream/internal/anomaly"
	"finstream/internal/cursor"
	"finstream/internal/model"
	"finstream/internal/normalizer"
	"finstream/internal/recommend"
	"finstream/internal/window"
)

// ErrInvalidConfig wraps every configuration validation failure.
var ErrInvalidConfig = errors.New("invalid stream configuration")

const (
	DefaultInterval     = 3 * time.Second
	DefaultInitialBatch = 50
	DefaultNextBatch    = 10
	DefaultRestartDelay = 100 * time.Millisecond

	// debounceRatio is the share of the interval two fetches must be apart.
	debounceRatio = 0.8

	// wedgeFactor derives MaxInFlight from the interval when it is unset.
	wedgeFactor = 10
)

// State is the controller lifecycle state.
type State int32

const (
	Stopped State = iota
	Starting
	Running
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config holds every tunable of a streaming session.
type Config struct {
	Interval     time.Duration `validate:"gt=0"`
	InitialBatch int           `validate:"gt=0"`
	NextBatch    int           `validate:"gt=0"`

	// MaxInFlight is how long a fetch may stay outstanding before the guard is
	// considered wedged. Zero derives it from Interval.
	MaxInFlight time.Duration `validate:"gte=0"`

	// RestartDelay separates stop and start in SetFrequency.
	RestartDelay time.Duration `validate:"gte=0"`

	TableCapacity   int `validate:"gt=0"`
	ChartCapacity   int `validate:"gt=0"`
	AnomalyCapacity int `validate:"gt=0"`

	MaxCharts         int             `validate:"gt=0"`
	RecomputeBatch    int             `validate:"gt=0"`
	SignificantAmount decimal.Decimal `validate:"-"`
	SignificantRisk   float64         `validate:"gte=0,lte=1"`

	HighAmount         decimal.Decimal `validate:"-"`
	LargeBalanceChange decimal.Decimal `validate:"-"`

	Exhaustion cursor.ExhaustionPolicy   `validate:"oneof=stall wrap"`
	Identity   normalizer.IdentityPolicy `validate:"oneof=upstream unique"`
}

// DefaultConfig returns the stock session configuration.
func DefaultConfig() Config {
	th := anomaly.DefaultThresholds()
	rc := recommend.DefaultConfig()
	return Config{
		Interval:           DefaultInterval,
		InitialBatch:       DefaultInitialBatch,
		NextBatch:          DefaultNextBatch,
		RestartDelay:       DefaultRestartDelay,
		TableCapacity:      window.DefaultTableCapacity,
		ChartCapacity:      window.DefaultChartCapacity,
		AnomalyCapacity:    window.DefaultAnomalyCapacity,
		MaxCharts:          rc.MaxCharts,
		RecomputeBatch:     rc.RecomputeBatch,
		SignificantAmount:  rc.SignificantAmount,
		SignificantRisk:    rc.SignificantRisk,
		HighAmount:         th.HighAmount,
		LargeBalanceChange: th.LargeBalanceChange,
		Exhaustion:         cursor.PolicyWrap,
		Identity:           normalizer.IdentityUpstream,
	}
}

// LiveSource pushes rows as they are inserted upstream.
type LiveSource interface {
	Subscribe(ctx context.Context) (<-chan model.RawRow, error)
}

// Publisher receives every update produced by the controller.
type Publisher interface {
	Publish(update model.Update)
}

// Option customizes a Controller.
type Option func(*Controller)

// WithLiveSource subscribes to src while the controller runs.
func WithLiveSource(src LiveSource) Option {
	return func(c *Controller) { c.live = src }
}

// WithPublisher sends updates to p.
func WithPublisher(p Publisher) Option {
	return func(c *Controller) { c.publisher = p }
}

// WithTickerFactory replaces the real ticker.
func WithTickerFactory(f TickerFactory) Option {
	return func(c *Controller) { c.tickers = f }
}

// WithClock replaces time.Now for debounce and wedge detection.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// Controller runs one streaming session against a feed.
type Controller struct {
	cfg       Config
	live      LiveSource
	publisher Publisher
	tickers   TickerFactory
	now       func() time.Time
	logger    zerolog.Logger

	normalizer *normalizer.Normalizer
	cursor     *cursor.Manager
	aggregator *window.Aggregator
	engine     *recommend.Engine

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	state     atomic.Int32
	connected atomic.Bool
	interval  atomic.Int64
	epoch     atomic.Uint64

	tickSeq       atomic.Uint64
	inFlight      atomic.Uint64 // token of the tick holding the guard, 0 when free
	inFlightSince atomic.Int64
	lastFetch     atomic.Int64

	mu        sync.Mutex
	charts    []model.ChartSpec
	newIDs    map[string]struct{}
	processed int64
	fraud     int64
	flagged   int64
}

// NewController validates cfg and wires a fresh session against feed.
func NewController(cfg Config, feed cursor.Feed, opts ...Option) (*Controller, error) {
	if feed == nil {
		return nil, fmt.Errorf("%w: feed is required", ErrInvalidConfig)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if cfg.MaxInFlight == 0 {
		cfg.MaxInFlight = wedgeFactor * cfg.Interval
	}

	aggregator, err := window.NewAggregator(window.Config{
		TableCapacity:   cfg.TableCapacity,
		ChartCapacity:   cfg.ChartCapacity,
		AnomalyCapacity: cfg.AnomalyCapacity,
	}, anomaly.NewDetector(anomaly.Thresholds{
		HighAmount:         cfg.HighAmount,
		LargeBalanceChange: cfg.LargeBalanceChange,
	}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	engine, err := recommend.NewEngine(recommend.Config{
		MaxCharts:         cfg.MaxCharts,
		RecomputeBatch:    cfg.RecomputeBatch,
		SignificantAmount: cfg.SignificantAmount,
		SignificantRisk:   cfg.SignificantRisk,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	norm := normalizer.New(cfg.Identity)
	c := &Controller{
		cfg:        cfg,
		tickers:    RealTicker,
		now:        time.Now,
		logger:     log.With().Str("component", "stream").Logger(),
		normalizer: norm,
		cursor:     cursor.NewManager(feed, norm, cfg.Exhaustion),
		aggregator: aggregator,
		engine:     engine,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.interval.Store(int64(cfg.Interval))
	return c, nil
}

// Start connects to the feed, ingests the initial batch and schedules ticks.
// After a Stop the cursor is kept, so a restart resumes where polling left off
// instead of replaying the first page. It returns false when the feed cannot be reached; the controller then stays
// Stopped. Starting an already running controller is a no-op.
func (c *Controller) Start(ctx context.Context) bool {
	c.lifecycle.Lock()
	if State(c.state.Load()) != Stopped {
		c.lifecycle.Unlock()
		return true
	}
	c.state.Store(int32(Starting))
	epoch := c.epoch.Add(1)
	c.lifecycle.Unlock()

	c.logger.Info().Dur("interval", c.Interval()).Msg("starting stream")

	if !c.cursor.Initialize(ctx) {
		c.abortStart(epoch)
		return false
	}

	if c.cursor.Resumable() {
		// windows from the previous run are kept; polling continues after them
		c.logger.Info().Msg("resuming from the current cursor")
		c.connected.Store(true)
		c.apply(epoch, nil, true)
	} else {
		events, err := c.cursor.FetchInitial(ctx, c.cfg.InitialBatch)
		if err != nil {
			c.logger.Warn().Err(err).Msg("initial fetch failed, will retry on next tick")
			c.connected.Store(false)
		} else {
			c.connected.Store(true)
			c.apply(epoch, events, true)
		}
	}

	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if c.epoch.Load() != epoch {
		// stopped while starting
		return false
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.lastFetch.Store(c.now().UnixNano())
	c.state.Store(int32(Running))

	go c.run(runCtx, c.tickers(c.Interval()))
	if c.live != nil {
		go c.consumeLive(runCtx)
	}

	c.logger.Info().Msg("stream running")
	c.publishStatus()
	return true
}

func (c *Controller) abortStart(epoch uint64) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if c.epoch.Load() == epoch {
		c.state.Store(int32(Stopped))
	}
	c.connected.Store(false)
	c.logger.Error().Msg("stream failed to start: feed unreachable")
	c.publishStatus()
}

// Stop cancels the ticker and any live subscription. In-flight fetches are not
// awaited; their results are discarded. Stop is idempotent.
func (c *Controller) Stop() {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	c.stopLocked()
}

func (c *Controller) stopLocked() {
	if State(c.state.Load()) == Stopped {
		return
	}
	c.epoch.Add(1)
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.inFlight.Store(0)
	c.state.Store(int32(Stopped))
	c.logger.Info().Msg("stream stopped")
	c.publishStatus()
}

// SetFrequency changes the poll interval. A running controller is stopped and
// restarted after RestartDelay so the old and new tickers never overlap.
// It returns false for a non-positive interval or a failed restart.
func (c *Controller) SetFrequency(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return false
	}

	c.lifecycle.Lock()
	c.interval.Store(int64(d))
	wasActive := State(c.state.Load()) != Stopped
	c.stopLocked()
	c.lifecycle.Unlock()

	c.logger.Info().Dur("interval", d).Bool("restart", wasActive).Msg("frequency changed")
	if !wasActive {
		c.publishStatus()
		return true
	}

	if c.cfg.RestartDelay > 0 {
		timer := time.NewTimer(c.cfg.RestartDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
	return c.Start(ctx)
}

// Clear resets the windows, anomalies, cursor and counters. A running stream
// keeps running from the start of the feed.
func (c *Controller) Clear() {
	c.mu.Lock()
	c.epoch.Add(1)
	c.aggregator.Reset()
	c.cursor.Reset()
	c.engine.Reset()
	c.charts = nil
	c.newIDs = nil
	c.processed, c.fraud, c.flagged = 0, 0, 0
	c.mu.Unlock()

	c.logger.Info().Msg("stream state cleared")
	c.publish(model.TopicTable, []model.TableRow{})
	c.publish(model.TopicCharts, []model.ChartSpec{})
	c.publish(model.TopicAnomalies, []model.Anomaly{})
	c.publishStatus()
}

func (c *Controller) run(ctx context.Context, t Ticker) {
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C():
			// the in-flight guard serializes ticks
			go c.Tick(ctx)
		}
	}
}

// Tick performs one fetch-and-ingest cycle. It returns false when the tick
// was skipped or the fetch failed.
func (c *Controller) Tick(ctx context.Context) bool {
	if State(c.state.Load()) != Running {
		return false
	}

	now := c.now().UnixNano()
	minSpacing := int64(float64(c.interval.Load()) * debounceRatio)
	if last := c.lastFetch.Load(); last != 0 && now-last < minSpacing {
		c.logger.Debug().Msg("tick debounced")
		return false
	}

	token := c.tickSeq.Add(1)
	if !c.inFlight.CompareAndSwap(0, token) {
		held := c.inFlight.Load()
		if now-c.inFlightSince.Load() < int64(c.cfg.MaxInFlight) || !c.inFlight.CompareAndSwap(held, token) {
			c.logger.Debug().Msg("tick skipped, fetch in flight")
			return false
		}
		c.logger.Warn().Dur("maxInFlight", c.cfg.MaxInFlight).Msg("in-flight fetch wedged, taking over")
	}
	defer c.inFlight.CompareAndSwap(token, 0)

	c.inFlightSince.Store(now)
	c.lastFetch.Store(now)
	epoch := c.epoch.Load()

	fetchCtx, cancel := context.WithTimeout(ctx, c.cfg.MaxInFlight)
	defer cancel()

	events, err := c.cursor.FetchNext(fetchCtx, c.cfg.NextBatch)
	if err != nil {
		if errors.Is(err, cursor.ErrCursorReset) || c.epoch.Load() != epoch {
			return false
		}
		c.logger.Warn().Err(err).Msg("tick fetch failed")
		if c.connected.Swap(false) {
			c.publishStatus()
		}
		return false
	}

	c.connected.Store(true)
	if c.inFlight.Load() != token {
		c.logger.Warn().Int("events", len(events)).Msg("discarding result of a superseded fetch")
		return false
	}
	return c.apply(epoch, events, false)
}

func (c *Controller) consumeLive(ctx context.Context) {
	rows, err := c.live.Subscribe(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("live subscription failed, polling only")
		return
	}
	c.logger.Info().Msg("live subscription active")

	for {
		select {
		case <-ctx.Done():
			return
		case row, ok := <-rows:
			if !ok {
				c.logger.Info().Msg("live subscription closed")
				return
			}
			epoch := c.epoch.Load()
			c.apply(epoch, c.normalizer.NormalizeBatch([]model.RawRow{row}), false)
		}
	}
}

// apply ingests events unless the epoch moved since they were fetched.
func (c *Controller) apply(epoch uint64, events []model.FinancialEvent, force bool) bool {
	c.mu.Lock()
	if c.epoch.Load() != epoch {
		c.mu.Unlock()
		c.logger.Debug().Int("events", len(events)).Msg("discarding stale fetch result")
		return false
	}

	result := c.aggregator.Ingest(events)

	c.newIDs = make(map[string]struct{}, len(result.AddedToTable))
	for _, e := range result.AddedToTable {
		c.newIDs[e.ID] = struct{}{}
		c.processed++
		if e.IsFraud {
			c.fraud++
		}
		if e.IsFlaggedFraud {
			c.flagged++
		}
	}

	recomputed := c.engine.ShouldRecompute(len(result.AddedToChart), force)
	if recomputed {
		c.charts = c.engine.Recommend(c.aggregator.ChartWindow(), c.cfg.MaxCharts)
	}
	charts := c.charts
	table := c.tableRowsLocked()
	c.mu.Unlock()

	if len(result.AddedToTable) > 0 || force {
		c.publish(model.TopicTable, table)
	}
	if len(result.Anomalies) > 0 || force {
		c.publish(model.TopicAnomalies, c.aggregator.Anomalies())
	}
	if recomputed {
		c.publish(model.TopicCharts, charts)
	}
	c.publishStatus()
	return true
}

// tableRowsLocked lists the table window most recent first.
func (c *Controller) tableRowsLocked() []model.TableRow {
	events := c.aggregator.TableWindow()
	rows := make([]model.TableRow, 0, len(events))
	for i := len(events) - 1; i >= 0; i-- {
		_, isNew := c.newIDs[events[i].ID]
		rows = append(rows, model.TableRow{Event: events[i], IsNew: isNew})
	}
	return rows
}

// Snapshot returns the complete read-only state.
func (c *Controller) Snapshot() model.Snapshot {
	c.mu.Lock()
	table := c.tableRowsLocked()
	charts := append([]model.ChartSpec(nil), c.charts...)
	c.mu.Unlock()

	return model.Snapshot{
		Table:     table,
		Charts:    charts,
		Anomalies: c.aggregator.Anomalies(),
		Status:    c.Status(),
		TakenAt:   c.now().UTC(),
	}
}

// Charts returns the most recent recommendation.
func (c *Controller) Charts() []model.ChartSpec {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.ChartSpec(nil), c.charts...)
}

// DatasetInfo summarizes progress through the feed.
func (c *Controller) DatasetInfo() model.DatasetInfo {
	cur := c.cursor.Cursor()
	table, chart := c.aggregator.Sizes()

	c.mu.Lock()
	processed, fraud, flagged := c.processed, c.fraud, c.flagged
	c.mu.Unlock()

	var pct float64
	if cur.TotalCount > 0 {
		pct = float64(processed) / float64(cur.TotalCount) * 100
		if pct > 100 {
			pct = 100
		}
	}

	return model.DatasetInfo{
		TotalRecords:           cur.TotalCount,
		CurrentPosition:        processed,
		PercentageProcessed:    pct,
		FraudCount:             fraud,
		FlaggedCount:           flagged,
		ChartWindowCapacity:    c.cfg.ChartCapacity,
		CurrentChartWindowSize: chart,
		TableWindowSize:        table,
	}
}

// Status is the connection summary.
func (c *Controller) Status() model.StreamStatus {
	return model.StreamStatus{
		State:       c.State().String(),
		IsConnected: c.IsConnected(),
		Interval:    c.Interval().Milliseconds(),
		Dataset:     c.DatasetInfo(),
	}
}

// Cursor returns the current feed cursor.
func (c *Controller) Cursor() model.Cursor {
	return c.cursor.Cursor()
}

func (c *Controller) IsConnected() bool {
	return c.connected.Load()
}

func (c *Controller) State() State {
	return State(c.state.Load())
}

func (c *Controller) Interval() time.Duration {
	return time.Duration(c.interval.Load())
}

func (c *Controller) publishStatus() {
	c.publish(model.TopicStatus, c.Status())
}

func (c *Controller) publish(topic string, payload any) {
	if c.publisher == nil {
		return
	}
	c.publisher.Publish(model.Update{Topic: topic, Payload: payload})
}
