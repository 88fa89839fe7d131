// Package window maintains the bounded, deduplicated event windows that feed
// the table view and the chart recommendation engine.
//
// Thread Safety:
//   - All operations are serialized through a single mutex
//   - Accessors return copies, so callers never alias window storage
package window

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"finstream/internal/model"
)

const (
	// DefaultTableCapacity bounds the table history window.
	DefaultTableCapacity = 200

	// DefaultChartCapacity bounds the chart computation window.
	DefaultChartCapacity = 100

	// DefaultAnomalyCapacity bounds the anomaly buffer.
	DefaultAnomalyCapacity = 10
)

// AnomalyDetector evaluates one event and returns the anomalies it raises.
type AnomalyDetector interface {
	Detect(event model.FinancialEvent) []model.Anomaly
}

// Config holds the capacities of the owned collections.
type Config struct {
	TableCapacity   int
	ChartCapacity   int
	AnomalyCapacity int
}

// IngestResult lists the events that were genuinely new to each window.
type IngestResult struct {
	AddedToTable []model.FinancialEvent
	AddedToChart []model.FinancialEvent
	Anomalies    []model.Anomaly
}

// Empty reports whether nothing was added anywhere.
func (r IngestResult) Empty() bool {
	return len(r.AddedToTable) == 0 && len(r.AddedToChart) == 0
}

// ring is a capacity-bounded, id-deduplicated, ordered sequence of events.
type ring struct {
	capacity int
	events   []model.FinancialEvent
	ids      map[string]struct{}
}

func newRing(capacity int) *ring {
	return &ring{
		capacity: capacity,
		events:   make([]model.FinancialEvent, 0, capacity),
		ids:      make(map[string]struct{}, capacity),
	}
}

// merge appends events whose id is not already present, then evicts the
// oldest entries past capacity. It returns the events actually appended.
func (r *ring) merge(batch []model.FinancialEvent) []model.FinancialEvent {
	added := make([]model.FinancialEvent, 0, len(batch))
	for _, e := range batch {
		if _, dup := r.ids[e.ID]; dup {
			continue
		}
		r.ids[e.ID] = struct{}{}
		r.events = append(r.events, e)
		added = append(added, e)
	}

	if overflow := len(r.events) - r.capacity; overflow > 0 {
		for _, evicted := range r.events[:overflow] {
			delete(r.ids, evicted.ID)
		}
		kept := make([]model.FinancialEvent, r.capacity, r.capacity)
		copy(kept, r.events[overflow:])
		r.events = kept
	}

	return added
}

func (r *ring) snapshot() []model.FinancialEvent {
	out := make([]model.FinancialEvent, len(r.events))
	copy(out, r.events)
	return out
}

func (r *ring) reset() {
	r.events = make([]model.FinancialEvent, 0, r.capacity)
	r.ids = make(map[string]struct{}, r.capacity)
}

// Aggregator exclusively owns the table window, the chart window and the
// anomaly buffer.
//
// The two windows are sized independently: the table keeps more history for
// display while the chart window favors recency.
type Aggregator struct {
	cfg      Config
	detector AnomalyDetector

	mu        sync.Mutex
	table     *ring
	chart     *ring
	anomalies []model.Anomaly
}

// NewAggregator validates the capacities and builds an empty aggregator.
// Non-positive capacities are a programming error and are rejected.
func NewAggregator(cfg Config, detector AnomalyDetector) (*Aggregator, error) {
	if cfg.TableCapacity <= 0 || cfg.ChartCapacity <= 0 || cfg.AnomalyCapacity <= 0 {
		return nil, fmt.Errorf("invalid window capacities: table=%d chart=%d anomalies=%d",
			cfg.TableCapacity, cfg.ChartCapacity, cfg.AnomalyCapacity)
	}
	if detector == nil {
		return nil, fmt.Errorf("anomaly detector is required")
	}

	return &Aggregator{
		cfg:      cfg,
		detector: detector,
		table:    newRing(cfg.TableCapacity),
		chart:    newRing(cfg.ChartCapacity),
	}, nil
}

// Ingest merges a batch into both windows.
//
// Processing steps:
//  1. Sort the batch chronologically (stable, so equal timestamps keep order)
//  2. Dedup, append and truncate the table window
//  3. Independently dedup, append and truncate the chart window
//  4. Run the detector over events new to the chart window
//  5. Keep only the most recent anomalies
//
// An empty or fully duplicate batch is a no-op.
func (agg *Aggregator) Ingest(batch []model.FinancialEvent) IngestResult {
	if len(batch) == 0 {
		return IngestResult{}
	}

	sorted := make([]model.FinancialEvent, len(batch))
	copy(sorted, batch)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	agg.mu.Lock()
	defer agg.mu.Unlock()

	result := IngestResult{
		AddedToTable: agg.table.merge(sorted),
		AddedToChart: agg.chart.merge(sorted),
	}

	for _, e := range result.AddedToChart {
		result.Anomalies = append(result.Anomalies, agg.detector.Detect(e)...)
	}
	if len(result.Anomalies) > 0 {
		agg.anomalies = append(agg.anomalies, result.Anomalies...)
		if overflow := len(agg.anomalies) - agg.cfg.AnomalyCapacity; overflow > 0 {
			agg.anomalies = append([]model.Anomaly(nil), agg.anomalies[overflow:]...)
		}
	}

	log.Debug().
		Int("batch", len(batch)).
		Int("addedToTable", len(result.AddedToTable)).
		Int("addedToChart", len(result.AddedToChart)).
		Int("anomalies", len(result.Anomalies)).
		Msg("batch ingested")

	return result
}

// TableWindow returns the table window oldest-first.
func (agg *Aggregator) TableWindow() []model.FinancialEvent {
	agg.mu.Lock()
	defer agg.mu.Unlock()
	return agg.table.snapshot()
}

// ChartWindow returns the chart window oldest-first.
func (agg *Aggregator) ChartWindow() []model.FinancialEvent {
	agg.mu.Lock()
	defer agg.mu.Unlock()
	return agg.chart.snapshot()
}

// Anomalies returns the retained anomalies oldest-first.
func (agg *Aggregator) Anomalies() []model.Anomaly {
	agg.mu.Lock()
	defer agg.mu.Unlock()
	out := make([]model.Anomaly, len(agg.anomalies))
	copy(out, agg.anomalies)
	return out
}

// Sizes reports the current table and chart window lengths.
func (agg *Aggregator) Sizes() (table, chart int) {
	agg.mu.Lock()
	defer agg.mu.Unlock()
	return len(agg.table.events), len(agg.chart.events)
}

// Config returns the capacities the aggregator was built with.
func (agg *Aggregator) Config() Config {
	return agg.cfg
}

// Reset empties both windows and the anomaly buffer.
func (agg *Aggregator) Reset() {
	agg.mu.Lock()
	defer agg.mu.Unlock()
	agg.table.reset()
	agg.chart.reset()
	agg.anomalies = nil
}
