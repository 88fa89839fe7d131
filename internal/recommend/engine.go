// Package recommend turns a chart window into a prioritized list of chart
// specifications.
//
// The engine analyzes the window once, runs a static ordered list of pure
// rules over the result, sorts what they propose by priority and caps the
// list. Apart from the recompute throttle it holds no state.
package recommend

import (
	"fmt"
	"sort"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"finstream/internal/model"
)

const (
	DefaultMaxCharts       = 6
	DefaultRecomputeBatch  = 3
	DefaultSignificantRisk = 0.9
)

// DefaultSignificantAmount is the amount above which an event counts as
// significant in justification text.
var DefaultSignificantAmount = decimal.NewFromInt(100_000)

// Config tunes the engine.
type Config struct {
	MaxCharts         int             `validate:"gt=0"`
	RecomputeBatch    int             `validate:"gt=0"`
	SignificantAmount decimal.Decimal `validate:"-"`
	SignificantRisk   float64         `validate:"gte=0,lte=1"`
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		MaxCharts:         DefaultMaxCharts,
		RecomputeBatch:    DefaultRecomputeBatch,
		SignificantAmount: DefaultSignificantAmount,
		SignificantRisk:   DefaultSignificantRisk,
	}
}

// Engine evaluates the rule set.
type Engine struct {
	cfg   Config
	rules []Rule

	mu      sync.Mutex
	pending int
}

// NewEngine validates cfg and builds an engine over DefaultRules.
func NewEngine(cfg Config) (*Engine, error) {
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid recommendation config: %w", err)
	}
	return &Engine{cfg: cfg, rules: DefaultRules}, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Recommend analyzes window and returns at most maxCharts specifications in
// ascending priority order.
func (e *Engine) Recommend(window []model.FinancialEvent, maxCharts int) []model.ChartSpec {
	if maxCharts <= 0 {
		return []model.ChartSpec{}
	}

	c := Analyze(window, Significance{Amount: e.cfg.SignificantAmount, RiskScore: e.cfg.SignificantRisk})

	specs := make([]model.ChartSpec, 0, len(e.rules))
	for _, rule := range e.rules {
		if spec, ok := rule(c); ok {
			specs = append(specs, spec)
		}
	}

	sort.SliceStable(specs, func(i, j int) bool {
		return specs[i].Priority < specs[j].Priority
	})
	if len(specs) > maxCharts {
		specs = specs[:maxCharts]
	}

	log.Debug().
		Int("window", len(window)).
		Str("trend", string(c.Trend)).
		Int("significant", c.AnomalyCount).
		Int("charts", len(specs)).
		Msg("charts recommended")

	return specs
}

// ShouldRecompute accumulates newly added events and reports whether enough
// have arrived to justify a recompute. A forced call always recomputes.
func (e *Engine) ShouldRecompute(added int, force bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if added > 0 {
		e.pending += added
	}
	if force || e.pending >= e.cfg.RecomputeBatch {
		e.pending = 0
		return true
	}
	return false
}

// Reset clears the throttle counter.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = 0
}
