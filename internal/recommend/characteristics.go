package recommend

import (
	"github.com/shopspring/decimal"

	"finstream/internal/model"
)

// Trend is the direction of mean amount across the window.
type Trend string

const (
	TrendIncreasing Trend = "increasing"
	TrendDecreasing Trend = "decreasing"
	TrendStable     Trend = "stable"
)

// minTrendEvents is the largest window that always reports a stable trend.
const minTrendEvents = 10

// CategoryStats aggregates the events of one transaction type.
type CategoryStats struct {
	Count      int
	Amount     decimal.Decimal
	FraudCount int
}

// FraudRate is the fraud share of the category in percent.
func (s CategoryStats) FraudRate() float64 {
	if s.Count == 0 {
		return 0
	}
	return float64(s.FraudCount) / float64(s.Count) * 100
}

// Characteristics summarizes a chart window for the rules.
type Characteristics struct {
	Window       []model.FinancialEvent
	Categories   map[string]CategoryStats
	Statuses     map[model.Status]int
	Trend        Trend
	AnomalyCount int
}

// Significance selects the events counted by AnomalyCount. It is coarser than
// the anomaly detector and only feeds justification text.
type Significance struct {
	Amount    decimal.Decimal
	RiskScore float64
}

// Analyze computes the characteristics of window.
func Analyze(window []model.FinancialEvent, sig Significance) Characteristics {
	c := Characteristics{
		Window:     window,
		Categories: make(map[string]CategoryStats),
		Statuses:   make(map[model.Status]int),
		Trend:      trendOf(window),
	}

	for _, e := range window {
		stats := c.Categories[e.TransactionType]
		stats.Count++
		stats.Amount = stats.Amount.Add(e.Amount)
		if e.IsFraud {
			stats.FraudCount++
		}
		c.Categories[e.TransactionType] = stats
		c.Statuses[e.Status]++

		if e.Amount.GreaterThan(sig.Amount) || e.Metadata.RiskScore > sig.RiskScore {
			c.AnomalyCount++
		}
	}

	return c
}

// trendOf compares the mean amount of the second half of the window with the
// first. Windows of minTrendEvents or fewer are stable; ties resolve to
// decreasing.
func trendOf(window []model.FinancialEvent) Trend {
	if len(window) <= minTrendEvents {
		return TrendStable
	}
	mid := len(window) / 2
	first := meanAmount(window[:mid])
	second := meanAmount(window[mid:])
	if second.GreaterThan(first) {
		return TrendIncreasing
	}
	return TrendDecreasing
}

func meanAmount(events []model.FinancialEvent) decimal.Decimal {
	sum := decimal.Zero
	for _, e := range events {
		sum = sum.Add(e.Amount)
	}
	return sum.Div(decimal.NewFromInt(int64(len(events))))
}
