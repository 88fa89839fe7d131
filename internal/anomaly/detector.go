// Package anomaly evaluates per-event predicates that raise user-facing notices.
package anomaly

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"finstream/internal/model"
)

// Anomaly types produced by the detector.
const (
	TypeHighAmount         = "high_amount"
	TypeFraudDetected      = "fraud_detected"
	TypeSuspiciousActivity = "suspicious_activity"
	TypeLargeBalanceChange = "large_balance_change"
	TypeAccountEmptied     = "account_emptied"
)

// Thresholds configures the numeric predicates.
type Thresholds struct {
	HighAmount         decimal.Decimal
	LargeBalanceChange decimal.Decimal
}

// DefaultThresholds returns the stock thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		HighAmount:         decimal.NewFromInt(200_000),
		LargeBalanceChange: decimal.NewFromInt(100_000),
	}
}

// Detector is stateless; Detect may be called concurrently.
type Detector struct {
	thresholds Thresholds
	now        func() time.Time
}

// NewDetector creates a detector using the given thresholds.
func NewDetector(thresholds Thresholds) *Detector {
	return &Detector{thresholds: thresholds, now: time.Now}
}

type rule func(d *Detector, e model.FinancialEvent) (model.Anomaly, bool)

var rules = []rule{
	func(d *Detector, e model.FinancialEvent) (model.Anomaly, bool) {
		return model.Anomaly{
			Type:     TypeHighAmount,
			Severity: model.SeverityHigh,
			Message:  fmt.Sprintf("Unusually high amount: $%s", e.Amount.StringFixed(2)),
		}, e.Amount.GreaterThan(d.thresholds.HighAmount)
	},
	func(d *Detector, e model.FinancialEvent) (model.Anomaly, bool) {
		return model.Anomaly{
			Type:     TypeFraudDetected,
			Severity: model.SeverityHigh,
			Message:  fmt.Sprintf("Fraudulent transaction detected: %s of $%s", e.TransactionType, e.Amount.StringFixed(2)),
		}, e.IsFraud
	},
	func(d *Detector, e model.FinancialEvent) (model.Anomaly, bool) {
		return model.Anomaly{
			Type:     TypeSuspiciousActivity,
			Severity: model.SeverityMedium,
			Message:  fmt.Sprintf("Transaction flagged as suspicious: %s", e.ID),
		}, e.IsFlaggedFraud
	},
	func(d *Detector, e model.FinancialEvent) (model.Anomaly, bool) {
		return model.Anomaly{
			Type:     TypeLargeBalanceChange,
			Severity: model.SeverityMedium,
			Message:  fmt.Sprintf("Large balance change detected: $%s", e.Metadata.BalanceChange.StringFixed(2)),
		}, e.Metadata.BalanceChange.GreaterThan(d.thresholds.LargeBalanceChange)
	},
	func(d *Detector, e model.FinancialEvent) (model.Anomaly, bool) {
		return model.Anomaly{
			Type:     TypeAccountEmptied,
			Severity: model.SeverityHigh,
			Message:  fmt.Sprintf("Account %s emptied completely", e.SourceAccount),
		}, e.SourceBalanceAfter.IsZero() && e.SourceBalanceBefore.IsPositive()
	},
}

// Detect evaluates every rule independently against one event.
func (d *Detector) Detect(event model.FinancialEvent) []model.Anomaly {
	var found []model.Anomaly
	for _, r := range rules {
		if a, ok := r(d, event); ok {
			a.EventID = event.ID
			a.DetectedAt = d.now()
			found = append(found, a)
		}
	}
	return found
}
