package anomaly

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"finstream/internal/model"
)

func createTestEvent(amount int64) model.FinancialEvent {
	return model.FinancialEvent{
		ID:                  "TXN-1",
		TransactionType:     model.TypeTransfer,
		Amount:              decimal.NewFromInt(amount),
		SourceAccount:       "C1",
		SourceBalanceBefore: decimal.NewFromInt(1000),
		SourceBalanceAfter:  decimal.NewFromInt(500),
		Metadata:            model.EventMetadata{BalanceChange: decimal.NewFromInt(500)},
	}
}

func types(anomalies []model.Anomaly) []string {
	out := make([]string, 0, len(anomalies))
	for _, a := range anomalies {
		out = append(out, a.Type)
	}
	return out
}

func Test_Detect(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*model.FinancialEvent)
		expected []string
	}{
		{
			name:     "Clean event",
			mutate:   func(e *model.FinancialEvent) {},
			expected: []string{},
		},
		{
			name:     "High amount",
			mutate:   func(e *model.FinancialEvent) { e.Amount = decimal.NewFromInt(300_000) },
			expected: []string{TypeHighAmount},
		},
		{
			name:     "Amount at threshold is not high",
			mutate:   func(e *model.FinancialEvent) { e.Amount = decimal.NewFromInt(200_000) },
			expected: []string{},
		},
		{
			name:     "Fraud",
			mutate:   func(e *model.FinancialEvent) { e.IsFraud = true },
			expected: []string{TypeFraudDetected},
		},
		{
			name:     "Flagged",
			mutate:   func(e *model.FinancialEvent) { e.IsFlaggedFraud = true },
			expected: []string{TypeSuspiciousActivity},
		},
		{
			name: "Large balance change",
			mutate: func(e *model.FinancialEvent) {
				e.Metadata.BalanceChange = decimal.NewFromInt(100_001)
			},
			expected: []string{TypeLargeBalanceChange},
		},
		{
			name:     "Account emptied",
			mutate:   func(e *model.FinancialEvent) { e.SourceBalanceAfter = decimal.Zero },
			expected: []string{TypeAccountEmptied},
		},
		{
			name: "Missing balances are not emptied",
			mutate: func(e *model.FinancialEvent) {
				e.SourceBalanceBefore = decimal.Zero
				e.SourceBalanceAfter = decimal.Zero
			},
			expected: []string{},
		},
		{
			name: "Every rule at once",
			mutate: func(e *model.FinancialEvent) {
				e.Amount = decimal.NewFromInt(500_000)
				e.IsFraud = true
				e.IsFlaggedFraud = true
				e.Metadata.BalanceChange = decimal.NewFromInt(500_000)
				e.SourceBalanceAfter = decimal.Zero
			},
			expected: []string{TypeHighAmount, TypeFraudDetected, TypeSuspiciousActivity, TypeLargeBalanceChange, TypeAccountEmptied},
		},
	}

	d := NewDetector(DefaultThresholds())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event := createTestEvent(50)
			tt.mutate(&event)
			found := d.Detect(event)
			assert.ElementsMatch(t, tt.expected, types(found))
			for _, a := range found {
				assert.Equal(t, event.ID, a.EventID)
				assert.NotEmpty(t, a.Message)
				assert.False(t, a.DetectedAt.IsZero())
			}
		})
	}
}

func Test_Detect_Severities(t *testing.T) {
	d := NewDetector(DefaultThresholds())
	event := createTestEvent(500_000)
	event.IsFlaggedFraud = true

	found := d.Detect(event)
	severities := map[string]model.Severity{}
	for _, a := range found {
		severities[a.Type] = a.Severity
	}
	assert.Equal(t, model.SeverityHigh, severities[TypeHighAmount])
	assert.Equal(t, model.SeverityMedium, severities[TypeSuspiciousActivity])
}

func Test_Detect_CustomThresholds(t *testing.T) {
	d := NewDetector(Thresholds{
		HighAmount:         decimal.NewFromInt(10),
		LargeBalanceChange: decimal.NewFromInt(1_000_000),
	})
	assert.Equal(t, []string{TypeHighAmount}, types(d.Detect(createTestEvent(11))))
}
