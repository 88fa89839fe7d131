package model

import (
	"testing"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_StatusOf(t *testing.T) {
	tests := []struct {
		name      string
		isFraud   bool
		isFlagged bool
		expected  Status
	}{
		{"Clean", false, false, StatusSuccess},
		{"Flagged only", false, true, StatusPending},
		{"Fraud only", true, false, StatusFailed},
		{"Fraud wins over flag", true, true, StatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, StatusOf(tt.isFraud, tt.isFlagged))
		})
	}
}

func Test_ChartSpec_MarshalJSON(t *testing.T) {
	spec := ChartSpec{
		Type:          ChartFunnel,
		Title:         "Funnel",
		Justification: "why",
		Priority:      4,
		Data: FunnelData{Stages: []FunnelStage{
			{Name: "Total", Value: 2, Percentage: 100},
		}},
	}

	raw, err := json.Marshal(spec)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "funnel", decoded["type"])
	assert.Equal(t, float64(4), decoded["priority"])

	data, ok := decoded["data"].(map[string]any)
	require.True(t, ok)
	stages, ok := data["stages"].([]any)
	require.True(t, ok)
	assert.Len(t, stages, 1)
}

func Test_ChartData_Kind(t *testing.T) {
	tests := []struct {
		data     ChartData
		expected ChartType
	}{
		{TimeSeriesData{}, ChartLine},
		{CategoryData{}, ChartBar},
		{PieData{}, ChartPie},
		{FlowData{}, ChartSankey},
		{FunnelData{}, ChartFunnel},
		{HeatmapData{}, ChartHeatmap},
		{NetworkData{}, ChartNetwork},
	}

	for _, tt := range tests {
		t.Run(string(tt.expected), func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.data.Kind())
		})
	}
}

func Test_Decimal_EncodesAsString(t *testing.T) {
	raw, err := json.Marshal(CategoryRow{Name: "PAYMENT", Amount: decimal.RequireFromString("12.50")})
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"amount":"12.5"`)
}
