package model

import (
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// ChartType identifies a chart kind. The set is closed.
type ChartType string

const (
	ChartLine    ChartType = "line"
	ChartBar     ChartType = "bar"
	ChartPie     ChartType = "pie"
	ChartSankey  ChartType = "sankey"
	ChartFunnel  ChartType = "funnel"
	ChartHeatmap ChartType = "heatmap"
	ChartNetwork ChartType = "network"
)

// ChartData is the payload of a chart specification.
//
// Each chart kind has exactly one payload type; Kind reports which.
type ChartData interface {
	Kind() ChartType
}

// ChartSpec describes one chart to render. Lower Priority renders first.
type ChartSpec struct {
	Type          ChartType
	Title         string
	Justification string
	Priority      int
	Data          ChartData
}

// MarshalJSON encodes the spec with its payload nested under "data".
func (c ChartSpec) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type          ChartType `json:"type"`
		Title         string    `json:"title"`
		Justification string    `json:"justification"`
		Priority      int       `json:"priority"`
		Data          ChartData `json:"data"`
	}{c.Type, c.Title, c.Justification, c.Priority, c.Data})
}

// TimeSeriesPoint is a trailing rollup ending at one event.
type TimeSeriesPoint struct {
	Time       string          `json:"time"`
	Timestamp  int64           `json:"timestamp"`
	Volume     int             `json:"volume"`
	Amount     decimal.Decimal `json:"amount"`
	FraudCount int             `json:"fraudCount"`
}

type TimeSeriesData struct {
	Points []TimeSeriesPoint `json:"points"`
}

func (TimeSeriesData) Kind() ChartType { return ChartLine }

// CategoryRow aggregates one transaction type.
type CategoryRow struct {
	Name       string          `json:"name"`
	Count      int             `json:"count"`
	Amount     decimal.Decimal `json:"amount"`
	AvgAmount  decimal.Decimal `json:"avgAmount"`
	FraudCount int             `json:"fraudCount"`
	FraudRate  float64         `json:"fraudRate"`
}

type CategoryData struct {
	Rows []CategoryRow `json:"rows"`
}

func (CategoryData) Kind() ChartType { return ChartBar }

type PieSlice struct {
	Name       string  `json:"name"`
	Value      int     `json:"value"`
	Percentage float64 `json:"percentage"`
}

type PieData struct {
	Slices []PieSlice `json:"slices"`
}

func (PieData) Kind() ChartType { return ChartPie }

// FlowLink is a weighted source to target edge of a sankey diagram.
type FlowLink struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Value  int    `json:"value"`
}

type FlowData struct {
	Links []FlowLink `json:"links"`
}

func (FlowData) Kind() ChartType { return ChartSankey }

type FunnelStage struct {
	Name       string  `json:"name"`
	Value      int     `json:"value"`
	Percentage float64 `json:"percentage"`
}

type FunnelData struct {
	Stages []FunnelStage `json:"stages"`
}

func (FunnelData) Kind() ChartType { return ChartFunnel }

// HeatmapCell is the summed amount for one location and hour of day.
type HeatmapCell struct {
	Location string          `json:"location"`
	Hour     int             `json:"hour"`
	Value    decimal.Decimal `json:"value"`
}

type HeatmapData struct {
	Cells []HeatmapCell `json:"cells"`
}

func (HeatmapData) Kind() ChartType { return ChartHeatmap }

// AccountNode aggregates every transaction touching one account.
type AccountNode struct {
	ID          string          `json:"id"`
	Account     string          `json:"account"`
	Count       int             `json:"count"`
	TotalAmount decimal.Decimal `json:"totalAmount"`
	FraudCount  int             `json:"fraudCount"`
	FraudRate   float64         `json:"fraudRate"`
}

// TransactionNode is a lightweight node for a single event.
type TransactionNode struct {
	ID              string          `json:"id"`
	EventID         string          `json:"eventId"`
	TransactionType string          `json:"transactionType"`
	Amount          decimal.Decimal `json:"amount"`
	RiskScore       float64         `json:"riskScore"`
	IsFraud         bool            `json:"isFraud"`
	IsFlagged       bool            `json:"isFlagged"`
}

type NetworkEdge struct {
	Source  string          `json:"source"`
	Target  string          `json:"target"`
	Amount  decimal.Decimal `json:"amount"`
	IsFraud bool            `json:"isFraud"`
}

type NetworkData struct {
	Accounts     []AccountNode     `json:"accounts"`
	Transactions []TransactionNode `json:"transactions"`
	Edges        []NetworkEdge     `json:"edges"`
}

func (NetworkData) Kind() ChartType { return ChartNetwork }
