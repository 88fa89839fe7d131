package recommend

import (
	"fmt"

	"finstream/internal/model"
)

// Rule inspects the characteristics and optionally proposes one chart.
// Rules are pure.
type Rule func(c Characteristics) (model.ChartSpec, bool)

const (
	heatmapMinWindow = 20
	networkMinWindow = 15

	flowMinCategories = 2
	flowMinStatuses   = 1

	priorityTimeSeries  = 1
	priorityCategorical = 2
	priorityHeatmap     = 3
	priorityFunnel      = 4
	priorityFlow        = 5
	priorityNetwork     = 6
	priorityStatus      = 7
	priorityOutcomeFlow = 8
)

// DefaultRules is the ordered rule set used by NewEngine.
var DefaultRules = []Rule{
	TimeSeriesRule,
	CategoricalRule,
	HeatmapRule,
	FunnelRule,
	FlowRule,
	NetworkRule,
	StatusRule,
}

// TimeSeriesRule fires for any non-empty window.
func TimeSeriesRule(c Characteristics) (model.ChartSpec, bool) {
	if len(c.Window) == 0 {
		return model.ChartSpec{}, false
	}
	return model.ChartSpec{
		Type:  model.ChartLine,
		Title: "Transaction Volume Over Time",
		Justification: fmt.Sprintf(
			"Line charts best show continuous changes over time. Data shows a %s trend across %d transactions with %d significant events.",
			c.Trend, len(c.Window), c.AnomalyCount),
		Priority: priorityTimeSeries,
		Data:     buildTimeSeries(c.Window),
	}, true
}

// CategoricalRule always fires.
func CategoricalRule(c Characteristics) (model.ChartSpec, bool) {
	return model.ChartSpec{
		Type:  model.ChartBar,
		Title: "Transaction Types Distribution",
		Justification: fmt.Sprintf(
			"Bar charts give a clear comparison between categories. Found %d of %d transaction types in the last %d transactions.",
			len(c.Categories), len(model.TransactionTypes), len(c.Window)),
		Priority: priorityCategorical,
		Data:     buildCategories(c),
	}, true
}

// HeatmapRule fires once the window holds more than 20 events.
func HeatmapRule(c Characteristics) (model.ChartSpec, bool) {
	if len(c.Window) <= heatmapMinWindow {
		return model.ChartSpec{}, false
	}
	return model.ChartSpec{
		Type:  model.ChartHeatmap,
		Title: "Transaction Heatmap by Location and Hour",
		Justification: fmt.Sprintf(
			"Heatmaps reveal concentrations across two dimensions. Analyzing %d transactions by location and hour of day.",
			len(c.Window)),
		Priority: priorityHeatmap,
		Data:     buildHeatmap(c.Window),
	}, true
}

// FunnelRule always fires.
func FunnelRule(c Characteristics) (model.ChartSpec, bool) {
	return model.ChartSpec{
		Type:  model.ChartFunnel,
		Title: "Transaction Status Funnel",
		Justification: fmt.Sprintf(
			"Funnel charts display drop-off between sequential stages. Tracking progression through %d observed states.",
			len(c.Statuses)),
		Priority: priorityFunnel,
		Data:     buildFunnel(c),
	}, true
}

// FlowRule links transaction types to outcomes when there is enough variety,
// and otherwise falls back to a single-source outcome flow at low priority.
func FlowRule(c Characteristics) (model.ChartSpec, bool) {
	if len(c.Categories) > flowMinCategories && len(c.Statuses) > flowMinStatuses {
		return model.ChartSpec{
			Type:  model.ChartSankey,
			Title: "Transaction Flow Analysis",
			Justification: fmt.Sprintf(
				"Sankey diagrams show flow and proportion. Visualizing flows between %d transaction types and %d statuses.",
				len(c.Categories), len(c.Statuses)),
			Priority: priorityFlow,
			Data:     buildFlows(c),
		}, true
	}
	return model.ChartSpec{
		Type:  model.ChartSankey,
		Title: "Transaction Outcomes",
		Justification: fmt.Sprintf(
			"Only %d transaction types and %d statuses present, so outcomes are shown from a single source.",
			len(c.Categories), len(c.Statuses)),
		Priority: priorityOutcomeFlow,
		Data:     buildOutcomeFlows(c),
	}, true
}

// NetworkRule fires once the window holds more than 15 events.
func NetworkRule(c Characteristics) (model.ChartSpec, bool) {
	if len(c.Window) <= networkMinWindow {
		return model.ChartSpec{}, false
	}
	data := buildNetwork(c.Window)
	return model.ChartSpec{
		Type:  model.ChartNetwork,
		Title: "Account Relationship Network",
		Justification: fmt.Sprintf(
			"Relationship graphs expose clusters of related accounts. Linking %d accounts through %d recent transactions.",
			len(data.Accounts), len(data.Transactions)),
		Priority: priorityNetwork,
		Data:     data,
	}, true
}

// StatusRule fires when more than one status is present.
func StatusRule(c Characteristics) (model.ChartSpec, bool) {
	if len(c.Statuses) <= 1 {
		return model.ChartSpec{}, false
	}
	return model.ChartSpec{
		Type:  model.ChartPie,
		Title: "Transaction Status Composition",
		Justification: fmt.Sprintf(
			"Pie charts show parts of a whole. %d statuses share %d transactions.",
			len(c.Statuses), len(c.Window)),
		Priority: priorityStatus,
		Data:     buildStatusPie(c),
	}, true
}
