package recommend

import (
	"sort"

	"github.com/shopspring/decimal"

	"finstream/internal/model"
)

const (
	// trailingSpan bounds both the events considered for the time series and
	// the rollup behind each point.
	trailingSpan = 50

	// maxTimeSeriesPoints bounds the emitted time series.
	maxTimeSeriesPoints = 20

	// networkSpan bounds the events turned into network nodes.
	networkSpan = 50

	unknownLocation = "Unknown"
	hoursPerDay     = 24
)

var statusOrder = []model.Status{model.StatusSuccess, model.StatusPending, model.StatusFailed}

func lastN(events []model.FinancialEvent, n int) []model.FinancialEvent {
	if len(events) > n {
		return events[len(events)-n:]
	}
	return events
}

// buildTimeSeries emits one trailing rollup per recent event and keeps the
// latest points.
func buildTimeSeries(window []model.FinancialEvent) model.TimeSeriesData {
	recent := lastN(window, trailingSpan)
	points := make([]model.TimeSeriesPoint, 0, len(recent))

	for i, e := range recent {
		from := i - trailingSpan + 1
		if from < 0 {
			from = 0
		}
		amount := decimal.Zero
		fraud := 0
		for _, prev := range recent[from : i+1] {
			amount = amount.Add(prev.Amount)
			if prev.IsFraud {
				fraud++
			}
		}
		points = append(points, model.TimeSeriesPoint{
			Time:       e.Timestamp.UTC().Format("15:04:05"),
			Timestamp:  e.Timestamp.UnixMilli(),
			Volume:     i - from + 1,
			Amount:     amount,
			FraudCount: fraud,
		})
	}

	if len(points) > maxTimeSeriesPoints {
		points = points[len(points)-maxTimeSeriesPoints:]
	}
	return model.TimeSeriesData{Points: points}
}

// buildCategories emits one row per known transaction type, zero rows
// included. Unknown types are left out so the shape never changes.
func buildCategories(c Characteristics) model.CategoryData {
	rows := make([]model.CategoryRow, 0, len(model.TransactionTypes))
	for _, name := range model.TransactionTypes {
		stats := c.Categories[name]
		avg := decimal.Zero
		if stats.Count > 0 {
			avg = stats.Amount.Div(decimal.NewFromInt(int64(stats.Count)))
		}
		rows = append(rows, model.CategoryRow{
			Name:       name,
			Count:      stats.Count,
			Amount:     stats.Amount,
			AvgAmount:  avg,
			FraudCount: stats.FraudCount,
			FraudRate:  stats.FraudRate(),
		})
	}
	return model.CategoryData{Rows: rows}
}

// buildHeatmap sums amounts per location and UTC hour of day. Every location
// gets all 24 hours.
func buildHeatmap(window []model.FinancialEvent) model.HeatmapData {
	sums := make(map[string]*[hoursPerDay]decimal.Decimal)
	for _, e := range window {
		loc := e.Location
		if loc == "" {
			loc = unknownLocation
		}
		row, ok := sums[loc]
		if !ok {
			row = new([hoursPerDay]decimal.Decimal)
			sums[loc] = row
		}
		h := e.Timestamp.UTC().Hour()
		row[h] = row[h].Add(e.Amount)
	}

	locations := make([]string, 0, len(sums))
	for loc := range sums {
		locations = append(locations, loc)
	}
	sort.Strings(locations)

	cells := make([]model.HeatmapCell, 0, len(locations)*hoursPerDay)
	for _, loc := range locations {
		for h, v := range sums[loc] {
			cells = append(cells, model.HeatmapCell{Location: loc, Hour: h, Value: v})
		}
	}
	return model.HeatmapData{Cells: cells}
}

// buildFunnel emits Total, Processing and Completed. An empty window yields an
// all-zero funnel.
func buildFunnel(c Characteristics) model.FunnelData {
	total := len(c.Window)
	processing := total - c.Statuses[model.StatusPending]
	completed := c.Statuses[model.StatusSuccess]

	pct := func(v int) float64 {
		if total == 0 {
			return 0
		}
		return float64(v) / float64(total) * 100
	}

	return model.FunnelData{Stages: []model.FunnelStage{
		{Name: "Total", Value: total, Percentage: pct(total)},
		{Name: "Processing", Value: processing, Percentage: pct(processing)},
		{Name: "Completed", Value: completed, Percentage: pct(completed)},
	}}
}

// buildFlows links each transaction type to the statuses it ended in.
func buildFlows(c Characteristics) model.FlowData {
	counts := make(map[string]map[model.Status]int)
	for _, e := range c.Window {
		byStatus, ok := counts[e.TransactionType]
		if !ok {
			byStatus = make(map[model.Status]int)
			counts[e.TransactionType] = byStatus
		}
		byStatus[e.Status]++
	}

	links := make([]model.FlowLink, 0)
	for _, source := range categoryOrder(c) {
		for _, status := range statusOrder {
			if n := counts[source][status]; n > 0 {
				links = append(links, model.FlowLink{Source: source, Target: string(status), Value: n})
			}
		}
	}
	return model.FlowData{Links: links}
}

// buildOutcomeFlows is the single-source variant of buildFlows.
func buildOutcomeFlows(c Characteristics) model.FlowData {
	links := make([]model.FlowLink, 0, len(statusOrder))
	for _, status := range statusOrder {
		if n := c.Statuses[status]; n > 0 {
			links = append(links, model.FlowLink{Source: "All transactions", Target: string(status), Value: n})
		}
	}
	return model.FlowData{Links: links}
}

// categoryOrder lists the known types first, then unknown ones sorted.
func categoryOrder(c Characteristics) []string {
	known := make(map[string]struct{}, len(model.TransactionTypes))
	order := make([]string, 0, len(c.Categories))
	for _, t := range model.TransactionTypes {
		known[t] = struct{}{}
		if _, ok := c.Categories[t]; ok {
			order = append(order, t)
		}
	}
	var extra []string
	for t := range c.Categories {
		if _, ok := known[t]; !ok {
			extra = append(extra, t)
		}
	}
	sort.Strings(extra)
	return append(order, extra...)
}

func buildStatusPie(c Characteristics) model.PieData {
	total := len(c.Window)
	slices := make([]model.PieSlice, 0, len(statusOrder))
	for _, status := range statusOrder {
		n := c.Statuses[status]
		if n == 0 {
			continue
		}
		slices = append(slices, model.PieSlice{
			Name:       string(status),
			Value:      n,
			Percentage: float64(n) / float64(total) * 100,
		})
	}
	return model.PieData{Slices: slices}
}

// buildNetwork turns the most recent events into account nodes, transaction
// nodes and the edges between them.
func buildNetwork(window []model.FinancialEvent) model.NetworkData {
	recent := lastN(window, networkSpan)

	accounts := make(map[string]*model.AccountNode)
	var order []string
	touch := func(account string, e model.FinancialEvent) string {
		id := "acct:" + account
		node, ok := accounts[account]
		if !ok {
			node = &model.AccountNode{ID: id, Account: account}
			accounts[account] = node
			order = append(order, account)
		}
		node.Count++
		node.TotalAmount = node.TotalAmount.Add(e.Amount)
		if e.IsFraud {
			node.FraudCount++
		}
		return id
	}

	data := model.NetworkData{
		Transactions: make([]model.TransactionNode, 0, len(recent)),
		Edges:        make([]model.NetworkEdge, 0, 2*len(recent)),
	}
	for _, e := range recent {
		txID := "txn:" + e.ID
		data.Transactions = append(data.Transactions, model.TransactionNode{
			ID:              txID,
			EventID:         e.ID,
			TransactionType: e.TransactionType,
			Amount:          e.Amount,
			RiskScore:       e.Metadata.RiskScore,
			IsFraud:         e.IsFraud,
			IsFlagged:       e.IsFlaggedFraud,
		})
		if e.SourceAccount != "" {
			src := touch(e.SourceAccount, e)
			data.Edges = append(data.Edges, model.NetworkEdge{Source: src, Target: txID, Amount: e.Amount, IsFraud: e.IsFraud})
		}
		if e.DestAccount != "" && e.DestAccount != e.SourceAccount {
			dst := touch(e.DestAccount, e)
			data.Edges = append(data.Edges, model.NetworkEdge{Source: txID, Target: dst, Amount: e.Amount, IsFraud: e.IsFraud})
		}
	}

	data.Accounts = make([]model.AccountNode, 0, len(order))
	for _, account := range order {
		node := accounts[account]
		node.FraudRate = float64(node.FraudCount) / float64(node.Count) * 100
		data.Accounts = append(data.Accounts, *node)
	}
	return data
}
