package model

import "time"

// Update topics published to rendering collaborators.
const (
	TopicCharts    = "charts"
	TopicTable     = "table"
	TopicAnomalies = "anomalies"
	TopicStatus    = "status"
)

// TableRow is a table window entry flagged when it arrived in the latest tick.
type TableRow struct {
	Event FinancialEvent `json:"event"`
	IsNew bool           `json:"isNew"`
}

// StreamStatus is the connection summary shown by status indicators.
type StreamStatus struct {
	State       string      `json:"state"`
	IsConnected bool        `json:"isConnected"`
	Interval    int64       `json:"intervalMs"`
	Dataset     DatasetInfo `json:"dataset"`
}

// Snapshot is the complete read-only view of the engine at one instant.
type Snapshot struct {
	Table     []TableRow   `json:"table"`
	Charts    []ChartSpec  `json:"charts"`
	Anomalies []Anomaly    `json:"anomalies"`
	Status    StreamStatus `json:"status"`
	TakenAt   time.Time    `json:"takenAt"`
}

// Update is a single topic message fanned out to subscribers.
type Update struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}
