// Package model defines core data types for the transaction streaming engine.
//
// This package contains the canonical event, anomaly, cursor and dataset types
// shared by every stage of the pipeline. Monetary values use decimal.Decimal to
// avoid floating-point drift when amounts are summed across windows.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction types emitted by the upstream feed.
const (
	TypePayment  = "PAYMENT"
	TypeTransfer = "TRANSFER"
	TypeCashOut  = "CASH_OUT"
	TypeCashIn   = "CASH_IN"
	TypeDebit    = "DEBIT"
)

// TransactionTypes is the fixed enumeration used wherever a stable category
// order is required.
var TransactionTypes = []string{TypePayment, TypeTransfer, TypeCashOut, TypeCashIn, TypeDebit}

// Status is the settlement state derived from the fraud flags.
type Status string

const (
	StatusSuccess Status = "success"
	StatusPending Status = "pending"
	StatusFailed  Status = "failed"
)

// StatusOf derives the status of an event from its fraud flags.
func StatusOf(isFraud, isFlaggedFraud bool) Status {
	switch {
	case isFraud:
		return StatusFailed
	case isFlaggedFraud:
		return StatusPending
	default:
		return StatusSuccess
	}
}

// Severity ranks an anomaly.
type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
	SeverityLow    Severity = "low"
)

// EventMetadata carries derived per-event signals.
type EventMetadata struct {
	RiskScore      float64         `json:"riskScore"`
	BalanceChange  decimal.Decimal `json:"balanceChange"`
	Step           int             `json:"step"`
	ProcessingTime float64         `json:"processingTime"`
}

// FinancialEvent is the canonical, immutable representation of one transaction.
//
// ID is the identity used for window deduplication. UpstreamID and SourceTime
// keep the feed coordinates the event was built from.
type FinancialEvent struct {
	ID                  string          `json:"id"`
	UpstreamID          string          `json:"upstreamId"`
	SourceTime          int64           `json:"sourceTime"`
	Timestamp           time.Time       `json:"timestamp"`
	TransactionType     string          `json:"transactionType"`
	EventType           string          `json:"eventType"`
	Amount              decimal.Decimal `json:"amount"`
	Currency            string          `json:"currency"`
	Location            string          `json:"location"`
	TaxCategory         string          `json:"taxCategory"`
	SourceAccount       string          `json:"sourceAccount"`
	DestAccount         string          `json:"destAccount"`
	SourceBalanceBefore decimal.Decimal `json:"sourceBalanceBefore"`
	SourceBalanceAfter  decimal.Decimal `json:"sourceBalanceAfter"`
	DestBalanceBefore   decimal.Decimal `json:"destBalanceBefore"`
	DestBalanceAfter    decimal.Decimal `json:"destBalanceAfter"`
	Status              Status          `json:"status"`
	IsFraud             bool            `json:"isFraud"`
	IsFlaggedFraud      bool            `json:"isFlaggedFraud"`
	Metadata            EventMetadata   `json:"metadata"`
}

// Anomaly is a generated notice about a single event. Never mutated.
type Anomaly struct {
	Type       string    `json:"type"`
	Severity   Severity  `json:"severity"`
	Message    string    `json:"message"`
	EventID    string    `json:"eventId"`
	DetectedAt time.Time `json:"detectedAt"`
}

// RawProperties holds the string-typed payload of an upstream row.
type RawProperties struct {
	Amount         string `json:"amount" validate:"required"`
	IsFraud        string `json:"isFraud"`
	IsFlaggedFraud string `json:"isFlaggedFraud"`
	NameOrig       string `json:"nameOrig"`
	NameDest       string `json:"nameDest"`
	OldBalanceOrg  string `json:"oldbalanceOrg"`
	NewBalanceOrig string `json:"newbalanceOrig"`
	OldBalanceDest string `json:"oldbalanceDest"`
	NewBalanceDest string `json:"newbalanceDest"`
	Step           string `json:"step"`
}

// RawRow is one row as delivered by the upstream feed.
type RawRow struct {
	ID         string        `json:"id" validate:"required"`
	Type       string        `json:"type" validate:"required"`
	Time       int64         `json:"time"`
	Properties RawProperties `json:"properties"`
}

// Cursor is the pagination position in the upstream feed.
//
// A nil Position means the cursor has not been initialized yet.
type Cursor struct {
	Position   *int64 `json:"position"`
	HasMore    bool   `json:"hasMore"`
	TotalCount int64  `json:"totalCount"`
	Laps       int    `json:"laps"`
}

// DatasetInfo is a read-only summary for status displays.
type DatasetInfo struct {
	TotalRecords           int64   `json:"totalRecords"`
	CurrentPosition        int64   `json:"currentPosition"`
	PercentageProcessed    float64 `json:"percentageProcessed"`
	FraudCount             int64   `json:"fraudCount"`
	FlaggedCount           int64   `json:"flaggedCount"`
	ChartWindowCapacity    int     `json:"chartWindowCapacity"`
	CurrentChartWindowSize int     `json:"currentChartWindowSize"`
	TableWindowSize        int     `json:"tableWindowSize"`
}
