// Package normalizer converts raw upstream rows into canonical financial events.
//
// The normalizer never fails a batch: rows that are structurally unusable are
// dropped and numeric fields that cannot be parsed become zero.
package normalizer

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"finstream/internal/model"
	"finstream/internal/utils"
)

// IdentityPolicy selects how canonical event ids are built.
type IdentityPolicy string

const (
	// IdentityUpstream derives the id from the upstream id, source time and
	// wrap generation, so a re-fetch of the same row yields the same id.
	IdentityUpstream IdentityPolicy = "upstream"

	// IdentityUnique appends a random suffix, so every normalization yields a
	// distinct id even for the same upstream row.
	IdentityUnique IdentityPolicy = "unique"
)

const (
	defaultCurrency      = "USD"
	reportableThreshold  = 10000
	fraudRiskScore       = 0.95
	flaggedRiskScore     = 0.7
	baselineRiskCeiling  = 0.5
	baselineRiskAmount   = 1_000_000
	minProcessingTimeMs  = 50
	processingTimeSpanMs = 1000

	// lapGap separates the last event of a pass from the first replayed row.
	lapGap = time.Second
)

var eventTypes = map[string]string{
	model.TypePayment:  "transaction",
	model.TypeTransfer: "transaction",
	model.TypeCashOut:  "payout",
	model.TypeCashIn:   "transaction",
	model.TypeDebit:    "fee",
}

var locations = map[string]string{
	model.TypePayment:  "Online",
	model.TypeTransfer: "Bank Transfer",
	model.TypeCashOut:  "ATM",
	model.TypeCashIn:   "Branch",
	model.TypeDebit:    "Digital",
}

// Normalizer turns RawRow values into FinancialEvent values.
//
// It is safe for concurrent use. Timestamps are assigned so that every event it
// produces is strictly later than the previous one. Replayed passes are shifted
// as a whole, so rows keep their source spacing across a wraparound.
type Normalizer struct {
	policy   IdentityPolicy
	validate *validator.Validate

	mu         sync.Mutex
	generation int
	last       time.Time
	offset     time.Duration // added to source times of the current pass
	rebase     bool          // the next row starts a new pass
	rng        *rand.Rand
}

// New creates a normalizer with the given identity policy.
// An empty policy selects IdentityUpstream.
func New(policy IdentityPolicy) *Normalizer {
	if policy == "" {
		policy = IdentityUpstream
	}
	return &Normalizer{
		policy:   policy,
		validate: validator.New(),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Policy reports the identity policy in use.
func (n *Normalizer) Policy() IdentityPolicy {
	return n.policy
}

// NextGeneration marks the start of a new pass over the feed. Rows seen again
// after a wraparound get ids distinct from their previous pass.
func (n *Normalizer) NextGeneration() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.generation++
	n.rebase = true
	return n.generation
}

// Generation returns the current wrap generation.
func (n *Normalizer) Generation() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.generation
}

// Reset clears the generation and timestamp clock.
func (n *Normalizer) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.generation = 0
	n.last = time.Time{}
	n.offset = 0
	n.rebase = false
}

// Normalize converts one raw row. The boolean is false when the row is missing
// its id, type or amount and was dropped.
func (n *Normalizer) Normalize(raw model.RawRow) (model.FinancialEvent, bool) {
	if err := n.validate.Struct(&raw); err != nil {
		log.Debug().Err(err).Str("upstreamId", raw.ID).Msg("dropping unusable row")
		return model.FinancialEvent{}, false
	}

	props := raw.Properties
	amount := utils.ParseDecimal(props.Amount).Abs()
	isFraud := utils.ParseFlag(props.IsFraud)
	isFlagged := utils.ParseFlag(props.IsFlaggedFraud)

	oldOrig := utils.ParseDecimal(props.OldBalanceOrg)
	newOrig := utils.ParseDecimal(props.NewBalanceOrig)

	n.mu.Lock()
	defer n.mu.Unlock()

	ts := n.timestamp(raw.Time)

	event := model.FinancialEvent{
		ID:                  n.identity(raw),
		UpstreamID:          raw.ID,
		SourceTime:          raw.Time,
		Timestamp:           ts,
		TransactionType:     raw.Type,
		EventType:           eventTypeOf(raw.Type),
		Amount:              amount,
		Currency:            defaultCurrency,
		Location:            locations[raw.Type],
		TaxCategory:         taxCategoryOf(amount),
		SourceAccount:       props.NameOrig,
		DestAccount:         props.NameDest,
		SourceBalanceBefore: oldOrig.Abs(),
		SourceBalanceAfter:  newOrig.Abs(),
		DestBalanceBefore:   utils.ParseDecimal(props.OldBalanceDest).Abs(),
		DestBalanceAfter:    utils.ParseDecimal(props.NewBalanceDest).Abs(),
		Status:              model.StatusOf(isFraud, isFlagged),
		IsFraud:             isFraud,
		IsFlaggedFraud:      isFlagged,
		Metadata: model.EventMetadata{
			RiskScore:      riskScore(amount, isFraud, isFlagged),
			BalanceChange:  oldOrig.Sub(newOrig).Abs(),
			Step:           utils.ParseInt(props.Step),
			ProcessingTime: float64(minProcessingTimeMs + n.rng.Intn(processingTimeSpanMs)),
		},
	}

	return event, true
}

// NormalizeBatch converts a batch, dropping unusable rows.
func (n *Normalizer) NormalizeBatch(rows []model.RawRow) []model.FinancialEvent {
	events := make([]model.FinancialEvent, 0, len(rows))
	for _, row := range rows {
		if event, ok := n.Normalize(row); ok {
			events = append(events, event)
		}
	}
	if dropped := len(rows) - len(events); dropped > 0 {
		log.Warn().Int("dropped", dropped).Int("rows", len(rows)).Msg("dropped unusable rows")
	}
	return events
}

// timestamp maps a source time onto the event clock. The first row of a new
// pass moves the offset past the last event; ties and late rows within a pass
// are nudged forward by a microsecond. Must be called with n.mu held.
func (n *Normalizer) timestamp(sourceMillis int64) time.Time {
	ts := time.UnixMilli(sourceMillis).UTC().Add(n.offset)
	if n.rebase {
		n.rebase = false
		if !ts.After(n.last) {
			n.offset += n.last.Sub(ts) + lapGap
			ts = time.UnixMilli(sourceMillis).UTC().Add(n.offset)
		}
	}
	if !ts.After(n.last) {
		ts = n.last.Add(time.Microsecond)
	}
	n.last = ts
	return ts
}

// identity must be called with n.mu held.
func (n *Normalizer) identity(raw model.RawRow) string {
	if n.policy == IdentityUnique {
		return fmt.Sprintf("TXN-%s-%d-%s", raw.ID, raw.Time, uuid.NewString())
	}
	return fmt.Sprintf("TXN-%s-%d-g%d", raw.ID, raw.Time, n.generation)
}

func eventTypeOf(txType string) string {
	if et, ok := eventTypes[strings.ToUpper(txType)]; ok {
		return et
	}
	return "transaction"
}

func taxCategoryOf(amount decimal.Decimal) string {
	if amount.GreaterThan(decimal.NewFromInt(reportableThreshold)) {
		return "Reportable"
	}
	return "Standard"
}

// riskScore is 0.95 for confirmed fraud, 0.7 for flagged rows and otherwise
// grows with the amount up to 0.5.
func riskScore(amount decimal.Decimal, isFraud, isFlagged bool) float64 {
	switch {
	case isFraud:
		return fraudRiskScore
	case isFlagged:
		return flaggedRiskScore
	}
	ratio := amount.Div(decimal.NewFromInt(baselineRiskAmount)).InexactFloat64()
	if ratio > 1 {
		ratio = 1
	}
	return baselineRiskCeiling * ratio
}
