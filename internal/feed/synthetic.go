package feed

import (
	"context"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"finstream/internal/model"
)

// SyntheticConfig shapes generated rows.
type SyntheticConfig struct {
	Seed      int64
	Start     time.Time
	Step      time.Duration
	FraudRate float64 // share of TRANSFER and CASH_OUT rows marked fraudulent
}

// DefaultSyntheticConfig starts at the current minute with one row per second.
func DefaultSyntheticConfig() SyntheticConfig {
	return SyntheticConfig{
		Seed:      time.Now().UnixNano(),
		Start:     time.Now().UTC().Truncate(time.Minute),
		Step:      time.Second,
		FraudRate: 0.02,
	}
}

type amountRange struct{ min, max float64 }

var (
	typeWeights = []struct {
		txType string
		weight float64
	}{
		{model.TypeCashOut, 0.35},
		{model.TypePayment, 0.34},
		{model.TypeCashIn, 0.22},
		{model.TypeTransfer, 0.08},
		{model.TypeDebit, 0.01},
	}

	amountRanges = map[string]amountRange{
		model.TypePayment:  {10, 50_000},
		model.TypeTransfer: {1_000, 1_500_000},
		model.TypeCashOut:  {100, 400_000},
		model.TypeCashIn:   {100, 300_000},
		model.TypeDebit:    {5, 20_000},
	}
)

// Synthetic generates rows shaped like the PaySim mobile money dataset.
// Ids and times increase strictly with every row.
type Synthetic struct {
	cfg SyntheticConfig

	mu  sync.Mutex
	rng *rand.Rand
	seq int64
}

func NewSynthetic(cfg SyntheticConfig) *Synthetic {
	if cfg.Step <= 0 {
		cfg.Step = time.Second
	}
	return &Synthetic{cfg: cfg, rng: rand.New(rand.NewSource(cfg.Seed))}
}

// Rows generates the next n rows.
func (s *Synthetic) Rows(n int) []model.RawRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := make([]model.RawRow, 0, n)
	for i := 0; i < n; i++ {
		rows = append(rows, s.nextLocked())
	}
	return rows
}

func (s *Synthetic) nextLocked() model.RawRow {
	s.seq++
	at := s.cfg.Start.Add(time.Duration(s.seq) * s.cfg.Step)
	txType := s.pickType()

	r := amountRanges[txType]
	amount := r.min + s.rng.Float64()*(r.max-r.min)
	amount = float64(int64(amount*100)) / 100

	oldOrig := float64(s.rng.Intn(500_000))
	newOrig := oldOrig - amount
	if newOrig < 0 {
		newOrig = 0
	}
	oldDest := float64(s.rng.Intn(1_000_000))

	fraud := (txType == model.TypeTransfer || txType == model.TypeCashOut) && s.rng.Float64() < s.cfg.FraudRate
	if fraud {
		// fraudulent rows drain the origin account
		amount = oldOrig
		newOrig = 0
	}
	flagged := fraud && txType == model.TypeTransfer && amount > 200_000

	dest := "C"
	if txType == model.TypePayment || txType == model.TypeDebit {
		dest = "M"
	}

	return model.RawRow{
		ID:   strconv.FormatInt(s.seq, 10),
		Type: txType,
		Time: at.UnixMilli(),
		Properties: model.RawProperties{
			Amount:         formatAmount(amount),
			IsFraud:        boolFlag(fraud),
			IsFlaggedFraud: boolFlag(flagged),
			NameOrig:       "C" + strconv.Itoa(100_000_000+s.rng.Intn(900_000_000)),
			NameDest:       dest + strconv.Itoa(100_000_000+s.rng.Intn(900_000_000)),
			OldBalanceOrg:  formatAmount(oldOrig),
			NewBalanceOrig: formatAmount(newOrig),
			OldBalanceDest: formatAmount(oldDest),
			NewBalanceDest: formatAmount(oldDest + amount),
			Step:           strconv.FormatInt(int64(at.Sub(s.cfg.Start)/time.Hour)+1, 10),
		},
	}
}

func (s *Synthetic) pickType() string {
	x := s.rng.Float64()
	for _, tw := range typeWeights {
		if x < tw.weight {
			return tw.txType
		}
		x -= tw.weight
	}
	return model.TypePayment
}

// Run inserts batch rows into sink every interval until ctx is done.
func (s *Synthetic) Run(ctx context.Context, sink *Memory, every time.Duration, batch int) {
	logger := log.With().Str("component", "synthetic").Logger()
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	logger.Info().Dur("every", every).Int("batch", batch).Msg("generating synthetic rows")
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("synthetic generator stopped")
			return
		case <-ticker.C:
			sink.Insert(s.Rows(batch)...)
		}
	}
}

func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
