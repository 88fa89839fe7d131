package stream

import (
	"sync"
	"time"
)

// manualTicker fires only when told to.
type manualTicker struct {
	Interval time.Duration

	ch      chan time.Time
	mu      sync.Mutex
	stopped bool
}

func (m *manualTicker) C() <-chan time.Time { return m.ch }

func (m *manualTicker) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
}

// Stopped reports whether Stop was called.
func (m *manualTicker) Stopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

// Fire delivers one tick unless the ticker is stopped or a tick is already
// pending. It never blocks.
func (m *manualTicker) Fire(at time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return false
	}
	select {
	case m.ch <- at:
		return true
	default:
		return false
	}
}

// manualTickers is a TickerFactory that records every ticker it creates.
type manualTickers struct {
	mu      sync.Mutex
	tickers []*manualTicker
}

// New implements TickerFactory.
func (f *manualTickers) New(d time.Duration) Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &manualTicker{Interval: d, ch: make(chan time.Time, 1)}
	f.tickers = append(f.tickers, t)
	return t
}

// Last returns the most recently created ticker, or nil.
func (f *manualTickers) Last() *manualTicker {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.tickers) == 0 {
		return nil
	}
	return f.tickers[len(f.tickers)-1]
}

// Count reports how many tickers were created.
func (f *manualTickers) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tickers)
}
