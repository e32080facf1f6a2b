package market

import (
	"context"
	"strings"
	"sync"
)

// BarStore caches daily history so the signal loop does not refetch closed
// sessions every cycle.
type BarStore interface {
	Get(ctx context.Context, symbol string) ([]Candle, bool)
	Put(ctx context.Context, symbol string, bars []Candle, max int)
}

type MemoryBarStore struct {
	mu   sync.RWMutex
	bars map[string][]Candle
}

func NewMemoryBarStore() *MemoryBarStore {
	return &MemoryBarStore{bars: make(map[string][]Candle)}
}

func (s *MemoryBarStore) Get(_ context.Context, symbol string) ([]Candle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bars, ok := s.bars[strings.ToUpper(symbol)]
	if !ok {
		return nil, false
	}
	out := make([]Candle, len(bars))
	copy(out, bars)
	return out, true
}

func (s *MemoryBarStore) Put(_ context.Context, symbol string, bars []Candle, max int) {
	if max > 0 && len(bars) > max {
		bars = bars[len(bars)-max:]
	}
	cp := make([]Candle, len(bars))
	copy(cp, bars)
	s.mu.Lock()
	s.bars[strings.ToUpper(symbol)] = cp
	s.mu.Unlock()
}

// WithLatest returns bars with the last candle's close, high and low moved to
// price. It is how an intraday snapshot is scored on top of cached history.
func WithLatest(bars []Candle, price float64) []Candle {
	if len(bars) == 0 || price <= 0 {
		return bars
	}
	out := make([]Candle, len(bars))
	copy(out, bars)
	last := &out[len(out)-1]
	last.Close = price
	if price > last.High {
		last.High = price
	}
	if price < last.Low {
		last.Low = price
	}
	return out
}
