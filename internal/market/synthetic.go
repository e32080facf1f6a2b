package market

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"
)

// SyntheticFeed serves prices set by the caller, optionally perturbed by a
// seeded random walk. It backs paper sessions without a data subscription and
// the engine tests.
type SyntheticFeed struct {
	mu     sync.Mutex
	rng    *rand.Rand
	vol    float64
	prices map[string]float64
	bars   map[string][]Candle
	nowFn  func() time.Time
}

func NewSyntheticFeed(seed int64) *SyntheticFeed {
	return &SyntheticFeed{
		rng:    rand.New(rand.NewSource(seed)),
		prices: make(map[string]float64),
		bars:   make(map[string][]Candle),
		nowFn:  time.Now,
	}
}

// Walk enables a per-read random step of up to vol percent.
func (f *SyntheticFeed) Walk(volPct float64) {
	f.mu.Lock()
	f.vol = volPct
	f.mu.Unlock()
}

func (f *SyntheticFeed) SetPrice(symbol string, price float64) {
	f.mu.Lock()
	f.prices[strings.ToUpper(symbol)] = price
	f.mu.Unlock()
}

func (f *SyntheticFeed) SetBars(symbol string, bars []Candle) {
	cp := make([]Candle, len(bars))
	copy(cp, bars)
	f.mu.Lock()
	f.bars[strings.ToUpper(symbol)] = cp
	if len(cp) > 0 {
		if _, ok := f.prices[strings.ToUpper(symbol)]; !ok {
			f.prices[strings.ToUpper(symbol)] = cp[len(cp)-1].Close
		}
	}
	f.mu.Unlock()
}

func (f *SyntheticFeed) LatestPrice(_ context.Context, symbol string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sym := strings.ToUpper(symbol)
	price, ok := f.prices[sym]
	if !ok || price <= 0 {
		return 0, ErrNoData
	}
	if f.vol > 0 {
		price *= 1 + (f.rng.Float64()*2-1)*f.vol/100
		f.prices[sym] = price
	}
	return price, nil
}

func (f *SyntheticFeed) DailyBars(_ context.Context, symbol string, limit int) ([]Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sym := strings.ToUpper(symbol)
	bars, ok := f.bars[sym]
	if !ok {
		price, has := f.prices[sym]
		if !has {
			return nil, ErrNoData
		}
		bars = f.generate(price, limit)
		f.bars[sym] = bars
	}
	if limit > 0 && len(bars) > limit {
		bars = bars[len(bars)-limit:]
	}
	out := make([]Candle, len(bars))
	copy(out, bars)
	return out, nil
}

func (f *SyntheticFeed) generate(last float64, n int) []Candle {
	if n <= 0 {
		n = 60
	}
	out := make([]Candle, n)
	day := f.nowFn().Truncate(24 * time.Hour)
	price := last
	for i := n - 1; i >= 0; i-- {
		open := price * (1 + (f.rng.Float64()*2-1)*0.01)
		hi := max(open, price) * (1 + f.rng.Float64()*0.005)
		lo := min(open, price) * (1 - f.rng.Float64()*0.005)
		out[i] = Candle{
			Time:   day.AddDate(0, 0, i-n+1),
			Open:   open,
			High:   hi,
			Low:    lo,
			Close:  price,
			Volume: 1e6 * (0.5 + f.rng.Float64()),
		}
		price = open
	}
	return out
}
