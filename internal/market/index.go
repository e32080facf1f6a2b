package market

import (
	"context"
	"fmt"
	"time"

	"github.com/markcheno/go-talib"
)

// IndexSnapshot is the market-wide reading that drives regime selection and
// the index-crash circuit.
type IndexSnapshot struct {
	Symbol    string    `json:"symbol"`
	Level     float64   `json:"level"`
	MA        float64   `json:"ma"`
	PrevClose float64   `json:"prev_close"`
	ChangePct float64   `json:"change_pct"`
	At        time.Time `json:"at"`
}

// DeviationPct is the level's distance from its moving average in percent.
func (s IndexSnapshot) DeviationPct() float64 {
	if s.MA <= 0 {
		return 0
	}
	return (s.Level - s.MA) / s.MA * 100
}

type IndexTracker struct {
	feed     Feed
	symbol   string
	period   int
	lookback int
	nowFn    func() time.Time
}

func NewIndexTracker(feed Feed, symbol string, period, lookback int) *IndexTracker {
	if lookback <= period {
		lookback = period + 5
	}
	return &IndexTracker{feed: feed, symbol: symbol, period: period, lookback: lookback, nowFn: time.Now}
}

func (t *IndexTracker) Symbol() string { return t.symbol }

func (t *IndexTracker) Snapshot(ctx context.Context) (IndexSnapshot, error) {
	bars, err := t.feed.DailyBars(ctx, t.symbol, t.lookback)
	if err != nil {
		return IndexSnapshot{}, fmt.Errorf("index bars %s: %w", t.symbol, err)
	}
	if len(bars) < t.period+1 {
		return IndexSnapshot{}, fmt.Errorf("index bars %s: need %d, got %d: %w", t.symbol, t.period+1, len(bars), ErrNoData)
	}
	price, err := t.feed.LatestPrice(ctx, t.symbol)
	if err != nil {
		return IndexSnapshot{}, fmt.Errorf("index price %s: %w", t.symbol, err)
	}
	bars = WithLatest(bars, price)
	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}
	ma := talib.Sma(closes, t.period)
	prev := bars[len(bars)-2].Close
	snap := IndexSnapshot{
		Symbol:    t.symbol,
		Level:     price,
		MA:        ma[len(ma)-1],
		PrevClose: prev,
		At:        t.nowFn(),
	}
	if prev > 0 {
		snap.ChangePct = (price - prev) / prev * 100
	}
	return snap, nil
}
