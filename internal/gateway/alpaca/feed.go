package alpaca

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"scalpctl/internal/market"
)

type dataAPI interface {
	GetLatestTrade(symbol string, req marketdata.GetLatestTradeRequest) (*marketdata.Trade, error)
	GetBars(symbol string, req marketdata.GetBarsRequest) ([]marketdata.Bar, error)
}

// Feed implements market.Feed with Alpaca market data.
type Feed struct {
	api    dataAPI
	window time.Duration
	nowFn  func() time.Time
}

func NewFeed(cfg Config) *Feed {
	final := cfg.withDefaults()
	client := marketdata.NewClient(marketdata.ClientOpts{
		APIKey:     final.APIKey,
		APISecret:  final.APISecret,
		BaseURL:    final.DataURL,
		HTTPClient: &http.Client{Timeout: final.HTTPTimeout},
	})
	return &Feed{api: client, window: final.BarsWindow, nowFn: time.Now}
}

func (f *Feed) LatestPrice(ctx context.Context, symbol string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	trade, err := f.api.GetLatestTrade(symbol, marketdata.GetLatestTradeRequest{})
	if err != nil {
		return 0, fmt.Errorf("alpaca latest trade %s: %w", symbol, err)
	}
	if trade == nil || trade.Price <= 0 {
		return 0, fmt.Errorf("alpaca latest trade %s: no price", symbol)
	}
	return trade.Price, nil
}

func (f *Feed) DailyBars(ctx context.Context, symbol string, limit int) ([]market.Candle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 60
	}
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, fmt.Errorf("symbol is required")
	}
	now := f.nowFn()
	bars, err := f.api.GetBars(symbol, marketdata.GetBarsRequest{
		TimeFrame: marketdata.OneDay,
		Start:     now.Add(-f.window),
		End:       now,
	})
	if err != nil {
		return nil, fmt.Errorf("alpaca bars %s: %w", symbol, err)
	}
	if len(bars) > limit {
		bars = bars[len(bars)-limit:]
	}
	out := make([]market.Candle, 0, len(bars))
	for _, b := range bars {
		out = append(out, market.Candle{
			Time:   b.Timestamp,
			Open:   b.Open,
			High:   b.High,
			Low:    b.Low,
			Close:  b.Close,
			Volume: float64(b.Volume),
		})
	}
	return out, nil
}
