package market

import (
	"context"
	"errors"
)

// ErrNoData is returned when a feed has nothing for the requested symbol.
var ErrNoData = errors.New("market: no data")

// Feed is the market data collaborator used by the engine.
type Feed interface {
	// LatestPrice returns the last traded price, used by the fast risk loop.
	LatestPrice(ctx context.Context, symbol string) (float64, error)
	// DailyBars returns up to limit daily bars, oldest first, today last.
	DailyBars(ctx context.Context, symbol string, limit int) ([]Candle, error)
}
