package market

import (
	"context"
	"time"

	"scalpctl/internal/logger"
)

// Preheater loads daily history for the whole universe before the session
// opens, so the first signal cycle does not stall on cold caches.
type Preheater struct {
	Feed  Feed
	Store BarStore
	Max   int
}

func NewPreheater(feed Feed, store BarStore, max int) *Preheater {
	return &Preheater{Feed: feed, Store: store, Max: max}
}

// Preheat fetches history for every symbol; failures are logged and skipped.
func (p *Preheater) Preheat(ctx context.Context, symbols []string) int {
	if p == nil || p.Feed == nil || p.Store == nil {
		return 0
	}
	limit := p.Max
	if limit <= 0 {
		limit = 60
	}
	loaded := 0
	start := time.Now()
	for _, sym := range symbols {
		if ctx.Err() != nil {
			break
		}
		bars, err := p.Feed.DailyBars(ctx, sym, limit)
		if err != nil {
			logger.Warnf("preheat %s failed: %v", sym, err)
			continue
		}
		p.Store.Put(ctx, sym, bars, limit)
		loaded++
	}
	logger.Infof("preheat: %d/%d symbols loaded in %s", loaded, len(symbols), time.Since(start).Round(time.Millisecond))
	return loaded
}
