package market

import (
	"context"
	"strings"
	"sync"
	"time"
)

// CachedFeed serves daily history from a BarStore and refreshes a symbol at
// most once per ttl. Latest prices always go to the underlying feed.
type CachedFeed struct {
	feed  Feed
	store BarStore
	ttl   time.Duration

	mu    sync.Mutex
	stamp map[string]time.Time
	nowFn func() time.Time
}

func NewCachedFeed(feed Feed, store BarStore, ttl time.Duration) *CachedFeed {
	if store == nil {
		store = NewMemoryBarStore()
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &CachedFeed{feed: feed, store: store, ttl: ttl, stamp: make(map[string]time.Time), nowFn: time.Now}
}

// Store exposes the cache so a Preheater can fill it.
func (c *CachedFeed) Store() BarStore { return c.store }

func (c *CachedFeed) LatestPrice(ctx context.Context, symbol string) (float64, error) {
	return c.feed.LatestPrice(ctx, symbol)
}

func (c *CachedFeed) DailyBars(ctx context.Context, symbol string, limit int) ([]Candle, error) {
	key := strings.ToUpper(strings.TrimSpace(symbol))
	now := c.nowFn()
	if bars, ok := c.store.Get(ctx, key); ok && (limit <= 0 || len(bars) >= limit) {
		c.mu.Lock()
		at, seen := c.stamp[key]
		if !seen {
			// preheated entries count as fresh from first use
			c.stamp[key] = now
			at = now
		}
		c.mu.Unlock()
		if now.Sub(at) < c.ttl {
			return tail(bars, limit), nil
		}
	}
	bars, err := c.feed.DailyBars(ctx, key, limit)
	if err != nil {
		return nil, err
	}
	c.store.Put(ctx, key, bars, limit)
	c.mu.Lock()
	c.stamp[key] = now
	c.mu.Unlock()
	return bars, nil
}

func tail(bars []Candle, limit int) []Candle {
	if limit > 0 && len(bars) > limit {
		return bars[len(bars)-limit:]
	}
	return bars
}
