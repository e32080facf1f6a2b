package market

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingFeed struct {
	*SyntheticFeed
	bars int
}

func (f *countingFeed) DailyBars(ctx context.Context, symbol string, limit int) ([]Candle, error) {
	f.bars++
	return f.SyntheticFeed.DailyBars(ctx, symbol, limit)
}

func TestCachedFeed_RefreshesAfterTTL(t *testing.T) {
	src := &countingFeed{SyntheticFeed: NewSyntheticFeed(1)}
	src.SetPrice("AAPL", 100)
	now := time.Date(2026, 10, 15, 14, 0, 0, 0, time.UTC)
	c := NewCachedFeed(src, nil, time.Minute)
	c.nowFn = func() time.Time { return now }

	first, err := c.DailyBars(context.Background(), "aapl", 30)
	require.NoError(t, err)
	second, err := c.DailyBars(context.Background(), "AAPL", 20)
	require.NoError(t, err)
	assert.Equal(t, 1, src.bars)
	assert.Len(t, second, 20)
	assert.Equal(t, first[len(first)-1], second[len(second)-1])

	now = now.Add(2 * time.Minute)
	_, err = c.DailyBars(context.Background(), "AAPL", 20)
	require.NoError(t, err)
	assert.Equal(t, 2, src.bars)
}

func TestCachedFeed_LongerLimitRefetches(t *testing.T) {
	src := &countingFeed{SyntheticFeed: NewSyntheticFeed(1)}
	src.SetPrice("MSFT", 200)
	c := NewCachedFeed(src, nil, time.Hour)

	_, err := c.DailyBars(context.Background(), "MSFT", 10)
	require.NoError(t, err)
	_, err = c.DailyBars(context.Background(), "MSFT", 40)
	require.NoError(t, err)
	assert.Equal(t, 2, src.bars)
}

func TestCachedFeed_UsesPreheatedBars(t *testing.T) {
	src := &countingFeed{SyntheticFeed: NewSyntheticFeed(1)}
	src.SetPrice("NVDA", 120)
	c := NewCachedFeed(src, NewMemoryBarStore(), time.Hour)

	n := NewPreheater(src, c.Store(), 30).Preheat(context.Background(), []string{"NVDA", "MISSING"})
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, src.bars)

	bars, err := c.DailyBars(context.Background(), "NVDA", 30)
	require.NoError(t, err)
	assert.Len(t, bars, 30)
	assert.Equal(t, 2, src.bars)

	price, err := c.LatestPrice(context.Background(), "NVDA")
	require.NoError(t, err)
	assert.Equal(t, 120.0, price)
}
