package broker

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticPrices map[string]float64

func (s staticPrices) LatestPrice(_ context.Context, symbol string) (float64, error) {
	return s[symbol], nil
}

func TestPaper_ImmediateFill(t *testing.T) {
	ctx := context.Background()
	p := NewPaper(staticPrices{"AAPL": 100}, 1000)

	o, err := p.PlaceOrder(ctx, OrderRequest{Symbol: "aapl", Side: SideBuy, Qty: decimal.NewFromInt(5)})
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, o.Status)
	assert.True(t, o.FilledAvgPrice.Equal(decimal.NewFromInt(100)))

	cash, _ := p.Cash(ctx)
	assert.True(t, cash.Equal(decimal.NewFromInt(500)), cash.String())
	hs, _ := p.Holdings(ctx)
	require.Len(t, hs, 1)
	assert.Equal(t, "AAPL", hs[0].Symbol)
	assert.True(t, hs[0].Qty.Equal(decimal.NewFromInt(5)))

	o, err = p.PlaceOrder(ctx, OrderRequest{Symbol: "AAPL", Side: SideBuy, Qty: decimal.NewFromInt(6)})
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, o.Status, "insufficient cash")

	o, err = p.PlaceOrder(ctx, OrderRequest{Symbol: "AAPL", Side: SideSell, Qty: decimal.NewFromInt(5)})
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, o.Status)
	hs, _ = p.Holdings(ctx)
	assert.Empty(t, hs)
	cash, _ = p.Cash(ctx)
	assert.True(t, cash.Equal(decimal.NewFromInt(1000)))
}

func TestPaper_DelayedFillAndCancel(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	p := NewPaper(staticPrices{"MSFT": 50}, 1000, WithFillDelay(2*time.Second), WithPaperClock(func() time.Time { return now }))

	o, err := p.PlaceOrder(ctx, OrderRequest{Symbol: "MSFT", Side: SideBuy, Qty: decimal.NewFromInt(2)})
	require.NoError(t, err)
	assert.Equal(t, StatusNew, o.Status)
	open, _ := p.ListOpenOrders(ctx)
	assert.Len(t, open, 1)

	now = now.Add(2 * time.Second)
	o, err = p.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, o.Status)

	o2, _ := p.PlaceOrder(ctx, OrderRequest{Symbol: "MSFT", Side: SideSell, Qty: decimal.NewFromInt(1)})
	require.NoError(t, p.CancelOrder(ctx, o2.ID))
	now = now.Add(time.Minute)
	o2, _ = p.GetOrder(ctx, o2.ID)
	assert.Equal(t, StatusCanceled, o2.Status)
	assert.NoError(t, p.CancelOrder(ctx, o2.ID), "cancel on terminal order is a no-op")

	_, err = p.GetOrder(ctx, "missing")
	assert.ErrorIs(t, err, ErrOrderNotFound)
	_, err = p.PlaceOrder(ctx, OrderRequest{Symbol: "MSFT", Side: SideBuy})
	assert.ErrorIs(t, err, ErrRejected)
}

func TestParseStatus(t *testing.T) {
	assert.Equal(t, StatusFilled, ParseStatus("FILLED"))
	assert.Equal(t, StatusExpired, ParseStatus("done_for_day"))
	assert.Equal(t, StatusNew, ParseStatus("pending_new"))
	assert.True(t, StatusRejected.Terminal())
	assert.False(t, StatusPartiallyFilled.Terminal())
}
