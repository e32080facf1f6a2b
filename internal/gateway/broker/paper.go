package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"scalpctl/internal/logger"
)

// PriceSource provides fill prices for the paper broker.
type PriceSource interface {
	LatestPrice(ctx context.Context, symbol string) (float64, error)
}

// Paper is an in-memory broker that fills market orders at the feed price
// once the configured fill delay has passed.
type Paper struct {
	mu        sync.Mutex
	prices    PriceSource
	cash      decimal.Decimal
	holdings  map[string]Holding
	orders    map[string]*Order
	fillDelay time.Duration
	nowFn     func() time.Time
}

type PaperOption func(*Paper)

func WithFillDelay(d time.Duration) PaperOption {
	return func(p *Paper) { p.fillDelay = d }
}

func WithPaperClock(fn func() time.Time) PaperOption {
	return func(p *Paper) {
		if fn != nil {
			p.nowFn = fn
		}
	}
}

func NewPaper(prices PriceSource, cash float64, opts ...PaperOption) *Paper {
	p := &Paper{
		prices:   prices,
		cash:     decimal.NewFromFloat(cash),
		holdings: make(map[string]Holding),
		orders:   make(map[string]*Order),
		nowFn:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Paper) Name() string { return "paper" }

// SetHolding seeds a position, e.g. to simulate one opened outside the
// controller.
func (p *Paper) SetHolding(symbol string, qty, avg float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	symbol = NormalizeSymbol(symbol)
	if qty <= 0 {
		delete(p.holdings, symbol)
		return
	}
	p.holdings[symbol] = Holding{Symbol: symbol, Qty: decimal.NewFromFloat(qty), AvgEntryPrice: decimal.NewFromFloat(avg)}
}

func (p *Paper) PlaceOrder(ctx context.Context, req OrderRequest) (Order, error) {
	if !req.Qty.IsPositive() {
		return Order{}, fmt.Errorf("%w: qty must be positive", ErrRejected)
	}
	if req.Side != SideBuy && req.Side != SideSell {
		return Order{}, fmt.Errorf("%w: side %q", ErrRejected, req.Side)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.nowFn()
	o := &Order{
		ID:            uuid.NewString(),
		ClientOrderID: req.ClientOrderID,
		Symbol:        NormalizeSymbol(req.Symbol),
		Side:          req.Side,
		Qty:           req.Qty,
		Status:        StatusNew,
		SubmittedAt:   now,
		UpdatedAt:     now,
	}
	p.orders[o.ID] = o
	if p.fillDelay <= 0 {
		p.tryFill(ctx, o, now)
	}
	return *o, nil
}

func (p *Paper) GetOrder(ctx context.Context, id string) (Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[id]
	if !ok {
		return Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	now := p.nowFn()
	if !o.Status.Terminal() && !now.Before(o.SubmittedAt.Add(p.fillDelay)) {
		p.tryFill(ctx, o, now)
	}
	return *o, nil
}

func (p *Paper) CancelOrder(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	if o.Status.Terminal() {
		return nil
	}
	o.Status = StatusCanceled
	o.UpdatedAt = p.nowFn()
	return nil
}

func (p *Paper) ListOpenOrders(context.Context) ([]Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Order
	for _, o := range p.orders {
		if !o.Status.Terminal() {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out, nil
}

func (p *Paper) Holdings(context.Context) ([]Holding, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Holding, 0, len(p.holdings))
	for _, h := range p.holdings {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (p *Paper) Cash(context.Context) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cash, nil
}

// tryFill fills o completely or rejects it. Price lookup failures leave the
// order working.
func (p *Paper) tryFill(ctx context.Context, o *Order, now time.Time) {
	raw, err := p.prices.LatestPrice(ctx, o.Symbol)
	if err != nil || raw <= 0 {
		logger.Debugf("paper: no fill price for %s: %v", o.Symbol, err)
		return
	}
	price := decimal.NewFromFloat(raw)
	notional := price.Mul(o.Qty)
	h := p.holdings[o.Symbol]
	switch o.Side {
	case SideBuy:
		if notional.GreaterThan(p.cash) {
			o.Status = StatusRejected
			o.UpdatedAt = now
			return
		}
		total := h.Qty.Add(o.Qty)
		h.AvgEntryPrice = h.AvgEntryPrice.Mul(h.Qty).Add(notional).Div(total)
		h.Qty = total
		h.Symbol = o.Symbol
		p.holdings[o.Symbol] = h
		p.cash = p.cash.Sub(notional)
	case SideSell:
		if h.Qty.LessThan(o.Qty) {
			o.Status = StatusRejected
			o.UpdatedAt = now
			return
		}
		h.Qty = h.Qty.Sub(o.Qty)
		if h.Qty.IsZero() {
			delete(p.holdings, o.Symbol)
		} else {
			p.holdings[o.Symbol] = h
		}
		p.cash = p.cash.Add(notional)
	}
	o.FilledQty = o.Qty
	o.FilledAvgPrice = price
	o.Status = StatusFilled
	o.UpdatedAt = now
}
