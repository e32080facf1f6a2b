// Package alpaca adapts the Alpaca trading and market data APIs to the
// broker.Broker and market.Feed interfaces.
package alpaca

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	alpacaapi "github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"

	"scalpctl/internal/gateway/broker"
)

// tradingAPI is the subset of *alpacaapi.Client the adapter uses.
type tradingAPI interface {
	GetAccount() (*alpacaapi.Account, error)
	GetPositions() ([]alpacaapi.Position, error)
	PlaceOrder(req alpacaapi.PlaceOrderRequest) (*alpacaapi.Order, error)
	GetOrder(orderID string) (*alpacaapi.Order, error)
	CancelOrder(orderID string) error
	GetOrders(req alpacaapi.GetOrdersRequest) ([]alpacaapi.Order, error)
}

// Broker implements broker.Broker on the Alpaca REST API. The SDK calls are
// not context aware, so ctx is checked before each request.
type Broker struct {
	api tradingAPI
}

func NewBroker(cfg Config) *Broker {
	final := cfg.withDefaults()
	client := alpacaapi.NewClient(alpacaapi.ClientOpts{
		APIKey:     final.APIKey,
		APISecret:  final.APISecret,
		BaseURL:    final.BaseURL,
		HTTPClient: &http.Client{Timeout: final.HTTPTimeout},
	})
	return &Broker{api: client}
}

func (b *Broker) Name() string { return "alpaca" }

func (b *Broker) PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.Order, error) {
	if err := ctx.Err(); err != nil {
		return broker.Order{}, err
	}
	if !req.Qty.IsPositive() {
		return broker.Order{}, fmt.Errorf("%w: qty must be positive", broker.ErrRejected)
	}
	side := alpacaapi.Buy
	if req.Side == broker.SideSell {
		side = alpacaapi.Sell
	}
	qty := req.Qty
	o, err := b.api.PlaceOrder(alpacaapi.PlaceOrderRequest{
		Symbol:        broker.NormalizeSymbol(req.Symbol),
		Qty:           &qty,
		Side:          side,
		Type:          alpacaapi.Market,
		TimeInForce:   alpacaapi.Day,
		ClientOrderID: req.ClientOrderID,
	})
	if err != nil {
		return broker.Order{}, mapError("place order", err)
	}
	return toOrder(o), nil
}

func (b *Broker) GetOrder(ctx context.Context, id string) (broker.Order, error) {
	if err := ctx.Err(); err != nil {
		return broker.Order{}, err
	}
	o, err := b.api.GetOrder(id)
	if err != nil {
		return broker.Order{}, mapError("get order "+id, err)
	}
	return toOrder(o), nil
}

func (b *Broker) CancelOrder(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.api.CancelOrder(id); err != nil {
		return mapError("cancel order "+id, err)
	}
	return nil
}

func (b *Broker) ListOpenOrders(ctx context.Context) ([]broker.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	orders, err := b.api.GetOrders(alpacaapi.GetOrdersRequest{Status: "open", Limit: 500})
	if err != nil {
		return nil, mapError("list open orders", err)
	}
	out := make([]broker.Order, 0, len(orders))
	for i := range orders {
		out = append(out, toOrder(&orders[i]))
	}
	return out, nil
}

func (b *Broker) Holdings(ctx context.Context) ([]broker.Holding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	positions, err := b.api.GetPositions()
	if err != nil {
		return nil, mapError("positions", err)
	}
	out := make([]broker.Holding, 0, len(positions))
	for _, p := range positions {
		if !p.Qty.IsPositive() {
			continue
		}
		out = append(out, broker.Holding{
			Symbol:        broker.NormalizeSymbol(p.Symbol),
			Qty:           p.Qty,
			AvgEntryPrice: p.AvgEntryPrice,
		})
	}
	return out, nil
}

func (b *Broker) Cash(ctx context.Context) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	acct, err := b.api.GetAccount()
	if err != nil {
		return decimal.Zero, mapError("account", err)
	}
	return acct.Cash, nil
}

func toOrder(o *alpacaapi.Order) broker.Order {
	if o == nil {
		return broker.Order{}
	}
	out := broker.Order{
		ID:            o.ID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        broker.NormalizeSymbol(o.Symbol),
		Side:          broker.SideBuy,
		FilledQty:     o.FilledQty,
		Status:        broker.ParseStatus(o.Status),
		SubmittedAt:   o.SubmittedAt,
		UpdatedAt:     o.UpdatedAt,
	}
	if o.Side == alpacaapi.Sell {
		out.Side = broker.SideSell
	}
	if o.Qty != nil {
		out.Qty = *o.Qty
	}
	if o.FilledAvgPrice != nil {
		out.FilledAvgPrice = *o.FilledAvgPrice
	}
	return out
}

// mapError turns Alpaca API errors into broker sentinels: 404 is a missing
// order, 403/422 are business rejections, everything else is transient.
func mapError(op string, err error) error {
	var apiErr *alpacaapi.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("alpaca %s: %w: %s", op, broker.ErrOrderNotFound, apiErr.Message)
		case http.StatusForbidden, http.StatusUnprocessableEntity:
			return fmt.Errorf("alpaca %s: %w: %s", op, broker.ErrRejected, apiErr.Message)
		}
	}
	return fmt.Errorf("alpaca %s: %w", op, err)
}
