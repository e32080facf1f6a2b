// Package broker defines the brokerage abstraction used by the trading core.
// Adapters (paper, alpaca) live behind this interface so the state machine
// and the reconciler never depend on a concrete venue.
package broker

import (
	"context"

	"github.com/shopspring/decimal"
)

type Broker interface {
	Name() string

	PlaceOrder(ctx context.Context, req OrderRequest) (Order, error)

	GetOrder(ctx context.Context, id string) (Order, error)

	CancelOrder(ctx context.Context, id string) error

	ListOpenOrders(ctx context.Context) ([]Order, error)

	// Holdings is the broker's ground truth of open positions.
	Holdings(ctx context.Context) ([]Holding, error)

	Cash(ctx context.Context) (decimal.Decimal, error)
}
