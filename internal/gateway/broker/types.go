package broker

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrOrderNotFound = errors.New("broker: order not found")
	ErrRejected      = errors.New("broker: order rejected")
)

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

type OrderStatus string

const (
	StatusNew             OrderStatus = "new"
	StatusAccepted        OrderStatus = "accepted"
	StatusPartiallyFilled OrderStatus = "partially_filled"
	StatusFilled          OrderStatus = "filled"
	StatusCanceled        OrderStatus = "canceled"
	StatusExpired         OrderStatus = "expired"
	StatusRejected        OrderStatus = "rejected"
)

// ParseStatus maps venue-specific status text onto OrderStatus. Unknown
// values are treated as still working.
func ParseStatus(raw string) OrderStatus {
	switch s := OrderStatus(strings.ToLower(strings.TrimSpace(raw))); s {
	case StatusFilled, StatusCanceled, StatusExpired, StatusRejected, StatusPartiallyFilled, StatusAccepted:
		return s
	case "done_for_day", "stopped", "suspended":
		return StatusExpired
	default:
		return StatusNew
	}
}

// Terminal reports whether the order can no longer change.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusExpired, StatusRejected:
		return true
	}
	return false
}

// Refused reports whether the venue declined the order rather than the
// controller cancelling it.
func (s OrderStatus) Refused() bool {
	return s == StatusRejected || s == StatusExpired
}

// OrderRequest is always a market day order; the controller never rests
// limit orders.
type OrderRequest struct {
	Symbol        string
	Side          Side
	Qty           decimal.Decimal
	ClientOrderID string
}

type Order struct {
	ID             string          `json:"id"`
	ClientOrderID  string          `json:"client_order_id"`
	Symbol         string          `json:"symbol"`
	Side           Side            `json:"side"`
	Qty            decimal.Decimal `json:"qty"`
	FilledQty      decimal.Decimal `json:"filled_qty"`
	FilledAvgPrice decimal.Decimal `json:"filled_avg_price"`
	Status         OrderStatus     `json:"status"`
	SubmittedAt    time.Time       `json:"submitted_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Holding is one open position as reported by the broker.
type Holding struct {
	Symbol        string          `json:"symbol"`
	Qty           decimal.Decimal `json:"qty"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
}

func NormalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
