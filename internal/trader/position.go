package trader

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"scalpctl/internal/cooldown"
	"scalpctl/internal/strategy/exit"
	"scalpctl/internal/strategy/score"
)

var (
	ErrInvalidTransition = errors.New("trader: invalid state transition")
	// ErrInvariant means broker facts contradict local state; the symbol is
	// quarantined for the rest of the session.
	ErrInvariant   = errors.New("trader: invariant violation")
	ErrQuarantined = errors.New("trader: symbol quarantined")
)

// State 是单个标的的仓位状态
type State string

const (
	StateIdle        State = "IDLE"
	StateWatching    State = "WATCHING"
	StateEntering    State = "ENTERING"
	StateHolding     State = "HOLDING"
	StateExiting     State = "EXITING"
	StateClosed      State = "CLOSED"
	StateQuarantined State = "QUARANTINED"
)

// Position is the per-symbol record owned by a Machine.
type Position struct {
	Symbol        string          `json:"symbol"`
	State         State           `json:"state"`
	Grade         score.Grade     `json:"grade"`
	Score         float64         `json:"score"`
	SignalPrice   float64         `json:"signal_price"`
	EntryPrice    float64         `json:"entry_price"`
	Quantity      decimal.Decimal `json:"quantity"`
	EntryTime     time.Time       `json:"entry_time"`
	HighWaterMark float64         `json:"high_water_mark"`
	Armed         bool            `json:"armed"`
	StopPrice     float64         `json:"stop_price"`
	TargetPrice   float64         `json:"target_price"`
	ExitReason    exit.Reason     `json:"exit_reason,omitempty"`

	// pending order tracking
	OrderID          string          `json:"order_id,omitempty"`
	ClientOrderID    string          `json:"client_order_id,omitempty"`
	OrderSubmittedAt time.Time       `json:"order_submitted_at,omitempty"`
	Reserved         decimal.Decimal `json:"reserved"`
	Ambiguous        bool            `json:"ambiguous"`
	ExitAttempts     int             `json:"exit_attempts"`
	ExitFilledQty    decimal.Decimal `json:"exit_filled_qty"`
	ExitProceeds     decimal.Decimal `json:"exit_proceeds"`

	QuarantineReason string    `json:"quarantine_reason,omitempty"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Open reports whether the position holds or may hold shares.
func (p Position) Open() bool {
	switch p.State {
	case StateEntering, StateHolding, StateExiting:
		return true
	}
	return false
}

// Trade is the record of one round trip.
type Trade struct {
	ID         string          `json:"id"`
	Symbol     string          `json:"symbol"`
	Grade      score.Grade     `json:"grade"`
	Score      float64         `json:"score"`
	EntryPrice float64         `json:"entry_price"`
	ExitPrice  float64         `json:"exit_price"`
	Quantity   decimal.Decimal `json:"quantity"`
	PnL        decimal.Decimal `json:"pnl"`
	PnLPct     float64         `json:"pnl_pct"`
	Reason     exit.Reason     `json:"reason"`
	EntryTime  time.Time       `json:"entry_time"`
	ExitTime   time.Time       `json:"exit_time"`
}

// Transition is emitted on every state change.
type Transition struct {
	Symbol   string    `json:"symbol"`
	From     State     `json:"from"`
	To       State     `json:"to"`
	Reason   string    `json:"reason"`
	Position Position  `json:"position"`
	Trade    *Trade    `json:"trade,omitempty"`
	At       time.Time `json:"at"`
}

// Observer receives transitions after the machine lock is released.
type Observer interface {
	OnTransition(t Transition)
}

// Store persists open positions, cooldowns and trades.
type Store interface {
	SavePosition(ctx context.Context, p Position) error
	DeletePosition(ctx context.Context, symbol string) error
	RecordTrade(ctx context.Context, t Trade) error
	SaveCooldown(ctx context.Context, e cooldown.Entry) error
}

// Accounts is the machine's view of the ledger.
type Accounts interface {
	Reserve(ctx context.Context, symbol string, notional decimal.Decimal) error
	Release(ctx context.Context, symbol string) error
	ConfirmEntry(ctx context.Context, symbol string, cost decimal.Decimal) error
	Adopt(ctx context.Context, symbol string, cost decimal.Decimal) error
	Settle(ctx context.Context, s Settlement) error
	ReportAPI(ctx context.Context, source string, err error)
}

type ExitEvaluator interface {
	Evaluate(in exit.Input) exit.Decision
}

type CooldownRecorder interface {
	OnClosed(symbol string, closedAt time.Time, loss bool) cooldown.Entry
}
