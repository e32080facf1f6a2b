package trader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"scalpctl/internal/gateway/broker"
	"scalpctl/internal/logger"
	"scalpctl/internal/pkg/retry"
	"scalpctl/internal/strategy/exit"
	"scalpctl/internal/strategy/signal"
)

type MachineConfig struct {
	EntryTimeout    time.Duration
	ExitTimeout     time.Duration
	MaxExitAttempts int
	Retry           retry.Policy
}

type Deps struct {
	Broker   broker.Broker
	Accounts Accounts
	Exits    ExitEvaluator
	Cooldown CooldownRecorder
	Store    Store
	Observer Observer
	// Escalate is called once when an exit keeps failing past
	// MaxExitAttempts. The machine keeps retrying regardless.
	Escalate func(symbol string, attempts int)
}

// Machine drives one symbol through IDLE → WATCHING → ENTERING → HOLDING →
// EXITING → CLOSED → IDLE. All transitions for the symbol are serialized by
// mu; order waits are timed states advanced by the scheduler, never blocking
// calls.
type Machine struct {
	mu        sync.Mutex
	symbol    string
	cfg       MachineConfig
	deps      Deps
	pos       Position
	escalated bool

	pending []Transition
	after   []func()
}

func NewMachine(symbol string, cfg MachineConfig, deps Deps) *Machine {
	symbol = normalizeSymbol(symbol)
	if cfg.MaxExitAttempts <= 0 {
		cfg.MaxExitAttempts = 5
	}
	return &Machine{
		symbol: symbol,
		cfg:    cfg,
		deps:   deps,
		pos:    Position{Symbol: symbol, State: StateIdle},
	}
}

func (m *Machine) Symbol() string { return m.symbol }

func (m *Machine) Snapshot() Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pos
}

func (m *Machine) lock() { m.mu.Lock() }

// unlock releases mu and then delivers queued transitions and callbacks, so
// observers may call back into the engine without deadlocking.
func (m *Machine) unlock() {
	events, after := m.pending, m.after
	m.pending, m.after = nil, nil
	m.mu.Unlock()
	if m.deps.Observer != nil {
		for _, t := range events {
			m.deps.Observer.OnTransition(t)
		}
	}
	for _, fn := range after {
		fn()
	}
}

func (m *Machine) transition(to State, reason string, now time.Time, trade *Trade) {
	from := m.pos.State
	m.pos.State = to
	m.pos.UpdatedAt = now
	m.pending = append(m.pending, Transition{
		Symbol:   m.symbol,
		From:     from,
		To:       to,
		Reason:   reason,
		Position: m.pos,
		Trade:    trade,
		At:       now,
	})
	logger.Debugf("trader: %s %s -> %s (%s)", m.symbol, from, to, reason)
}

// Watch moves an idle symbol into WATCHING. Other states are unchanged.
func (m *Machine) Watch(now time.Time) bool {
	m.lock()
	defer m.unlock()
	if m.pos.State != StateIdle {
		return false
	}
	m.transition(StateWatching, "watch", now, nil)
	return true
}

// OnSignal opens a position for a BUY signal: reserve through the ledger,
// then submit the entry order. HOLD signals are ignored.
func (m *Machine) OnSignal(ctx context.Context, sig signal.Signal, qty decimal.Decimal, now time.Time) error {
	m.lock()
	defer m.unlock()
	if m.pos.State == StateQuarantined {
		return ErrQuarantined
	}
	if m.pos.State != StateWatching {
		return fmt.Errorf("%w: signal for %s in %s", ErrInvalidTransition, m.symbol, m.pos.State)
	}
	if !sig.IsBuy() {
		return nil
	}
	if !qty.IsPositive() || sig.Price <= 0 {
		return fmt.Errorf("%w: %s qty=%s price=%v", ErrInvalidTransition, m.symbol, qty, sig.Price)
	}
	notional := qty.Mul(decimal.NewFromFloat(sig.Price))
	if err := m.deps.Accounts.Reserve(ctx, m.symbol, notional); err != nil {
		return err
	}
	clientID := uuid.NewString()
	order, err := m.place(ctx, broker.OrderRequest{Symbol: m.symbol, Side: broker.SideBuy, Qty: qty, ClientOrderID: clientID})
	if err != nil {
		if rerr := m.deps.Accounts.Release(ctx, m.symbol); rerr != nil {
			logger.Warnf("trader: release %s after failed entry: %v", m.symbol, rerr)
		}
		return fmt.Errorf("entry order %s: %w", m.symbol, err)
	}
	m.pos = Position{
		Symbol:           m.symbol,
		State:            StateWatching,
		Grade:            sig.Score.Grade,
		Score:            sig.Score.Normalized,
		SignalPrice:      sig.Price,
		Quantity:         qty,
		OrderID:          order.ID,
		ClientOrderID:    clientID,
		OrderSubmittedAt: now,
		Reserved:         notional,
	}
	m.transition(StateEntering, fmt.Sprintf("buy %s @ ~%.2f score %.1f", qty, sig.Price, sig.Score.Normalized), now, nil)
	m.persist(ctx)
	return m.applyEntryOrder(ctx, order, now)
}

// Advance drives the timed states ENTERING and EXITING.
func (m *Machine) Advance(ctx context.Context, now time.Time) error {
	m.lock()
	defer m.unlock()
	switch m.pos.State {
	case StateEntering:
		return m.advanceEntry(ctx, now)
	case StateExiting:
		return m.advanceExit(ctx, now)
	}
	return nil
}

func (m *Machine) advanceEntry(ctx context.Context, now time.Time) error {
	if m.pos.Ambiguous {
		return m.pollAmbiguous(ctx, now)
	}
	order, err := m.get(ctx, m.pos.OrderID)
	if err == nil {
		if err := m.applyEntryOrder(ctx, order, now); err != nil {
			return err
		}
		if m.pos.State != StateEntering {
			return nil
		}
	}
	if m.cfg.EntryTimeout <= 0 || now.Sub(m.pos.OrderSubmittedAt) < m.cfg.EntryTimeout {
		return err
	}
	if cerr := m.cancel(ctx, m.pos.OrderID); cerr != nil {
		logger.Warnf("trader: cancel timed-out entry %s: %v", m.symbol, cerr)
	}
	if order, gerr := m.get(ctx, m.pos.OrderID); gerr == nil && order.Status.Terminal() {
		return m.applyEntryOrder(ctx, order, now)
	}
	m.pos.Ambiguous = true
	m.pos.UpdatedAt = now
	m.transition(StateEntering, "entry fill ambiguous after timeout; awaiting reconcile", now, nil)
	m.persist(ctx)
	return nil
}

// pollAmbiguous keeps watching the order after a failed cancel. A terminal
// status settles the entry; anything else waits for reconcile.
func (m *Machine) pollAmbiguous(ctx context.Context, now time.Time) error {
	if m.pos.OrderID == "" {
		return nil
	}
	order, err := m.get(ctx, m.pos.OrderID)
	switch {
	case errors.Is(err, broker.ErrOrderNotFound):
		return nil
	case err != nil:
		return err
	case !order.Status.Terminal():
		return nil
	}
	logger.Infof("trader: ambiguous entry %s settled by order status %s", m.symbol, order.Status)
	return m.applyEntryOrder(ctx, order, now)
}

func (m *Machine) applyEntryOrder(ctx context.Context, o broker.Order, now time.Time) error {
	switch {
	case o.Status == broker.StatusFilled, o.Status.Terminal() && o.FilledQty.IsPositive():
		return m.enterHolding(ctx, o.FilledQty, o.FilledAvgPrice, now, "entry filled")
	case o.Status.Terminal():
		if err := m.deps.Accounts.Release(ctx, m.symbol); err != nil {
			logger.Warnf("trader: release %s: %v", m.symbol, err)
		}
		m.pos = Position{Symbol: m.symbol, State: StateEntering}
		m.transition(StateWatching, "entry "+string(o.Status), now, nil)
		m.deletePersisted(ctx)
	}
	return nil
}

func (m *Machine) enterHolding(ctx context.Context, qty, avg decimal.Decimal, now time.Time, reason string) error {
	if !qty.IsPositive() || !avg.IsPositive() {
		return m.quarantine(ctx, fmt.Sprintf("entry fill without qty/price (qty=%s avg=%s)", qty, avg), now)
	}
	cost := qty.Mul(avg)
	if err := m.deps.Accounts.ConfirmEntry(ctx, m.symbol, cost); err != nil {
		logger.Errorf("trader: confirm entry %s: %v", m.symbol, err)
	}
	entry, _ := avg.Float64()
	m.pos.EntryPrice = entry
	m.pos.Quantity = qty
	m.pos.EntryTime = now
	m.pos.HighWaterMark = entry
	m.pos.Armed = false
	m.pos.OrderID = ""
	m.pos.Ambiguous = false
	m.pos.Reserved = decimal.Zero
	m.transition(StateHolding, fmt.Sprintf("%s: %s @ %s", reason, qty, avg.StringFixed(2)), now, nil)
	m.persist(ctx)
	return nil
}

// Evaluate runs the exit policy for a HOLDING position and starts the exit
// when a rule matches. The tracking state is written back every cycle.
func (m *Machine) Evaluate(ctx context.Context, price float64, now time.Time) (exit.Decision, error) {
	m.lock()
	defer m.unlock()
	if m.pos.State != StateHolding {
		return exit.Decision{}, nil
	}
	d := m.deps.Exits.Evaluate(exit.Input{
		Symbol:        m.symbol,
		Grade:         m.pos.Grade,
		Entry:         m.pos.EntryPrice,
		Price:         price,
		HighWaterMark: m.pos.HighWaterMark,
		Armed:         m.pos.Armed,
		EntryTime:     m.pos.EntryTime,
		Now:           now,
	})
	changed := d.HighWaterMark != m.pos.HighWaterMark || d.Armed != m.pos.Armed
	m.pos.HighWaterMark = d.HighWaterMark
	m.pos.Armed = d.Armed
	m.pos.StopPrice = d.StopPrice
	m.pos.TargetPrice = d.TargetPrice
	if !d.Exit() {
		if changed {
			m.pos.UpdatedAt = now
			m.persist(ctx)
		}
		return d, nil
	}
	return d, m.beginExit(ctx, d.Reason, now)
}

// ForceExit closes the position regardless of the rule table. A pending
// entry is cancelled instead.
func (m *Machine) ForceExit(ctx context.Context, reason exit.Reason, now time.Time) error {
	m.lock()
	defer m.unlock()
	switch m.pos.State {
	case StateHolding:
		return m.beginExit(ctx, reason, now)
	case StateEntering:
		if m.pos.OrderID == "" || m.pos.Ambiguous {
			return nil
		}
		return m.cancel(ctx, m.pos.OrderID)
	case StateExiting:
		if m.pos.OrderID == "" {
			return m.submitExit(ctx, now)
		}
	}
	return nil
}

// CancelPending cancels a working entry order. It reports whether a cancel
// was sent.
func (m *Machine) CancelPending(ctx context.Context) (bool, error) {
	m.lock()
	defer m.unlock()
	if m.pos.State != StateEntering || m.pos.OrderID == "" || m.pos.Ambiguous {
		return false, nil
	}
	return true, m.cancel(ctx, m.pos.OrderID)
}

func (m *Machine) beginExit(ctx context.Context, reason exit.Reason, now time.Time) error {
	m.pos.ExitReason = reason
	m.pos.ExitAttempts = 0
	m.pos.ExitFilledQty = decimal.Zero
	m.pos.ExitProceeds = decimal.Zero
	m.pos.OrderID = ""
	m.transition(StateExiting, string(reason), now, nil)
	return m.submitExit(ctx, now)
}

func (m *Machine) advanceExit(ctx context.Context, now time.Time) error {
	if m.pos.OrderID == "" {
		return m.submitExit(ctx, now)
	}
	order, err := m.get(ctx, m.pos.OrderID)
	if err == nil {
		if err := m.applyExitOrder(ctx, order, now); err != nil {
			return err
		}
		if m.pos.State != StateExiting || order.Status.Terminal() {
			return nil
		}
	}
	if m.cfg.ExitTimeout <= 0 || now.Sub(m.pos.OrderSubmittedAt) < m.cfg.ExitTimeout {
		return err
	}
	if cerr := m.cancel(ctx, m.pos.OrderID); cerr != nil {
		logger.Warnf("trader: cancel timed-out exit %s: %v", m.symbol, cerr)
		return cerr
	}
	order, err = m.get(ctx, m.pos.OrderID)
	if err != nil {
		return err
	}
	return m.applyExitOrder(ctx, order, now)
}

func (m *Machine) submitExit(ctx context.Context, now time.Time) error {
	remaining := m.pos.Quantity.Sub(m.pos.ExitFilledQty)
	m.pos.ExitAttempts++
	m.pos.OrderSubmittedAt = now
	order, err := m.place(ctx, broker.OrderRequest{
		Symbol:        m.symbol,
		Side:          broker.SideSell,
		Qty:           remaining,
		ClientOrderID: uuid.NewString(),
	})
	if err != nil {
		m.pos.OrderID = ""
		m.maybeEscalate()
		m.persist(ctx)
		return fmt.Errorf("exit order %s (attempt %d): %w", m.symbol, m.pos.ExitAttempts, err)
	}
	m.pos.OrderID = order.ID
	m.persist(ctx)
	return m.applyExitOrder(ctx, order, now)
}

func (m *Machine) applyExitOrder(ctx context.Context, o broker.Order, now time.Time) error {
	if !o.Status.Terminal() {
		return nil
	}
	if o.FilledQty.IsPositive() {
		m.pos.ExitFilledQty = m.pos.ExitFilledQty.Add(o.FilledQty)
		m.pos.ExitProceeds = m.pos.ExitProceeds.Add(o.FilledQty.Mul(o.FilledAvgPrice))
	}
	m.pos.OrderID = ""
	switch m.pos.ExitFilledQty.Cmp(m.pos.Quantity) {
	case 1:
		return m.quarantine(ctx, fmt.Sprintf("exit filled %s > position %s", m.pos.ExitFilledQty, m.pos.Quantity), now)
	case 0:
		return m.close(ctx, now)
	}
	// 未完全成交：继续补单，EXITING 不会放弃
	logger.Warnf("trader: exit %s %s (filled %s/%s), resubmitting", m.symbol, o.Status, m.pos.ExitFilledQty, m.pos.Quantity)
	if m.pos.ExitAttempts >= m.cfg.MaxExitAttempts {
		m.maybeEscalate()
		m.persist(ctx)
		return nil
	}
	return m.submitExit(ctx, now)
}

func (m *Machine) maybeEscalate() {
	if m.pos.ExitAttempts < m.cfg.MaxExitAttempts || m.escalated || m.deps.Escalate == nil {
		return
	}
	m.escalated = true
	sym, attempts := m.symbol, m.pos.ExitAttempts
	logger.Errorf("trader: exit for %s failed %d times, escalating", sym, attempts)
	m.after = append(m.after, func() { m.deps.Escalate(sym, attempts) })
}

func (m *Machine) close(ctx context.Context, now time.Time) error {
	p := m.pos
	exitPrice := p.ExitProceeds.Div(p.Quantity)
	cost := decimal.NewFromFloat(p.EntryPrice).Mul(p.Quantity)
	pnl := p.ExitProceeds.Sub(cost)
	trade := Trade{
		ID:         uuid.NewString(),
		Symbol:     m.symbol,
		Grade:      p.Grade,
		Score:      p.Score,
		EntryPrice: p.EntryPrice,
		Quantity:   p.Quantity,
		PnL:        pnl,
		Reason:     p.ExitReason,
		EntryTime:  p.EntryTime,
		ExitTime:   now,
	}
	trade.ExitPrice, _ = exitPrice.Float64()
	if cost.IsPositive() {
		trade.PnLPct, _ = pnl.Div(cost).Mul(decimal.NewFromInt(100)).Float64()
	}

	if err := m.deps.Accounts.Settle(ctx, Settlement{Symbol: m.symbol, Proceeds: p.ExitProceeds, PnL: pnl, Reason: p.ExitReason}); err != nil {
		logger.Errorf("trader: settle %s: %v", m.symbol, err)
	}
	if m.deps.Cooldown != nil {
		entry := m.deps.Cooldown.OnClosed(m.symbol, now, pnl.IsNegative())
		if m.deps.Store != nil {
			if err := m.deps.Store.SaveCooldown(ctx, entry); err != nil {
				logger.Warnf("trader: persist cooldown %s: %v", m.symbol, err)
			}
		}
	}
	if m.deps.Store != nil {
		if err := m.deps.Store.RecordTrade(ctx, trade); err != nil {
			logger.Errorf("trader: record trade %s: %v", m.symbol, err)
		}
	}
	m.deletePersisted(ctx)
	m.escalated = false
	m.transition(StateClosed, fmt.Sprintf("%s pnl %s (%.2f%%)", p.ExitReason, pnl.StringFixed(2), trade.PnLPct), now, &trade)
	m.pos = Position{Symbol: m.symbol, State: StateClosed}
	m.transition(StateIdle, "closed", now, nil)
	return nil
}

// Adopt installs a reconciled broker position as HOLDING.
func (m *Machine) Adopt(ctx context.Context, p Position, now time.Time) error {
	m.lock()
	defer m.unlock()
	if m.pos.State != StateIdle && m.pos.State != StateWatching {
		return fmt.Errorf("%w: adopt %s in %s", ErrInvalidTransition, m.symbol, m.pos.State)
	}
	if !p.Quantity.IsPositive() || p.EntryPrice <= 0 {
		return fmt.Errorf("%w: adopt %s qty=%s entry=%v", ErrInvariant, m.symbol, p.Quantity, p.EntryPrice)
	}
	cost := p.Quantity.Mul(decimal.NewFromFloat(p.EntryPrice))
	if err := m.deps.Accounts.Adopt(ctx, m.symbol, cost); err != nil {
		return err
	}
	p.Symbol = m.symbol
	p.State = m.pos.State
	p.OrderID, p.Ambiguous, p.ExitReason = "", false, exit.ReasonNone
	if p.HighWaterMark < p.EntryPrice {
		p.HighWaterMark = p.EntryPrice
	}
	if p.EntryTime.IsZero() {
		p.EntryTime = now
	}
	m.pos = p
	m.transition(StateHolding, "adopted by reconcile", now, nil)
	m.persist(ctx)
	return nil
}

// ResolveAmbiguous settles an entry whose fill was unknown, using the
// broker holding (nil when the broker holds nothing).
func (m *Machine) ResolveAmbiguous(ctx context.Context, h *broker.Holding, now time.Time) error {
	m.lock()
	defer m.unlock()
	if m.pos.State != StateEntering || !m.pos.Ambiguous {
		return fmt.Errorf("%w: %s is not an ambiguous entry", ErrInvalidTransition, m.symbol)
	}
	if h != nil && h.Qty.IsPositive() {
		return m.enterHolding(ctx, h.Qty, h.AvgEntryPrice, now, "ambiguous entry resolved by reconcile")
	}
	if err := m.deps.Accounts.Release(ctx, m.symbol); err != nil {
		logger.Warnf("trader: release %s: %v", m.symbol, err)
	}
	m.pos = Position{Symbol: m.symbol, State: StateEntering}
	m.transition(StateWatching, "ambiguous entry resolved: no fill", now, nil)
	m.deletePersisted(ctx)
	return nil
}

// Quarantine stops all activity on the symbol for the session.
func (m *Machine) Quarantine(ctx context.Context, reason string, now time.Time) {
	m.lock()
	defer m.unlock()
	_ = m.quarantine(ctx, reason, now)
}

func (m *Machine) quarantine(ctx context.Context, reason string, now time.Time) error {
	if m.pos.State == StateQuarantined {
		return nil
	}
	m.pos.QuarantineReason = reason
	m.transition(StateQuarantined, reason, now, nil)
	m.persist(ctx)
	logger.With("symbol", m.symbol).Error("quarantined", "reason", reason)
	return fmt.Errorf("%w: %s: %s", ErrInvariant, m.symbol, reason)
}

// Unrealized returns the mark-to-market pnl at price for an open position.
func (m *Machine) Unrealized(price float64) (decimal.Decimal, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if (m.pos.State != StateHolding && m.pos.State != StateExiting) || price <= 0 {
		return decimal.Zero, false
	}
	held := m.pos.Quantity.Sub(m.pos.ExitFilledQty)
	diff := decimal.NewFromFloat(price).Sub(decimal.NewFromFloat(m.pos.EntryPrice))
	return diff.Mul(held), true
}

func (m *Machine) persist(ctx context.Context) {
	if m.deps.Store == nil {
		return
	}
	if err := m.deps.Store.SavePosition(ctx, m.pos); err != nil {
		logger.Warnf("trader: persist %s: %v", m.symbol, err)
	}
}

func (m *Machine) deletePersisted(ctx context.Context) {
	if m.deps.Store == nil {
		return
	}
	if err := m.deps.Store.DeletePosition(ctx, m.symbol); err != nil {
		logger.Warnf("trader: delete %s: %v", m.symbol, err)
	}
}

func (m *Machine) place(ctx context.Context, req broker.OrderRequest) (broker.Order, error) {
	var out broker.Order
	err := m.brokerCall(ctx, func(ctx context.Context) error {
		o, err := m.deps.Broker.PlaceOrder(ctx, req)
		if err != nil {
			return err
		}
		out = o
		return nil
	})
	m.report(ctx, "place_order", orderOutcome(out, err))
	return out, err
}

func (m *Machine) get(ctx context.Context, id string) (broker.Order, error) {
	var out broker.Order
	err := m.brokerCall(ctx, func(ctx context.Context) error {
		o, err := m.deps.Broker.GetOrder(ctx, id)
		if err != nil {
			return err
		}
		out = o
		return nil
	})
	m.report(ctx, "get_order", orderOutcome(out, err))
	return out, err
}

func (m *Machine) cancel(ctx context.Context, id string) error {
	err := m.brokerCall(ctx, func(ctx context.Context) error {
		return m.deps.Broker.CancelOrder(ctx, id)
	})
	m.report(ctx, "cancel_order", err)
	return err
}

// brokerCall retries transient failures. Rejections and unknown ids are
// final answers and are not retried.
func (m *Machine) brokerCall(ctx context.Context, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, m.cfg.Retry, func(ctx context.Context) error {
		err := fn(ctx)
		if errors.Is(err, broker.ErrRejected) || errors.Is(err, broker.ErrOrderNotFound) {
			return retry.Permanent(err)
		}
		return err
	})
}

// orderOutcome folds a refused order into an ErrRejected so it counts
// against the api error streak like a synchronous rejection.
func orderOutcome(o broker.Order, err error) error {
	if err != nil {
		return err
	}
	if o.Status.Refused() {
		return fmt.Errorf("%w: order %s %s", broker.ErrRejected, o.ID, o.Status)
	}
	return nil
}

// report feeds the circuit. An unknown order id is a stale reference, not
// an api failure.
func (m *Machine) report(ctx context.Context, op string, err error) {
	if errors.Is(err, broker.ErrOrderNotFound) {
		return
	}
	m.deps.Accounts.ReportAPI(ctx, "broker."+op, err)
}
