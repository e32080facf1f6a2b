// Package reconcile aligns local position state with the broker's holdings.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"scalpctl/internal/gateway/broker"
	"scalpctl/internal/logger"
	"scalpctl/internal/trader"
)

// ErrOrderWorking marks an ambiguous entry whose order could not be
// cancelled yet.
var ErrOrderWorking = errors.New("reconcile: entry order still working")

// Report lists the outcome per symbol of one reconcile run.
type Report struct {
	Ghost       []string  `json:"ghost"`
	Unmanaged   []string  `json:"unmanaged"`
	Matched     []string  `json:"matched"`
	Quarantined []string  `json:"quarantined"`
	Resolved    []string  `json:"resolved"`
	InFlight    []string  `json:"in_flight"`
	At          time.Time `json:"at"`
}

// Summary renders the report for logs and notifications.
func (r Report) Summary() string {
	return fmt.Sprintf("reconcile: matched=%d ghost=%d unmanaged=%d quarantined=%d resolved=%d in_flight=%d",
		len(r.Matched), len(r.Ghost), len(r.Unmanaged), len(r.Quarantined), len(r.Resolved), len(r.InFlight))
}

// PositionStore is the persisted side of the comparison.
type PositionStore interface {
	LoadPositions(ctx context.Context) ([]trader.Position, error)
	DeletePosition(ctx context.Context, symbol string) error
}

// Registry returns the machine for symbol, creating it when needed.
type Registry interface {
	Machine(symbol string) *trader.Machine
}

type Notifier interface {
	Notify(text string)
}

type Reconciler struct {
	mu       sync.Mutex
	broker   broker.Broker
	store    PositionStore
	machines Registry
	notifier Notifier
	nowFn    func() time.Time
}

type Option func(*Reconciler)

func WithNotifier(n Notifier) Option {
	return func(r *Reconciler) { r.notifier = n }
}

func WithClock(fn func() time.Time) Option {
	return func(r *Reconciler) {
		if fn != nil {
			r.nowFn = fn
		}
	}
}

func New(b broker.Broker, store PositionStore, machines Registry, opts ...Option) *Reconciler {
	r := &Reconciler{broker: b, store: store, machines: machines, nowFn: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run compares broker holdings with persisted and live positions. Runs are
// serialized; a broker or store read failure aborts without side effects.
func (r *Reconciler) Run(ctx context.Context) (Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.nowFn()
	rep := Report{At: now}
	holdings, err := r.broker.Holdings(ctx)
	if err != nil {
		return rep, fmt.Errorf("reconcile: holdings: %w", err)
	}
	persisted, err := r.store.LoadPositions(ctx)
	if err != nil {
		return rep, fmt.Errorf("reconcile: load positions: %w", err)
	}

	held := make(map[string]broker.Holding, len(holdings))
	for _, h := range holdings {
		if h.Qty.IsPositive() {
			held[broker.NormalizeSymbol(h.Symbol)] = h
		}
	}
	stored := make(map[string]trader.Position, len(persisted))
	for _, p := range persisted {
		stored[broker.NormalizeSymbol(p.Symbol)] = p
	}

	var errs []error
	for _, sym := range unionKeys(held, stored) {
		h, hasHolding := held[sym]
		p, hasStored := stored[sym]
		var hp *broker.Holding
		if hasHolding {
			hp = &h
		}
		var sp *trader.Position
		if hasStored {
			sp = &p
		}
		if err := r.reconcileSymbol(ctx, sym, hp, sp, now, &rep); err != nil {
			errs = append(errs, err)
		}
	}

	logger.Infof("%s", rep.Summary())
	if len(rep.Unmanaged) > 0 || len(rep.Quarantined) > 0 {
		r.notify(rep.alertText())
	}
	return rep, errors.Join(errs...)
}

func (r *Reconciler) reconcileSymbol(ctx context.Context, sym string, h *broker.Holding, p *trader.Position, now time.Time, rep *Report) error {
	m := r.machines.Machine(sym)
	live := m.Snapshot()

	switch live.State {
	case trader.StateQuarantined:
		rep.Quarantined = append(rep.Quarantined, sym)
		return nil
	case trader.StateExiting:
		rep.InFlight = append(rep.InFlight, sym)
		return nil
	case trader.StateEntering:
		if !live.Ambiguous {
			rep.InFlight = append(rep.InFlight, sym)
			return nil
		}
		if err := r.settleAmbiguous(ctx, m, h, now); err != nil {
			if errors.Is(err, ErrOrderWorking) {
				rep.InFlight = append(rep.InFlight, sym)
				return nil
			}
			return fmt.Errorf("reconcile %s: %w", sym, err)
		}
		rep.Resolved = append(rep.Resolved, sym)
		return nil
	case trader.StateHolding:
		if h == nil {
			r.quarantine(ctx, m, fmt.Sprintf("holding %s locally but broker reports none", live.Quantity), now, rep)
			return nil
		}
		if !h.Qty.Equal(live.Quantity) {
			r.quarantine(ctx, m, fmt.Sprintf("quantity mismatch: local %s, broker %s", live.Quantity, h.Qty), now, rep)
			return nil
		}
		rep.Matched = append(rep.Matched, sym)
		return nil
	}

	// IDLE / WATCHING: only persisted state and the broker are left to compare.
	switch {
	case p != nil && h == nil:
		if p.State == trader.StateExiting {
			logger.Warnf("reconcile: %s was exiting and is now flat; the trade was not recorded", sym)
		}
		if err := r.store.DeletePosition(ctx, sym); err != nil {
			return fmt.Errorf("reconcile: purge ghost %s: %w", sym, err)
		}
		rep.Ghost = append(rep.Ghost, sym)
	case p == nil && h != nil:
		logger.With("symbol", sym, "qty", h.Qty.String()).Warn("unmanaged broker position")
		rep.Unmanaged = append(rep.Unmanaged, sym)
	case p != nil && h != nil:
		return r.adopt(ctx, m, *p, *h, now, rep)
	}
	return nil
}

// adopt restores a persisted position as HOLDING. A HOLDING record must match
// the broker quantity exactly; an entry or exit interrupted by a restart
// takes the broker's quantity.
func (r *Reconciler) adopt(ctx context.Context, m *trader.Machine, p trader.Position, h broker.Holding, now time.Time, rep *Report) error {
	sym := m.Symbol()
	if p.State == trader.StateQuarantined {
		r.quarantine(ctx, m, "quarantined earlier this session: "+p.QuarantineReason, now, rep)
		return nil
	}
	if p.State == trader.StateHolding && !p.Quantity.Equal(h.Qty) {
		r.quarantine(ctx, m, fmt.Sprintf("quantity mismatch: stored %s, broker %s", p.Quantity, h.Qty), now, rep)
		return nil
	}
	if p.State != trader.StateHolding {
		p.Quantity = h.Qty
		p.EntryPrice = 0
	}
	if p.EntryPrice <= 0 {
		p.EntryPrice, _ = h.AvgEntryPrice.Float64()
	}
	m.Watch(now)
	if err := m.Adopt(ctx, p, now); err != nil {
		return fmt.Errorf("reconcile: adopt %s: %w", sym, err)
	}
	rep.Matched = append(rep.Matched, sym)
	return nil
}

func (r *Reconciler) quarantine(ctx context.Context, m *trader.Machine, reason string, now time.Time, rep *Report) {
	m.Quarantine(ctx, reason, now)
	rep.Quarantined = append(rep.Quarantined, m.Symbol())
}

// RunSymbol resolves one ambiguous entry. A symbol that is not an ambiguous
// entry is left alone. ErrOrderWorking means the entry stays ambiguous and
// should be retried later.
func (r *Reconciler) RunSymbol(ctx context.Context, symbol string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sym := broker.NormalizeSymbol(symbol)
	m := r.machines.Machine(sym)
	if live := m.Snapshot(); live.State != trader.StateEntering || !live.Ambiguous {
		return nil
	}
	holdings, err := r.broker.Holdings(ctx)
	if err != nil {
		return fmt.Errorf("reconcile %s: holdings: %w", sym, err)
	}
	var found *broker.Holding
	for i := range holdings {
		if broker.NormalizeSymbol(holdings[i].Symbol) == sym && holdings[i].Qty.IsPositive() {
			found = &holdings[i]
			break
		}
	}
	if err := r.settleAmbiguous(ctx, m, found, r.nowFn()); err != nil {
		return fmt.Errorf("reconcile %s: %w", sym, err)
	}
	logger.Infof("reconcile: ambiguous entry %s resolved to %s", sym, m.Snapshot().State)
	return nil
}

// settleAmbiguous resolves an ambiguous entry. Shares at the broker always
// win; without them the entry is released only once its order is final.
// A working order is cancelled on the way.
func (r *Reconciler) settleAmbiguous(ctx context.Context, m *trader.Machine, h *broker.Holding, now time.Time) error {
	live := m.Snapshot()
	if live.State != trader.StateEntering || !live.Ambiguous {
		return nil
	}
	held := h != nil && h.Qty.IsPositive()
	if live.OrderID != "" {
		o, err := r.finalOrder(ctx, live.OrderID)
		switch {
		case held:
			if err == nil && !o.Status.Terminal() {
				logger.Warnf("reconcile: %s holds %s while order %s is still %s", m.Symbol(), h.Qty, o.ID, o.Status)
			}
		case err != nil:
			return fmt.Errorf("order %s: %w", live.OrderID, err)
		case !o.Status.Terminal():
			return fmt.Errorf("%w: order %s %s", ErrOrderWorking, o.ID, o.Status)
		case o.FilledQty.IsPositive():
			// 持仓接口尚未反映成交时以订单为准
			h = &broker.Holding{Symbol: m.Symbol(), Qty: o.FilledQty, AvgEntryPrice: o.FilledAvgPrice}
		}
	}
	err := m.ResolveAmbiguous(ctx, h, now)
	if errors.Is(err, trader.ErrInvalidTransition) {
		return nil
	}
	return err
}

// finalOrder returns the order, cancelling it first when it is still
// working. An order the broker no longer knows counts as cancelled.
func (r *Reconciler) finalOrder(ctx context.Context, id string) (broker.Order, error) {
	o, err := r.broker.GetOrder(ctx, id)
	if errors.Is(err, broker.ErrOrderNotFound) {
		return broker.Order{ID: id, Status: broker.StatusCanceled}, nil
	}
	if err != nil || o.Status.Terminal() {
		return o, err
	}
	if cerr := r.broker.CancelOrder(ctx, id); cerr != nil && !errors.Is(cerr, broker.ErrOrderNotFound) {
		logger.Warnf("reconcile: cancel %s: %v", id, cerr)
	}
	o, err = r.broker.GetOrder(ctx, id)
	if errors.Is(err, broker.ErrOrderNotFound) {
		return broker.Order{ID: id, Status: broker.StatusCanceled}, nil
	}
	return o, err
}

func (r *Reconciler) notify(text string) {
	if r.notifier == nil || text == "" {
		return
	}
	r.notifier.Notify(text)
}

func (r Report) alertText() string {
	var b strings.Builder
	b.WriteString("⚠️ 对账异常\n")
	if len(r.Unmanaged) > 0 {
		fmt.Fprintf(&b, "Unmanaged: %s\n", strings.Join(r.Unmanaged, ", "))
	}
	if len(r.Quarantined) > 0 {
		fmt.Fprintf(&b, "Quarantined: %s\n", strings.Join(r.Quarantined, ", "))
	}
	return strings.TrimSpace(b.String())
}

func unionKeys(held map[string]broker.Holding, stored map[string]trader.Position) []string {
	seen := make(map[string]struct{}, len(held)+len(stored))
	for k := range held {
		seen[k] = struct{}{}
	}
	for k := range stored {
		seen[k] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
