package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"scalpctl/internal/gateway/notifier"
	"scalpctl/internal/logger"
	"scalpctl/internal/reconcile"
	"scalpctl/internal/trader"
)

// OpenSession prepares the session of today: ledger reset from broker cash,
// restore of same-session circuit/mode and live cooldowns, then the
// reconcile that unblocks entries. Calling it again on the same date only
// retries a failed reconcile.
func (e *Engine) OpenSession(ctx context.Context) error {
	e.sessionMu.Lock()
	defer e.sessionMu.Unlock()
	now := e.now()
	date := e.sessionDate(now)
	if e.session == date && e.reconciled.Load() {
		return nil
	}
	if e.session != date {
		e.reconciled.Store(false)
		if err := e.resetLedger(ctx, date); err != nil {
			return err
		}
		e.restore(ctx, date, now)
		e.session = date
		logger.Infof("engine: session %s opened", date)
	}
	if _, err := e.RunReconcile(ctx); err != nil {
		return err
	}
	for _, m := range e.registry.All() {
		m.Watch(now)
	}
	return nil
}

func (e *Engine) resetLedger(ctx context.Context, date string) error {
	cash, err := e.deps.Broker.Cash(ctx)
	if err != nil {
		e.deps.Ledger.ReportAPI(ctx, "broker.cash", err)
		return fmt.Errorf("session %s: cash: %w", date, err)
	}
	holdings, err := e.deps.Broker.Holdings(ctx)
	if err != nil {
		e.deps.Ledger.ReportAPI(ctx, "broker.holdings", err)
		return fmt.Errorf("session %s: holdings: %w", date, err)
	}
	equity := cash
	for _, h := range holdings {
		equity = equity.Add(h.Qty.Mul(h.AvgEntryPrice))
	}
	trades, err := e.deps.Store.ListTrades(ctx, date)
	if err != nil {
		return fmt.Errorf("session %s: trades: %w", date, err)
	}
	realized := decimal.Zero
	for _, t := range trades {
		realized = realized.Add(t.PnL)
	}
	return e.deps.Ledger.ResetSession(ctx, trader.SessionPayload{
		Session:     date,
		StartEquity: equity.Sub(realized),
		Cash:        cash,
		Realized:    realized,
	})
}

// restore reloads state persisted earlier in the same session. Failures are
// logged; the defaults are safe.
func (e *Engine) restore(ctx context.Context, date string, now time.Time) {
	if st, ok, err := e.deps.Store.LoadCircuit(ctx, date); err != nil {
		logger.Warnf("engine: load circuit: %v", err)
	} else if ok {
		if err := e.deps.Ledger.RestoreCircuit(ctx, st); err != nil {
			logger.Warnf("engine: restore circuit: %v", err)
		}
	}
	if m, ok, err := e.deps.Store.LoadMode(ctx, date); err != nil {
		logger.Warnf("engine: load mode: %v", err)
	} else if ok {
		if err := e.deps.Modes.Restore(m); err != nil {
			logger.Warnf("engine: restore mode: %v", err)
		}
	}
	if entries, err := e.deps.Store.LoadCooldowns(ctx, now); err != nil {
		logger.Warnf("engine: load cooldowns: %v", err)
	} else {
		e.deps.Cooldown.Restore(entries)
	}
	e.deps.Metrics.Mode(string(e.deps.Modes.Current().Name))
}

// RunReconcile runs a full reconcile. A clean run unblocks entries.
func (e *Engine) RunReconcile(ctx context.Context) (reconcile.Report, error) {
	rep, err := e.reconciler.Run(ctx)
	e.lastReport.Store(rep)
	e.deps.Metrics.Reconcile(map[string]int{
		"ghost":       len(rep.Ghost),
		"unmanaged":   len(rep.Unmanaged),
		"matched":     len(rep.Matched),
		"quarantined": len(rep.Quarantined),
	})
	if err != nil {
		e.deps.Ledger.ReportAPI(ctx, "reconcile", err)
		return rep, err
	}
	if !e.reconciled.Swap(true) {
		logger.Infof("engine: reconcile complete, entries enabled")
	}
	return rep, nil
}

// CloseSession sends the daily summary once per session.
func (e *Engine) CloseSession(ctx context.Context) {
	e.sessionMu.Lock()
	defer e.sessionMu.Unlock()
	now := e.now()
	date := e.sessionDate(now)
	if e.summarized == date {
		return
	}
	trades, err := e.deps.Store.ListTrades(ctx, date)
	if err != nil {
		logger.Errorf("engine: daily summary: %v", err)
		return
	}
	e.summarized = date
	snap := e.deps.Ledger.Snapshot()
	if open := e.registry.Positions(); len(open) > 0 {
		syms := make([]string, 0, len(open))
		for _, p := range open {
			syms = append(syms, fmt.Sprintf("%s(%s)", p.Symbol, p.State))
		}
		logger.Warnf("engine: positions still open after close: %v", syms)
	}
	msg := notifier.DailySummary(date, trades, snap, now)
	logger.InfoBlock(msg.RenderMarkdown())
	e.notify(msg.RenderMarkdown())
}

func (e *Engine) notify(text string) {
	if e.deps.Notifier != nil {
		e.deps.Notifier.Notify(text)
	}
}
