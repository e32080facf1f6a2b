package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"scalpctl/internal/logger"
	"scalpctl/internal/safety"
	"scalpctl/internal/trader"
)

// RiskCycle is one pass of the fast loop: session phase, pending orders,
// exit rules for every holding, then portfolio marks.
func (e *Engine) RiskCycle(ctx context.Context) {
	started := time.Now()
	defer e.deps.Metrics.ObserveCycle("risk", started)
	now := e.now()
	e.syncPhase(ctx, now)

	evaluate := !e.halted.Load()
	if p := e.phase.Current(); p != PhaseTrading && p != PhaseClosing {
		evaluate = false
	}

	var (
		mu         sync.Mutex
		unrealized = make(map[string]decimal.Decimal)
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)
	for _, m := range e.registry.All() {
		m := m
		g.Go(func() error {
			u, ok := e.riskSymbol(gctx, m, now, evaluate)
			if ok {
				mu.Lock()
				unrealized[m.Symbol()] = u
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := e.deps.Ledger.Mark(ctx, unrealized); err != nil {
		logger.Warnf("engine: mark: %v", err)
	}
	snap := e.deps.Ledger.Snapshot()
	e.deps.Metrics.Portfolio(snap.OpenCount, snap.DailyPnLPct, snap.Circuit.Halted)
	e.checkEmergency(ctx, snap)
}

// riskSymbol advances the machine and, for holdings, evaluates the exit
// rules at the latest price. It returns the unrealized PnL of a holding.
func (e *Engine) riskSymbol(ctx context.Context, m *trader.Machine, now time.Time, evaluate bool) (u decimal.Decimal, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("engine: risk %s panic: %v\n%s", m.Symbol(), r, debug.Stack())
			ok = false
		}
	}()
	if err := m.Advance(ctx, now); err != nil {
		logger.Warnf("engine: advance %s: %v", m.Symbol(), err)
	}
	if m.Snapshot().Ambiguous {
		e.resolveAmbiguous(ctx, m, now, false)
	}
	st := m.Snapshot().State
	if st != trader.StateHolding && st != trader.StateExiting {
		return decimal.Zero, false
	}
	price, err := e.deps.Feed.LatestPrice(ctx, m.Symbol())
	e.deps.Ledger.ReportAPI(ctx, "market.price", err)
	if err != nil {
		logger.Warnf("engine: price %s: %v", m.Symbol(), err)
		return decimal.Zero, false
	}
	if evaluate && st == trader.StateHolding {
		d, err := m.Evaluate(ctx, price, now)
		if err != nil {
			logger.Warnf("engine: exit %s: %v", m.Symbol(), err)
		} else if d.Exit() {
			logger.Infof("engine: exit %s %s @ %.2f", m.Symbol(), d.Reason, price)
		}
	}
	return m.Unrealized(price)
}

// checkEmergency fires a forced kill once the daily loss breaches the
// emergency level, which sits below the circuit's own daily loss limit.
func (e *Engine) checkEmergency(ctx context.Context, snap trader.LedgerSnapshot) {
	limit := e.cfg.EmergencyDailyLossPct
	if limit >= 0 || snap.DailyPnLPct > limit || e.kill.Killed() {
		return
	}
	reason := fmt.Sprintf("daily pnl %.2f%% <= %.2f%%", snap.DailyPnLPct, limit)
	logger.Errorf("engine: emergency: %s", reason)
	if _, err := e.kill.Trigger(ctx, safety.KillRequest{
		Variant: safety.VariantForced,
		Reason:  reason,
		Source:  "emergency",
	}); err != nil {
		logger.Errorf("engine: emergency kill: %v", err)
	}
}
