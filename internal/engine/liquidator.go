package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"scalpctl/internal/gateway/broker"
	"scalpctl/internal/logger"
	"scalpctl/internal/reconcile"
	"scalpctl/internal/strategy/exit"
	"scalpctl/internal/trader"
)

var killPollInterval = 250 * time.Millisecond

// Exposure implements safety.Liquidator.
func (e *Engine) Exposure() (pending, open int) {
	for _, m := range e.registry.All() {
		switch m.Snapshot().State {
		case trader.StateEntering:
			pending++
		case trader.StateHolding, trader.StateExiting:
			open++
		}
	}
	return pending, open
}

// CancelPending cancels every working entry, including buy orders at the
// broker that no machine tracks.
func (e *Engine) CancelPending(ctx context.Context) (int, error) {
	var (
		n       int
		errs    []error
		tracked = make(map[string]struct{})
	)
	for _, m := range e.registry.All() {
		if id := m.Snapshot().OrderID; id != "" {
			tracked[id] = struct{}{}
		}
		sent, err := m.CancelPending(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", m.Symbol(), err))
			continue
		}
		if sent {
			n++
		}
	}
	orders, err := e.deps.Broker.ListOpenOrders(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("list open orders: %w", err))
		return n, errors.Join(errs...)
	}
	for _, o := range orders {
		if o.Side != broker.SideBuy {
			continue
		}
		if _, ok := tracked[o.ID]; ok {
			continue
		}
		if err := e.deps.Broker.CancelOrder(ctx, o.ID); err != nil {
			errs = append(errs, fmt.Errorf("cancel %s %s: %w", o.Symbol, o.ID, err))
			continue
		}
		logger.Warnf("engine: cancelled untracked order %s %s", o.Symbol, o.ID)
		n++
	}
	return n, errors.Join(errs...)
}

// LiquidateAll submits KILL_SWITCH exits for every open position and drives
// the machines until they settle or ctx ends.
func (e *Engine) LiquidateAll(ctx context.Context, reason string) (liquidated, remaining []string, err error) {
	logger.Warnf("engine: liquidating all positions: %s", reason)
	started := make(map[string]struct{})
	var errs []error
	for {
		now := e.now()
		open := 0
		for _, m := range e.registry.All() {
			st := m.Snapshot().State
			switch st {
			case trader.StateHolding:
				started[m.Symbol()] = struct{}{}
				if err := m.ForceExit(ctx, exit.ReasonKill, now); err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", m.Symbol(), err))
				}
				open++
			case trader.StateEntering, trader.StateExiting:
				if st == trader.StateExiting {
					started[m.Symbol()] = struct{}{}
				}
				if m.Snapshot().Ambiguous {
					// 歧义成交先对账，成交的股份下一轮按持仓平掉
					started[m.Symbol()] = struct{}{}
					e.resolveAmbiguous(ctx, m, now, true)
				}
				if err := m.Advance(ctx, now); err != nil && ctx.Err() == nil {
					logger.Warnf("engine: liquidate %s: %v", m.Symbol(), err)
				}
				open++
			}
		}
		if open == 0 {
			break
		}
		select {
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
			return e.settled(started), e.stillOpen(), errors.Join(errs...)
		case <-time.After(killPollInterval):
		}
	}
	return e.settled(started), nil, errors.Join(errs...)
}

func (e *Engine) settled(started map[string]struct{}) []string {
	var out []string
	for _, m := range e.registry.All() {
		if _, ok := started[m.Symbol()]; ok && !m.Snapshot().Open() {
			out = append(out, m.Symbol())
		}
	}
	return out
}

func (e *Engine) stillOpen() []string {
	var out []string
	for _, m := range e.registry.All() {
		if m.Snapshot().Open() {
			out = append(out, m.Symbol())
		}
	}
	return out
}

// Halt stops entries for the rest of the process lifetime. The ledger is
// latched before it returns and a running signal cycle is cancelled, so an
// oracle call already in flight cannot open a position afterwards.
func (e *Engine) Halt(reason string) {
	if e.halted.Swap(true) {
		return
	}
	e.haltReason.Store(reason)
	if err := e.deps.Ledger.Kill(context.Background(), reason); err != nil {
		logger.Errorf("engine: latch ledger: %v", err)
	}
	e.cycleMu.Lock()
	if e.cycleCancel != nil {
		e.cycleCancel()
	}
	e.cycleMu.Unlock()
	if err := e.phase.To(PhaseEmergency, reason, e.now()); err != nil {
		logger.Warnf("engine: %v", err)
	}
	logger.Errorf("engine: halted: %s", reason)
}

// HaltReason returns why the engine was halted, if it was.
func (e *Engine) HaltReason() string {
	r, _ := e.haltReason.Load().(string)
	return r
}

// resolveAmbiguous reconciles an ambiguous entry at most once per
// ResolveInterval unless force is set. It reports whether the entry left
// the ambiguous state.
func (e *Engine) resolveAmbiguous(ctx context.Context, m *trader.Machine, now time.Time, force bool) bool {
	sym := m.Symbol()
	e.resolveMu.Lock()
	last, seen := e.lastResolve[sym]
	if !force && seen && now.Sub(last) < e.cfg.ResolveInterval {
		e.resolveMu.Unlock()
		return false
	}
	e.lastResolve[sym] = now
	e.resolveMu.Unlock()

	err := e.reconciler.RunSymbol(ctx, sym)
	switch {
	case errors.Is(err, reconcile.ErrOrderWorking):
		logger.Warnf("engine: %s still ambiguous: %v", sym, err)
	case err != nil:
		e.deps.Ledger.ReportAPI(ctx, "reconcile", err)
		logger.Warnf("engine: resolve %s: %v", sym, err)
	}
	if m.Snapshot().Ambiguous {
		return false
	}
	e.resolveMu.Lock()
	delete(e.lastResolve, sym)
	e.resolveMu.Unlock()
	return true
}
