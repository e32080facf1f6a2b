package engine

import (
	"context"
	"time"

	"scalpctl/internal/cooldown"
	"scalpctl/internal/reconcile"
	"scalpctl/internal/safety"
	"scalpctl/internal/strategy/mode"
	"scalpctl/internal/trader"
)

// Status is the operator view served by the admin API.
type Status struct {
	Phase         Phase                 `json:"phase"`
	PhaseHistory  []PhaseChange         `json:"phase_history,omitempty"`
	Session       string                `json:"session"`
	Reconciled    bool                  `json:"reconciled"`
	Halted        bool                  `json:"halted"`
	HaltReason    string                `json:"halt_reason,omitempty"`
	Mode          mode.Mode             `json:"mode"`
	Ledger        trader.LedgerSnapshot `json:"ledger"`
	Positions     []trader.Position     `json:"positions"`
	Cooldowns     []cooldown.Entry      `json:"cooldowns,omitempty"`
	GlobalPause   time.Time             `json:"global_pause,omitempty"`
	LastCycle     *CycleSummary         `json:"last_cycle,omitempty"`
	LastReconcile *reconcile.Report     `json:"last_reconcile,omitempty"`
	LastKill      *safety.KillReport    `json:"last_kill,omitempty"`
	NextCron      []time.Time           `json:"next_cron,omitempty"`
	At            time.Time             `json:"at"`
}

func (e *Engine) Status() Status {
	now := e.now()
	e.sessionMu.Lock()
	session := e.session
	e.sessionMu.Unlock()
	st := Status{
		Phase:        e.phase.Current(),
		PhaseHistory: e.phase.History(),
		Session:      session,
		Reconciled:   e.reconciled.Load(),
		Halted:       e.halted.Load(),
		HaltReason:   e.HaltReason(),
		Mode:         e.deps.Modes.Current(),
		Ledger:       e.deps.Ledger.Snapshot(),
		Positions:    e.registry.Positions(),
		Cooldowns:    e.deps.Cooldown.Snapshot(),
		NextCron:     e.cron.Next(),
		At:           now,
	}
	if g := e.deps.Cooldown.GlobalUntil(); g.After(now) {
		st.GlobalPause = g
	}
	if c, ok := e.LastCycle(); ok {
		st.LastCycle = &c
	}
	if r, ok := e.LastReconcile(); ok {
		st.LastReconcile = &r
	}
	if k, ok := e.kill.Last(); ok {
		st.LastKill = &k
	}
	return st
}

// Kill runs the kill switch on behalf of an operator.
func (e *Engine) Kill(ctx context.Context, req safety.KillRequest) (safety.KillReport, error) {
	return e.kill.Trigger(ctx, req)
}
