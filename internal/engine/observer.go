package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"scalpctl/internal/gateway/notifier"
	"scalpctl/internal/logger"
	"scalpctl/internal/safety"
	"scalpctl/internal/strategy/exit"
	"scalpctl/internal/strategy/mode"
	"scalpctl/internal/trader"
)

const callbackTimeout = 5 * time.Second

// OnTransition implements trader.Observer.
func (e *Engine) OnTransition(t trader.Transition) {
	switch t.To {
	case trader.StateHolding:
		if t.From == trader.StateEntering {
			p := t.Position
			logger.Infof("engine: %s entered %s @ %.2f grade=%s", t.Symbol, p.Quantity.String(), p.EntryPrice, p.Grade)
			e.notify(fmt.Sprintf("📈 %s 开仓 %s @ %.2f (%s)", t.Symbol, p.Quantity.String(), p.EntryPrice, p.Grade))
		}
	case trader.StateClosed:
		if t.Trade == nil {
			return
		}
		e.deps.Metrics.Exit(string(t.Trade.Reason))
		e.notify(notifier.TradeClosed(*t.Trade).RenderMarkdown())
		if t.Trade.Reason == exit.ReasonStopLoss && e.cfg.GlobalPauseAfterStop > 0 {
			until := t.At.Add(e.cfg.GlobalPauseAfterStop)
			e.deps.Cooldown.PauseAll(until)
			logger.Infof("engine: entries paused until %s after stop loss on %s", until.Format(time.Kitchen), t.Symbol)
		}
	case trader.StateQuarantined:
		logger.With("symbol", t.Symbol, "from", string(t.From)).Warn("engine: quarantined", "reason", t.Reason)
		e.notify(fmt.Sprintf("⚠️ %s 已隔离: %s", t.Symbol, t.Reason))
	}
}

// onEscalate is called once per position when its exit keeps failing.
func (e *Engine) onEscalate(symbol string, attempts int) {
	e.deps.Metrics.APIError("exit_escalation")
	e.notify(fmt.Sprintf("🚨 %s 平仓连续失败 %d 次，需要人工介入", symbol, attempts))
	if !e.cfg.KillOnEscalation {
		return
	}
	go func() {
		_, err := e.kill.Trigger(context.Background(), safety.KillRequest{
			Variant: safety.VariantForced,
			Reason:  fmt.Sprintf("exit of %s failed %d times", symbol, attempts),
			Source:  "escalation",
		})
		if err != nil {
			logger.Errorf("engine: escalation kill: %v", err)
		}
	}()
}

func (e *Engine) onCircuitTrip(st safety.State) {
	logger.Errorf("engine: circuit halted: %s", st.HaltReason)
	e.deps.Metrics.Portfolio(e.deps.Ledger.Snapshot().OpenCount, st.DailyPnLPct, true)
	e.notify(notifier.CircuitHalted(st).RenderMarkdown())
}

func (e *Engine) onKillReport(rep safety.KillReport) {
	e.deps.Metrics.Killed()
	var b strings.Builder
	fmt.Fprintf(&b, "🛑 Kill %s (%s): %s\n", rep.Variant, rep.Source, rep.Reason)
	if rep.Noop {
		b.WriteString("无挂单或持仓")
	} else {
		fmt.Fprintf(&b, "撤单 %d, 平仓 %v", rep.Cancelled, rep.Liquidated)
		if len(rep.Remaining) > 0 {
			fmt.Fprintf(&b, "\n未平: %v", rep.Remaining)
		}
	}
	logger.InfoBlock(b.String())
	e.notify(b.String())
}

func (e *Engine) onModeTransition(from, to mode.Mode) {
	ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
	defer cancel()
	if err := e.deps.Store.SaveModeTransition(ctx, from, to); err != nil {
		logger.Warnf("engine: save mode: %v", err)
	}
	e.deps.Metrics.Mode(string(to.Name))
	logger.Infof("engine: mode %s -> %s (%s)", from.Name, to.Name, to.Reason)
	e.notify(fmt.Sprintf("🔁 模式 %s → %s: %s", from.Name, to.Name, to.Reason))
}
