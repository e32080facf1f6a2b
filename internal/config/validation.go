package config

import (
	"fmt"
	"strings"
	"time"
)

// validate 对配置进行基础校验。
func validate(c *Config) error {
	if err := c.Session.validate(); err != nil {
		return err
	}
	if err := c.Universe.validate(); err != nil {
		return err
	}
	if err := c.Broker.validate(); err != nil {
		return err
	}
	if err := c.Market.validate(); err != nil {
		return err
	}
	if err := c.Oracle.validate(); err != nil {
		return err
	}
	if c.Score.MaxRawScore <= 0 {
		return fmt.Errorf("score.max_raw_score must be > 0")
	}
	if err := c.Modes.validate(); err != nil {
		return err
	}
	if err := c.Exit.validate(); err != nil {
		return err
	}
	if err := c.Circuit.validate(); err != nil {
		return err
	}
	if err := c.Trading.validate(); err != nil {
		return err
	}
	if err := c.Engine.validate(); err != nil {
		return err
	}
	return c.Notify.validate()
}

func (s *SessionConfig) validate() error {
	if _, err := time.LoadLocation(strings.TrimSpace(s.Timezone)); err != nil {
		return fmt.Errorf("session.timezone invalid: %w", err)
	}
	open, err := ParseClock(s.Open)
	if err != nil {
		return fmt.Errorf("session.open: %w", err)
	}
	closeAt, err := ParseClock(s.Close)
	if err != nil {
		return fmt.Errorf("session.close: %w", err)
	}
	cutoff, err := ParseClock(s.LiquidationCutoff)
	if err != nil {
		return fmt.Errorf("session.liquidation_cutoff: %w", err)
	}
	if closeAt <= open {
		return fmt.Errorf("session.close must be after session.open")
	}
	if cutoff <= open || cutoff > closeAt {
		return fmt.Errorf("session.liquidation_cutoff must fall inside the session")
	}
	return nil
}

func (u *UniverseConfig) validate() error {
	if len(u.Symbols) == 0 {
		return fmt.Errorf("universe.symbols requires at least one symbol")
	}
	return nil
}

func (b *BrokerConfig) validate() error {
	switch b.Kind {
	case "paper":
		if b.PaperCash <= 0 {
			return fmt.Errorf("broker.paper_cash must be > 0")
		}
	case "alpaca":
		if b.APIKey == "" || b.APISecret == "" {
			return fmt.Errorf("broker.alpaca requires api_key/api_secret (or APCA_API_KEY_ID/APCA_API_SECRET_KEY)")
		}
	default:
		return fmt.Errorf("broker.kind must be paper or alpaca, got %q", b.Kind)
	}
	return nil
}

func (m *MarketConfig) validate() error {
	if m.Kind != "paper" && m.Kind != "alpaca" {
		return fmt.Errorf("market.kind must be paper or alpaca, got %q", m.Kind)
	}
	if m.BarsLookback < 21 {
		return fmt.Errorf("market.bars_lookback must be >= 21")
	}
	if m.IndexMAPeriod < 2 || m.IndexMAPeriod >= m.BarsLookback {
		return fmt.Errorf("market.index_ma_period must be in [2, bars_lookback)")
	}
	return nil
}

func (o *OracleConfig) validate() error {
	if !o.Enabled {
		return nil
	}
	if strings.TrimSpace(o.Model) == "" {
		return fmt.Errorf("oracle.model cannot be empty")
	}
	if o.Concurrency <= 0 {
		return fmt.Errorf("oracle.concurrency must be > 0")
	}
	if o.PrefilterScore < 0 || o.PrefilterScore > 100 {
		return fmt.Errorf("oracle.prefilter_score must be within [0,100]")
	}
	return nil
}

func (m *ModesConfig) validate() error {
	for _, name := range []string{"DEFENSIVE", "BALANCED", "AGGRESSIVE"} {
		th, ok := m.Thresholds[name]
		if !ok {
			return fmt.Errorf("modes.thresholds.%s missing", strings.ToLower(name))
		}
		if th.MinScore < 0 || th.MinScore > 100 || th.ConservativeMinScore < 0 || th.ConservativeMinScore > 100 {
			return fmt.Errorf("modes.thresholds.%s scores must be within [0,100]", strings.ToLower(name))
		}
		if th.MinConfidence < 0 || th.MinConfidence > 1 {
			return fmt.Errorf("modes.thresholds.%s.min_confidence must be within [0,1]", strings.ToLower(name))
		}
		if th.PremiumPct < 0 {
			return fmt.Errorf("modes.thresholds.%s.premium_pct must be >= 0", strings.ToLower(name))
		}
	}
	if _, ok := m.Thresholds[m.Initial]; !ok {
		return fmt.Errorf("modes.initial references unknown mode %q", m.Initial)
	}
	if m.Force != "" {
		if _, ok := m.Thresholds[m.Force]; !ok {
			return fmt.Errorf("modes.force references unknown mode %q", m.Force)
		}
	}
	for regime, name := range m.RegimeTable {
		if _, ok := m.Thresholds[name]; !ok {
			return fmt.Errorf("modes.regime_table.%s references unknown mode %q", strings.ToLower(regime), name)
		}
	}
	return nil
}

func (e *ExitConfig) validate() error {
	if e.StopLossPct <= 0 || e.StopLossPct >= 100 {
		return fmt.Errorf("exit.stop_loss_pct must be within (0,100)")
	}
	switch e.ArmPolicy {
	case "take_profit", "new_high":
	case "profit_pct":
		if e.ArmProfitPct <= 0 {
			return fmt.Errorf("exit.arm_profit_pct must be > 0 for arm_policy=profit_pct")
		}
	default:
		return fmt.Errorf("exit.arm_policy must be take_profit, profit_pct or new_high, got %q", e.ArmPolicy)
	}
	if e.TimeStopMinutes < 0 || e.MaxHoldMinutes < 0 {
		return fmt.Errorf("exit.time_stop_minutes and exit.max_hold_minutes must be >= 0")
	}
	if e.TimeStopMinProfitPct < 0 {
		return fmt.Errorf("exit.time_stop_min_profit_pct must be >= 0")
	}
	if e.TimeStopMinutes > 0 && e.MaxHoldMinutes > 0 && e.MaxHoldMinutes < e.TimeStopMinutes {
		return fmt.Errorf("exit.max_hold_minutes must be >= exit.time_stop_minutes")
	}
	for _, grade := range []string{"S", "A", "B", "C"} {
		if e.GradeTargets[grade] <= 0 {
			return fmt.Errorf("exit.grade_targets.%s must be > 0", strings.ToLower(grade))
		}
		if e.GradeTrail[grade] <= 0 {
			return fmt.Errorf("exit.grade_trailing.%s must be > 0", strings.ToLower(grade))
		}
	}
	return nil
}

func (c *CircuitConfig) validate() error {
	if c.IndexDropPct >= 0 || c.DailyLossPct >= 0 {
		return fmt.Errorf("circuit.index_drop_pct and circuit.daily_loss_pct must be negative")
	}
	if c.MaxConsecutiveStopLosses <= 0 || c.MaxAPIErrors <= 0 {
		return fmt.Errorf("circuit counters must be > 0")
	}
	return nil
}

func (t *TradingConfig) validate() error {
	if t.MaxOpenPositions <= 0 {
		return fmt.Errorf("trading.max_open_positions must be > 0")
	}
	if t.PositionSizeUSD <= 0 {
		return fmt.Errorf("trading.position_size_usd must be > 0")
	}
	if t.MaxPositionPct <= 0 || t.MaxPositionPct > 1 {
		return fmt.Errorf("trading.max_position_pct must be within (0,1]")
	}
	return nil
}

func (e *EngineConfig) validate() error {
	if e.RiskIntervalSeconds >= e.SignalIntervalSeconds {
		return fmt.Errorf("engine.risk_interval_seconds must be shorter than engine.signal_interval_seconds")
	}
	if e.MaxExitAttempts <= 0 {
		return fmt.Errorf("engine.max_exit_attempts must be > 0")
	}
	if e.ResolveIntervalSeconds < e.RiskIntervalSeconds {
		return fmt.Errorf("engine.resolve_interval_seconds must be >= engine.risk_interval_seconds")
	}
	return nil
}

func (n *NotifyConfig) validate() error {
	if n.Telegram.Enabled && (n.Telegram.BotToken == "" || n.Telegram.ChatID == "") {
		return fmt.Errorf("notify.telegram enabled but bot_token/chat_id missing")
	}
	return nil
}

// ParseClock parses "HH:MM" into an offset from midnight.
func ParseClock(raw string) (time.Duration, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("expected HH:MM, got %q", raw)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}
