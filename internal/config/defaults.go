package config

import (
	"os"
	"strings"
)

// 默认值常量
const (
	defaultAppEnv            = "dev"
	defaultAppLogLevel       = "info"
	defaultAppLogFormat      = "text"
	defaultAppHTTPAddr       = "127.0.0.1:9991"
	defaultAppLogPath        = "data/logs/scalpctl.log"
	defaultAppOracleLogPath  = "data/logs/scalpctl-oracle.log"
	defaultSessionTimezone   = "America/New_York"
	defaultSessionOpen       = "09:30"
	defaultSessionClose      = "16:00"
	defaultSessionCutoff     = "15:50"
	defaultPreOpenCron       = "0 25 9 * * MON-FRI"
	defaultPostCloseCron     = "0 5 16 * * MON-FRI"
	defaultIndexSymbol       = "SPY"
	defaultBrokerKind        = "paper"
	defaultBrokerURL         = "https://paper-api.alpaca.markets"
	defaultPaperCash         = 100000
	defaultMarketKind        = "paper"
	defaultBarsLookback      = 60
	defaultIndexMAPeriod     = 20
	defaultBarsCache         = 1800
	defaultOracleURL         = "https://api.openai.com/v1"
	defaultOracleModel       = "gpt-4o-mini"
	defaultOracleTimeout     = 20
	defaultOracleRetries     = 2
	defaultOracleConcurrency = 2
	defaultOraclePrefilter   = 60
	defaultOracleBreaker     = 3
	defaultOracleBreakerWait = 120
	defaultMaxRawScore       = 85
	defaultInitialMode       = "BALANCED"
	defaultModeDwell         = 900
	defaultBullBandPct       = 0.5
	defaultLossStreakDef     = 3
	defaultDailyLossDefPct   = -1.5
	defaultIndexDropDefPct   = -1.5
	defaultStopLossPct       = 1.5
	defaultArmPolicy         = "profit_pct"
	defaultArmProfitPct      = 0.5
	defaultTimeStopMinutes   = 3
	defaultTimeStopMinProfit = 0.3
	defaultMaxHoldMinutes    = 10
	defaultCooldown          = 600
	defaultLossCooldown      = 900
	defaultLossPenalty       = 300
	defaultMaxCooldown       = 1800
	defaultIndexDropPct      = -2
	defaultDailyLossPct      = -3
	defaultMaxStopLosses     = 5
	defaultMaxAPIErrors      = 3
	defaultKillTimeout       = 20
	defaultMaxOpenPositions  = 3
	defaultPositionSizeUSD   = 1000
	defaultMaxPositionPct    = 0.2
	defaultMaxSlippagePct    = 1.5
	defaultJudgmentTTL       = 30
	defaultRiskInterval      = 2
	defaultSignalInterval    = 60
	defaultWorkers           = 4
	defaultEntryTimeout      = 30
	defaultExitTimeout       = 15
	defaultMaxExitAttempts   = 5
	defaultRetryAttempts     = 3
	defaultRetryBaseMillis   = 500
	defaultResolveInterval   = 30
	defaultNotifyQueue       = 64
	defaultStorePath         = "data/scalpctl.db"
	defaultJournalPath       = "data/journal.db"
	envAlpacaKey             = "APCA_API_KEY_ID"
	envAlpacaSecret          = "APCA_API_SECRET_KEY"
	envOracleKey             = "ORACLE_API_KEY"
	envTelegramToken         = "TELEGRAM_BOT_TOKEN"
	envTelegramChat          = "TELEGRAM_CHAT_ID"
	defaultStopFile          = "data/STOP"
)

// applyDefaults 为所有子配置应用默认值。
func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Session.applyDefaults(keys)
	c.Universe.applyDefaults(keys)
	c.Broker.applyDefaults(keys)
	c.Market.applyDefaults(keys)
	c.Oracle.applyDefaults(keys)
	c.Score.applyDefaults(keys)
	c.Modes.applyDefaults(keys)
	c.Exit.applyDefaults(keys)
	c.Cooldown.applyDefaults(keys)
	c.Circuit.applyDefaults(keys)
	c.Safety.applyDefaults(keys)
	c.Trading.applyDefaults(keys)
	c.Engine.applyDefaults(keys)
	c.Notify.applyDefaults(keys)
	c.Store.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.log_format", &a.LogFormat, defaultAppLogFormat),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
		stringFieldDefault("app.log_path", &a.LogPath, defaultAppLogPath),
		stringFieldDefault("app.oracle_log_path", &a.OracleLog, defaultAppOracleLogPath),
	)
}

func (s *SessionConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("session.timezone", &s.Timezone, defaultSessionTimezone),
		stringFieldDefault("session.open", &s.Open, defaultSessionOpen),
		stringFieldDefault("session.close", &s.Close, defaultSessionClose),
		stringFieldDefault("session.liquidation_cutoff", &s.LiquidationCutoff, defaultSessionCutoff),
		stringFieldDefault("session.pre_open_cron", &s.PreOpenCron, defaultPreOpenCron),
		stringFieldDefault("session.post_close_cron", &s.PostCloseCron, defaultPostCloseCron),
	)
}

func (u *UniverseConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("universe.index_symbol", &u.IndexSymbol, defaultIndexSymbol),
	)
	u.IndexSymbol = strings.ToUpper(strings.TrimSpace(u.IndexSymbol))
	u.Symbols = normalizeSymbols(u.Symbols)
}

func (b *BrokerConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("broker.kind", &b.Kind, defaultBrokerKind),
		stringFieldDefault("broker.base_url", &b.BaseURL, defaultBrokerURL),
		envFieldDefault(&b.APIKey, envAlpacaKey),
		envFieldDefault(&b.APISecret, envAlpacaSecret),
		floatFieldDefault("broker.paper_cash", &b.PaperCash, defaultPaperCash),
	)
	b.Kind = strings.ToLower(strings.TrimSpace(b.Kind))
}

func (m *MarketConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("market.kind", &m.Kind, defaultMarketKind),
		intFieldDefault("market.bars_lookback", &m.BarsLookback, defaultBarsLookback),
		intFieldDefault("market.index_ma_period", &m.IndexMAPeriod, defaultIndexMAPeriod),
		intFieldDefault("market.cache_seconds", &m.CacheSeconds, defaultBarsCache),
	)
	m.Kind = strings.ToLower(strings.TrimSpace(m.Kind))
	if len(m.PaperPrices) > 0 {
		// viper 会把 map 键转成小写
		prices := make(map[string]float64, len(m.PaperPrices))
		for sym, px := range m.PaperPrices {
			prices[strings.ToUpper(strings.TrimSpace(sym))] = px
		}
		m.PaperPrices = prices
	}
}

func (o *OracleConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		boolFieldDefault("oracle.enabled", &o.Enabled, true),
		stringFieldDefault("oracle.base_url", &o.BaseURL, defaultOracleURL),
		stringFieldDefault("oracle.model", &o.Model, defaultOracleModel),
		envFieldDefault(&o.APIKey, envOracleKey),
		intFieldDefault("oracle.timeout_seconds", &o.TimeoutSeconds, defaultOracleTimeout),
		intFieldDefault("oracle.max_retries", &o.MaxRetries, defaultOracleRetries),
		intFieldDefault("oracle.concurrency", &o.Concurrency, defaultOracleConcurrency),
		floatFieldDefault("oracle.prefilter_score", &o.PrefilterScore, defaultOraclePrefilter),
		intFieldDefault("oracle.breaker_threshold", &o.BreakerThreshold, defaultOracleBreaker),
		intFieldDefault("oracle.breaker_cooldown_seconds", &o.BreakerCooldownSeconds, defaultOracleBreakerWait),
	)
}

func (s *ScoreConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		floatFieldDefault("score.max_raw_score", &s.MaxRawScore, defaultMaxRawScore),
	)
}

// DefaultThresholds 对应 DEFENSIVE / BALANCED / AGGRESSIVE 三档门槛。
func DefaultThresholds() map[string]ThresholdConfig {
	return map[string]ThresholdConfig{
		"DEFENSIVE":  {MinScore: 75, ConservativeMinScore: 85, MinConfidence: 0.75, PremiumPct: 0.5},
		"BALANCED":   {MinScore: 70, ConservativeMinScore: 80, MinConfidence: 0.65, PremiumPct: 1.0},
		"AGGRESSIVE": {MinScore: 65, ConservativeMinScore: 75, MinConfidence: 0.6, PremiumPct: 1.5},
	}
}

func (m *ModesConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("modes.initial", &m.Initial, defaultInitialMode),
		intFieldDefault("modes.dwell_seconds", &m.DwellSeconds, defaultModeDwell),
		floatFieldDefault("modes.bull_band_pct", &m.BullBandPct, defaultBullBandPct),
		intFieldDefault("modes.loss_streak_defensive", &m.LossStreakDefensive, defaultLossStreakDef),
		floatFieldDefault("modes.daily_loss_defensive_pct", &m.DailyLossDefensivePct, defaultDailyLossDefPct),
		floatFieldDefault("modes.index_drop_defensive_pct", &m.IndexDropDefensivePct, defaultIndexDropDefPct),
	)
	m.Initial = strings.ToUpper(strings.TrimSpace(m.Initial))
	m.Force = strings.ToUpper(strings.TrimSpace(m.Force))
	// viper 会把 map 的 key 统一转成小写
	table := make(map[string]string, len(m.RegimeTable))
	for k, v := range m.RegimeTable {
		table[strings.ToUpper(strings.TrimSpace(k))] = strings.ToUpper(strings.TrimSpace(v))
	}
	if len(table) == 0 {
		table = map[string]string{"BULL": "AGGRESSIVE", "NEUTRAL": "BALANCED", "BEAR": "DEFENSIVE"}
	}
	m.RegimeTable = table
	thresholds := DefaultThresholds()
	for k, v := range m.Thresholds {
		name := strings.ToUpper(strings.TrimSpace(k))
		base, known := thresholds[name]
		prefix := "modes.thresholds." + strings.ToLower(name) + "."
		merged := v
		if known {
			if !keys.isSet(prefix + "min_score") {
				merged.MinScore = base.MinScore
			}
			if !keys.isSet(prefix + "min_confidence") {
				merged.MinConfidence = base.MinConfidence
			}
			if !keys.isSet(prefix + "premium_pct") {
				merged.PremiumPct = base.PremiumPct
			}
		}
		// 未显式设置保守门槛时与主门槛一致
		if !keys.isSet(prefix + "conservative_min_score") {
			merged.ConservativeMinScore = merged.MinScore
		}
		thresholds[name] = merged
	}
	m.Thresholds = thresholds
}

func (e *ExitConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		floatFieldDefault("exit.stop_loss_pct", &e.StopLossPct, defaultStopLossPct),
		stringFieldDefault("exit.arm_policy", &e.ArmPolicy, defaultArmPolicy),
		floatFieldDefault("exit.arm_profit_pct", &e.ArmProfitPct, defaultArmProfitPct),
		intFieldDefault("exit.time_stop_minutes", &e.TimeStopMinutes, defaultTimeStopMinutes),
		floatFieldDefault("exit.time_stop_min_profit_pct", &e.TimeStopMinProfitPct, defaultTimeStopMinProfit),
		intFieldDefault("exit.max_hold_minutes", &e.MaxHoldMinutes, defaultMaxHoldMinutes),
	)
	e.ArmPolicy = strings.ToLower(strings.TrimSpace(e.ArmPolicy))
	e.GradeTargets = mergeGradeTable(map[string]float64{"S": 1.5, "A": 1.2, "B": 1.0, "C": 0.8}, e.GradeTargets)
	e.GradeTrail = mergeGradeTable(map[string]float64{"S": 0.5, "A": 0.4, "B": 0.3, "C": 0.3}, e.GradeTrail)
}

func (c *CooldownConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		intFieldDefault("cooldown.duration_seconds", &c.DurationSeconds, defaultCooldown),
		intFieldDefault("cooldown.loss_duration_seconds", &c.LossDurationSeconds, defaultLossCooldown),
		intFieldDefault("cooldown.loss_penalty_seconds", &c.LossPenaltySeconds, defaultLossPenalty),
		intFieldDefault("cooldown.max_seconds", &c.MaxSeconds, defaultMaxCooldown),
	)
}

func (c *CircuitConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		floatFieldDefault("circuit.index_drop_pct", &c.IndexDropPct, defaultIndexDropPct),
		floatFieldDefault("circuit.daily_loss_pct", &c.DailyLossPct, defaultDailyLossPct),
		intFieldDefault("circuit.max_consecutive_stop_losses", &c.MaxConsecutiveStopLosses, defaultMaxStopLosses),
		intFieldDefault("circuit.max_api_errors", &c.MaxAPIErrors, defaultMaxAPIErrors),
	)
}

func (s *SafetyConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("safety.stop_file", &s.StopFile, defaultStopFile),
		intFieldDefault("safety.kill_timeout_seconds", &s.KillTimeoutSeconds, defaultKillTimeout),
		boolFieldDefault("safety.kill_on_exit_escalation", &s.KillOnExitEscalation, true),
	)
}

func (t *TradingConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		intFieldDefault("trading.max_open_positions", &t.MaxOpenPositions, defaultMaxOpenPositions),
		floatFieldDefault("trading.position_size_usd", &t.PositionSizeUSD, defaultPositionSizeUSD),
		floatFieldDefault("trading.max_position_pct", &t.MaxPositionPct, defaultMaxPositionPct),
		floatFieldDefault("trading.max_slippage_pct", &t.MaxSlippagePct, defaultMaxSlippagePct),
		intFieldDefault("trading.judgment_ttl_seconds", &t.JudgmentTTLSeconds, defaultJudgmentTTL),
	)
}

func (e *EngineConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		intFieldDefault("engine.risk_interval_seconds", &e.RiskIntervalSeconds, defaultRiskInterval),
		intFieldDefault("engine.signal_interval_seconds", &e.SignalIntervalSeconds, defaultSignalInterval),
		intFieldDefault("engine.workers", &e.Workers, defaultWorkers),
		intFieldDefault("engine.entry_timeout_seconds", &e.EntryTimeoutSeconds, defaultEntryTimeout),
		intFieldDefault("engine.exit_timeout_seconds", &e.ExitTimeoutSeconds, defaultExitTimeout),
		intFieldDefault("engine.max_exit_attempts", &e.MaxExitAttempts, defaultMaxExitAttempts),
		intFieldDefault("engine.retry_attempts", &e.RetryAttempts, defaultRetryAttempts),
		intFieldDefault("engine.retry_base_millis", &e.RetryBaseMillis, defaultRetryBaseMillis),
		intFieldDefault("engine.resolve_interval_seconds", &e.ResolveIntervalSeconds, defaultResolveInterval),
	)
}

func (n *NotifyConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		intFieldDefault("notify.queue_size", &n.QueueSize, defaultNotifyQueue),
		envFieldDefault(&n.Telegram.BotToken, envTelegramToken),
		envFieldDefault(&n.Telegram.ChatID, envTelegramChat),
	)
}

func (s *StoreConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("store.path", &s.Path, defaultStorePath),
		stringFieldDefault("store.journal_path", &s.JournalPath, defaultJournalPath),
	)
}

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return target != nil && strings.TrimSpace(*target) == "" },
		apply: func() { *target = def },
	}
}

func intFieldDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return target != nil && *target <= 0 },
		apply: func() { *target = def },
	}
}

func floatFieldDefault(key string, target *float64, def float64) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return target != nil && *target == 0 },
		apply: func() { *target = def },
	}
}

func boolFieldDefault(key string, target *bool, def bool) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return target != nil },
		apply: func() { *target = def },
	}
}

// envFieldDefault fills secrets left empty in the file from the environment.
func envFieldDefault(target *string, env string) fieldDefault {
	return fieldDefault{
		need:  func() bool { return target != nil && strings.TrimSpace(*target) == "" },
		apply: func() { *target = strings.TrimSpace(os.Getenv(env)) },
	}
}

func mergeGradeTable(defaults, overrides map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(defaults))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range overrides {
		out[strings.ToUpper(strings.TrimSpace(k))] = v
	}
	return out
}

func normalizeSymbols(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, sym := range in {
		sym = strings.ToUpper(strings.TrimSpace(sym))
		if sym == "" || seen[sym] {
			continue
		}
		seen[sym] = true
		out = append(out, sym)
	}
	return out
}
