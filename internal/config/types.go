package config

import (
	"strings"
	"time"
)

// Config 是 scalpctl 的主配置载体。
type Config struct {
	App      AppConfig      `toml:"app"`
	Session  SessionConfig  `toml:"session"`
	Universe UniverseConfig `toml:"universe"`
	Broker   BrokerConfig   `toml:"broker"`
	Market   MarketConfig   `toml:"market"`
	Oracle   OracleConfig   `toml:"oracle"`
	Score    ScoreConfig    `toml:"score"`
	Modes    ModesConfig    `toml:"modes"`
	Exit     ExitConfig     `toml:"exit"`
	Cooldown CooldownConfig `toml:"cooldown"`
	Circuit  CircuitConfig  `toml:"circuit"`
	Safety   SafetyConfig   `toml:"safety"`
	Trading  TradingConfig  `toml:"trading"`
	Engine   EngineConfig   `toml:"engine"`
	Notify   NotifyConfig   `toml:"notify"`
	Store    StoreConfig    `toml:"store"`

	path     string
	settings map[string]any
}

// Path returns the root config file the value was loaded from.
func (c *Config) Path() string { return c.path }

type AppConfig struct {
	Env        string `toml:"env"`
	LogLevel   string `toml:"log_level"`
	LogFormat  string `toml:"log_format"`
	HTTPAddr   string `toml:"http_addr"`
	LogPath    string `toml:"log_path"`
	OracleLog  string `toml:"oracle_log_path"`
	OracleDump bool   `toml:"oracle_dump_payload"`
}

// SessionConfig 描述交易时段（均为 Timezone 下的 HH:MM）。
type SessionConfig struct {
	Timezone          string `toml:"timezone"`
	Open              string `toml:"open"`
	Close             string `toml:"close"`
	LiquidationCutoff string `toml:"liquidation_cutoff"`
	PreOpenCron       string `toml:"pre_open_cron"`
	PostCloseCron     string `toml:"post_close_cron"`
}

// Location resolves Timezone, falling back to UTC.
func (s SessionConfig) Location() *time.Location {
	loc, err := time.LoadLocation(strings.TrimSpace(s.Timezone))
	if err != nil || loc == nil {
		return time.UTC
	}
	return loc
}

type UniverseConfig struct {
	Symbols     []string `toml:"symbols"`
	IndexSymbol string   `toml:"index_symbol"`
}

type BrokerConfig struct {
	Kind             string  `toml:"kind"` // "paper" | "alpaca"
	BaseURL          string  `toml:"base_url"`
	APIKey           string  `toml:"api_key"`
	APISecret        string  `toml:"api_secret"`
	PaperCash        float64 `toml:"paper_cash"`
	PaperFillSeconds int     `toml:"paper_fill_seconds"`
}

type MarketConfig struct {
	Kind          string `toml:"kind"` // "paper" | "alpaca"
	DataURL       string             `toml:"data_url"`
	BarsLookback  int                `toml:"bars_lookback"`
	IndexMAPeriod int                `toml:"index_ma_period"`
	// CacheSeconds 日线缓存有效期（秒）
	CacheSeconds  int                `toml:"cache_seconds"`

	// paper 行情：初始价格与每次读取的随机游走幅度（%）
	PaperPrices   map[string]float64 `toml:"paper_prices"`
	PaperWalkPct  float64            `toml:"paper_walk_pct"`
}

type OracleConfig struct {
	Enabled                bool    `toml:"enabled"`
	BaseURL                string  `toml:"base_url"`
	APIKey                 string  `toml:"api_key"`
	Model                  string  `toml:"model"`
	TimeoutSeconds         int     `toml:"timeout_seconds"`
	MaxRetries             int     `toml:"max_retries"`
	Concurrency            int     `toml:"concurrency"`
	PrefilterScore         float64 `toml:"prefilter_score"`
	BreakerThreshold       int     `toml:"breaker_threshold"`
	BreakerCooldownSeconds int     `toml:"breaker_cooldown_seconds"`
	PromptDir              string  `toml:"prompt_dir"`
}

func (o OracleConfig) Timeout() time.Duration {
	return time.Duration(o.TimeoutSeconds) * time.Second
}

type ScoreConfig struct {
	MaxRawScore float64 `toml:"max_raw_score"`
}

// ThresholdConfig 是单个模式的入场门槛。
type ThresholdConfig struct {
	MinScore             float64 `toml:"min_score"`
	ConservativeMinScore float64 `toml:"conservative_min_score"`
	MinConfidence        float64 `toml:"min_confidence"`
	PremiumPct           float64 `toml:"premium_pct"`
}

type ModesConfig struct {
	Initial               string                     `toml:"initial"`
	Force                 string                     `toml:"force"`
	DwellSeconds          int                        `toml:"dwell_seconds"`
	BullBandPct           float64                    `toml:"bull_band_pct"`
	RegimeTable           map[string]string          `toml:"regime_table"`
	Thresholds            map[string]ThresholdConfig `toml:"thresholds"`
	LossStreakDefensive   int                        `toml:"loss_streak_defensive"`
	DailyLossDefensivePct float64                    `toml:"daily_loss_defensive_pct"`
	IndexDropDefensivePct float64                    `toml:"index_drop_defensive_pct"`
}

// ExitConfig 描述退出规则表的参数，百分比均以 % 表示。
type ExitConfig struct {
	StopLossPct          float64            `toml:"stop_loss_pct"`
	GradeTargets         map[string]float64 `toml:"grade_targets"`
	GradeTrail           map[string]float64 `toml:"grade_trailing"`
	ArmPolicy    string             `toml:"arm_policy"` // take_profit | profit_pct | new_high
	ArmProfitPct         float64            `toml:"arm_profit_pct"`
	HotReload            bool               `toml:"hot_reload"`

	// 持仓超时: time_stop_minutes 后利润不足 time_stop_min_profit_pct 即平仓，
	// max_hold_minutes 后无条件平仓；0 表示关闭。
	TimeStopMinutes      int                `toml:"time_stop_minutes"`
	TimeStopMinProfitPct float64            `toml:"time_stop_min_profit_pct"`
	MaxHoldMinutes       int                `toml:"max_hold_minutes"`
}

type CooldownConfig struct {
	DurationSeconds        int `toml:"duration_seconds"`
	LossDurationSeconds    int `toml:"loss_duration_seconds"`
	LossPenaltySeconds     int `toml:"loss_penalty_seconds"`
	MaxSeconds             int `toml:"max_seconds"`

	// GlobalAfterStopSeconds 止损后全市场暂停入场的秒数，0 表示关闭。
	GlobalAfterStopSeconds int `toml:"global_after_stop_seconds"`
}

type CircuitConfig struct {
	IndexDropPct             float64 `toml:"index_drop_pct"`
	DailyLossPct             float64 `toml:"daily_loss_pct"`
	MaxConsecutiveStopLosses int     `toml:"max_consecutive_stop_losses"`
	MaxAPIErrors             int     `toml:"max_api_errors"`
}

type SafetyConfig struct {
	StopFile              string  `toml:"stop_file"`
	KillTimeoutSeconds    int     `toml:"kill_timeout_seconds"`
	KillOnExitEscalation  bool    `toml:"kill_on_exit_escalation"`
	EmergencyDailyLossPct float64 `toml:"emergency_daily_loss_pct"`
}

func (s SafetyConfig) KillTimeout() time.Duration {
	return time.Duration(s.KillTimeoutSeconds) * time.Second
}

// TradingConfig 控制仓位大小与入场价格保护。
type TradingConfig struct {
	MaxOpenPositions   int     `toml:"max_open_positions"`
	PositionSizeUSD    float64 `toml:"position_size_usd"`
	MaxPositionPct     float64 `toml:"max_position_pct"`
	MaxSlippagePct     float64 `toml:"max_slippage_pct"`
	JudgmentTTLSeconds int     `toml:"judgment_ttl_seconds"`
}

type EngineConfig struct {
	RiskIntervalSeconds    int `toml:"risk_interval_seconds"`
	SignalIntervalSeconds  int `toml:"signal_interval_seconds"`
	Workers                int `toml:"workers"`
	EntryTimeoutSeconds    int `toml:"entry_timeout_seconds"`
	ExitTimeoutSeconds     int `toml:"exit_timeout_seconds"`
	MaxExitAttempts        int `toml:"max_exit_attempts"`
	RetryAttempts          int `toml:"retry_attempts"`
	RetryBaseMillis        int `toml:"retry_base_millis"`
	// 成交不明的开仓两次对账之间的最短间隔
	ResolveIntervalSeconds int `toml:"resolve_interval_seconds"`
}

type NotifyConfig struct {
	QueueSize int            `toml:"queue_size"`
	Telegram  TelegramConfig `toml:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool   `toml:"enabled"`
	BotToken string `toml:"bot_token"`
	ChatID   string `toml:"chat_id"`
}

type StoreConfig struct {
	Path        string `toml:"path"`
	JournalPath string `toml:"journal_path"`
}

// keySet 用于追踪配置文件中显式设置的字段路径。
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

// fieldDefault 描述单个字段的默认值设置规则。
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
