package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"scalpctl/internal/config"
	"scalpctl/internal/cooldown"
	"scalpctl/internal/engine"
	"scalpctl/internal/gateway"
	"scalpctl/internal/gateway/notifier"
	"scalpctl/internal/logger"
	"scalpctl/internal/market"
	"scalpctl/internal/metrics"
	"scalpctl/internal/pkg/retry"
	"scalpctl/internal/safety"
	"scalpctl/internal/scheduler"
	"scalpctl/internal/store/gormstore"
	"scalpctl/internal/store/journal"
	"scalpctl/internal/strategy/exit"
	"scalpctl/internal/strategy/mode"
	"scalpctl/internal/strategy/score"
	"scalpctl/internal/strategy/signal"
	"scalpctl/internal/trader"
	adminhttp "scalpctl/internal/transport/http/admin"
)

// AppBuilder 把配置装配成完整的依赖图；各 Fn 字段可在测试中替换。
type AppBuilder struct {
	cfg   *config.Config
	clock func() time.Time

	feedFn     func(*config.Config) (market.Feed, error)
	venueFn    func(*config.Config, market.Feed, func() time.Time) (gateway.Venue, error)
	judgeFn    func(*config.Config) (judgeSetup, error)
	notifierFn func(config.NotifyConfig) notifier.TextNotifier
	adminFn    func(config.AppConfig, adminhttp.ServerConfig) (*adminhttp.Server, error)

	storePathOverride   string
	journalPathOverride string
}

type AppBuilderOption func(*AppBuilder)

// WithClock replaces the wall clock for every time-aware component.
func WithClock(fn func() time.Time) AppBuilderOption {
	return func(b *AppBuilder) {
		if fn != nil {
			b.clock = fn
		}
	}
}

// WithFeed skips the configured market source and uses feed instead.
func WithFeed(feed market.Feed) AppBuilderOption {
	return func(b *AppBuilder) {
		if feed != nil {
			b.feedFn = func(*config.Config) (market.Feed, error) { return feed, nil }
		}
	}
}

// WithStorePaths overrides the state and journal database paths.
func WithStorePaths(state, journal string) AppBuilderOption {
	return func(b *AppBuilder) {
		b.storePathOverride = state
		b.journalPathOverride = journal
	}
}

func WithNotifier(target notifier.TextNotifier) AppBuilderOption {
	return func(b *AppBuilder) {
		if target != nil {
			b.notifierFn = func(config.NotifyConfig) notifier.TextNotifier { return target }
		}
	}
}

func NewAppBuilder(cfg *config.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:        cfg,
		clock:      time.Now,
		feedFn:     gateway.NewFeedFromConfig,
		venueFn:    gateway.NewVenueFromConfig,
		judgeFn:    buildJudge,
		notifierFn: buildTextNotifier,
		adminFn:    buildAdminServer,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func (b *AppBuilder) Build(ctx context.Context) (app *App, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg
	logger.SetLevel(cfg.App.LogLevel)

	a := &App{cfg: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	session, err := sessionFromConfig(cfg.Session)
	if err != nil {
		return nil, err
	}

	stack, err := b.buildMarketStack(cfg)
	if err != nil {
		return nil, err
	}
	venue, err := b.venueFn(cfg, stack.Raw, b.clock)
	if err != nil {
		return nil, fmt.Errorf("初始化 broker 失败: %w", err)
	}
	logger.Infof("✓ broker=%s market=%s", venue.Broker.Name(), cfg.Market.Kind)

	statePath := firstNonEmpty(b.storePathOverride, cfg.Store.Path)
	store, err := gormstore.NewGormStore(statePath, gormstore.WithLocation(session.Loc))
	if err != nil {
		return nil, fmt.Errorf("初始化状态库失败: %w", err)
	}
	a.closers = append(a.closers, store.Close)

	journalPath := firstNonEmpty(b.journalPathOverride, cfg.Store.JournalPath)
	jr, err := journal.Open(journalPath)
	if err != nil {
		return nil, fmt.Errorf("初始化决策日志失败: %w", err)
	}
	a.closers = append(a.closers, jr.Close)
	logger.Infof("✓ 状态库 %s，决策日志 %s", statePath, journalPath)

	ledger := trader.NewLedger(safety.NewCircuit(circuitThresholds(cfg.Circuit), ""), cfg.Trading.MaxOpenPositions,
		trader.WithCircuitSaver(store), trader.WithEventStore(store))
	ledger.Start()
	a.closers = append(a.closers, func() error { ledger.Stop(); return nil })

	cd := cooldown.NewTracker(cooldownConfig(cfg.Cooldown), cooldown.WithClock(b.clock))
	thresholds := modeThresholds(cfg.Modes)
	gen := signal.NewGenerator(thresholds[mode.Name(cfg.Modes.Initial)], cd)
	modes, err := mode.NewController(modeConfig(cfg.Modes, thresholds), gen, b.clock())
	if err != nil {
		return nil, fmt.Errorf("初始化模式控制器失败: %w", err)
	}
	exits := exit.NewPolicy(exitParams(cfg.Exit, session))

	judge, err := b.judgeFn(cfg)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	dispatcher := notifier.NewDispatcher(b.notifierFn(cfg.Notify), cfg.Notify.QueueSize)
	dispatcher.OnDrop(m.NotifyDropped)
	dispatcher.Start()
	a.closers = append(a.closers, func() error { dispatcher.Close(); return nil })

	eng, err := engine.New(engineConfig(cfg, session), engine.Deps{
		Feed:     stack.Feed,
		Index:    stack.Index,
		Broker:   venue.Broker,
		Ledger:   ledger,
		Scorer:   score.NewEngine(cfg.Score.MaxRawScore),
		Judge:    judge.Judge,
		Market:   judge.Market,
		Signals:  gen,
		Modes:    modes,
		Exits:    exits,
		Cooldown: cd,
		Store:    store,
		Journal:  jr,
		Notifier: dispatcher,
		Metrics:  m,
		Clock:    b.clock,
	})
	if err != nil {
		return nil, err
	}

	admin, err := b.adminFn(cfg.App, adminhttp.ServerConfig{
		Engine:    eng,
		Decisions: jr,
		Trades:    store,
		Metrics:   m.Handler(),
	})
	if err != nil {
		return nil, err
	}

	a.engine = eng
	a.admin = admin
	a.preheat = stack.Preheat
	a.exits = exits
	a.session = session
	a.Summary = &StartupSummary{
		Env:       cfg.App.Env,
		Broker:    venue.Broker.Name(),
		Market:    cfg.Market.Kind,
		Judge:     judge.Name,
		Symbols:   append([]string(nil), cfg.Universe.Symbols...),
		Index:     cfg.Universe.IndexSymbol,
		Session:   session,
		Mode:      modes.Current(),
		Exit:      exits.Params(),
		MaxOpen:   cfg.Trading.MaxOpenPositions,
		SizeUSD:   cfg.Trading.PositionSizeUSD,
		AdminAddr: admin.Addr(),
		StatePath: statePath,
		Journal:   journalPath,
	}
	return a, nil
}

func sessionFromConfig(s config.SessionConfig) (scheduler.Session, error) {
	open, err := config.ParseClock(s.Open)
	if err != nil {
		return scheduler.Session{}, fmt.Errorf("session.open: %w", err)
	}
	cutoff, err := config.ParseClock(s.LiquidationCutoff)
	if err != nil {
		return scheduler.Session{}, fmt.Errorf("session.liquidation_cutoff: %w", err)
	}
	closeAt, err := config.ParseClock(s.Close)
	if err != nil {
		return scheduler.Session{}, fmt.Errorf("session.close: %w", err)
	}
	return scheduler.Session{Loc: s.Location(), Open: open, Cutoff: cutoff, Close: closeAt}, nil
}

func circuitThresholds(c config.CircuitConfig) safety.Thresholds {
	return safety.Thresholds{
		IndexDropPct:             c.IndexDropPct,
		DailyLossPct:             c.DailyLossPct,
		MaxConsecutiveStopLosses: c.MaxConsecutiveStopLosses,
		MaxAPIErrors:             c.MaxAPIErrors,
	}
}

func cooldownConfig(c config.CooldownConfig) cooldown.Config {
	return cooldown.Config{
		Duration:     seconds(c.DurationSeconds),
		LossDuration: seconds(c.LossDurationSeconds),
		LossPenalty:  seconds(c.LossPenaltySeconds),
		Max:          seconds(c.MaxSeconds),
	}
}

func modeThresholds(m config.ModesConfig) map[mode.Name]signal.Threshold {
	out := make(map[mode.Name]signal.Threshold, len(m.Thresholds))
	for name, th := range m.Thresholds {
		key := mode.Name(strings.ToUpper(name))
		out[key] = signal.Threshold{
			Mode:                 string(key),
			MinScore:             th.MinScore,
			ConservativeMinScore: th.ConservativeMinScore,
			MinConfidence:        th.MinConfidence,
			PremiumPct:           th.PremiumPct,
		}
	}
	return out
}

func modeConfig(m config.ModesConfig, thresholds map[mode.Name]signal.Threshold) mode.Config {
	table := make(map[mode.Regime]mode.Name, len(m.RegimeTable))
	for regime, name := range m.RegimeTable {
		table[mode.Regime(strings.ToUpper(regime))] = mode.Name(strings.ToUpper(name))
	}
	return mode.Config{
		Initial:               mode.Name(m.Initial),
		Force:                 mode.Name(m.Force),
		Dwell:                 seconds(m.DwellSeconds),
		BullBandPct:           m.BullBandPct,
		RegimeTable:           table,
		Thresholds:            thresholds,
		LossStreakDefensive:   m.LossStreakDefensive,
		DailyLossDefensivePct: m.DailyLossDefensivePct,
		IndexDropDefensivePct: m.IndexDropDefensivePct,
	}
}

// exitParams is shared by the initial build and the hot reload.
func exitParams(e config.ExitConfig, session scheduler.Session) exit.Params {
	return exit.Params{
		StopLossPct:  e.StopLossPct,
		Targets:      exit.GradeParams(e.GradeTargets),
		Trailing:     exit.GradeParams(e.GradeTrail),
		ArmPolicy:    exit.ArmPolicy(e.ArmPolicy),
		ArmProfitPct: e.ArmProfitPct,
		Cutoff:       session.Cutoff,
		Location:     session.Loc,

		TimeStopAfter:        time.Duration(e.TimeStopMinutes) * time.Minute,
		TimeStopMinProfitPct: e.TimeStopMinProfitPct,
		MaxHold:              time.Duration(e.MaxHoldMinutes) * time.Minute,
	}
}

func engineConfig(cfg *config.Config, session scheduler.Session) engine.Config {
	return engine.Config{
		Symbols:               cfg.Universe.Symbols,
		RiskInterval:          seconds(cfg.Engine.RiskIntervalSeconds),
		SignalInterval:        seconds(cfg.Engine.SignalIntervalSeconds),
		Workers:               cfg.Engine.Workers,
		BarsLookback:          cfg.Market.BarsLookback,
		PrefilterScore:        cfg.Oracle.PrefilterScore,
		PositionSizeUSD:       cfg.Trading.PositionSizeUSD,
		MaxPositionPct:        cfg.Trading.MaxPositionPct,
		Guard:                 signal.PriceGuard{MaxSlippagePct: cfg.Trading.MaxSlippagePct, JudgmentTTL: seconds(cfg.Trading.JudgmentTTLSeconds)},
		Session:               session,
		PreOpenCron:           cfg.Session.PreOpenCron,
		PostCloseCron:         cfg.Session.PostCloseCron,
		StopFile:              cfg.Safety.StopFile,
		KillTimeout:           cfg.Safety.KillTimeout(),
		KillOnEscalation:      cfg.Safety.KillOnExitEscalation,
		EmergencyDailyLossPct: cfg.Safety.EmergencyDailyLossPct,
		GlobalPauseAfterStop:  seconds(cfg.Cooldown.GlobalAfterStopSeconds),
		ResolveInterval:       seconds(cfg.Engine.ResolveIntervalSeconds),
		Machine: trader.MachineConfig{
			EntryTimeout:    seconds(cfg.Engine.EntryTimeoutSeconds),
			ExitTimeout:     seconds(cfg.Engine.ExitTimeoutSeconds),
			MaxExitAttempts: cfg.Engine.MaxExitAttempts,
			Retry: retry.Policy{
				Attempts: cfg.Engine.RetryAttempts,
				Base:     time.Duration(cfg.Engine.RetryBaseMillis) * time.Millisecond,
			},
		},
	}
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
