package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"scalpctl/internal/cooldown"
	"scalpctl/internal/gateway/broker"
	"scalpctl/internal/gateway/oracle"
	"scalpctl/internal/logger"
	"scalpctl/internal/market"
	"scalpctl/internal/metrics"
	"scalpctl/internal/reconcile"
	"scalpctl/internal/safety"
	"scalpctl/internal/scheduler"
	"scalpctl/internal/store/journal"
	"scalpctl/internal/strategy/exit"
	"scalpctl/internal/strategy/mode"
	"scalpctl/internal/strategy/score"
	"scalpctl/internal/strategy/signal"
	"scalpctl/internal/trader"
)

var ErrNotReconciled = errors.New("engine: startup reconcile not finished")

type Config struct {
	Symbols        []string
	RiskInterval   time.Duration
	SignalInterval time.Duration
	Workers        int
	BarsLookback   int
	PrefilterScore float64

	PositionSizeUSD float64
	MaxPositionPct  float64
	Guard           signal.PriceGuard

	Session       scheduler.Session
	PreOpenCron   string
	PostCloseCron string
	StopFile      string

	KillTimeout           time.Duration
	KillOnEscalation      bool
	// ResolveInterval bounds how often an ambiguous entry is reconciled
	// against the broker.
	ResolveInterval       time.Duration
	EmergencyDailyLossPct float64
	GlobalPauseAfterStop  time.Duration

	Machine trader.MachineConfig
}

// Store is everything the engine persists beyond the machines themselves.
type Store interface {
	trader.Store
	reconcile.PositionStore
	ListTrades(ctx context.Context, session string) ([]trader.Trade, error)
	LoadCooldowns(ctx context.Context, now time.Time) ([]cooldown.Entry, error)
	LoadCircuit(ctx context.Context, session string) (safety.State, bool, error)
	SaveModeTransition(ctx context.Context, from, to mode.Mode) error
	LoadMode(ctx context.Context, session string) (mode.Mode, bool, error)
}

type Journal interface {
	RecordCycle(ctx context.Context, entries []journal.Entry) error
}

type Notifier interface {
	Notify(text string)
}

// MarketSetter receives the tape context used in oracle prompts.
type MarketSetter interface {
	SetMarket(mc oracle.MarketContext)
}

type Deps struct {
	Feed     market.Feed
	Index    *market.IndexTracker
	Broker   broker.Broker
	Ledger   *trader.Ledger
	Scorer   *score.Engine
	Judge    oracle.Judge
	Market   MarketSetter
	Signals  *signal.Generator
	Modes    *mode.Controller
	Exits    *exit.Policy
	Cooldown *cooldown.Tracker
	Store    Store
	Journal  Journal
	Notifier Notifier
	Metrics  *metrics.Metrics
	Clock    func() time.Time
}

type Engine struct {
	cfg  Config
	deps Deps

	registry   *Registry
	reconciler *reconcile.Reconciler
	kill       *safety.KillSwitch
	phase      *PhaseTracker
	cron       *scheduler.Cron

	reconciled atomic.Bool
	halted     atomic.Bool
	haltReason atomic.Value

	resolveMu   sync.Mutex
	lastResolve map[string]time.Time

	cycleMu     sync.Mutex
	cycleCancel context.CancelFunc

	sessionMu  sync.Mutex
	session    string
	summarized string

	lastReport atomic.Value // reconcile.Report
	lastCycle  atomic.Value // CycleSummary
}

func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Feed == nil || deps.Broker == nil || deps.Ledger == nil || deps.Store == nil {
		return nil, fmt.Errorf("engine: feed, broker, ledger and store are required")
	}
	if deps.Scorer == nil || deps.Judge == nil || deps.Signals == nil || deps.Modes == nil || deps.Exits == nil || deps.Cooldown == nil {
		return nil, fmt.Errorf("engine: strategy components are required")
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.BarsLookback <= 0 {
		cfg.BarsLookback = 60
	}
	if cfg.ResolveInterval <= 0 {
		cfg.ResolveInterval = 30 * time.Second
	}
	e := &Engine{
		cfg:         cfg,
		deps:        deps,
		phase:       NewPhaseTracker(),
		cron:        scheduler.NewCron(cfg.Session.Loc),
		lastResolve: make(map[string]time.Time),
	}
	e.registry = NewRegistry(e.newMachine)
	for _, sym := range cfg.Symbols {
		e.registry.Machine(sym)
	}
	opts := []reconcile.Option{reconcile.WithClock(deps.Clock)}
	if deps.Notifier != nil {
		opts = append(opts, reconcile.WithNotifier(deps.Notifier))
	}
	e.reconciler = reconcile.New(deps.Broker, deps.Store, e.registry, opts...)
	e.kill = safety.NewKillSwitch(e, cfg.KillTimeout)
	e.kill.OnReport(e.onKillReport)
	deps.Ledger.OnTrip(e.onCircuitTrip)
	deps.Modes.OnTransition(e.onModeTransition)
	return e, nil
}

func (e *Engine) newMachine(symbol string) *trader.Machine {
	return trader.NewMachine(symbol, e.cfg.Machine, trader.Deps{
		Broker:   e.deps.Broker,
		Accounts: e.deps.Ledger,
		Exits:    e.deps.Exits,
		Cooldown: e.deps.Cooldown,
		Store:    e.deps.Store,
		Observer: e,
		Escalate: e.onEscalate,
	})
}

func (e *Engine) Registry() *Registry { return e.registry }
func (e *Engine) KillSwitch() *safety.KillSwitch { return e.kill }
func (e *Engine) Reconciler() *reconcile.Reconciler { return e.reconciler }
func (e *Engine) Phase() *PhaseTracker { return e.phase }
func (e *Engine) Reconciled() bool { return e.reconciled.Load() }
func (e *Engine) Ledger() trader.LedgerSnapshot { return e.deps.Ledger.Snapshot() }
func (e *Engine) Mode() mode.Mode { return e.deps.Modes.Current() }
func (e *Engine) Halted() bool { return e.halted.Load() }
func (e *Engine) now() time.Time { return e.deps.Clock() }
func (e *Engine) sessionDate(t time.Time) string { return e.cfg.Session.Date(t) }
func (e *Engine) CronNext() []time.Time { return e.cron.Next() }

func (e *Engine) ForceMode(name mode.Name) (mode.Mode, error) {
	return e.deps.Modes.Force(name, e.now())
}

// LastReconcile returns the most recent reconcile report.
func (e *Engine) LastReconcile() (reconcile.Report, bool) {
	rep, ok := e.lastReport.Load().(reconcile.Report)
	return rep, ok
}

// Run performs the startup sequence and then blocks running the loops until
// ctx ends. Entries stay blocked until the startup reconcile succeeded.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.OpenSession(ctx); err != nil {
		logger.Errorf("engine: session open failed, entries blocked until next reconcile: %v", err)
	}
	if err := e.cron.Add("pre_open", e.cfg.PreOpenCron, func() {
		if err := e.OpenSession(ctx); err != nil {
			logger.Errorf("engine: pre-open: %v", err)
		}
	}); err != nil {
		return err
	}
	if err := e.cron.Add("post_close", e.cfg.PostCloseCron, func() { e.CloseSession(ctx) }); err != nil {
		return err
	}
	e.cron.Start()
	defer e.cron.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ignoreCanceled(scheduler.NewLoop("risk", e.cfg.RiskInterval).Run(gctx, e.RiskCycle))
	})
	g.Go(func() error {
		return ignoreCanceled(scheduler.NewLoop("signal", e.cfg.SignalInterval).Run(gctx, e.SignalCycle))
	})
	g.Go(func() error {
		return safety.WatchStopFile(gctx, e.cfg.StopFile, e.kill)
	})
	err := g.Wait()
	if !e.phase.Current().Terminal() {
		_ = e.phase.To(PhaseStopped, "shutdown", e.now())
	}
	return err
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// entriesAllowed is the cheap pre-check before a signal cycle spends oracle
// calls. The ledger's Reserve stays the authoritative gate.
func (e *Engine) entriesAllowed() error {
	if e.halted.Load() {
		return safety.ErrKilled
	}
	if !e.reconciled.Load() {
		return ErrNotReconciled
	}
	if p := e.phase.Current(); p != PhaseTrading {
		return fmt.Errorf("engine: phase %s", p)
	}
	if st := e.deps.Ledger.Snapshot().Circuit; st.Halted {
		return fmt.Errorf("%w: %s", safety.ErrHalted, st.HaltReason)
	}
	return nil
}

// syncPhase moves the phase according to the session clock.
func (e *Engine) syncPhase(ctx context.Context, now time.Time) {
	cur := e.phase.Current()
	if cur.Terminal() {
		return
	}
	s := e.cfg.Session
	var next Phase
	switch {
	case !s.TradingDay(now):
		next = PhaseIdle
	case now.Before(s.OpenAt(now)):
		next = PhasePreMarket
	case now.Before(s.CutoffAt(now)):
		next = PhaseTrading
	case now.Before(s.CloseAt(now)):
		next = PhaseClosing
	default:
		next = PhasePostMarket
	}
	if next == cur {
		return
	}
	if err := e.phase.To(next, "session clock", now); err != nil {
		logger.Warnf("engine: %v", err)
		return
	}
	logger.Infof("engine: phase %s -> %s", cur, next)
	if next == PhaseClosing {
		e.beginClosing(ctx, now)
	}
}

// beginClosing cancels working entries at the liquidation cutoff. Holdings
// are closed by the TIME_LIMIT rule on the next risk cycles.
func (e *Engine) beginClosing(ctx context.Context, now time.Time) {
	for _, m := range e.registry.All() {
		if m.Snapshot().State != trader.StateEntering {
			continue
		}
		if err := m.ForceExit(ctx, exit.ReasonTimeLimit, now); err != nil {
			logger.Warnf("engine: cancel entry %s at cutoff: %v", m.Symbol(), err)
		}
	}
}

// sizeOrder returns whole shares for one position: the configured dollar
// size capped by MaxPositionPct of cash.
func (e *Engine) sizeOrder(price float64, cash decimal.Decimal) decimal.Decimal {
	if price <= 0 {
		return decimal.Zero
	}
	notional := decimal.NewFromFloat(e.cfg.PositionSizeUSD)
	if e.cfg.MaxPositionPct > 0 && cash.IsPositive() {
		limit := cash.Mul(decimal.NewFromFloat(e.cfg.MaxPositionPct))
		if limit.LessThan(notional) {
			notional = limit
		}
	}
	return notional.Div(decimal.NewFromFloat(price)).Floor()
}
