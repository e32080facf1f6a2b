package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scalpctl/internal/cooldown"
	"scalpctl/internal/gateway/broker"
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
)

var ny = mustLoad("America/New_York")

func mustLoad(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

// 2026-10-15 is a Thursday; 10:00 in New York.
var t0 = time.Date(2026, 10, 15, 10, 0, 0, 0, ny)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type buyJudge struct{ clock *testClock }

func (j buyJudge) Judge(_ context.Context, _ string, _ score.Snapshot, price float64) (signal.Judgment, error) {
	return signal.Judgment{Verdict: signal.DecisionBuy, Confidence: 0.9, TargetPrice: price * 1.05, At: j.clock.Now()}, nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []string
}

func (n *recordingNotifier) Notify(text string) {
	n.mu.Lock()
	n.msgs = append(n.msgs, text)
	n.mu.Unlock()
}

func (n *recordingNotifier) contains(sub string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, m := range n.msgs {
		if strings.Contains(m, sub) {
			return true
		}
	}
	return false
}

type recordingJournal struct {
	mu      sync.Mutex
	entries []journal.Entry
}

func (j *recordingJournal) RecordCycle(_ context.Context, entries []journal.Entry) error {
	j.mu.Lock()
	j.entries = append(j.entries, entries...)
	j.mu.Unlock()
	return nil
}

func (j *recordingJournal) byOutcome(o journal.Outcome) []journal.Entry {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []journal.Entry
	for _, e := range j.entries {
		if e.Outcome == o {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	engine   *Engine
	clock    *testClock
	feed     *market.SyntheticFeed
	paper    *broker.Paper
	store    *gormstore.GormStore
	ledger   *trader.Ledger
	cooldown *cooldown.Tracker
	notes    *recordingNotifier
	journal  *recordingJournal
	metrics  *metrics.Metrics
}

type fixtureOpts struct {
	maxOpen   int
	circuit   safety.Thresholds
	stopLoss  float64
	emergency float64
	cfg       func(*Config)
	wrap      func(*broker.Paper) broker.Broker
}

func newFixture(t *testing.T, o fixtureOpts) *fixture {
	t.Helper()
	if o.maxOpen == 0 {
		o.maxOpen = 3
	}
	if o.circuit.MaxConsecutiveStopLosses == 0 {
		o.circuit = safety.Thresholds{IndexDropPct: -2, DailyLossPct: -5, MaxConsecutiveStopLosses: 3, MaxAPIErrors: 20}
	}
	if o.stopLoss == 0 {
		o.stopLoss = 2
	}
	f := &fixture{
		clock:   &testClock{now: t0},
		feed:    market.NewSyntheticFeed(7),
		notes:   &recordingNotifier{},
		journal: &recordingJournal{},
		metrics: metrics.New(),
	}
	f.feed.SetPrice("AAPL", 100)
	f.feed.SetPrice("MSFT", 200)
	f.paper = broker.NewPaper(f.feed, 10000, broker.WithPaperClock(f.clock.Now))

	store, err := gormstore.NewGormStore(gormstore.MemoryPath, gormstore.WithLocation(ny))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	f.store = store

	f.ledger = trader.NewLedger(safety.NewCircuit(o.circuit, ""), o.maxOpen,
		trader.WithCircuitSaver(store), trader.WithEventStore(store))
	f.ledger.Start()
	t.Cleanup(f.ledger.Stop)

	f.cooldown = cooldown.NewTracker(cooldown.Config{Duration: 5 * time.Minute, LossDuration: 15 * time.Minute}, cooldown.WithClock(f.clock.Now))
	open := signal.Threshold{MinScore: 0, MinConfidence: 0.5, PremiumPct: 10}
	gen := signal.NewGenerator(open, f.cooldown)
	modes, err := mode.NewController(mode.Config{
		Initial: mode.Balanced,
		Dwell:   time.Hour,
		Thresholds: map[mode.Name]signal.Threshold{
			mode.Defensive:  open,
			mode.Balanced:   open,
			mode.Aggressive: open,
		},
	}, gen, t0)
	require.NoError(t, err)

	session := scheduler.Session{Loc: ny, Open: 9*time.Hour + 30*time.Minute, Cutoff: 15*time.Hour + 45*time.Minute, Close: 16 * time.Hour}
	cfg := Config{
		Symbols:               []string{"AAPL", "MSFT"},
		RiskInterval:          time.Second,
		SignalInterval:        time.Minute,
		Workers:               2,
		BarsLookback:          60,
		PositionSizeUSD:       1000,
		MaxPositionPct:        0.5,
		Guard:                 signal.PriceGuard{MaxSlippagePct: 1, JudgmentTTL: 5 * time.Minute},
		Session:               session,
		KillTimeout:           5 * time.Second,
		EmergencyDailyLossPct: o.emergency,
		GlobalPauseAfterStop:  10 * time.Minute,
		Machine:               trader.MachineConfig{EntryTimeout: time.Minute, ExitTimeout: time.Minute, MaxExitAttempts: 3, Retry: retry.Policy{Attempts: 1}},
	}
	if o.cfg != nil {
		o.cfg(&cfg)
	}
	var brk broker.Broker = f.paper
	if o.wrap != nil {
		brk = o.wrap(f.paper)
	}
	e, err := New(cfg, Deps{
		Feed:   f.feed,
		Broker: brk,
		Ledger: f.ledger,
		Scorer: score.NewEngine(0),
		Judge:  buyJudge{clock: f.clock},
		Signals: gen,
		Modes:   modes,
		Exits: exit.NewPolicy(exit.Params{
			StopLossPct:  o.stopLoss,
			Targets:      exit.GradeParams(map[string]float64{"S": 3, "A": 2, "B": 1.5, "C": 1}),
			Trailing:     exit.GradeParams(map[string]float64{"S": 1, "A": 0.8, "B": 0.6, "C": 0.5}),
			ArmPolicy:    exit.ArmOnProfitPct,
			ArmProfitPct: 0.5,
			Cutoff:       session.Cutoff,
			Location:     ny,
		}),
		Cooldown: f.cooldown,
		Store:    store,
		Journal:  f.journal,
		Notifier: f.notes,
		Metrics:  f.metrics,
		Clock:    f.clock.Now,
	})
	require.NoError(t, err)
	f.engine = e
	return f
}

// open runs the session start and one risk cycle so the phase follows the
// clock.
func (f *fixture) open(t *testing.T) {
	t.Helper()
	require.NoError(t, f.engine.OpenSession(context.Background()))
	f.engine.RiskCycle(context.Background())
	require.Equal(t, PhaseTrading, f.engine.Phase().Current())
}

func (f *fixture) holding(t *testing.T, symbol string) trader.Position {
	t.Helper()
	m, ok := f.engine.Registry().Lookup(symbol)
	require.True(t, ok)
	p := m.Snapshot()
	require.Equal(t, trader.StateHolding, p.State)
	return p
}

func TestEngine_EntriesBlockedUntilReconciled(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.engine.SignalCycle(context.Background())

	sum, ok := f.engine.LastCycle()
	require.True(t, ok)
	assert.Contains(t, sum.Skipped, "reconcile")
	orders, err := f.paper.ListOpenOrders(context.Background())
	require.NoError(t, err)
	assert.Empty(t, orders)
	assert.Empty(t, f.engine.Registry().Positions())
}

func TestEngine_SignalCycleEntersWithinMaxOpen(t *testing.T) {
	f := newFixture(t, fixtureOpts{maxOpen: 1})
	f.open(t)

	f.engine.SignalCycle(context.Background())

	sum, ok := f.engine.LastCycle()
	require.True(t, ok)
	assert.Empty(t, sum.Skipped)
	assert.Equal(t, 2, sum.Buys)
	require.Len(t, sum.Submitted, 1)

	submitted := f.journal.byOutcome(journal.OutcomeSubmitted)
	blocked := f.journal.byOutcome(journal.OutcomeBlocked)
	require.Len(t, submitted, 1)
	require.Len(t, blocked, 1)
	assert.GreaterOrEqual(t, submitted[0].Score, blocked[0].Score)
	assert.Contains(t, blocked[0].Note, "max open positions")

	p := f.holding(t, sum.Submitted[0])
	// 1000 USD at 100 or 200 per share
	assert.True(t, p.Quantity.Equal(decimal.NewFromInt(10)) || p.Quantity.Equal(decimal.NewFromInt(5)))
	assert.Equal(t, 1, f.engine.Ledger().OpenCount)
	assert.True(t, f.notes.contains("开仓"))
}

func TestEngine_StopLossClosesAndTripsCircuit(t *testing.T) {
	f := newFixture(t, fixtureOpts{
		maxOpen: 1,
		circuit: safety.Thresholds{IndexDropPct: -2, DailyLossPct: -5, MaxConsecutiveStopLosses: 1, MaxAPIErrors: 20},
		cfg:     func(c *Config) { c.Symbols = []string{"AAPL"} },
	})
	f.open(t)
	f.engine.SignalCycle(context.Background())
	f.holding(t, "AAPL")

	f.clock.Set(t0.Add(5 * time.Minute))
	f.feed.SetPrice("AAPL", 95)
	f.engine.RiskCycle(context.Background())

	m, _ := f.engine.Registry().Lookup("AAPL")
	assert.False(t, m.Snapshot().Open())
	trades, err := f.store.ListTrades(context.Background(), "2026-10-15")
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, exit.ReasonStopLoss, trades[0].Reason)
	assert.True(t, trades[0].PnL.IsNegative())

	assert.True(t, f.notes.contains("STOP_LOSS"))
	assert.Equal(t, t0.Add(15*time.Minute), f.cooldown.GlobalUntil())
	assert.Eventually(t, func() bool { return f.notes.contains("熔断") }, time.Second, 10*time.Millisecond)

	f.engine.SignalCycle(context.Background())
	sum, _ := f.engine.LastCycle()
	assert.Contains(t, sum.Skipped, "halted")
}

func TestEngine_KillLiquidatesAndHalts(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.open(t)
	f.engine.SignalCycle(context.Background())
	require.Len(t, f.engine.Registry().Positions(), 2)

	rep, err := f.engine.KillSwitch().Trigger(context.Background(), safety.KillRequest{
		Variant:   safety.VariantFull,
		Reason:    "operator",
		Confirmed: true,
		Source:    "test",
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"AAPL", "MSFT"}, rep.Liquidated)
	assert.Empty(t, rep.Remaining)
	assert.True(t, f.engine.Halted())
	assert.Equal(t, PhaseEmergency, f.engine.Phase().Current())

	holdings, err := f.paper.Holdings(context.Background())
	require.NoError(t, err)
	assert.Empty(t, holdings)
	trades, err := f.store.ListTrades(context.Background(), "2026-10-15")
	require.NoError(t, err)
	for _, tr := range trades {
		assert.Equal(t, exit.ReasonKill, tr.Reason)
	}

	f.engine.SignalCycle(context.Background())
	sum, _ := f.engine.LastCycle()
	assert.Contains(t, sum.Skipped, "kill")

	again, err := f.engine.KillSwitch().Trigger(context.Background(), safety.KillRequest{Variant: safety.VariantFull, Confirmed: true})
	require.NoError(t, err)
	assert.True(t, again.Noop)
	assert.True(t, f.notes.contains("Kill"))
}

func TestEngine_KillRequiresConfirmation(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.open(t)
	_, err := f.engine.KillSwitch().Trigger(context.Background(), safety.KillRequest{Variant: safety.VariantFull})
	assert.True(t, errors.Is(err, safety.ErrNotConfirmed))
	assert.False(t, f.engine.Halted())
}

func TestEngine_CancelPendingIncludesUntrackedOrders(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	slow := broker.NewPaper(f.feed, 10000, broker.WithFillDelay(time.Hour), broker.WithPaperClock(f.clock.Now))
	f.engine.deps.Broker = slow
	_, err := slow.PlaceOrder(context.Background(), broker.OrderRequest{Symbol: "TSLA", Side: broker.SideBuy, Qty: decimal.NewFromInt(1)})
	require.NoError(t, err)

	n, err := f.engine.CancelPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	orders, err := slow.ListOpenOrders(context.Background())
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestEngine_EmergencyDailyLossForcesKill(t *testing.T) {
	f := newFixture(t, fixtureOpts{stopLoss: 20, emergency: -0.3, cfg: func(c *Config) { c.Symbols = []string{"AAPL"} }})
	f.open(t)
	f.engine.SignalCycle(context.Background())
	f.holding(t, "AAPL")

	// 10 shares * -5 = -50 on 10000 equity
	f.feed.SetPrice("AAPL", 95)
	f.engine.RiskCycle(context.Background())

	assert.True(t, f.engine.Halted())
	last, ok := f.engine.KillSwitch().Last()
	require.True(t, ok)
	assert.Equal(t, safety.VariantForced, last.Variant)
	assert.Equal(t, []string{"AAPL"}, last.Liquidated)
}

func TestEngine_ClosingPhaseCancelsEntriesAndBlocksSignals(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.open(t)

	f.clock.Set(time.Date(2026, 10, 15, 15, 50, 0, 0, ny))
	f.engine.RiskCycle(context.Background())
	assert.Equal(t, PhaseClosing, f.engine.Phase().Current())

	f.engine.SignalCycle(context.Background())
	sum, _ := f.engine.LastCycle()
	assert.Contains(t, sum.Skipped, "CLOSING")
}

func TestEngine_OpenSessionReportsUnmanagedHolding(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.paper.SetHolding("NVDA", 3, 120)

	require.NoError(t, f.engine.OpenSession(context.Background()))

	rep, ok := f.engine.LastReconcile()
	require.True(t, ok)
	assert.Equal(t, []string{"NVDA"}, rep.Unmanaged)
	assert.True(t, f.engine.Reconciled())
	// cash plus holdings at cost
	assert.Equal(t, "10360", f.engine.Ledger().StartEquity.String())
}

func TestEngine_OpenSessionRestoresSameSessionCircuit(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	require.NoError(t, f.store.SaveCircuit(context.Background(), safety.State{
		Session: "2026-10-15", Halted: true, HaltReason: "daily loss",
	}))

	require.NoError(t, f.engine.OpenSession(context.Background()))
	assert.True(t, f.engine.Ledger().Circuit.Halted)
}

func TestEngine_CloseSessionSummarizesOnce(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.open(t)
	f.clock.Set(time.Date(2026, 10, 15, 16, 10, 0, 0, ny))

	f.engine.CloseSession(context.Background())
	f.engine.CloseSession(context.Background())

	n := 0
	f.notes.mu.Lock()
	for _, m := range f.notes.msgs {
		if strings.Contains(m, "日报") {
			n++
		}
	}
	f.notes.mu.Unlock()
	assert.Equal(t, 1, n)
}

func TestEngine_SizeOrder(t *testing.T) {
	e := &Engine{cfg: Config{PositionSizeUSD: 1000, MaxPositionPct: 0.05}}
	assert.Equal(t, "10", e.sizeOrder(100, decimal.NewFromInt(100000)).String())
	assert.Equal(t, "3", e.sizeOrder(150, decimal.NewFromInt(10000)).String())
	assert.True(t, e.sizeOrder(0, decimal.NewFromInt(10000)).IsZero())
	assert.True(t, e.sizeOrder(5000, decimal.NewFromInt(10000)).IsZero())
}

// laggingBroker keeps buy orders working and refuses to cancel them. land
// moves the shares into holdings while the order book still says working.
type laggingBroker struct {
	*broker.Paper
	mu      sync.Mutex
	seq     int
	working map[string]broker.Order
	reqs    map[string]broker.OrderRequest
}

func newLaggingBroker(p *broker.Paper) *laggingBroker {
	return &laggingBroker{Paper: p, working: make(map[string]broker.Order), reqs: make(map[string]broker.OrderRequest)}
}

func (b *laggingBroker) PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.Order, error) {
	if req.Side != broker.SideBuy {
		return b.Paper.PlaceOrder(ctx, req)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	o := broker.Order{
		ID:            fmt.Sprintf("lag-%d", b.seq),
		ClientOrderID: req.ClientOrderID,
		Symbol:        broker.NormalizeSymbol(req.Symbol),
		Side:          req.Side,
		Qty:           req.Qty,
		Status:        broker.StatusNew,
	}
	b.working[o.ID] = o
	b.reqs[o.ID] = req
	return o, nil
}

func (b *laggingBroker) GetOrder(ctx context.Context, id string) (broker.Order, error) {
	b.mu.Lock()
	o, ok := b.working[id]
	b.mu.Unlock()
	if ok {
		return o, nil
	}
	return b.Paper.GetOrder(ctx, id)
}

func (b *laggingBroker) CancelOrder(ctx context.Context, id string) error {
	b.mu.Lock()
	_, ok := b.working[id]
	b.mu.Unlock()
	if ok {
		return errors.New("broker: cancel timed out")
	}
	return b.Paper.CancelOrder(ctx, id)
}

func (b *laggingBroker) land(t *testing.T) {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, req := range b.reqs {
		o, err := b.Paper.PlaceOrder(context.Background(), req)
		require.NoError(t, err)
		require.Equal(t, broker.StatusFilled, o.Status)
		delete(b.reqs, id)
	}
}

func ambiguousFixture(t *testing.T) (*fixture, *laggingBroker, *trader.Machine) {
	t.Helper()
	var lag *laggingBroker
	f := newFixture(t, fixtureOpts{
		maxOpen: 1,
		cfg:     func(c *Config) { c.Symbols = []string{"AAPL"} },
		wrap: func(p *broker.Paper) broker.Broker {
			lag = newLaggingBroker(p)
			return lag
		},
	})
	f.open(t)
	f.engine.SignalCycle(context.Background())
	m, ok := f.engine.Registry().Lookup("AAPL")
	require.True(t, ok)
	require.Equal(t, trader.StateEntering, m.Snapshot().State)

	// entry timeout passes, the cancel fails and nothing is held yet
	f.clock.Set(t0.Add(90 * time.Second))
	f.engine.RiskCycle(context.Background())
	p := m.Snapshot()
	require.True(t, p.Ambiguous)
	require.Equal(t, trader.StateEntering, p.State)
	assert.Contains(t, f.engine.Ledger().Reserved, "AAPL")
	return f, lag, m
}

func TestEngine_AmbiguousEntryResolvedThenStopped(t *testing.T) {
	f, lag, m := ambiguousFixture(t)
	lag.land(t)

	// reconcile is rate limited between risk cycles
	f.clock.Set(t0.Add(100 * time.Second))
	f.engine.RiskCycle(context.Background())
	assert.True(t, m.Snapshot().Ambiguous)

	f.clock.Set(t0.Add(2 * time.Minute))
	f.engine.RiskCycle(context.Background())
	p := f.holding(t, "AAPL")
	assert.False(t, p.Ambiguous)
	assert.True(t, p.Quantity.Equal(decimal.NewFromInt(10)))
	assert.InDelta(t, 100, p.EntryPrice, 1e-9)
	assert.Equal(t, 1, f.engine.Ledger().OpenCount)

	f.clock.Set(t0.Add(2*time.Minute + 5*time.Second))
	f.feed.SetPrice("AAPL", 95)
	f.engine.RiskCycle(context.Background())

	assert.False(t, m.Snapshot().Open())
	holdings, err := f.paper.Holdings(context.Background())
	require.NoError(t, err)
	assert.Empty(t, holdings)
	trades, err := f.store.ListTrades(context.Background(), "2026-10-15")
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, exit.ReasonStopLoss, trades[0].Reason)
}

func TestEngine_KillLiquidatesAmbiguousEntry(t *testing.T) {
	f, lag, m := ambiguousFixture(t)
	lag.land(t)

	f.clock.Set(t0.Add(95 * time.Second))
	rep, err := f.engine.KillSwitch().Trigger(context.Background(), safety.KillRequest{
		Variant:   safety.VariantFull,
		Reason:    "operator",
		Confirmed: true,
		Source:    "test",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"AAPL"}, rep.Liquidated)
	assert.Empty(t, rep.Remaining)
	assert.False(t, m.Snapshot().Open())

	holdings, err := f.paper.Holdings(context.Background())
	require.NoError(t, err)
	assert.Empty(t, holdings)
	trades, err := f.store.ListTrades(context.Background(), "2026-10-15")
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, exit.ReasonKill, trades[0].Reason)
	assert.True(t, f.engine.Ledger().Killed)

	again, err := f.engine.KillSwitch().Trigger(context.Background(), safety.KillRequest{Variant: safety.VariantFull, Confirmed: true})
	require.NoError(t, err)
	assert.True(t, again.Noop)
}

// gatedJudge blocks every call until released and ignores cancellation,
// like an oracle that answers late.
type gatedJudge struct {
	clock   *testClock
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (j *gatedJudge) Judge(_ context.Context, _ string, _ score.Snapshot, price float64) (signal.Judgment, error) {
	j.once.Do(func() { close(j.entered) })
	<-j.release
	return signal.Judgment{Verdict: signal.DecisionBuy, Confidence: 0.9, TargetPrice: price * 1.05, At: j.clock.Now()}, nil
}

func TestEngine_KillDuringOracleCallBlocksEntries(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	judge := &gatedJudge{clock: f.clock, entered: make(chan struct{}), release: make(chan struct{})}
	f.engine.deps.Judge = judge
	f.open(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.engine.SignalCycle(context.Background())
	}()
	select {
	case <-judge.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("oracle was never called")
	}

	rep, err := f.engine.KillSwitch().Trigger(context.Background(), safety.KillRequest{
		Variant:   safety.VariantFull,
		Reason:    "operator",
		Confirmed: true,
		Source:    "test",
	})
	require.NoError(t, err)
	assert.True(t, rep.Noop)
	assert.True(t, f.engine.Ledger().Killed)

	close(judge.release)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("signal cycle did not finish")
	}

	assert.Empty(t, f.engine.Registry().Positions())
	orders, err := f.paper.ListOpenOrders(context.Background())
	require.NoError(t, err)
	assert.Empty(t, orders)
	holdings, err := f.paper.Holdings(context.Background())
	require.NoError(t, err)
	assert.Empty(t, holdings)
	assert.Empty(t, f.journal.byOutcome(journal.OutcomeSubmitted))
	for _, sym := range []string{"AAPL", "MSFT"} {
		m, ok := f.engine.Registry().Lookup(sym)
		require.True(t, ok)
		assert.Equal(t, trader.StateWatching, m.Snapshot().State)
	}
}
