package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"scalpctl/internal/cooldown"
	"scalpctl/internal/gateway/broker"
	"scalpctl/internal/pkg/retry"
	"scalpctl/internal/safety"
	"scalpctl/internal/strategy/exit"
	"scalpctl/internal/strategy/score"
	"scalpctl/internal/trader"
)

var now = time.Date(2026, 10, 15, 13, 35, 0, 0, time.UTC)

type MockBroker struct {
	mock.Mock
}

func (m *MockBroker) Name() string { return "mock" }

func (m *MockBroker) PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.Order, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(broker.Order), args.Error(1)
}

func (m *MockBroker) GetOrder(ctx context.Context, id string) (broker.Order, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(broker.Order), args.Error(1)
}

func (m *MockBroker) CancelOrder(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockBroker) ListOpenOrders(ctx context.Context) ([]broker.Order, error) {
	args := m.Called(ctx)
	return args.Get(0).([]broker.Order), args.Error(1)
}

func (m *MockBroker) Holdings(ctx context.Context) ([]broker.Holding, error) {
	args := m.Called(ctx)
	return args.Get(0).([]broker.Holding), args.Error(1)
}

func (m *MockBroker) Cash(ctx context.Context) (decimal.Decimal, error) {
	args := m.Called(ctx)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

type memStore struct {
	mu        sync.Mutex
	positions map[string]trader.Position
}

func (s *memStore) LoadPositions(context.Context) ([]trader.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]trader.Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p)
	}
	return out, nil
}

func (s *memStore) DeletePosition(_ context.Context, symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.positions, symbol)
	return nil
}

func (s *memStore) SavePosition(_ context.Context, p trader.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[p.Symbol] = p
	return nil
}

func (s *memStore) RecordTrade(context.Context, trader.Trade) error { return nil }

func (s *memStore) SaveCooldown(context.Context, cooldown.Entry) error { return nil }

type registry struct {
	mu       sync.Mutex
	deps     trader.Deps
	machines map[string]*trader.Machine
}

func (r *registry) Machine(symbol string) *trader.Machine {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.machines[symbol]; ok {
		return m
	}
	m := trader.NewMachine(symbol, trader.MachineConfig{EntryTimeout: time.Second, Retry: retry.Policy{Attempts: 1}}, r.deps)
	r.machines[symbol] = m
	return m
}

type recordingNotifier struct {
	texts []string
}

func (n *recordingNotifier) Notify(text string) { n.texts = append(n.texts, text) }

type fixture struct {
	broker   *MockBroker
	store    *memStore
	ledger   *trader.Ledger
	registry *registry
	notifier *recordingNotifier
	rec      *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ledger := trader.NewLedger(safety.NewCircuit(safety.Thresholds{}, "2026-10-15"), 5)
	ledger.Start()
	t.Cleanup(ledger.Stop)
	cash := decimal.NewFromInt(100000)
	require.NoError(t, ledger.ResetSession(context.Background(), trader.SessionPayload{Session: "2026-10-15", StartEquity: cash, Cash: cash}))

	f := &fixture{
		broker:   &MockBroker{},
		store:    &memStore{positions: make(map[string]trader.Position)},
		ledger:   ledger,
		notifier: &recordingNotifier{},
	}
	f.registry = &registry{
		machines: make(map[string]*trader.Machine),
		deps: trader.Deps{
			Broker:   f.broker,
			Accounts: ledger,
			Exits:    exit.NewPolicy(exit.Params{StopLossPct: 1.5, Location: time.UTC}),
			Store:    f.store,
		},
	}
	f.rec = New(f.broker, f.store, f.registry, WithNotifier(f.notifier), WithClock(func() time.Time { return now }))
	return f
}

func holding(sym string, qty, avg int64) broker.Holding {
	return broker.Holding{Symbol: sym, Qty: decimal.NewFromInt(qty), AvgEntryPrice: decimal.NewFromInt(avg)}
}

func TestRun_ClassifiesSymbols(t *testing.T) {
	f := newFixture(t)
	f.store.positions["AAPL"] = trader.Position{Symbol: "AAPL", State: trader.StateHolding, Grade: score.GradeS, EntryPrice: 180, HighWaterMark: 183, Armed: true, Quantity: decimal.NewFromInt(10), EntryTime: now.Add(-time.Hour)}
	f.store.positions["MSFT"] = trader.Position{Symbol: "MSFT", State: trader.StateHolding, EntryPrice: 400, Quantity: decimal.NewFromInt(5)}
	f.store.positions["NVDA"] = trader.Position{Symbol: "NVDA", State: trader.StateHolding, EntryPrice: 120, Quantity: decimal.NewFromInt(8)}
	f.broker.On("Holdings", mock.Anything).Return([]broker.Holding{
		holding("aapl", 10, 181),
		holding("NVDA", 6, 120),
		holding("TSLA", 3, 250),
	}, nil)

	rep, err := f.rec.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"AAPL"}, rep.Matched)
	assert.Equal(t, []string{"MSFT"}, rep.Ghost)
	assert.Equal(t, []string{"TSLA"}, rep.Unmanaged)
	assert.Equal(t, []string{"NVDA"}, rep.Quarantined)

	aapl := f.registry.Machine("AAPL").Snapshot()
	assert.Equal(t, trader.StateHolding, aapl.State)
	assert.Equal(t, 180.0, aapl.EntryPrice)
	assert.Equal(t, 183.0, aapl.HighWaterMark)
	assert.True(t, aapl.Armed)
	assert.Equal(t, score.GradeS, aapl.Grade)

	assert.NotContains(t, f.store.positions, "MSFT")
	assert.Equal(t, trader.StateQuarantined, f.registry.Machine("NVDA").Snapshot().State)
	assert.Equal(t, []string{"AAPL"}, f.ledger.Snapshot().Open)

	require.Len(t, f.notifier.texts, 1)
	assert.Contains(t, f.notifier.texts[0], "TSLA")
	assert.Contains(t, f.notifier.texts[0], "NVDA")
}

func TestRun_IsIdempotentForMatchedPositions(t *testing.T) {
	f := newFixture(t)
	f.store.positions["AAPL"] = trader.Position{Symbol: "AAPL", State: trader.StateHolding, EntryPrice: 180, Quantity: decimal.NewFromInt(10)}
	f.broker.On("Holdings", mock.Anything).Return([]broker.Holding{holding("AAPL", 10, 180)}, nil)

	_, err := f.rec.Run(context.Background())
	require.NoError(t, err)
	rep, err := f.rec.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"AAPL"}, rep.Matched)
	assert.Empty(t, rep.Quarantined)
	assert.Empty(t, f.notifier.texts)
}

func TestRun_LiveHoldingWithoutBrokerPositionQuarantines(t *testing.T) {
	f := newFixture(t)
	f.store.positions["AAPL"] = trader.Position{Symbol: "AAPL", State: trader.StateHolding, EntryPrice: 180, Quantity: decimal.NewFromInt(10)}
	f.broker.On("Holdings", mock.Anything).Return([]broker.Holding{holding("AAPL", 10, 180)}, nil).Once()
	f.broker.On("Holdings", mock.Anything).Return([]broker.Holding{}, nil).Once()

	_, err := f.rec.Run(context.Background())
	require.NoError(t, err)
	rep, err := f.rec.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"AAPL"}, rep.Quarantined)
	assert.Empty(t, rep.Ghost)
}

func TestRun_InterruptedEntryTakesBrokerQuantity(t *testing.T) {
	f := newFixture(t)
	f.store.positions["AMD"] = trader.Position{Symbol: "AMD", State: trader.StateEntering, Grade: score.GradeA, Quantity: decimal.NewFromInt(20), OrderID: "o1", Ambiguous: true}
	f.broker.On("Holdings", mock.Anything).Return([]broker.Holding{holding("AMD", 12, 150)}, nil)

	rep, err := f.rec.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"AMD"}, rep.Matched)

	pos := f.registry.Machine("AMD").Snapshot()
	assert.Equal(t, trader.StateHolding, pos.State)
	assert.Equal(t, "12", pos.Quantity.String())
	assert.Equal(t, 150.0, pos.EntryPrice)
	assert.Empty(t, pos.OrderID)
}

func TestRun_HoldingsFailureHasNoSideEffects(t *testing.T) {
	f := newFixture(t)
	f.store.positions["MSFT"] = trader.Position{Symbol: "MSFT", State: trader.StateHolding, EntryPrice: 400, Quantity: decimal.NewFromInt(5)}
	f.broker.On("Holdings", mock.Anything).Return([]broker.Holding(nil), errors.New("503"))

	_, err := f.rec.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, f.store.positions, "MSFT")
}

func TestRunSymbol_ResolvesAmbiguousEntry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	working := broker.Order{ID: "o1", Status: broker.StatusAccepted}
	f.broker.On("PlaceOrder", mock.Anything, mock.Anything).Return(working, nil).Once()
	f.broker.On("GetOrder", mock.Anything, "o1").Return(working, nil)
	f.broker.On("CancelOrder", mock.Anything, "o1").Return(nil)
	f.broker.On("Holdings", mock.Anything).Return([]broker.Holding{holding("AAPL", 10, 100)}, nil)

	m := f.registry.Machine("AAPL")
	m.Watch(now)
	sig := signalFor("AAPL", 100)
	require.NoError(t, m.OnSignal(ctx, sig, decimal.NewFromInt(10), now))
	require.NoError(t, m.Advance(ctx, now.Add(time.Minute)))
	require.True(t, m.Snapshot().Ambiguous)

	require.NoError(t, f.rec.RunSymbol(ctx, "aapl"))
	pos := m.Snapshot()
	assert.Equal(t, trader.StateHolding, pos.State)
	assert.False(t, pos.Ambiguous)

	// already settled: nothing to do
	assert.NoError(t, f.rec.RunSymbol(ctx, "AAPL"))
}

func TestRunSymbol_WorkingOrderStaysAmbiguousUntilFinal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	working := broker.Order{ID: "o1", Status: broker.StatusAccepted}
	fill := broker.Order{ID: "o1", Status: broker.StatusFilled, FilledQty: decimal.NewFromInt(10), FilledAvgPrice: decimal.NewFromInt(101)}
	f.broker.On("PlaceOrder", mock.Anything, mock.Anything).Return(working, nil).Once()
	f.broker.On("GetOrder", mock.Anything, "o1").Return(working, nil).Times(4)
	f.broker.On("GetOrder", mock.Anything, "o1").Return(fill, nil).Once()
	f.broker.On("CancelOrder", mock.Anything, "o1").Return(errors.New("gateway timeout"))
	f.broker.On("Holdings", mock.Anything).Return([]broker.Holding(nil), nil)

	m := f.registry.Machine("AAPL")
	m.Watch(now)
	require.NoError(t, m.OnSignal(ctx, signalFor("AAPL", 100), decimal.NewFromInt(10), now))
	require.NoError(t, m.Advance(ctx, now.Add(time.Minute)))
	require.True(t, m.Snapshot().Ambiguous)

	err := f.rec.RunSymbol(ctx, "AAPL")
	require.ErrorIs(t, err, ErrOrderWorking)
	assert.True(t, m.Snapshot().Ambiguous)
	assert.Equal(t, []string{"AAPL"}, f.ledger.Snapshot().Reserved, "reservation kept while the order may fill")

	// fill lands before the positions endpoint shows it
	require.NoError(t, f.rec.RunSymbol(ctx, "AAPL"))
	pos := m.Snapshot()
	assert.Equal(t, trader.StateHolding, pos.State)
	assert.Equal(t, 101.0, pos.EntryPrice)
	assert.Equal(t, []string{"AAPL"}, f.ledger.Snapshot().Open)
	f.broker.AssertExpectations(t)
}

func TestRunSymbol_IgnoresSettledSymbols(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.rec.RunSymbol(context.Background(), "MSFT"))
	f.broker.AssertNotCalled(t, "Holdings", mock.Anything)
}
