package trader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scalpctl/internal/safety"
	"scalpctl/internal/strategy/exit"
)

const testSession = "2026-10-15"

func newTestLedger(t *testing.T, maxOpen int, cash float64, th safety.Thresholds, opts ...LedgerOption) *Ledger {
	t.Helper()
	l := NewLedger(safety.NewCircuit(th, testSession), maxOpen, opts...)
	l.Start()
	t.Cleanup(l.Stop)
	amount := decimal.NewFromFloat(cash)
	require.NoError(t, l.ResetSession(context.Background(), SessionPayload{
		Session:     testSession,
		StartEquity: amount,
		Cash:        amount,
	}))
	return l
}

func TestLedger_ReserveChecks(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, 2, 1000, safety.Thresholds{})

	require.NoError(t, l.Reserve(ctx, "aapl", decimal.NewFromInt(400)))
	assert.ErrorIs(t, l.Reserve(ctx, "AAPL", decimal.NewFromInt(100)), ErrAlreadyOpen)
	assert.ErrorIs(t, l.Reserve(ctx, "MSFT", decimal.NewFromInt(700)), ErrInsufficientCash)
	require.NoError(t, l.Reserve(ctx, "MSFT", decimal.NewFromInt(600)))
	assert.ErrorIs(t, l.Reserve(ctx, "NVDA", decimal.NewFromInt(1)), ErrMaxPositions)
	assert.Error(t, l.Reserve(ctx, "TSLA", decimal.Zero))

	snap := l.Snapshot()
	assert.Equal(t, []string{"AAPL", "MSFT"}, snap.Reserved)
	assert.Equal(t, 2, snap.OpenCount)
	assert.True(t, snap.Available.IsZero())

	require.NoError(t, l.Release(ctx, "MSFT"))
	assert.Equal(t, "600", l.Snapshot().Available.String())
}

func TestLedger_ConcurrentReserveNeverExceedsMaxOpen(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, 3, 100000, safety.Thresholds{})

	var (
		wg sync.WaitGroup
		ok atomic.Int32
	)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := l.Reserve(ctx, fmt.Sprintf("SYM%02d", i), decimal.NewFromInt(100))
			if err == nil {
				ok.Add(1)
				return
			}
			assert.ErrorIs(t, err, ErrMaxPositions)
		}(i)
	}
	wg.Wait()
	assert.EqualValues(t, 3, ok.Load())
	assert.Equal(t, 3, l.Snapshot().OpenCount)
}

func TestLedger_EntryAndSettle(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, 5, 10000, safety.Thresholds{})

	require.NoError(t, l.Reserve(ctx, "AAPL", decimal.NewFromInt(1000)))
	require.NoError(t, l.ConfirmEntry(ctx, "AAPL", decimal.NewFromInt(990)))
	snap := l.Snapshot()
	assert.Empty(t, snap.Reserved)
	assert.Equal(t, []string{"AAPL"}, snap.Open)
	assert.Equal(t, "9010", snap.Cash.String())

	require.NoError(t, l.Mark(ctx, map[string]decimal.Decimal{"AAPL": decimal.NewFromInt(-50), "GHOST": decimal.NewFromInt(999)}))
	assert.InDelta(t, -0.5, l.Snapshot().DailyPnLPct, 1e-9)

	require.NoError(t, l.Settle(ctx, Settlement{Symbol: "AAPL", Proceeds: decimal.NewFromInt(1010), PnL: decimal.NewFromInt(20), Reason: exit.ReasonTakeProfit}))
	snap = l.Snapshot()
	assert.Empty(t, snap.Open)
	assert.Equal(t, "10020", snap.Cash.String())
	assert.Equal(t, "20", snap.Realized.String())
	assert.InDelta(t, 0.2, snap.DailyPnLPct, 1e-9)

	assert.ErrorIs(t, l.Settle(ctx, Settlement{Symbol: "AAPL"}), ErrUnknownSymbol)
}

func TestLedger_KillRefusesReservationsForGood(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, 5, 10000, safety.Thresholds{})

	require.NoError(t, l.Reserve(ctx, "AAPL", decimal.NewFromInt(500)))
	require.NoError(t, l.Kill(ctx, "operator"))
	assert.True(t, l.Snapshot().Killed)
	assert.ErrorIs(t, l.Reserve(ctx, "MSFT", decimal.NewFromInt(100)), safety.ErrKilled)

	// pending work still settles
	require.NoError(t, l.ConfirmEntry(ctx, "AAPL", decimal.NewFromInt(500)))
	assert.Equal(t, []string{"AAPL"}, l.Snapshot().Open)

	require.NoError(t, l.ResetSession(ctx, SessionPayload{Session: "2026-10-16", StartEquity: decimal.NewFromInt(10000), Cash: decimal.NewFromInt(9500)}))
	assert.ErrorIs(t, l.Reserve(ctx, "MSFT", decimal.NewFromInt(100)), safety.ErrKilled)
	assert.False(t, l.Snapshot().Circuit.Halted, "kill does not touch the persisted circuit")
}

func TestLedger_CancelledCallerStillSeesOutcome(t *testing.T) {
	l := newTestLedger(t, 1, 1000, safety.Thresholds{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := l.Reserve(ctx, "AAPL", decimal.NewFromInt(400))
	require.NoError(t, err, "a queued reserve is answered, not abandoned")
	assert.Equal(t, []string{"AAPL"}, l.Snapshot().Reserved)

	require.NoError(t, l.Release(ctx, "AAPL"))
	snap := l.Snapshot()
	assert.Empty(t, snap.Reserved)
	assert.Equal(t, "1000", snap.Available.String())
	require.NoError(t, l.Reserve(context.Background(), "MSFT", decimal.NewFromInt(1000)))
}

func TestLedger_AdoptKeepsCash(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, 5, 5000, safety.Thresholds{})

	require.NoError(t, l.Adopt(ctx, "MSFT", decimal.NewFromInt(2000)))
	snap := l.Snapshot()
	assert.Equal(t, []string{"MSFT"}, snap.Open)
	assert.Equal(t, "5000", snap.Cash.String())
}

func TestLedger_StopLossStreakTripsAndBlocksEntries(t *testing.T) {
	ctx := context.Background()
	saver := &recordingCircuitSaver{}
	l := newTestLedger(t, 5, 10000, safety.Thresholds{MaxConsecutiveStopLosses: 2}, WithCircuitSaver(saver))

	tripped := make(chan safety.State, 1)
	l.OnTrip(func(st safety.State) { tripped <- st })

	for _, sym := range []string{"AAPL", "MSFT"} {
		require.NoError(t, l.Reserve(ctx, sym, decimal.NewFromInt(100)))
		require.NoError(t, l.ConfirmEntry(ctx, sym, decimal.NewFromInt(100)))
		require.NoError(t, l.Settle(ctx, Settlement{Symbol: sym, Proceeds: decimal.NewFromInt(98), PnL: decimal.NewFromInt(-2), Reason: exit.ReasonStopLoss}))
	}

	select {
	case st := <-tripped:
		assert.True(t, st.Halted)
		assert.Contains(t, st.HaltReason, "stop losses")
	case <-time.After(time.Second):
		t.Fatal("trip callback not fired")
	}
	assert.ErrorIs(t, l.Reserve(ctx, "NVDA", decimal.NewFromInt(100)), safety.ErrHalted)
	assert.True(t, saver.last().Halted)

	// only a new session clears the halt
	require.NoError(t, l.ResetSession(ctx, SessionPayload{Session: "2026-10-16", StartEquity: decimal.NewFromInt(9996), Cash: decimal.NewFromInt(9996)}))
	assert.NoError(t, l.Reserve(ctx, "NVDA", decimal.NewFromInt(100)))
}

func TestLedger_APIErrorsTrip(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, 5, 10000, safety.Thresholds{MaxAPIErrors: 3})

	l.ReportAPI(ctx, "broker.get_order", errors.New("boom"))
	l.ReportAPI(ctx, "broker.get_order", errors.New("boom"))
	l.ReportAPI(ctx, "broker.get_order", nil)
	assert.False(t, l.Snapshot().Circuit.Halted)

	for i := 0; i < 3; i++ {
		l.ReportAPI(ctx, "oracle", errors.New("timeout"))
	}
	assert.True(t, l.Snapshot().Circuit.Halted)
}

func TestLedger_RestoreCircuitSameSessionOnly(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, 5, 10000, safety.Thresholds{})

	require.NoError(t, l.RestoreCircuit(ctx, safety.State{Session: "2026-10-14", Halted: true, HaltReason: "yesterday"}))
	assert.False(t, l.Snapshot().Circuit.Halted)

	require.NoError(t, l.RestoreCircuit(ctx, safety.State{Session: testSession, Halted: true, HaltReason: "kill switch"}))
	assert.True(t, l.Snapshot().Circuit.Halted)
}

func TestLedger_EventsPersistedExceptMarks(t *testing.T) {
	ctx := context.Background()
	store := &recordingEventStore{}
	l := newTestLedger(t, 5, 10000, safety.Thresholds{}, WithEventStore(store))

	require.NoError(t, l.Reserve(ctx, "AAPL", decimal.NewFromInt(100)))
	require.NoError(t, l.Mark(ctx, nil))
	l.ReportAPI(ctx, "broker", nil)

	types := store.types()
	assert.Contains(t, types, EvtReserve)
	assert.NotContains(t, types, EvtMark)
	assert.NotContains(t, types, EvtAPIResult)
}

func TestLedger_StoppedRejectsCalls(t *testing.T) {
	l := NewLedger(safety.NewCircuit(safety.Thresholds{}, testSession), 1)
	l.Start()
	l.Stop()
	l.Stop()
	assert.ErrorIs(t, l.Reserve(context.Background(), "AAPL", decimal.NewFromInt(1)), ErrLedgerStopped)
}

type recordingCircuitSaver struct {
	mu     sync.Mutex
	states []safety.State
}

func (r *recordingCircuitSaver) SaveCircuit(_ context.Context, st safety.State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, st)
	return nil
}

func (r *recordingCircuitSaver) last() safety.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.states) == 0 {
		return safety.State{}
	}
	return r.states[len(r.states)-1]
}

type recordingEventStore struct {
	mu     sync.Mutex
	events []EventEnvelope
}

func (r *recordingEventStore) Append(_ context.Context, evt EventEnvelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

func (r *recordingEventStore) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}
