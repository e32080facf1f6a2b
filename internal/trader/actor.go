package trader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"scalpctl/internal/logger"
	"scalpctl/internal/safety"
)

var (
	ErrLedgerStopped    = errors.New("ledger: stopped")
	ErrMaxPositions     = errors.New("ledger: max open positions reached")
	ErrInsufficientCash = errors.New("ledger: insufficient cash")
	ErrAlreadyOpen      = errors.New("ledger: symbol already reserved or open")
	ErrUnknownSymbol    = errors.New("ledger: symbol not reserved or open")
)

// Ledger is the event-driven actor that exclusively owns cash, reservations,
// the open-position count and the session circuit state. Every mutation is
// a message processed sequentially by runLoop, so a check-then-reserve is
// atomic with respect to every other entry attempt.
type Ledger struct {
	store    EventStore
	saver    CircuitSaver
	registry *HandlerRegistry
	circuit  *safety.Circuit
	maxOpen  int

	msgCh    chan EventEnvelope
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	state *LedgerState

	snapshot atomic.Value
	tripMu   sync.Mutex
	onTrip   []func(safety.State)
}

type LedgerOption func(*Ledger)

func WithEventStore(s EventStore) LedgerOption {
	return func(l *Ledger) { l.store = s }
}

func WithCircuitSaver(s CircuitSaver) LedgerOption {
	return func(l *Ledger) { l.saver = s }
}

func NewLedger(circuit *safety.Circuit, maxOpen int, opts ...LedgerOption) *Ledger {
	reg := NewHandlerRegistry()
	reg.RegisterDefaultHandlers()
	l := &Ledger{
		registry: reg,
		circuit:  circuit,
		maxOpen:  maxOpen,
		msgCh:    make(chan EventEnvelope, 100),
		stopCh:   make(chan struct{}),
		state:    NewLedgerState(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.refreshSnapshot()
	return l
}

func (l *Ledger) Start() {
	l.wg.Add(1)
	go l.runLoop()
}

func (l *Ledger) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
	l.wg.Wait()
}

// OnTrip registers a callback fired once when the circuit halts. Callbacks
// run on their own goroutine.
func (l *Ledger) OnTrip(fn func(safety.State)) {
	l.tripMu.Lock()
	l.onTrip = append(l.onTrip, fn)
	l.tripMu.Unlock()
}

func (l *Ledger) Send(evt EventEnvelope) error {
	select {
	case l.msgCh <- evt:
		return nil
	case <-l.stopCh:
		return ErrLedgerStopped
	}
}

func (l *Ledger) SendSync(ctx context.Context, evt EventEnvelope) error {
	if evt.ReplyCh == nil {
		evt.ReplyCh = make(chan error, 1)
	}
	if err := l.Send(evt); err != nil {
		return err
	}
	select {
	case err := <-evt.ReplyCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-l.stopCh:
		return fmt.Errorf("%w during sync call", ErrLedgerStopped)
	}
}

func (l *Ledger) Snapshot() LedgerSnapshot {
	val := l.snapshot.Load()
	if val == nil {
		return LedgerSnapshot{}
	}
	return val.(LedgerSnapshot)
}

// Reserve atomically checks the circuit, the open-position cap and
// available cash, and holds notional for symbol.
func (l *Ledger) Reserve(ctx context.Context, symbol string, notional decimal.Decimal) error {
	return l.apply(ctx, EvtReserve, symbol, ReservePayload{Symbol: symbol, Notional: notional})
}

func (l *Ledger) Release(ctx context.Context, symbol string) error {
	return l.apply(ctx, EvtRelease, symbol, SymbolPayload{Symbol: symbol})
}

func (l *Ledger) ConfirmEntry(ctx context.Context, symbol string, cost decimal.Decimal) error {
	return l.apply(ctx, EvtConfirmEntry, symbol, EntryPayload{Symbol: symbol, Cost: cost})
}

// Adopt counts a reconciled broker position as open without a reservation.
func (l *Ledger) Adopt(ctx context.Context, symbol string, cost decimal.Decimal) error {
	return l.apply(ctx, EvtAdopt, symbol, EntryPayload{Symbol: symbol, Cost: cost})
}

func (l *Ledger) Settle(ctx context.Context, s Settlement) error {
	return l.apply(ctx, EvtSettle, s.Symbol, s)
}

// Kill latches the ledger so every later Reserve fails with
// safety.ErrKilled. Only a process restart clears it.
func (l *Ledger) Kill(ctx context.Context, reason string) error {
	return l.apply(ctx, EvtKill, "", ReasonPayload{Reason: reason})
}

// Mark replaces the unrealized pnl of every open position and feeds the
// resulting daily pnl into the circuit.
func (l *Ledger) Mark(ctx context.Context, unrealized map[string]decimal.Decimal) error {
	return l.call(ctx, EvtMark, "", MarkPayload{Unrealized: unrealized})
}

// ReportAPI records the final outcome of a collaborator call.
func (l *Ledger) ReportAPI(ctx context.Context, source string, err error) {
	p := APIResultPayload{Source: source}
	if err != nil {
		p.Error = err.Error()
	}
	if callErr := l.call(ctx, EvtAPIResult, "", p); callErr != nil {
		logger.Warnf("ledger: report api result: %v", callErr)
	}
}

func (l *Ledger) IndexChange(ctx context.Context, pct float64) error {
	return l.call(ctx, EvtIndexChange, "", PctPayload{Pct: pct})
}

func (l *Ledger) Trip(ctx context.Context, reason string) error {
	return l.call(ctx, EvtTrip, "", ReasonPayload{Reason: reason})
}

func (l *Ledger) ResetSession(ctx context.Context, p SessionPayload) error {
	return l.call(ctx, EvtResetSession, "", p)
}

func (l *Ledger) RestoreCircuit(ctx context.Context, st safety.State) error {
	return l.call(ctx, EvtRestoreCircuit, "", CircuitPayload{State: st})
}

func (l *Ledger) SyncCash(ctx context.Context, cash decimal.Decimal) error {
	return l.call(ctx, EvtSyncCash, "", CashPayload{Cash: cash})
}

// apply waits for the actor's answer even when ctx is cancelled, so the
// caller never disagrees with the ledger about a cash movement.
func (l *Ledger) apply(ctx context.Context, typ EventType, symbol string, payload any) error {
	return l.call(context.WithoutCancel(ctx), typ, symbol, payload)
}

func (l *Ledger) call(ctx context.Context, typ EventType, symbol string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("ledger: marshal %s: %w", typ, err)
	}
	return l.SendSync(ctx, EventEnvelope{
		ID:        uuid.NewString(),
		Type:      typ,
		Payload:   raw,
		CreatedAt: time.Now(),
		Symbol:    normalizeSymbol(symbol),
	})
}

func (l *Ledger) runLoop() {
	defer l.wg.Done()
	logger.Infof("Ledger actor started")
	for {
		select {
		case evt := <-l.msgCh:
			l.handleEvent(evt)
		case <-l.stopCh:
			logger.Infof("Ledger actor stopping")
			return
		}
	}
}

// handleEvent recovers handler panics, persists auditable events before
// applying them, and always answers synchronous callers.
func (l *Ledger) handleEvent(evt EventEnvelope) {
	var err error
	start := time.Now()
	before := l.circuit.State()

	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("Ledger panic handling event %s: %v", evt.Type, r)
			debug.PrintStack()
			err = fmt.Errorf("panic: %v", r)
		}
		if evt.ReplyCh != nil {
			evt.ReplyCh <- err
			close(evt.ReplyCh)
		}
		if dur := time.Since(start); dur > 100*time.Millisecond {
			logger.Warnf("Slow ledger event %s took %v", evt.Type, dur)
		}
	}()

	if l.store != nil && shouldPersistEvent(evt.Type) {
		if perr := l.store.Append(context.Background(), evt); perr != nil {
			logger.Errorf("Failed to persist ledger event %s: %v", evt.Type, perr)
		}
	}

	handler, ok := l.registry.Get(evt.Type)
	if !ok {
		err = fmt.Errorf("no handler registered for event type %s", evt.Type)
		logger.Warnf("%v", err)
		return
	}
	err = handler.Handle(NewHandlerContext(l), evt.Payload, evt.ID)
	if err != nil && !isRejection(err) {
		logger.Errorf("Ledger failed to handle %s: %v", evt.Type, err)
	}

	after := l.circuit.State()
	if after != before {
		l.saveCircuit(after)
		if after.Halted && !before.Halted {
			l.fireTrip(after)
		}
	}
	l.refreshSnapshot()
}

func (l *Ledger) saveCircuit(st safety.State) {
	if l.saver == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.saver.SaveCircuit(ctx, st); err != nil {
		logger.Warnf("ledger: persist circuit: %v", err)
	}
}

func (l *Ledger) fireTrip(st safety.State) {
	logger.Warnf("circuit halted: %s", st.HaltReason)
	l.tripMu.Lock()
	fns := append([]func(safety.State){}, l.onTrip...)
	l.tripMu.Unlock()
	for _, fn := range fns {
		go fn(st)
	}
}

func (l *Ledger) refreshSnapshot() {
	s := l.state
	snap := LedgerSnapshot{
		Cash:        s.Cash,
		Available:   s.Cash.Sub(s.reservedTotal()),
		OpenCount:   s.occupied(),
		MaxOpen:     l.maxOpen,
		StartEquity: s.StartEquity,
		Realized:    s.Realized,
		DailyPnLPct: s.dailyPnLPct(),
		Circuit:     l.circuit.State(),
		Killed:      s.Killed,
	}
	for sym := range s.Reserved {
		snap.Reserved = append(snap.Reserved, sym)
	}
	for sym := range s.Open {
		snap.Open = append(snap.Open, sym)
	}
	sort.Strings(snap.Reserved)
	sort.Strings(snap.Open)
	l.snapshot.Store(snap)
}

// isRejection marks expected business refusals that should not be logged
// as handler failures.
func isRejection(err error) bool {
	return errors.Is(err, safety.ErrHalted) || errors.Is(err, safety.ErrKilled) ||
		errors.Is(err, ErrMaxPositions) || errors.Is(err, ErrInsufficientCash) ||
		errors.Is(err, ErrAlreadyOpen)
}

