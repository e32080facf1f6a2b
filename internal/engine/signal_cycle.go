package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"scalpctl/internal/analysis/indicator"
	"scalpctl/internal/gateway/oracle"
	"scalpctl/internal/logger"
	"scalpctl/internal/market"
	"scalpctl/internal/safety"
	"scalpctl/internal/store/journal"
	"scalpctl/internal/strategy/mode"
	"scalpctl/internal/strategy/signal"
	"scalpctl/internal/trader"
)

// CycleSummary describes the last signal cycle for the status endpoint.
type CycleSummary struct {
	ID        string         `json:"id"`
	At        time.Time      `json:"at"`
	Mode      mode.Name      `json:"mode"`
	Skipped   string         `json:"skipped,omitempty"`
	Evaluated int            `json:"evaluated"`
	Buys      int            `json:"buys"`
	Submitted []string       `json:"submitted,omitempty"`
	Outcomes  map[string]int `json:"outcomes,omitempty"`
	Duration  time.Duration  `json:"duration"`
}

func (e *Engine) LastCycle() (CycleSummary, bool) {
	c, ok := e.lastCycle.Load().(CycleSummary)
	return c, ok
}

type candidate struct {
	machine *trader.Machine
	sig     signal.Signal
	entry   journal.Entry
}

// SignalCycle is one pass of the slow loop: index → mode → scores → oracle
// → signals → entries, highest score first.
func (e *Engine) SignalCycle(ctx context.Context) {
	started := time.Now()
	now := e.now()
	defer e.deps.Metrics.ObserveCycle("signal", started)
	sum := CycleSummary{ID: uuid.NewString(), At: now}
	defer func() {
		sum.Duration = time.Since(started)
		e.lastCycle.Store(sum)
	}()

	// Halt cancels this context to abort oracle calls in flight.
	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.cycleMu.Lock()
	e.cycleCancel = cancel
	e.cycleMu.Unlock()
	defer func() {
		e.cycleMu.Lock()
		e.cycleCancel = nil
		e.cycleMu.Unlock()
	}()

	if err := e.entriesAllowed(); err != nil {
		sum.Skipped = err.Error()
		logger.Debugf("engine: signal cycle skipped: %v", err)
		return
	}

	idx, hasIndex := e.refreshIndex(ctx)
	snap := e.deps.Ledger.Snapshot()
	cur, _ := e.deps.Modes.Advance(now, mode.Inputs{
		Index:       idx,
		HasIndex:    hasIndex,
		LossStreak:  snap.Circuit.ConsecutiveStopLosses,
		DailyPnLPct: snap.DailyPnLPct,
	})
	sum.Mode = cur.Name
	conservative := hasIndex && idx.MA > 0 && idx.Level < idx.MA
	if e.deps.Market != nil {
		e.deps.Market.SetMarket(oracle.MarketContext{
			Mode:           string(cur.Name),
			IndexSymbol:    idx.Symbol,
			IndexChangePct: idx.ChangePct,
			IndexAboveMA:   !conservative,
		})
	}
	// the index check may have tripped the circuit
	if err := e.entriesAllowed(); err != nil {
		sum.Skipped = err.Error()
		return
	}

	var watching []*trader.Machine
	for _, sym := range e.cfg.Symbols {
		m := e.registry.Machine(sym)
		m.Watch(now)
		if m.Snapshot().State == trader.StateWatching {
			watching = append(watching, m)
		}
	}

	var (
		mu    sync.Mutex
		cands []candidate
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)
	for _, m := range watching {
		m := m
		g.Go(func() error {
			c, ok := e.evaluateSymbol(gctx, m, sum.ID, conservative, cur.Name)
			if ok {
				mu.Lock()
				cands = append(cands, c)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	sum.Evaluated = len(cands)

	sort.SliceStable(cands, func(i, j int) bool {
		return cands[i].sig.Score.Normalized > cands[j].sig.Score.Normalized
	})
	for i := range cands {
		c := &cands[i]
		if !c.sig.IsBuy() {
			continue
		}
		sum.Buys++
		e.enter(ctx, c)
		if c.entry.Outcome == journal.OutcomeSubmitted {
			sum.Submitted = append(sum.Submitted, c.machine.Symbol())
		}
	}

	entries := make([]journal.Entry, 0, len(cands))
	sum.Outcomes = make(map[string]int)
	for _, c := range cands {
		entries = append(entries, c.entry)
		sum.Outcomes[string(c.entry.Outcome)]++
	}
	if e.deps.Journal != nil {
		if err := e.deps.Journal.RecordCycle(context.WithoutCancel(parent), entries); err != nil {
			logger.Warnf("engine: journal: %v", err)
		}
	}
	logger.Infof("engine: cycle %s mode=%s evaluated=%d buys=%d submitted=%v",
		sum.ID[:8], cur.Name, sum.Evaluated, sum.Buys, sum.Submitted)
}

func (e *Engine) refreshIndex(ctx context.Context) (market.IndexSnapshot, bool) {
	if e.deps.Index == nil {
		return market.IndexSnapshot{}, false
	}
	idx, err := e.deps.Index.Snapshot(ctx)
	e.deps.Ledger.ReportAPI(ctx, "market.index", err)
	if err != nil {
		logger.Warnf("engine: index snapshot: %v", err)
		return market.IndexSnapshot{}, false
	}
	if err := e.deps.Ledger.IndexChange(ctx, idx.ChangePct); err != nil {
		logger.Warnf("engine: index change: %v", err)
	}
	return idx, true
}

// evaluateSymbol scores one symbol and, past the prefilter, asks the oracle
// and runs the gates. Failures stay local to the symbol.
func (e *Engine) evaluateSymbol(ctx context.Context, m *trader.Machine, cycleID string, conservative bool, modeName mode.Name) (c candidate, ok bool) {
	sym := m.Symbol()
	now := e.now()
	c = candidate{machine: m, entry: journal.Entry{CycleID: cycleID, At: now, Symbol: sym, Mode: string(modeName)}}
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("engine: evaluate %s panic: %v\n%s", sym, r, debug.Stack())
			c.entry.Outcome = journal.OutcomeSkipped
			c.entry.Note = fmt.Sprintf("panic: %v", r)
			ok = true
		}
	}()

	bars, err := e.deps.Feed.DailyBars(ctx, sym, e.cfg.BarsLookback)
	if err == nil {
		var price float64
		price, err = e.deps.Feed.LatestPrice(ctx, sym)
		if err == nil {
			bars = market.WithLatest(bars, price)
			c.entry.Price = price
		}
	}
	e.deps.Ledger.ReportAPI(ctx, "market.bars", err)
	if err != nil {
		return e.skip(c, fmt.Sprintf("market data: %v", err)), true
	}
	vec, err := indicator.FromDailyBars(bars)
	if err != nil {
		return e.skip(c, err.Error()), true
	}
	snap, err := e.deps.Scorer.Score(sym, vec, now)
	if err != nil {
		return e.skip(c, err.Error()), true
	}
	c.entry.Score = snap.Normalized
	c.entry.Grade = string(snap.Grade)
	if snap.Normalized < e.cfg.PrefilterScore {
		c.entry.Outcome = journal.OutcomeFiltered
		return c, true
	}

	judgment, err := e.deps.Judge.Judge(ctx, sym, snap, c.entry.Price)
	if err != nil {
		e.deps.Ledger.ReportAPI(ctx, "oracle", err)
		e.deps.Metrics.OracleCall("error")
	} else {
		e.deps.Ledger.ReportAPI(ctx, "oracle", nil)
		e.deps.Metrics.OracleCall(string(judgment.Verdict))
	}
	c.entry.Verdict = string(judgment.Verdict)
	c.entry.Confidence = judgment.Confidence
	c.entry.Target = judgment.TargetPrice

	sig, err := e.deps.Signals.Generate(signal.Input{
		Symbol:       sym,
		Snapshot:     snap,
		Judgment:     judgment,
		Price:        c.entry.Price,
		Conservative: conservative,
	})
	if err != nil {
		return e.skip(c, err.Error()), true
	}
	c.sig = sig
	e.deps.Metrics.Signal(string(sig.Decision))
	for _, gate := range sig.Failed {
		c.entry.Failed = append(c.entry.Failed, string(gate))
	}
	if !sig.IsBuy() {
		c.entry.Outcome = journal.OutcomeRejected
	}
	return c, true
}

func (e *Engine) skip(c candidate, note string) candidate {
	c.entry.Outcome = journal.OutcomeSkipped
	c.entry.Note = note
	logger.Debugf("engine: skip %s: %s", c.entry.Symbol, note)
	return c
}

// enter re-checks price and age of the signal, sizes the order and hands it
// to the machine.
func (e *Engine) enter(ctx context.Context, c *candidate) {
	sym := c.machine.Symbol()
	now := e.now()
	price, err := e.deps.Feed.LatestPrice(ctx, sym)
	e.deps.Ledger.ReportAPI(ctx, "market.price", err)
	if err != nil {
		c.entry.Outcome = journal.OutcomeBlocked
		c.entry.Note = fmt.Sprintf("price: %v", err)
		return
	}
	if err := e.cfg.Guard.Check(c.sig, price, now); err != nil {
		c.entry.Outcome = journal.OutcomeBlocked
		c.entry.Note = err.Error()
		e.deps.Metrics.Entry("guard")
		return
	}
	qty := e.sizeOrder(price, e.deps.Ledger.Snapshot().Available)
	if !qty.IsPositive() {
		c.entry.Outcome = journal.OutcomeBlocked
		c.entry.Note = "size below one share"
		e.deps.Metrics.Entry("size")
		return
	}
	// a kill may have landed while the oracle was thinking
	if err := e.entriesAllowed(); err != nil {
		c.entry.Outcome = journal.OutcomeBlocked
		c.entry.Note = err.Error()
		e.deps.Metrics.Entry("blocked")
		return
	}
	c.sig.Price = price
	err = c.machine.OnSignal(ctx, c.sig, qty, now)
	switch {
	case err == nil:
		c.entry.Outcome = journal.OutcomeSubmitted
		c.entry.Note = fmt.Sprintf("qty %s @ %.2f", qty.String(), price)
		e.deps.Metrics.Entry("submitted")
	case isLedgerRefusal(err):
		c.entry.Outcome = journal.OutcomeBlocked
		c.entry.Note = err.Error()
		e.deps.Metrics.Entry("blocked")
		logger.Infof("engine: entry %s blocked: %v", sym, err)
	default:
		c.entry.Outcome = journal.OutcomeFailed
		c.entry.Note = err.Error()
		e.deps.Metrics.Entry("failed")
		logger.Warnf("engine: entry %s failed: %v", sym, err)
	}
}

func isLedgerRefusal(err error) bool {
	return errors.Is(err, safety.ErrHalted) || errors.Is(err, safety.ErrKilled) ||
		errors.Is(err, trader.ErrMaxPositions) ||
		errors.Is(err, trader.ErrInsufficientCash) || errors.Is(err, trader.ErrAlreadyOpen) ||
		errors.Is(err, trader.ErrInvalidTransition) || errors.Is(err, trader.ErrQuarantined)
}
