// Package oracle asks an LLM for a BUY/HOLD judgment on a scored symbol.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"scalpctl/internal/logger"
	"scalpctl/internal/pkg/circuit"
	"scalpctl/internal/strategy/score"
	"scalpctl/internal/strategy/signal"
)

// ErrUnavailable is returned with a HOLD judgment when the model could not
// be reached; the caller counts it as an API failure.
var ErrUnavailable = errors.New("oracle: unavailable")

type Judge interface {
	Judge(ctx context.Context, symbol string, snap score.Snapshot, price float64) (signal.Judgment, error)
}

// Caller is satisfied by ChatClient.
type Caller interface {
	Call(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// MarketContext is the backdrop shared by every prompt of a cycle.
type MarketContext struct {
	Mode           string
	IndexSymbol    string
	IndexChangePct float64
	IndexAboveMA   bool
}

type Config struct {
	Model       string
	Timeout     time.Duration
	Concurrency int
}

// Oracle bounds concurrent model calls with a semaphore and stops calling a
// failing endpoint through a breaker. It never returns a judgment other
// than HOLD on failure.
type Oracle struct {
	cfg     Config
	caller  Caller
	prompts *Prompts
	sem     *semaphore.Weighted
	breaker *circuit.CircuitBreaker
	market  atomic.Pointer[MarketContext]
	nowFn   func() time.Time
}

func New(cfg Config, caller Caller, prompts *Prompts, breaker *circuit.CircuitBreaker) *Oracle {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	o := &Oracle{
		cfg:     cfg,
		caller:  caller,
		prompts: prompts,
		sem:     semaphore.NewWeighted(int64(cfg.Concurrency)),
		breaker: breaker,
		nowFn:   time.Now,
	}
	o.market.Store(&MarketContext{})
	return o
}

// SetMarket replaces the backdrop used for subsequent prompts.
func (o *Oracle) SetMarket(mc MarketContext) {
	cp := mc
	o.market.Store(&cp)
}

func (o *Oracle) Judge(ctx context.Context, symbol string, snap score.Snapshot, price float64) (signal.Judgment, error) {
	user, err := o.prompts.User(o.promptData(symbol, snap, price))
	if err != nil {
		return signal.Hold(err.Error(), o.nowFn()), err
	}
	if err := o.sem.Acquire(ctx, 1); err != nil {
		return signal.Hold("oracle: "+err.Error(), o.nowFn()), err
	}
	defer o.sem.Release(1)

	if o.breaker != nil && !o.breaker.Allow() {
		return signal.Hold("oracle breaker open", o.nowFn()), fmt.Errorf("%w: %w", ErrUnavailable, circuit.ErrOpen)
	}

	system := o.prompts.System()
	logger.LogOracleRequest(o.cfg.Model, symbol, system, user, "")
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()
	start := time.Now()
	raw, err := o.caller.Call(callCtx, system, user)
	if err != nil {
		if o.breaker != nil {
			o.breaker.RecordFailure()
		}
		logger.Warnf("oracle: %s call failed after %v: %v", symbol, time.Since(start).Round(time.Millisecond), err)
		return signal.Hold("oracle call failed", o.nowFn()), fmt.Errorf("%w: %s: %w", ErrUnavailable, symbol, err)
	}
	if o.breaker != nil {
		o.breaker.RecordSuccess()
	}
	logger.LogOracleResponse(o.cfg.Model, symbol, raw)

	j := ParseJudgment(raw, o.nowFn())
	j.Model = o.cfg.Model
	logger.Debugf("oracle: %s -> %s conf=%.2f target=%.2f (%s)", symbol, j.Verdict, j.Confidence, j.TargetPrice, j.Reason)
	return j, nil
}

func (o *Oracle) promptData(symbol string, snap score.Snapshot, price float64) PromptData {
	mc := o.market.Load()
	v := snap.Indicators
	return PromptData{
		Symbol:             symbol,
		Price:              price,
		Score:              snap.Normalized,
		Grade:              gradeLabel(snap.Grade),
		CCI:                v.CCI,
		ChangePct:          v.ChangePct,
		DistanceMA20Pct:    v.DistanceMA20Pct,
		VolumeRatio:        v.VolumeRatio,
		ConsecutiveBullish: v.ConsecutiveBullish,
		CandleScore:        snap.Components.Candle,
		Mode:               mc.Mode,
		IndexSymbol:        mc.IndexSymbol,
		IndexChangePct:     mc.IndexChangePct,
		IndexAboveMA:       mc.IndexAboveMA,
	}
}

func gradeLabel(g score.Grade) string {
	if g == score.GradeNone {
		return "-"
	}
	return string(g)
}

// RuleJudge stands in for the model when the oracle is disabled: BUY with
// confidence equal to the normalized score, target at the current price.
type RuleJudge struct {
	MinScore float64
	nowFn    func() time.Time
}

func (r RuleJudge) Judge(_ context.Context, _ string, snap score.Snapshot, price float64) (signal.Judgment, error) {
	now := time.Now()
	if r.nowFn != nil {
		now = r.nowFn()
	}
	if snap.Normalized < r.MinScore {
		return signal.Hold(fmt.Sprintf("score %.1f below %.1f", snap.Normalized, r.MinScore), now), nil
	}
	return signal.Judgment{
		Verdict:     signal.DecisionBuy,
		Confidence:  clamp01(snap.Normalized / 100),
		TargetPrice: price,
		Reason:      "rule score",
		Model:       "rules",
		At:          now,
	}, nil
}
