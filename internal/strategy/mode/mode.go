// Package mode selects the active trading mode from market regime and recent
// performance, and pushes its threshold into the signal generator.
package mode

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"scalpctl/internal/logger"
	"scalpctl/internal/market"
	"scalpctl/internal/strategy/signal"
)

var ErrUnknownMode = errors.New("mode: unknown mode")

type Name string

const (
	Defensive  Name = "DEFENSIVE"
	Balanced   Name = "BALANCED"
	Aggressive Name = "AGGRESSIVE"
)

type Regime string

const (
	RegimeBull    Regime = "BULL"
	RegimeNeutral Regime = "NEUTRAL"
	RegimeBear    Regime = "BEAR"
)

// ClassifyRegime places the index relative to its moving average: BULL when
// at least bandPct above, BEAR when below, NEUTRAL in between.
func ClassifyRegime(idx market.IndexSnapshot, bandPct float64) Regime {
	dev := idx.DeviationPct()
	switch {
	case idx.MA <= 0:
		return RegimeNeutral
	case dev >= bandPct:
		return RegimeBull
	case dev < 0:
		return RegimeBear
	default:
		return RegimeNeutral
	}
}

type Mode struct {
	Name           Name             `json:"name"`
	Threshold      signal.Threshold `json:"threshold"`
	EffectiveSince time.Time        `json:"effective_since"`
	Reason         string           `json:"reason"`
}

// Inputs is what one signal cycle knows when advancing the mode.
type Inputs struct {
	Index       market.IndexSnapshot
	HasIndex    bool
	LossStreak  int
	DailyPnLPct float64
}

type Config struct {
	Initial               Name
	Force                 Name
	Dwell                 time.Duration
	BullBandPct           float64
	RegimeTable           map[Regime]Name
	Thresholds            map[Name]signal.Threshold
	LossStreakDefensive   int
	DailyLossDefensivePct float64
	IndexDropDefensivePct float64
}

// ThresholdSink receives the new threshold on every transition.
type ThresholdSink interface {
	SetThreshold(th signal.Threshold)
}

// Listener observes transitions in the order they happened. It runs with the
// state lock released but must not call back into Force or Advance.
type Listener func(from, to Mode)

type Controller struct {
	mu        sync.Mutex
	cfg       Config
	current   Mode
	forced    Name
	seq       uint64
	dwellFrom time.Time // zero until the first real transition
	sink      ThresholdSink
	listeners []Listener

	emitMu  sync.Mutex
	emitted uint64
}

func NewController(cfg Config, sink ThresholdSink, now time.Time) (*Controller, error) {
	if len(cfg.RegimeTable) == 0 {
		cfg.RegimeTable = map[Regime]Name{RegimeBull: Aggressive, RegimeNeutral: Balanced, RegimeBear: Defensive}
	}
	for _, n := range []Name{Defensive, Balanced, Aggressive} {
		if _, ok := cfg.Thresholds[n]; !ok {
			return nil, fmt.Errorf("%w: no threshold for %s", ErrUnknownMode, n)
		}
	}
	c := &Controller{cfg: cfg, sink: sink}
	initial := cfg.Initial
	if initial == "" {
		initial = Balanced
	}
	m, err := c.build(initial, now, "initial")
	if err != nil {
		return nil, err
	}
	c.current = m
	if cfg.Force != "" {
		forced, err := c.build(cfg.Force, now, "forced by config")
		if err != nil {
			return nil, err
		}
		c.forced = cfg.Force
		c.current = forced
	}
	c.seq = 1
	c.emit(Mode{}, c.current, c.seq, false)
	return c, nil
}

func (c *Controller) OnTransition(l Listener) {
	c.mu.Lock()
	c.listeners = append(c.listeners, l)
	c.mu.Unlock()
}

func (c *Controller) Current() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Restore reinstates a persisted mode from the same session without firing
// listeners.
func (c *Controller) Restore(m Mode) error {
	th, ok := c.cfg.Thresholds[m.Name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMode, m.Name)
	}
	th.Mode = string(m.Name)
	m.Threshold = th
	c.mu.Lock()
	if c.forced == "" {
		c.current = m
		c.dwellFrom = m.EffectiveSince
	}
	c.seq++
	cur, seq := c.current, c.seq
	c.mu.Unlock()
	c.emit(Mode{}, cur, seq, false)
	return nil
}

// Force pins name until released with an empty name. It ignores dwell.
func (c *Controller) Force(name Name, now time.Time) (Mode, error) {
	name = Name(strings.ToUpper(strings.TrimSpace(string(name))))
	c.mu.Lock()
	if name == "" {
		c.forced = ""
		cur := c.current
		c.mu.Unlock()
		return cur, nil
	}
	next, err := c.build(name, now, "forced by operator")
	if err != nil {
		c.mu.Unlock()
		return Mode{}, err
	}
	c.forced = name
	prev := c.current
	changed := prev.Name != name
	if changed {
		c.current = next
		c.dwellFrom = now
		c.seq++
	}
	cur, seq := c.current, c.seq
	c.mu.Unlock()
	if changed {
		c.emit(prev, cur, seq, true)
	}
	return cur, nil
}

// Advance re-evaluates the mode. It returns the active mode and whether a
// transition happened. Dwell counts from the last transition, so the first
// evaluation after startup is never suppressed.
func (c *Controller) Advance(now time.Time, in Inputs) (Mode, bool) {
	c.mu.Lock()
	prev := c.current
	if c.forced != "" || c.inDwell(now) {
		c.mu.Unlock()
		return prev, false
	}
	target, reason := c.decide(in)
	if target == prev.Name {
		c.mu.Unlock()
		return prev, false
	}
	next, err := c.build(target, now, reason)
	if err != nil {
		c.mu.Unlock()
		logger.Warnf("mode: %v", err)
		return prev, false
	}
	c.current = next
	c.dwellFrom = now
	c.seq++
	seq := c.seq
	c.mu.Unlock()
	c.emit(prev, next, seq, true)
	return next, true
}

func (c *Controller) inDwell(now time.Time) bool {
	return !c.dwellFrom.IsZero() && now.Sub(c.dwellFrom) < c.cfg.Dwell
}

func (c *Controller) decide(in Inputs) (Name, string) {
	if n := c.cfg.LossStreakDefensive; n > 0 && in.LossStreak >= n {
		return Defensive, fmt.Sprintf("loss streak %d", in.LossStreak)
	}
	if p := c.cfg.DailyLossDefensivePct; p < 0 && in.DailyPnLPct <= p {
		return Defensive, fmt.Sprintf("daily pnl %.2f%%", in.DailyPnLPct)
	}
	if !in.HasIndex {
		return c.current.Name, ""
	}
	if p := c.cfg.IndexDropDefensivePct; p < 0 && in.Index.ChangePct <= p {
		return Defensive, fmt.Sprintf("index change %.2f%%", in.Index.ChangePct)
	}
	regime := ClassifyRegime(in.Index, c.cfg.BullBandPct)
	name, ok := c.cfg.RegimeTable[regime]
	if !ok {
		return c.current.Name, ""
	}
	return name, fmt.Sprintf("regime %s (index %+.2f%% vs MA)", regime, in.Index.DeviationPct())
}

func (c *Controller) build(name Name, now time.Time, reason string) (Mode, error) {
	th, ok := c.cfg.Thresholds[name]
	if !ok {
		return Mode{}, fmt.Errorf("%w: %s", ErrUnknownMode, name)
	}
	th.Mode = string(name)
	return Mode{Name: name, Threshold: th, EffectiveSince: now, Reason: reason}, nil
}

// emit publishes a change made under mu. A change that lost the race to a
// newer one is dropped so the sink always ends on the current threshold.
func (c *Controller) emit(from, to Mode, seq uint64, notify bool) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	if seq < c.emitted {
		logger.Debugf("mode: drop stale %s (seq %d < %d)", to.Name, seq, c.emitted)
		return
	}
	c.emitted = seq
	c.push(to)
	if !notify {
		return
	}
	logger.Infof("mode: %s -> %s (%s)", from.Name, to.Name, to.Reason)
	c.mu.Lock()
	ls := append([]Listener(nil), c.listeners...)
	c.mu.Unlock()
	for _, l := range ls {
		l(from, to)
	}
}

func (c *Controller) push(m Mode) {
	if c.sink == nil {
		return
	}
	th := m.Threshold
	th.Mode = string(m.Name)
	c.sink.SetThreshold(th)
}
