// Package cooldown throttles re-entry into a symbol after a position closes.
package cooldown

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Config holds the durations applied by OnClosed.
type Config struct {
	Duration     time.Duration
	LossDuration time.Duration
	LossPenalty  time.Duration
	Max          time.Duration
}

// Entry is one symbol's cooldown; Losses is the consecutive-loss count that
// shaped Until.
type Entry struct {
	Symbol string    `json:"symbol"`
	Until  time.Time `json:"until"`
	Losses int       `json:"losses"`
}

type Tracker struct {
	mu      sync.RWMutex
	cfg     Config
	entries map[string]Entry
	global  time.Time
	nowFn   func() time.Time
}

type Option func(*Tracker)

func WithClock(fn func() time.Time) Option {
	return func(t *Tracker) {
		if fn != nil {
			t.nowFn = fn
		}
	}
}

func NewTracker(cfg Config, opts ...Option) *Tracker {
	if cfg.LossDuration < cfg.Duration {
		cfg.LossDuration = cfg.Duration
	}
	if cfg.Max > 0 && cfg.Max < cfg.LossDuration {
		cfg.Max = cfg.LossDuration
	}
	t := &Tracker{
		cfg:     cfg,
		entries: make(map[string]Entry),
		nowFn:   time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// IsEligible reports whether symbol may be entered now. A symbol with no
// entry is eligible.
func (t *Tracker) IsEligible(symbol string) bool {
	return t.Remaining(symbol) == 0
}

// Remaining returns how long symbol stays blocked, including the global pause.
func (t *Tracker) Remaining(symbol string) time.Duration {
	now := t.nowFn()
	t.mu.RLock()
	defer t.mu.RUnlock()
	until := t.global
	if e, ok := t.entries[normalize(symbol)]; ok && e.Until.After(until) {
		until = e.Until
	}
	if !now.Before(until) {
		return 0
	}
	return until.Sub(now)
}

// OnClosed records a closed position. Losing exits use the loss duration plus
// a penalty per consecutive loss, capped at Max; a winning exit resets the
// streak.
func (t *Tracker) OnClosed(symbol string, closedAt time.Time, loss bool) Entry {
	key := normalize(symbol)
	t.mu.Lock()
	defer t.mu.Unlock()
	prev := t.entries[key]
	e := Entry{Symbol: key}
	d := t.cfg.Duration
	if loss {
		e.Losses = prev.Losses + 1
		d = t.cfg.LossDuration + time.Duration(e.Losses-1)*t.cfg.LossPenalty
		if t.cfg.Max > 0 && d > t.cfg.Max {
			d = t.cfg.Max
		}
	}
	e.Until = closedAt.Add(d)
	t.entries[key] = e
	return e
}

// PauseAll blocks every symbol until the given time. An earlier pause never
// shortens a later one.
func (t *Tracker) PauseAll(until time.Time) {
	t.mu.Lock()
	if until.After(t.global) {
		t.global = until
	}
	t.mu.Unlock()
}

func (t *Tracker) GlobalUntil() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.global
}

func (t *Tracker) Clear(symbol string) {
	t.mu.Lock()
	delete(t.entries, normalize(symbol))
	t.mu.Unlock()
}

// Restore loads persisted entries, typically on restart. Expired entries are
// kept so the loss streak survives.
func (t *Tracker) Restore(entries []Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range entries {
		key := normalize(e.Symbol)
		if key == "" {
			continue
		}
		e.Symbol = key
		t.entries[key] = e
	}
}

// Snapshot returns all entries sorted by symbol.
func (t *Tracker) Snapshot() []Entry {
	t.mu.RLock()
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
