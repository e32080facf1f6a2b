package engine

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var ErrPhaseTransition = errors.New("engine: phase transition not allowed")

// Phase is the session phase of the engine.
type Phase string

const (
	PhaseIdle       Phase = "IDLE"
	PhasePreMarket  Phase = "PRE_MARKET"
	PhaseTrading    Phase = "TRADING"
	PhaseClosing    Phase = "CLOSING"
	PhasePostMarket Phase = "POST_MARKET"
	PhaseStopped    Phase = "STOPPED"
	PhaseEmergency  Phase = "EMERGENCY"
)

// allowedPhases 允许的阶段切换；STOPPED 为终态。
var allowedPhases = map[Phase][]Phase{
	PhaseIdle:       {PhasePreMarket, PhaseTrading, PhaseClosing, PhasePostMarket, PhaseStopped, PhaseEmergency},
	PhasePreMarket:  {PhaseTrading, PhaseClosing, PhasePostMarket, PhaseIdle, PhaseStopped, PhaseEmergency},
	PhaseTrading:    {PhaseClosing, PhasePostMarket, PhaseStopped, PhaseEmergency},
	PhaseClosing:    {PhasePostMarket, PhaseStopped, PhaseEmergency},
	PhasePostMarket: {PhaseIdle, PhasePreMarket, PhaseStopped, PhaseEmergency},
	PhaseEmergency:  {PhaseStopped},
	PhaseStopped:    {},
}

type PhaseChange struct {
	From   Phase     `json:"from"`
	To     Phase     `json:"to"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

const maxPhaseHistory = 50

type PhaseTracker struct {
	mu      sync.RWMutex
	current Phase
	history []PhaseChange
}

func NewPhaseTracker() *PhaseTracker {
	return &PhaseTracker{current: PhaseIdle}
}

func (p *PhaseTracker) Current() Phase {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// To moves to next. Staying in the same phase is a no-op.
func (p *PhaseTracker) To(next Phase, reason string, now time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if next == p.current {
		return nil
	}
	ok := false
	for _, allowed := range allowedPhases[p.current] {
		if allowed == next {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("%w: %s -> %s", ErrPhaseTransition, p.current, next)
	}
	p.history = append(p.history, PhaseChange{From: p.current, To: next, Reason: reason, At: now})
	if len(p.history) > maxPhaseHistory {
		p.history = p.history[len(p.history)-maxPhaseHistory:]
	}
	p.current = next
	return nil
}

func (p *PhaseTracker) History() []PhaseChange {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]PhaseChange(nil), p.history...)
}

// Terminal reports STOPPED or EMERGENCY.
func (p Phase) Terminal() bool {
	return p == PhaseStopped || p == PhaseEmergency
}
