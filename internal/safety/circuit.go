// Package safety holds the session circuit breaker and the kill switch.
package safety

import (
	"errors"
	"fmt"
	"time"

	"scalpctl/internal/strategy/exit"
)

var (
	// ErrHalted blocks new entries once the circuit tripped.
	ErrHalted = errors.New("safety: circuit halted")
	// ErrKilled is returned after the kill switch fired.
	ErrKilled = errors.New("safety: kill switch engaged")
)

// Thresholds are the halt conditions. Percentages are negative.
type Thresholds struct {
	IndexDropPct             float64
	DailyLossPct             float64
	MaxConsecutiveStopLosses int
	MaxAPIErrors             int
}

// State is the session-scoped circuit state. It is persisted and reloaded
// only when Session matches the current session date.
type State struct {
	Session               string    `json:"session"`
	ConsecutiveStopLosses int       `json:"consecutive_stop_losses"`
	APIErrorStreak        int       `json:"api_error_streak"`
	DailyPnLPct           float64   `json:"daily_pnl_pct"`
	IndexChangePct        float64   `json:"index_change_pct"`
	Halted                bool      `json:"halted"`
	HaltReason            string    `json:"halt_reason,omitempty"`
	HaltedAt              time.Time `json:"halted_at,omitempty"`
}

// Circuit is not safe for concurrent use; the portfolio ledger owns it.
type Circuit struct {
	th    Thresholds
	st    State
	nowFn func() time.Time
}

func NewCircuit(th Thresholds, session string) *Circuit {
	return &Circuit{th: th, st: State{Session: session}, nowFn: time.Now}
}

func (c *Circuit) Halted() bool { return c.st.Halted }

func (c *Circuit) State() State { return c.st }

// Allow reports ErrHalted with the halt reason once tripped.
func (c *Circuit) Allow() error {
	if c.st.Halted {
		return fmt.Errorf("%w: %s", ErrHalted, c.st.HaltReason)
	}
	return nil
}

// OnExit counts stop losses. Profitable exits reset the streak; a time-limit
// or kill exit leaves it unchanged.
func (c *Circuit) OnExit(reason exit.Reason) bool {
	switch reason {
	case exit.ReasonStopLoss:
		c.st.ConsecutiveStopLosses++
		if n := c.th.MaxConsecutiveStopLosses; n > 0 && c.st.ConsecutiveStopLosses >= n {
			return c.trip(fmt.Sprintf("%d consecutive stop losses", c.st.ConsecutiveStopLosses))
		}
	case exit.ReasonTakeProfit, exit.ReasonTrailing:
		c.st.ConsecutiveStopLosses = 0
	}
	return false
}

// OnAPIResult tracks collaborator failures that survived retries.
func (c *Circuit) OnAPIResult(err error) bool {
	if err == nil {
		c.st.APIErrorStreak = 0
		return false
	}
	c.st.APIErrorStreak++
	if n := c.th.MaxAPIErrors; n > 0 && c.st.APIErrorStreak >= n {
		return c.trip(fmt.Sprintf("%d consecutive API errors (last: %v)", c.st.APIErrorStreak, err))
	}
	return false
}

func (c *Circuit) OnPnL(pct float64) bool {
	c.st.DailyPnLPct = pct
	if c.th.DailyLossPct < 0 && pct <= c.th.DailyLossPct {
		return c.trip(fmt.Sprintf("daily pnl %.2f%% <= %.2f%%", pct, c.th.DailyLossPct))
	}
	return false
}

func (c *Circuit) OnIndexChange(pct float64) bool {
	c.st.IndexChangePct = pct
	if c.th.IndexDropPct < 0 && pct <= c.th.IndexDropPct {
		return c.trip(fmt.Sprintf("index change %.2f%% <= %.2f%%", pct, c.th.IndexDropPct))
	}
	return false
}

// Trip halts unconditionally, e.g. when the kill switch fires.
func (c *Circuit) Trip(reason string) bool { return c.trip(reason) }

// Restore reloads persisted state when it belongs to the current session.
func (c *Circuit) Restore(st State) bool {
	if st.Session == "" || st.Session != c.st.Session {
		return false
	}
	c.st = st
	return true
}

// ResetSession is the only way to clear a halt.
func (c *Circuit) ResetSession(session string) {
	c.st = State{Session: session}
}

// trip reports true only on the first transition into halted.
func (c *Circuit) trip(reason string) bool {
	if c.st.Halted {
		return false
	}
	c.st.Halted = true
	c.st.HaltReason = reason
	c.st.HaltedAt = c.nowFn()
	return true
}
