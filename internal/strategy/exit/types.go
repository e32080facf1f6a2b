package exit

import (
	"strings"
	"time"

	"scalpctl/internal/strategy/score"
)

// Reason identifies why a position was closed.
type Reason string

const (
	ReasonNone       Reason = ""
	ReasonTimeLimit  Reason = "TIME_LIMIT"
	ReasonStopLoss   Reason = "STOP_LOSS"
	ReasonTakeProfit Reason = "TAKE_PROFIT"
	ReasonTrailing   Reason = "TRAILING"
	ReasonTimeStop   Reason = "TIME_STOP"
	// ReasonKill is not produced by the rule table; the kill switch stamps it
	// on forced liquidations.
	ReasonKill Reason = "KILL_SWITCH"
)

// ArmPolicy decides when the trailing stop becomes active.
type ArmPolicy string

const (
	ArmOnTakeProfit ArmPolicy = "take_profit"
	ArmOnProfitPct  ArmPolicy = "profit_pct"
	ArmOnNewHigh    ArmPolicy = "new_high"
)

// Params are the tunables of the rule table; percentages are in %.
type Params struct {
	StopLossPct  float64
	Targets      map[score.Grade]float64
	Trailing     map[score.Grade]float64
	ArmPolicy    ArmPolicy
	ArmProfitPct float64
	// Cutoff is the session-clock offset from midnight after which every
	// position is closed.
	Cutoff   time.Duration
	Location *time.Location
	// 持仓超时: after TimeStopAfter a position still below
	// TimeStopMinProfitPct is closed; after MaxHold it is closed regardless.
	// Zero disables either check.
	TimeStopAfter        time.Duration
	TimeStopMinProfitPct float64
	MaxHold              time.Duration
}

// GradeParams converts a string-keyed grade table from config.
func GradeParams(table map[string]float64) map[score.Grade]float64 {
	out := make(map[score.Grade]float64, len(table))
	for k, v := range table {
		out[score.Grade(strings.ToUpper(strings.TrimSpace(k)))] = v
	}
	return out
}

func (p Params) target(g score.Grade) float64 {
	if v, ok := p.Targets[g]; ok {
		return v
	}
	return p.Targets[score.GradeC]
}

func (p Params) trailing(g score.Grade) float64 {
	if v, ok := p.Trailing[g]; ok {
		return v
	}
	return p.Trailing[score.GradeC]
}

// Input is one holding's state for one risk cycle.
type Input struct {
	Symbol        string
	Grade         score.Grade
	Entry         float64
	Price         float64
	HighWaterMark float64
	Armed         bool
	EntryTime     time.Time
	Now           time.Time
}

// Decision is the outcome of one evaluation. HighWaterMark and Armed are
// the updated tracking state and must be written back even when no rule
// matched.
type Decision struct {
	Reason        Reason  `json:"reason"`
	HighWaterMark float64 `json:"high_water_mark"`
	Armed         bool    `json:"armed"`
	StopPrice     float64 `json:"stop_price"`
	TargetPrice   float64 `json:"target_price"`
	TrailPrice    float64 `json:"trail_price,omitempty"`
}

func (d Decision) Exit() bool { return d.Reason != ReasonNone }
