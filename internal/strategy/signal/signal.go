// Package signal turns a score snapshot plus an oracle judgment into a
// BUY/HOLD decision under the active mode's threshold.
package signal

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"scalpctl/internal/strategy/score"
)

var ErrValidation = errors.New("signal: invalid input")

type Decision string

const (
	DecisionBuy  Decision = "BUY"
	DecisionHold Decision = "HOLD"
)

// Gate names one entry condition; failed gates are kept on the signal for
// the decision journal.
type Gate string

const (
	GateScore      Gate = "score"
	GateVerdict    Gate = "verdict"
	GateConfidence Gate = "confidence"
	GatePremium    Gate = "premium"
	GateCooldown   Gate = "cooldown"
)

// Threshold is the full gate set of one mode. It is swapped as a unit.
type Threshold struct {
	Mode                 string  `json:"mode"`
	MinScore             float64 `json:"min_score"`
	ConservativeMinScore float64 `json:"conservative_min_score"`
	MinConfidence        float64 `json:"min_confidence"`
	PremiumPct           float64 `json:"premium_pct"`
}

// ScoreFloor returns the min score that applies to the current tape.
func (t Threshold) ScoreFloor(conservative bool) float64 {
	if conservative && t.ConservativeMinScore > 0 {
		return t.ConservativeMinScore
	}
	return t.MinScore
}

// Judgment is the oracle's verdict on one symbol.
type Judgment struct {
	Verdict     Decision  `json:"verdict"`
	Confidence  float64   `json:"confidence"`
	TargetPrice float64   `json:"target_price"`
	Reason      string    `json:"reason,omitempty"`
	Model       string    `json:"model,omitempty"`
	At          time.Time `json:"at"`
}

// Hold is the fallback judgment used when the oracle is unavailable or its
// reply is unusable.
func Hold(reason string, at time.Time) Judgment {
	return Judgment{Verdict: DecisionHold, Reason: reason, At: at}
}

type Input struct {
	Symbol       string
	Snapshot     score.Snapshot
	Judgment     Judgment
	Price        float64
	Conservative bool
}

type Signal struct {
	Symbol      string         `json:"symbol"`
	Decision    Decision       `json:"decision"`
	Confidence  float64        `json:"confidence"`
	TargetPrice float64        `json:"target_price"`
	Price       float64        `json:"price"`
	Score       score.Snapshot `json:"score"`
	Threshold   Threshold      `json:"threshold"`
	JudgedAt    time.Time      `json:"judged_at"`
	At          time.Time      `json:"at"`
	Failed      []Gate         `json:"failed,omitempty"`
}

func (s Signal) IsBuy() bool { return s.Decision == DecisionBuy }

// Eligibility is satisfied by the cooldown tracker.
type Eligibility interface {
	IsEligible(symbol string) bool
}

type Generator struct {
	threshold atomic.Pointer[Threshold]
	cooldown  Eligibility
	nowFn     func() time.Time
}

func NewGenerator(initial Threshold, cooldown Eligibility) *Generator {
	g := &Generator{cooldown: cooldown, nowFn: time.Now}
	g.SetThreshold(initial)
	return g
}

// SetThreshold replaces the whole gate set; concurrent Generate calls see
// either the old or the new value, never a mix.
func (g *Generator) SetThreshold(th Threshold) {
	cp := th
	g.threshold.Store(&cp)
}

func (g *Generator) Threshold() Threshold {
	return *g.threshold.Load()
}

// Generate evaluates every gate; BUY requires all of them to pass.
func (g *Generator) Generate(in Input) (Signal, error) {
	if err := validate(in); err != nil {
		return Signal{}, err
	}
	th := g.Threshold()
	j := in.Judgment
	sig := Signal{
		Symbol:      strings.ToUpper(strings.TrimSpace(in.Symbol)),
		Decision:    DecisionHold,
		Confidence:  j.Confidence,
		TargetPrice: j.TargetPrice,
		Price:       in.Price,
		Score:       in.Snapshot,
		Threshold:   th,
		JudgedAt:    j.At,
		At:          g.nowFn(),
	}
	if in.Snapshot.Normalized < th.ScoreFloor(in.Conservative) {
		sig.Failed = append(sig.Failed, GateScore)
	}
	if j.Verdict != DecisionBuy {
		sig.Failed = append(sig.Failed, GateVerdict)
	}
	if j.Confidence < th.MinConfidence {
		sig.Failed = append(sig.Failed, GateConfidence)
	}
	if j.TargetPrice <= 0 || in.Price > j.TargetPrice*(1+th.PremiumPct/100) {
		sig.Failed = append(sig.Failed, GatePremium)
	}
	if g.cooldown != nil && !g.cooldown.IsEligible(sig.Symbol) {
		sig.Failed = append(sig.Failed, GateCooldown)
	}
	if len(sig.Failed) == 0 {
		sig.Decision = DecisionBuy
	}
	return sig, nil
}

func validate(in Input) error {
	if strings.TrimSpace(in.Symbol) == "" {
		return fmt.Errorf("%w: empty symbol", ErrValidation)
	}
	if math.IsNaN(in.Price) || math.IsInf(in.Price, 0) || in.Price <= 0 {
		return fmt.Errorf("%w: %s price=%v", ErrValidation, in.Symbol, in.Price)
	}
	c := in.Judgment.Confidence
	if math.IsNaN(c) || c < 0 || c > 1 {
		return fmt.Errorf("%w: %s confidence=%v", ErrValidation, in.Symbol, c)
	}
	if math.IsNaN(in.Judgment.TargetPrice) || math.IsInf(in.Judgment.TargetPrice, 0) {
		return fmt.Errorf("%w: %s target=%v", ErrValidation, in.Symbol, in.Judgment.TargetPrice)
	}
	if err := in.Snapshot.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}
