package score

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"scalpctl/internal/analysis/indicator"
)

// ErrValidation marks a snapshot that cannot be scored; the symbol is skipped
// for the cycle.
var ErrValidation = errors.New("score: invalid input")

// DefaultMaxRawScore is the sum of all component caps.
const DefaultMaxRawScore = capTrend + capChange + capDistance + capStreak + capVolume + capCandle

const (
	capTrend    = 15.0
	capChange   = 15.0
	capDistance = 15.0
	capStreak   = 10.0
	capVolume   = 15.0
	capCandle   = 15.0
)

type Grade string

const (
	GradeS    Grade = "S"
	GradeA    Grade = "A"
	GradeB    Grade = "B"
	GradeC    Grade = "C"
	GradeNone Grade = ""
)

// GradeFor maps a normalized score onto S/A/B/C bands.
func GradeFor(normalized float64) Grade {
	switch {
	case normalized >= 90:
		return GradeS
	case normalized >= 80:
		return GradeA
	case normalized >= 70:
		return GradeB
	case normalized >= 60:
		return GradeC
	default:
		return GradeNone
	}
}

// Components are the six bounded contributions.
type Components struct {
	Trend    float64 `json:"trend"`
	Change   float64 `json:"change"`
	Distance float64 `json:"distance"`
	Streak   float64 `json:"streak"`
	Volume   float64 `json:"volume"`
	Candle   float64 `json:"candle"`
}

func (c Components) Sum() float64 {
	return c.Trend + c.Change + c.Distance + c.Streak + c.Volume + c.Candle
}

type Snapshot struct {
	Symbol     string           `json:"symbol"`
	Components Components       `json:"components"`
	RawTotal   float64          `json:"raw_total"`
	Normalized float64          `json:"normalized"`
	Grade      Grade            `json:"grade"`
	Price      float64          `json:"price"`
	Indicators indicator.Vector `json:"indicators"`
	At         time.Time        `json:"at"`
}

// Validate checks the invariants every consumer relies on.
func (s Snapshot) Validate() error {
	if strings.TrimSpace(s.Symbol) == "" {
		return fmt.Errorf("%w: empty symbol", ErrValidation)
	}
	if !finite(s.RawTotal) || !finite(s.Normalized) || s.Normalized < 0 || s.Normalized > 100 {
		return fmt.Errorf("%w: %s normalized=%v", ErrValidation, s.Symbol, s.Normalized)
	}
	if !finite(s.Price) || s.Price <= 0 {
		return fmt.Errorf("%w: %s price=%v", ErrValidation, s.Symbol, s.Price)
	}
	return nil
}

// Engine is a pure scorer; it holds only the normalizing constant.
type Engine struct {
	maxRaw float64
}

func NewEngine(maxRawScore float64) *Engine {
	if maxRawScore <= 0 {
		maxRawScore = DefaultMaxRawScore
	}
	return &Engine{maxRaw: maxRawScore}
}

func (e *Engine) MaxRawScore() float64 { return e.maxRaw }

func (e *Engine) Score(symbol string, v indicator.Vector, at time.Time) (Snapshot, error) {
	for name, f := range map[string]float64{
		"cci": v.CCI, "change_pct": v.ChangePct, "distance_ma20_pct": v.DistanceMA20Pct,
		"volume_ratio": v.VolumeRatio, "upper_wick_ratio": v.UpperWickRatio, "price": v.Price,
	} {
		if !finite(f) {
			return Snapshot{}, fmt.Errorf("%w: %s %s=%v", ErrValidation, symbol, name, f)
		}
	}
	comps := Components{
		Trend:    clamp(TrendScore(v.CCI), 0, capTrend),
		Change:   clamp(ChangeScore(v.ChangePct), 0, capChange),
		Distance: clamp(DistanceScore(v.DistanceMA20Pct), 0, capDistance),
		Streak:   clamp(StreakScore(v.ConsecutiveBullish), 0, capStreak),
		Volume:   clamp(VolumeScore(v.VolumeRatio), 0, capVolume),
		Candle:   CandleScore(v.UpperWickRatio, v.MA20Rising3d, v.HighEqualsClose),
	}
	raw := math.Min(comps.Sum(), e.maxRaw)
	normalized := clamp(raw/e.maxRaw*100, 0, 100)
	snap := Snapshot{
		Symbol:     symbol,
		Components: comps,
		RawTotal:   raw,
		Normalized: normalized,
		Grade:      GradeFor(normalized),
		Price:      v.Price,
		Indicators: v,
		At:         at,
	}
	if err := snap.Validate(); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// TrendScore rewards a CCI in the 160-180 band and fades on both sides.
func TrendScore(cci float64) float64 {
	switch {
	case cci >= 160 && cci <= 180:
		return 15
	case cci >= 140 && cci < 160:
		return 12 + (cci-140)/20*3
	case cci > 180 && cci <= 200:
		return 15 - (cci-180)/20*3
	case cci >= 100 && cci < 140:
		return 5 + (cci-100)/40*7
	case cci > 200 && cci <= 250:
		return 12 - (cci-200)/50*7
	case cci > 250:
		return math.Max(0, 5-(cci-250)/100*5)
	default:
		return 2
	}
}

// ChangeScore peaks at a +5% session change.
func ChangeScore(pct float64) float64 {
	switch {
	case pct >= 2 && pct <= 8:
		return 15 - math.Abs(pct-5)/3
	case pct >= 1 && pct < 2:
		return 10 + (pct-1)*4
	case pct > 8 && pct <= 10:
		return 14 - (pct-8)/2*4
	case pct < 0:
		return math.Max(0, 3+(pct+5)*0.6)
	default:
		return 5
	}
}

// DistanceScore peaks at 5% above MA20.
func DistanceScore(pct float64) float64 {
	switch {
	case pct >= 2 && pct <= 8:
		return 15 - math.Abs(pct-5)/3
	case pct >= 0 && pct < 2:
		return 8 + pct*3
	case pct > 8 && pct <= 15:
		return 14 - (pct-8)/7*6
	case pct < 0:
		return math.Max(3, 8+pct*0.5)
	default:
		return 2
	}
}

func StreakScore(n int) float64 {
	switch {
	case n == 2 || n == 3:
		return 10
	case n == 1:
		return 6
	case n == 4:
		return 8
	case n >= 5:
		return math.Max(2, 6-float64(n-4))
	default:
		return 3
	}
}

// VolumeScore peaks at 2.25x average volume.
func VolumeScore(ratio float64) float64 {
	switch {
	case ratio >= 1.5 && ratio <= 3:
		return 15 - math.Abs(ratio-2.25)/0.75*2
	case ratio >= 1 && ratio < 1.5:
		return 8 + (ratio-1)*14
	case ratio > 3 && ratio <= 5:
		return 13 - (ratio-3)/2*5
	case ratio < 1:
		return math.Max(3, ratio*8)
	default:
		return 3
	}
}

func CandleScore(upperWick float64, ma20Rising, highEqClose bool) float64 {
	s := 10.0
	if upperWick > 0.3 {
		s -= 5
	}
	if ma20Rising {
		s += 5
	}
	if highEqClose {
		s += 2
	}
	return clamp(s, 0, capCandle)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func finite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }
