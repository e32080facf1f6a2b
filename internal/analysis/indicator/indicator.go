package indicator

import (
	"errors"
	"fmt"
	"math"

	"github.com/markcheno/go-talib"

	"scalpctl/internal/market"
)

const (
	cciPeriod    = 14
	maPeriod     = 20
	volumePeriod = 20
	wickCutoff   = 0.3
)

// ErrInsufficientBars is returned when history is too short for MA20/volume.
var ErrInsufficientBars = errors.New("indicator: insufficient bars")

// Vector is the indicator input of the score engine.
type Vector struct {
	CCI                float64 `json:"cci"`
	ChangePct          float64 `json:"change_pct"`
	DistanceMA20Pct    float64 `json:"distance_ma20_pct"`
	ConsecutiveBullish int     `json:"consecutive_bullish"`
	VolumeRatio        float64 `json:"volume_ratio"`
	UpperWickRatio     float64 `json:"upper_wick_ratio"`
	MA20Rising3d       bool    `json:"ma20_rising_3d"`
	HighEqualsClose    bool    `json:"high_equals_close"`
	Price              float64 `json:"price"`
}

// FromDailyBars derives the vector from daily bars, oldest first, where the
// last bar is today so far.
func FromDailyBars(bars []market.Candle) (Vector, error) {
	if len(bars) < maPeriod+3 {
		return Vector{}, fmt.Errorf("%w: need %d, got %d", ErrInsufficientBars, maPeriod+3, len(bars))
	}
	n := len(bars)
	highs := make([]float64, n)
	lows := make([]float64, n)
	closes := make([]float64, n)
	for i, b := range bars {
		if !b.Valid() {
			return Vector{}, fmt.Errorf("indicator: invalid bar at %d (%s)", i, b.Time.Format("2006-01-02"))
		}
		highs[i], lows[i], closes[i] = b.High, b.Low, b.Close
	}
	last := bars[n-1]
	prev := bars[n-2]

	cci := talib.Cci(highs, lows, closes, cciPeriod)
	ma := talib.Sma(closes, maPeriod)

	v := Vector{
		CCI:                cci[n-1],
		ChangePct:          pctChange(prev.Close, last.Close),
		DistanceMA20Pct:    pctChange(ma[n-1], last.Close),
		ConsecutiveBullish: bullishStreak(bars),
		VolumeRatio:        volumeRatio(bars),
		UpperWickRatio:     upperWickRatio(last),
		MA20Rising3d:       ma[n-1] > ma[n-2] && ma[n-2] > ma[n-3] && ma[n-3] > ma[n-4],
		HighEqualsClose:    last.High > 0 && math.Abs(last.High-last.Close)/last.High < 1e-9,
		Price:              last.Close,
	}
	return v, nil
}

func pctChange(from, to float64) float64 {
	if from <= 0 {
		return 0
	}
	return (to - from) / from * 100
}

func bullishStreak(bars []market.Candle) int {
	streak := 0
	for i := len(bars) - 1; i >= 0; i-- {
		if !bars[i].Bullish() {
			break
		}
		streak++
	}
	return streak
}

// volumeRatio compares today's volume with the mean of the prior sessions.
func volumeRatio(bars []market.Candle) float64 {
	n := len(bars)
	if n < volumePeriod+1 {
		return 0
	}
	sum := 0.0
	for _, b := range bars[n-1-volumePeriod : n-1] {
		sum += b.Volume
	}
	avg := sum / volumePeriod
	if avg <= 0 {
		return 0
	}
	return bars[n-1].Volume / avg
}

func upperWickRatio(c market.Candle) float64 {
	span := c.High - c.Low
	if span <= 0 {
		return 0
	}
	return (c.High - math.Max(c.Open, c.Close)) / span
}

// LongUpperWick reports whether the wick rejects more than the cutoff share of the range.
func (v Vector) LongUpperWick() bool { return v.UpperWickRatio > wickCutoff }
