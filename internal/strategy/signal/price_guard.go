package signal

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrPriceDrift    = errors.New("signal: price drifted above scoring price")
	ErrStaleJudgment = errors.New("signal: judgment expired")
)

// PriceGuard re-checks a BUY right before the order goes out.
type PriceGuard struct {
	MaxSlippagePct float64
	JudgmentTTL    time.Duration
}

func (g PriceGuard) Check(sig Signal, price float64, now time.Time) error {
	if g.JudgmentTTL > 0 && !sig.JudgedAt.IsZero() && now.Sub(sig.JudgedAt) > g.JudgmentTTL {
		return fmt.Errorf("%w: %s judged %s ago", ErrStaleJudgment, sig.Symbol, now.Sub(sig.JudgedAt).Round(time.Second))
	}
	if g.MaxSlippagePct > 0 && sig.Price > 0 {
		drift := (price - sig.Price) / sig.Price * 100
		if drift > g.MaxSlippagePct {
			return fmt.Errorf("%w: %s %.2f%% > %.2f%%", ErrPriceDrift, sig.Symbol, drift, g.MaxSlippagePct)
		}
	}
	return nil
}
