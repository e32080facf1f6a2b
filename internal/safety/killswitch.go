package safety

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"scalpctl/internal/logger"
)

var ErrNotConfirmed = errors.New("safety: kill switch requires confirmation")

type Variant string

const (
	// VariantFull cancels pending orders, liquidates and halts for good.
	VariantFull Variant = "FULL"
	// VariantCancelOnly cancels pending orders and leaves holdings alone.
	VariantCancelOnly Variant = "CANCEL_ONLY"
	// VariantForced is FULL without confirmation, used by automated triggers.
	VariantForced Variant = "FORCED"
)

func ParseVariant(raw string) (Variant, error) {
	switch v := Variant(strings.ToUpper(strings.TrimSpace(raw))); v {
	case VariantFull, VariantCancelOnly, VariantForced:
		return v, nil
	case "":
		return VariantFull, nil
	default:
		return "", fmt.Errorf("safety: unknown kill variant %q", raw)
	}
}

type KillRequest struct {
	Variant   Variant `json:"variant"`
	Reason    string  `json:"reason"`
	Confirmed bool    `json:"confirmed"`
	Source    string  `json:"source"`
}

type KillReport struct {
	Variant    Variant   `json:"variant"`
	Reason     string    `json:"reason"`
	Source     string    `json:"source"`
	Cancelled  int       `json:"cancelled"`
	Liquidated []string  `json:"liquidated,omitempty"`
	Remaining  []string  `json:"remaining,omitempty"`
	Noop       bool      `json:"noop"`
	At         time.Time `json:"at"`
}

// Liquidator is implemented by the engine.
type Liquidator interface {
	// Exposure reports pending orders and open positions.
	Exposure() (pending, open int)
	CancelPending(ctx context.Context) (int, error)
	// LiquidateAll submits exits for every holding and waits until they
	// settle or ctx ends; remaining lists symbols still open.
	LiquidateAll(ctx context.Context, reason string) (liquidated, remaining []string, err error)
	// Halt stops all scheduling for the rest of the process lifetime.
	Halt(reason string)
}

type KillSwitch struct {
	mu       sync.Mutex
	target   Liquidator
	timeout  time.Duration
	killed   bool
	last     *KillReport
	onReport []func(KillReport)
	nowFn    func() time.Time
}

func NewKillSwitch(target Liquidator, timeout time.Duration) *KillSwitch {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &KillSwitch{target: target, timeout: timeout, nowFn: time.Now}
}

// OnReport registers an observer for completed kills.
func (k *KillSwitch) OnReport(fn func(KillReport)) {
	k.mu.Lock()
	k.onReport = append(k.onReport, fn)
	k.mu.Unlock()
}

func (k *KillSwitch) Killed() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.killed
}

func (k *KillSwitch) Last() (KillReport, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.last == nil {
		return KillReport{}, false
	}
	return *k.last, true
}

// Trigger runs the requested variant. Repeating a kill with nothing pending
// or open is a no-op. Work is bounded by the kill timeout.
func (k *KillSwitch) Trigger(ctx context.Context, req KillRequest) (KillReport, error) {
	if req.Variant == "" {
		req.Variant = VariantFull
	}
	if req.Variant != VariantForced && !req.Confirmed {
		return KillReport{}, ErrNotConfirmed
	}
	k.mu.Lock()
	defer k.mu.Unlock()

	rep := KillReport{Variant: req.Variant, Reason: req.Reason, Source: req.Source, At: k.nowFn()}
	full := req.Variant != VariantCancelOnly
	if full && !k.killed {
		// halt first so no new entry races the liquidation
		k.target.Halt(req.Reason)
		k.killed = true
	}
	pending, open := k.target.Exposure()
	if pending == 0 && (open == 0 || !full) {
		rep.Noop = true
		return rep, nil
	}

	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()

	var errs []error
	n, err := k.target.CancelPending(ctx)
	rep.Cancelled = n
	if err != nil {
		errs = append(errs, fmt.Errorf("cancel pending: %w", err))
	}
	if full {
		liq, rem, err := k.target.LiquidateAll(ctx, req.Reason)
		rep.Liquidated, rep.Remaining = liq, rem
		if err != nil {
			errs = append(errs, fmt.Errorf("liquidate: %w", err))
		}
	}
	k.last = &rep
	logger.Warnf("kill switch %s (%s, source=%s): cancelled=%d liquidated=%v remaining=%v",
		rep.Variant, rep.Reason, rep.Source, rep.Cancelled, rep.Liquidated, rep.Remaining)
	for _, fn := range k.onReport {
		fn(rep)
	}
	return rep, errors.Join(errs...)
}
