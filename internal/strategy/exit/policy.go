// Package exit evaluates open positions against an ordered table of exit
// rules. The first matching rule wins.
package exit

import (
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
)

type evalState struct {
	in     Input
	params Params
	entry  decimal.Decimal
	price  decimal.Decimal
	hwm    decimal.Decimal
	armed  bool
}

type rule struct {
	reason Reason
	match  func(st *evalState) bool
}

// rules are evaluated in order.
var rules = []rule{
	{ReasonTimeLimit, timeLimitHit},
	{ReasonStopLoss, stopLossHit},
	{ReasonTakeProfit, takeProfitHit},
	{ReasonTrailing, trailingHit},
	{ReasonTimeStop, timeStopHit},
}

// Policy is safe for concurrent use; Update swaps the parameters atomically.
type Policy struct {
	params atomic.Pointer[Params]
}

func NewPolicy(p Params) *Policy {
	pol := &Policy{}
	pol.Update(p)
	return pol
}

func (p *Policy) Update(params Params) {
	if params.Location == nil {
		params.Location = time.UTC
	}
	p.params.Store(&params)
}

func (p *Policy) Params() Params { return *p.params.Load() }

func (p *Policy) Evaluate(in Input) Decision {
	params := p.Params()
	st := &evalState{
		in:     in,
		params: params,
		entry:  decFromFloat(in.Entry),
		price:  decFromFloat(in.Price),
		hwm:    decFromFloat(in.HighWaterMark),
		armed:  in.Armed,
	}
	st.hwm = maxDec(st.hwm, maxDec(st.price, st.entry))
	st.armed = st.armed || armed(st)

	d := Decision{
		HighWaterMark: decToFloat(st.hwm),
		Armed:         st.armed,
		StopPrice:     decToFloat(relativePrice(st.entry, params.StopLossPct, true)),
		TargetPrice:   decToFloat(relativePrice(st.entry, params.target(in.Grade), false)),
	}
	if st.armed {
		d.TrailPrice = decToFloat(relativePrice(st.hwm, params.trailing(in.Grade), true))
	}
	if !st.entry.IsPositive() || !st.price.IsPositive() {
		return d
	}
	for _, r := range rules {
		if r.match(st) {
			d.Reason = r.reason
			break
		}
	}
	return d
}

func armed(st *evalState) bool {
	switch st.params.ArmPolicy {
	case ArmOnTakeProfit:
		return targetHit(st.price, relativePrice(st.entry, st.params.target(st.in.Grade), false))
	case ArmOnNewHigh:
		return st.hwm.GreaterThan(st.entry)
	default:
		return targetHit(st.hwm, relativePrice(st.entry, st.params.ArmProfitPct, false))
	}
}

func timeLimitHit(st *evalState) bool {
	if st.params.Cutoff <= 0 || st.in.Now.IsZero() {
		return false
	}
	local := st.in.Now.In(st.params.Location)
	clock := time.Duration(local.Hour())*time.Hour +
		time.Duration(local.Minute())*time.Minute +
		time.Duration(local.Second())*time.Second
	return clock >= st.params.Cutoff
}

func stopLossHit(st *evalState) bool {
	return stopHit(st.price, relativePrice(st.entry, st.params.StopLossPct, true))
}

func takeProfitHit(st *evalState) bool {
	return targetHit(st.price, relativePrice(st.entry, st.params.target(st.in.Grade), false))
}

func trailingHit(st *evalState) bool {
	if !st.armed {
		return false
	}
	return trailBreached(st.price, relativePrice(st.hwm, st.params.trailing(st.in.Grade), true))
}

func timeStopHit(st *evalState) bool {
	if st.in.EntryTime.IsZero() || st.in.Now.Before(st.in.EntryTime) {
		return false
	}
	held := st.in.Now.Sub(st.in.EntryTime)
	if st.params.MaxHold > 0 && held >= st.params.MaxHold {
		return true
	}
	if st.params.TimeStopAfter <= 0 || held < st.params.TimeStopAfter {
		return false
	}
	return !targetHit(st.price, relativePrice(st.entry, st.params.TimeStopMinProfitPct, false))
}
