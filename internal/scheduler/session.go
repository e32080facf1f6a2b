package scheduler

import (
	"time"
)

// Session is the trading day calendar: open, liquidation cutoff and close
// as offsets from local midnight in Loc. Weekends are never sessions;
// exchange holidays are not modelled.
type Session struct {
	Loc    *time.Location
	Open   time.Duration
	Cutoff time.Duration
	Close  time.Duration
}

func (s Session) loc() *time.Location {
	if s.Loc == nil {
		return time.UTC
	}
	return s.Loc
}

func (s Session) midnight(now time.Time) time.Time {
	local := now.In(s.loc())
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.loc())
}

// Date is the session key (YYYY-MM-DD) of now.
func (s Session) Date(now time.Time) string {
	return now.In(s.loc()).Format("2006-01-02")
}

func (s Session) TradingDay(now time.Time) bool {
	switch now.In(s.loc()).Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return true
}

func (s Session) OpenAt(now time.Time) time.Time   { return s.midnight(now).Add(s.Open) }
func (s Session) CutoffAt(now time.Time) time.Time { return s.midnight(now).Add(s.Cutoff) }
func (s Session) CloseAt(now time.Time) time.Time  { return s.midnight(now).Add(s.Close) }

// InHours reports open ≤ now < close on a trading day.
func (s Session) InHours(now time.Time) bool {
	if !s.TradingDay(now) {
		return false
	}
	return !now.Before(s.OpenAt(now)) && now.Before(s.CloseAt(now))
}

// PastCutoff reports now ≥ the liquidation cutoff of today's session.
func (s Session) PastCutoff(now time.Time) bool {
	return !now.Before(s.CutoffAt(now))
}
