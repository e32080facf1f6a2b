package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"scalpctl/internal/logger"
)

// Loop runs a task on wall-clock aligned ticks (every 5s fires at :00, :05,
// ...). A task that overruns skips the ticks it missed instead of queueing
// them.
type Loop struct {
	Name           string
	Interval       time.Duration
	RunImmediately bool

	nowFn func() time.Time
}

func NewLoop(name string, interval time.Duration) *Loop {
	return &Loop{Name: name, Interval: interval, nowFn: time.Now}
}

// Run blocks until ctx is done. Panics inside task are recovered and logged
// so one bad cycle never stops the loop.
func (l *Loop) Run(ctx context.Context, task func(context.Context)) error {
	if task == nil {
		return fmt.Errorf("scheduler[%s]: task is nil", l.Name)
	}
	if l.Interval <= 0 {
		return fmt.Errorf("scheduler[%s]: invalid interval=%s", l.Name, l.Interval)
	}
	if l.nowFn == nil {
		l.nowFn = time.Now
	}
	startAt := l.nowFn()
	logger.Infof("scheduler[%s]: started interval=%s run_immediately=%v at=%s",
		l.Name, l.Interval, l.RunImmediately, startAt.UTC().Format(time.RFC3339))

	if l.RunImmediately {
		l.safeRun(ctx, task)
	}
	for {
		now := l.nowFn()
		wakeAt := nextFixedTimeAfter(now.Truncate(l.Interval), l.Interval, now)
		timer := time.NewTimer(wakeAt.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Infof("scheduler[%s]: ctx done, exit | uptime=%s", l.Name, l.nowFn().Sub(startAt).Truncate(time.Second))
			return ctx.Err()
		case <-timer.C:
		}
		l.safeRun(ctx, task)
	}
}

func (l *Loop) safeRun(ctx context.Context, task func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("scheduler[%s]: task panic: %v\n%s", l.Name, r, debug.Stack())
		}
	}()
	task(ctx)
}

func nextFixedTimeAfter(anchor time.Time, interval time.Duration, now time.Time) time.Time {
	if interval <= 0 {
		return now
	}
	delta := now.Sub(anchor)
	if delta < 0 {
		return anchor
	}
	k := delta / interval
	return anchor.Add((k + 1) * interval)
}
