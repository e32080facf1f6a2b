package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"scalpctl/internal/logger"
)

// Cron wraps robfig/cron for the session open/close jobs. Specs use the
// standard five fields and are evaluated in the session timezone.
type Cron struct {
	c *cron.Cron
}

func NewCron(loc *time.Location) *Cron {
	if loc == nil {
		loc = time.UTC
	}
	l := cronLogger{}
	return &Cron{
		c: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(l),
			cron.WithChain(cron.Recover(l), cron.SkipIfStillRunning(l)),
		),
	}
}

func (c *Cron) Add(name, spec string, job func()) error {
	if spec == "" {
		return nil
	}
	if _, err := c.c.AddFunc(spec, func() {
		logger.Infof("cron[%s]: run", name)
		job()
	}); err != nil {
		return fmt.Errorf("register %s job %q: %w", name, spec, err)
	}
	return nil
}

func (c *Cron) Start() {
	c.c.Start()
	logger.Infof("cron: started with %d jobs", len(c.c.Entries()))
}

// Stop stops scheduling and waits for running jobs.
func (c *Cron) Stop() {
	<-c.c.Stop().Done()
	logger.Infof("cron: stopped")
}

// Next returns the next fire time of every job, for the status endpoint.
func (c *Cron) Next() []time.Time {
	entries := c.c.Entries()
	out := make([]time.Time, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Next)
	}
	return out
}

type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	logger.With(keysAndValues...).Debug("cron: " + msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	logger.With(keysAndValues...).Error("cron: "+msg, "err", err)
}
