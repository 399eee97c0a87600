package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Handle stops one armed trigger. Stop is idempotent.
type Handle interface {
	Stop()
}

// Trigger runs fn on every activation of a schedule. An armed fn never runs
// concurrently with itself.
type Trigger interface {
	Arm(sched cron.Schedule, fn func()) (Handle, error)
}

// CronTrigger runs schedules on a robfig cron instance.
type CronTrigger struct {
	c *cron.Cron
}

// NewCronTrigger returns a stopped trigger evaluating schedules in loc.
func NewCronTrigger(loc *time.Location) *CronTrigger {
	logger := cronLogger{}
	return &CronTrigger{c: cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)}
}

// Start begins running armed schedules.
func (t *CronTrigger) Start() {
	t.c.Start()
}

// Stop stops activations and waits, up to ctx, for running jobs to finish.
func (t *CronTrigger) Stop(ctx context.Context) {
	done := t.c.Stop()
	select {
	case <-done.Done():
		slog.Info("Cron trigger stopped")
	case <-ctx.Done():
		slog.Warn("Cron trigger stop timed out with jobs still running", "error", ctx.Err())
	}
}

// Arm implements Trigger.
func (t *CronTrigger) Arm(sched cron.Schedule, fn func()) (Handle, error) {
	id := t.c.Schedule(sched, cron.FuncJob(fn))
	return cronHandle{c: t.c, id: id}, nil
}

type cronHandle struct {
	c  *cron.Cron
	id cron.EntryID
}

func (h cronHandle) Stop() {
	h.c.Remove(h.id)
}

// cronLogger routes cron's logging through slog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	slog.Error("cron: "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
