package main

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/zerodha/logf"
)

type cleaner interface {
	Cleanup(ctx context.Context) (int, error)
}

// cronLogger adapts logf.Logger to cron.Logger.
type cronLogger struct {
	lo logf.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.lo.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.lo.Error(msg, append([]interface{}{"error", err}, keysAndValues...)...)
}

// initCron schedules the periodic sweep of expired sessions. The sweep
// covers every channel as all managers share one store.
func initCron(spec string, c cleaner, lo logf.Logger) *cron.Cron {
	cl := cronLogger{lo: lo}
	cr := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(
			cron.Recover(cl),
			cron.DelayIfStillRunning(cl),
		),
	)

	if _, err := cr.AddFunc(spec, func() { runCleanup(c, lo) }); err != nil {
		lo.Fatal("error scheduling cleanup job", "spec", spec, "error", err)
	}

	lo.Info("scheduled session cleanup", "spec", spec)
	return cr
}

func runCleanup(c cleaner, lo logf.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	start := time.Now()
	n, err := c.Cleanup(ctx)
	if err != nil {
		lo.Error("error cleaning up sessions", "error", err)
		return
	}

	if n > 0 {
		lo.Info("cleaned up expired sessions", "count", n, "duration", time.Since(start))
	}
}
