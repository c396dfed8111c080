// Package scheduler runs periodic background tasks on cron expressions.
package scheduler

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// slogLogger adapts slog to cron.Logger.
type slogLogger struct{}

func (slogLogger) Info(msg string, keysAndValues ...interface{}) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (slogLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	slog.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}

// Scheduler provides cron-based task scheduling. A task that is still running
// when its next tick arrives is skipped rather than run twice.
type Scheduler struct {
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler creates a scheduler. Expressions use the standard 5-field
// syntax and descriptors such as "@hourly" or "@every 30m".
func NewScheduler() *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	logger := slogLogger{}
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{cron: c, ctx: ctx, cancel: cancel}
}

// AddJob schedules task under name. It returns an error if expr is invalid.
// The task's context is cancelled when the scheduler stops.
func (s *Scheduler) AddJob(name, expr string, task func(ctx context.Context)) error {
	_, err := s.cron.AddFunc(expr, func() {
		slog.Debug("Scheduler: running task", "name", name)
		task(s.ctx)
	})
	if err != nil {
		return err
	}
	slog.Info("Scheduler.AddJob: task scheduled", "name", name, "expr", expr)
	return nil
}

// Start begins running scheduled tasks in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop cancels running tasks and waits for them to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}
