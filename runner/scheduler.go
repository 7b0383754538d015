/*
scheduler.go - Periodic pipeline runs

PURPOSE:
  Runs the pipeline for the current day's batch on a fixed interval while
  the server is up, so a drop folder fed by nightly exports is processed
  without anyone calling the trigger endpoint.

DESIGN:
  - Background goroutine with a ticker; runs once immediately on Start
  - Batch = today (scheduler clock), ingest included
  - A tick that finds a run already in progress is skipped, not queued
  - Failures are logged; the next tick retries the whole batch

USAGE:
  s := runner.NewScheduler(r, time.Hour, logger)
  s.Start()
  // ... later
  s.Stop()
*/
package runner

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/seo-engine/pipeline"
)

type Scheduler struct {
	Runner   *Runner
	Interval time.Duration

	logger *zap.Logger
	now    func() time.Time

	ticker *time.Ticker
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewScheduler(r *Runner, interval time.Duration, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		Runner:   r,
		Interval: interval,
		logger:   logger.Named("scheduler"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Start begins periodic runs. A non-positive interval leaves it disabled.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Interval <= 0 {
		s.logger.Info("disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.ticker = time.NewTicker(s.Interval)
	s.wg.Add(1)
	go s.loop(ctx, s.ticker)

	s.logger.Info("started", zap.Duration("interval", s.Interval))
}

// Stop cancels an in-flight run and waits for the loop to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	s.cancel()
	s.wg.Wait()
	s.ticker = nil
	s.logger.Info("stopped")
}

func (s *Scheduler) loop(ctx context.Context, ticker *time.Ticker) {
	defer s.wg.Done()

	s.RunNow(ctx)
	for {
		select {
		case <-ticker.C:
			s.RunNow(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RunNow runs today's batch once and reports whether it completed.
func (s *Scheduler) RunNow(ctx context.Context) bool {
	batch := pipeline.BatchFor(s.now())
	report, err := s.Runner.Run(ctx, batch, Options{})
	switch {
	case errors.Is(err, ErrRunInProgress):
		s.logger.Info("run already in progress, skipping tick", zap.String("batch", batch.String()))
		return false
	case err != nil:
		s.logger.Error("scheduled run failed", zap.String("batch", batch.String()), zap.Error(err))
		return false
	}
	fields := []zap.Field{zap.String("batch", batch.String())}
	if report.Pipeline != nil && report.Pipeline.Fact != nil {
		fields = append(fields, zap.Int("fact_rows", report.Pipeline.Fact.RecordsOut))
	}
	s.logger.Info("scheduled run completed", fields...)
	return true
}
