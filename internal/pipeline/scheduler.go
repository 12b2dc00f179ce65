package pipeline

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CompleteRunner is anything that can execute a complete run.
type CompleteRunner interface {
	RunComplete(ctx context.Context) (*CompleteResult, error)
}

// Scheduler executes a complete run immediately and then once per interval.
type Scheduler struct {
	runner   CompleteRunner
	interval time.Duration
	runs     *sync.Mutex
	logger   *zap.SugaredLogger
}

// NewScheduler creates a scheduler. runs is shared with the HTTP API so scheduled and
// manual runs never overlap.
func NewScheduler(runner CompleteRunner, interval time.Duration, runs *sync.Mutex, logger *zap.SugaredLogger) *Scheduler {
	if runs == nil {
		runs = &sync.Mutex{}
	}
	return &Scheduler{runner: runner, interval: interval, runs: runs, logger: logger}
}

// Run blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Infow("scheduler started", "interval", s.interval)
	s.RunOnce(ctx)

	timer := time.NewTimer(s.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler shutting down")
			return
		case <-timer.C:
			s.RunOnce(ctx)
			timer.Reset(s.interval)
		}
	}
}

// RunOnce executes one complete run unless another run holds the lock.
// It reports whether a run was attempted.
func (s *Scheduler) RunOnce(ctx context.Context) bool {
	if !s.runs.TryLock() {
		s.logger.Warn("skipping scheduled run: a run is already in progress")
		return false
	}
	defer s.runs.Unlock()

	res, err := s.runner.RunComplete(ctx)
	if err != nil {
		s.logger.Errorw("scheduled run aborted", "error", err)
		return true
	}
	s.logger.Infow("scheduled run finished", "run_id", res.RunID, "outcome", res.Outcome)
	return true
}
