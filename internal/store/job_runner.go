// Package store provides the JobRunner for executing durable jobs.
package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// JobHandler is a function that executes a job's work. It receives the job's
// payload JSON and returns an error if the execution failed.
type JobHandler func(ctx context.Context, payload string) error

// Job runner defaults.
const (
	DefaultPollInterval   = 10 * time.Second
	DefaultStaleThreshold = 5 * time.Minute
	DefaultClaimLimit     = 10
	DefaultStaleSweepSpec = "@every 1m"
	maxRetryBackoff       = 30 * time.Minute
)

// JobRunnerOpts holds configuration for a JobRunner.
type JobRunnerOpts struct {
	ClaimLimit     int
	StaleThreshold time.Duration
	StaleSweepSpec string
	Now            func() time.Time
}

// JobRunnerOption configures a JobRunner.
type JobRunnerOption func(*JobRunnerOpts)

// WithClaimLimit sets how many jobs one poll claims.
func WithClaimLimit(n int) JobRunnerOption {
	return func(o *JobRunnerOpts) { o.ClaimLimit = n }
}

// WithStaleThreshold sets how long a job may stay running before it is requeued.
func WithStaleThreshold(d time.Duration) JobRunnerOption {
	return func(o *JobRunnerOpts) { o.StaleThreshold = d }
}

// WithStaleSweepSpec sets the cron spec of the stale job sweep. Empty disables it.
func WithStaleSweepSpec(spec string) JobRunnerOption {
	return func(o *JobRunnerOpts) { o.StaleSweepSpec = spec }
}

// WithRunnerClock overrides the runner clock.
func WithRunnerClock(now func() time.Time) JobRunnerOption {
	return func(o *JobRunnerOpts) { o.Now = now }
}

// JobRunner periodically claims due jobs from the database and dispatches them
// to registered handlers.
type JobRunner struct {
	repo           JobRepo
	handlers       map[string]JobHandler
	mu             sync.RWMutex
	pollInterval   time.Duration
	staleThreshold time.Duration
	staleSweepSpec string
	claimLimit     int
	now            func() time.Time
}

// NewJobRunner creates a new JobRunner.
func NewJobRunner(repo JobRepo, pollInterval time.Duration, opts ...JobRunnerOption) *JobRunner {
	cfg := JobRunnerOpts{
		ClaimLimit:     DefaultClaimLimit,
		StaleThreshold: DefaultStaleThreshold,
		StaleSweepSpec: DefaultStaleSweepSpec,
		Now:            time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	if cfg.ClaimLimit <= 0 {
		cfg.ClaimLimit = DefaultClaimLimit
	}
	return &JobRunner{
		repo:           repo,
		handlers:       make(map[string]JobHandler),
		pollInterval:   pollInterval,
		staleThreshold: cfg.StaleThreshold,
		staleSweepSpec: cfg.StaleSweepSpec,
		claimLimit:     cfg.ClaimLimit,
		now:            cfg.Now,
	}
}

// RegisterHandler registers a handler for a given job kind.
func (r *JobRunner) RegisterHandler(kind string, handler JobHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = handler
	slog.Debug("JobRunner.RegisterHandler", "kind", kind)
}

// RecoverStaleJobs requeues jobs that were running when a worker crashed.
func (r *JobRunner) RecoverStaleJobs(ctx context.Context) error {
	staleBefore := r.now().Add(-r.staleThreshold)
	n, err := r.repo.RequeueStaleRunningJobs(ctx, staleBefore)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("JobRunner.RecoverStaleJobs: requeued stale jobs", "count", n)
	}
	return nil
}

// Run starts the polling loop and the stale job sweep. It blocks until the
// context is cancelled.
func (r *JobRunner) Run(ctx context.Context) {
	slog.Info("JobRunner.Run: starting job runner", "pollInterval", r.pollInterval, "staleSweep", r.staleSweepSpec)

	if r.staleSweepSpec != "" {
		sweeper := cron.New()
		if _, err := sweeper.AddFunc(r.staleSweepSpec, func() {
			if err := r.RecoverStaleJobs(ctx); err != nil {
				slog.Error("JobRunner.Run: stale sweep failed", "error", err)
			}
		}); err != nil {
			slog.Error("JobRunner.Run: invalid stale sweep spec, sweep disabled", "spec", r.staleSweepSpec, "error", err)
		} else {
			sweeper.Start()
			defer sweeper.Stop()
		}
	}

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("JobRunner.Run: stopping")
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce claims one batch of due jobs, executes them and returns how many
// were claimed.
func (r *JobRunner) RunOnce(ctx context.Context) int {
	now := r.now()
	jobs, err := r.repo.ClaimDueJobs(ctx, now, r.claimLimit)
	if err != nil {
		slog.Error("JobRunner.RunOnce: claim failed", "error", err)
		return 0
	}

	for _, job := range jobs {
		r.execute(ctx, job, now)
	}
	return len(jobs)
}

func (r *JobRunner) execute(ctx context.Context, job Job, now time.Time) {
	r.mu.RLock()
	handler, ok := r.handlers[job.Kind]
	r.mu.RUnlock()

	if !ok {
		slog.Warn("JobRunner.execute: no handler for job kind", "kind", job.Kind, "id", job.ID)
		if err := r.repo.FailJob(ctx, job.ID, "no handler registered for kind: "+job.Kind, now.Add(time.Minute)); err != nil {
			slog.Error("JobRunner.execute: fail job error", "id", job.ID, "error", err)
		}
		return
	}

	slog.Debug("JobRunner.execute: executing job", "id", job.ID, "kind", job.Kind, "attempt", job.Attempt)
	if err := handler(ctx, job.PayloadJSON); err != nil {
		slog.Error("JobRunner.execute: job execution failed", "id", job.ID, "kind", job.Kind, "attempt", job.Attempt, "error", err)
		if err := r.repo.FailJob(ctx, job.ID, err.Error(), now.Add(retryBackoff(job.Attempt))); err != nil {
			slog.Error("JobRunner.execute: fail job error", "id", job.ID, "error", err)
		}
		return
	}
	if err := r.repo.CompleteJob(ctx, job.ID); err != nil {
		slog.Error("JobRunner.execute: complete job error", "id", job.ID, "error", err)
		return
	}
	slog.Debug("JobRunner.execute: job completed", "id", job.ID, "kind", job.Kind)
}

// retryBackoff returns 30s, 60s, 120s, ... capped at maxRetryBackoff.
func retryBackoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 16 {
		return maxRetryBackoff
	}
	d := time.Duration(30*(1<<attempt)) * time.Second
	if d > maxRetryBackoff {
		return maxRetryBackoff
	}
	return d
}
