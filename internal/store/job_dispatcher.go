package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Dispatcher schedules a payload for execution after delay.
type Dispatcher interface {
	Enqueue(ctx context.Context, kind string, payload any, delay time.Duration, dedupeKey string) (string, error)
}

// JobDispatcher is the Dispatcher backed by the durable job table.
type JobDispatcher struct {
	repo JobRepo
	now  func() time.Time
}

// Compile-time check that JobDispatcher implements Dispatcher.
var _ Dispatcher = (*JobDispatcher)(nil)

// NewJobDispatcher creates a dispatcher over repo. A nil clock means time.Now.
func NewJobDispatcher(repo JobRepo, now func() time.Time) *JobDispatcher {
	if now == nil {
		now = time.Now
	}
	return &JobDispatcher{repo: repo, now: now}
}

// Enqueue marshals payload and stores it as a job due at now+delay. Negative
// delays run immediately.
func (d *JobDispatcher) Enqueue(ctx context.Context, kind string, payload any, delay time.Duration, dedupeKey string) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	if delay < 0 {
		delay = 0
	}
	runAt := d.now().UTC().Add(delay)
	id, err := d.repo.EnqueueJob(ctx, kind, runAt, string(body), dedupeKey)
	if err != nil {
		return "", fmt.Errorf("enqueue %s job: %w", kind, err)
	}
	slog.Debug("JobDispatcher.Enqueue", "kind", kind, "id", id, "runAt", runAt, "dedupeKey", dedupeKey)
	return id, nil
}
