// Package activity tracks per-user inactivity versions and the episode slot that
// guards recovery drips.
//
// RecordActivity is the only cancellation signal in the recovery pipeline: it bumps the
// user's version and drops any running episode in one atomic step, so every queued
// watchdog or sequencer unit that captured the old values turns into a no-op when it
// re-checks them.
package activity

import (
	"context"
	"time"
)

// Default lifetimes for stored state.
const (
	// DefaultStateTTL bounds how long version and last-activity are kept after the
	// most recent write.
	DefaultStateTTL = 30 * 24 * time.Hour
	// DefaultEpisodeTTL bounds how long an abandoned episode can block a new one.
	DefaultEpisodeTTL = 7 * 24 * time.Hour
	// DefaultKeyPrefix namespaces the Redis keys.
	DefaultKeyPrefix = "recovery"
)

// Store is the versioned low-latency store used by the recovery workers.
type Store interface {
	// RecordActivity increments the inactivity version, refreshes the last activity
	// timestamp and deletes any episode, atomically. It returns the new version.
	RecordActivity(ctx context.Context, botID, userID string) (int64, error)

	// GetVersion returns the current inactivity version, 0 when never recorded.
	GetVersion(ctx context.Context, botID, userID string) (int64, error)

	// GetLastActivity returns the last activity instant in UTC, now when never recorded.
	GetLastActivity(ctx context.Context, botID, userID string) (time.Time, error)

	// TryAllocateEpisode sets the episode only if none is running.
	TryAllocateEpisode(ctx context.Context, botID, userID, episodeID string) (bool, error)

	// AllocateEpisode sets the episode unconditionally and refreshes its TTL. It is used
	// when the same episode advances to its next step.
	AllocateEpisode(ctx context.Context, botID, userID, episodeID string) error

	// RefreshEpisode extends the TTL of episodeID only while the slot still holds it.
	// It returns false when the slot was cleared or taken by another run.
	RefreshEpisode(ctx context.Context, botID, userID, episodeID string) (bool, error)

	// CurrentEpisode returns the running episode id, empty when none.
	CurrentEpisode(ctx context.Context, botID, userID string) (string, error)

	// ClearEpisode removes the episode slot.
	ClearEpisode(ctx context.Context, botID, userID string) error

	// ClearEpisodeIf removes the episode slot only while it still holds episodeID.
	ClearEpisodeIf(ctx context.Context, botID, userID, episodeID string) (bool, error)
}

// Opts holds configuration options for activity stores.
type Opts struct {
	Prefix     string
	StateTTL   time.Duration
	EpisodeTTL time.Duration
	Now        func() time.Time
}

// Option defines a configuration option for activity stores.
type Option func(*Opts)

// WithPrefix sets the Redis key prefix.
func WithPrefix(prefix string) Option {
	return func(o *Opts) { o.Prefix = prefix }
}

// WithStateTTL sets how long version and last activity are retained.
func WithStateTTL(ttl time.Duration) Option {
	return func(o *Opts) { o.StateTTL = ttl }
}

// WithEpisodeTTL sets the lifetime of an episode slot.
func WithEpisodeTTL(ttl time.Duration) Option {
	return func(o *Opts) { o.EpisodeTTL = ttl }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

func applyOptions(opts []Option) Opts {
	cfg := Opts{
		Prefix:     DefaultKeyPrefix,
		StateTTL:   DefaultStateTTL,
		EpisodeTTL: DefaultEpisodeTTL,
		Now:        time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = DefaultStateTTL
	}
	if cfg.EpisodeTTL <= 0 {
		cfg.EpisodeTTL = DefaultEpisodeTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return cfg
}
