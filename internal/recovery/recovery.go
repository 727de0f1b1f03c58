// Package recovery implements the inactivity watchdog and the drip sequencer that
// re-engage users who stopped responding.
//
// Both workers run as durable jobs. Every job carries the versions it was armed
// with and re-reads them when it executes, so new activity, a newer episode or a
// campaign edit silently invalidates queued work without an explicit cancel.
package recovery

import (
	"errors"
	"fmt"
	"time"

	"github.com/BTreeMap/NudgePipe/internal/messaging"
	"github.com/BTreeMap/NudgePipe/internal/store"
)

// Job kinds handled by this package.
const (
	JobKindWatchdog  = "recovery_watchdog"
	JobKindSequencer = "recovery_sequencer"
)

// Send retry defaults.
const (
	DefaultSendMaxAttempts = 3
	DefaultSendBaseBackoff = 2 * time.Second
	DefaultSendMaxBackoff  = 30 * time.Second
)

var (
	// ErrStaleGuard is returned by checkGuards when a job no longer matches the
	// current state. Handlers treat it as a silent abort.
	ErrStaleGuard = errors.New("stale recovery job")
	// ErrAllocationConflict means another run already owns the user's episode slot.
	ErrAllocationConflict = errors.New("episode already allocated")
)

// Repository is the persistence the workers need.
type Repository interface {
	store.RecoveryRepo
	store.PaymentRepo
}

// WatchdogPayload is the JSON payload for recovery_watchdog jobs.
type WatchdogPayload struct {
	BotID   string `json:"bot_id"`
	UserID  string `json:"user_id"`
	Version int64  `json:"version"`
}

// SequencerPayload is the JSON payload for recovery_sequencer jobs.
type SequencerPayload struct {
	BotID                  string `json:"bot_id"`
	UserID                 string `json:"user_id"`
	StepID                 int64  `json:"step_id"`
	CampaignID             int64  `json:"campaign_id"`
	EpisodeID              string `json:"episode_id"`
	VersionSnapshot        int64  `json:"version_snapshot"`
	InactivityVersionAtArm int64  `json:"inactivity_version_at_arm"`
}

func watchdogDedupeKey(botID, userID string, version int64, due time.Time) string {
	return fmt.Sprintf("watchdog:%s:%s:%d:%d", botID, userID, version, due.Unix())
}

func sequencerDedupeKey(botID, userID, episodeID string, stepID int64) string {
	return fmt.Sprintf("sequencer:%s:%s:%s:%d", botID, userID, episodeID, stepID)
}

// Opts holds configuration shared by the watchdog and the sequencer.
type Opts struct {
	Now             func() time.Time
	Metrics         *Metrics
	SendMaxAttempts int
	SendBaseBackoff time.Duration
	SendMaxBackoff  time.Duration
	RetryWait       messaging.WaitFunc
}

// Option defines a configuration option for the recovery workers.
type Option func(*Opts)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// WithMetrics records worker outcomes in m.
func WithMetrics(m *Metrics) Option {
	return func(o *Opts) { o.Metrics = m }
}

// WithSendRetry sets the send retry budget for transient failures.
func WithSendRetry(maxAttempts int, base, max time.Duration) Option {
	return func(o *Opts) {
		o.SendMaxAttempts = maxAttempts
		o.SendBaseBackoff = base
		o.SendMaxBackoff = max
	}
}

// WithRetryWait replaces the wait between send attempts.
func WithRetryWait(w messaging.WaitFunc) Option {
	return func(o *Opts) { o.RetryWait = w }
}

func applyOptions(opts []Option) Opts {
	cfg := Opts{
		Now:             time.Now,
		SendMaxAttempts: DefaultSendMaxAttempts,
		SendBaseBackoff: DefaultSendBaseBackoff,
		SendMaxBackoff:  DefaultSendMaxBackoff,
		RetryWait:       messaging.SleepContext,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.SendMaxAttempts <= 0 {
		cfg.SendMaxAttempts = DefaultSendMaxAttempts
	}
	if cfg.RetryWait == nil {
		cfg.RetryWait = messaging.SleepContext
	}
	return cfg
}

// sendBackoff returns base, 2*base, 4*base, ... capped at max, for the wait after
// the given failed attempt (1-based).
func sendBackoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
