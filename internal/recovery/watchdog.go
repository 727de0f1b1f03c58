package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/NudgePipe/internal/activity"
	"github.com/BTreeMap/NudgePipe/internal/models"
	"github.com/BTreeMap/NudgePipe/internal/schedule"
	"github.com/BTreeMap/NudgePipe/internal/store"
	"github.com/BTreeMap/NudgePipe/internal/util"
)

// Watchdog outcomes beyond the guard reasons.
const (
	outcomeRearmed            = "rearmed"
	outcomeNoSteps            = "no_steps"
	outcomeAllocationConflict = "allocation_conflict"
	outcomeBadSchedule        = "bad_schedule"
	outcomeScheduled          = "scheduled"
)

// Watchdog arms an inactivity check on every user activity and starts a drip
// episode when the check confirms the user stayed silent.
type Watchdog struct {
	repo     Repository
	activity activity.Store
	jobs     store.Dispatcher
	cfg      Opts
}

// NewWatchdog creates a Watchdog.
func NewWatchdog(repo Repository, act activity.Store, jobs store.Dispatcher, opts ...Option) *Watchdog {
	return &Watchdog{repo: repo, activity: act, jobs: jobs, cfg: applyOptions(opts)}
}

// OnActivity records user activity, which invalidates any queued work for the
// user, and arms a check for the new version.
func (w *Watchdog) OnActivity(ctx context.Context, botID, userID string) (int64, error) {
	if botID == "" {
		return 0, models.ErrEmptyBotID
	}
	if userID == "" {
		return 0, models.ErrEmptyUserID
	}
	version, err := w.activity.RecordActivity(ctx, botID, userID)
	if err != nil {
		return 0, fmt.Errorf("record activity: %w", err)
	}
	if err := w.ScheduleCheck(ctx, botID, userID, version); err != nil {
		return version, err
	}
	return version, nil
}

// ScheduleCheck enqueues a watchdog check after the campaign threshold. It does
// nothing when the campaign is inactive or has no step with blocks.
func (w *Watchdog) ScheduleCheck(ctx context.Context, botID, userID string, version int64) error {
	campaign, err := w.repo.GetCampaign(ctx, botID)
	if err != nil {
		return fmt.Errorf("load campaign: %w", err)
	}
	if !campaign.IsActive {
		slog.Debug("Watchdog.ScheduleCheck: campaign inactive", "botID", botID, "userID", userID)
		return nil
	}
	steps, err := w.repo.ListActiveSteps(ctx, campaign.ID)
	if err != nil {
		return fmt.Errorf("list steps: %w", err)
	}
	if len(steps) == 0 {
		slog.Debug("Watchdog.ScheduleCheck: no deliverable steps", "botID", botID, "userID", userID)
		return nil
	}

	threshold := campaign.Threshold()
	due := w.cfg.Now().UTC().Add(threshold)
	payload := WatchdogPayload{BotID: botID, UserID: userID, Version: version}
	id, err := w.jobs.Enqueue(ctx, JobKindWatchdog, payload, threshold, watchdogDedupeKey(botID, userID, version, due))
	if err != nil {
		return fmt.Errorf("enqueue watchdog: %w", err)
	}
	slog.Debug("Watchdog.ScheduleCheck: armed", "botID", botID, "userID", userID, "version", version, "due", due, "jobID", id)
	return nil
}

// OnCheckFires confirms the user stayed silent, allocates an episode and
// schedules the first step. Stale checks return nil.
func (w *Watchdog) OnCheckFires(ctx context.Context, p WatchdogPayload) error {
	campaign, err := checkGuards(ctx, w.repo, w.activity, guardInput{
		botID:             p.BotID,
		userID:            p.UserID,
		inactivityVersion: p.Version,
	})
	if reason, _, stale := guardReason(err); stale {
		slog.Debug("Watchdog.OnCheckFires: aborted", "botID", p.BotID, "userID", p.UserID, "reason", reason)
		w.cfg.Metrics.watchdog(reason)
		return nil
	}
	if err != nil {
		return err
	}

	now := w.cfg.Now().UTC()
	last, err := w.activity.GetLastActivity(ctx, p.BotID, p.UserID)
	if err != nil {
		return fmt.Errorf("read last activity: %w", err)
	}
	deadline := last.UTC().Add(campaign.Threshold())
	if now.Before(deadline) {
		remaining := deadline.Sub(now)
		if _, err := w.jobs.Enqueue(ctx, JobKindWatchdog, p, remaining, watchdogDedupeKey(p.BotID, p.UserID, p.Version, deadline)); err != nil {
			return fmt.Errorf("re-arm watchdog: %w", err)
		}
		slog.Debug("Watchdog.OnCheckFires: fired early, re-armed", "botID", p.BotID, "userID", p.UserID, "remaining", remaining)
		w.cfg.Metrics.watchdog(outcomeRearmed)
		return nil
	}

	steps, err := w.repo.ListActiveSteps(ctx, campaign.ID)
	if err != nil {
		return fmt.Errorf("list steps: %w", err)
	}
	if len(steps) == 0 {
		slog.Debug("Watchdog.OnCheckFires: no deliverable steps", "botID", p.BotID, "userID", p.UserID)
		w.cfg.Metrics.watchdog(outcomeNoSteps)
		return nil
	}
	first := steps[0]

	episodeID := util.NewEpisodeID()
	ok, err := w.activity.TryAllocateEpisode(ctx, p.BotID, p.UserID, episodeID)
	if err != nil {
		return fmt.Errorf("allocate episode: %w", err)
	}
	if !ok {
		slog.Info("Watchdog.OnCheckFires: episode already running", "botID", p.BotID, "userID", p.UserID, "error", ErrAllocationConflict)
		w.cfg.Metrics.watchdog(outcomeAllocationConflict)
		return nil
	}
	// Activity between the guards and the allocation leaves this episode orphaned.
	if version, err := w.activity.GetVersion(ctx, p.BotID, p.UserID); err != nil || version != p.Version {
		w.release(ctx, p.BotID, p.UserID, episodeID)
		if err != nil {
			return fmt.Errorf("re-read inactivity version: %w", err)
		}
		slog.Debug("Watchdog.OnCheckFires: activity during allocation, aborted", "botID", p.BotID, "userID", p.UserID, "reason", reasonInactivityVersion)
		w.cfg.Metrics.watchdog(reasonInactivityVersion)
		return nil
	}

	occurrence, err := stepOccurrence(first, deadline, campaign.Timezone)
	if err != nil {
		slog.Warn("Watchdog.OnCheckFires: invalid stored schedule, aborting", "botID", p.BotID, "userID", p.UserID, "stepID", first.ID, "error", err)
		w.release(ctx, p.BotID, p.UserID, episodeID)
		w.cfg.Metrics.watchdog(outcomeBadSchedule)
		return nil
	}

	next := SequencerPayload{
		BotID:                  p.BotID,
		UserID:                 p.UserID,
		StepID:                 first.ID,
		CampaignID:             campaign.ID,
		EpisodeID:              episodeID,
		VersionSnapshot:        campaign.Version,
		InactivityVersionAtArm: p.Version,
	}
	if err := scheduleStep(ctx, w.repo, w.jobs, next, occurrence, now); err != nil {
		// Free the slot so the retried job can allocate again.
		w.release(ctx, p.BotID, p.UserID, episodeID)
		return err
	}
	slog.Info("Watchdog.OnCheckFires: episode started", "botID", p.BotID, "userID", p.UserID, "episodeID", episodeID, "stepID", first.ID, "scheduledFor", occurrence)
	w.cfg.Metrics.watchdog(outcomeScheduled)
	return nil
}

func (w *Watchdog) release(ctx context.Context, botID, userID, episodeID string) {
	if _, err := w.activity.ClearEpisodeIf(ctx, botID, userID, episodeID); err != nil {
		slog.Error("Watchdog: failed to release episode", "botID", botID, "userID", userID, "episodeID", episodeID, "error", err)
	}
}

// scheduleStep writes the scheduled ledger row for p and enqueues its sequencer job.
func scheduleStep(ctx context.Context, repo Repository, jobs store.Dispatcher, p SequencerPayload, occurrence, now time.Time) error {
	err := repo.UpsertDelivery(ctx, models.RecoveryDelivery{
		DeliveryKey: models.DeliveryKey{
			CampaignID: p.CampaignID,
			StepID:     p.StepID,
			BotID:      p.BotID,
			UserID:     p.UserID,
			EpisodeID:  p.EpisodeID,
		},
		Status:          models.DeliveryStatusScheduled,
		ScheduledFor:    occurrence,
		VersionSnapshot: p.VersionSnapshot,
	})
	if err != nil {
		return fmt.Errorf("record scheduled delivery: %w", err)
	}
	delay := occurrence.Sub(now)
	if delay < 0 {
		delay = 0
	}
	if _, err := jobs.Enqueue(ctx, JobKindSequencer, p, delay, sequencerDedupeKey(p.BotID, p.UserID, p.EpisodeID, p.StepID)); err != nil {
		return fmt.Errorf("enqueue sequencer: %w", err)
	}
	return nil
}

var errNoSchedule = errors.New("step has no schedule")

// stepOccurrence decodes a stored step schedule and computes when it is due
// after base.
func stepOccurrence(step models.RecoveryStep, base time.Time, tz string) (time.Time, error) {
	if step.ScheduleType == "" {
		return time.Time{}, errNoSchedule
	}
	def, err := schedule.Decode(step.ScheduleType, step.ScheduleValue)
	if err != nil {
		return time.Time{}, err
	}
	return schedule.NextOccurrence(def, base.UTC(), tz)
}
