package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/NudgePipe/internal/activity"
	"github.com/BTreeMap/NudgePipe/internal/messaging"
	"github.com/BTreeMap/NudgePipe/internal/models"
	"github.com/BTreeMap/NudgePipe/internal/store"
)

// Sequencer outcomes beyond the guard reasons.
const (
	outcomeStepInactive = "step_inactive"
	outcomeNoBlocks     = "no_blocks"
	outcomeSendFailed   = "send_failed"
	outcomeCompleted    = "completed"
	outcomeAdvanced     = "advanced"
)

// Sequencer sends one step of an episode and schedules the next one.
type Sequencer struct {
	repo     Repository
	activity activity.Store
	jobs     store.Dispatcher
	sender   messaging.BlockSender
	cfg      Opts
}

// NewSequencer creates a Sequencer.
func NewSequencer(repo Repository, act activity.Store, jobs store.Dispatcher, sender messaging.BlockSender, opts ...Option) *Sequencer {
	return &Sequencer{repo: repo, activity: act, jobs: jobs, sender: sender, cfg: applyOptions(opts)}
}

// Run executes one sequencer job. Stale jobs and terminal conditions return nil;
// only infrastructure failures return an error so the job is retried.
func (s *Sequencer) Run(ctx context.Context, p SequencerPayload) error {
	log := slog.With("botID", p.BotID, "userID", p.UserID, "episodeID", p.EpisodeID, "stepID", p.StepID)

	campaign, err := checkGuards(ctx, s.repo, s.activity, guardInput{
		botID:             p.BotID,
		userID:            p.UserID,
		inactivityVersion: p.InactivityVersionAtArm,
		episodeID:         p.EpisodeID,
		campaignID:        p.CampaignID,
		versionSnapshot:   p.VersionSnapshot,
	})
	if reason, owned, stale := guardReason(err); stale {
		log.Debug("Sequencer.Run: aborted", "reason", reason)
		if owned {
			s.release(ctx, p)
		}
		s.cfg.Metrics.sequencer(reason)
		return nil
	}
	if err != nil {
		return err
	}

	step, err := s.repo.GetStep(ctx, p.StepID)
	if err != nil {
		return fmt.Errorf("load step: %w", err)
	}
	if step == nil || !step.IsActive || step.CampaignID != campaign.ID {
		log.Info("Sequencer.Run: step no longer active, ending episode")
		s.release(ctx, p)
		s.cfg.Metrics.sequencer(outcomeStepInactive)
		return nil
	}
	blocks, err := s.repo.ListBlocks(ctx, step.ID)
	if err != nil {
		return fmt.Errorf("load blocks: %w", err)
	}
	if len(blocks) == 0 {
		log.Info("Sequencer.Run: step has no blocks, ending episode")
		s.release(ctx, p)
		s.cfg.Metrics.sequencer(outcomeNoBlocks)
		return nil
	}

	key := models.DeliveryKey{CampaignID: p.CampaignID, StepID: step.ID, BotID: p.BotID, UserID: p.UserID, EpisodeID: p.EpisodeID}
	existing, err := s.repo.FindDelivery(ctx, key)
	if err != nil {
		return fmt.Errorf("load delivery: %w", err)
	}

	now := s.cfg.Now().UTC()
	if existing != nil && existing.Status == models.DeliveryStatusSent {
		// Redelivered job: the send already happened, only the next step may be missing.
		log.Info("Sequencer.Run: step already sent, skipping send")
	} else {
		ids, err := s.send(ctx, p.UserID, blocks)
		if err != nil {
			if len(ids) > 0 {
				s.recordPartial(ctx, key, existing, p, now, ids)
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			log.Warn("Sequencer.Run: send gave up, ending episode", "transient", messaging.IsTransient(err), "delivered", len(ids), "error", err)
			s.release(ctx, p)
			s.cfg.Metrics.sequencer(outcomeSendFailed)
			return nil
		}
		s.cfg.Metrics.sent(len(ids))

		scheduledFor := now
		if existing != nil {
			scheduledFor = existing.ScheduledFor
		}
		err = s.repo.UpsertDelivery(ctx, models.RecoveryDelivery{
			DeliveryKey:     key,
			Status:          models.DeliveryStatusSent,
			ScheduledFor:    scheduledFor,
			SentAt:          &now,
			VersionSnapshot: p.VersionSnapshot,
			MessageIDs:      ids,
		})
		if err != nil {
			return fmt.Errorf("record sent delivery: %w", err)
		}
		log.Info("Sequencer.Run: step sent", "messages", len(ids))
	}

	steps, err := s.repo.ListActiveSteps(ctx, campaign.ID)
	if err != nil {
		return fmt.Errorf("list steps: %w", err)
	}
	var next *models.RecoveryStep
	for i := range steps {
		if steps[i].OrderIndex > step.OrderIndex {
			next = &steps[i]
			break
		}
	}
	if next == nil {
		log.Info("Sequencer.Run: last step sent, episode complete")
		s.release(ctx, p)
		s.cfg.Metrics.sequencer(outcomeCompleted)
		return nil
	}

	kept, err := s.activity.RefreshEpisode(ctx, p.BotID, p.UserID, p.EpisodeID)
	if err != nil {
		return fmt.Errorf("refresh episode: %w", err)
	}
	if !kept {
		log.Debug("Sequencer.Run: episode superseded during send", "reason", reasonEpisode)
		s.cfg.Metrics.sequencer(reasonEpisode)
		return nil
	}
	occurrence, err := stepOccurrence(*next, now, campaign.Timezone)
	if err != nil {
		log.Warn("Sequencer.Run: invalid stored schedule, ending episode", "nextStepID", next.ID, "error", err)
		s.release(ctx, p)
		s.cfg.Metrics.sequencer(outcomeBadSchedule)
		return nil
	}

	following := p
	following.StepID = next.ID
	following.VersionSnapshot = campaign.Version
	if err := scheduleStep(ctx, s.repo, s.jobs, following, occurrence, now); err != nil {
		return err
	}
	log.Info("Sequencer.Run: next step scheduled", "nextStepID", next.ID, "scheduledFor", occurrence)
	s.cfg.Metrics.sequencer(outcomeAdvanced)
	return nil
}

// send delivers blocks, retrying transient failures with exponential backoff.
// Blocks already delivered by a failed attempt are not sent again.
func (s *Sequencer) send(ctx context.Context, recipient string, blocks []models.RecoveryBlock) ([]string, error) {
	var sent []string
	remaining := blocks
	var lastErr error
	for attempt := 1; attempt <= s.cfg.SendMaxAttempts; attempt++ {
		ids, err := s.sender.Send(ctx, recipient, remaining)
		sent = append(sent, ids...)
		if err == nil {
			return sent, nil
		}
		lastErr = err
		if !messaging.IsTransient(err) {
			return sent, err
		}
		remaining = remaining[len(ids):]
		if attempt == s.cfg.SendMaxAttempts {
			break
		}
		wait := sendBackoff(attempt, s.cfg.SendBaseBackoff, s.cfg.SendMaxBackoff)
		slog.Debug("Sequencer.send: transient failure, retrying", "recipient", recipient, "attempt", attempt, "wait", wait, "error", err)
		if err := s.cfg.RetryWait(ctx, wait); err != nil {
			return sent, errors.Join(lastErr, err)
		}
	}
	return sent, fmt.Errorf("send failed after %d attempts: %w", s.cfg.SendMaxAttempts, lastErr)
}

// recordPartial stores the ids of blocks delivered before a send gave up. The row
// stays scheduled.
func (s *Sequencer) recordPartial(ctx context.Context, key models.DeliveryKey, existing *models.RecoveryDelivery, p SequencerPayload, now time.Time, ids []string) {
	scheduledFor := now
	if existing != nil {
		scheduledFor = existing.ScheduledFor
	}
	err := s.repo.UpsertDelivery(ctx, models.RecoveryDelivery{
		DeliveryKey:     key,
		Status:          models.DeliveryStatusScheduled,
		ScheduledFor:    scheduledFor,
		VersionSnapshot: p.VersionSnapshot,
		MessageIDs:      ids,
	})
	if err != nil {
		slog.Error("Sequencer: failed to record partial delivery", "botID", p.BotID, "userID", p.UserID, "episodeID", p.EpisodeID, "stepID", p.StepID, "error", err)
	}
}

// release frees the episode slot unless a newer run already owns it.
func (s *Sequencer) release(ctx context.Context, p SequencerPayload) {
	cleared, err := s.activity.ClearEpisodeIf(ctx, p.BotID, p.UserID, p.EpisodeID)
	if err != nil {
		slog.Error("Sequencer: failed to release episode", "botID", p.BotID, "userID", p.UserID, "episodeID", p.EpisodeID, "error", err)
		return
	}
	if !cleared {
		slog.Debug("Sequencer: episode slot held by another run", "botID", p.BotID, "userID", p.UserID, "episodeID", p.EpisodeID)
	}
}
