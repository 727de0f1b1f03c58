package recovery

import (
	"context"
	"errors"
	"fmt"

	"github.com/BTreeMap/NudgePipe/internal/activity"
	"github.com/BTreeMap/NudgePipe/internal/models"
)

// Guard reasons, also used as metric outcomes.
const (
	reasonInactivityVersion = "stale_activity"
	reasonEpisode           = "stale_episode"
	reasonCampaignMissing   = "campaign_missing"
	reasonCampaignInactive  = "campaign_inactive"
	reasonCampaignVersion   = "campaign_edited"
	reasonPaid              = "user_paid"
)

// staleGuard is the ErrStaleGuard returned by checkGuards.
type staleGuard struct {
	reason string
	// clearEpisode is set when the run owns the episode and must release it.
	clearEpisode bool
}

func (g *staleGuard) Error() string {
	return fmt.Sprintf("%v: %s", ErrStaleGuard, g.reason)
}

func (g *staleGuard) Is(target error) bool { return target == ErrStaleGuard }

// guardInput is what a job was armed with. A zero episodeID skips the episode
// check and a zero campaignID looks the campaign up by bot.
type guardInput struct {
	botID             string
	userID            string
	inactivityVersion int64
	episodeID         string
	campaignID        int64
	versionSnapshot   int64
}

// checkGuards re-reads the live state a job depends on and returns the campaign
// when the job is still current. Checks run in order: inactivity version,
// episode, campaign presence/activation/version, paid user.
func checkGuards(ctx context.Context, repo Repository, act activity.Store, in guardInput) (*models.RecoveryCampaign, error) {
	version, err := act.GetVersion(ctx, in.botID, in.userID)
	if err != nil {
		return nil, fmt.Errorf("read inactivity version: %w", err)
	}
	owned := in.episodeID != ""
	if version != in.inactivityVersion {
		// Owned runs release only their own token.
		return nil, &staleGuard{reason: reasonInactivityVersion, clearEpisode: owned}
	}

	if owned {
		current, err := act.CurrentEpisode(ctx, in.botID, in.userID)
		if err != nil {
			return nil, fmt.Errorf("read episode: %w", err)
		}
		if current != in.episodeID {
			return nil, &staleGuard{reason: reasonEpisode}
		}
	}

	var campaign *models.RecoveryCampaign
	if in.campaignID != 0 {
		campaign, err = repo.GetCampaignByID(ctx, in.campaignID)
	} else {
		campaign, err = repo.GetCampaign(ctx, in.botID)
	}
	if err != nil {
		return nil, fmt.Errorf("load campaign: %w", err)
	}
	if campaign == nil || campaign.BotID != in.botID {
		return nil, &staleGuard{reason: reasonCampaignMissing, clearEpisode: owned}
	}
	if !campaign.IsActive {
		return nil, &staleGuard{reason: reasonCampaignInactive, clearEpisode: owned}
	}
	if owned && campaign.Version != in.versionSnapshot {
		return nil, &staleGuard{reason: reasonCampaignVersion, clearEpisode: owned}
	}

	if campaign.SkipPaidUsers {
		paid, err := repo.UserHasPaid(ctx, in.botID, in.userID)
		if err != nil {
			return nil, fmt.Errorf("check payment: %w", err)
		}
		if paid {
			return nil, &staleGuard{reason: reasonPaid, clearEpisode: owned}
		}
	}
	return campaign, nil
}

// guardReason extracts the reason and release flag from a checkGuards error.
func guardReason(err error) (string, bool, bool) {
	var g *staleGuard
	if !errors.As(err, &g) {
		return "", false, false
	}
	return g.reason, g.clearEpisode, true
}
