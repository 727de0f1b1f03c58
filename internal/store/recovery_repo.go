// Package store provides the RecoveryRepo and PaymentRepo interfaces used by the
// recovery workers.
package store

import (
	"context"
	"time"

	"github.com/BTreeMap/NudgePipe/internal/models"
	"github.com/BTreeMap/NudgePipe/internal/schedule"
)

// RecoveryRepo defines durable access to campaigns, steps, blocks and the delivery
// ledger. Lookups that find nothing return (nil, nil).
type RecoveryRepo interface {
	// GetCampaign returns the bot's campaign, creating it with defaults on first access.
	GetCampaign(ctx context.Context, botID string) (*models.RecoveryCampaign, error)

	// GetCampaignByID returns a campaign by its id.
	GetCampaignByID(ctx context.Context, id int64) (*models.RecoveryCampaign, error)

	// IncrementCampaignVersion bumps the campaign version and returns the new value.
	IncrementCampaignVersion(ctx context.Context, id int64) (int64, error)

	// UpdateCampaignSettings changes the editable settings and bumps the version.
	UpdateCampaignSettings(ctx context.Context, botID string, settings models.CampaignSettings) (*models.RecoveryCampaign, error)

	// CreateStep appends a step at the end of the campaign and bumps the version.
	CreateStep(ctx context.Context, campaignID int64, def schedule.Definition, isActive bool) (*models.RecoveryStep, error)

	// UpdateStep changes a step's schedule and activation and bumps the version.
	UpdateStep(ctx context.Context, stepID int64, def schedule.Definition, isActive bool) error

	// DeleteStep removes a step and its blocks, closes the gap in order indexes and
	// bumps the version.
	DeleteStep(ctx context.Context, stepID int64) error

	// CreateBlock appends a block to a step and bumps the campaign version.
	CreateBlock(ctx context.Context, stepID int64, block models.RecoveryBlock) (*models.RecoveryBlock, error)

	// DeleteBlock removes a block and bumps the campaign version.
	DeleteBlock(ctx context.Context, blockID int64) error

	// ListActiveSteps returns active steps that have at least one block, ordered by
	// order index.
	ListActiveSteps(ctx context.Context, campaignID int64) ([]models.RecoveryStep, error)

	// GetStep returns a step by id.
	GetStep(ctx context.Context, id int64) (*models.RecoveryStep, error)

	// ListBlocks returns a step's blocks ordered by order index.
	ListBlocks(ctx context.Context, stepID int64) ([]models.RecoveryBlock, error)

	// UpsertDelivery creates or updates the ledger row for d's natural key in a single
	// statement. A sent row never goes back to scheduled.
	UpsertDelivery(ctx context.Context, d models.RecoveryDelivery) error

	// FindDelivery returns the ledger row for a natural key.
	FindDelivery(ctx context.Context, key models.DeliveryKey) (*models.RecoveryDelivery, error)

	// ListDeliveries returns every ledger row of a user, oldest first.
	ListDeliveries(ctx context.Context, botID, userID string) ([]models.RecoveryDelivery, error)
}

// PaymentRepo defines the payment lookup used by the skip-paid-users setting.
type PaymentRepo interface {
	// UserHasPaid reports whether any payment was recorded for the user.
	UserHasPaid(ctx context.Context, botID, userID string) (bool, error)

	// RecordPayment stores a payment event.
	RecordPayment(ctx context.Context, botID, userID string, paidAt time.Time) error
}
