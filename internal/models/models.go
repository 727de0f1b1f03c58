// Package models defines the core data structures for NudgePipe.
//
// It includes recovery campaigns, their ordered steps and message blocks, and the
// delivery ledger shared between the store, the messaging layer and the recovery
// workers.
package models

import (
	"errors"
	"time"
)

// Defaults applied when a campaign is created lazily for a bot.
const (
	// DefaultInactivityThresholdSeconds is one hour of silence.
	DefaultInactivityThresholdSeconds = 3600
	// DefaultTimezone is used when a campaign has no timezone configured.
	DefaultTimezone = "UTC"
	// MinInactivityThresholdSeconds rejects thresholds too small to be meaningful.
	MinInactivityThresholdSeconds = 60
)

// Error variables for better error handling and testability
var (
	ErrCampaignNotFound  = errors.New("recovery campaign not found")
	ErrStepNotFound      = errors.New("recovery step not found")
	ErrBlockNotFound     = errors.New("recovery block not found")
	ErrNegativeDelay     = errors.New("block delays cannot be negative")
	ErrInvalidThreshold  = errors.New("inactivity threshold is below the minimum")
	ErrEmptyBotID        = errors.New("bot id cannot be empty")
	ErrEmptyUserID       = errors.New("user id cannot be empty")
	ErrInvalidBlockKind  = errors.New("invalid block kind")
	ErrEmptyBlockContent = errors.New("block needs text or a media url")
)

// RecoveryCampaign holds one bot's recovery settings.
type RecoveryCampaign struct {
	ID                         int64     `json:"id"`
	BotID                      string    `json:"bot_id"`
	IsActive                   bool      `json:"is_active"`
	InactivityThresholdSeconds int64     `json:"inactivity_threshold_seconds"`
	Timezone                   string    `json:"timezone"`
	SkipPaidUsers              bool      `json:"skip_paid_users"`
	Version                    int64     `json:"version"` // bumped on every mutation
	CreatedAt                  time.Time `json:"created_at"`
	UpdatedAt                  time.Time `json:"updated_at"`
}

// Threshold returns the inactivity threshold as a duration.
func (c RecoveryCampaign) Threshold() time.Duration {
	return time.Duration(c.InactivityThresholdSeconds) * time.Second
}

// CampaignSettings is the editable part of a campaign.
type CampaignSettings struct {
	IsActive                   bool   `json:"is_active"`
	InactivityThresholdSeconds int64  `json:"inactivity_threshold_seconds"`
	Timezone                   string `json:"timezone"`
	SkipPaidUsers              bool   `json:"skip_paid_users"`
}

// Validate checks settings before they are persisted.
func (s CampaignSettings) Validate() error {
	if s.InactivityThresholdSeconds < MinInactivityThresholdSeconds {
		return ErrInvalidThreshold
	}
	return nil
}

// RecoveryStep is one ordered stage of a drip sequence.
type RecoveryStep struct {
	ID            int64  `json:"id"`
	CampaignID    int64  `json:"campaign_id"`
	OrderIndex    int    `json:"order_index"` // 1-based, dense
	ScheduleType  string `json:"schedule_type"`
	ScheduleValue string `json:"schedule_value"`
	IsActive      bool   `json:"is_active"`
}

// BlockKind is the content type of a message block.
type BlockKind string

const (
	BlockKindText     BlockKind = "text"
	BlockKindImage    BlockKind = "image"
	BlockKindVideo    BlockKind = "video"
	BlockKindAudio    BlockKind = "audio"
	BlockKindDocument BlockKind = "document"
)

// IsValidBlockKind checks if the given block kind is supported.
func IsValidBlockKind(k BlockKind) bool {
	switch k {
	case BlockKindText, BlockKindImage, BlockKindVideo, BlockKindAudio, BlockKindDocument:
		return true
	default:
		return false
	}
}

// RecoveryBlock is a single message sent as part of a step. The recovery workers only
// care that a step has blocks; the fields are interpreted by the block sender.
type RecoveryBlock struct {
	ID                int64     `json:"id"`
	StepID            int64     `json:"step_id"`
	OrderIndex        int       `json:"order_index"`
	Kind              BlockKind `json:"kind"`
	Text              string    `json:"text,omitempty"`
	MediaURL          string    `json:"media_url,omitempty"`
	DelaySeconds      int       `json:"delay_seconds,omitempty"`       // wait before sending
	AutoDeleteSeconds int       `json:"auto_delete_seconds,omitempty"` // 0 keeps the message
}

// Validate checks a block before it is persisted.
func (b RecoveryBlock) Validate() error {
	if !IsValidBlockKind(b.Kind) {
		return ErrInvalidBlockKind
	}
	if b.Kind == BlockKindText && b.Text == "" {
		return ErrEmptyBlockContent
	}
	if b.Kind != BlockKindText && b.MediaURL == "" {
		return ErrEmptyBlockContent
	}
	if b.DelaySeconds < 0 || b.AutoDeleteSeconds < 0 {
		return ErrNegativeDelay
	}
	return nil
}

// DeliveryStatus is the ledger state of one step for one episode.
type DeliveryStatus string

const (
	DeliveryStatusScheduled DeliveryStatus = "scheduled"
	DeliveryStatusSent      DeliveryStatus = "sent"
	DeliveryStatusSkipped   DeliveryStatus = "skipped"
)

// DeliveryKey is the natural key of a ledger row.
type DeliveryKey struct {
	CampaignID int64  `json:"campaign_id"`
	StepID     int64  `json:"step_id"`
	BotID      string `json:"bot_id"`
	UserID     string `json:"user_id"`
	EpisodeID  string `json:"episode_id"`
}

// RecoveryDelivery is the audit and de-duplication record for one step of one episode.
type RecoveryDelivery struct {
	DeliveryKey
	ID              int64          `json:"id"`
	Status          DeliveryStatus `json:"status"`
	ScheduledFor    time.Time      `json:"scheduled_for"`
	SentAt          *time.Time     `json:"sent_at,omitempty"`
	VersionSnapshot int64          `json:"version_snapshot"`
	MessageIDs      []string       `json:"message_ids,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}
