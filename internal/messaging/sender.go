// Package messaging delivers recovery message blocks to users over the configured
// WhatsApp provider.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/NudgePipe/internal/models"
	"github.com/BTreeMap/NudgePipe/internal/store"
)

// JobKindMessageDelete is the job kind that removes an auto-deleting message.
const JobKindMessageDelete = "message_delete"

// BlockSender delivers the blocks of one step in order and returns the platform
// message ids of everything it sent. On error the returned ids cover the blocks
// sent before the failure.
type BlockSender interface {
	Send(ctx context.Context, recipient string, blocks []models.RecoveryBlock) ([]string, error)
}

// MessageDeleter removes a previously sent message.
type MessageDeleter interface {
	DeleteMessage(ctx context.Context, recipient, messageID string) error
}

// TransientSendError marks a send failure that may succeed when retried.
type TransientSendError struct {
	Err error
}

func (e *TransientSendError) Error() string {
	return fmt.Sprintf("transient send failure: %v", e.Err)
}

func (e *TransientSendError) Unwrap() error { return e.Err }

// IsTransient reports whether err wraps a TransientSendError.
func IsTransient(err error) bool {
	var t *TransientSendError
	return errors.As(err, &t)
}

// DeletePayload is the job payload of a message_delete job.
type DeletePayload struct {
	Recipient string `json:"recipient"`
	MessageID string `json:"message_id"`
}

// DeleteDedupeKey identifies the delete job of one message.
func DeleteDedupeKey(recipient, messageID string) string {
	return fmt.Sprintf("delete:%s:%s", recipient, messageID)
}

// WaitFunc blocks for d or until ctx is done.
type WaitFunc func(ctx context.Context, d time.Duration) error

// SleepContext waits for d unless ctx is cancelled first.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SenderOpts holds configuration shared by the platform block senders.
type SenderOpts struct {
	Dispatcher store.Dispatcher // schedules auto-delete jobs; nil disables auto-delete
	Wait       WaitFunc
}

// SenderOption defines a configuration option for a block sender.
type SenderOption func(*SenderOpts)

// WithDispatcher sets the dispatcher used for auto-delete jobs.
func WithDispatcher(d store.Dispatcher) SenderOption {
	return func(o *SenderOpts) { o.Dispatcher = d }
}

// WithWaitFunc replaces the per-block delay wait.
func WithWaitFunc(w WaitFunc) SenderOption {
	return func(o *SenderOpts) { o.Wait = w }
}

func applySenderOptions(opts []SenderOption) SenderOpts {
	cfg := SenderOpts{Wait: SleepContext}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Wait == nil {
		cfg.Wait = SleepContext
	}
	return cfg
}

// sendFunc delivers one block and returns its platform message id.
type sendFunc func(ctx context.Context, recipient string, block models.RecoveryBlock) (string, error)

// deliverBlocks runs the per-block delay, send and auto-delete scheduling shared
// by every platform.
func deliverBlocks(ctx context.Context, cfg SenderOpts, platform, recipient string, blocks []models.RecoveryBlock, send sendFunc) ([]string, error) {
	ids := make([]string, 0, len(blocks))
	for _, block := range blocks {
		if block.DelaySeconds > 0 {
			if err := cfg.Wait(ctx, time.Duration(block.DelaySeconds)*time.Second); err != nil {
				return ids, err
			}
		}
		id, err := send(ctx, recipient, block)
		if err != nil {
			slog.Warn(platform+".Send: block failed", "recipient", recipient, "blockID", block.ID, "transient", IsTransient(err), "error", err)
			return ids, err
		}
		ids = append(ids, id)
		if block.AutoDeleteSeconds > 0 && id != "" {
			scheduleDelete(ctx, cfg.Dispatcher, platform, recipient, id, block.AutoDeleteSeconds)
		}
	}
	return ids, nil
}

func scheduleDelete(ctx context.Context, d store.Dispatcher, platform, recipient, messageID string, seconds int) {
	if d == nil {
		slog.Warn(platform+".Send: auto-delete requested without a dispatcher", "recipient", recipient, "messageID", messageID)
		return
	}
	payload := DeletePayload{Recipient: recipient, MessageID: messageID}
	delay := time.Duration(seconds) * time.Second
	if _, err := d.Enqueue(ctx, JobKindMessageDelete, payload, delay, DeleteDedupeKey(recipient, messageID)); err != nil {
		// The message is already out, so a failed schedule does not fail the send.
		slog.Error(platform+".Send: failed to schedule auto-delete", "recipient", recipient, "messageID", messageID, "error", err)
	}
}

// blockText renders a block as plain text for platforms without native media.
func blockText(block models.RecoveryBlock) string {
	if block.Kind == models.BlockKindText || block.MediaURL == "" {
		return block.Text
	}
	if block.Text == "" {
		return block.MediaURL
	}
	return block.Text + "\n" + block.MediaURL
}
