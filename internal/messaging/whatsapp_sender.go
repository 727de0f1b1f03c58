package messaging

import (
	"context"

	"github.com/BTreeMap/NudgePipe/internal/models"
	"github.com/BTreeMap/NudgePipe/internal/whatsapp"
)

// WhatsAppBlockSender sends blocks through the whatsmeow client. Media blocks are
// sent as text carrying the caption and the media URL.
type WhatsAppBlockSender struct {
	client whatsapp.Sender
	cfg    SenderOpts
}

// Compile-time checks.
var (
	_ BlockSender    = (*WhatsAppBlockSender)(nil)
	_ MessageDeleter = (*WhatsAppBlockSender)(nil)
)

// NewWhatsAppBlockSender creates a block sender over a WhatsApp client (real or mock).
func NewWhatsAppBlockSender(client whatsapp.Sender, opts ...SenderOption) *WhatsAppBlockSender {
	return &WhatsAppBlockSender{client: client, cfg: applySenderOptions(opts)}
}

// Send delivers blocks in order and returns their WhatsApp message ids.
func (s *WhatsAppBlockSender) Send(ctx context.Context, recipient string, blocks []models.RecoveryBlock) ([]string, error) {
	to, err := CanonicalizeRecipient(recipient)
	if err != nil {
		return nil, err
	}
	return deliverBlocks(ctx, s.cfg, "WhatsAppBlockSender", to, blocks, func(ctx context.Context, to string, block models.RecoveryBlock) (string, error) {
		id, err := s.client.SendMessage(ctx, to, blockText(block))
		if err != nil {
			if whatsapp.IsRetryable(err) {
				return "", &TransientSendError{Err: err}
			}
			return "", err
		}
		return id, nil
	})
}

// DeleteMessage revokes a sent message for everyone in the chat.
func (s *WhatsAppBlockSender) DeleteMessage(ctx context.Context, recipient, messageID string) error {
	to, err := CanonicalizeRecipient(recipient)
	if err != nil {
		return err
	}
	return s.client.RevokeMessage(ctx, to, messageID)
}
