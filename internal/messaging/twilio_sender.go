package messaging

import (
	"context"
	"errors"
	"net"

	"github.com/BTreeMap/NudgePipe/internal/models"
	"github.com/BTreeMap/NudgePipe/internal/twiliowhatsapp"
)

// TwilioBlockSender sends blocks through the Twilio WhatsApp API. Media blocks
// are sent natively with the text as caption.
type TwilioBlockSender struct {
	client twiliowhatsapp.Sender
	cfg    SenderOpts
}

// Compile-time checks.
var (
	_ BlockSender    = (*TwilioBlockSender)(nil)
	_ MessageDeleter = (*TwilioBlockSender)(nil)
)

// NewTwilioBlockSender creates a block sender over a Twilio client (real or mock).
func NewTwilioBlockSender(client twiliowhatsapp.Sender, opts ...SenderOption) *TwilioBlockSender {
	return &TwilioBlockSender{client: client, cfg: applySenderOptions(opts)}
}

// Send delivers blocks in order and returns their Twilio SIDs.
func (s *TwilioBlockSender) Send(ctx context.Context, recipient string, blocks []models.RecoveryBlock) ([]string, error) {
	to, err := CanonicalizeRecipient(recipient)
	if err != nil {
		return nil, err
	}
	return deliverBlocks(ctx, s.cfg, "TwilioBlockSender", to, blocks, func(ctx context.Context, to string, block models.RecoveryBlock) (string, error) {
		mediaURL := ""
		if block.Kind != models.BlockKindText {
			mediaURL = block.MediaURL
		}
		sid, err := s.client.SendMessage(ctx, "+"+to, block.Text, mediaURL)
		if err != nil {
			return "", classifyTwilioError(err)
		}
		return sid, nil
	})
}

// DeleteMessage removes a sent message by SID.
func (s *TwilioBlockSender) DeleteMessage(ctx context.Context, recipient, messageID string) error {
	return s.client.DeleteMessage(ctx, messageID)
}

func classifyTwilioError(err error) error {
	var netErr net.Error
	if twiliowhatsapp.IsRetryable(err) || errors.As(err, &netErr) {
		return &TransientSendError{Err: err}
	}
	return err
}
