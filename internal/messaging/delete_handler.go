package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/NudgePipe/internal/store"
)

// HandlerRegistry is the part of the job runner that accepts handlers.
type HandlerRegistry interface {
	RegisterHandler(kind string, handler store.JobHandler)
}

// RegisterDeleteHandler wires message_delete jobs to deleter.
func RegisterDeleteHandler(runner HandlerRegistry, deleter MessageDeleter) {
	runner.RegisterHandler(JobKindMessageDelete, func(ctx context.Context, payload string) error {
		var p DeletePayload
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return fmt.Errorf("invalid %s payload: %w", JobKindMessageDelete, err)
		}
		if p.MessageID == "" {
			slog.Warn("MessageDeleter: payload without message id, dropping", "recipient", p.Recipient)
			return nil
		}
		if err := deleter.DeleteMessage(ctx, p.Recipient, p.MessageID); err != nil {
			return fmt.Errorf("delete message %s: %w", p.MessageID, err)
		}
		slog.Info("MessageDeleter: auto-deleted message", "recipient", p.Recipient, "messageID", p.MessageID)
		return nil
	})
}
