package store

import (
	"context"
	"fmt"
	"log/slog"
)

// InboundRepo deduplicates inbound messages so a redelivered webhook or event
// counts as activity once.
type InboundRepo interface {
	// RecordInbound stores the message id and reports whether it was new.
	RecordInbound(ctx context.Context, botID, userID, messageID string) (bool, error)

	// MarkProcessed stamps the message as handled.
	MarkProcessed(ctx context.Context, botID, messageID string) error
}

func (r *sqlRecovery) RecordInbound(ctx context.Context, botID, userID, messageID string) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		r.bind(`INSERT INTO inbound_dedup (bot_id, message_id, user_id, received_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (bot_id, message_id) DO NOTHING`),
		botID, messageID, userID, r.clock(),
	)
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record inbound rows affected: %w", err)
	}
	if n == 0 {
		slog.Debug(r.name+".RecordInbound: duplicate", "botID", botID, "messageID", messageID)
	}
	return n == 1, nil
}

func (r *sqlRecovery) MarkProcessed(ctx context.Context, botID, messageID string) error {
	if _, err := r.db.ExecContext(ctx,
		r.bind(`UPDATE inbound_dedup SET processed_at = ? WHERE bot_id = ? AND message_id = ?`),
		r.clock(), botID, messageID,
	); err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}
