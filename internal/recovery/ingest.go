package recovery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/NudgePipe/internal/store"
)

// Ingestor turns inbound user messages into activity for one bot. Provider
// redeliveries of the same message id count once.
type Ingestor struct {
	botID    string
	inbound  store.InboundRepo
	watchdog *Watchdog
}

// NewIngestor creates an Ingestor. A nil inbound repo disables de-duplication.
func NewIngestor(botID string, inbound store.InboundRepo, watchdog *Watchdog) *Ingestor {
	return &Ingestor{botID: botID, inbound: inbound, watchdog: watchdog}
}

// Ingest records one inbound message. It reports whether the message was new.
func (i *Ingestor) Ingest(ctx context.Context, userID, messageID string) (bool, error) {
	if i.inbound != nil && messageID != "" {
		fresh, err := i.inbound.RecordInbound(ctx, i.botID, userID, messageID)
		if err != nil {
			return false, fmt.Errorf("record inbound: %w", err)
		}
		if !fresh {
			slog.Debug("Ingestor.Ingest: duplicate message ignored", "botID", i.botID, "userID", userID, "messageID", messageID)
			return false, nil
		}
	}

	version, err := i.watchdog.OnActivity(ctx, i.botID, userID)
	if err != nil {
		return true, err
	}
	if i.inbound != nil && messageID != "" {
		if err := i.inbound.MarkProcessed(ctx, i.botID, messageID); err != nil {
			slog.Warn("Ingestor.Ingest: mark processed failed", "botID", i.botID, "messageID", messageID, "error", err)
		}
	}
	slog.Debug("Ingestor.Ingest: activity recorded", "botID", i.botID, "userID", userID, "version", version)
	return true, nil
}

// Handle is Ingest for event callbacks that cannot return an error.
func (i *Ingestor) Handle(ctx context.Context, userID, messageID string) {
	if _, err := i.Ingest(ctx, userID, messageID); err != nil {
		slog.Error("Ingestor.Handle: failed to ingest message", "botID", i.botID, "userID", userID, "messageID", messageID, "error", err)
	}
}
