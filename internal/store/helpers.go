package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/BTreeMap/NudgePipe/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

const jobColumns = `id, kind, run_at, payload_json, status, attempt, max_attempts, last_error, locked_at, dedupe_key, created_at, updated_at`

// scanJob scans a Job in jobColumns order. sql.ErrNoRows is returned unwrapped.
func scanJob(row rowScanner) (Job, error) {
	var j Job
	var payloadJSON, lastError, dedupeKey sql.NullString
	var lockedAt sql.NullTime
	err := row.Scan(
		&j.ID, &j.Kind, &j.RunAt, &payloadJSON, &j.Status, &j.Attempt, &j.MaxAttempts,
		&lastError, &lockedAt, &dedupeKey, &j.CreatedAt, &j.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return j, err
	}
	if err != nil {
		return j, fmt.Errorf("scan job failed: %w", err)
	}
	j.PayloadJSON = payloadJSON.String
	j.LastError = lastError.String
	j.DedupeKey = dedupeKey.String
	if lockedAt.Valid {
		t := lockedAt.Time
		j.LockedAt = &t
	}
	return j, nil
}

// scanDelivery scans a RecoveryDelivery in deliveryColumns order.
func scanDelivery(row rowScanner) (models.RecoveryDelivery, error) {
	var d models.RecoveryDelivery
	var status string
	var sentAt sql.NullTime
	var messageIDs []byte
	err := row.Scan(
		&d.ID, &d.CampaignID, &d.StepID, &d.BotID, &d.UserID, &d.EpisodeID, &status,
		&d.ScheduledFor, &sentAt, &d.VersionSnapshot, &messageIDs, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return d, fmt.Errorf("scan delivery failed: %w", err)
	}
	d.Status = models.DeliveryStatus(status)
	if sentAt.Valid {
		t := sentAt.Time
		d.SentAt = &t
	}
	if len(messageIDs) > 0 {
		if err := json.Unmarshal(messageIDs, &d.MessageIDs); err != nil {
			return d, fmt.Errorf("decode message ids failed: %w", err)
		}
	}
	return d, nil
}
