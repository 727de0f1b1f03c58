package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/NudgePipe/internal/models"
	"github.com/BTreeMap/NudgePipe/internal/schedule"
)

// sqlRecovery implements RecoveryRepo and PaymentRepo over database/sql. Queries
// are written with "?" placeholders and rewritten by bind for the target driver.
type sqlRecovery struct {
	db   *sql.DB
	bind func(string) string
	name string
}

func bindQuestion(q string) string { return q }

// bindDollar rewrites "?" placeholders to PostgreSQL's "$n" form.
func bindDollar(q string) string {
	var b strings.Builder
	b.Grow(len(q) + 16)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

func (r *sqlRecovery) clock() time.Time {
	return time.Now().UTC()
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// inTx runs fn inside a transaction, committing when fn succeeds.
func (r *sqlRecovery) inTx(ctx context.Context, fn func(q querier) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction failed: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction failed: %w", err)
	}
	return nil
}

func (r *sqlRecovery) bumpVersion(ctx context.Context, q querier, campaignID int64) (int64, error) {
	var version int64
	err := q.QueryRowContext(ctx,
		r.bind(`UPDATE recovery_campaigns SET version = version + 1, updated_at = ? WHERE id = ? RETURNING version`),
		r.clock(), campaignID,
	).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, models.ErrCampaignNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("bump campaign version failed: %w", err)
	}
	return version, nil
}

const campaignColumns = `id, bot_id, is_active, inactivity_threshold_seconds, timezone, skip_paid_users, version, created_at, updated_at`

func scanCampaign(row *sql.Row) (*models.RecoveryCampaign, error) {
	var c models.RecoveryCampaign
	err := row.Scan(&c.ID, &c.BotID, &c.IsActive, &c.InactivityThresholdSeconds, &c.Timezone,
		&c.SkipPaidUsers, &c.Version, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *sqlRecovery) GetCampaign(ctx context.Context, botID string) (*models.RecoveryCampaign, error) {
	if botID == "" {
		return nil, models.ErrEmptyBotID
	}
	now := r.clock()
	_, err := r.db.ExecContext(ctx,
		r.bind(`INSERT INTO recovery_campaigns (bot_id, is_active, inactivity_threshold_seconds, timezone, skip_paid_users, version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 1, ?, ?) ON CONFLICT (bot_id) DO NOTHING`),
		botID, false, int64(models.DefaultInactivityThresholdSeconds), models.DefaultTimezone, true, now, now,
	)
	if err != nil {
		slog.Error(r.name+".GetCampaign: lazy create failed", "botID", botID, "error", err)
		return nil, fmt.Errorf("create default campaign for %s failed: %w", botID, err)
	}
	c, err := scanCampaign(r.db.QueryRowContext(ctx,
		r.bind(`SELECT `+campaignColumns+` FROM recovery_campaigns WHERE bot_id = ?`), botID))
	if err != nil {
		return nil, fmt.Errorf("get campaign for %s failed: %w", botID, err)
	}
	return c, nil
}

func (r *sqlRecovery) GetCampaignByID(ctx context.Context, id int64) (*models.RecoveryCampaign, error) {
	c, err := scanCampaign(r.db.QueryRowContext(ctx,
		r.bind(`SELECT `+campaignColumns+` FROM recovery_campaigns WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign %d failed: %w", id, err)
	}
	return c, nil
}

func (r *sqlRecovery) IncrementCampaignVersion(ctx context.Context, id int64) (int64, error) {
	v, err := r.bumpVersion(ctx, r.db, id)
	if err != nil {
		return 0, err
	}
	slog.Debug(r.name+".IncrementCampaignVersion", "campaignID", id, "version", v)
	return v, nil
}

func (r *sqlRecovery) UpdateCampaignSettings(ctx context.Context, botID string, settings models.CampaignSettings) (*models.RecoveryCampaign, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	if err := schedule.ValidateTimezone(settings.Timezone); err != nil {
		return nil, err
	}
	if _, err := r.GetCampaign(ctx, botID); err != nil {
		return nil, err
	}
	tz := settings.Timezone
	if tz == "" {
		tz = models.DefaultTimezone
	}
	_, err := r.db.ExecContext(ctx,
		r.bind(`UPDATE recovery_campaigns SET is_active = ?, inactivity_threshold_seconds = ?, timezone = ?, skip_paid_users = ?,
		 version = version + 1, updated_at = ? WHERE bot_id = ?`),
		settings.IsActive, settings.InactivityThresholdSeconds, tz, settings.SkipPaidUsers, r.clock(), botID,
	)
	if err != nil {
		return nil, fmt.Errorf("update campaign settings for %s failed: %w", botID, err)
	}
	slog.Info(r.name+".UpdateCampaignSettings", "botID", botID, "active", settings.IsActive, "thresholdSeconds", settings.InactivityThresholdSeconds)
	return r.GetCampaign(ctx, botID)
}

func (r *sqlRecovery) CreateStep(ctx context.Context, campaignID int64, def schedule.Definition, isActive bool) (*models.RecoveryStep, error) {
	if def.IsZero() {
		return nil, schedule.ErrUnknownKind
	}
	kind, value := schedule.Encode(def)
	step := &models.RecoveryStep{CampaignID: campaignID, ScheduleType: kind, ScheduleValue: value, IsActive: isActive}
	err := r.inTx(ctx, func(q querier) error {
		if err := q.QueryRowContext(ctx,
			r.bind(`SELECT COALESCE(MAX(order_index), 0) + 1 FROM recovery_steps WHERE campaign_id = ?`), campaignID,
		).Scan(&step.OrderIndex); err != nil {
			return fmt.Errorf("next step order failed: %w", err)
		}
		if err := q.QueryRowContext(ctx,
			r.bind(`INSERT INTO recovery_steps (campaign_id, order_index, schedule_type, schedule_value, is_active)
			 VALUES (?, ?, ?, ?, ?) RETURNING id`),
			campaignID, step.OrderIndex, kind, value, isActive,
		).Scan(&step.ID); err != nil {
			return fmt.Errorf("insert step failed: %w", err)
		}
		_, err := r.bumpVersion(ctx, q, campaignID)
		return err
	})
	if err != nil {
		return nil, err
	}
	slog.Debug(r.name+".CreateStep", "campaignID", campaignID, "stepID", step.ID, "order", step.OrderIndex, "schedule", def.String())
	return step, nil
}

func (r *sqlRecovery) stepCampaign(ctx context.Context, q querier, stepID int64) (campaignID int64, orderIndex int, err error) {
	err = q.QueryRowContext(ctx,
		r.bind(`SELECT campaign_id, order_index FROM recovery_steps WHERE id = ?`), stepID,
	).Scan(&campaignID, &orderIndex)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, models.ErrStepNotFound
	}
	if err != nil {
		return 0, 0, fmt.Errorf("lookup step %d failed: %w", stepID, err)
	}
	return campaignID, orderIndex, nil
}

func (r *sqlRecovery) UpdateStep(ctx context.Context, stepID int64, def schedule.Definition, isActive bool) error {
	if def.IsZero() {
		return schedule.ErrUnknownKind
	}
	kind, value := schedule.Encode(def)
	return r.inTx(ctx, func(q querier) error {
		campaignID, _, err := r.stepCampaign(ctx, q, stepID)
		if err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx,
			r.bind(`UPDATE recovery_steps SET schedule_type = ?, schedule_value = ?, is_active = ? WHERE id = ?`),
			kind, value, isActive, stepID,
		); err != nil {
			return fmt.Errorf("update step %d failed: %w", stepID, err)
		}
		_, err = r.bumpVersion(ctx, q, campaignID)
		return err
	})
}

func (r *sqlRecovery) DeleteStep(ctx context.Context, stepID int64) error {
	return r.inTx(ctx, func(q querier) error {
		campaignID, orderIndex, err := r.stepCampaign(ctx, q, stepID)
		if err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx, r.bind(`DELETE FROM recovery_blocks WHERE step_id = ?`), stepID); err != nil {
			return fmt.Errorf("delete blocks of step %d failed: %w", stepID, err)
		}
		if _, err := q.ExecContext(ctx, r.bind(`DELETE FROM recovery_steps WHERE id = ?`), stepID); err != nil {
			return fmt.Errorf("delete step %d failed: %w", stepID, err)
		}
		if _, err := q.ExecContext(ctx,
			r.bind(`UPDATE recovery_steps SET order_index = order_index - 1 WHERE campaign_id = ? AND order_index > ?`),
			campaignID, orderIndex,
		); err != nil {
			return fmt.Errorf("reorder steps failed: %w", err)
		}
		_, err = r.bumpVersion(ctx, q, campaignID)
		return err
	})
}

func (r *sqlRecovery) CreateBlock(ctx context.Context, stepID int64, block models.RecoveryBlock) (*models.RecoveryBlock, error) {
	if err := block.Validate(); err != nil {
		return nil, err
	}
	b := block
	b.StepID = stepID
	err := r.inTx(ctx, func(q querier) error {
		campaignID, _, err := r.stepCampaign(ctx, q, stepID)
		if err != nil {
			return err
		}
		if err := q.QueryRowContext(ctx,
			r.bind(`SELECT COALESCE(MAX(order_index), 0) + 1 FROM recovery_blocks WHERE step_id = ?`), stepID,
		).Scan(&b.OrderIndex); err != nil {
			return fmt.Errorf("next block order failed: %w", err)
		}
		if err := q.QueryRowContext(ctx,
			r.bind(`INSERT INTO recovery_blocks (step_id, order_index, kind, text, media_url, delay_seconds, auto_delete_seconds)
			 VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`),
			stepID, b.OrderIndex, string(b.Kind), b.Text, b.MediaURL, b.DelaySeconds, b.AutoDeleteSeconds,
		).Scan(&b.ID); err != nil {
			return fmt.Errorf("insert block failed: %w", err)
		}
		_, err = r.bumpVersion(ctx, q, campaignID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (r *sqlRecovery) DeleteBlock(ctx context.Context, blockID int64) error {
	return r.inTx(ctx, func(q querier) error {
		var stepID int64
		var orderIndex int
		err := q.QueryRowContext(ctx,
			r.bind(`SELECT step_id, order_index FROM recovery_blocks WHERE id = ?`), blockID,
		).Scan(&stepID, &orderIndex)
		if errors.Is(err, sql.ErrNoRows) {
			return models.ErrBlockNotFound
		}
		if err != nil {
			return fmt.Errorf("lookup block %d failed: %w", blockID, err)
		}
		campaignID, _, err := r.stepCampaign(ctx, q, stepID)
		if err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx, r.bind(`DELETE FROM recovery_blocks WHERE id = ?`), blockID); err != nil {
			return fmt.Errorf("delete block %d failed: %w", blockID, err)
		}
		if _, err := q.ExecContext(ctx,
			r.bind(`UPDATE recovery_blocks SET order_index = order_index - 1 WHERE step_id = ? AND order_index > ?`),
			stepID, orderIndex,
		); err != nil {
			return fmt.Errorf("reorder blocks failed: %w", err)
		}
		_, err = r.bumpVersion(ctx, q, campaignID)
		return err
	})
}

const stepColumns = `s.id, s.campaign_id, s.order_index, s.schedule_type, s.schedule_value, s.is_active`

func (r *sqlRecovery) ListActiveSteps(ctx context.Context, campaignID int64) ([]models.RecoveryStep, error) {
	rows, err := r.db.QueryContext(ctx,
		r.bind(`SELECT `+stepColumns+` FROM recovery_steps s
		 WHERE s.campaign_id = ? AND s.is_active = ?
		   AND EXISTS (SELECT 1 FROM recovery_blocks b WHERE b.step_id = s.id)
		 ORDER BY s.order_index ASC`),
		campaignID, true,
	)
	if err != nil {
		return nil, fmt.Errorf("list active steps failed: %w", err)
	}
	defer rows.Close()

	var steps []models.RecoveryStep
	for rows.Next() {
		var s models.RecoveryStep
		if err := rows.Scan(&s.ID, &s.CampaignID, &s.OrderIndex, &s.ScheduleType, &s.ScheduleValue, &s.IsActive); err != nil {
			return nil, fmt.Errorf("scan step failed: %w", err)
		}
		steps = append(steps, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list active steps iteration failed: %w", err)
	}
	return steps, nil
}

func (r *sqlRecovery) GetStep(ctx context.Context, id int64) (*models.RecoveryStep, error) {
	var s models.RecoveryStep
	err := r.db.QueryRowContext(ctx,
		r.bind(`SELECT `+stepColumns+` FROM recovery_steps s WHERE s.id = ?`), id,
	).Scan(&s.ID, &s.CampaignID, &s.OrderIndex, &s.ScheduleType, &s.ScheduleValue, &s.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get step %d failed: %w", id, err)
	}
	return &s, nil
}

func (r *sqlRecovery) ListBlocks(ctx context.Context, stepID int64) ([]models.RecoveryBlock, error) {
	rows, err := r.db.QueryContext(ctx,
		r.bind(`SELECT id, step_id, order_index, kind, text, media_url, delay_seconds, auto_delete_seconds
		 FROM recovery_blocks WHERE step_id = ? ORDER BY order_index ASC`), stepID,
	)
	if err != nil {
		return nil, fmt.Errorf("list blocks failed: %w", err)
	}
	defer rows.Close()

	var blocks []models.RecoveryBlock
	for rows.Next() {
		var b models.RecoveryBlock
		var kind string
		if err := rows.Scan(&b.ID, &b.StepID, &b.OrderIndex, &kind, &b.Text, &b.MediaURL, &b.DelaySeconds, &b.AutoDeleteSeconds); err != nil {
			return nil, fmt.Errorf("scan block failed: %w", err)
		}
		b.Kind = models.BlockKind(kind)
		blocks = append(blocks, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list blocks iteration failed: %w", err)
	}
	return blocks, nil
}

func (r *sqlRecovery) UpsertDelivery(ctx context.Context, d models.RecoveryDelivery) error {
	if d.BotID == "" {
		return models.ErrEmptyBotID
	}
	if d.UserID == "" {
		return models.ErrEmptyUserID
	}
	ids := d.MessageIDs
	if ids == nil {
		ids = []string{}
	}
	idsJSON, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("marshal message ids failed: %w", err)
	}
	var sentAt any
	if d.SentAt != nil {
		sentAt = d.SentAt.UTC()
	}
	now := r.clock()
	_, err = r.db.ExecContext(ctx,
		r.bind(`INSERT INTO recovery_deliveries
		   (campaign_id, step_id, bot_id, user_id, episode_id, status, scheduled_for, sent_at, version_snapshot, message_ids, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (bot_id, user_id, step_id, episode_id) DO UPDATE SET
		   status = CASE WHEN recovery_deliveries.status = 'sent' THEN recovery_deliveries.status ELSE excluded.status END,
		   scheduled_for = CASE WHEN recovery_deliveries.status = 'sent' THEN recovery_deliveries.scheduled_for ELSE excluded.scheduled_for END,
		   sent_at = COALESCE(excluded.sent_at, recovery_deliveries.sent_at),
		   message_ids = CASE
		     WHEN excluded.status = 'sent' THEN excluded.message_ids
		     WHEN recovery_deliveries.status = 'sent' OR excluded.message_ids = '[]' THEN recovery_deliveries.message_ids
		     ELSE excluded.message_ids END,
		   version_snapshot = excluded.version_snapshot,
		   updated_at = excluded.updated_at`),
		d.CampaignID, d.StepID, d.BotID, d.UserID, d.EpisodeID, string(d.Status), d.ScheduledFor.UTC(), sentAt,
		d.VersionSnapshot, string(idsJSON), now, now,
	)
	if err != nil {
		slog.Error(r.name+".UpsertDelivery failed", "botID", d.BotID, "userID", d.UserID, "stepID", d.StepID, "episodeID", d.EpisodeID, "error", err)
		return fmt.Errorf("upsert delivery failed: %w", err)
	}
	slog.Debug(r.name+".UpsertDelivery", "botID", d.BotID, "userID", d.UserID, "stepID", d.StepID, "episodeID", d.EpisodeID, "status", d.Status)
	return nil
}

const deliveryColumns = `id, campaign_id, step_id, bot_id, user_id, episode_id, status, scheduled_for, sent_at, version_snapshot, message_ids, created_at, updated_at`

func (r *sqlRecovery) FindDelivery(ctx context.Context, key models.DeliveryKey) (*models.RecoveryDelivery, error) {
	rows, err := r.db.QueryContext(ctx,
		r.bind(`SELECT `+deliveryColumns+` FROM recovery_deliveries
		 WHERE bot_id = ? AND user_id = ? AND step_id = ? AND episode_id = ?`),
		key.BotID, key.UserID, key.StepID, key.EpisodeID,
	)
	if err != nil {
		return nil, fmt.Errorf("find delivery failed: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	d, err := scanDelivery(rows)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *sqlRecovery) ListDeliveries(ctx context.Context, botID, userID string) ([]models.RecoveryDelivery, error) {
	rows, err := r.db.QueryContext(ctx,
		r.bind(`SELECT `+deliveryColumns+` FROM recovery_deliveries WHERE bot_id = ? AND user_id = ? ORDER BY id ASC`),
		botID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list deliveries failed: %w", err)
	}
	defer rows.Close()

	var out []models.RecoveryDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list deliveries iteration failed: %w", err)
	}
	return out, nil
}

func (r *sqlRecovery) UserHasPaid(ctx context.Context, botID, userID string) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		r.bind(`SELECT COUNT(*) FROM user_payments WHERE bot_id = ? AND user_id = ?`), botID, userID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("payment lookup for %s/%s failed: %w", botID, userID, err)
	}
	return n > 0, nil
}

func (r *sqlRecovery) RecordPayment(ctx context.Context, botID, userID string, paidAt time.Time) error {
	if botID == "" {
		return models.ErrEmptyBotID
	}
	if userID == "" {
		return models.ErrEmptyUserID
	}
	if _, err := r.db.ExecContext(ctx,
		r.bind(`INSERT INTO user_payments (bot_id, user_id, paid_at) VALUES (?, ?, ?)`),
		botID, userID, paidAt.UTC(),
	); err != nil {
		return fmt.Errorf("record payment for %s/%s failed: %w", botID, userID, err)
	}
	slog.Info(r.name+".RecordPayment", "botID", botID, "userID", userID)
	return nil
}
