package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	appErrors "github.com/unclebandit/dispatch-engine/internal/errors"
	"github.com/unclebandit/dispatch-engine/internal/model"
)

type CampaignRepositoryInterface interface {
	// Campaigns
	CreateWithItems(ctx context.Context, c *model.Campaign, items []*model.Recipient) error
	GetByID(ctx context.Context, id int64) (*model.Campaign, error)
	GetByExternalRef(ctx context.Context, ref string) (*model.Campaign, error)
	ListCampaigns(ctx context.Context, offset, limit int, status string) ([]*model.Campaign, int, error)
	ListEligible(ctx context.Context, now time.Time, limit int) ([]*model.Campaign, error)
	TransitionStatus(ctx context.Context, id int64, to string, from ...string) (bool, error)
	MarkRunning(ctx context.Context, id int64, now time.Time) (bool, error)
	MarkFinished(ctx context.Context, id int64, now time.Time) (bool, error)
	RetryFailed(ctx context.Context, id int64) (int, error)
	GetCampaignStats(ctx context.Context, id int64) (map[string]int, error)

	// Items and delivery log
	ListPendingItems(ctx context.Context, campaignID int64, limit int) ([]*model.Recipient, error)
	CountPendingItems(ctx context.Context, campaignID int64) (int, error)
	IsDelivered(ctx context.Context, campaignID, itemID int64) (bool, error)
	MarkItemDelivered(ctx context.Context, itemID int64, now time.Time) error
	RecordSuccess(ctx context.Context, item *model.Recipient, now time.Time) error
	RecordFailure(ctx context.Context, item *model.Recipient, lastError string) error
}

type CampaignRepository struct {
	DB *sql.DB
}

var _ CampaignRepositoryInterface = (*CampaignRepository)(nil)

// ====================== Campaigns ======================

const campaignColumns = `id, name, message, media_url, status, total_recipients, success_count, failure_count,
	min_delay_ms, max_delay_ms, is_simulation, external_ref, scheduled_for, started_at, finished_at, created_at, updated_at`

func scanCampaign(row interface{ Scan(...any) error }) (*model.Campaign, error) {
	var (
		c           model.Campaign
		mediaURL    sql.NullString
		externalRef sql.NullString
	)
	err := row.Scan(&c.ID, &c.Name, &c.Message, &mediaURL, &c.Status, &c.Total, &c.SuccessCount, &c.FailureCount,
		&c.MinDelayMs, &c.MaxDelayMs, &c.Simulation, &externalRef, &c.ScheduledFor, &c.StartedAt, &c.FinishedAt,
		&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.MediaURL = mediaURL.String
	c.ExternalRef = externalRef.String
	return &c, nil
}

// CreateWithItems stores the campaign and all of its recipients atomically.
func (r *CampaignRepository) CreateWithItems(ctx context.Context, c *model.Campaign, items []*model.Recipient) error {
	if c.Status == "" {
		c.Status = model.CampaignQueued
	}
	c.Total = len(items)

	return withTransaction(ctx, r.DB, func(tx *sql.Tx) error {
		query := `
			INSERT INTO bulk_campaigns (name, message, media_url, status, total_recipients, min_delay_ms, max_delay_ms,
				is_simulation, external_ref, scheduled_for)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			RETURNING id, created_at
		`
		err := tx.QueryRowContext(ctx, query,
			c.Name, c.Message, nullString(c.MediaURL), c.Status, c.Total, c.MinDelayMs, c.MaxDelayMs,
			c.Simulation, nullString(c.ExternalRef), c.ScheduledFor,
		).Scan(&c.ID, &c.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert campaign: %w", err)
		}

		itemQuery := `
			INSERT INTO bulk_campaign_items (campaign_id, phone_raw, phone_normalized, to_e164, status)
			VALUES ($1, $2, $3, $4, 'pending')
			RETURNING id
		`
		for _, item := range items {
			item.CampaignID = c.ID
			item.Status = model.RecipientPending
			if err := tx.QueryRowContext(ctx, itemQuery, c.ID, item.PhoneRaw, item.PhoneNormalized, item.ToE164).Scan(&item.ID); err != nil {
				return fmt.Errorf("insert campaign item: %w", err)
			}
		}
		return nil
	})
}

func (r *CampaignRepository) GetByID(ctx context.Context, id int64) (*model.Campaign, error) {
	c, err := scanCampaign(r.DB.QueryRowContext(ctx, `SELECT `+campaignColumns+` FROM bulk_campaigns WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	return c, err
}

// GetByExternalRef returns nil, nil when no campaign carries ref.
func (r *CampaignRepository) GetByExternalRef(ctx context.Context, ref string) (*model.Campaign, error) {
	c, err := scanCampaign(r.DB.QueryRowContext(ctx, `SELECT `+campaignColumns+` FROM bulk_campaigns WHERE external_ref=$1`, ref))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

func (r *CampaignRepository) ListCampaigns(ctx context.Context, offset, limit int, status string) ([]*model.Campaign, int, error) {
	campaigns := []*model.Campaign{}
	query := `SELECT ` + campaignColumns + ` FROM bulk_campaigns WHERE 1=1`
	countQuery := `SELECT COUNT(*) FROM bulk_campaigns WHERE 1=1`
	args := []any{}
	argPos := 1

	if status != "" {
		query += fmt.Sprintf(" AND status=$%d", argPos)
		countQuery += fmt.Sprintf(" AND status=$%d", argPos)
		args = append(args, status)
		argPos++
	}

	var total int
	if err := r.DB.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query += fmt.Sprintf(" ORDER BY id DESC LIMIT $%d OFFSET $%d", argPos, argPos+1)
	rows, err := r.DB.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, 0, err
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, total, rows.Err()
}

// ListEligible selects running campaigns and queued ones that are due.
// Paused and finished campaigns are never returned.
func (r *CampaignRepository) ListEligible(ctx context.Context, now time.Time, limit int) ([]*model.Campaign, error) {
	query := `
		SELECT ` + campaignColumns + `
		FROM bulk_campaigns
		WHERE status='running'
		   OR (status='queued' AND (scheduled_for IS NULL OR scheduled_for <= $1))
		ORDER BY id ASC
		LIMIT $2
	`
	rows, err := r.DB.QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	campaigns := []*model.Campaign{}
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}

// TransitionStatus moves the campaign to `to` only if its current status is
// one of from. It reports whether a row changed.
func (r *CampaignRepository) TransitionStatus(ctx context.Context, id int64, to string, from ...string) (bool, error) {
	query := `UPDATE bulk_campaigns SET status=$1, updated_at=NOW() WHERE id=$2 AND status = ANY($3)`
	res, err := r.DB.ExecContext(ctx, query, to, id, pq.Array(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r *CampaignRepository) MarkRunning(ctx context.Context, id int64, now time.Time) (bool, error) {
	query := `UPDATE bulk_campaigns SET status='running', started_at=COALESCE(started_at, $1), updated_at=NOW() WHERE id=$2 AND status='queued'`
	res, err := r.DB.ExecContext(ctx, query, now, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r *CampaignRepository) MarkFinished(ctx context.Context, id int64, now time.Time) (bool, error) {
	query := `UPDATE bulk_campaigns SET status='finished', finished_at=$1, updated_at=NOW() WHERE id=$2 AND status='running'`
	res, err := r.DB.ExecContext(ctx, query, now, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// RetryFailed re-arms failed items (keeping their attempt counts), zeroes
// the failure counter and queues the campaign again.
func (r *CampaignRepository) RetryFailed(ctx context.Context, id int64) (int, error) {
	var rearmed int64
	err := withTransaction(ctx, r.DB, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE bulk_campaign_items SET status='pending', last_error=NULL, updated_at=NOW() WHERE campaign_id=$1 AND status='failed'`, id)
		if err != nil {
			return err
		}
		rearmed, _ = res.RowsAffected()

		res, err = tx.ExecContext(ctx,
			`UPDATE bulk_campaigns SET failure_count=0, status='queued', finished_at=NULL, updated_at=NOW() WHERE id=$1`, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return appErrors.NewCampaignNotFound(id)
		}
		return nil
	})
	return int(rearmed), err
}

func (r *CampaignRepository) GetCampaignStats(ctx context.Context, id int64) (map[string]int, error) {
	query := `SELECT status, COUNT(*) FROM bulk_campaign_items WHERE campaign_id=$1 GROUP BY status`
	rows, err := r.DB.QueryContext(ctx, query, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := map[string]int{"total": 0, model.RecipientPending: 0, model.RecipientSent: 0, model.RecipientFailed: 0}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
		stats["total"] += count
	}
	return stats, rows.Err()
}

// ====================== Items ======================

const itemColumns = `id, campaign_id, phone_raw, phone_normalized, to_e164, status, attempts, last_error, sent_at, created_at, updated_at`

func (r *CampaignRepository) ListPendingItems(ctx context.Context, campaignID int64, limit int) ([]*model.Recipient, error) {
	query := `SELECT ` + itemColumns + ` FROM bulk_campaign_items WHERE campaign_id=$1 AND status='pending' ORDER BY id ASC LIMIT $2`
	rows, err := r.DB.QueryContext(ctx, query, campaignID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []*model.Recipient{}
	for rows.Next() {
		var (
			it        model.Recipient
			lastError sql.NullString
		)
		if err := rows.Scan(&it.ID, &it.CampaignID, &it.PhoneRaw, &it.PhoneNormalized, &it.ToE164, &it.Status,
			&it.Attempts, &lastError, &it.SentAt, &it.CreatedAt, &it.UpdatedAt); err != nil {
			return nil, err
		}
		it.LastError = lastError.String
		items = append(items, &it)
	}
	return items, rows.Err()
}

func (r *CampaignRepository) CountPendingItems(ctx context.Context, campaignID int64) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM bulk_campaign_items WHERE campaign_id=$1 AND status='pending'`, campaignID).Scan(&n)
	return n, err
}

func (r *CampaignRepository) IsDelivered(ctx context.Context, campaignID, itemID int64) (bool, error) {
	var count int
	err := r.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM bulk_delivery_log WHERE campaign_id=$1 AND item_id=$2 AND status='sent'`,
		campaignID, itemID).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// MarkItemDelivered repairs an item whose delivery was logged but whose row
// was never updated. Counters are left alone.
func (r *CampaignRepository) MarkItemDelivered(ctx context.Context, itemID int64, now time.Time) error {
	_, err := r.DB.ExecContext(ctx,
		`UPDATE bulk_campaign_items SET status='sent', last_error=NULL, sent_at=COALESCE(sent_at, $1), updated_at=NOW() WHERE id=$2`,
		now, itemID)
	return err
}

// RecordSuccess commits the delivery-log row on its own first, then marks
// the item sent and bumps the success counter in one transaction. Once the
// log row exists the item can never be sent again, even if the second step
// fails: the next pass repairs it from the log. A duplicate log row yields
// ErrAlreadyDelivered.
func (r *CampaignRepository) RecordSuccess(ctx context.Context, item *model.Recipient, now time.Time) error {
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO bulk_delivery_log (campaign_id, item_id, to_phone, status, sent_at) VALUES ($1, $2, $3, 'sent', $4)`,
		item.CampaignID, item.ID, item.ToE164, now)
	if IsUniqueViolation(err) {
		return appErrors.ErrAlreadyDelivered
	}
	if err != nil {
		return fmt.Errorf("insert delivery log: %w", err)
	}

	return withTransaction(ctx, r.DB, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE bulk_campaign_items SET status='sent', attempts=attempts+1, last_error=NULL, sent_at=$1, updated_at=NOW() WHERE id=$2`,
			now, item.ID); err != nil {
			return fmt.Errorf("mark item sent: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE bulk_campaigns SET success_count=success_count+1, updated_at=NOW() WHERE id=$1`, item.CampaignID); err != nil {
			return fmt.Errorf("bump success counter: %w", err)
		}
		return nil
	})
}

func (r *CampaignRepository) RecordFailure(ctx context.Context, item *model.Recipient, lastError string) error {
	return withTransaction(ctx, r.DB, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE bulk_campaign_items SET status='failed', attempts=attempts+1, last_error=$1, updated_at=NOW() WHERE id=$2`,
			lastError, item.ID); err != nil {
			return fmt.Errorf("mark item failed: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE bulk_campaigns SET failure_count=failure_count+1, updated_at=NOW() WHERE id=$1`, item.CampaignID); err != nil {
			return fmt.Errorf("bump failure counter: %w", err)
		}
		return nil
	})
}
