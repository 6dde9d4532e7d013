package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Each statement is idempotent so Migrate can run on every start.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS automation_rules (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		event_key TEXT NOT NULL,
		conditions_json TEXT,
		action_type TEXT NOT NULL DEFAULT 'log_only',
		action_payload JSONB,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_automation_rules_key ON automation_rules (event_key) WHERE active`,

	`CREATE TABLE IF NOT EXISTS automation_events (
		id BIGSERIAL PRIMARY KEY,
		event_key TEXT NOT NULL,
		payload JSONB,
		status TEXT NOT NULL DEFAULT 'pending',
		error_message TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		processed_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_automation_events_status ON automation_events (status, id)`,

	`CREATE TABLE IF NOT EXISTS scheduled_jobs (
		id BIGSERIAL PRIMARY KEY,
		job_type TEXT NOT NULL,
		payload JSONB,
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INT NOT NULL DEFAULT 0,
		max_attempts INT NOT NULL DEFAULT 3,
		scheduled_for TIMESTAMPTZ,
		last_error TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ,
		CHECK (attempts <= max_attempts)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_scheduled_jobs_due ON scheduled_jobs (status, scheduled_for, id)`,

	`CREATE TABLE IF NOT EXISTS scheduled_job_logs (
		id BIGSERIAL PRIMARY KEY,
		job_id BIGINT NOT NULL REFERENCES scheduled_jobs (id),
		job_type TEXT NOT NULL,
		status TEXT NOT NULL,
		message TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS bulk_campaigns (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL,
		message TEXT NOT NULL,
		media_url TEXT,
		status TEXT NOT NULL DEFAULT 'queued',
		total_recipients INT NOT NULL DEFAULT 0,
		success_count INT NOT NULL DEFAULT 0,
		failure_count INT NOT NULL DEFAULT 0,
		min_delay_ms INT NOT NULL DEFAULT 3000,
		max_delay_ms INT NOT NULL DEFAULT 7000,
		is_simulation BOOLEAN NOT NULL DEFAULT FALSE,
		external_ref TEXT UNIQUE,
		scheduled_for TIMESTAMPTZ,
		started_at TIMESTAMPTZ,
		finished_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ
	)`,

	`CREATE TABLE IF NOT EXISTS bulk_campaign_items (
		id BIGSERIAL PRIMARY KEY,
		campaign_id BIGINT NOT NULL REFERENCES bulk_campaigns (id),
		phone_raw TEXT NOT NULL,
		phone_normalized TEXT NOT NULL DEFAULT '',
		to_e164 TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INT NOT NULL DEFAULT 0,
		last_error TEXT,
		sent_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_bulk_items_pending ON bulk_campaign_items (campaign_id, status, id)`,

	`CREATE TABLE IF NOT EXISTS bulk_delivery_log (
		id BIGSERIAL PRIMARY KEY,
		campaign_id BIGINT NOT NULL,
		item_id BIGINT NOT NULL,
		to_phone TEXT NOT NULL,
		status TEXT NOT NULL,
		sent_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CONSTRAINT uq_bulk_delivery UNIQUE (campaign_id, item_id)
	)`,
}

// Migrate creates the engine tables when missing.
func Migrate(ctx context.Context, conn *sql.DB) error {
	for i, stmt := range schema {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate statement %d: %w", i, err)
		}
	}
	logrus.WithField("statements", len(schema)).Info("[DB] Schema up to date")
	return nil
}
