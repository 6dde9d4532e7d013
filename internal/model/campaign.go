// internal/model/campaign.go
package model

import "time"

// Bulk campaign statuses.
const (
	CampaignQueued   = "queued"
	CampaignRunning  = "running"
	CampaignPaused   = "paused"
	CampaignFinished = "finished"
)

// Campaign is a bulk WhatsApp send spanning many recipients.
type Campaign struct {
	ID           int64      `db:"id" json:"id"`
	Name         string     `db:"name" json:"name"`
	Message      string     `db:"message" json:"message"`
	MediaURL     string     `db:"media_url" json:"media_url,omitempty"`
	Status       string     `db:"status" json:"status"`
	Total        int        `db:"total_recipients" json:"total_recipients"`
	SuccessCount int        `db:"success_count" json:"success_count"`
	FailureCount int        `db:"failure_count" json:"failure_count"`
	MinDelayMs   int        `db:"min_delay_ms" json:"min_delay_ms"`
	MaxDelayMs   int        `db:"max_delay_ms" json:"max_delay_ms"`
	Simulation   bool       `db:"is_simulation" json:"is_simulation"`
	ExternalRef  string     `db:"external_ref" json:"external_ref,omitempty"`
	ScheduledFor *time.Time `db:"scheduled_for" json:"scheduled_for,omitempty"`
	StartedAt    *time.Time `db:"started_at" json:"started_at,omitempty"`
	FinishedAt   *time.Time `db:"finished_at" json:"finished_at,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    *time.Time `db:"updated_at" json:"updated_at,omitempty"`
}
