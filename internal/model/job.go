package model

import (
	"encoding/json"
	"time"
)

const (
	JobPending = "pending"
	JobDone    = "done"
	JobFailed  = "failed"
)

// Known job types.
const (
	JobRemarketingBatch    = "remarketing_disparo_batch"
	JobAppointmentReminder = "lembrete_agenda_whatsapp"
)

const DefaultMaxAttempts = 3

// Job is a unit of scheduled background work.
type Job struct {
	ID           int64           `db:"id" json:"id"`
	JobType      string          `db:"job_type" json:"job_type"`
	Payload      json.RawMessage `db:"payload" json:"payload,omitempty"`
	Status       string          `db:"status" json:"status"`
	Attempts     int             `db:"attempts" json:"attempts"`
	MaxAttempts  int             `db:"max_attempts" json:"max_attempts"`
	ScheduledFor *time.Time      `db:"scheduled_for" json:"scheduled_for,omitempty"`
	LastError    string          `db:"last_error" json:"last_error,omitempty"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt    *time.Time      `db:"updated_at" json:"updated_at,omitempty"`
}

// JobLog is an immutable audit row, one per job outcome.
type JobLog struct {
	ID        int64     `db:"id" json:"id"`
	JobID     int64     `db:"job_id" json:"job_id"`
	JobType   string    `db:"job_type" json:"job_type"`
	Status    string    `db:"status" json:"status"`
	Message   string    `db:"message" json:"message"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
