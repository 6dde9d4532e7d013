package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	appErrors "github.com/unclebandit/dispatch-engine/internal/errors"
	"github.com/unclebandit/dispatch-engine/internal/model"
)

type JobRepositoryInterface interface {
	Create(ctx context.Context, job *model.Job) error
	GetByID(ctx context.Context, id int64) (*model.Job, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]*model.Job, error)
	MarkDone(ctx context.Context, id int64) error
	RecordFailure(ctx context.Context, id int64, attempts int, status, lastError string) error
	Reset(ctx context.Context, id int64) error
	AppendLog(ctx context.Context, entry *model.JobLog) error
	ListLogs(ctx context.Context, jobID int64) ([]model.JobLog, error)
}

type JobRepository struct {
	DB *sql.DB
}

var _ JobRepositoryInterface = (*JobRepository)(nil)

const jobColumns = `id, job_type, payload, status, attempts, max_attempts, scheduled_for, last_error, created_at, updated_at`

func scanJob(row interface{ Scan(...any) error }) (*model.Job, error) {
	var (
		j         model.Job
		payload   []byte
		lastError sql.NullString
	)
	err := row.Scan(&j.ID, &j.JobType, &payload, &j.Status, &j.Attempts, &j.MaxAttempts,
		&j.ScheduledFor, &lastError, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.Payload = json.RawMessage(payload)
	j.LastError = lastError.String
	return &j, nil
}

func (r *JobRepository) Create(ctx context.Context, job *model.Job) error {
	if job.Status == "" {
		job.Status = model.JobPending
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = model.DefaultMaxAttempts
	}
	query := `
		INSERT INTO scheduled_jobs (job_type, payload, status, attempts, max_attempts, scheduled_for)
		VALUES ($1, $2, $3, 0, $4, $5)
		RETURNING id, created_at
	`
	return r.DB.QueryRowContext(ctx, query,
		job.JobType, nullJSON(job.Payload), job.Status, job.MaxAttempts, job.ScheduledFor,
	).Scan(&job.ID, &job.CreatedAt)
}

func (r *JobRepository) GetByID(ctx context.Context, id int64) (*model.Job, error) {
	j, err := scanJob(r.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM scheduled_jobs WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.NewJobNotFound(id)
	}
	return j, err
}

// ListDue returns pending jobs whose schedule has arrived and that still
// have retry budget, oldest first.
func (r *JobRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*model.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM scheduled_jobs
		WHERE status='pending'
		  AND (scheduled_for IS NULL OR scheduled_for <= $1)
		  AND attempts < max_attempts
		ORDER BY id ASC
		LIMIT $2
	`
	rows, err := r.DB.QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := []*model.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (r *JobRepository) MarkDone(ctx context.Context, id int64) error {
	query := `UPDATE scheduled_jobs SET status='done', attempts=attempts+1, last_error=NULL, updated_at=NOW() WHERE id=$1 AND status='pending'`
	_, err := r.DB.ExecContext(ctx, query, id)
	return err
}

func (r *JobRepository) RecordFailure(ctx context.Context, id int64, attempts int, status, lastError string) error {
	query := `UPDATE scheduled_jobs SET attempts=$1, status=$2, last_error=$3, updated_at=NOW() WHERE id=$4 AND status='pending'`
	_, err := r.DB.ExecContext(ctx, query, attempts, status, lastError, id)
	return err
}

// Reset re-arms a failed job with a fresh retry budget.
func (r *JobRepository) Reset(ctx context.Context, id int64) error {
	query := `UPDATE scheduled_jobs SET status='pending', attempts=0, last_error=NULL, updated_at=NOW() WHERE id=$1 AND status='failed'`
	res, err := r.DB.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	if _, err := r.GetByID(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: only failed jobs can be reset", appErrors.ErrInvalidTransition)
}

func (r *JobRepository) AppendLog(ctx context.Context, entry *model.JobLog) error {
	query := `
		INSERT INTO scheduled_job_logs (job_id, job_type, status, message)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`
	return r.DB.QueryRowContext(ctx, query, entry.JobID, entry.JobType, entry.Status, entry.Message).
		Scan(&entry.ID, &entry.CreatedAt)
}

func (r *JobRepository) ListLogs(ctx context.Context, jobID int64) ([]model.JobLog, error) {
	query := `SELECT id, job_id, job_type, status, message, created_at FROM scheduled_job_logs WHERE job_id=$1 ORDER BY id ASC`
	rows, err := r.DB.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := []model.JobLog{}
	for rows.Next() {
		var l model.JobLog
		if err := rows.Scan(&l.ID, &l.JobID, &l.JobType, &l.Status, &l.Message, &l.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
