package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	appErrors "github.com/unclebandit/dispatch-engine/internal/errors"
	"github.com/unclebandit/dispatch-engine/internal/model"
	"github.com/unclebandit/dispatch-engine/internal/repository"
)

var validate = validator.New()

func validationError(err error) error {
	return fmt.Errorf("%w: %v", appErrors.ErrValidation, err)
}

type JobService struct {
	Repo     repository.JobRepositoryInterface
	Handlers *JobHandlerRegistry
	Now      func() time.Time
}

type EnqueueJobRequest struct {
	JobType      string          `json:"job_type" validate:"required"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	DelaySeconds int             `json:"delay_seconds" validate:"gte=0"`
	MaxAttempts  int             `json:"max_attempts" validate:"gte=0,lte=50"`
	ScheduledFor *time.Time      `json:"scheduled_for,omitempty"`
}

type JobDetails struct {
	*model.Job
	Logs []model.JobLog `json:"logs"`
}

func (s *JobService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Enqueue stores a new pending job. Unknown job types are rejected here
// instead of failing later in the runner.
func (s *JobService) Enqueue(ctx context.Context, req EnqueueJobRequest) (*model.Job, error) {
	if err := validate.Struct(req); err != nil {
		return nil, validationError(err)
	}
	if !s.Handlers.Has(req.JobType) {
		return nil, fmt.Errorf("%w: %q", appErrors.ErrUnknownJobType, req.JobType)
	}
	if len(req.Payload) > 0 && !json.Valid(req.Payload) {
		return nil, validationError(fmt.Errorf("payload is not valid JSON"))
	}

	job := &model.Job{
		JobType:      req.JobType,
		Payload:      req.Payload,
		MaxAttempts:  req.MaxAttempts,
		ScheduledFor: req.ScheduledFor,
	}
	if job.ScheduledFor == nil && req.DelaySeconds > 0 {
		at := s.now().Add(time.Duration(req.DelaySeconds) * time.Second)
		job.ScheduledFor = &at
	}
	if err := s.Repo.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"job_id":   job.ID,
		"job_type": job.JobType,
	}).Info("[JOBS] job enqueued")
	return job, nil
}

func (s *JobService) Get(ctx context.Context, id int64) (*JobDetails, error) {
	job, err := s.Repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	logs, err := s.Repo.ListLogs(ctx, id)
	if err != nil {
		return nil, err
	}
	return &JobDetails{Job: job, Logs: logs}, nil
}

// Reset gives a failed job a fresh retry budget. It is the only way a
// failed job becomes eligible again.
func (s *JobService) Reset(ctx context.Context, id int64) (*model.Job, error) {
	if err := s.Repo.Reset(ctx, id); err != nil {
		return nil, err
	}
	job, err := s.Repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.Repo.AppendLog(ctx, &model.JobLog{
		JobID:   job.ID,
		JobType: job.JobType,
		Status:  "reset",
		Message: "reset by operator",
	}); err != nil {
		logrus.WithError(err).WithField("job_id", id).Warn("[JOBS] could not append reset log")
	}
	return job, nil
}
