package service

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	appErrors "github.com/unclebandit/dispatch-engine/internal/errors"
	"github.com/unclebandit/dispatch-engine/internal/metrics"
	"github.com/unclebandit/dispatch-engine/internal/model"
	"github.com/unclebandit/dispatch-engine/internal/repository"
)

// JobHandler runs one job. Handlers must be idempotent: a failed job is
// retried from the top. Returning an error wrapping appErrors.ErrPermanent
// fails the job without spending the rest of its retry budget.
type JobHandler func(ctx context.Context, job *model.Job) error

type JobHandlerRegistry struct {
	handlers map[string]JobHandler
}

func NewJobHandlerRegistry() *JobHandlerRegistry {
	return &JobHandlerRegistry{handlers: make(map[string]JobHandler)}
}

func (r *JobHandlerRegistry) Register(jobType string, h JobHandler) {
	r.handlers[jobType] = h
}

func (r *JobHandlerRegistry) Lookup(jobType string) (JobHandler, bool) {
	h, ok := r.handlers[jobType]
	return h, ok
}

func (r *JobHandlerRegistry) Has(jobType string) bool {
	_, ok := r.handlers[jobType]
	return ok
}

func (r *JobHandlerRegistry) Types() []string {
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

type JobRunner struct {
	Repo      repository.JobRepositoryInterface
	Handlers  *JobHandlerRegistry
	BatchSize int
	Now       func() time.Time
}

type JobRunResult struct {
	Processed int
	Done      int
	Retrying  int
	Failed    int
}

func (r *JobRunner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *JobRunner) RunOnce(ctx context.Context) (JobRunResult, error) {
	var result JobRunResult

	batch := r.BatchSize
	if batch <= 0 {
		batch = 20
	}
	jobs, err := r.Repo.ListDue(ctx, r.now(), batch)
	if err != nil {
		return result, fmt.Errorf("list due jobs: %w", err)
	}

	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}
		result.Processed++
		switch r.runJob(ctx, job) {
		case model.JobDone:
			result.Done++
		case model.JobFailed:
			result.Failed++
		default:
			result.Retrying++
		}
	}
	return result, nil
}

// runJob executes one job and persists the outcome. It returns the job's
// resulting status.
func (r *JobRunner) runJob(ctx context.Context, job *model.Job) string {
	entry := logrus.WithFields(logrus.Fields{
		"job_id":   job.ID,
		"job_type": job.JobType,
		"attempt":  job.Attempts + 1,
	})

	err := r.invoke(ctx, job)
	if err == nil {
		if err := r.Repo.MarkDone(ctx, job.ID); err != nil {
			entry.WithError(err).Error("[JOBS] could not mark job done")
		}
		r.appendLog(ctx, job, model.JobDone, "ok")
		metrics.JobsProcessed.WithLabelValues(job.JobType, model.JobDone).Inc()
		entry.Info("[JOBS] job done")
		return model.JobDone
	}

	attempts := job.Attempts + 1
	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = model.DefaultMaxAttempts
	}
	if attempts > maxAttempts {
		attempts = maxAttempts
	}

	status := model.JobPending
	if attempts >= maxAttempts || errors.Is(err, appErrors.ErrPermanent) {
		status = model.JobFailed
	}

	if recErr := r.Repo.RecordFailure(ctx, job.ID, attempts, status, err.Error()); recErr != nil {
		entry.WithError(recErr).Error("[JOBS] could not record job failure")
	}
	r.appendLog(ctx, job, status, err.Error())
	metrics.JobsProcessed.WithLabelValues(job.JobType, status).Inc()

	entry.WithError(err).WithField("status", status).Warn("[JOBS] job failed")
	return status
}

func (r *JobRunner) invoke(ctx context.Context, job *model.Job) (err error) {
	handler, ok := r.Handlers.Lookup(job.JobType)
	if !ok {
		return appErrors.Permanent(fmt.Errorf("%w: %q", appErrors.ErrUnknownJobType, job.JobType))
	}
	defer func() {
		if rec := recover(); rec != nil {
			logrus.WithField("job_id", job.ID).Errorf("[JOBS] panic: %v\n%s", rec, debug.Stack())
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return handler(ctx, job)
}

func (r *JobRunner) appendLog(ctx context.Context, job *model.Job, status, message string) {
	err := r.Repo.AppendLog(ctx, &model.JobLog{
		JobID:   job.ID,
		JobType: job.JobType,
		Status:  status,
		Message: message,
	})
	if err != nil {
		logrus.WithError(err).WithField("job_id", job.ID).Error("[JOBS] could not append job log")
	}
}
