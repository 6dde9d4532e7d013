package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	appErrors "github.com/unclebandit/dispatch-engine/internal/errors"
	"github.com/unclebandit/dispatch-engine/internal/model"
	"github.com/unclebandit/dispatch-engine/internal/rules"
)

// ActionFunc runs a matched rule's action for one event.
type ActionFunc func(ctx context.Context, rule *rules.Rule, event *model.Event) error

// Action is one registered action type. Validate, when set, checks an
// action payload at rule save time.
type Action struct {
	Execute  ActionFunc
	Validate func(payload json.RawMessage) error
}

type ActionRegistry struct {
	actions map[string]Action
}

func NewActionRegistry() *ActionRegistry {
	return &ActionRegistry{actions: make(map[string]Action)}
}

func (r *ActionRegistry) Register(actionType string, a Action) {
	if a.Execute == nil {
		panic("action " + actionType + " has no Execute func")
	}
	r.actions[actionType] = a
}

func (r *ActionRegistry) Has(actionType string) bool {
	_, ok := r.actions[actionType]
	return ok
}

func (r *ActionRegistry) Execute(ctx context.Context, rule *rules.Rule, event *model.Event) error {
	a, ok := r.actions[rule.ActionType]
	if !ok {
		return fmt.Errorf("%w: %q", appErrors.ErrUnknownActionType, rule.ActionType)
	}
	return a.Execute(ctx, rule, event)
}

func (r *ActionRegistry) Validate(actionType string, payload json.RawMessage) error {
	a, ok := r.actions[actionType]
	if !ok {
		return fmt.Errorf("%w: %q", appErrors.ErrUnknownActionType, actionType)
	}
	if a.Validate == nil {
		return nil
	}
	return a.Validate(payload)
}

// EnqueueJobPayload is the action payload of enqueue_job rules.
type EnqueueJobPayload struct {
	JobType      string          `json:"job_type"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	DelaySeconds int             `json:"delay_seconds,omitempty"`
	MaxAttempts  int             `json:"max_attempts,omitempty"`
}

// DefaultActions registers log_only and enqueue_job.
func DefaultActions(audit AuditSink, jobs *JobService) *ActionRegistry {
	reg := NewActionRegistry()

	reg.Register(model.ActionLogOnly, Action{
		Execute: func(_ context.Context, rule *rules.Rule, event *model.Event) error {
			audit.Record("automation", "rule_fired", map[string]any{
				"rule_id":   rule.ID,
				"rule_name": rule.Name,
				"event_id":  event.ID,
				"event_key": event.EventKey,
			})
			return nil
		},
	})

	reg.Register(model.ActionEnqueueJob, Action{
		Execute: func(ctx context.Context, rule *rules.Rule, event *model.Event) error {
			var p EnqueueJobPayload
			if err := json.Unmarshal(rule.ActionPayload, &p); err != nil {
				return fmt.Errorf("rule %d: decode enqueue_job payload: %w", rule.ID, err)
			}
			job, err := jobs.Enqueue(ctx, EnqueueJobRequest{
				JobType:      p.JobType,
				Payload:      p.Payload,
				DelaySeconds: p.DelaySeconds,
				MaxAttempts:  p.MaxAttempts,
			})
			if err != nil {
				return fmt.Errorf("rule %d: %w", rule.ID, err)
			}
			audit.Record("automation", "job_enqueued", map[string]any{
				"rule_id":  rule.ID,
				"event_id": event.ID,
				"job_id":   job.ID,
				"job_type": job.JobType,
			})
			return nil
		},
		Validate: func(payload json.RawMessage) error {
			var p EnqueueJobPayload
			if err := json.Unmarshal(payload, &p); err != nil {
				return fmt.Errorf("%w: enqueue_job payload: %v", appErrors.ErrValidation, err)
			}
			if !jobs.Handlers.Has(p.JobType) {
				return fmt.Errorf("%w: %q", appErrors.ErrUnknownJobType, p.JobType)
			}
			if p.DelaySeconds < 0 || p.DelaySeconds > int((30*24*time.Hour).Seconds()) {
				return fmt.Errorf("%w: delay_seconds out of range", appErrors.ErrValidation)
			}
			return nil
		},
	})

	return reg
}
