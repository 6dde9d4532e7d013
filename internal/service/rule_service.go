package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	appErrors "github.com/unclebandit/dispatch-engine/internal/errors"
	"github.com/unclebandit/dispatch-engine/internal/model"
	"github.com/unclebandit/dispatch-engine/internal/repository"
	"github.com/unclebandit/dispatch-engine/internal/rules"
)

type RuleService struct {
	Repo    repository.RuleRepositoryInterface
	Actions *ActionRegistry
}

type CreateRuleRequest struct {
	Name          string          `json:"name" validate:"required"`
	EventKey      string          `json:"event_key" validate:"required"`
	Conditions    json.RawMessage `json:"conditions,omitempty"`
	ActionType    string          `json:"action_type" validate:"required"`
	ActionPayload json.RawMessage `json:"action_payload,omitempty"`
	Active        *bool           `json:"active,omitempty"`
}

// Create rejects rules the engine could never run: malformed conditions,
// unknown operators and unknown action types.
func (s *RuleService) Create(ctx context.Context, req CreateRuleRequest) (*model.Rule, error) {
	req.EventKey = strings.TrimSpace(req.EventKey)
	if err := validate.Struct(req); err != nil {
		return nil, validationError(err)
	}

	raw := strings.TrimSpace(string(req.Conditions))
	cond, err := rules.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", appErrors.ErrValidation, err)
	}
	if unknown := rules.UnknownOperators(cond); len(unknown) > 0 {
		return nil, fmt.Errorf("%w: unknown operators %v", appErrors.ErrValidation, unknown)
	}
	if err := s.Actions.Validate(req.ActionType, req.ActionPayload); err != nil {
		return nil, err
	}

	rule := &model.Rule{
		Name:           req.Name,
		EventKey:       req.EventKey,
		ConditionsJSON: raw,
		ActionType:     req.ActionType,
		ActionPayload:  req.ActionPayload,
		Active:         req.Active == nil || *req.Active,
	}
	if err := s.Repo.Create(ctx, rule); err != nil {
		return nil, fmt.Errorf("create rule: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"rule_id":   rule.ID,
		"event_key": rule.EventKey,
		"action":    rule.ActionType,
	}).Info("[AUTOMATION] rule created")
	return rule, nil
}

func (s *RuleService) List(ctx context.Context) ([]*model.Rule, error) {
	return s.Repo.List(ctx)
}

func (s *RuleService) SetActive(ctx context.Context, id int64, active bool) error {
	if err := s.Repo.SetActive(ctx, id, active); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{"rule_id": id, "active": active}).Info("[AUTOMATION] rule toggled")
	return nil
}
