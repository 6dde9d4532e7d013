package repository

import (
	"context"
	"database/sql"
	"encoding/json"

	appErrors "github.com/unclebandit/dispatch-engine/internal/errors"
	"github.com/unclebandit/dispatch-engine/internal/model"
)

type RuleRepositoryInterface interface {
	Create(ctx context.Context, rule *model.Rule) error
	List(ctx context.Context) ([]*model.Rule, error)
	ListActiveByEventKey(ctx context.Context, eventKey string) ([]model.Rule, error)
	SetActive(ctx context.Context, id int64, active bool) error
}

type RuleRepository struct {
	DB *sql.DB
}

var _ RuleRepositoryInterface = (*RuleRepository)(nil)

const ruleColumns = `id, name, event_key, conditions_json, action_type, action_payload, active, created_at`

func scanRule(row interface{ Scan(...any) error }) (model.Rule, error) {
	var (
		rule       model.Rule
		conditions sql.NullString
		payload    []byte
	)
	err := row.Scan(&rule.ID, &rule.Name, &rule.EventKey, &conditions, &rule.ActionType, &payload, &rule.Active, &rule.CreatedAt)
	rule.ConditionsJSON = conditions.String
	rule.ActionPayload = json.RawMessage(payload)
	return rule, err
}

func (r *RuleRepository) Create(ctx context.Context, rule *model.Rule) error {
	query := `
		INSERT INTO automation_rules (name, event_key, conditions_json, action_type, action_payload, active)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`
	return r.DB.QueryRowContext(ctx, query,
		rule.Name, rule.EventKey, nullString(rule.ConditionsJSON), rule.ActionType, nullJSON(rule.ActionPayload), rule.Active,
	).Scan(&rule.ID, &rule.CreatedAt)
}

func (r *RuleRepository) List(ctx context.Context) ([]*model.Rule, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+ruleColumns+` FROM automation_rules ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rules := []*model.Rule{}
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, &rule)
	}
	return rules, rows.Err()
}

func (r *RuleRepository) ListActiveByEventKey(ctx context.Context, eventKey string) ([]model.Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM automation_rules WHERE event_key=$1 AND active ORDER BY id ASC`
	rows, err := r.DB.QueryContext(ctx, query, eventKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []model.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

func (r *RuleRepository) SetActive(ctx context.Context, id int64, active bool) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE automation_rules SET active=$1 WHERE id=$2`, active, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return appErrors.NewRuleNotFound(id)
	}
	return nil
}
