package model

import (
	"encoding/json"
	"time"
)

// Built-in action types.
const (
	ActionLogOnly    = "log_only"
	ActionEnqueueJob = "enqueue_job"
)

// Rule reacts to events of one key. ConditionsJSON is kept raw here and
// compiled by the rules package when loaded.
type Rule struct {
	ID             int64           `db:"id" json:"id"`
	Name           string          `db:"name" json:"name"`
	EventKey       string          `db:"event_key" json:"event_key"`
	ConditionsJSON string          `db:"conditions_json" json:"conditions_json,omitempty"`
	ActionType     string          `db:"action_type" json:"action_type"`
	ActionPayload  json.RawMessage `db:"action_payload" json:"action_payload,omitempty"`
	Active         bool            `db:"active" json:"active"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
}
