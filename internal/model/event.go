package model

import (
	"encoding/json"
	"time"
)

const (
	EventPending = "pending"
	EventDone    = "done"
	EventError   = "error"
)

// Event is a business fact appended by the surrounding application.
type Event struct {
	ID           int64           `db:"id" json:"id"`
	EventKey     string          `db:"event_key" json:"event_key"`
	Payload      json.RawMessage `db:"payload" json:"payload,omitempty"`
	Status       string          `db:"status" json:"status"`
	ErrorMessage string          `db:"error_message" json:"error_message,omitempty"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
	ProcessedAt  *time.Time      `db:"processed_at" json:"processed_at,omitempty"`
}

// EventEnvelope is the broker wire form of an event.
type EventEnvelope struct {
	EventKey string          `json:"event_key" validate:"required"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}
