package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	appErrors "github.com/unclebandit/dispatch-engine/internal/errors"
	"github.com/unclebandit/dispatch-engine/internal/model"
)

type EventRepositoryInterface interface {
	Create(ctx context.Context, e *model.Event) error
	GetByID(ctx context.Context, id int64) (*model.Event, error)
	ListPending(ctx context.Context, limit int) ([]*model.Event, error)
	List(ctx context.Context, status string, limit int) ([]*model.Event, error)
	MarkDone(ctx context.Context, id int64) error
	MarkError(ctx context.Context, id int64, message string) error
	Requeue(ctx context.Context, id int64) error
}

type EventRepository struct {
	DB *sql.DB
}

var _ EventRepositoryInterface = (*EventRepository)(nil)

const eventColumns = `id, event_key, payload, status, error_message, created_at, processed_at`

func scanEvent(row interface{ Scan(...any) error }) (*model.Event, error) {
	var (
		e       model.Event
		payload []byte
		errMsg  sql.NullString
	)
	if err := row.Scan(&e.ID, &e.EventKey, &payload, &e.Status, &errMsg, &e.CreatedAt, &e.ProcessedAt); err != nil {
		return nil, err
	}
	e.Payload = json.RawMessage(payload)
	e.ErrorMessage = errMsg.String
	return &e, nil
}

func (r *EventRepository) Create(ctx context.Context, e *model.Event) error {
	if e.Status == "" {
		e.Status = model.EventPending
	}
	query := `
		INSERT INTO automation_events (event_key, payload, status)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`
	return r.DB.QueryRowContext(ctx, query, e.EventKey, nullJSON(e.Payload), e.Status).Scan(&e.ID, &e.CreatedAt)
}

func (r *EventRepository) GetByID(ctx context.Context, id int64) (*model.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM automation_events WHERE id=$1`
	e, err := scanEvent(r.DB.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.NewEventNotFound(id)
	}
	return e, err
}

// ListPending returns the oldest pending events first.
func (r *EventRepository) ListPending(ctx context.Context, limit int) ([]*model.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM automation_events WHERE status='pending' ORDER BY id ASC LIMIT $1`
	return r.query(ctx, query, limit)
}

func (r *EventRepository) List(ctx context.Context, status string, limit int) ([]*model.Event, error) {
	if status == "" {
		query := `SELECT ` + eventColumns + ` FROM automation_events ORDER BY id DESC LIMIT $1`
		return r.query(ctx, query, limit)
	}
	query := `SELECT ` + eventColumns + ` FROM automation_events WHERE status=$1 ORDER BY id DESC LIMIT $2`
	return r.query(ctx, query, status, limit)
}

func (r *EventRepository) query(ctx context.Context, query string, args ...any) ([]*model.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []*model.Event{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (r *EventRepository) MarkDone(ctx context.Context, id int64) error {
	query := `UPDATE automation_events SET status='done', error_message=NULL, processed_at=NOW() WHERE id=$1 AND status='pending'`
	_, err := r.DB.ExecContext(ctx, query, id)
	return err
}

func (r *EventRepository) MarkError(ctx context.Context, id int64, message string) error {
	query := `UPDATE automation_events SET status='error', error_message=$1, processed_at=NOW() WHERE id=$2 AND status='pending'`
	_, err := r.DB.ExecContext(ctx, query, message, id)
	return err
}

// Requeue moves an errored event back to pending. It is the only way out
// of the error state.
func (r *EventRepository) Requeue(ctx context.Context, id int64) error {
	query := `UPDATE automation_events SET status='pending', error_message=NULL, processed_at=NULL WHERE id=$1 AND status='error'`
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
	return fmt.Errorf("%w: only events in error can be requeued", appErrors.ErrInvalidTransition)
}
