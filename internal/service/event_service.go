package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/unclebandit/dispatch-engine/internal/model"
	"github.com/unclebandit/dispatch-engine/internal/queue"
	"github.com/unclebandit/dispatch-engine/internal/repository"
)

// EventService is the producer side of the automation queue. With a Queue
// configured events go through the broker and are inserted by the ingest
// worker; otherwise they are inserted directly.
type EventService struct {
	Repo  repository.EventRepositoryInterface
	Queue queue.Queue
	Topic string
}

type EmitResult struct {
	Event  *model.Event `json:"event,omitempty"`
	Queued bool         `json:"queued"`
}

// Emit appends an event with the given key and JSON payload.
func (s *EventService) Emit(ctx context.Context, key string, payload json.RawMessage) (*EmitResult, error) {
	env := model.EventEnvelope{EventKey: strings.TrimSpace(key), Payload: payload}
	if err := validate.Struct(env); err != nil {
		return nil, validationError(err)
	}
	if len(env.Payload) > 0 && !json.Valid(env.Payload) {
		return nil, validationError(fmt.Errorf("payload is not valid JSON"))
	}

	if s.Queue != nil {
		if err := s.Queue.Publish(s.Topic, env); err != nil {
			return nil, fmt.Errorf("publish event: %w", err)
		}
		logrus.WithField("event_key", env.EventKey).Debug("[AUTOMATION] event published")
		return &EmitResult{Queued: true}, nil
	}

	e := &model.Event{EventKey: env.EventKey, Payload: env.Payload, Status: model.EventPending}
	if err := s.Repo.Create(ctx, e); err != nil {
		return nil, fmt.Errorf("create event: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"event_id":  e.ID,
		"event_key": e.EventKey,
	}).Debug("[AUTOMATION] event stored")
	return &EmitResult{Event: e}, nil
}

func (s *EventService) List(ctx context.Context, status string, limit int) ([]*model.Event, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.Repo.List(ctx, status, limit)
}

// Requeue returns an errored event to pending so the dispatcher picks it
// up again.
func (s *EventService) Requeue(ctx context.Context, id int64) (*model.Event, error) {
	if err := s.Repo.Requeue(ctx, id); err != nil {
		return nil, err
	}
	logrus.WithField("event_id", id).Info("[AUTOMATION] event requeued")
	return s.Repo.GetByID(ctx, id)
}
