package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/unclebandit/dispatch-engine/internal/model"
	"github.com/unclebandit/dispatch-engine/internal/repository"
)

var errBadEnvelope = errors.New("bad event envelope")

// StartEventIngestSubscriber inserts events published on topic as pending
// rows. Undecodable messages are logged and acknowledged; only storage
// errors are retried.
func StartEventIngestSubscriber(ctx context.Context, q Queue, topic string, events repository.EventRepositoryInterface) error {
	err := q.Subscribe(topic, func(payload any) error {
		env, err := decodeEnvelope(payload)
		if err != nil {
			logrus.WithField("topic", topic).WithError(err).Warn("[INGEST] discarding event message")
			return nil
		}

		e := &model.Event{EventKey: env.EventKey, Payload: env.Payload, Status: model.EventPending}
		if err := events.Create(ctx, e); err != nil {
			return fmt.Errorf("store event: %w", err)
		}
		logrus.WithFields(logrus.Fields{
			"event_id":  e.ID,
			"event_key": e.EventKey,
		}).Info("[INGEST] event ingested")
		return nil
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return nil
}

func decodeEnvelope(payload any) (model.EventEnvelope, error) {
	var env model.EventEnvelope
	switch p := payload.(type) {
	case model.EventEnvelope:
		env = p
	case *model.EventEnvelope:
		if p == nil {
			return env, errBadEnvelope
		}
		env = *p
	case []byte:
		if err := json.Unmarshal(p, &env); err != nil {
			return env, fmt.Errorf("%w: %v", errBadEnvelope, err)
		}
	default:
		return env, fmt.Errorf("%w: unexpected payload type %T", errBadEnvelope, payload)
	}

	env.EventKey = strings.TrimSpace(env.EventKey)
	if env.EventKey == "" {
		return env, fmt.Errorf("%w: missing event_key", errBadEnvelope)
	}
	if len(env.Payload) > 0 && !json.Valid(env.Payload) {
		return env, fmt.Errorf("%w: payload is not valid JSON", errBadEnvelope)
	}
	return env, nil
}
