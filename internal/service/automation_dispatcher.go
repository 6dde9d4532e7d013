package service

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"

	"github.com/sirupsen/logrus"

	"github.com/unclebandit/dispatch-engine/internal/metrics"
	"github.com/unclebandit/dispatch-engine/internal/model"
	"github.com/unclebandit/dispatch-engine/internal/repository"
	"github.com/unclebandit/dispatch-engine/internal/rules"
)

// AutomationDispatcher drains pending events, evaluates the active rules
// for each event key and runs the actions of the rules that match.
type AutomationDispatcher struct {
	Events    repository.EventRepositoryInterface
	Rules     repository.RuleRepositoryInterface
	Actions   *ActionRegistry
	BatchSize int
}

type DispatchResult struct {
	Processed int
	Done      int
	Errored   int
}

func (d *AutomationDispatcher) RunOnce(ctx context.Context) (DispatchResult, error) {
	var result DispatchResult

	batch := d.BatchSize
	if batch <= 0 {
		batch = 50
	}
	events, err := d.Events.ListPending(ctx, batch)
	if err != nil {
		return result, fmt.Errorf("list pending events: %w", err)
	}

	compiled := make(map[string][]*rules.Rule)
	for _, event := range events {
		if ctx.Err() != nil {
			break
		}
		result.Processed++

		err := d.processEvent(ctx, event, compiled)
		if err != nil {
			result.Errored++
			metrics.EventsProcessed.WithLabelValues(model.EventError).Inc()
			logrus.WithFields(logrus.Fields{
				"event_id":  event.ID,
				"event_key": event.EventKey,
			}).WithError(err).Error("[AUTOMATION] event failed")
			if markErr := d.Events.MarkError(ctx, event.ID, err.Error()); markErr != nil {
				logrus.WithError(markErr).WithField("event_id", event.ID).Error("[AUTOMATION] could not mark event as error")
			}
			continue
		}

		result.Done++
		metrics.EventsProcessed.WithLabelValues(model.EventDone).Inc()
		if markErr := d.Events.MarkDone(ctx, event.ID); markErr != nil {
			logrus.WithError(markErr).WithField("event_id", event.ID).Error("[AUTOMATION] could not mark event as done")
		}
	}
	return result, nil
}

func (d *AutomationDispatcher) processEvent(ctx context.Context, event *model.Event, compiled map[string][]*rules.Rule) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithField("event_id", event.ID).Errorf("[AUTOMATION] panic: %v\n%s", r, debug.Stack())
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	active, ok := compiled[event.EventKey]
	if !ok {
		raw, err := d.Rules.ListActiveByEventKey(ctx, event.EventKey)
		if err != nil {
			return fmt.Errorf("load rules: %w", err)
		}
		active = rules.CompileAll(raw)
		compiled[event.EventKey] = active
	}
	if len(active) == 0 {
		return nil
	}

	evalCtx, err := eventContext(event)
	if err != nil {
		return err
	}

	for _, rule := range active {
		if !rule.Matches(evalCtx) {
			continue
		}
		logrus.WithFields(logrus.Fields{
			"event_id": event.ID,
			"rule_id":  rule.ID,
			"action":   rule.ActionType,
		}).Debug("[AUTOMATION] rule matched")
		if err := d.Actions.Execute(ctx, rule, event); err != nil {
			return err
		}
	}
	return nil
}

// eventContext builds the tree rule fields resolve against:
// event.id, event.key and event.payload.*.
func eventContext(event *model.Event) (map[string]any, error) {
	var payload any
	if len(event.Payload) > 0 {
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return nil, fmt.Errorf("decode event payload: %w", err)
		}
	}
	return map[string]any{
		"event": map[string]any{
			"id":      event.ID,
			"key":     event.EventKey,
			"payload": payload,
		},
	}, nil
}
