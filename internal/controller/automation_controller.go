package controller

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/unclebandit/dispatch-engine/internal/handler"
	"github.com/unclebandit/dispatch-engine/internal/model"
	"github.com/unclebandit/dispatch-engine/internal/service"
)

type EventCommands interface {
	Emit(ctx context.Context, key string, payload json.RawMessage) (*service.EmitResult, error)
	Requeue(ctx context.Context, id int64) (*model.Event, error)
}

type RuleCommands interface {
	Create(ctx context.Context, req service.CreateRuleRequest) (*model.Rule, error)
	SetActive(ctx context.Context, id int64, active bool) error
}

type JobCommands interface {
	Enqueue(ctx context.Context, req service.EnqueueJobRequest) (*model.Job, error)
	Reset(ctx context.Context, id int64) (*model.Job, error)
}

type AutomationController struct {
	Events EventCommands
	Rules  RuleCommands
	Jobs   JobCommands
}

// EmitEvent answers 201 with the stored event, or 202 when the event went
// to the broker and will be stored by the ingest worker.
func (c *AutomationController) EmitEvent(w http.ResponseWriter, r *http.Request) {
	var body struct {
		EventKey string          `json:"event_key"`
		Payload  json.RawMessage `json:"payload"`
	}
	if err := handler.DecodeJSON(r, &body); err != nil {
		handler.BadRequest(w, err.Error())
		return
	}

	res, err := c.Events.Emit(r.Context(), body.EventKey, body.Payload)
	if err != nil {
		handler.WriteError(w, r, err)
		return
	}
	if res.Queued {
		handler.WriteJSON(w, http.StatusAccepted, res)
		return
	}
	handler.WriteJSON(w, http.StatusCreated, res.Event)
}

func (c *AutomationController) RequeueEvent(w http.ResponseWriter, r *http.Request) {
	id, err := handler.ParseID(r, "id")
	if err != nil {
		handler.BadRequest(w, "invalid event id")
		return
	}
	event, err := c.Events.Requeue(r.Context(), id)
	if err != nil {
		handler.WriteError(w, r, err)
		return
	}
	handler.WriteJSON(w, http.StatusOK, event)
}

func (c *AutomationController) CreateRule(w http.ResponseWriter, r *http.Request) {
	var body service.CreateRuleRequest
	if err := handler.DecodeJSON(r, &body); err != nil {
		handler.BadRequest(w, err.Error())
		return
	}
	rule, err := c.Rules.Create(r.Context(), body)
	if err != nil {
		handler.WriteError(w, r, err)
		return
	}
	handler.WriteJSON(w, http.StatusCreated, rule)
}

func (c *AutomationController) SetRuleActive(w http.ResponseWriter, r *http.Request) {
	id, err := handler.ParseID(r, "id")
	if err != nil {
		handler.BadRequest(w, "invalid rule id")
		return
	}
	var body struct {
		Active *bool `json:"active"`
	}
	if err := handler.DecodeJSON(r, &body); err != nil {
		handler.BadRequest(w, err.Error())
		return
	}
	if body.Active == nil {
		handler.BadRequest(w, "active is required")
		return
	}
	if err := c.Rules.SetActive(r.Context(), id, *body.Active); err != nil {
		handler.WriteError(w, r, err)
		return
	}
	handler.WriteJSON(w, http.StatusOK, map[string]any{"id": id, "active": *body.Active})
}

func (c *AutomationController) EnqueueJob(w http.ResponseWriter, r *http.Request) {
	var body service.EnqueueJobRequest
	if err := handler.DecodeJSON(r, &body); err != nil {
		handler.BadRequest(w, err.Error())
		return
	}
	job, err := c.Jobs.Enqueue(r.Context(), body)
	if err != nil {
		handler.WriteError(w, r, err)
		return
	}
	handler.WriteJSON(w, http.StatusCreated, job)
}

// ResetJob gives a failed job a fresh retry budget.
func (c *AutomationController) ResetJob(w http.ResponseWriter, r *http.Request) {
	id, err := handler.ParseID(r, "id")
	if err != nil {
		handler.BadRequest(w, "invalid job id")
		return
	}
	job, err := c.Jobs.Reset(r.Context(), id)
	if err != nil {
		handler.WriteError(w, r, err)
		return
	}
	handler.WriteJSON(w, http.StatusOK, job)
}
