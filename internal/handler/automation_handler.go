package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/unclebandit/dispatch-engine/internal/model"
	"github.com/unclebandit/dispatch-engine/internal/service"
)

type EventQueries interface {
	List(ctx context.Context, status string, limit int) ([]*model.Event, error)
}

type RuleQueries interface {
	List(ctx context.Context) ([]*model.Rule, error)
}

type JobQueries interface {
	Get(ctx context.Context, id int64) (*service.JobDetails, error)
}

type AutomationHandler struct {
	Events EventQueries
	Rules  RuleQueries
	Jobs   JobQueries
}

// ListEventsHandler lists events, optionally filtered by ?status=.
func (h *AutomationHandler) ListEventsHandler(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	switch status {
	case "", model.EventPending, model.EventDone, model.EventError:
	default:
		BadRequest(w, "invalid status")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	events, err := h.Events.List(r.Context(), status, limit)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	if events == nil {
		events = []*model.Event{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"data": events})
}

func (h *AutomationHandler) ListRulesHandler(w http.ResponseWriter, r *http.Request) {
	rules, err := h.Rules.List(r.Context())
	if err != nil {
		WriteError(w, r, err)
		return
	}
	if rules == nil {
		rules = []*model.Rule{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"data": rules})
}

// GetJobHandler returns a job with its audit log.
func (h *AutomationHandler) GetJobHandler(w http.ResponseWriter, r *http.Request) {
	id, err := ParseID(r, "id")
	if err != nil {
		BadRequest(w, "invalid job id")
		return
	}
	job, err := h.Jobs.Get(r.Context(), id)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, job)
}
