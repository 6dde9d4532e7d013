package controller

import (
	"context"
	"net/http"

	"github.com/unclebandit/dispatch-engine/internal/handler"
	"github.com/unclebandit/dispatch-engine/internal/model"
	"github.com/unclebandit/dispatch-engine/internal/service"
)

type CampaignCommands interface {
	CreateCampaign(ctx context.Context, req service.CreateCampaignRequest) (*model.Campaign, error)
	Pause(ctx context.Context, id int64) (*model.Campaign, error)
	Resume(ctx context.Context, id int64) (*model.Campaign, error)
	RetryFailed(ctx context.Context, id int64) (int, error)
}

type CampaignController struct {
	CampaignService CampaignCommands
}

func (c *CampaignController) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var body service.CreateCampaignRequest
	if err := handler.DecodeJSON(r, &body); err != nil {
		handler.BadRequest(w, err.Error())
		return
	}

	campaign, err := c.CampaignService.CreateCampaign(r.Context(), body)
	if err != nil {
		handler.WriteError(w, r, err)
		return
	}
	handler.WriteJSON(w, http.StatusCreated, campaign)
}

func (c *CampaignController) PauseCampaign(w http.ResponseWriter, r *http.Request) {
	c.transition(w, r, c.CampaignService.Pause)
}

func (c *CampaignController) ResumeCampaign(w http.ResponseWriter, r *http.Request) {
	c.transition(w, r, c.CampaignService.Resume)
}

func (c *CampaignController) transition(w http.ResponseWriter, r *http.Request, fn func(context.Context, int64) (*model.Campaign, error)) {
	id, err := handler.ParseID(r, "id")
	if err != nil {
		handler.BadRequest(w, "invalid campaign id")
		return
	}
	campaign, err := fn(r.Context(), id)
	if err != nil {
		handler.WriteError(w, r, err)
		return
	}
	handler.WriteJSON(w, http.StatusOK, campaign)
}

// RetryFailed re-arms the failed items of a campaign.
func (c *CampaignController) RetryFailed(w http.ResponseWriter, r *http.Request) {
	id, err := handler.ParseID(r, "id")
	if err != nil {
		handler.BadRequest(w, "invalid campaign id")
		return
	}
	n, err := c.CampaignService.RetryFailed(r.Context(), id)
	if err != nil {
		handler.WriteError(w, r, err)
		return
	}
	handler.WriteJSON(w, http.StatusOK, map[string]any{
		"campaign_id": id,
		"rearmed":     n,
		"status":      model.CampaignQueued,
	})
}
