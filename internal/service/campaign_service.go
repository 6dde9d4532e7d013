// internal/service/campaign_service.go
package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	appErrors "github.com/unclebandit/dispatch-engine/internal/errors"
	"github.com/unclebandit/dispatch-engine/internal/model"
	"github.com/unclebandit/dispatch-engine/internal/repository"
	"github.com/unclebandit/dispatch-engine/internal/whatsapp"
)

const (
	MaxRecipients     = 1000
	DefaultMinDelayMs = 3000
	DefaultMaxDelayMs = 7000
)

type CampaignService struct {
	Repo           repository.CampaignRepositoryInterface
	DefaultCountry string
}

type CreateCampaignRequest struct {
	Name         string     `json:"name" validate:"required"`
	Message      string     `json:"message" validate:"required"`
	MediaURL     string     `json:"media_url,omitempty" validate:"omitempty,url"`
	Recipients   []string   `json:"recipients" validate:"required,min=1"`
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
	MinDelayMs   *int       `json:"min_delay_ms,omitempty"`
	MaxDelayMs   *int       `json:"max_delay_ms,omitempty"`
	Simulation   bool       `json:"simulation"`
	ExternalRef  string     `json:"external_ref,omitempty"`
}

type CampaignDetails struct {
	*model.Campaign
	Stats map[string]int `json:"stats"`
}

// NormalizeDelays applies the pacing fallbacks: a non-positive minimum
// becomes 3000ms and a maximum below the minimum becomes min+2000ms.
func NormalizeDelays(minMs, maxMs int) (int, int) {
	if minMs <= 0 {
		minMs = DefaultMinDelayMs
	}
	if maxMs < minMs {
		maxMs = minMs + 2000
	}
	return minMs, maxMs
}

func (s *CampaignService) country() string {
	if s.DefaultCountry == "" {
		return "55"
	}
	return s.DefaultCountry
}

// CreateCampaign validates and normalizes every recipient before anything
// is stored; a single bad number rejects the whole request.
func (s *CampaignService) CreateCampaign(ctx context.Context, req CreateCampaignRequest) (*model.Campaign, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.Message = strings.TrimSpace(req.Message)
	if err := validate.Struct(req); err != nil {
		return nil, validationError(err)
	}
	if len(req.Recipients) > MaxRecipients {
		return nil, fmt.Errorf("%w: %d recipients, at most %d allowed", appErrors.ErrTooManyRecipients, len(req.Recipients), MaxRecipients)
	}

	items := make([]*model.Recipient, 0, len(req.Recipients))
	var invalid []string
	for _, raw := range req.Recipients {
		e164, err := whatsapp.NormalizeE164(raw, s.country())
		if err != nil {
			invalid = append(invalid, raw)
			continue
		}
		items = append(items, &model.Recipient{
			PhoneRaw:        raw,
			PhoneNormalized: strings.TrimPrefix(e164, "+"),
			ToE164:          e164,
		})
	}
	if len(invalid) > 0 {
		return nil, &appErrors.InvalidPhoneError{Numbers: invalid}
	}

	minDelay, maxDelay := DefaultMinDelayMs, DefaultMaxDelayMs
	if req.MinDelayMs != nil {
		minDelay = *req.MinDelayMs
	}
	if req.MaxDelayMs != nil {
		maxDelay = *req.MaxDelayMs
	}
	minDelay, maxDelay = NormalizeDelays(minDelay, maxDelay)

	c := &model.Campaign{
		Name:         req.Name,
		Message:      req.Message,
		MediaURL:     req.MediaURL,
		Status:       model.CampaignQueued,
		MinDelayMs:   minDelay,
		MaxDelayMs:   maxDelay,
		Simulation:   req.Simulation,
		ExternalRef:  req.ExternalRef,
		ScheduledFor: req.ScheduledFor,
	}
	if err := s.Repo.CreateWithItems(ctx, c, items); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"campaign_id": c.ID,
		"recipients":  c.Total,
		"simulation":  c.Simulation,
	}).Info("[BULK] campaign queued")
	return c, nil
}

// ListCampaigns fetches campaigns with pagination
func (s *CampaignService) ListCampaigns(ctx context.Context, page, pageSize int, status string) ([]model.Campaign, map[string]int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	offset := (page - 1) * pageSize

	ptrs, total, err := s.Repo.ListCampaigns(ctx, offset, pageSize, status)
	if err != nil {
		return nil, nil, err
	}

	campaigns := make([]model.Campaign, len(ptrs))
	for i, c := range ptrs {
		campaigns[i] = *c
	}

	totalPages := (total + pageSize - 1) / pageSize
	pagination := map[string]int{
		"page":        page,
		"page_size":   pageSize,
		"total_count": total,
		"total_pages": totalPages,
	}

	return campaigns, pagination, nil
}

func (s *CampaignService) GetCampaignDetailsWithStats(ctx context.Context, id int64) (*CampaignDetails, error) {
	campaign, err := s.Repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	stats, err := s.Repo.GetCampaignStats(ctx, id)
	if err != nil {
		return nil, err
	}
	return &CampaignDetails{Campaign: campaign, Stats: stats}, nil
}

// Pause stops a queued or running campaign from being selected. Items the
// worker already claimed still complete.
func (s *CampaignService) Pause(ctx context.Context, id int64) (*model.Campaign, error) {
	return s.transition(ctx, id, model.CampaignPaused, model.CampaignQueued, model.CampaignRunning)
}

func (s *CampaignService) Resume(ctx context.Context, id int64) (*model.Campaign, error) {
	return s.transition(ctx, id, model.CampaignQueued, model.CampaignPaused)
}

func (s *CampaignService) transition(ctx context.Context, id int64, to string, from ...string) (*model.Campaign, error) {
	ok, err := s.Repo.TransitionStatus(ctx, id, to, from...)
	if err != nil {
		return nil, err
	}
	c, err := s.Repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: campaign %d is %s", appErrors.ErrInvalidTransition, id, c.Status)
	}
	logrus.WithFields(logrus.Fields{"campaign_id": id, "status": to}).Info("[BULK] campaign status changed")
	return c, nil
}

// RetryFailed re-arms the campaign's failed items and queues it again.
func (s *CampaignService) RetryFailed(ctx context.Context, id int64) (int, error) {
	n, err := s.Repo.RetryFailed(ctx, id)
	if err != nil {
		return 0, err
	}
	logrus.WithFields(logrus.Fields{"campaign_id": id, "rearmed": n}).Info("[BULK] failed items re-queued")
	return n, nil
}
