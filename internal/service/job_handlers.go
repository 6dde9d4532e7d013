package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	appErrors "github.com/unclebandit/dispatch-engine/internal/errors"
	"github.com/unclebandit/dispatch-engine/internal/model"
	"github.com/unclebandit/dispatch-engine/internal/repository"
	"github.com/unclebandit/dispatch-engine/internal/whatsapp"
)

const defaultReminderTemplate = "Olá {customer_name}, passando para lembrar do seu horário em {appointment_at}. Até lá!"

// RemarketingBatchHandler turns a remarketing_disparo_batch job into a bulk
// campaign. The campaign carries external_ref job:<id>, so a retried job
// finds it and does nothing.
type RemarketingBatchHandler struct {
	Campaigns *CampaignService
}

func (h *RemarketingBatchHandler) Handle(ctx context.Context, job *model.Job) error {
	var req CreateCampaignRequest
	if err := json.Unmarshal(job.Payload, &req); err != nil {
		return appErrors.Permanent(fmt.Errorf("decode remarketing payload: %w", err))
	}

	ref := fmt.Sprintf("job:%d", job.ID)
	existing, err := h.Campaigns.Repo.GetByExternalRef(ctx, ref)
	if err != nil {
		return err
	}
	if existing != nil {
		logrus.WithFields(logrus.Fields{
			"job_id":      job.ID,
			"campaign_id": existing.ID,
		}).Info("[JOBS] remarketing campaign already created")
		return nil
	}

	req.ExternalRef = ref
	if req.Name == "" {
		req.Name = "Remarketing " + ref
	}
	c, err := h.Campaigns.CreateCampaign(ctx, req)
	switch {
	case err == nil:
	case repository.IsUniqueViolation(err):
		return nil
	case errors.Is(err, appErrors.ErrValidation),
		errors.Is(err, appErrors.ErrInvalidPhone),
		errors.Is(err, appErrors.ErrTooManyRecipients):
		return appErrors.Permanent(err)
	default:
		return err
	}

	logrus.WithFields(logrus.Fields{
		"job_id":      job.ID,
		"campaign_id": c.ID,
		"recipients":  c.Total,
	}).Info("[JOBS] remarketing campaign created")
	return nil
}

type AppointmentReminderPayload struct {
	Phone         string `json:"phone"`
	CustomerName  string `json:"customer_name"`
	AppointmentAt string `json:"appointment_at"`
	Message       string `json:"message,omitempty"`
}

// AppointmentReminderHandler sends one WhatsApp reminder.
type AppointmentReminderHandler struct {
	Sender         whatsapp.Sender
	DefaultCountry string
}

func (h *AppointmentReminderHandler) Handle(ctx context.Context, job *model.Job) error {
	var p AppointmentReminderPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return appErrors.Permanent(fmt.Errorf("decode reminder payload: %w", err))
	}

	country := h.DefaultCountry
	if country == "" {
		country = "55"
	}
	to, err := whatsapp.NormalizeE164(p.Phone, country)
	if err != nil {
		return appErrors.Permanent(fmt.Errorf("phone %q: %w", p.Phone, err))
	}

	template := p.Message
	if strings.TrimSpace(template) == "" {
		template = defaultReminderTemplate
	}
	body := RenderTemplate(template, map[string]string{
		"customer_name":  p.CustomerName,
		"appointment_at": formatAppointment(p.AppointmentAt),
	})

	res, err := h.Sender.Send(ctx, whatsapp.Message{
		To:   to,
		Body: body,
		Metadata: map[string]string{
			"job_id": fmt.Sprint(job.ID),
		},
	})
	if err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"job_id":     job.ID,
		"to":         to,
		"provider":   res.ProviderStatus,
		"message_id": res.ProviderMessageID,
	}).Info("[JOBS] reminder sent")
	return nil
}

// formatAppointment renders RFC 3339 timestamps as dd/mm/yyyy hh:mm and
// leaves anything else untouched.
func formatAppointment(raw string) string {
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return raw
	}
	return t.Format("02/01/2006 15:04")
}

// DefaultJobHandlers registers the built-in job types.
func DefaultJobHandlers(campaigns *CampaignService, sender whatsapp.Sender, defaultCountry string) *JobHandlerRegistry {
	reg := NewJobHandlerRegistry()
	reg.Register(model.JobRemarketingBatch, (&RemarketingBatchHandler{Campaigns: campaigns}).Handle)
	reg.Register(model.JobAppointmentReminder, (&AppointmentReminderHandler{
		Sender:         sender,
		DefaultCountry: defaultCountry,
	}).Handle)
	return reg
}
