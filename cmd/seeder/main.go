// cmd/seeder/main.go
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/unclebandit/dispatch-engine/internal/config"
	"github.com/unclebandit/dispatch-engine/internal/db"
	"github.com/unclebandit/dispatch-engine/internal/logger"
	"github.com/unclebandit/dispatch-engine/internal/model"
	"github.com/unclebandit/dispatch-engine/internal/service"
	"github.com/unclebandit/dispatch-engine/internal/whatsapp"
)

func main() {
	cfg, err := config.Load(os.Getenv("DISPATCH_CONFIG_DIR"))
	if err != nil {
		logrus.Fatalf("[CONFIG] %v", err)
	}
	logger.Setup(cfg.App.LogLevel, cfg.App.LogFormat)

	ctx := context.Background()
	db.Init(cfg.Database)
	defer db.DB.Close()

	if err := db.Migrate(ctx, db.DB); err != nil {
		logrus.Fatalf("[DB] %v", err)
	}

	sender := whatsapp.NewClient(cfg.WhatsApp, &http.Client{Timeout: cfg.WhatsApp.Timeout})
	svcs := service.NewServices(service.Deps{DB: db.DB, Config: cfg, Sender: sender})

	if err := seed(ctx, svcs); err != nil {
		logrus.Fatalf("[SEED] %v", err)
	}
	logrus.Info("[SEED] Database seeding completed successfully!")
}

func seed(ctx context.Context, svcs *service.Services) error {
	for _, req := range sampleRules() {
		rule, err := svcs.Rules.Create(ctx, req)
		if err != nil {
			return err
		}
		logrus.WithField("rule_id", rule.ID).Infof("[SEED] Seeded rule: %s", rule.Name)
	}

	res, err := svcs.Events.Emit(ctx, "sale.completed", json.RawMessage(`{"segment": "D8_D15", "vip": true, "total": 349.9}`))
	if err != nil {
		return err
	}
	logrus.WithField("event_id", res.Event.ID).Info("[SEED] Seeded pending event")

	jobs := []service.EnqueueJobRequest{
		{
			JobType: model.JobAppointmentReminder,
			Payload: json.RawMessage(`{"phone": "(11) 98765-4321", "customer_name": "Maria", "appointment_at": "2026-01-15T14:30:00-03:00"}`),
		},
		{
			JobType: model.JobRemarketingBatch,
			Payload: json.RawMessage(`{"name": "Remarketing D8-D15", "message": "Sentimos sua falta! Volte e ganhe 10% de desconto.", "recipients": ["11987654321", "21998765432"], "simulation": true}`),
		},
	}
	for _, req := range jobs {
		job, err := svcs.Jobs.Enqueue(ctx, req)
		if err != nil {
			return err
		}
		logrus.WithField("job_id", job.ID).Infof("[SEED] Seeded job: %s", job.JobType)
	}

	minDelay, maxDelay := 1000, 2000
	campaign, err := svcs.Campaigns.CreateCampaign(ctx, service.CreateCampaignRequest{
		Name:       "Simulação de boas-vindas",
		Message:    "Olá! Obrigado por comprar com a gente.",
		Recipients: []string{"11 91234-5678", "+55 21 99876-5432", "31988887777"},
		MinDelayMs: &minDelay,
		MaxDelayMs: &maxDelay,
		Simulation: true,
	})
	if err != nil {
		return err
	}
	logrus.WithField("campaign_id", campaign.ID).Info("[SEED] Seeded simulation campaign")
	return nil
}

func sampleRules() []service.CreateRuleRequest {
	return []service.CreateRuleRequest{
		{
			Name:     "Venda VIP ou cliente recente",
			EventKey: "sale.completed",
			Conditions: json.RawMessage(`{"logical": "OR", "conditions": [
				{"field": "event.payload.segment", "op": "equals", "value": "D0_D7"},
				{"field": "event.payload.vip", "op": "equals", "value": true}
			]}`),
			ActionType: model.ActionLogOnly,
		},
		{
			Name:       "Lembrete para lead novo",
			EventKey:   "lead.created",
			Conditions: json.RawMessage(`[{"field": "event.payload.phone", "op": "not_equals", "value": ""}]`),
			ActionType: model.ActionEnqueueJob,
			ActionPayload: json.RawMessage(`{
				"job_type": "lembrete_agenda_whatsapp",
				"delay_seconds": 3600,
				"max_attempts": 3
			}`),
		},
	}
}
