package service

import (
	"database/sql"

	"github.com/unclebandit/dispatch-engine/internal/config"
	"github.com/unclebandit/dispatch-engine/internal/queue"
	"github.com/unclebandit/dispatch-engine/internal/repository"
	"github.com/unclebandit/dispatch-engine/internal/whatsapp"
)

// Deps are the collaborators the engine is built from. Queue may be nil,
// in which case events are inserted directly.
type Deps struct {
	DB     *sql.DB
	Config *config.Config
	Sender whatsapp.Sender
	Queue  queue.Queue
	Audit  AuditSink
}

// Services is the wired engine shared by the server, worker and seeder.
type Services struct {
	Campaigns  *CampaignService
	Events     *EventService
	Rules      *RuleService
	Jobs       *JobService
	Dispatcher *AutomationDispatcher
	Runner     *JobRunner
	Bulk       *BulkWorker
}

func NewServices(d Deps) *Services {
	cfg := d.Config
	audit := d.Audit
	if audit == nil {
		audit = LogAuditSink{}
	}

	eventRepo := &repository.EventRepository{DB: d.DB}
	ruleRepo := &repository.RuleRepository{DB: d.DB}
	jobRepo := &repository.JobRepository{DB: d.DB}
	campaignRepo := &repository.CampaignRepository{DB: d.DB}

	campaigns := &CampaignService{Repo: campaignRepo, DefaultCountry: cfg.WhatsApp.DefaultCountry}
	handlers := DefaultJobHandlers(campaigns, d.Sender, cfg.WhatsApp.DefaultCountry)
	jobs := &JobService{Repo: jobRepo, Handlers: handlers}
	actions := DefaultActions(audit, jobs)

	return &Services{
		Campaigns: campaigns,
		Events:    &EventService{Repo: eventRepo, Queue: d.Queue, Topic: cfg.Broker.EventsQueue},
		Rules:     &RuleService{Repo: ruleRepo, Actions: actions},
		Jobs:      jobs,
		Dispatcher: &AutomationDispatcher{
			Events:    eventRepo,
			Rules:     ruleRepo,
			Actions:   actions,
			BatchSize: cfg.Workers.AutomationBatch,
		},
		Runner: &JobRunner{Repo: jobRepo, Handlers: handlers, BatchSize: cfg.Workers.JobsBatch},
		Bulk: &BulkWorker{
			Repo:          campaignRepo,
			Sender:        d.Sender,
			CampaignLimit: cfg.Workers.BulkCampaigns,
			ItemLimit:     cfg.Workers.BulkItems,
		},
	}
}
