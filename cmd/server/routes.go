package main

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/unclebandit/dispatch-engine/internal/controller"
	"github.com/unclebandit/dispatch-engine/internal/handler"
)

type routes struct {
	Campaigns         *controller.CampaignController
	Automation        *controller.AutomationController
	CampaignQueries   *handler.CampaignHandler
	AutomationQueries *handler.AutomationHandler
	DB                handler.Pinger
}

func newRouter(rt routes) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", handler.Healthz(rt.DB))
	r.Handle("/metrics", promhttp.Handler())

	// Automation routes
	r.Post("/events", rt.Automation.EmitEvent)
	r.Get("/events", rt.AutomationQueries.ListEventsHandler)
	r.Post("/events/{id}/requeue", rt.Automation.RequeueEvent)

	r.Post("/rules", rt.Automation.CreateRule)
	r.Get("/rules", rt.AutomationQueries.ListRulesHandler)
	r.Post("/rules/{id}/active", rt.Automation.SetRuleActive)

	r.Post("/jobs", rt.Automation.EnqueueJob)
	r.Get("/jobs/{id}", rt.AutomationQueries.GetJobHandler)
	r.Post("/jobs/{id}/reset", rt.Automation.ResetJob)

	// Campaign routes
	r.Post("/campaigns", rt.Campaigns.CreateCampaign)
	r.Get("/campaigns", rt.CampaignQueries.ListCampaignsHandler)
	r.Get("/campaigns/{id}", rt.CampaignQueries.GetCampaignHandler)
	r.Post("/campaigns/{id}/pause", rt.Campaigns.PauseCampaign)
	r.Post("/campaigns/{id}/resume", rt.Campaigns.ResumeCampaign)
	r.Post("/campaigns/{id}/retry-failed", rt.Campaigns.RetryFailed)

	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		logrus.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"bytes":       ww.BytesWritten(),
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  middleware.GetReqID(r.Context()),
		}).Debug("[HTTP] request")
	})
}
