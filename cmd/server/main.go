package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/unclebandit/dispatch-engine/internal/config"
	"github.com/unclebandit/dispatch-engine/internal/controller"
	"github.com/unclebandit/dispatch-engine/internal/db"
	"github.com/unclebandit/dispatch-engine/internal/handler"
	"github.com/unclebandit/dispatch-engine/internal/logger"
	"github.com/unclebandit/dispatch-engine/internal/queue"
	"github.com/unclebandit/dispatch-engine/internal/service"
	"github.com/unclebandit/dispatch-engine/internal/whatsapp"
)

func main() {
	cfg, err := config.Load(os.Getenv("DISPATCH_CONFIG_DIR"))
	if err != nil {
		logrus.Fatalf("[CONFIG] %v", err)
	}
	logger.Setup(cfg.App.LogLevel, cfg.App.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db.Init(cfg.Database)
	defer db.DB.Close()
	if err := db.Migrate(ctx, db.DB); err != nil {
		logrus.Fatalf("[DB] %v", err)
	}

	var q queue.Queue
	if cfg.Broker.URL != "" {
		amqpQueue, err := queue.NewAMQPQueue(cfg.Broker.URL)
		if err != nil {
			logrus.Fatalf("[QUEUE] %v", err)
		}
		defer amqpQueue.Close()
		q = amqpQueue
		logrus.WithField("queue", cfg.Broker.EventsQueue).Info("[QUEUE] events go through the broker")
	}

	sender := whatsapp.NewClient(cfg.WhatsApp, &http.Client{Timeout: cfg.WhatsApp.Timeout})
	svcs := service.NewServices(service.Deps{DB: db.DB, Config: cfg, Sender: sender, Queue: q})

	router := newRouter(routes{
		Campaigns:         &controller.CampaignController{CampaignService: svcs.Campaigns},
		Automation:        &controller.AutomationController{Events: svcs.Events, Rules: svcs.Rules, Jobs: svcs.Jobs},
		CampaignQueries:   &handler.CampaignHandler{Campaigns: svcs.Campaigns},
		AutomationQueries: &handler.AutomationHandler{Events: svcs.Events, Rules: svcs.Rules, Jobs: svcs.Jobs},
		DB:                db.DB,
	})

	srv := &http.Server{
		Addr:              cfg.App.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logrus.WithField("addr", cfg.App.HTTPAddr).Info("[HTTP] Server running")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		logrus.Info("[HTTP] Shutting down")
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logrus.Fatalf("[HTTP] %v", err)
	}
}
