package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/unclebandit/dispatch-engine/internal/config"
	"github.com/unclebandit/dispatch-engine/internal/db"
	"github.com/unclebandit/dispatch-engine/internal/lock"
	"github.com/unclebandit/dispatch-engine/internal/logger"
	"github.com/unclebandit/dispatch-engine/internal/queue"
	"github.com/unclebandit/dispatch-engine/internal/service"
	"github.com/unclebandit/dispatch-engine/internal/telemetry"
	"github.com/unclebandit/dispatch-engine/internal/whatsapp"
)

type options struct {
	configDir string
	loop      bool
	interval  time.Duration
}

// env is everything a subcommand needs once config is loaded.
type env struct {
	cfg      *config.Config
	svcs     *service.Services
	rdb      *redis.Client
	instance string
	shutdown []func()
}

func (e *env) close() {
	for i := len(e.shutdown) - 1; i >= 0; i-- {
		e.shutdown[i]()
	}
}

func (e *env) locker(name string) (lock.Locker, error) {
	var rdb redis.Cmdable
	if e.rdb != nil {
		rdb = e.rdb
	}
	return lock.New(e.cfg.Lock, rdb, name)
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:          "worker",
		Short:        "Background workers of the dispatch engine",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.configDir, "config", "", "directory containing dispatch.yaml")
	root.PersistentFlags().BoolVar(&opts.loop, "loop", false, "keep polling until interrupted instead of running one pass")
	root.PersistentFlags().DurationVar(&opts.interval, "interval", 0, "poll interval in loop mode (defaults to workers.poll_interval)")

	root.AddCommand(
		passCmd(opts, "automation", "Dispatch pending automation events", func(s *service.Services) passFunc {
			return func(ctx context.Context) error {
				res, err := s.Dispatcher.RunOnce(ctx)
				logrus.WithFields(logrus.Fields{
					"processed": res.Processed,
					"done":      res.Done,
					"errored":   res.Errored,
				}).Info("[AUTOMATION] pass finished")
				return err
			}
		}),
		passCmd(opts, "jobs", "Run due scheduled jobs", func(s *service.Services) passFunc {
			return func(ctx context.Context) error {
				res, err := s.Runner.RunOnce(ctx)
				logrus.WithFields(logrus.Fields{
					"processed": res.Processed,
					"done":      res.Done,
					"retrying":  res.Retrying,
					"failed":    res.Failed,
				}).Info("[JOBS] pass finished")
				return err
			}
		}),
		passCmd(opts, "bulk", "Send pending bulk campaign items", func(s *service.Services) passFunc {
			return func(ctx context.Context) error {
				res, err := s.Bulk.RunOnce(ctx)
				logrus.WithFields(logrus.Fields{
					"campaigns": res.Campaigns,
					"sent":      res.Sent,
					"failed":    res.Failed,
					"skipped":   res.Skipped,
					"finished":  res.Finished,
				}).Info("[BULK] pass finished")
				return err
			}
		}),
		ingestCmd(opts),
		runCmd(opts),
	)
	return root
}

func passCmd(opts *options, name, short string, build func(*service.Services) passFunc) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			e, err := setup(ctx, opts)
			if err != nil {
				return err
			}
			defer e.close()

			l, err := e.locker(name)
			if err != nil {
				return err
			}
			if opts.loop {
				go serveMetrics(ctx, e.cfg.Workers.MetricsAddr)
			}
			return runWorker(ctx, l, name, build(e.svcs), opts.loop, pollInterval(opts, e.cfg))
		},
	}
}

// runCmd drives the three polling workers in one process, each under its
// own lock.
func runCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the automation, jobs and bulk workers until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			e, err := setup(ctx, opts)
			if err != nil {
				return err
			}
			defer e.close()

			interval := pollInterval(opts, e.cfg)
			workers := map[string]passFunc{
				"automation": func(ctx context.Context) error { _, err := e.svcs.Dispatcher.RunOnce(ctx); return err },
				"jobs":       func(ctx context.Context) error { _, err := e.svcs.Runner.RunOnce(ctx); return err },
				"bulk":       func(ctx context.Context) error { _, err := e.svcs.Bulk.RunOnce(ctx); return err },
			}

			g, gctx := errgroup.WithContext(ctx)
			for name, pass := range workers {
				name, pass := name, pass
				l, err := e.locker(name)
				if err != nil {
					return err
				}
				g.Go(func() error {
					return runWorker(gctx, l, name, pass, true, interval)
				})
			}
			g.Go(func() error {
				serveMetrics(gctx, e.cfg.Workers.MetricsAddr)
				return nil
			})
			return g.Wait()
		},
	}
}

func ingestCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest",
		Short: "Consume the events queue and store events for the automation worker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			e, err := setup(ctx, opts)
			if err != nil {
				return err
			}
			defer e.close()

			if e.cfg.Broker.URL == "" {
				return errors.New("ingest needs broker.url")
			}
			q, err := queue.NewAMQPQueue(e.cfg.Broker.URL)
			if err != nil {
				return err
			}
			defer q.Close()

			if err := queue.StartEventIngestSubscriber(ctx, q, e.cfg.Broker.EventsQueue, e.svcs.Events.Repo); err != nil {
				return err
			}
			logrus.WithField("queue", e.cfg.Broker.EventsQueue).Info("[INGEST] waiting for events")
			go serveMetrics(ctx, e.cfg.Workers.MetricsAddr)
			<-ctx.Done()
			return nil
		},
	}
}

func setup(ctx context.Context, opts *options) (*env, error) {
	cfg, err := config.Load(opts.configDir)
	if err != nil {
		return nil, err
	}
	logger.Setup(cfg.App.LogLevel, cfg.App.LogFormat)

	e := &env{cfg: cfg, instance: uuid.NewString()}
	logrus.WithField("instance", e.instance).Debug("[WORKER] starting")

	shutdownTracing, err := telemetry.Init(cfg.Observability)
	if err != nil {
		return nil, err
	}
	e.shutdown = append(e.shutdown, shutdownTracing)

	conn, err := db.Open(ctx, cfg.Database)
	if err != nil {
		e.close()
		return nil, err
	}
	e.shutdown = append(e.shutdown, func() { conn.Close() })

	if cfg.Lock.Backend == "redis" {
		e.rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := e.rdb.Ping(ctx).Err(); err != nil {
			e.close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		e.shutdown = append(e.shutdown, func() { e.rdb.Close() })
	}

	sender := whatsapp.NewClient(cfg.WhatsApp, &http.Client{Timeout: cfg.WhatsApp.Timeout})
	e.svcs = service.NewServices(service.Deps{DB: conn, Config: cfg, Sender: sender})
	return e, nil
}

func pollInterval(opts *options, cfg *config.Config) time.Duration {
	if opts.interval > 0 {
		return opts.interval
	}
	return cfg.Workers.PollInterval
}

func serveMetrics(ctx context.Context, addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logrus.WithField("addr", addr).Info("[WORKER] metrics endpoint listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logrus.WithError(err).Warn("[WORKER] metrics endpoint stopped")
	}
}
