package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/g960059/posrelay/internal/api"
	"github.com/g960059/posrelay/internal/backoff"
	"github.com/g960059/posrelay/internal/config"
	"github.com/g960059/posrelay/internal/db"
	"github.com/g960059/posrelay/internal/delivery"
	"github.com/g960059/posrelay/internal/deploy"
	"github.com/g960059/posrelay/internal/logging"
	"github.com/g960059/posrelay/internal/mode"
	"github.com/g960059/posrelay/internal/probe"
	"github.com/g960059/posrelay/internal/queue"
	"github.com/g960059/posrelay/internal/router"
	"github.com/g960059/posrelay/internal/syncworker"
	"github.com/g960059/posrelay/internal/transport"
	"github.com/g960059/posrelay/internal/upload"
)

const (
	operationsQueue = "operations"
	printQueue      = "print"
	hubPath         = "/v1/agents/connect"
)

var runHubTokens map[string]string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the terminal relay",
	Long: `Run probes the configured endpoints, publishes the connectivity tier, routes
operations through the failover router, replays queued operations, runs the
deployment and payment-upload sync workers and serves the status API.

With --hub-token the print-job hub also runs in-process and print jobs that
cannot reach an agent are queued for replay.`,
	RunE: func(_ *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runRelay(ctx, cfg, logger)
	},
}

func init() {
	runCmd.Flags().StringToStringVar(&runHubTokens, "hub-token", nil, "print agent credential as token=agent-id (repeatable); enables the in-process hub")
}

func runRelay(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	store, err := db.Open(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	prober := probe.New(probe.Endpoints(cfg), nil)
	monitor := mode.New(prober, mode.Options{
		Interval: cfg.ProbeInterval,
		Thresholds: mode.Thresholds{
			DownAfterFailures: cfg.DownAfterFailures,
			UpAfterSuccesses:  cfg.UpAfterSuccesses,
		},
		Logger: log,
	})

	sender := transport.New(cfg.DeviceID, cfg.DeviceToken)
	retry := backoff.Policy{Initial: cfg.ReplayRetryInitial, Multiplier: 2, Max: cfg.ReplayRetryMax}

	ops, err := queue.Open(ctx, store, queue.Options{Name: operationsQueue, Order: cfg.QueueOrder, Logger: log})
	if err != nil {
		return err
	}
	rt := router.New(sender, monitor, ops, router.Options{
		PrimaryURL: cfg.PrimaryURL,
		GatewayURL: cfg.LocalGatewayURL,
		Timeouts:   router.TimeoutsFromConfig(cfg),
		Logger:     log,
	})
	replayers := []*queue.Replayer{
		queue.NewReplayer(ops, rt.Send, monitor, queue.ReplayerOptions{
			Interval: cfg.ReplayInterval,
			Retry:    retry,
			Logger:   log,
			Ready:    queue.ReachesUpstream,
		}),
	}

	channels := map[string]api.Channel{
		"print": router.NewSideChannel(sender, router.SideChannelOptions{
			Name:          "print",
			RemoteURL:     cfg.RemotePrintURL,
			LocalURL:      cfg.PrintAgentURL,
			RemoteTimeout: cfg.GenericTimeout,
			LocalTimeout:  cfg.LocalAgentTimeout,
			Logger:        log,
		}),
		"payment": router.NewSideChannel(sender, router.SideChannelOptions{
			Name:          "payment",
			RemoteURL:     cfg.RemotePayURL,
			LocalURL:      cfg.PaymentAgentURL,
			RemoteTimeout: cfg.PaymentTimeout,
			LocalTimeout:  cfg.PaymentTimeout,
			Logger:        log,
		}),
	}

	syncPolicy := backoff.Policy{Initial: cfg.SyncInitialDelay, Multiplier: cfg.SyncMultiplier, Max: cfg.SyncMaxDelay}
	deployHandler := deploy.NewHandler(nil, cfg.DeployDownloadDir, deploy.StagingInstaller{Dir: filepath.Join(cfg.DeployDownloadDir, "staged")}, log).
		WithDownloadTimeout(cfg.DownloadTimeout)
	deployWorker, err := syncworker.New(store, deployHandler.Handle, syncworker.Options{
		Name:         "deploy",
		Policy:       syncPolicy,
		Concurrency:  cfg.SyncConcurrency,
		CompletedCap: cfg.SyncCompletedCap,
		Logger:       log,
	})
	if err != nil {
		return err
	}
	uploader := upload.NewUploader(sender, cfg.PrimaryURL, log)
	uploadWorker, err := syncworker.New(store, uploader.Handle, syncworker.Options{
		Name:         "payment_upload",
		Policy:       syncPolicy,
		Concurrency:  cfg.SyncConcurrency,
		CompletedCap: cfg.SyncCompletedCap,
		Logger:       log,
	})
	if err != nil {
		return err
	}
	reconcilers := []*syncworker.Reconciler{
		syncworker.NewReconciler(deployWorker, deploy.NewPullLister(sender, cfg.PrimaryURL, cfg.DeviceID), store, log),
		syncworker.NewReconciler(uploadWorker, nil, store, log),
	}

	holder := config.NewHolder(cfg)
	deps := api.Deps{
		Tiers:    monitor,
		Queues:   []api.QueueView{ops},
		Workers:  []api.WorkerView{deployWorker, uploadWorker},
		Router:   rt,
		Payments: uploadWorker,
		Channels: channels,
		Config:   holder.Get,
		Logger:   log,
	}

	var hub *delivery.Hub
	if len(runHubTokens) > 0 {
		prints, err := queue.Open(ctx, store, queue.Options{Name: printQueue, Order: cfg.PrintQueueOrder, Logger: log})
		if err != nil {
			return err
		}
		hub = delivery.NewHub(delivery.StaticTokens(runHubTokens), delivery.HubOptions{
			Heartbeat:  cfg.HeartbeatInterval,
			AckTimeout: cfg.AckTimeout,
			Logger:     log,
		})
		spooler := delivery.NewSpooler(hub, prints, log)
		replayers = append(replayers, queue.NewReplayer(prints, spooler.Send, monitor, queue.ReplayerOptions{Interval: cfg.ReplayInterval, Retry: retry, Logger: log}))
		deps.Queues = append(deps.Queues, prints)
		deps.Agents = hub.Agents
		deps.Spooler = spooler
	}

	for _, w := range []*syncworker.Worker{deployWorker, uploadWorker} {
		if err := w.Start(ctx); err != nil {
			return err
		}
		defer w.Stop()
	}
	status := api.NewRouter(deps).Handler()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCanceled(monitor.Run(gctx)) })
	for _, r := range replayers {
		r := r // per-iteration copy; go.mod targets go 1.21
		g.Go(func() error { return ignoreCanceled(r.Run(gctx)) })
	}
	for _, r := range reconcilers {
		r := r
		g.Go(func() error { return ignoreCanceled(r.Run(gctx, cfg.SyncSweepInterval)) })
	}
	if cfg.DeployNATSURL != "" {
		source := deploy.NewNATSSource(cfg.DeployNATSURL, cfg.DeploySubject, log)
		g.Go(func() error {
			// The reconciler sweep still finds pending deployments without NATS.
			if err := ignoreCanceled(source.Run(gctx, deployWorker)); err != nil {
				log.Error("deployment notifications unavailable", "err", err)
			}
			return nil
		})
	}
	if hub != nil {
		handler := hubHandler(hub, log)
		g.Go(func() error {
			<-gctx.Done()
			hub.Close()
			return nil
		})
		g.Go(func() error { return serveHTTP(gctx, log, "hub", cfg.HubAddr, handler) })
	}
	g.Go(func() error { return serveHTTP(gctx, log, "status", cfg.StatusAddr, status) })
	g.Go(func() error { return reloadOnHangup(gctx, holder, log) })

	log.Info("relay started", "tier", monitor.Current().String(), "hub", hub != nil, "nats", cfg.DeployNATSURL != "")
	err = g.Wait()
	log.Info("relay stopped")
	return ignoreCanceled(err)
}

// reloadOnHangup re-reads the config file on SIGHUP. The log level applies
// immediately; endpoints, listeners and intervals are bound at startup.
func reloadOnHangup(ctx context.Context, holder *config.Holder, log *slog.Logger) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
		}
		loaded, err := config.Load(cfgFile)
		if err != nil {
			log.Error("config reload failed", "err", err)
			continue
		}
		if logLevel != "" {
			loaded.LogLevel = logLevel
		}
		next, restart := reloadedConfig(holder.Get(), loaded)
		if err := holder.Reconfigure(next); err != nil {
			log.Error("config reload rejected", "err", err)
			continue
		}
		logging.SetLevel(next.LogLevel)
		log.Info("config reloaded", "log_level", next.LogLevel)
		if restart {
			log.Warn("config file has changes that apply only after a restart")
		}
	}
}

// reloadedConfig is current with the log level taken from loaded; the log
// level is the only setting the running components pick up. restart reports
// whether loaded differs from the result in anything else.
func reloadedConfig(current, loaded config.Config) (next config.Config, restart bool) {
	next = current
	next.LogLevel = loaded.LogLevel
	return next, loaded != next
}

// hubHandler mounts the hub's websocket endpoint.
func hubHandler(hub http.Handler, log *slog.Logger) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(api.Recovery(log))
	engine.GET(hubPath, gin.WrapH(hub))
	return engine
}
