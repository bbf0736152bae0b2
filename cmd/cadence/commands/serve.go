package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cadencehq/cadence/autopilot"
	"github.com/cadencehq/cadence/breaker"
	"github.com/cadencehq/cadence/campaign"
	"github.com/cadencehq/cadence/config"
	"github.com/cadencehq/cadence/db"
	"github.com/cadencehq/cadence/errors"
	"github.com/cadencehq/cadence/logger"
	"github.com/cadencehq/cadence/metrics"
	"github.com/cadencehq/cadence/provider/fake"
	"github.com/cadencehq/cadence/queue"
	"github.com/cadencehq/cadence/stages"
)

var (
	serveDev     bool
	serveWorkers int
	serveConfig  string
)

// ServeCmd starts the orchestration daemon
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the orchestration daemon",
	Long: `Start the Cadence daemon in foreground mode.

The daemon runs:
- The durable job queue with its worker pool
- The campaign event consumer
- The autonomous pipeline scheduler (when enabled)
- An optional Prometheus metrics listener

Shutdown is graceful: in-flight jobs get a grace period to finish, and
jobs still running after it are replaced with fresh jobs on the next
start.

Example:
  cadence serve --dev           # Fake providers, for development
  cadence serve --workers 8     # Override the worker count`,
	RunE: runServe,
}

func init() {
	ServeCmd.Flags().BoolVar(&serveDev, "dev", false, "Use deterministic fake providers")
	ServeCmd.Flags().IntVar(&serveWorkers, "workers", 0, "Worker count override")
	ServeCmd.Flags().StringVar(&serveConfig, "config", "", "Path to config file")
}

func loadConfig() (*config.Config, error) {
	if serveConfig != "" {
		return config.LoadFromFile(serveConfig)
	}
	return config.Load()
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !serveDev {
		// Real provider adapters plug in through the provider package;
		// none ship with the core daemon yet.
		return errors.New("no provider adapters configured; run with --dev for fake providers")
	}

	log := zap.S()

	conn, err := db.Open(cfg.Database.Path, log)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := db.Migrate(conn, log); err != nil {
		return err
	}

	breakers := breaker.NewRegistry(breakerConfig(cfg), log)
	policy := retryPolicy(cfg)

	// Fake providers (dev mode)
	discovery := fake.NewDiscovery()
	enrichment := fake.NewEnrichment()
	crm := fake.NewCRM()
	scoring := fake.NewScoring()
	outreach := fake.NewOutreach()

	// Campaign engine and channel senders
	engine := campaign.NewEngine(campaign.NewStore(conn), log)
	for _, ch := range []campaign.Channel{campaign.ChannelEmail, campaign.ChannelLinkedIn} {
		engine.RegisterSender(stages.NewProviderSender(ch, outreach, breakers, policy))
	}

	// Queue, handlers, worker pool
	q := queue.NewQueue(queue.NewStore(conn), log, cfg.Queue.MaxPending)

	registry := queue.NewHandlerRegistry()
	registry.Register(stages.NewDiscoverHandler(discovery, breakers, policy, log))
	registry.Register(stages.NewEnrichHandler(enrichment, scoring, breakers, policy, log))
	registry.Register(stages.NewSyncHandler(crm, breakers, policy, log))
	registry.Register(stages.NewOutreachHandler(engine, cfg.Outreach.SendsPerSecond, log))
	registry.Register(stages.NewWorkflowHandler(engine, log))

	workers := cfg.Queue.Workers
	if serveWorkers > 0 {
		workers = serveWorkers
	}
	pool := queue.NewWorkerPool(q, registry, log, workers)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := pool.Start(ctx); err != nil {
		return err
	}

	// Inbound campaign events. This channel is the seam where provider
	// adapters (webhook receivers, polling syncs) deliver engagement
	// signals; the fake providers do not produce into it, so in dev mode
	// the consumer simply idles.
	events := make(chan *campaign.Event, 256)
	go engine.Ingest(ctx, events)

	// Autonomous scheduler
	apStore := autopilot.NewStore(conn)
	apConfig := autopilot.NewConfig(apStore, log)
	scheduler := autopilot.NewScheduler(q, apConfig, apStore, schedulerOptions(cfg), log)
	if err := scheduler.Start(ctx); err != nil {
		return err
	}

	// Periodic cleanup of old terminal jobs
	go runCleanup(ctx, q, time.Duration(cfg.Queue.RetentionDays)*24*time.Hour, log)

	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.Serve(cfg.Metrics.Addr, log); err != nil {
				log.Errorw("Metrics listener failed", "error", err.Error())
			}
		}()
	}

	log.Infow("Cadence daemon started",
		"workers", workers,
		"database", cfg.Database.Path,
		"dev", serveDev,
	)
	fmt.Println("Cadence daemon running. Press Ctrl+C for graceful shutdown.")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Infow("Shutting down")
	scheduler.Stop()
	cancel()
	pool.Stop(time.Duration(cfg.Queue.ShutdownTimeoutS) * time.Second)
	logger.Cleanup()
	return nil
}

// runCleanup removes old terminal jobs once an hour
func runCleanup(ctx context.Context, q *queue.Queue, retention time.Duration, log *zap.SugaredLogger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := q.Cleanup(retention); err != nil {
				log.Errorw("Job cleanup failed", "error", err.Error())
			}
		}
	}
}

func breakerConfig(cfg *config.Config) breaker.Config {
	c := breaker.DefaultConfig()
	c.Window = time.Duration(cfg.Breaker.WindowSeconds) * time.Second
	c.VolumeThreshold = cfg.Breaker.VolumeThreshold
	c.ErrorThresholdPercent = cfg.Breaker.ErrorThresholdPercent
	c.ResetTimeout = time.Duration(cfg.Breaker.ResetTimeoutSeconds) * time.Second
	c.CallTimeout = time.Duration(cfg.Breaker.CallTimeoutSeconds) * time.Second
	c.OnStateChange = func(dependency string, from, to breaker.State) {
		metrics.BreakerTransitions.WithLabelValues(dependency, string(to)).Inc()
		metrics.BreakerState.WithLabelValues(dependency).Set(breakerStateValue(to))
	}
	return c
}

func breakerStateValue(s breaker.State) float64 {
	switch s {
	case breaker.StateOpen:
		return 2
	case breaker.StateHalfOpen:
		return 1
	default:
		return 0
	}
}

func retryPolicy(cfg *config.Config) breaker.Policy {
	return breaker.Policy{
		MaxAttempts:    cfg.Retry.MaxAttempts,
		InitialBackoff: time.Duration(cfg.Retry.InitialBackoffMs) * time.Millisecond,
		MaxBackoff:     time.Duration(cfg.Retry.MaxBackoffMs) * time.Millisecond,
		Multiplier:     cfg.Retry.Multiplier,
		Jitter:         cfg.Retry.Jitter,
	}
}

func schedulerOptions(cfg *config.Config) autopilot.Options {
	opts := autopilot.DefaultOptions()
	opts.TickInterval = time.Duration(cfg.Autopilot.TickIntervalSeconds) * time.Second
	opts.StageTimeout = time.Duration(cfg.Autopilot.StageTimeoutSeconds) * time.Second
	opts.BatchLimit = cfg.Autopilot.BatchLimit
	opts.CampaignID = cfg.Autopilot.CampaignID
	opts.TotalSteps = cfg.Autopilot.TotalSteps
	opts.Channel = campaign.Channel(cfg.Autopilot.Channel)
	opts.ICPProfile = cfg.Autopilot.ICPProfile
	return opts
}
