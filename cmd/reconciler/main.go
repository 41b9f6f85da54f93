package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"exec_reconciler/internal/alert"
	"exec_reconciler/internal/auth"
	"exec_reconciler/internal/config"
	"exec_reconciler/internal/core"
	grpchealth "exec_reconciler/internal/infrastructure/grpc/server"
	"exec_reconciler/internal/infrastructure/health"
	opsserver "exec_reconciler/internal/infrastructure/server"
	"exec_reconciler/internal/ledger"
	"exec_reconciler/internal/recon"
	binancevenue "exec_reconciler/internal/venue/binance"
	mockvenue "exec_reconciler/internal/venue/mock"
	"exec_reconciler/pkg/feed"
	"exec_reconciler/pkg/logging"
	"exec_reconciler/pkg/telemetry"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

var (
	// Version information (set via build flags)
	version   = "dev"
	buildTime = "unknown"
)

// reconStore is the persistence surface the reconcilers share: ledger
// snapshots plus the discrepancy journal, backed by one driver.
type reconStore interface {
	core.ILedgerStore
	core.IDiscrepancyJournal
}

func main() {
	configPath := flag.String("config", "configs/reconciler.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("reconciler version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	if envConfig := os.Getenv("CONFIG_FILE"); envConfig != "" {
		*configPath = envConfig
	}

	// Load configuration, falling back to defaults (mock venue, in-memory
	// store) so the binary runs out of the box.
	cfg := config.DefaultConfig()
	if _, err := os.Stat(*configPath); err == nil {
		loaded, err := config.LoadConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	logger.Info("Starting reconciler",
		"version", version,
		"accounts", len(cfg.Accounts),
		"interval", cfg.Reconciliation.Interval(),
		"authority", cfg.Reconciliation.Authority,
	)

	// Initialize metrics
	if cfg.Telemetry.EnableMetrics {
		if err := telemetry.InitMetrics(); err != nil {
			logger.Warn("Failed to initialize metrics exporter", "error", err)
		} else {
			logger.Info("Metrics exporter initialized")
		}
	}

	// Persistence: snapshots and the discrepancy journal share one store.
	store, err := openStore(cfg.Storage)
	if err != nil {
		logger.Fatal("Failed to open store", "driver", cfg.Storage.Driver, "error", err)
	}
	defer store.Close()

	// Operator alert channels
	alerts := alert.NewAlertManager(logger)
	if url := string(cfg.Alerts.SlackWebhookURL); url != "" {
		alerts.AddChannel(alert.NewSlackChannel(url))
	}
	if token := string(cfg.Alerts.TelegramBotToken); token != "" && cfg.Alerts.TelegramChatID != "" {
		alerts.AddChannel(alert.NewTelegramChannel(token, cfg.Alerts.TelegramChatID))
	}

	// Lifecycle: signal-cancelled root context, components under one
	// errgroup so any fatal component failure shuts the rest down.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	// Live feed: hub plus WebSocket server, subscribers get a journal-backed
	// snapshot on connect.
	var publisher core.IEventPublisher
	if cfg.Feed.Enabled {
		hub := feed.NewHub(logger)
		go hub.Run(gctx)

		feedServer := feed.NewServer(hub, logger, feed.Options{
			AllowedOrigins: cfg.Feed.AllowedOrigins,
			MaxConnections: cfg.Feed.MaxConnections,
			RateLimit:      cfg.Feed.RateLimit,
			RateBurst:      cfg.Feed.RateBurst,
			Production:     cfg.App.Environment == "prod",
		})
		depth := cfg.Feed.SnapshotDepth
		feedServer.SetSnapshotSource(func() (feed.Message, bool) {
			snapCtx, snapCancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer snapCancel()
			recent, err := store.Recent(snapCtx, depth)
			if err != nil {
				logger.Warn("Snapshot source failed", "error", err)
				return feed.Message{}, false
			}
			return feed.NewSnapshotMessage(recent), true
		})
		publisher = &feedPublisher{server: feedServer}

		g.Go(func() error {
			logger.Info("Starting live feed", "addr", cfg.Feed.ListenAddr)
			return feedServer.Start(gctx, cfg.Feed.ListenAddr)
		})
	}

	healthManager := health.NewHealthManager(logger)

	// One reconciler per account, each with its own venue adapter, ledger
	// and circuit breaker.
	supervisor := recon.NewSupervisor(logger, recon.SupervisorConfig{
		Interval:      cfg.Reconciliation.Interval(),
		CycleTimeout:  cfg.Reconciliation.CycleTimeout(),
		MaxWorkers:    cfg.Concurrency.MaxWorkers,
		MaxCapacity:   cfg.Concurrency.MaxCapacity,
		EnableStreams: cfg.Reconciliation.EnableStreams,
	})

	policy, err := core.ParseAuthorityPolicy(cfg.Reconciliation.Authority)
	if err != nil {
		logger.Fatal("Invalid authority policy", "error", err)
	}

	for _, account := range cfg.Accounts {
		accountID := core.AccountID(account.AccountID)

		venueCfg, err := cfg.GetVenueConfig(account.Venue)
		if err != nil {
			logger.Fatal("Unknown venue for account", "account_id", accountID, "error", err)
		}

		adapter, err := buildVenueAdapter(account.Venue, venueCfg, logger)
		if err != nil {
			logger.Fatal("Failed to initialize venue adapter",
				"account_id", accountID, "venue", account.Venue, "error", err)
		}

		led := ledger.New(accountID, logger)
		if snap, err := store.LoadSnapshot(ctx, accountID); err != nil {
			logger.Warn("Snapshot load failed, starting empty", "account_id", accountID, "error", err)
		} else if snap != nil {
			if err := led.Restore(*snap); err != nil {
				logger.Warn("Snapshot restore failed, starting empty", "account_id", accountID, "error", err)
			} else {
				logger.Info("Ledger restored from snapshot",
					"account_id", accountID, "orders", len(snap.Orders), "positions", len(snap.Positions))
			}
		}

		rec := recon.NewReconciler(adapter, led, logger, recon.Config{
			Interval:       cfg.Reconciliation.Interval(),
			CycleTimeout:   cfg.Reconciliation.CycleTimeout(),
			Policy:         policy,
			AutoCorrectPct: decimal.NewFromFloat(cfg.Reconciliation.AutoCorrectPct),
			PruneAfter:     cfg.Reconciliation.PruneAfter(),
			StalenessGrace: cfg.Reconciliation.StalenessGrace(),
		})
		rec.SetJournal(store)
		rec.SetStore(store)
		rec.SetAlertManager(alerts)
		rec.SetCircuitBreaker(recon.NewCircuitBreaker(accountID.String(), recon.CircuitConfig{
			MaxConsecutiveFailures: cfg.Reconciliation.MaxConsecutiveFailures,
			CooldownPeriod:         cfg.Reconciliation.BreakerCooldown(),
		}))
		if publisher != nil {
			rec.SetPublisher(publisher)
		}

		if err := supervisor.Add(rec); err != nil {
			logger.Fatal("Failed to register reconciler", "account_id", accountID, "error", err)
		}

		healthManager.Register("venue:"+account.AccountID, adapter.CheckHealth)
	}

	healthManager.Register("storage", func(ctx context.Context) error {
		_, err := store.Recent(ctx, 1)
		return err
	})

	// Operational HTTP API (health, status, discrepancy history, manual
	// trigger, metrics scrape)
	ops := opsserver.NewOpsServer(cfg.System.OpsAddr, logger, healthManager, supervisor, store)
	if keys := cfg.System.OpsAPIKeyStrings(); len(keys) > 0 {
		ops.SetAuth(auth.NewAPIKeyValidator(keys, 0, logger))
	}
	ops.Start()

	// gRPC health endpoint for orchestrator probes
	grpcSrv := grpchealth.NewHealthServer(cfg.System.GRPCAddr, logger, healthManager)
	g.Go(func() error {
		return grpcSrv.Serve(gctx)
	})

	if err := supervisor.Start(gctx); err != nil {
		logger.Fatal("Failed to start supervisor", "error", err)
	}
	g.Go(func() error {
		<-gctx.Done()
		return supervisor.Stop()
	})

	logger.Info("Reconciler is running",
		"ops_url", fmt.Sprintf("http://localhost%s/healthz", cfg.System.OpsAddr),
		"feed_enabled", cfg.Feed.Enabled,
		"streams_enabled", cfg.Reconciliation.EnableStreams,
	)

	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Error("Stopped with error", "error", err)
	}

	// Ops API stays up until the rest is down so probes see the drain.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := ops.Stop(shutdownCtx); err != nil {
		logger.Error("Ops server shutdown error", "error", err)
	}

	logger.Info("Reconciler stopped")
}

// openStore builds the configured persistence driver. Both drivers serve
// snapshots and the journal.
func openStore(cfg config.StorageConfig) (reconStore, error) {
	switch cfg.Driver {
	case "sqlite":
		return ledger.NewSQLiteStore(cfg.Path)
	case "memory", "":
		return ledger.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// buildVenueAdapter constructs the adapter an account's venue is configured
// with. Mock venues start empty; state is scripted through the ops of
// internal/venue/mock in development runs.
func buildVenueAdapter(venueName string, cfg config.VenueConfig, logger core.ILogger) (core.IVenueAdapter, error) {
	switch cfg.Adapter {
	case "binance":
		return binancevenue.New(binancevenue.Config{
			APIKey:     string(cfg.APIKey),
			SecretKey:  string(cfg.SecretKey),
			UseTestnet: cfg.UseTestnet,
			RateLimit:  cfg.RateLimit,
			RateBurst:  cfg.RateBurst,
		}, logger)
	case "mock":
		return mockvenue.NewMockVenue(core.Venue(strings.ToUpper(venueName))), nil
	default:
		return nil, fmt.Errorf("unknown venue adapter %q", cfg.Adapter)
	}
}

// feedPublisher bridges reconciliation events onto the live feed.
type feedPublisher struct {
	server *feed.Server
}

func (p *feedPublisher) PublishDiscrepancy(d core.Discrepancy) {
	p.server.BroadcastMessage(feed.TypeDiscrepancy, d)
}

func (p *feedPublisher) PublishCycleStatus(status core.ReconciliationStatus) {
	p.server.BroadcastMessage(feed.TypeCycleStatus, status)
}
