package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/me/gowas/internal/awsutil"
	"github.com/me/gowas/internal/batch"
	"github.com/me/gowas/internal/chromosome"
	"github.com/me/gowas/internal/config"
	"github.com/me/gowas/internal/intake"
	"github.com/me/gowas/internal/logging"
	"github.com/me/gowas/internal/manifest"
	"github.com/me/gowas/internal/observability"
	"github.com/me/gowas/internal/pathmap"
	"github.com/me/gowas/internal/planner"
	"github.com/me/gowas/internal/scheduler"
	"github.com/me/gowas/internal/server"
	"github.com/me/gowas/internal/storage"
	"github.com/me/gowas/internal/store"
	"github.com/me/gowas/internal/tracker"
	"github.com/me/gowas/internal/workflow"
)

func main() {
	configFile := flag.String("config", "", "Path to config file (default ./gowas.yaml or ~/.gowas/gowas.yaml)")
	addr := flag.String("addr", "", "Listen address (overrides server.addr)")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "Log format (text, json)")
	dbPath := flag.String("db", "", "SQLite database path (default ~/.gowas/gowas.db)")
	debug := flag.Bool("debug", false, "Shorthand for --log-level=debug")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *logLevel != "" {
		cfg.Server.LogLevel = *logLevel
	}
	if *logFormat != "" {
		cfg.Server.LogFormat = *logFormat
	}
	if *dbPath != "" {
		cfg.Store.DBPath = *dbPath
	}
	if *debug {
		cfg.Server.LogLevel = "debug"
	}

	logger := logging.NewLogger(logging.ParseLevel(cfg.Server.LogLevel), cfg.Server.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing.Enabled {
		shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing, "gowas-server", server.Version)
		if err != nil {
			fmt.Fprintf(os.Stderr, "init tracing: %v\n", err)
			os.Exit(1)
		}
		defer shutdownTracing(context.Background())
	}

	var clients *awsutil.Clients
	if cfg.NeedsAWS() {
		awsCfg, err := awsutil.LoadConfig(ctx, cfg.AWS)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		clients = awsutil.NewClients(awsCfg, cfg.AWS)
		logger.Info("aws clients ready", "region", awsCfg.Region, "endpoint", cfg.AWS.Endpoint)
	}

	st, err := openStore(cfg, clients, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "migrate store: %v\n", err)
		os.Exit(1)
	}

	var objects storage.ObjectStore
	if cfg.Storage.Backend == "memory" {
		objects = storage.NewMemoryStore()
	} else {
		objects = storage.NewS3Store(clients.S3, logger)
	}

	paths := pathmap.New(cfg.Compute.InputMount, cfg.Compute.OutputMount, cfg.Storage.DataPrefix)
	initializer := workflow.NewInitializer(st, objects, cfg.Storage.ResultsBucket, logger)
	pl := planner.New(st, chromosome.NewResolver(objects, cfg.Storage.ReadTimeout, logger), paths, logger)
	tr := tracker.New(st, logger)

	var sub batch.Submitter
	if cfg.Compute.Submitter == "queue" {
		sub = batch.NewQueueSubmitter(clients.SQS, cfg.Queue.SubmitURL, logger)
	} else {
		local := batch.NewLocalSubmitter(cfg.Compute.WorkDir, logger)
		defer local.Wait()
		sub = local
	}

	schedCfg := scheduler.DefaultConfig()
	schedCfg.PollInterval = cfg.Scheduler.PollInterval
	schedCfg.JobQueue = cfg.Compute.JobQueue
	schedCfg.JobDefinition = cfg.Compute.JobDefinition
	sched := scheduler.NewLoop(st, sub, tr, schedCfg, logger)

	validator, err := manifest.NewValidator(objects, cfg.Storage.DataPrefix)
	if err != nil {
		fmt.Fprintf(os.Stderr, "manifest validator: %v\n", err)
		os.Exit(1)
	}
	processor := intake.NewProcessor(objects, validator, intake.NewLocalStarter(initializer, pl, logger), logger)
	events := intake.NewEventHandler(tr, logger)

	pollers := []struct {
		url     string
		handler intake.Handler
	}{
		{cfg.Queue.ManifestURL, processor},
		{cfg.Queue.JobEventsURL, events},
	}
	for _, q := range pollers {
		if q.url == "" {
			continue
		}
		p := intake.NewPoller(clients.SQS, q.handler, intake.PollerConfig{
			QueueURL:    q.url,
			WaitSeconds: cfg.Queue.WaitSeconds,
			MaxMessages: cfg.Queue.MaxMessages,
		}, logger)
		go p.Run(ctx)
	}

	srv := server.New(cfg.Server, server.Deps{
		Store:       st,
		Initializer: initializer,
		Planner:     pl,
		Tracker:     tr,
		Events:      events,
		Intake:      processor,
		Scheduler:   sched,
		StoreDriver: cfg.Store.Driver,
	}, logger)

	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: srv.Handler(),
	}

	// Start scheduler in background.
	srv.StartScheduler(ctx)

	go func() {
		logger.Info("server starting", "addr", cfg.Server.Addr, "store", cfg.Store.Driver, "submitter", cfg.Compute.Submitter)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	// Stop scheduler before HTTP server.
	if err := sched.Stop(); err != nil {
		logger.Error("scheduler stop error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "shutdown error: %v\n", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

// openStore builds the configured store backend.
func openStore(cfg config.Config, clients *awsutil.Clients, logger *slog.Logger) (store.Store, error) {
	if cfg.Store.Driver == "dynamodb" {
		logger.Info("using dynamodb store", "workflow_table", cfg.Store.WorkflowTable, "job_table", cfg.Store.JobTable)
		return store.NewDynamoStore(clients.DynamoDB, cfg.Store.WorkflowTable, cfg.Store.JobTable, logger), nil
	}

	dbPath := cfg.Store.DBPath
	if dbPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir := filepath.Join(home, ".gowas")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("cannot create %s: %w", dir, err)
		}
		dbPath = filepath.Join(dir, "gowas.db")
	}
	logger.Info("using sqlite store", "path", dbPath)
	return store.NewSQLiteStore(dbPath, logger)
}
