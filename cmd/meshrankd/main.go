package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/meshrank/meshrank/internal/archive"
	"github.com/meshrank/meshrank/internal/channels"
	"github.com/meshrank/meshrank/internal/config"
	"github.com/meshrank/meshrank/internal/geoscore"
	"github.com/meshrank/meshrank/internal/httpapi"
	"github.com/meshrank/meshrank/internal/ingest"
	"github.com/meshrank/meshrank/internal/maintenance"
	"github.com/meshrank/meshrank/internal/metrics"
	"github.com/meshrank/meshrank/internal/mqtt"
	"github.com/meshrank/meshrank/internal/registry"
	"github.com/meshrank/meshrank/internal/store"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe()
	case "migrate":
		runMigrate()
	case "backfill":
		runBackfill()
	case "maintenance":
		runMaintenance()
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: meshrankd <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve         Start the ingestion service")
	fmt.Println("  migrate       Run database migrations")
	fmt.Println("  backfill      Replay the ndjson archive through the pipeline")
	fmt.Println("  maintenance   Prune bounded tables (rf_packets cap, rejected_adverts retention)")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --config <path>   Path to configuration YAML file")
	fmt.Println("  --log-level <lvl> Override log level (debug, info, warn, error)")
	fmt.Println("  --archive <path>  Archive to replay (backfill only; defaults to archive.path)")
}

func parseFlags(args []string) (configPath, logLevel, archivePath string) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		case "--log-level":
			if i+1 < len(args) {
				logLevel = args[i+1]
				i++
			}
		case "--archive":
			if i+1 < len(args) {
				archivePath = args[i+1]
				i++
			}
		}
	}
	return
}

func loadConfig(args []string) (*config.Config, *zap.Logger, string) {
	configPath, logLevelOverride, archivePath := parseFlags(args)

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if logLevelOverride != "" {
		cfg.Service.LogLevel = logLevelOverride
	}

	logger := initLogger(cfg.Service.LogLevel)
	return cfg, logger, archivePath
}

func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zap.DebugLevel
	case "warn":
		zapLevel = zap.WarnLevel
	case "error":
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) *store.Store {
	db, err := store.Open(ctx, cfg.DB.Path)
	if err != nil {
		logger.Fatal("failed to open datastore", zap.Error(err))
	}
	if err := store.Migrate(ctx, db, logger.Named("migrate")); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}
	st, err := store.New(ctx, db, store.Options{
		Path:              cfg.DB.Path,
		StoreRawFrames:    cfg.Ingest.StoreRawFrames,
		CompressRawFrames: cfg.Ingest.CompressRawFrames,
	}, logger.Named("store"))
	if err != nil {
		logger.Fatal("failed to prepare datastore", zap.Error(err))
	}
	return st
}

func runServe() {
	cfg, logger, _ := loadConfig(os.Args[2:])
	defer logger.Sync()

	metrics.Register()

	logger.Info("starting meshrankd",
		zap.String("instance_id", cfg.Service.InstanceID),
		zap.String("http_listen", cfg.Service.HTTPListen),
		zap.String("db_path", cfg.DB.Path),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := openStore(ctx, cfg, logger)
	defer st.Close()

	keys := channels.NewStore(cfg.Channels.Path, logger.Named("channels"))
	if cfg.Channels.Path != "" {
		if err := keys.Load(); err != nil {
			logger.Warn("channel keys load failed, starting without keys", zap.Error(err))
		}
	}

	arch, err := archive.OpenAppender(cfg.Archive.Path)
	if err != nil {
		logger.Fatal("failed to open archive", zap.Error(err))
	}
	defer arch.Close()

	reg := registry.New(st, logger.Named("registry"))
	pipeline := ingest.NewPipeline(st, reg, arch, keys, ingest.Options{
		RetryAttempts: cfg.Ingest.WriteRetryAttempts,
		RFPacketCap:   cfg.Ingest.RFPacketCap,
		RFPruneEvery:  cfg.Ingest.RFPruneEvery,
	}, logger.Named("ingest"))

	reports := make(chan ingest.Inbound, cfg.Ingest.ChannelBufferSize)

	consumer := mqtt.NewConsumer(
		cfg.MQTT.URL, cfg.MQTT.Topic, cfg.MQTT.Username, cfg.MQTT.Password,
		cfg.MQTT.ClientID+"-"+cfg.Service.InstanceID,
		time.Duration(cfg.MQTT.ReconnectIntervalSeconds)*time.Second,
		reports, logger.Named("mqtt"),
	)
	defer consumer.Close()

	engine := geoscore.NewEngine(
		geoscore.Weights{
			Obs:  cfg.GeoScore.ObsWeight,
			Rel:  cfg.GeoScore.RelWeight,
			Dist: cfg.GeoScore.DistWeight,
			Edge: cfg.GeoScore.EdgeWeight,
		},
		geoscore.Thresholds{
			RouteConf:      cfg.GeoScore.RouteConfThreshold,
			HopConf:        cfg.GeoScore.HopConfThreshold,
			CandidateLimit: cfg.GeoScore.CandidateLimit,
		},
	)
	scorer := geoscore.NewScorer(st, engine, geoscore.ScorerOptions{
		Interval:       time.Duration(cfg.GeoScore.IntervalSeconds) * time.Second,
		Window:         time.Duration(cfg.GeoScore.WindowMinutes) * time.Minute,
		CandidateLimit: cfg.GeoScore.CandidateLimit,
	}, logger.Named("geoscore"))

	// The pipeline drains its channel on shutdown; everything else stops on
	// context cancel.
	var pipelineWG, bgWG sync.WaitGroup
	pipelineWG.Add(1)
	go func() { defer pipelineWG.Done(); pipeline.Run(ctx, reports) }()

	bgWG.Add(2)
	go func() { defer bgWG.Done(); scorer.Run(ctx) }()
	go func() {
		defer bgWG.Done()
		runPeriodicMaintenance(ctx, st, cfg, logger.Named("maintenance"))
	}()
	if cfg.Channels.Path != "" {
		bgWG.Add(1)
		go func() {
			defer bgWG.Done()
			keys.Watch(ctx, time.Duration(cfg.Channels.ReloadIntervalSeconds)*time.Second)
		}()
	}

	if err := consumer.Start(); err != nil {
		logger.Fatal("failed to start mqtt consumer", zap.Error(err))
	}
	logger.Info("ingest pipeline started", zap.String("topic", cfg.MQTT.Topic))

	httpServer := httpapi.NewServer(cfg.Service.HTTPListen, st, consumer, logger.Named("http"))
	go func() {
		if err := httpServer.Start(); err != nil {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownTimeout := time.Duration(cfg.Service.ShutdownTimeoutSeconds) * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop new work first: http traffic, then the broker feed.
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", zap.Error(err))
	}
	consumer.Close()
	close(reports)

	// Drain in-flight reports for the grace window.
	done := make(chan struct{})
	go func() {
		pipelineWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("pipeline drained")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout reached, forcing exit")
	}
	cancel()
	bgWG.Wait()

	logger.Info("meshrankd stopped")
}

// runPeriodicMaintenance applies the bounded-table prunes hourly while the
// service runs. The standalone maintenance subcommand covers stopped or
// cron-driven deployments.
func runPeriodicMaintenance(ctx context.Context, st *store.Store, cfg *config.Config, logger *zap.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := maintenance.Run(ctx, st, maintenance.Options{
				RFPacketCap:  cfg.Ingest.RFPacketCap,
				RejectedDays: cfg.Retention.RejectedDays,
			}, logger); err != nil {
				logger.Warn("periodic maintenance failed", zap.Error(err))
			}
		}
	}
}

func runMigrate() {
	cfg, logger, _ := loadConfig(os.Args[2:])
	defer logger.Sync()

	logger.Info("running migrations", zap.String("db_path", cfg.DB.Path))

	ctx := context.Background()
	db, err := store.Open(ctx, cfg.DB.Path)
	if err != nil {
		logger.Fatal("failed to open datastore", zap.Error(err))
	}
	defer db.Close()

	if err := store.Migrate(ctx, db, logger); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}
	logger.Info("migrations complete")
}

func runBackfill() {
	cfg, logger, archivePath := loadConfig(os.Args[2:])
	defer logger.Sync()

	metrics.Register()

	if archivePath == "" {
		archivePath = cfg.Archive.Path
	}
	logger.Info("replaying archive", zap.String("path", archivePath))

	ctx := context.Background()
	st := openStore(ctx, cfg, logger)
	defer st.Close()

	keys := channels.NewStore(cfg.Channels.Path, logger.Named("channels"))
	if cfg.Channels.Path != "" {
		if err := keys.Load(); err != nil {
			logger.Warn("channel keys load failed, replaying without keys", zap.Error(err))
		}
	}

	reg := registry.New(st, logger.Named("registry"))
	// No appender: backfill must not re-archive what it reads.
	pipeline := ingest.NewPipeline(st, reg, nil, keys, ingest.Options{
		RetryAttempts: cfg.Ingest.WriteRetryAttempts,
		RFPacketCap:   cfg.Ingest.RFPacketCap,
		RFPruneEvery:  cfg.Ingest.RFPruneEvery,
	}, logger.Named("backfill"))

	now := time.Now()
	replayed, skipped, err := archive.Replay(archivePath, func(line []byte) error {
		if err := pipeline.ProcessArchived(ctx, line, now); err != nil {
			logger.Warn("archived report skipped", zap.Error(err))
		}
		return nil
	})
	if err != nil {
		logger.Fatal("archive replay failed", zap.Error(err))
	}
	logger.Info("backfill complete",
		zap.Int("replayed", replayed), zap.Int("skipped", skipped))
}

func runMaintenance() {
	cfg, logger, _ := loadConfig(os.Args[2:])
	defer logger.Sync()

	logger.Info("running maintenance",
		zap.Int("rf_packet_cap", cfg.Ingest.RFPacketCap),
		zap.Int("rejected_days", cfg.Retention.RejectedDays),
	)

	ctx := context.Background()
	st := openStore(ctx, cfg, logger)
	defer st.Close()

	if err := maintenance.Run(ctx, st, maintenance.Options{
		RFPacketCap:  cfg.Ingest.RFPacketCap,
		RejectedDays: cfg.Retention.RejectedDays,
	}, logger); err != nil {
		logger.Fatal("maintenance failed", zap.Error(err))
	}
	logger.Info("maintenance complete")
}
