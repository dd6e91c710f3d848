package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"envsense/config"
	"envsense/internal/logging"
	"envsense/internal/pipeline"
	"envsense/internal/scheduler"
	"envsense/internal/source"
	"envsense/internal/source/jianyanyuan"
	"envsense/internal/source/xiaomi"
	"envsense/internal/storage"
	"envsense/internal/storage/sqlite"
)

const (
	shutdownTimeout   = 30 * time.Second
	defaultConfigPath = "config.json"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Application error: %v", err)
	}
}

func run() error {
	// Parse command-line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	useEnv := flag.Bool("env", false, "Load configuration from environment variables")
	forceUpdate := flag.Bool("force-update", false, "Run an overall update immediately on startup")
	flag.Parse()

	// A .env file is optional; environment already set wins.
	_ = godotenv.Load()

	// Load configuration
	log.Println("Loading configuration...")
	var cfg *config.Config
	var err error

	if *useEnv {
		cfg, err = config.LoadFromEnv()
	} else {
		cfg, err = config.Load(*configPath)
	}
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := logging.NewLogger(logging.LoggerConfig{
		Format: cfg.Logging.Format,
		Level:  logging.ParseLevel(cfg.Logging.Level),
	})
	slog.SetDefault(logger)

	// Initialize database
	logger.Info("Initializing SQLite database", "path", cfg.Database.Path)
	var store storage.Storage
	store, err = sqlite.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer store.Close()

	// Initialize source adapters. A credential failure here is fatal: an
	// adapter without a token cannot do anything.
	ctx := context.Background()

	logger.Info("Connecting to JianYanYuan platform")
	jyy, err := jianyanyuan.New(ctx, jianyanyuan.Config{
		BaseURL:           cfg.JianYanYuan.BaseURL,
		CompanyID:         cfg.JianYanYuan.CompanyID,
		Username:          cfg.JianYanYuan.Username,
		Password:          cfg.JianYanYuan.Password,
		TokenValidity:     time.Duration(cfg.JianYanYuan.TokenValiditySecs) * time.Second,
		RequestsPerSecond: cfg.JianYanYuan.RequestsPerSec,
		ACPowerAttr:       cfg.JianYanYuan.ACPowerAttr,
		Projects:          cfg.JianYanYuan.Projects,
	}, logging.ForSource(logger, jianyanyuan.SourceName))
	if err != nil {
		return fmt.Errorf("failed to connect to JianYanYuan: %w", err)
	}

	adapters := []source.Adapter{jyy}

	if cfg.XiaoMi.Enabled {
		logger.Info("Connecting to XiaoMi platform")
		xm, err := xiaomi.New(ctx, xiaomi.Config{
			BaseURL:           cfg.XiaoMi.BaseURL,
			OAuthBaseURL:      cfg.XiaoMi.OAuthBaseURL,
			AppID:             cfg.XiaoMi.AppID,
			AppSecret:         cfg.XiaoMi.AppSecret,
			RedirectURI:       cfg.XiaoMi.RedirectURI,
			AuthCode:          cfg.XiaoMi.AuthCode,
			TokenValidity:     time.Duration(cfg.XiaoMi.TokenValiditySecs) * time.Second,
			RequestsPerSecond: cfg.XiaoMi.RequestsPerSec,
		}, logging.ForSource(logger, xiaomi.SourceName))
		if err != nil {
			return fmt.Errorf("failed to connect to XiaoMi: %w", err)
		}
		adapters = append(adapters, xm)
	}

	registry := source.NewRegistry()
	for _, adapter := range adapters {
		if err := registry.Register(adapter); err != nil {
			return fmt.Errorf("failed to register adapter: %w", err)
		}
	}
	defer registry.Close()

	recordSink := logging.NewSinkLogger(store, logger)

	// Start the actor layer
	logger.Info("Starting ingestion pipeline", "sources", registry.List())
	updates := pipeline.NewUpdateActor(adapters, recordSink, store, pipeline.FetchActorOptions{
		Workers:        cfg.Pipeline.Workers,
		Bucket:         time.Duration(cfg.Pipeline.BucketMinutes) * time.Minute,
		RealtimeWindow: time.Duration(cfg.Scheduler.RealtimeIntervalSecs) * time.Second,
		Logger:         logger,
	})

	// Start the scheduler clocks
	sched := scheduler.NewScheduler(updates, store, resolveSource,
		time.Duration(cfg.Scheduler.OverallIntervalSecs)*time.Second,
		time.Duration(cfg.Scheduler.RealtimeIntervalSecs)*time.Second,
		logger)
	sched.Start()

	if *forceUpdate {
		sched.ForceOverallUpdate()
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Shutting down", "signal", sig.String())

	sched.Stop()
	updates.Close()

	select {
	case <-updates.Done():
		logger.Info("Pipeline drained")
	case <-time.After(shutdownTimeout):
		logger.Warn("Pipeline drain timed out", "timeout", shutdownTimeout)
	}

	logIngestionStatus(ctx, store, logger)
	return nil
}

// logIngestionStatus reports per-device ingestion freshness for the
// devices currently marked online, so an operator reading the shutdown
// log can tell which streams were keeping up.
func logIngestionStatus(ctx context.Context, store storage.Storage, logger *slog.Logger) {
	names, err := store.ListOnline(ctx)
	if err != nil {
		logger.Error("Failed to list online devices for status report", "error", err)
		return
	}

	for _, name := range names {
		count, err := store.CountSpotRecords(ctx, name)
		if err != nil {
			logger.Error("Failed to count records", "device", name, "error", err)
			continue
		}
		latest, found, err := store.LatestRecordTime(ctx, name)
		if err != nil {
			logger.Error("Failed to query latest record", "device", name, "error", err)
			continue
		}
		if !found {
			logger.Info("Ingestion status", "device", name, "records", count)
			continue
		}
		logger.Info("Ingestion status",
			"device", name, "records", count, "latest", latest, "lag", time.Since(latest))
	}
}

// resolveSource maps a device name to its owning vendor by id shape: the
// two platforms use disjoint identifier formats.
func resolveSource(deviceName string) (string, bool) {
	switch {
	case jianyanyuan.ValidDeviceName(deviceName):
		return jianyanyuan.SourceName, true
	case xiaomi.ValidDeviceName(deviceName):
		return xiaomi.SourceName, true
	default:
		return "", false
	}
}
