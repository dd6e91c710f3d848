package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"

	"envsense/config"
	"envsense/internal/core"
	"envsense/internal/logging"
	"envsense/internal/source"
	"envsense/internal/source/jianyanyuan"
	"envsense/internal/source/xiaomi"
)

// source-test exercises one vendor adapter against the live platform:
// list its devices, or pull a few hours of records for one device and
// print them. Meant for verifying credentials and connectivity before
// running the daemon.
func main() {
	configPath := flag.String("config", "config.json", "Path to configuration file")
	sourceName := flag.String("source", jianyanyuan.SourceName, "Source to test: jianyanyuan or xiaomi")
	deviceName := flag.String("device", "", "Device to fetch records for (omit to list devices)")
	hours := flag.Int("hours", 24, "How many hours of history to fetch")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := logging.NewLogger(logging.LoggerConfig{
		Format: "text",
		Level:  slog.LevelDebug,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	adapter, err := buildAdapter(ctx, *sourceName, cfg, logger)
	if err != nil {
		log.Fatalf("Failed to build %s adapter: %v", *sourceName, err)
	}
	defer adapter.Close()

	if *deviceName == "" {
		listDevices(ctx, adapter)
		return
	}
	fetchRecords(ctx, adapter, *deviceName, *hours)
}

func buildAdapter(ctx context.Context, name string, cfg *config.Config, logger *slog.Logger) (source.Adapter, error) {
	switch name {
	case jianyanyuan.SourceName:
		return jianyanyuan.New(ctx, jianyanyuan.Config{
			BaseURL:           cfg.JianYanYuan.BaseURL,
			CompanyID:         cfg.JianYanYuan.CompanyID,
			Username:          cfg.JianYanYuan.Username,
			Password:          cfg.JianYanYuan.Password,
			TokenValidity:     time.Duration(cfg.JianYanYuan.TokenValiditySecs) * time.Second,
			RequestsPerSecond: cfg.JianYanYuan.RequestsPerSec,
			ACPowerAttr:       cfg.JianYanYuan.ACPowerAttr,
			Projects:          cfg.JianYanYuan.Projects,
		}, logger)
	case xiaomi.SourceName:
		return xiaomi.New(ctx, xiaomi.Config{
			BaseURL:           cfg.XiaoMi.BaseURL,
			OAuthBaseURL:      cfg.XiaoMi.OAuthBaseURL,
			AppID:             cfg.XiaoMi.AppID,
			AppSecret:         cfg.XiaoMi.AppSecret,
			RedirectURI:       cfg.XiaoMi.RedirectURI,
			AuthCode:          cfg.XiaoMi.AuthCode,
			TokenValidity:     time.Duration(cfg.XiaoMi.TokenValiditySecs) * time.Second,
			RequestsPerSecond: cfg.XiaoMi.RequestsPerSec,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown source %q", name)
	}
}

func listDevices(ctx context.Context, adapter source.Adapter) {
	devices, err := adapter.ListDevices(ctx)
	if err != nil {
		log.Fatalf("Failed to list devices: %v", err)
	}

	fmt.Printf("%d devices on %s:\n", len(devices), adapter.Name())
	for _, d := range devices {
		fmt.Printf("  %s  type=%s  online=%s  created=%s\n",
			d.Name, d.DeviceType, d.Online, d.CreateTime.Format(time.RFC3339))
	}

	spots, err := adapter.ListSpots(ctx)
	if err != nil {
		log.Fatalf("Failed to list spots: %v", err)
	}
	for _, s := range spots {
		fmt.Printf("  spot: %s\n", s.ProjectName)
	}
}

func fetchRecords(ctx context.Context, adapter source.Adapter, deviceName string, hours int) {
	now := time.Now()
	r := core.TimeRange{Start: now.Add(-time.Duration(hours) * time.Hour), End: now}

	thunks, err := adapter.FetchRecords(ctx, deviceName, r)
	if err != nil {
		log.Fatalf("Failed to plan fetch: %v", err)
	}
	fmt.Printf("%d query windows for %s\n", len(thunks), deviceName)

	total := 0
	for _, thunk := range thunks {
		records, err := thunk(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "window failed: %v\n", err)
			continue
		}
		for _, rec := range records {
			fmt.Printf("  %s", rec.Time.Format(time.RFC3339))
			printField("temp", rec.Temperature)
			printField("hum", rec.Humidity)
			printField("pm25", rec.PM25)
			printField("co2", rec.CO2)
			printField("ac", rec.ACPower)
			if rec.WindowOpened != nil {
				fmt.Printf("  window=%t", *rec.WindowOpened)
			}
			fmt.Println()
		}
		total += len(records)
	}
	fmt.Printf("%d records total\n", total)
}

func printField(name string, v *float64) {
	if v != nil {
		fmt.Printf("  %s=%.2f", name, *v)
	}
}
