package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

var (
	ErrConfigFileNotFound = errors.New("config file not found")
	ErrInvalidConfig      = errors.New("invalid configuration")
)

// Config represents the application configuration
type Config struct {
	Database    DatabaseConfig    `json:"database"`
	Logging     LoggingConfig     `json:"logging"`
	Scheduler   SchedulerConfig   `json:"scheduler"`
	Pipeline    PipelineConfig    `json:"pipeline"`
	JianYanYuan JianYanYuanConfig `json:"jianyanyuan"`
	XiaoMi      XiaoMiConfig      `json:"xiaomi"`
}

// DatabaseConfig contains database settings
type DatabaseConfig struct {
	Path string `json:"path"`
}

// LoggingConfig contains log output settings
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// SchedulerConfig contains the two clock intervals, in seconds
type SchedulerConfig struct {
	OverallIntervalSecs  int `json:"overall_interval_secs"`
	RealtimeIntervalSecs int `json:"realtime_interval_secs"`
}

// PipelineConfig contains fetch-actor tuning
type PipelineConfig struct {
	Workers       int `json:"workers"`
	BucketMinutes int `json:"bucket_minutes"`
}

// JianYanYuanConfig contains JianYanYuan platform credentials
type JianYanYuanConfig struct {
	BaseURL           string   `json:"base_url"`
	CompanyID         string   `json:"company_id"`
	Username          string   `json:"username"`
	Password          string   `json:"password"`
	TokenValiditySecs int      `json:"token_validity_secs"`
	RequestsPerSec    int      `json:"requests_per_sec"`
	ACPowerAttr       int      `json:"ac_power_attr"`
	Projects          []string `json:"projects"`
}

// XiaoMiConfig contains XiaoMi open-platform credentials
type XiaoMiConfig struct {
	BaseURL           string `json:"base_url"`
	OAuthBaseURL      string `json:"oauth_base_url"`
	AppID             string `json:"app_id"`
	AppSecret         string `json:"app_secret"`
	RedirectURI       string `json:"redirect_uri"`
	AuthCode          string `json:"auth_code"`
	TokenValiditySecs int    `json:"token_validity_secs"`
	RequestsPerSec    int    `json:"requests_per_sec"`
	Enabled           bool   `json:"enabled"`
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("%w: database path is required", ErrInvalidConfig)
	}

	if c.JianYanYuan.CompanyID == "" || c.JianYanYuan.Username == "" || c.JianYanYuan.Password == "" {
		return fmt.Errorf("%w: JianYanYuan credentials are required", ErrInvalidConfig)
	}
	if c.JianYanYuan.BaseURL == "" {
		c.JianYanYuan.BaseURL = "https://api.jianyanyuankeji.com" // default
	}

	if c.XiaoMi.Enabled {
		if c.XiaoMi.AppID == "" || c.XiaoMi.AppSecret == "" || c.XiaoMi.AuthCode == "" {
			return fmt.Errorf("%w: XiaoMi credentials are required when the source is enabled", ErrInvalidConfig)
		}
		if c.XiaoMi.BaseURL == "" {
			c.XiaoMi.BaseURL = "https://open.aqara.cn"
		}
		if c.XiaoMi.OAuthBaseURL == "" {
			c.XiaoMi.OAuthBaseURL = "https://aiot-oauth2.aqara.cn"
		}
	}

	if c.Pipeline.BucketMinutes < 0 || c.Pipeline.BucketMinutes > 60 {
		return fmt.Errorf("%w: bucket minutes must be between 0 and 60", ErrInvalidConfig)
	}
	if c.Pipeline.BucketMinutes > 0 && 60%c.Pipeline.BucketMinutes != 0 {
		return fmt.Errorf("%w: bucket minutes must divide 60 evenly", ErrInvalidConfig)
	}

	return nil
}

// Load loads configuration from a JSON file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrConfigFileNotFound
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// LoadFromEnv loads configuration from environment variables
// This is useful for containerized deployments
func LoadFromEnv() (*Config, error) {
	config := &Config{
		Database: DatabaseConfig{
			Path: getEnv("ENVSENSE_DB_PATH", "./envsense.db"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("ENVSENSE_LOG_LEVEL", "info"),
			Format: getEnv("ENVSENSE_LOG_FORMAT", "json"),
		},
		Scheduler: SchedulerConfig{
			OverallIntervalSecs:  getEnvInt("ENVSENSE_OVERALL_INTERVAL_SECS", 86400),
			RealtimeIntervalSecs: getEnvInt("ENVSENSE_REALTIME_INTERVAL_SECS", 300),
		},
		Pipeline: PipelineConfig{
			Workers:       getEnvInt("ENVSENSE_WORKERS", 5),
			BucketMinutes: getEnvInt("ENVSENSE_BUCKET_MINUTES", 5),
		},
		JianYanYuan: JianYanYuanConfig{
			BaseURL:           getEnv("ENVSENSE_JYY_BASE_URL", "https://api.jianyanyuankeji.com"),
			CompanyID:         getEnv("ENVSENSE_JYY_COMPANY_ID", ""),
			Username:          getEnv("ENVSENSE_JYY_USERNAME", ""),
			Password:          getEnv("ENVSENSE_JYY_PASSWORD", ""),
			TokenValiditySecs: getEnvInt("ENVSENSE_JYY_TOKEN_VALIDITY_SECS", 7200),
			RequestsPerSec:    getEnvInt("ENVSENSE_JYY_REQUESTS_PER_SEC", 5),
			ACPowerAttr:       getEnvInt("ENVSENSE_JYY_AC_POWER_ATTR", 155),
		},
		XiaoMi: XiaoMiConfig{
			BaseURL:           getEnv("ENVSENSE_XIAOMI_BASE_URL", "https://open.aqara.cn"),
			OAuthBaseURL:      getEnv("ENVSENSE_XIAOMI_OAUTH_BASE_URL", "https://aiot-oauth2.aqara.cn"),
			AppID:             getEnv("ENVSENSE_XIAOMI_APP_ID", ""),
			AppSecret:         getEnv("ENVSENSE_XIAOMI_APP_SECRET", ""),
			RedirectURI:       getEnv("ENVSENSE_XIAOMI_REDIRECT_URI", ""),
			AuthCode:          getEnv("ENVSENSE_XIAOMI_AUTH_CODE", ""),
			TokenValiditySecs: getEnvInt("ENVSENSE_XIAOMI_TOKEN_VALIDITY_SECS", 28800),
			RequestsPerSec:    getEnvInt("ENVSENSE_XIAOMI_REQUESTS_PER_SEC", 5),
			Enabled:           getEnvBool("ENVSENSE_XIAOMI_ENABLED", false),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intVal int
		fmt.Sscanf(value, "%d", &intVal)
		return intVal
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}
