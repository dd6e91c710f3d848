package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Database: DatabaseConfig{Path: "./test.db"},
		JianYanYuan: JianYanYuanConfig{
			CompanyID: "HxxxxxxSL",
			Username:  "ops",
			Password:  "secret",
		},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid minimal config",
			mutate: func(c *Config) {},
		},
		{
			name:    "missing database path",
			mutate:  func(c *Config) { c.Database.Path = "" },
			wantErr: "database path",
		},
		{
			name:    "missing jianyanyuan credentials",
			mutate:  func(c *Config) { c.JianYanYuan.Password = "" },
			wantErr: "JianYanYuan credentials",
		},
		{
			name: "xiaomi enabled without credentials",
			mutate: func(c *Config) {
				c.XiaoMi.Enabled = true
			},
			wantErr: "XiaoMi credentials",
		},
		{
			name: "xiaomi disabled needs no credentials",
			mutate: func(c *Config) {
				c.XiaoMi.Enabled = false
			},
		},
		{
			name:    "bucket minutes out of range",
			mutate:  func(c *Config) { c.Pipeline.BucketMinutes = 61 },
			wantErr: "between 0 and 60",
		},
		{
			name:    "bucket minutes not dividing the hour",
			mutate:  func(c *Config) { c.Pipeline.BucketMinutes = 7 },
			wantErr: "divide 60",
		},
		{
			name:   "bucket minutes dividing the hour",
			mutate: func(c *Config) { c.Pipeline.BucketMinutes = 15 },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_AppliesDefaults(t *testing.T) {
	cfg := validConfig()
	cfg.XiaoMi = XiaoMiConfig{
		Enabled:   true,
		AppID:     "app1",
		AppSecret: "sec",
		AuthCode:  "code",
	}

	require.NoError(t, cfg.Validate())

	assert.Equal(t, "https://api.jianyanyuankeji.com", cfg.JianYanYuan.BaseURL)
	assert.Equal(t, "https://open.aqara.cn", cfg.XiaoMi.BaseURL)
	assert.Equal(t, "https://aiot-oauth2.aqara.cn", cfg.XiaoMi.OAuthBaseURL)
}

func TestLoad(t *testing.T) {
	content := `{
		"database": {"path": "/var/lib/envsense/envsense.db"},
		"logging": {"level": "debug", "format": "text"},
		"scheduler": {"overall_interval_secs": 86400, "realtime_interval_secs": 300},
		"pipeline": {"workers": 5, "bucket_minutes": 5},
		"jianyanyuan": {
			"company_id": "HxxxxxxSL",
			"username": "ops",
			"password": "secret",
			"projects": ["Riverside Campus"]
		}
	}`

	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/envsense/envsense.db", cfg.Database.Path)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 300, cfg.Scheduler.RealtimeIntervalSecs)
	assert.Equal(t, 5, cfg.Pipeline.BucketMinutes)
	assert.Equal(t, []string{"Riverside Campus"}, cfg.JianYanYuan.Projects)
	assert.False(t, cfg.XiaoMi.Enabled)
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorIs(t, err, ErrConfigFileNotFound)
}

func TestLoad_InvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	_, err := Load(path)
	assert.ErrorContains(t, err, "failed to parse config")
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("ENVSENSE_DB_PATH", "/tmp/envsense-test.db")
	t.Setenv("ENVSENSE_JYY_COMPANY_ID", "HxxxxxxSL")
	t.Setenv("ENVSENSE_JYY_USERNAME", "ops")
	t.Setenv("ENVSENSE_JYY_PASSWORD", "secret")
	t.Setenv("ENVSENSE_JYY_AC_POWER_ATTR", "32")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, "/tmp/envsense-test.db", cfg.Database.Path)
	assert.Equal(t, 32, cfg.JianYanYuan.ACPowerAttr)
	assert.Equal(t, 5, cfg.Pipeline.Workers)
	assert.Equal(t, 86400, cfg.Scheduler.OverallIntervalSecs)
}
