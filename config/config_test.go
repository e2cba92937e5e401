package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chdir mirrors testing.T.Chdir (Go 1.24+) for older toolchains.
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}

func loadDefaults(t *testing.T) *Config {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
	chdir(t, t.TempDir())
	cfg, err := LoadConfig()
	require.NoError(t, err)
	return cfg
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg := loadDefaults(t)

	assert.Equal(t, StartupModeStrict, cfg.StartupMode)
	assert.Equal(t, 8081, cfg.API.Port)
	assert.Equal(t, 10000, cfg.Storage.EventCapacity)
	assert.Equal(t, 1000, cfg.Storage.DetectionCapacity)
	assert.Equal(t, 50.0, cfg.Response.AlertThreshold)
	assert.Equal(t, 70.0, cfg.Response.BlockingThreshold)
	assert.Equal(t, 80.0, cfg.Response.IsolationThreshold)
	assert.Equal(t, 3600, cfg.Response.BlockDuration)
	assert.Equal(t, 15*time.Minute, cfg.Correlation.Window)
	assert.Equal(t, 3, cfg.Correlation.MinCluster)
	assert.Equal(t, 50.0, cfg.Baseline.LoginsPerDay)
	assert.Equal(t, 100.0*1024*1024, cfg.Baseline.DataBytesPerDay)
	assert.Equal(t, 1000.0, cfg.Baseline.MaxTravelSpeedKmh)
	assert.Equal(t, 4*time.Hour, cfg.Baseline.CriticalTravelWindow)
	assert.Equal(t, "@every 5m", cfg.Analytics.Schedule)
	assert.Equal(t, 100, cfg.Analytics.HistorySize)
	assert.Equal(t, 30*time.Second, cfg.Export.Interval)
	assert.Equal(t, 100, cfg.Export.BatchSize)
	assert.Equal(t, 5000, cfg.Export.BufferSize)
	assert.Equal(t, 5, cfg.Export.FailureThreshold)
	assert.Equal(t, filepath.Join("data", "argus.db"), cfg.DataPaths.SQLitePath)
	assert.Equal(t, "medium", cfg.Settings().Sensitivity)
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	t.Setenv("ARGUS_RESPONSE_ALERT_THRESHOLD", "65")
	t.Setenv("ARGUS_DATA_DIR", "/var/lib/argus")
	cfg := loadDefaults(t)

	assert.Equal(t, 65.0, cfg.Response.AlertThreshold)
	assert.Equal(t, filepath.Join("/var/lib/argus", "argus.db"), cfg.DataPaths.SQLitePath)
}

func TestLoadConfig_RejectsOutOfRange(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	chdir(t, t.TempDir())
	t.Setenv("ARGUS_RESPONSE_BLOCKING_THRESHOLD", "150")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidSetting))
}

func TestLoadConfigFile(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	path := filepath.Join(t.TempDir(), "argus.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
detection:
  sensitivity: high
correlation:
  window: 10m
notifications:
  - enabled: true
    type: slack
    url: https://hooks.example.com/T000
    min_severity: high
`), 0o600))

	cfg, err := LoadConfigFile(path)
	require.NoError(t, err)
	assert.Equal(t, "high", cfg.Detection.Sensitivity)
	assert.Equal(t, 10*time.Minute, cfg.Correlation.Window)
	require.Len(t, cfg.Notifications, 1)
	assert.Equal(t, "https://hooks.example.com/T000", cfg.Notifications[0].URL)
	assert.Equal(t, "high", cfg.Notifications[0].MinSeverity)

	viper.Reset()
	_, err = LoadConfigFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"bad port", func(c *Config) { c.API.Port = 70000 }},
		{"negative alert threshold", func(c *Config) { c.Response.AlertThreshold = -1 }},
		{"isolation above 100", func(c *Config) { c.Response.IsolationThreshold = 101 }},
		{"unknown sensitivity", func(c *Config) { c.Detection.Sensitivity = "paranoid" }},
		{"zero capacity", func(c *Config) { c.Storage.EventCapacity = 0 }},
		{"tiny cluster", func(c *Config) { c.Correlation.MinCluster = 1 }},
		{"hour deviation", func(c *Config) { c.Baseline.HourDeviation = 13 }},
		{"export without endpoint", func(c *Config) { c.Export.Enabled = true }},
		{"export buffer smaller than batch", func(c *Config) {
			c.Export.Enabled = true
			c.Export.Endpoint = "https://logs.example.com/ingest"
			c.Export.BufferSize = 10
		}},
		{"http intel bad scheme", func(c *Config) {
			c.ThreatIntel.HTTP.Enabled = true
			c.ThreatIntel.HTTP.BaseURL = "ftp://intel.example.com"
		}},
		{"startup mode", func(c *Config) { c.StartupMode = "yolo" }},
	}

	base := loadDefaults(t)
	require.NoError(t, validateConfig(base))

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := *base
			tt.mutate(&c)
			assert.Error(t, validateConfig(&c))
		})
	}
}

func ptr[T any](v T) *T { return &v }

func TestSettingsApply(t *testing.T) {
	base := Settings{
		AlertThreshold:     50,
		BlockingThreshold:  70,
		IsolationThreshold: 80,
		Sensitivity:        "medium",
		AutoResponse:       true,
		EnableIsolation:    true,
		EnableBlocking:     true,
		EnableAlerting:     true,
	}
	require.NoError(t, base.Validate())

	tests := []struct {
		name    string
		patch   SettingsPatch
		wantErr bool
		check   func(t *testing.T, s Settings)
	}{
		{
			name:  "partial update",
			patch: SettingsPatch{AlertThreshold: ptr(40.0), EnableIsolation: ptr(false)},
			check: func(t *testing.T, s Settings) {
				assert.Equal(t, 40.0, s.AlertThreshold)
				assert.False(t, s.EnableIsolation)
				assert.Equal(t, 70.0, s.BlockingThreshold)
				assert.True(t, s.EnableBlocking)
			},
		},
		{
			name:  "boundaries",
			patch: SettingsPatch{AlertThreshold: ptr(0.0), IsolationThreshold: ptr(100.0), Sensitivity: ptr("high")},
			check: func(t *testing.T, s Settings) {
				assert.Equal(t, 0.0, s.AlertThreshold)
				assert.Equal(t, 100.0, s.IsolationThreshold)
				assert.Equal(t, "high", s.Sensitivity)
			},
		},
		{name: "negative", patch: SettingsPatch{BlockingThreshold: ptr(-5.0)}, wantErr: true},
		{name: "above 100", patch: SettingsPatch{AlertThreshold: ptr(30.0), IsolationThreshold: ptr(100.5)}, wantErr: true},
		{
			name:  "upper case sensitivity",
			patch: SettingsPatch{Sensitivity: ptr("HIGH")},
			check: func(t *testing.T, s Settings) {
				assert.Equal(t, "high", s.Sensitivity)
			},
		},
		{
			name:  "padded mixed case sensitivity",
			patch: SettingsPatch{Sensitivity: ptr(" Low ")},
			check: func(t *testing.T, s Settings) {
				assert.Equal(t, "low", s.Sensitivity)
			},
		},
		{name: "bad sensitivity", patch: SettingsPatch{Sensitivity: ptr("extreme")}, wantErr: true},
		{name: "bad upper case sensitivity", patch: SettingsPatch{Sensitivity: ptr("EXTREME")}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := base.Apply(tt.patch)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidSetting))
				assert.Equal(t, base, got, "nothing applied on failure")
				return
			}
			require.NoError(t, err)
			tt.check(t, got)
		})
	}
}

func TestSettingsPatchChanges(t *testing.T) {
	assert.True(t, SettingsPatch{}.Empty())
	p := SettingsPatch{AlertThreshold: ptr(10.0), AutoResponse: ptr(false)}
	assert.False(t, p.Empty())
	assert.Equal(t, []string{"alert_threshold", "auto_response"}, p.Changes())
}

func TestDefaults_MatchesLoadedDefaults(t *testing.T) {
	loaded := loadDefaults(t)
	assert.Equal(t, loaded, Defaults())
}
