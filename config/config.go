package config

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"argus/notify"

	"github.com/spf13/viper"
)

// StartupMode defines how Argus handles optional collaborator failures at startup
type StartupMode string

const (
	// StartupModeStrict fails fast on any initialization error (default)
	StartupModeStrict StartupMode = "strict"
	// StartupModeGraceful starts with degraded functionality, logging warnings
	StartupModeGraceful StartupMode = "graceful"
)

// DataPaths holds all data directory and file path configuration
type DataPaths struct {
	// DataDir is the base data directory (ARGUS_DATA_DIR, default: ./data)
	DataDir string `mapstructure:"data_dir"`
	// SQLitePath is the event archive path (ARGUS_SQLITE_PATH, default: ${DataDir}/argus.db)
	SQLitePath string `mapstructure:"sqlite_path"`
}

// Config holds all configuration for the Argus service
type Config struct {
	StartupMode StartupMode `mapstructure:"startup_mode"`
	DataPaths   DataPaths   `mapstructure:"data_paths"`

	API struct {
		Host           string   `mapstructure:"host"`
		Port           int      `mapstructure:"port"`
		Version        string   `mapstructure:"version"`
		TrustProxy     bool     `mapstructure:"trust_proxy"`
		AllowedOrigins []string `mapstructure:"allowed_origins"`
		RateLimit      struct {
			RequestsPerSecond float64 `mapstructure:"requests_per_second"`
			Burst             int     `mapstructure:"burst"`
		} `mapstructure:"rate_limit"`
		ReadTimeout  time.Duration `mapstructure:"read_timeout"`
		WriteTimeout time.Duration `mapstructure:"write_timeout"`
	} `mapstructure:"api"`

	Storage struct {
		EventCapacity     int `mapstructure:"event_capacity"`
		DetectionCapacity int `mapstructure:"detection_capacity"`
		Archive           struct {
			Enabled        bool `mapstructure:"enabled"`
			WarmStartLimit int  `mapstructure:"warm_start_limit"`
		} `mapstructure:"archive"`
	} `mapstructure:"storage"`

	Detection struct {
		RulesFile    string        `mapstructure:"rules_file"`
		RegexTimeout time.Duration `mapstructure:"regex_timeout"`
		Sensitivity  string        `mapstructure:"sensitivity"`
	} `mapstructure:"detection"`

	Response struct {
		Enabled            bool          `mapstructure:"enabled"`
		AlertThreshold     float64       `mapstructure:"alert_threshold"`
		BlockingThreshold  float64       `mapstructure:"blocking_threshold"`
		IsolationThreshold float64       `mapstructure:"isolation_threshold"`
		EnableIsolation    bool          `mapstructure:"enable_isolation"`
		EnableBlocking     bool          `mapstructure:"enable_blocking"`
		EnableAlerting     bool          `mapstructure:"enable_alerting"`
		BlockDuration      int           `mapstructure:"block_duration_seconds"`
		ActionTimeout      time.Duration `mapstructure:"action_timeout"`
	} `mapstructure:"response"`

	Correlation struct {
		Window     time.Duration `mapstructure:"window"`
		MinCluster int           `mapstructure:"min_cluster"`
	} `mapstructure:"correlation"`

	Baseline struct {
		LoginsPerDay         float64       `mapstructure:"logins_per_day"`
		DataBytesPerDay      float64       `mapstructure:"data_bytes_per_day"`
		MaxTravelSpeedKmh    float64       `mapstructure:"max_travel_speed_kmh"`
		CriticalTravelWindow time.Duration `mapstructure:"critical_travel_window"`
		HourDeviation        float64       `mapstructure:"hour_deviation_hours"`
		MaxIdentities        int           `mapstructure:"max_identities"`
		AnomalyZThreshold    float64       `mapstructure:"anomaly_z_threshold"`
		AnomalyMinSamples    int64         `mapstructure:"anomaly_min_samples"`
	} `mapstructure:"baseline"`

	Analytics struct {
		Enabled     bool   `mapstructure:"enabled"`
		Schedule    string `mapstructure:"schedule"`
		HistorySize int    `mapstructure:"history_size"`
	} `mapstructure:"analytics"`

	Export struct {
		Enabled          bool          `mapstructure:"enabled"`
		Endpoint         string        `mapstructure:"endpoint"`
		SessionID        string        `mapstructure:"session_id"`
		Interval         time.Duration `mapstructure:"interval"`
		BatchSize        int           `mapstructure:"batch_size"`
		BufferSize       int           `mapstructure:"buffer_size"`
		FailureThreshold int           `mapstructure:"failure_threshold"`
		Level            string        `mapstructure:"level"`
	} `mapstructure:"export"`

	ThreatIntel struct {
		BadIPs     []string `mapstructure:"bad_ips"`
		UserAgents []string `mapstructure:"user_agents"`
		Redis      struct {
			Enabled  bool   `mapstructure:"enabled"`
			Addr     string `mapstructure:"addr"`
			Password string `mapstructure:"password"`
			DB       int    `mapstructure:"db"`
		} `mapstructure:"redis"`
		HTTP struct {
			Enabled  bool          `mapstructure:"enabled"`
			BaseURL  string        `mapstructure:"base_url"`
			APIKey   string        `mapstructure:"api_key"`
			Timeout  time.Duration `mapstructure:"timeout"`
			CacheTTL time.Duration `mapstructure:"cache_ttl"`
		} `mapstructure:"http"`
	} `mapstructure:"threat_intel"`

	Notifications []notify.NotificationConfig `mapstructure:"notifications"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("startup_mode", string(StartupModeStrict))

	v.SetDefault("data_paths.data_dir", "./data")
	v.SetDefault("data_paths.sqlite_path", "") // Empty = derive from data_dir

	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8081)
	v.SetDefault("api.version", "v1")
	v.SetDefault("api.trust_proxy", false)
	v.SetDefault("api.allowed_origins", []string{})
	v.SetDefault("api.rate_limit.requests_per_second", 100.0)
	v.SetDefault("api.rate_limit.burst", 200)
	v.SetDefault("api.read_timeout", "15s")
	v.SetDefault("api.write_timeout", "15s")

	v.SetDefault("storage.event_capacity", 10000)
	v.SetDefault("storage.detection_capacity", 1000)
	v.SetDefault("storage.archive.enabled", false)
	v.SetDefault("storage.archive.warm_start_limit", 10000)

	v.SetDefault("detection.rules_file", "")
	v.SetDefault("detection.regex_timeout", "500ms")
	v.SetDefault("detection.sensitivity", "medium")

	v.SetDefault("response.enabled", true)
	v.SetDefault("response.alert_threshold", 50.0)
	v.SetDefault("response.blocking_threshold", 70.0)
	v.SetDefault("response.isolation_threshold", 80.0)
	v.SetDefault("response.enable_isolation", true)
	v.SetDefault("response.enable_blocking", true)
	v.SetDefault("response.enable_alerting", true)
	v.SetDefault("response.block_duration_seconds", 3600)
	v.SetDefault("response.action_timeout", "10s")

	v.SetDefault("correlation.window", "15m")
	v.SetDefault("correlation.min_cluster", 3)

	v.SetDefault("baseline.logins_per_day", 50.0)
	v.SetDefault("baseline.data_bytes_per_day", 100.0*1024*1024)
	v.SetDefault("baseline.max_travel_speed_kmh", 1000.0)
	v.SetDefault("baseline.critical_travel_window", "4h")
	v.SetDefault("baseline.hour_deviation_hours", 6.0)
	v.SetDefault("baseline.max_identities", 10000)
	v.SetDefault("baseline.anomaly_z_threshold", 3.0)
	v.SetDefault("baseline.anomaly_min_samples", 10)

	v.SetDefault("analytics.enabled", true)
	v.SetDefault("analytics.schedule", "@every 5m")
	v.SetDefault("analytics.history_size", 100)

	v.SetDefault("export.enabled", false)
	v.SetDefault("export.endpoint", "")
	v.SetDefault("export.session_id", "")
	v.SetDefault("export.interval", "30s")
	v.SetDefault("export.batch_size", 100)
	v.SetDefault("export.buffer_size", 5000)
	v.SetDefault("export.failure_threshold", 5)
	v.SetDefault("export.level", "warn")

	v.SetDefault("threat_intel.bad_ips", []string{})
	v.SetDefault("threat_intel.user_agents", []string{})
	v.SetDefault("threat_intel.redis.enabled", false)
	v.SetDefault("threat_intel.redis.addr", "localhost:6379")
	v.SetDefault("threat_intel.redis.db", 0)
	v.SetDefault("threat_intel.http.enabled", false)
	v.SetDefault("threat_intel.http.timeout", "5s")
	v.SetDefault("threat_intel.http.cache_ttl", "15m")
}

// loadFromEnv sets up environment variable loading
func loadFromEnv(v *viper.Viper) {
	v.SetEnvPrefix("ARGUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("startup_mode", "ARGUS_STARTUP_MODE")
	_ = v.BindEnv("data_paths.data_dir", "ARGUS_DATA_DIR")
	_ = v.BindEnv("data_paths.sqlite_path", "ARGUS_SQLITE_PATH")
}

// LoadConfig loads configuration from config.yaml in . or ./config and ARGUS_* environment variables
func LoadConfig() (*Config, error) {
	return LoadConfigFile("")
}

// LoadConfigFile loads configuration from an explicit file, or searches the
// default locations when path is empty.
func LoadConfigFile(path string) (*Config, error) {
	v := viper.GetViper()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	setDefaults(v)
	loadFromEnv(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// No config file, defaults and env vars apply
	}
	return decode(v)
}

// Defaults returns the built-in configuration without reading files or the environment
func Defaults() *Config {
	v := viper.New()
	setDefaults(v)
	config, err := decode(v)
	if err != nil {
		panic(fmt.Sprintf("built-in defaults are invalid: %v", err))
	}
	return config
}

func decode(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	config.ResolveDataPaths()
	return &config, nil
}

// ResolveDataPaths derives unset paths from DataDir
func (c *Config) ResolveDataPaths() {
	if c.DataPaths.DataDir == "" {
		c.DataPaths.DataDir = "./data"
	}
	if c.DataPaths.SQLitePath == "" {
		c.DataPaths.SQLitePath = filepath.Join(c.DataPaths.DataDir, "argus.db")
	}
}

// IsGracefulMode reports whether optional collaborators may fail at startup
func (c *Config) IsGracefulMode() bool {
	return c.StartupMode == StartupModeGraceful
}

// Settings returns the runtime-tunable subset of the configuration
func (c *Config) Settings() Settings {
	return Settings{
		AlertThreshold:     c.Response.AlertThreshold,
		BlockingThreshold:  c.Response.BlockingThreshold,
		IsolationThreshold: c.Response.IsolationThreshold,
		Sensitivity:        c.Detection.Sensitivity,
		AutoResponse:       c.Response.Enabled,
		EnableIsolation:    c.Response.EnableIsolation,
		EnableBlocking:     c.Response.EnableBlocking,
		EnableAlerting:     c.Response.EnableAlerting,
	}
}

func validateThreshold(name string, v float64) error {
	if v < 0 || v > 100 {
		return fmt.Errorf("%w: %s must be between 0 and 100, got %v", ErrInvalidSetting, name, v)
	}
	return nil
}

func validateConfig(config *Config) error {
	if config.StartupMode != StartupModeStrict && config.StartupMode != StartupModeGraceful {
		return fmt.Errorf("invalid startup mode %q (must be strict or graceful)", config.StartupMode)
	}

	if config.API.Port < 1 || config.API.Port > 65535 {
		return fmt.Errorf("invalid API port: %d (must be 1-65535)", config.API.Port)
	}
	if config.API.RateLimit.RequestsPerSecond <= 0 || config.API.RateLimit.Burst <= 0 {
		return fmt.Errorf("API rate limit must be positive")
	}

	if config.Storage.EventCapacity <= 0 {
		return fmt.Errorf("storage event capacity must be positive")
	}
	if config.Storage.DetectionCapacity <= 0 {
		return fmt.Errorf("storage detection capacity must be positive")
	}

	for _, t := range []struct {
		name  string
		value float64
	}{
		{"alert_threshold", config.Response.AlertThreshold},
		{"blocking_threshold", config.Response.BlockingThreshold},
		{"isolation_threshold", config.Response.IsolationThreshold},
	} {
		if err := validateThreshold(t.name, t.value); err != nil {
			return err
		}
	}
	if err := validate.Var(config.Detection.Sensitivity, "oneof=low medium high"); err != nil {
		return fmt.Errorf("%w: sensitivity must be low, medium or high, got %q", ErrInvalidSetting, config.Detection.Sensitivity)
	}
	if config.Response.BlockDuration <= 0 {
		return fmt.Errorf("response block duration must be positive")
	}

	if config.Correlation.Window <= 0 {
		return fmt.Errorf("correlation window must be positive")
	}
	if config.Correlation.MinCluster < 2 {
		return fmt.Errorf("correlation min cluster must be at least 2")
	}

	if config.Baseline.LoginsPerDay <= 0 || config.Baseline.DataBytesPerDay <= 0 {
		return fmt.Errorf("baseline login and data volume baselines must be positive")
	}
	if config.Baseline.MaxTravelSpeedKmh <= 0 {
		return fmt.Errorf("baseline max travel speed must be positive")
	}
	if config.Baseline.HourDeviation <= 0 || config.Baseline.HourDeviation > 12 {
		return fmt.Errorf("baseline hour deviation must be in (0, 12]")
	}

	if config.Analytics.Enabled && config.Analytics.Schedule == "" {
		return fmt.Errorf("analytics schedule cannot be empty")
	}
	if config.Analytics.HistorySize <= 0 {
		return fmt.Errorf("analytics history size must be positive")
	}

	if config.Export.Enabled {
		if err := validateURL("export endpoint", config.Export.Endpoint); err != nil {
			return err
		}
		if config.Export.BatchSize <= 0 || config.Export.BufferSize < config.Export.BatchSize {
			return fmt.Errorf("export buffer size must be at least the batch size")
		}
		if config.Export.FailureThreshold <= 0 {
			return fmt.Errorf("export failure threshold must be positive")
		}
	}

	if config.ThreatIntel.Redis.Enabled && config.ThreatIntel.Redis.Addr == "" {
		return fmt.Errorf("threat intel redis address cannot be empty")
	}
	if config.ThreatIntel.HTTP.Enabled {
		if err := validateURL("threat intel base URL", config.ThreatIntel.HTTP.BaseURL); err != nil {
			return err
		}
	}

	for i, n := range config.Notifications {
		if !n.Enabled {
			continue
		}
		if err := validateURL(fmt.Sprintf("notification %d URL", i), n.URL); err != nil {
			return err
		}
	}
	return nil
}

func validateURL(name, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid %s: scheme must be http or https", name)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid %s: missing host", name)
	}
	return nil
}
