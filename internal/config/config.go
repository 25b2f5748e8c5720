package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Backend BackendConfig `mapstructure:"backend"`
	Storage StorageConfig `mapstructure:"storage"`
	Logging LoggingConfig `mapstructure:"logging"`
	Usage   UsageConfig   `mapstructure:"usage_tracking"`
	Sync    SyncConfig    `mapstructure:"sync"`
	Policy  PolicyConfig  `mapstructure:"policy"`
	Gate    GateConfig    `mapstructure:"gate"`
	Admin   AdminConfig   `mapstructure:"admin"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// BackendConfig defines the parent backend connection
type BackendConfig struct {
	URL     string `mapstructure:"url"`
	Timeout string `mapstructure:"timeout"`
}

// StorageConfig defines storage backend settings
type StorageConfig struct {
	Path  string      `mapstructure:"path"`
	Type  string      `mapstructure:"type"`
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig defines the redis connection used when storage.type is redis
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"` // 0 when Host already carries the port
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// UsageConfig defines usage tracking settings
type UsageConfig struct {
	TickInterval   string `mapstructure:"tick_interval"`
	FlushThreshold string `mapstructure:"flush_threshold"`
	DailyResetTime string `mapstructure:"daily_reset_time"`
	RetentionDays  int    `mapstructure:"retention_days"`
}

// SyncConfig defines backend pull and heartbeat cadence
type SyncConfig struct {
	PullInterval          string `mapstructure:"pull_interval"`
	HeartbeatInterval     string `mapstructure:"heartbeat_interval"`
	InitialPullDelay      string `mapstructure:"initial_pull_delay"`
	InitialHeartbeatDelay string `mapstructure:"initial_heartbeat_delay"`
}

// PolicyConfig defines classification defaults
type PolicyConfig struct {
	KeywordEngine        string  `mapstructure:"keyword_engine"` // "builtin" or "rego"
	RegoPolicyDir        string  `mapstructure:"rego_policy_dir"`
	KeywordCacheSize     int     `mapstructure:"keyword_cache_size"`
	DefaultCooldownHours float64 `mapstructure:"default_cooldown_hours"`
}

// GateConfig defines navigation gate behavior
type GateConfig struct {
	BlockPageURL          string  `mapstructure:"block_page_url"`
	HistoryLimit          int     `mapstructure:"history_limit"`
	BlockLogRetentionDays int     `mapstructure:"block_log_retention_days"`
	BlockReportRate       float64 `mapstructure:"block_report_rate"`
	BlockReportBurst      int     `mapstructure:"block_report_burst"`
}

// AdminConfig defines the local admin API
type AdminConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Port        int    `mapstructure:"port"`
	BindAddress string `mapstructure:"bind_address"`
}

// MetricsConfig defines the prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	}
	v.SetEnvPrefix("KGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			// Config file not found, use defaults and environment variables
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Defaults returns the configuration used when nothing is set.
func Defaults() *Config {
	v := viper.New()
	setDefaults(v)

	var config Config
	_ = v.Unmarshal(&config)
	return &config
}

// UnknownKeys reports keys present in the config file that the agent does not
// recognize.
func UnknownKeys(configPath string) ([]string, error) {
	file := viper.New()
	file.SetConfigFile(configPath)
	if err := file.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	known := viper.New()
	setDefaults(known)
	knownKeys := make(map[string]struct{})
	for _, key := range known.AllKeys() {
		knownKeys[key] = struct{}{}
	}

	var unknown []string
	for _, key := range file.AllKeys() {
		if _, ok := knownKeys[key]; !ok {
			unknown = append(unknown, key)
		}
	}
	return unknown, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Backend defaults
	v.SetDefault("backend.url", "http://localhost:8000/api")
	v.SetDefault("backend.timeout", "8s")

	// Storage defaults
	v.SetDefault("storage.path", defaultStoragePath())
	v.SetDefault("storage.type", "bolt")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 4)
	v.SetDefault("storage.redis.min_idle_conns", 1)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Usage tracking defaults
	v.SetDefault("usage_tracking.tick_interval", "5s")
	v.SetDefault("usage_tracking.flush_threshold", "20s")
	v.SetDefault("usage_tracking.daily_reset_time", "00:00")
	v.SetDefault("usage_tracking.retention_days", 90)

	// Sync defaults
	v.SetDefault("sync.pull_interval", "5m")
	v.SetDefault("sync.heartbeat_interval", "2m")
	v.SetDefault("sync.initial_pull_delay", "1s")
	v.SetDefault("sync.initial_heartbeat_delay", "5s")

	// Policy defaults
	v.SetDefault("policy.keyword_engine", "builtin")
	v.SetDefault("policy.rego_policy_dir", "")
	v.SetDefault("policy.keyword_cache_size", 1024)
	v.SetDefault("policy.default_cooldown_hours", 24)

	// Gate defaults
	v.SetDefault("gate.block_page_url", "blocked-page.html")
	v.SetDefault("gate.history_limit", 500)
	v.SetDefault("gate.block_log_retention_days", 90)
	v.SetDefault("gate.block_report_rate", 2)
	v.SetDefault("gate.block_report_burst", 10)

	// Admin defaults
	v.SetDefault("admin.enabled", false)
	v.SetDefault("admin.port", 8765)
	v.SetDefault("admin.bind_address", "127.0.0.1")

	// Metrics defaults
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.address", "127.0.0.1:9477")
}

func defaultStoragePath() string {
	dir, err := os.UserConfigDir()
	if err != nil || dir == "" {
		return filepath.Join(os.TempDir(), "kguard", "kguard.db")
	}
	return filepath.Join(dir, "kguard", "kguard.db")
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Backend.URL == "" {
		return fmt.Errorf("backend url is required")
	}
	cfg.Backend.URL = strings.TrimRight(cfg.Backend.URL, "/")

	durations := map[string]string{
		"backend.timeout":                cfg.Backend.Timeout,
		"usage_tracking.tick_interval":   cfg.Usage.TickInterval,
		"usage_tracking.flush_threshold": cfg.Usage.FlushThreshold,
		"sync.pull_interval":             cfg.Sync.PullInterval,
		"sync.heartbeat_interval":        cfg.Sync.HeartbeatInterval,
		"sync.initial_pull_delay":        cfg.Sync.InitialPullDelay,
		"sync.initial_heartbeat_delay":   cfg.Sync.InitialHeartbeatDelay,
	}
	for key, value := range durations {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, value, err)
		}
		if d < 0 {
			return fmt.Errorf("invalid %s: negative duration", key)
		}
	}
	if d, _ := time.ParseDuration(cfg.Usage.TickInterval); d <= 0 {
		return fmt.Errorf("usage_tracking.tick_interval must be positive")
	}

	if _, err := time.Parse("15:04", cfg.Usage.DailyResetTime); err != nil {
		return fmt.Errorf("invalid usage_tracking.daily_reset_time %q: %w", cfg.Usage.DailyResetTime, err)
	}

	if cfg.Storage.Type == "" {
		cfg.Storage.Type = "bolt"
	}
	switch cfg.Storage.Type {
	case "bolt":
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage path is required")
		}
		storageDir := filepath.Dir(cfg.Storage.Path)
		if err := os.MkdirAll(storageDir, 0755); err != nil {
			return fmt.Errorf("failed to create storage directory: %w", err)
		}
	case "redis":
		if cfg.Storage.Redis.Host == "" {
			return fmt.Errorf("storage.redis.host is required")
		}
	default:
		return fmt.Errorf("unknown storage type: %s", cfg.Storage.Type)
	}

	switch cfg.Policy.KeywordEngine {
	case "", "builtin":
		cfg.Policy.KeywordEngine = "builtin"
	case "rego":
	default:
		return fmt.Errorf("unknown policy.keyword_engine: %s", cfg.Policy.KeywordEngine)
	}
	if cfg.Policy.DefaultCooldownHours <= 0 {
		return fmt.Errorf("policy.default_cooldown_hours must be positive")
	}

	if cfg.Gate.HistoryLimit <= 0 {
		return fmt.Errorf("gate.history_limit must be positive")
	}
	if cfg.Gate.BlockLogRetentionDays <= 0 {
		return fmt.Errorf("gate.block_log_retention_days must be positive")
	}
	if cfg.Usage.RetentionDays <= 0 {
		return fmt.Errorf("usage_tracking.retention_days must be positive")
	}

	if cfg.Admin.Enabled && (cfg.Admin.Port <= 0 || cfg.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", cfg.Admin.Port)
	}

	return nil
}

// Duration parses a validated duration string.
func Duration(value string) time.Duration {
	d, _ := time.ParseDuration(value)
	return d
}
