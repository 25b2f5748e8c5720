package main

import (
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/fatih/color"
	"github.com/goodtune/kguard/internal/config"
	"github.com/spf13/cobra"
)

var (
	validateDump bool
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long:  `Validate the kguard configuration file for syntax and semantic errors.`,
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateDump, "dump", false, "Dump full configuration with defaults highlighted")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration validation failed: %v\n", err)
		return err
	}

	var unknownKeys []string
	if _, statErr := os.Stat(configPath); statErr == nil {
		unknownKeys, err = config.UnknownKeys(configPath)
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "⚠️  Warning: Could not check for unknown keys: %v\n", err)
		}
		_, _ = fmt.Fprintf(os.Stdout, "✅ Configuration is valid: %s\n", configPath)
	} else {
		_, _ = fmt.Fprintf(os.Stdout, "✅ No configuration file at %s, defaults and KGUARD_* environment are valid\n", configPath)
	}

	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)
		fmt.Fprintln(os.Stdout)
		red.Fprintf(os.Stdout, "⚠️  WARNING: Found %d unknown configuration key(s):\n", len(unknownKeys))
		for _, key := range unknownKeys {
			red.Fprintf(os.Stdout, "   - %s\n", key)
		}
		fmt.Fprintln(os.Stdout, "\nThese keys will be ignored and may indicate typos or deprecated settings.")
	}

	if validateDump {
		_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
		_, _ = fmt.Fprintln(os.Stdout, "FULL CONFIGURATION (values different from defaults are highlighted)")
		_, _ = fmt.Fprintln(os.Stdout, strings.Repeat("=", 80))

		dumpConfig(cfg, config.Defaults())
	}

	return nil
}

// dumpConfig dumps configuration with color highlighting for non-default values
func dumpConfig(cfg, defaultCfg *config.Config) {
	yellow := color.New(color.FgYellow, color.Bold)
	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan, color.Bold)

	field := func(name string, value, defaultValue interface{}) {
		dumpField(name, value, defaultValue, yellow, green)
	}

	_, _ = cyan.Println("\n[backend]")
	field("  url", cfg.Backend.URL, defaultCfg.Backend.URL)
	field("  timeout", cfg.Backend.Timeout, defaultCfg.Backend.Timeout)

	_, _ = cyan.Println("\n[storage]")
	field("  type", cfg.Storage.Type, defaultCfg.Storage.Type)
	field("  path", cfg.Storage.Path, defaultCfg.Storage.Path)
	_, _ = cyan.Println("  [storage.redis]")
	field("    host", cfg.Storage.Redis.Host, defaultCfg.Storage.Redis.Host)
	field("    port", cfg.Storage.Redis.Port, defaultCfg.Storage.Redis.Port)
	field("    password", redactPassword(cfg.Storage.Redis.Password), redactPassword(defaultCfg.Storage.Redis.Password))
	field("    db", cfg.Storage.Redis.DB, defaultCfg.Storage.Redis.DB)
	field("    pool_size", cfg.Storage.Redis.PoolSize, defaultCfg.Storage.Redis.PoolSize)
	field("    min_idle_conns", cfg.Storage.Redis.MinIdleConns, defaultCfg.Storage.Redis.MinIdleConns)
	field("    dial_timeout", cfg.Storage.Redis.DialTimeout, defaultCfg.Storage.Redis.DialTimeout)
	field("    read_timeout", cfg.Storage.Redis.ReadTimeout, defaultCfg.Storage.Redis.ReadTimeout)
	field("    write_timeout", cfg.Storage.Redis.WriteTimeout, defaultCfg.Storage.Redis.WriteTimeout)

	_, _ = cyan.Println("\n[logging]")
	field("  level", cfg.Logging.Level, defaultCfg.Logging.Level)
	field("  format", cfg.Logging.Format, defaultCfg.Logging.Format)

	_, _ = cyan.Println("\n[usage_tracking]")
	field("  tick_interval", cfg.Usage.TickInterval, defaultCfg.Usage.TickInterval)
	field("  flush_threshold", cfg.Usage.FlushThreshold, defaultCfg.Usage.FlushThreshold)
	field("  daily_reset_time", cfg.Usage.DailyResetTime, defaultCfg.Usage.DailyResetTime)
	field("  retention_days", cfg.Usage.RetentionDays, defaultCfg.Usage.RetentionDays)

	_, _ = cyan.Println("\n[sync]")
	field("  pull_interval", cfg.Sync.PullInterval, defaultCfg.Sync.PullInterval)
	field("  heartbeat_interval", cfg.Sync.HeartbeatInterval, defaultCfg.Sync.HeartbeatInterval)
	field("  initial_pull_delay", cfg.Sync.InitialPullDelay, defaultCfg.Sync.InitialPullDelay)
	field("  initial_heartbeat_delay", cfg.Sync.InitialHeartbeatDelay, defaultCfg.Sync.InitialHeartbeatDelay)

	_, _ = cyan.Println("\n[policy]")
	field("  keyword_engine", cfg.Policy.KeywordEngine, defaultCfg.Policy.KeywordEngine)
	field("  rego_policy_dir", cfg.Policy.RegoPolicyDir, defaultCfg.Policy.RegoPolicyDir)
	field("  keyword_cache_size", cfg.Policy.KeywordCacheSize, defaultCfg.Policy.KeywordCacheSize)
	field("  default_cooldown_hours", cfg.Policy.DefaultCooldownHours, defaultCfg.Policy.DefaultCooldownHours)

	_, _ = cyan.Println("\n[gate]")
	field("  block_page_url", cfg.Gate.BlockPageURL, defaultCfg.Gate.BlockPageURL)
	field("  history_limit", cfg.Gate.HistoryLimit, defaultCfg.Gate.HistoryLimit)
	field("  block_log_retention_days", cfg.Gate.BlockLogRetentionDays, defaultCfg.Gate.BlockLogRetentionDays)
	field("  block_report_rate", cfg.Gate.BlockReportRate, defaultCfg.Gate.BlockReportRate)
	field("  block_report_burst", cfg.Gate.BlockReportBurst, defaultCfg.Gate.BlockReportBurst)

	_, _ = cyan.Println("\n[admin]")
	field("  enabled", cfg.Admin.Enabled, defaultCfg.Admin.Enabled)
	field("  port", cfg.Admin.Port, defaultCfg.Admin.Port)
	field("  bind_address", cfg.Admin.BindAddress, defaultCfg.Admin.BindAddress)

	_, _ = cyan.Println("\n[metrics]")
	field("  enabled", cfg.Metrics.Enabled, defaultCfg.Metrics.Enabled)
	field("  address", cfg.Metrics.Address, defaultCfg.Metrics.Address)

	_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
}

// dumpField prints a field with color if it differs from default
func dumpField(name string, value, defaultValue interface{}, modifiedColor, defaultColor *color.Color) {
	valueStr := fmt.Sprintf("%v", value)

	if reflect.DeepEqual(value, defaultValue) {
		_, _ = defaultColor.Printf("%s = %s\n", name, valueStr)
	} else {
		_, _ = modifiedColor.Printf("%s = %s  (modified from default: %v)\n", name, valueStr, defaultValue)
	}
}

// redactPassword redacts password if not empty
func redactPassword(password string) string {
	if password == "" {
		return ""
	}
	return "***REDACTED***"
}
