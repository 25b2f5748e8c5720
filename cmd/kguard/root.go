package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var (
	version    = "dev"
	configPath string
)

// rootCmd represents the base command when called without any subcommands.
// Browsers launch native hosts with the caller origin as an argument (and
// --parent-window on Windows), so stray arguments and flags are tolerated.
var rootCmd = &cobra.Command{
	Use:   "kguard",
	Short: "kguard - parental control agent for the kguard browser extension",
	Long: `kguard is the native half of the kguard browser extension. It classifies
navigations, tracks active time per domain, enforces daily time limits with
cooldowns and keeps local policy in sync with the parent backend.`,
	Version:            version,
	Args:               cobra.ArbitraryArgs,
	FParseErrWhitelist: cobra.FParseErrWhitelist{UnknownFlags: true},
	SilenceUsage:       true,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Default to the native messaging host when no subcommand is provided
		return runHost(cmd, args)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to configuration file")
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil || dir == "" {
		return "kguard.yaml"
	}
	return filepath.Join(dir, "kguard", "config.yaml")
}
