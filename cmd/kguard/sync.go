package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/kguard/internal/config"
	"github.com/spf13/cobra"
)

var syncHeartbeat bool

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Pull policy from the backend once",
	Long: `Reconcile the child and device identity, then fetch the blocklist,
allowlist, time rules and today's server usage into local storage.`,
	RunE: runSync,
}

func init() {
	syncCmd.Flags().BoolVar(&syncHeartbeat, "heartbeat", false, "Also send a heartbeat")
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	a, err := newApp(cfg, appOptions{}, logger)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()

	if err := a.syncer.Pull(ctx); err != nil {
		return fmt.Errorf("sync failed: %w", err)
	}
	if syncHeartbeat {
		if err := a.syncer.Heartbeat(ctx); err != nil {
			return fmt.Errorf("heartbeat failed: %w", err)
		}
	}

	rules, err := a.store.Rules().List(ctx)
	if err != nil {
		return err
	}
	blocked, err := a.store.Lists().Blocked(ctx)
	if err != nil {
		return err
	}
	allowed, err := a.store.Lists().Allowed(ctx)
	if err != nil {
		return err
	}

	_, _ = color.New(color.FgGreen, color.Bold).Println("✅ Sync complete")
	fmt.Printf("Time rules: %d\n", len(rules))
	fmt.Printf("Blocklist:  %d\n", len(blocked))
	fmt.Printf("Allowlist:  %d\n", len(allowed))
	return nil
}
