package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/kguard/internal/agent"
	"github.com/goodtune/kguard/internal/config"
	"github.com/spf13/cobra"
)

var (
	setupChildID        string
	setupChildName      string
	setupToken          string
	setupDeviceID       string
	setupParentPassword string
	setupClearPassword  bool
	setupSync           bool
)

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Store the child identity, backend token and parent password",
	Long: `Write the agent identity to local storage. Only the flags given are
changed. Run this while the host is stopped: the bolt store is single-writer.`,
	Example: `  kguard setup --child-name Sam --token eyJhbGci... --parent-password hunter2
  kguard setup --child-id 42 --sync`,
	RunE: runSetup,
}

func init() {
	setupCmd.Flags().StringVar(&setupChildID, "child-id", "", "Backend child profile id")
	setupCmd.Flags().StringVar(&setupChildName, "child-name", "", "Child name (a profile is created on the next sync when no id is given)")
	setupCmd.Flags().StringVar(&setupToken, "token", "", "Backend bearer token")
	setupCmd.Flags().StringVar(&setupDeviceID, "device-id", "", "Use this device id instead of generating one on sync")
	setupCmd.Flags().StringVar(&setupParentPassword, "parent-password", "", "Parent password required to disable the agent")
	setupCmd.Flags().BoolVar(&setupClearPassword, "clear-parent-password", false, "Remove the parent password")
	setupCmd.Flags().BoolVar(&setupSync, "sync", false, "Pull policy from the backend after saving")
	setupCmd.MarkFlagsMutuallyExclusive("parent-password", "clear-parent-password")
	rootCmd.AddCommand(setupCmd)
}

func runSetup(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	a, err := newApp(cfg, appOptions{}, quietLogger())
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()

	settings, err := a.store.Settings().Get(ctx)
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}

	if err := agent.ApplyIdentity(settings, agent.Identity{
		AuthToken: setupToken,
		ChildID:   setupChildID,
		ChildName: setupChildName,
	}); err != nil {
		return fmt.Errorf("invalid identity: %w", err)
	}
	if setupDeviceID != "" {
		settings.DeviceID = setupDeviceID
	}
	switch {
	case setupClearPassword:
		settings.ParentPasswordHash = ""
	case setupParentPassword != "":
		hash, err := agent.HashPassword(setupParentPassword)
		if err != nil {
			return err
		}
		settings.ParentPasswordHash = hash
	}

	if err := a.store.Settings().Put(ctx, *settings); err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}

	green := color.New(color.FgGreen, color.Bold)
	yellow := color.New(color.FgYellow)

	_, _ = green.Println("✅ Settings saved")
	fmt.Printf("Child:    %s %s\n", settings.ChildID, settings.ChildName)
	fmt.Printf("Device:   %s\n", orNone(settings.DeviceID))
	fmt.Printf("Token:    %s\n", presence(settings.AuthToken != ""))
	fmt.Printf("Password: %s\n", presence(settings.ParentPasswordHash != ""))
	if !settings.SetupComplete {
		_, _ = yellow.Println("Setup is not complete: give --child-id or --child-name")
	}

	if setupSync {
		if err := a.syncer.Pull(ctx); err != nil {
			return fmt.Errorf("sync failed: %w", err)
		}
		_, _ = green.Println("✅ Policy pulled from backend")
	}
	return nil
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

func presence(set bool) string {
	if set {
		return "set"
	}
	return "not set"
}
