package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/kguard/internal/config"
	"github.com/goodtune/kguard/internal/gate"
	"github.com/goodtune/kguard/internal/policy"
	"github.com/spf13/cobra"
)

var checkTime string

const separator = "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━"

var checkCmd = &cobra.Command{
	Use:   "check [flags] URL",
	Short: "Check how a navigation would be classified",
	Long: `Classify a URL against the cached lists, time rules and keyword table
without recording anything. An exhausted budget is reported but no cooldown
is started.`,
	Example: `  kguard check https://www.youtube.com/watch?v=abc
  kguard -c config.yaml check --time 18:30 https://casino.example.com/`,
	Args: cobra.ExactArgs(1),
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().StringVar(&checkTime, "time", "", "Time of day (HH:MM) - defaults to current time")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	rawURL := args[0]

	at := time.Now()
	if checkTime != "" {
		var err error
		at, err = parseCheckTime(at, checkTime)
		if err != nil {
			return fmt.Errorf("invalid --time value: %w", err)
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := quietLogger()
	a, err := newApp(cfg, appOptions{dryRun: true}, logger)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	clock := fixedClock{now: at}
	a.ledger.SetClock(clock)
	a.limits.SetClock(clock)

	g := gate.New(a.classifier, a.store.Logs(), a.store.Settings(), nil, gate.Config{BlockPageURL: cfg.Gate.BlockPageURL}, logger)

	domain, ok := g.Gated(rawURL)
	if !ok {
		printSkipped(rawURL)
		return nil
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()
	result := a.classifier.Classify(ctx, rawURL, domain)
	used, err := a.ledger.SecondsToday(ctx, domain)
	if err != nil {
		return fmt.Errorf("failed to read usage: %w", err)
	}

	printCheckResult(rawURL, domain, at, used, result, g)
	return nil
}

func printSkipped(rawURL string) {
	cyan := color.New(color.FgCyan, color.Bold)
	yellow := color.New(color.FgYellow, color.Bold)

	fmt.Println()
	cyan.Println(separator)
	cyan.Println("NAVIGATION CHECK")
	cyan.Println(separator)
	fmt.Println()
	fmt.Printf("URL:        %s\n", rawURL)
	cyan.Print("Decision:   ")
	yellow.Println("SKIPPED")
	fmt.Println("            → Internal or non-web URL, never classified or tracked")
	fmt.Println()
}

// printCheckResult prints the classification with colors
func printCheckResult(rawURL, domain string, at time.Time, used int64, result policy.ClassificationResult, g *gate.Gate) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	red := color.New(color.FgRed, color.Bold)
	yellow := color.New(color.FgYellow)

	fmt.Println()
	cyan.Println(separator)
	cyan.Println("NAVIGATION CHECK")
	cyan.Println(separator)
	fmt.Println()

	fmt.Printf("URL:        %s\n", rawURL)
	fmt.Printf("Domain:     %s\n", domain)
	fmt.Printf("Check Time: %s (%s)\n", at.Format("2006-01-02 15:04"), at.Weekday())
	fmt.Printf("Used Today: %s\n", time.Duration(used)*time.Second)
	fmt.Println()

	cyan.Print("Decision:   ")
	switch {
	case result.Blocked:
		red.Println("BLOCK")
		fmt.Println("            → Tab will be redirected to the block page")
	case result.Allowed:
		green.Println("ALLOW")
		fmt.Println("            → Domain is on the allowlist")
	default:
		green.Println("ALLOW")
	}

	fmt.Printf("Category:   %s\n", result.Category)

	if tl := result.TimeLimit; tl != nil {
		if tl.Rule != nil {
			fmt.Printf("Time Rule:  %s (%s, %d min/day)\n", tl.Rule.ID, tl.Rule.Domain, tl.Rule.DailyLimitMinutes)
		}
		if tl.Reason != "" {
			fmt.Printf("Reason:     %s\n", tl.Reason)
		}
		if tl.BlockedUntil != nil {
			fmt.Printf("Until:      %s\n", tl.BlockedUntil.Local().Format("2006-01-02 15:04"))
		}
		if tl.HasBudget {
			yellow.Printf("Remaining:  %s\n", time.Duration(tl.RemainingSeconds)*time.Second)
		}
	}

	if result.Blocked {
		fmt.Printf("Block Page: %s\n", g.BlockPage(rawURL, domain, result))
	}

	fmt.Println()
	cyan.Println(separator)
	fmt.Println()
}

// parseCheckTime returns today at the given HH:MM in local time.
func parseCheckTime(now time.Time, timeStr string) (time.Time, error) {
	parsed, err := time.Parse("15:04", timeStr)
	if err != nil {
		return time.Time{}, fmt.Errorf("time must be in HH:MM format: %s", timeStr)
	}
	return time.Date(now.Year(), now.Month(), now.Day(), parsed.Hour(), parsed.Minute(), 0, 0, now.Location()), nil
}

// fixedClock implements policy.Clock for a chosen instant
type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time {
	return c.now
}
