// Package gate decides, for every main-frame navigation, whether the tab may
// proceed, and records the outcome.
package gate

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/goodtune/kguard/internal/metrics"
	"github.com/goodtune/kguard/internal/policy"
	"github.com/goodtune/kguard/internal/storage"
	"github.com/goodtune/kguard/internal/usage"
	"github.com/rs/zerolog"
)

// Signal identifies which browser event produced a navigation.
type Signal string

const (
	SignalBeforeNavigate Signal = "before_navigate"
	SignalCommitted      Signal = "committed"
)

// internalPrefixes are browser and extension pages that are never gated.
var internalPrefixes = []string{
	"chrome-extension://",
	"moz-extension://",
	"chrome://",
	"edge://",
	"about:",
}

// Navigation is one navigation signal for a tab.
type Navigation struct {
	Signal  Signal
	TabID   int
	URL     string
	FrameID int
}

// Decision is the gate's answer for a navigation.
type Decision struct {
	Skipped     bool
	Blocked     bool
	Domain      string
	RedirectURL string
	Result      policy.ClassificationResult
}

// Classifier classifies a navigation. It must not fail.
type Classifier interface {
	Classify(ctx context.Context, rawURL, domain string) policy.ClassificationResult
}

// Reporter forwards log records to the backend in the background.
type Reporter interface {
	ReportBlock(entry storage.BlockLogEntry)
	usage.HistoryReporter
}

// Config holds gate configuration
type Config struct {
	BlockPageURL      string
	HistoryLimit      int
	BlockLogRetention time.Duration
}

// Gate is the entry point for navigation events.
type Gate struct {
	classifier Classifier
	logs       storage.LogStore
	settings   storage.SettingsStore
	reporter   Reporter
	config     Config
	clock      policy.Clock
	logger     zerolog.Logger
}

// New creates a gate. reporter may be nil, in which case nothing leaves the
// device.
func New(classifier Classifier, logs storage.LogStore, settings storage.SettingsStore, reporter Reporter, config Config, logger zerolog.Logger) *Gate {
	if config.BlockPageURL == "" {
		config.BlockPageURL = "blocked-page.html"
	}
	if config.HistoryLimit <= 0 {
		config.HistoryLimit = 500
	}
	if config.BlockLogRetention <= 0 {
		config.BlockLogRetention = 90 * 24 * time.Hour
	}
	return &Gate{
		classifier: classifier,
		logs:       logs,
		settings:   settings,
		reporter:   reporter,
		config:     config,
		clock:      policy.RealClock{},
		logger:     logger.With().Str("component", "gate").Logger(),
	}
}

// SetClock sets the clock used for log timestamps (for testing)
func (g *Gate) SetClock(clock policy.Clock) {
	g.clock = clock
}

// Handle evaluates a navigation. Any failure resolves to an allowed
// navigation.
func (g *Gate) Handle(ctx context.Context, nav Navigation) (decision Decision) {
	defer func() {
		if r := recover(); r != nil {
			metrics.ClassificationErrors.Inc()
			g.logger.Error().Interface("panic", r).Str("url", nav.URL).Msg("Navigation gate panic, allowing")
			decision = Decision{Skipped: true}
		}
	}()

	domain, ok := g.gated(ctx, nav)
	if !ok {
		return Decision{Skipped: true}
	}

	result := g.classifier.Classify(ctx, nav.URL, domain)
	decision = Decision{Domain: domain, Result: result}

	outcome := "allowed"
	defer func() {
		metrics.NavigationsTotal.WithLabelValues(string(nav.Signal), outcome).Inc()
	}()

	if result.Blocked && !result.Allowed {
		outcome = "blocked"
		decision.Blocked = true
		decision.RedirectURL = g.BlockPage(nav.URL, domain, result)
		g.recordBlock(ctx, nav.URL, domain, result)
		return decision
	}

	// History is written once per navigation, on the committed signal.
	if nav.Signal == SignalCommitted {
		g.recordVisit(ctx, nav.URL, domain, result)
	}
	return decision
}

// Enforce blocks a tab whose time rule tripped outside a navigation, such as
// during a usage tick.
func (g *Gate) Enforce(ctx context.Context, rawURL, domain string, status policy.TimeLimitStatus) Decision {
	result := policy.ClassificationResult{
		Category:  policy.CategoryTimeLimit,
		Blocked:   true,
		TimeLimit: &status,
	}
	metrics.NavigationsTotal.WithLabelValues("tick", "blocked").Inc()
	g.recordBlock(ctx, rawURL, domain, result)
	return Decision{
		Blocked:     true,
		Domain:      domain,
		RedirectURL: g.BlockPage(rawURL, domain, result),
		Result:      result,
	}
}

// Gated reports whether a URL would be evaluated at all, ignoring the
// enable toggle.
func (g *Gate) Gated(rawURL string) (string, bool) {
	if g.Internal(rawURL) {
		return "", false
	}
	return usage.TrackableDomain(rawURL)
}

func (g *Gate) gated(ctx context.Context, nav Navigation) (string, bool) {
	if nav.FrameID != 0 {
		return "", false
	}
	domain, ok := g.Gated(nav.URL)
	if !ok {
		return "", false
	}
	settings, err := g.settings.Get(ctx)
	if err != nil {
		g.logger.Error().Err(err).Msg("Failed to load settings, allowing")
		return "", false
	}
	if !settings.ExtensionEnabled {
		return "", false
	}
	return domain, true
}

// Internal reports whether rawURL is a browser or extension page, or the
// block page itself. A relative block page is only reachable under an
// extension scheme, so web URLs never match it.
func (g *Gate) Internal(rawURL string) bool {
	lower := strings.ToLower(rawURL)
	for _, prefix := range internalPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return strings.HasPrefix(rawURL, g.config.BlockPageURL)
}

// BlockPage builds the redirect target for a blocked navigation.
func (g *Gate) BlockPage(rawURL, domain string, result policy.ClassificationResult) string {
	params := url.Values{}
	params.Set("url", rawURL)
	params.Set("domain", domain)
	params.Set("category", result.Category)
	if result.TimeLimit != nil && result.TimeLimit.BlockedUntil != nil {
		params.Set("blockedUntil", result.TimeLimit.BlockedUntil.UTC().Format(time.RFC3339))
	}
	sep := "?"
	if strings.Contains(g.config.BlockPageURL, "?") {
		sep = "&"
	}
	return g.config.BlockPageURL + sep + params.Encode()
}

func (g *Gate) recordBlock(ctx context.Context, rawURL, domain string, result policy.ClassificationResult) {
	action := storage.ActionBlocked
	if result.IsTimeLimit() {
		action = storage.ActionTimeLimit
	}
	now := g.clock.Now()
	entry := storage.BlockLogEntry{
		ID:        storage.NewID(),
		URL:       rawURL,
		Domain:    domain,
		Category:  result.Category,
		Action:    action,
		Timestamp: now,
	}

	metrics.BlockedNavigations.WithLabelValues(result.Category).Inc()
	g.logger.Info().
		Str("domain", domain).
		Str("category", result.Category).
		Str("action", string(action)).
		Msg("Navigation blocked")

	if err := g.logs.AddBlockLog(ctx, entry); err != nil {
		g.logger.Error().Err(err).Str("domain", domain).Msg("Failed to record block locally")
	} else if _, err := g.logs.DeleteBlockLogsBefore(ctx, now.Add(-g.config.BlockLogRetention)); err != nil {
		g.logger.Warn().Err(err).Msg("Failed to prune block log")
	}

	if g.reporter != nil {
		g.reporter.ReportBlock(entry)
	}
}

func (g *Gate) recordVisit(ctx context.Context, rawURL, domain string, result policy.ClassificationResult) {
	entry := storage.HistoryLogEntry{
		ID:        storage.NewID(),
		URL:       rawURL,
		Domain:    domain,
		PageTitle: domain,
		Category:  result.Category,
		Timestamp: g.clock.Now(),
	}

	if err := g.addHistory(ctx, entry); err != nil {
		g.logger.Error().Err(err).Str("domain", domain).Msg("Failed to record visit locally")
	}
	if g.reporter != nil {
		g.reporter.ReportHistory(entry, nil)
	}
}

func (g *Gate) addHistory(ctx context.Context, entry storage.HistoryLogEntry) error {
	if err := g.logs.AddHistoryLog(ctx, entry); err != nil {
		return err
	}
	if _, err := g.logs.TrimHistoryLogs(ctx, g.config.HistoryLimit); err != nil {
		return fmt.Errorf("trim history: %w", err)
	}
	return nil
}
