package policy

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/goodtune/kguard/internal/metrics"
	"github.com/goodtune/kguard/internal/storage"
	"github.com/rs/zerolog"
)

// TimeLimitChecker evaluates the time rule for a domain.
type TimeLimitChecker interface {
	Check(ctx context.Context, domain string) (TimeLimitStatus, error)
}

// Classifier decides the category of a navigation. Precedence, first match
// wins: time limit, allowlist, custom blocklist, keyword table, safe.
type Classifier struct {
	timeLimits TimeLimitChecker
	lists      storage.ListStore
	keywords   KeywordClassifier
	engineName string
	logger     zerolog.Logger
}

// NewClassifier creates a classifier. engineName labels metrics only.
func NewClassifier(timeLimits TimeLimitChecker, lists storage.ListStore, keywords KeywordClassifier, engineName string, logger zerolog.Logger) *Classifier {
	return &Classifier{
		timeLimits: timeLimits,
		lists:      lists,
		keywords:   keywords,
		engineName: engineName,
		logger:     logger.With().Str("component", "classifier").Logger(),
	}
}

// Classify never returns an error. Any failure yields the Unknown category,
// which is not blocked.
func (c *Classifier) Classify(ctx context.Context, rawURL, domain string) ClassificationResult {
	start := time.Now()
	defer func() {
		metrics.ClassificationDuration.WithLabelValues(c.engineName).Observe(time.Since(start).Seconds())
	}()

	result, err := c.classify(ctx, rawURL, domain)
	if err != nil {
		metrics.ClassificationErrors.Inc()
		c.logger.Error().Err(err).Str("url", rawURL).Msg("Classification failed, allowing")
		return ClassificationResult{Category: CategoryUnknown}
	}
	return result
}

func (c *Classifier) classify(ctx context.Context, rawURL, domain string) (result ClassificationResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("classifier panic: %v", r)
		}
	}()

	if domain == "" {
		domain, err = HostOf(rawURL)
		if err != nil {
			return ClassificationResult{}, err
		}
	}
	domain = strings.ToLower(domain)

	status, err := c.timeLimits.Check(ctx, domain)
	if err != nil {
		return ClassificationResult{}, err
	}
	if status.Blocked {
		return ClassificationResult{Category: CategoryTimeLimit, Blocked: true, TimeLimit: &status}, nil
	}

	allowed, err := c.lists.Allowed(ctx)
	if err != nil {
		return ClassificationResult{}, fmt.Errorf("load allowlist: %w", err)
	}
	if _, ok := ListContains(domain, allowed); ok {
		return ClassificationResult{Category: CategoryAllowed, Allowed: true}, nil
	}

	blocked, err := c.lists.Blocked(ctx)
	if err != nil {
		return ClassificationResult{}, fmt.Errorf("load blocklist: %w", err)
	}
	if entry, ok := ListContains(domain, blocked); ok {
		category := entry.Category
		if category == "" {
			category = CategoryCustom
		}
		return ClassificationResult{Category: category, Blocked: true, Custom: true}, nil
	}

	text := strings.ToLower(rawURL) + " " + domain
	category, ok, err := c.keywords.Match(ctx, text)
	if err != nil {
		return ClassificationResult{}, fmt.Errorf("keyword match: %w", err)
	}
	if ok {
		return ClassificationResult{Category: category, Blocked: true}, nil
	}

	return ClassificationResult{Category: CategorySafe}, nil
}

// HostOf returns the lowercased hostname of rawURL.
func HostOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", fmt.Errorf("url %q has no host", rawURL)
	}
	return host, nil
}
