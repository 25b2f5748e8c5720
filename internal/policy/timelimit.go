package policy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goodtune/kguard/internal/metrics"
	"github.com/goodtune/kguard/internal/storage"
	"github.com/rs/zerolog"
)

// DefaultCooldown applies when a rule leaves cooldown_hours unset.
const DefaultCooldown = 24 * time.Hour

// UsageSource reports seconds used today for a domain, merging local and
// server-confirmed figures.
type UsageSource interface {
	SecondsToday(ctx context.Context, domain string) (int64, error)
}

// RulePusher sends an updated rule to the backend without blocking.
type RulePusher interface {
	PushRule(rule storage.DomainRule)
}

// TimeLimitEngine evaluates per-domain time rules and moves exhausted rules
// into cooldown.
type TimeLimitEngine struct {
	rules           storage.RuleStore
	usage           UsageSource
	pusher          RulePusher
	clock           Clock
	defaultCooldown time.Duration
	logger          zerolog.Logger
}

// NewTimeLimitEngine creates a time-limit engine. pusher may be nil.
func NewTimeLimitEngine(rules storage.RuleStore, usage UsageSource, pusher RulePusher, defaultCooldown time.Duration, logger zerolog.Logger) *TimeLimitEngine {
	if defaultCooldown <= 0 {
		defaultCooldown = DefaultCooldown
	}
	return &TimeLimitEngine{
		rules:           rules,
		usage:           usage,
		pusher:          pusher,
		clock:           RealClock{},
		defaultCooldown: defaultCooldown,
		logger:          logger.With().Str("component", "timelimit").Logger(),
	}
}

// SetClock sets the clock for time-based evaluation (for testing)
func (e *TimeLimitEngine) SetClock(clock Clock) {
	e.clock = clock
}

// Check evaluates the first rule matching domain.
//
// Permanent blocks dominate, then an unexpired blocked_until, then the daily
// budget. Reaching the budget writes blocked_until locally and pushes the
// rule; later checks see the cooldown instead of writing again. A rule
// removed by a pull while usage was being read is re-evaluated from the
// current cache rather than written back.
func (e *TimeLimitEngine) Check(ctx context.Context, domain string) (TimeLimitStatus, error) {
	const maxAttempts = 3
	for attempt := 1; ; attempt++ {
		status, err := e.check(ctx, domain)
		if !errors.Is(err, errRuleGone) {
			return status, err
		}
		if attempt == maxAttempts {
			return TimeLimitStatus{}, nil
		}
	}
}

var errRuleGone = errors.New("time rule removed during check")

func (e *TimeLimitEngine) check(ctx context.Context, domain string) (TimeLimitStatus, error) {
	rules, err := e.rules.List(ctx)
	if err != nil {
		return TimeLimitStatus{}, fmt.Errorf("load time rules: %w", err)
	}

	rule, ok := FindRule(domain, rules)
	if !ok {
		return TimeLimitStatus{}, nil
	}

	now := e.clock.Now()

	if rule.PermanentBlock {
		return TimeLimitStatus{Blocked: true, Reason: ReasonPermanent, Rule: &rule}, nil
	}

	if rule.BlockedUntil != nil && rule.BlockedUntil.After(now) {
		until := *rule.BlockedUntil
		return TimeLimitStatus{Blocked: true, Reason: ReasonCooldown, BlockedUntil: &until, Rule: &rule}, nil
	}

	if rule.DailyLimitMinutes <= 0 {
		return TimeLimitStatus{Rule: &rule}, nil
	}

	used, err := e.usage.SecondsToday(ctx, domain)
	if err != nil {
		return TimeLimitStatus{}, fmt.Errorf("usage for %s: %w", domain, err)
	}
	limit := int64(rule.DailyLimitMinutes) * 60

	if used >= limit {
		until := now.Add(e.cooldownFor(rule)).UTC()
		rule.BlockedUntil = &until

		if rule.ID == "" {
			// Pulled rules always carry an id; an id-less one can only be
			// reported, not cooled down.
			e.logger.Warn().Str("domain", domain).Msg("Time rule has no id, cooldown not stored")
			return TimeLimitStatus{Blocked: true, Reason: ReasonLimitReached, BlockedUntil: &until, Rule: &rule}, nil
		}

		stored, err := e.rules.SetBlockedUntil(ctx, rule.ID, until)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			e.logger.Debug().Str("domain", domain).Str("rule_id", rule.ID).Msg("Time rule removed before cooldown, re-evaluating")
			return TimeLimitStatus{}, errRuleGone
		case err != nil:
			// The decision stands even if the cooldown could not be cached.
			e.logger.Error().Err(err).Str("domain", domain).Msg("Failed to persist cooldown")
		default:
			rule = *stored
		}
		if e.pusher != nil {
			e.pusher.PushRule(rule)
		}
		metrics.CooldownsStarted.Inc()

		e.logger.Info().
			Str("domain", domain).
			Str("rule_id", rule.ID).
			Int64("used_seconds", used).
			Int64("limit_seconds", limit).
			Time("blocked_until", until).
			Msg("Time limit reached")

		return TimeLimitStatus{Blocked: true, Reason: ReasonLimitReached, BlockedUntil: &until, Rule: &rule}, nil
	}

	return TimeLimitStatus{
		RemainingSeconds: limit - used,
		HasBudget:        true,
		Rule:             &rule,
	}, nil
}

func (e *TimeLimitEngine) cooldownFor(rule storage.DomainRule) time.Duration {
	if rule.CooldownHours <= 0 {
		return e.defaultCooldown
	}
	return time.Duration(rule.CooldownHours * float64(time.Hour))
}
