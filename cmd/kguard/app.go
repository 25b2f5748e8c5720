package main

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/kguard/internal/backend"
	"github.com/goodtune/kguard/internal/config"
	"github.com/goodtune/kguard/internal/policy"
	"github.com/goodtune/kguard/internal/policy/opa"
	"github.com/goodtune/kguard/internal/storage"
	"github.com/goodtune/kguard/internal/storage/bolt"
	"github.com/goodtune/kguard/internal/storage/redis"
	"github.com/goodtune/kguard/internal/syncer"
	"github.com/goodtune/kguard/internal/usage"
	"github.com/rs/zerolog"
)

// app is the component graph shared by the host and the one-shot commands.
type app struct {
	cfg        *config.Config
	store      storage.Store
	ledger     *usage.Ledger
	dispatcher *backend.Dispatcher
	limits     *policy.TimeLimitEngine
	rego       *opa.Engine // nil with the builtin keyword engine
	classifier *policy.Classifier
	syncer     *syncer.Syncer
	logger     zerolog.Logger
}

type appOptions struct {
	// dryRun keeps time-limit evaluation from persisting or pushing cooldowns.
	dryRun bool
}

func openStorage(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Type {
	case "", "bolt":
		return bolt.Open(cfg.Path)
	case "redis":
		return redis.Open(cfg.Redis)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

func newApp(cfg *config.Config, opts appOptions, logger zerolog.Logger) (*app, error) {
	store, err := openStorage(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	a := &app{cfg: cfg, store: store, logger: logger}
	if err := a.wire(opts); err != nil {
		_ = store.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(opts appOptions) error {
	cfg := a.cfg

	ledger, err := usage.NewLedger(a.store.Usage(), cfg.Usage.DailyResetTime)
	if err != nil {
		return fmt.Errorf("failed to initialize usage ledger: %w", err)
	}
	a.ledger = ledger

	client := backend.NewClient(cfg.Backend.URL, config.Duration(cfg.Backend.Timeout), a.logger)
	a.dispatcher = backend.NewDispatcher(client, a.store.Settings(), backend.DispatcherConfig{
		Timeout:          config.Duration(cfg.Backend.Timeout),
		BlockReportRate:  cfg.Gate.BlockReportRate,
		BlockReportBurst: cfg.Gate.BlockReportBurst,
	}, a.logger)

	cooldown := time.Duration(cfg.Policy.DefaultCooldownHours * float64(time.Hour))
	rules := a.store.Rules()
	var pusher policy.RulePusher = a.dispatcher
	if opts.dryRun {
		rules = dryRunRules{a.store.Rules()}
		pusher = nil
	}
	a.limits = policy.NewTimeLimitEngine(rules, ledger, pusher, cooldown, a.logger)

	var keywords policy.KeywordClassifier
	switch cfg.Policy.KeywordEngine {
	case "rego":
		engine, err := opa.NewEngine(cfg.Policy.RegoPolicyDir, a.logger)
		if err != nil {
			return fmt.Errorf("failed to initialize OPA engine: %w", err)
		}
		a.rego = engine
		keywords = policy.NewRegoKeywords(engine, policy.DefaultCategories)
	default:
		table, err := policy.NewKeywordTable(policy.DefaultCategories, cfg.Policy.KeywordCacheSize)
		if err != nil {
			return fmt.Errorf("failed to initialize keyword table: %w", err)
		}
		keywords = table
	}
	a.classifier = policy.NewClassifier(a.limits, a.store.Lists(), keywords, cfg.Policy.KeywordEngine, a.logger)

	a.syncer = syncer.New(client, a.dispatcher, a.store, ledger, syncer.Config{
		PullInterval:          config.Duration(cfg.Sync.PullInterval),
		HeartbeatInterval:     config.Duration(cfg.Sync.HeartbeatInterval),
		InitialPullDelay:      config.Duration(cfg.Sync.InitialPullDelay),
		InitialHeartbeatDelay: config.Duration(cfg.Sync.InitialHeartbeatDelay),
	}, a.logger)

	return nil
}

// Close waits for in-flight backend tasks and closes storage.
func (a *app) Close() error {
	a.dispatcher.Wait()
	return a.store.Close()
}

// dryRunRules serves cached rules but drops writes.
type dryRunRules struct {
	storage.RuleStore
}

func (dryRunRules) Upsert(context.Context, storage.DomainRule) error { return nil }

func (r dryRunRules) SetBlockedUntil(ctx context.Context, id string, until time.Time) (*storage.DomainRule, error) {
	rule, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	rule.BlockedUntil = &until
	return rule, nil
}

func daysToDuration(days int) time.Duration {
	return time.Duration(days) * 24 * time.Hour
}
