package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goodtune/kguard/internal/metrics"
	"github.com/goodtune/kguard/internal/storage"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// DispatcherConfig holds dispatcher configuration
type DispatcherConfig struct {
	Timeout          time.Duration
	BlockReportRate  float64 // block reports per second
	BlockReportBurst int
}

// Dispatcher runs backend calls as detached tasks. Each task has its own
// timeout and panic boundary; callers never see its outcome.
type Dispatcher struct {
	client   *Client
	settings storage.SettingsStore
	timeout  time.Duration
	limiter  *rate.Limiter
	now      func() time.Time
	wg       sync.WaitGroup
	logger   zerolog.Logger
}

// NewDispatcher creates a dispatcher. Credentials are read from settings at
// the start of every task.
func NewDispatcher(client *Client, settings storage.SettingsStore, config DispatcherConfig, logger zerolog.Logger) *Dispatcher {
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	limit := rate.Inf
	if config.BlockReportRate > 0 {
		limit = rate.Limit(config.BlockReportRate)
	}
	if config.BlockReportBurst <= 0 {
		config.BlockReportBurst = 1
	}
	return &Dispatcher{
		client:   client,
		settings: settings,
		timeout:  config.Timeout,
		limiter:  rate.NewLimiter(limit, config.BlockReportBurst),
		now:      time.Now,
		logger:   logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Client returns the underlying REST client.
func (d *Dispatcher) Client() *Client {
	return d.client
}

// Credentials loads the stored token and identifiers. It fails with
// ErrNoCredentials when no token is stored and ErrTokenExpired when the
// token's exp has passed.
func (d *Dispatcher) Credentials(ctx context.Context) (Credentials, error) {
	settings, err := d.settings.Get(ctx)
	if err != nil {
		return Credentials{}, fmt.Errorf("load settings: %w", err)
	}
	creds := Credentials{
		Token:    settings.AuthToken,
		ChildID:  settings.ChildID,
		DeviceID: settings.DeviceID,
	}
	if creds.Token == "" {
		return creds, ErrNoCredentials
	}
	if TokenExpired(creds.Token, d.now()) {
		return creds, ErrTokenExpired
	}
	return creds, nil
}

// Go runs fn in the background with the dispatcher timeout. Tasks without
// usable credentials are dropped before reaching the network.
func (d *Dispatcher) Go(task string, fn func(ctx context.Context, creds Credentials) error) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error().Str("task", task).Interface("panic", r).Msg("Detached task panicked")
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		creds, err := d.Credentials(ctx)
		if err != nil {
			metrics.DetachedTasksDropped.WithLabelValues(task, dropReason(err)).Inc()
			d.logger.Debug().Err(err).Str("task", task).Msg("Skipping backend task")
			return
		}

		if err := fn(ctx, creds); err != nil {
			d.logger.Warn().Err(err).Str("task", task).Msg("Backend task failed")
		}
	}()
}

// Wait blocks until all started tasks have finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// PushRule sends an updated time rule. A rule the backend no longer knows is
// left for the next pull to resolve.
func (d *Dispatcher) PushRule(rule storage.DomainRule) {
	d.Go("push_rule", func(ctx context.Context, creds Credentials) error {
		err := d.client.UpsertLimit(ctx, creds, rule)
		if errors.Is(err, ErrNotFound) {
			d.logger.Info().Str("domain", rule.Domain).Msg("Rule unknown to backend, refreshing on next pull")
			return nil
		}
		return err
	})
}

// ReportBlock sends a block log entry, subject to the report rate limit.
func (d *Dispatcher) ReportBlock(entry storage.BlockLogEntry) {
	if !d.limiter.Allow() {
		metrics.DetachedTasksDropped.WithLabelValues("report_block", "rate_limited").Inc()
		return
	}
	d.Go("report_block", func(ctx context.Context, creds Credentials) error {
		return d.client.LogBlock(ctx, creds, entry)
	})
}

// ReportHistory sends a history entry and calls onSent after the backend
// accepted it.
func (d *Dispatcher) ReportHistory(entry storage.HistoryLogEntry, onSent func(ctx context.Context)) {
	d.Go("report_history", func(ctx context.Context, creds Credentials) error {
		if err := d.client.LogHistory(ctx, creds, entry); err != nil {
			return err
		}
		if onSent != nil {
			onSent(ctx)
		}
		return nil
	})
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, ErrNoCredentials):
		return "no_credentials"
	case errors.Is(err, ErrTokenExpired):
		return "token_expired"
	default:
		return "settings_error"
	}
}
