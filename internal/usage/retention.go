package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/kguard/internal/policy"
	"github.com/goodtune/kguard/internal/storage"
	"github.com/rs/zerolog"
)

// RetentionConfig bounds what the local store keeps.
type RetentionConfig struct {
	ResetTime      string // "15:04"
	UsageDays      int
	BlockLogDays   int
	HistoryLimit   int
	CleanupTimeout time.Duration
}

// RetentionScheduler prunes the ledger and logs once a day at the reset time.
type RetentionScheduler struct {
	usage     storage.UsageStore
	logs      storage.LogStore
	ledger    *Ledger
	config    RetentionConfig
	resetTime time.Time // only hour and minute are used
	clock     policy.Clock
	logger    zerolog.Logger
	stopChan  chan struct{}
}

// NewRetentionScheduler creates a new retention scheduler
func NewRetentionScheduler(ledger *Ledger, logs storage.LogStore, config RetentionConfig, logger zerolog.Logger) (*RetentionScheduler, error) {
	if config.ResetTime == "" {
		config.ResetTime = "00:00"
	}
	parsedTime, err := time.Parse("15:04", config.ResetTime)
	if err != nil {
		return nil, fmt.Errorf("parse reset time: %w", err)
	}
	if config.CleanupTimeout <= 0 {
		config.CleanupTimeout = time.Minute
	}

	return &RetentionScheduler{
		usage:     ledger.Store(),
		logs:      logs,
		ledger:    ledger,
		config:    config,
		resetTime: parsedTime,
		clock:     policy.RealClock{},
		logger:    logger.With().Str("component", "retention").Logger(),
		stopChan:  make(chan struct{}),
	}, nil
}

// SetClock sets the clock used for cutoffs (for testing)
func (rs *RetentionScheduler) SetClock(clock policy.Clock) {
	rs.clock = clock
}

// Start begins the retention scheduler
func (rs *RetentionScheduler) Start() {
	go rs.run()
	rs.logger.Info().
		Str("reset_time", rs.resetTime.Format("15:04")).
		Msg("Daily retention scheduler started")
}

// Stop stops the retention scheduler
func (rs *RetentionScheduler) Stop() {
	close(rs.stopChan)
	rs.logger.Info().Msg("Daily retention scheduler stopped")
}

func (rs *RetentionScheduler) run() {
	for {
		nextReset := rs.nextReset(rs.clock.Now())
		wait := time.Until(nextReset)

		rs.logger.Debug().
			Time("next_reset", nextReset).
			Dur("wait_duration", wait).
			Msg("Scheduled next retention pass")

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
			ctx, cancel := context.WithTimeout(context.Background(), rs.config.CleanupTimeout)
			if err := rs.RunOnce(ctx); err != nil {
				rs.logger.Error().Err(err).Msg("Retention pass failed")
			}
			cancel()
		case <-rs.stopChan:
			timer.Stop()
			return
		}
	}
}

// nextReset returns the first reset time strictly after now.
func (rs *RetentionScheduler) nextReset(now time.Time) time.Time {
	todayReset := time.Date(
		now.Year(), now.Month(), now.Day(),
		rs.resetTime.Hour(), rs.resetTime.Minute(), 0, 0,
		now.Location(),
	)
	if !now.Before(todayReset) {
		return todayReset.AddDate(0, 0, 1)
	}
	return todayReset
}

// RunOnce deletes ledger days and block log entries past their retention
// and trims the history log. Each step runs even if an earlier one failed.
func (rs *RetentionScheduler) RunOnce(ctx context.Context) error {
	now := rs.clock.Now()
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if rs.config.UsageDays > 0 {
		cutoff := rs.ledger.DateFor(now.AddDate(0, 0, -rs.config.UsageDays))
		n, err := rs.usage.DeleteDailyUsageBefore(ctx, cutoff)
		if err != nil {
			keep(fmt.Errorf("prune usage ledger: %w", err))
		} else {
			rs.logger.Info().Int("deleted", n).Str("cutoff_date", cutoff).Msg("Pruned usage ledger")
		}
	}

	if rs.config.BlockLogDays > 0 {
		cutoff := now.AddDate(0, 0, -rs.config.BlockLogDays)
		n, err := rs.logs.DeleteBlockLogsBefore(ctx, cutoff)
		if err != nil {
			keep(fmt.Errorf("prune block log: %w", err))
		} else {
			rs.logger.Info().Int("deleted", n).Time("cutoff", cutoff).Msg("Pruned block log")
		}
	}

	if rs.config.HistoryLimit > 0 {
		n, err := rs.logs.TrimHistoryLogs(ctx, rs.config.HistoryLimit)
		if err != nil {
			keep(fmt.Errorf("trim history log: %w", err))
		} else {
			rs.logger.Info().Int("deleted", n).Int("keep", rs.config.HistoryLimit).Msg("Trimmed history log")
		}
	}

	return firstErr
}
