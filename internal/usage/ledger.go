package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goodtune/kguard/internal/policy"
	"github.com/goodtune/kguard/internal/storage"
)

// Ledger is the day-keyed view over the usage store.
type Ledger struct {
	store     storage.UsageStore
	resetTime time.Time // only hour and minute are used
	clock     policy.Clock
}

// NewLedger creates a ledger whose day starts at resetTime ("15:04").
func NewLedger(store storage.UsageStore, resetTime string) (*Ledger, error) {
	if resetTime == "" {
		resetTime = "00:00"
	}
	parsed, err := time.Parse("15:04", resetTime)
	if err != nil {
		return nil, fmt.Errorf("parse daily reset time: %w", err)
	}
	return &Ledger{store: store, resetTime: parsed, clock: policy.RealClock{}}, nil
}

// SetClock sets the clock used to pick the current day (for testing)
func (l *Ledger) SetClock(clock policy.Clock) {
	l.clock = clock
}

// Store returns the underlying usage store.
func (l *Ledger) Store() storage.UsageStore {
	return l.store
}

// DateFor returns the ledger day t belongs to.
func (l *Ledger) DateFor(t time.Time) string {
	return policy.DateKey(resetDate(t, l.resetTime))
}

// Today returns the current ledger day.
func (l *Ledger) Today() string {
	return l.DateFor(l.clock.Now())
}

// SecondsToday merges server-confirmed and local-only seconds for domain.
func (l *Ledger) SecondsToday(ctx context.Context, domain string) (int64, error) {
	u, err := l.store.GetDailyUsage(ctx, l.Today(), storage.NormalizeDomain(domain))
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return u.TotalSeconds(), nil
}

// UsageToday lists today's records.
func (l *Ledger) UsageToday(ctx context.Context) ([]storage.DailyUsage, error) {
	return l.store.ListDailyUsage(ctx, l.Today())
}

// resetDate returns the start of the ledger day containing now. Before the
// reset time, yesterday is still the current day.
func resetDate(now time.Time, resetTime time.Time) time.Time {
	today := time.Date(now.Year(), now.Month(), now.Day(), resetTime.Hour(), resetTime.Minute(), 0, 0, now.Location())
	if now.Before(today) {
		return today.AddDate(0, 0, -1)
	}
	return today
}
