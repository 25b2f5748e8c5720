package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/kguard/internal/metrics"
	"github.com/goodtune/kguard/internal/policy"
	"github.com/goodtune/kguard/internal/storage"
	"github.com/rs/zerolog"
)

const (
	// DefaultTickInterval is how often foreground time is added to the ledger
	DefaultTickInterval = 5 * time.Second

	// DefaultFlushThreshold is the pending time that triggers a batched flush
	DefaultFlushThreshold = 20 * time.Second
)

// Config holds tracker configuration
type Config struct {
	TickInterval   time.Duration
	FlushThreshold time.Duration
}

// Tracker owns the single active session. It is not safe for concurrent use;
// the agent loop is its only caller.
type Tracker struct {
	ledger         *Ledger
	reporter       HistoryReporter
	session        *Session
	tickInterval   time.Duration
	flushThreshold int64
	clock          policy.Clock
	logger         zerolog.Logger
}

// NewTracker creates a new usage tracker. reporter may be nil, in which case
// usage is only recorded locally.
func NewTracker(ledger *Ledger, reporter HistoryReporter, config Config, logger zerolog.Logger) *Tracker {
	if config.TickInterval <= 0 {
		config.TickInterval = DefaultTickInterval
	}
	if config.FlushThreshold <= 0 {
		config.FlushThreshold = DefaultFlushThreshold
	}

	return &Tracker{
		ledger:         ledger,
		reporter:       reporter,
		tickInterval:   config.TickInterval,
		flushThreshold: int64(config.FlushThreshold / time.Second),
		clock:          policy.RealClock{},
		logger:         logger.With().Str("component", "usage-tracker").Logger(),
	}
}

// SetClock sets the clock for the tracker and its ledger (for testing)
func (t *Tracker) SetClock(clock policy.Clock) {
	t.clock = clock
	t.ledger.SetClock(clock)
}

// TickInterval returns the configured tick period.
func (t *Tracker) TickInterval() time.Duration {
	return t.tickInterval
}

// Active returns a copy of the current session.
func (t *Tracker) Active() (Session, bool) {
	if t.session == nil {
		return Session{}, false
	}
	return *t.session, true
}

// Observe feeds a foreground tab observation into the session state machine.
// Non-trackable URLs end the session; the active domain continues it; any
// other domain replaces it.
func (t *Tracker) Observe(ctx context.Context, tabID int, rawURL string) {
	domain, ok := TrackableDomain(rawURL)
	if !ok {
		t.End(ctx)
		return
	}
	t.Start(ctx, tabID, rawURL, domain)
}

// Start begins tracking domain. A session on another domain is ended first,
// flushing its pending time; the same domain only updates tab and URL.
func (t *Tracker) Start(ctx context.Context, tabID int, rawURL, domain string) {
	domain = storage.NormalizeDomain(domain)

	if t.session != nil {
		if t.session.Domain == domain {
			t.session.TabID = tabID
			t.session.URL = rawURL
			return
		}
		t.End(ctx)
	}

	now := t.clock.Now()
	t.session = &Session{
		TabID:       tabID,
		URL:         rawURL,
		Domain:      domain,
		StartedAt:   now,
		LastTickAt:  now,
		pendingDate: t.ledger.DateFor(now),
	}
	metrics.ActiveSession.Set(1)

	t.logger.Debug().
		Int("tab_id", tabID).
		Str("domain", domain).
		Msg("Started usage session")
}

// Tick adds the time since the last tick to the ledger and flushes once the
// pending amount reaches the threshold.
func (t *Tracker) Tick(ctx context.Context) error {
	if t.session == nil {
		return nil
	}
	return t.accrue(ctx)
}

// End closes the active session: the final partial tick is recorded and the
// pending time is flushed regardless of the threshold.
func (t *Tracker) End(ctx context.Context) {
	if t.session == nil {
		return
	}

	if err := t.accrue(ctx); err != nil {
		t.logger.Error().Err(err).Str("domain", t.session.Domain).Msg("Failed to record final usage")
	}
	t.flush()

	t.logger.Debug().
		Str("domain", t.session.Domain).
		Dur("duration", t.clock.Now().Sub(t.session.StartedAt)).
		Msg("Ended usage session")

	t.session = nil
	metrics.ActiveSession.Set(0)
}

func (t *Tracker) accrue(ctx context.Context) error {
	s := t.session
	now := t.clock.Now()

	elapsed := int64(now.Sub(s.LastTickAt).Round(time.Second) / time.Second)
	if elapsed <= 0 {
		if now.Before(s.LastTickAt) {
			s.LastTickAt = now
		}
		return nil
	}

	// The whole tick belongs to the day it ends in.
	date := t.ledger.DateFor(now)
	if s.PendingSeconds > 0 && s.pendingDate != date {
		t.flush()
	}

	// LastTickAt only moves once the seconds are stored, so a failed write
	// is retried on the next tick.
	if err := t.ledger.Store().IncrementDailyUsage(ctx, date, s.Domain, elapsed); err != nil {
		return fmt.Errorf("record usage for %s: %w", s.Domain, err)
	}
	s.LastTickAt = now
	s.PendingSeconds += elapsed
	s.pendingDate = date
	metrics.UsageSecondsTracked.Add(float64(elapsed))

	if s.PendingSeconds >= t.flushThreshold {
		t.flush()
	}
	return nil
}

func (t *Tracker) flush() {
	s := t.session
	if s == nil || s.PendingSeconds <= 0 {
		return
	}

	date, domain, seconds := s.pendingDate, s.Domain, s.PendingSeconds
	s.PendingSeconds = 0

	if t.reporter == nil {
		return
	}

	entry := storage.HistoryLogEntry{
		URL:             s.URL,
		Domain:          domain,
		PageTitle:       domain,
		DurationSeconds: seconds,
		Timestamp:       t.clock.Now().UTC(),
	}
	store := t.ledger.Store()
	logger := t.logger
	t.reporter.ReportHistory(entry, func(ctx context.Context) {
		metrics.UsageFlushes.WithLabelValues("sent").Inc()
		if err := store.MarkFlushed(ctx, date, domain, seconds); err != nil {
			logger.Warn().Err(err).Str("domain", domain).Msg("Failed to mark usage flushed")
		}
	})
	metrics.UsageFlushes.WithLabelValues("scheduled").Inc()

	t.logger.Debug().
		Str("date", date).
		Str("domain", domain).
		Int64("seconds", seconds).
		Msg("Flushed pending usage")
}
