package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// Store represents the root storage interface.
// Every key the agent persists locally is reachable from here. The active
// usage session is deliberately absent: it only lives in memory.
type Store interface {
	Close() error
	Rules() RuleStore
	Lists() ListStore
	Usage() UsageStore
	Logs() LogStore
	Settings() SettingsStore
}

// RuleStore caches the per-domain time rules pulled from the backend.
type RuleStore interface {
	List(ctx context.Context) ([]DomainRule, error)
	Get(ctx context.Context, id string) (*DomainRule, error)
	ReplaceAll(ctx context.Context, rules []DomainRule) error
	Upsert(ctx context.Context, rule DomainRule) error
	// SetBlockedUntil updates the cooldown of an existing rule and returns
	// the stored rule. It never inserts: a missing id is ErrNotFound.
	SetBlockedUntil(ctx context.Context, id string, until time.Time) (*DomainRule, error)
	Delete(ctx context.Context, id string) error
}

// ListStore caches the custom blocklist and the allowlist.
type ListStore interface {
	Blocked(ctx context.Context) ([]ListEntry, error)
	Allowed(ctx context.Context) ([]ListEntry, error)
	ReplaceBlocked(ctx context.Context, entries []ListEntry) error
	ReplaceAllowed(ctx context.Context, entries []ListEntry) error
}

// UsageStore manages the per-day usage ledger.
type UsageStore interface {
	IncrementDailyUsage(ctx context.Context, date, domain string, seconds int64) error
	MarkFlushed(ctx context.Context, date, domain string, seconds int64) error
	FlushedSnapshot(ctx context.Context, date string) (map[string]int64, error)
	ApplyServerUsage(ctx context.Context, date string, server, confirmed map[string]int64) error
	GetDailyUsage(ctx context.Context, date, domain string) (*DailyUsage, error)
	ListDailyUsage(ctx context.Context, date string) ([]DailyUsage, error)
	DeleteDailyUsageBefore(ctx context.Context, cutoffDate string) (int, error)
}

// LogStore manages the local block and history logs.
type LogStore interface {
	AddBlockLog(ctx context.Context, entry BlockLogEntry) error
	AddHistoryLog(ctx context.Context, entry HistoryLogEntry) error
	ListBlockLogs(ctx context.Context, since time.Time) ([]BlockLogEntry, error)
	ListHistoryLogs(ctx context.Context, limit int) ([]HistoryLogEntry, error)
	DeleteBlockLogsBefore(ctx context.Context, cutoff time.Time) (int, error)
	TrimHistoryLogs(ctx context.Context, keep int) (int, error)
}

// SettingsStore holds identifiers, the auth token and the feature toggle.
// Get returns DefaultSettings when nothing has been stored yet.
type SettingsStore interface {
	Get(ctx context.Context) (*Settings, error)
	Put(ctx context.Context, settings Settings) error
}
