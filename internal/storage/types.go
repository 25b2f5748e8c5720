package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DateLayout is the calendar-date key format of the usage ledger.
const DateLayout = "2006-01-02"

// Action represents the kind of block recorded in the block log.
type Action string

const (
	ActionBlocked   Action = "BLOCKED"
	ActionTimeLimit Action = "TIME_LIMIT"
)

// UnmarshalJSON implements json.Unmarshaler to normalize action to uppercase.
func (a *Action) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	normalized := Action(strings.ToUpper(s))
	switch normalized {
	case ActionBlocked, ActionTimeLimit:
		*a = normalized
		return nil
	case "":
		*a = ActionBlocked
		return nil
	default:
		return fmt.Errorf("invalid action: %s (must be BLOCKED or TIME_LIMIT)", s)
	}
}

// MarshalJSON implements json.Marshaler to ensure uppercase output.
func (a Action) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(a))
}

// DomainRule is a per-domain daily time budget with cooldown and
// permanent-block policy. PermanentBlock dominates every other field.
type DomainRule struct {
	ID                string     `json:"id"`
	Domain            string     `json:"domain"`
	DailyLimitMinutes int        `json:"daily_limit_minutes"` // 0 = unlimited unless PermanentBlock
	CooldownHours     float64    `json:"cooldown_hours"`      // 0 = default cooldown
	PermanentBlock    bool       `json:"permanent_block"`
	BlockedUntil      *time.Time `json:"blocked_until,omitempty"`
}

// Validate checks the rule before it is written or after it is read.
func (r DomainRule) Validate() error {
	if strings.TrimSpace(r.Domain) == "" {
		return errors.New("rule domain is required")
	}
	if r.DailyLimitMinutes < 0 {
		return fmt.Errorf("rule %s: negative daily limit", r.Domain)
	}
	if r.CooldownHours < 0 {
		return fmt.Errorf("rule %s: negative cooldown", r.Domain)
	}
	return nil
}

// ListEntry is a blocklist or allowlist entry. Unique by domain.
type ListEntry struct {
	Domain   string    `json:"domain"`
	Category string    `json:"category,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	AddedAt  time.Time `json:"added_at,omitempty"`
}

// Validate checks the entry has a domain.
func (e ListEntry) Validate() error {
	if strings.TrimSpace(e.Domain) == "" {
		return errors.New("list entry domain is required")
	}
	return nil
}

// DedupeEntries drops entries whose domain repeats, keeping the first.
func DedupeEntries(entries []ListEntry) []ListEntry {
	seen := make(map[string]struct{}, len(entries))
	out := make([]ListEntry, 0, len(entries))
	for _, e := range entries {
		key := strings.ToLower(strings.TrimSpace(e.Domain))
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, e)
	}
	return out
}

// DailyUsage aggregates usage per day and domain.
//
// TrackedSeconds only grows. FlushedSeconds counts what the backend
// acknowledged, ConfirmedSeconds the part of that already included in
// ServerSeconds.
type DailyUsage struct {
	Date             string `json:"date"`
	Domain           string `json:"domain"`
	TrackedSeconds   int64  `json:"tracked_seconds"`
	FlushedSeconds   int64  `json:"flushed_seconds"`
	ConfirmedSeconds int64  `json:"confirmed_seconds"`
	ServerSeconds    int64  `json:"server_seconds"`
}

// UnconfirmedSeconds returns locally tracked seconds the server has not
// reported back yet.
func (u DailyUsage) UnconfirmedSeconds() int64 {
	if d := u.TrackedSeconds - u.ConfirmedSeconds; d > 0 {
		return d
	}
	return 0
}

// TotalSeconds merges server-confirmed and local-only seconds.
func (u DailyUsage) TotalSeconds() int64 {
	return u.ServerSeconds + u.UnconfirmedSeconds()
}

// Validate checks the ledger record.
func (u DailyUsage) Validate() error {
	if _, err := time.Parse(DateLayout, u.Date); err != nil {
		return fmt.Errorf("usage date %q: %w", u.Date, err)
	}
	if u.Domain == "" {
		return errors.New("usage domain is required")
	}
	if u.TrackedSeconds < 0 || u.FlushedSeconds < 0 || u.ConfirmedSeconds < 0 || u.ServerSeconds < 0 {
		return fmt.Errorf("usage %s/%s: negative seconds", u.Date, u.Domain)
	}
	return nil
}

// BlockLogEntry is one locally recorded block.
type BlockLogEntry struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Domain    string    `json:"domain"`
	Category  string    `json:"category"`
	Action    Action    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
}

// Validate checks the block log entry.
func (e BlockLogEntry) Validate() error {
	if e.Domain == "" && e.URL == "" {
		return errors.New("block log entry needs a url or domain")
	}
	return nil
}

// HistoryLogEntry is one locally recorded visit.
type HistoryLogEntry struct {
	ID              string    `json:"id"`
	URL             string    `json:"url"`
	Domain          string    `json:"domain"`
	PageTitle       string    `json:"page_title"`
	Category        string    `json:"category,omitempty"`
	DurationSeconds int64     `json:"duration"`
	Timestamp       time.Time `json:"timestamp"`
}

// Validate checks the history log entry.
func (e HistoryLogEntry) Validate() error {
	if e.Domain == "" && e.URL == "" {
		return errors.New("history log entry needs a url or domain")
	}
	if e.DurationSeconds < 0 {
		return errors.New("history log entry has negative duration")
	}
	return nil
}

// Settings holds the agent identity and toggles.
type Settings struct {
	SetupComplete      bool   `json:"setup_complete"`
	ChildID            string `json:"child_id"`
	ChildName          string `json:"child_name"`
	DeviceID           string `json:"device_id"`
	AuthToken          string `json:"auth_token"`
	ExtensionEnabled   bool   `json:"extension_enabled"`
	ParentPasswordHash string `json:"parent_password_hash,omitempty"`
}

// DefaultSettings returns the settings used before anything is stored.
func DefaultSettings() Settings {
	return Settings{ExtensionEnabled: true}
}

// Validate checks the settings record.
func (s Settings) Validate() error {
	if s.SetupComplete && s.ChildID == "" && s.ChildName == "" {
		return errors.New("setup complete without child id or name")
	}
	return nil
}

// NormalizeDomain lowercases and trims a hostname for use as a ledger key.
func NormalizeDomain(domain string) string {
	return strings.ToLower(strings.TrimSpace(domain))
}
