package backend

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/goodtune/kguard/internal/storage"
)

// Credentials identify the device to the backend.
type Credentials struct {
	Token    string
	ChildID  string
	DeviceID string
}

// Child is a child profile owned by the authenticated parent.
type Child struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Device describes this install when registering it.
type Device struct {
	ChildID    string `json:"child_id"`
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
	DeviceType string `json:"device_type"`
}

// naiveLayouts are timestamps without a zone, read as UTC.
var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
}

// Time accepts RFC 3339 timestamps and the zone-less ISO timestamps the
// backend emits. A null or empty value leaves the time zero.
type Time struct {
	time.Time
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Time) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	parsed, err := ParseTime(s)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

// MarshalJSON implements json.Marshaler.
func (t Time) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// ParseTime parses a backend timestamp.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if parsed, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return parsed.UTC(), nil
	}
	for _, layout := range naiveLayouts {
		if parsed, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return parsed, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// limit is the wire form of a time rule.
type limit struct {
	ID                string   `json:"id,omitempty"`
	ChildID           string   `json:"child_id,omitempty"`
	Domain            string   `json:"domain"`
	DailyLimitMinutes int      `json:"daily_limit_minutes"`
	CooldownHours     *float64 `json:"cooldown_hours"`
	PermanentBlock    bool     `json:"permanent_block"`
	BlockedUntil      Time     `json:"blocked_until"`
}

func (l limit) rule() storage.DomainRule {
	rule := storage.DomainRule{
		ID:                l.ID,
		Domain:            strings.ToLower(strings.TrimSpace(l.Domain)),
		DailyLimitMinutes: l.DailyLimitMinutes,
		PermanentBlock:    l.PermanentBlock,
	}
	if l.CooldownHours != nil {
		rule.CooldownHours = *l.CooldownHours
	}
	if !l.BlockedUntil.IsZero() {
		until := l.BlockedUntil.Time
		rule.BlockedUntil = &until
	}
	return rule
}

func limitFromRule(childID string, rule storage.DomainRule) limit {
	l := limit{
		ChildID:           childID,
		Domain:            rule.Domain,
		DailyLimitMinutes: rule.DailyLimitMinutes,
		PermanentBlock:    rule.PermanentBlock,
	}
	if rule.CooldownHours > 0 {
		hours := rule.CooldownHours
		l.CooldownHours = &hours
	}
	if rule.BlockedUntil != nil {
		l.BlockedUntil = Time{*rule.BlockedUntil}
	}
	return l
}

// listItem is a list entry given either as a bare domain string or as an
// object.
type listItem struct {
	Domain   string `json:"domain"`
	Category string `json:"category"`
	Reason   string `json:"reason"`
	AddedAt  Time   `json:"added_at"`
}

// UnmarshalJSON implements json.Unmarshaler.
func (i *listItem) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*i = listItem{Domain: s}
		return nil
	}
	type plain listItem
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("list entry: %w", err)
	}
	*i = listItem(p)
	return nil
}

func entries(items []listItem) []storage.ListEntry {
	out := make([]storage.ListEntry, 0, len(items))
	for _, item := range items {
		domain := strings.ToLower(strings.TrimSpace(item.Domain))
		if domain == "" {
			continue
		}
		out = append(out, storage.ListEntry{
			Domain:   domain,
			Category: item.Category,
			Reason:   item.Reason,
			AddedAt:  item.AddedAt.Time,
		})
	}
	return out
}

type blocklistResponse struct {
	Blocklist []listItem `json:"blocklist"`
}

type allowlistResponse struct {
	Allowlist []listItem `json:"allowlist"`
}

type limitsResponse struct {
	Limits []limit `json:"limits"`
}

type usageResponse struct {
	TotalSeconds int64            `json:"total_seconds"`
	UsageMap     map[string]int64 `json:"usage_map"`
	Usage        []struct {
		Domain  string `json:"domain"`
		Seconds int64  `json:"seconds"`
	} `json:"usage"`
}

type childrenResponse struct {
	Children []Child `json:"children"`
}

type createChildResponse struct {
	ChildID string `json:"child_id"`
	ID      string `json:"id"`
}

type blockLogRequest struct {
	ChildID  string `json:"child_id"`
	DeviceID string `json:"device_id"`
	URL      string `json:"url"`
	Domain   string `json:"domain"`
	Category string `json:"category"`
}

type historyLogRequest struct {
	ChildID   string `json:"child_id"`
	DeviceID  string `json:"device_id"`
	URL       string `json:"url"`
	Domain    string `json:"domain"`
	PageTitle string `json:"page_title"`
	Duration  int64  `json:"duration"`
}

type heartbeatRequest struct {
	Timestamp        time.Time `json:"timestamp"`
	ExtensionVersion string    `json:"extension_version"`
	Status           string    `json:"status"`
}
