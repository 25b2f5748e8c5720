package usage

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/goodtune/kguard/internal/storage"
)

// Session is the single foreground (tab, domain) being tracked. It lives in
// memory only.
type Session struct {
	TabID          int       `json:"tab_id"`
	URL            string    `json:"url"`
	Domain         string    `json:"domain"`
	StartedAt      time.Time `json:"started_at"`
	LastTickAt     time.Time `json:"last_tick_at"`
	PendingSeconds int64     `json:"pending_seconds"`

	// pendingDate is the ledger day PendingSeconds were recorded under.
	pendingDate string
}

// HistoryReporter sends a visit record to the backend in the background.
// onSent runs only after the backend accepted the record.
type HistoryReporter interface {
	ReportHistory(entry storage.HistoryLogEntry, onSent func(ctx context.Context))
}

// TrackableDomain returns the lowercased host of an http or https URL.
func TrackableDomain(rawURL string) (string, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", false
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return "", false
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", false
	}
	return host, true
}
