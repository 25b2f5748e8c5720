package admin

import (
	"github.com/goodtune/kguard/internal/storage"
)

// ToggleRequest carries the parent password for a toggle.
type ToggleRequest struct {
	Password string `json:"password"`
}

// ToggleResponse reports the toggle state after a change.
type ToggleResponse struct {
	Enabled bool `json:"enabled"`
}

// DomainUsage is one domain's usage for today.
type DomainUsage struct {
	Domain        string `json:"domain"`
	Seconds       int64  `json:"seconds"`
	LocalSeconds  int64  `json:"local_seconds"`
	ServerSeconds int64  `json:"server_seconds"`
}

// UsageResponse is today's usage across domains.
type UsageResponse struct {
	Date         string        `json:"date"`
	Usage        []DomainUsage `json:"usage"`
	TotalSeconds int64         `json:"total_seconds"`
}

// BlockedLogsResponse lists recent blocks.
type BlockedLogsResponse struct {
	Logs  []storage.BlockLogEntry `json:"logs"`
	Count int                     `json:"count"`
}

// HistoryLogsResponse lists recent visits.
type HistoryLogsResponse struct {
	Logs  []storage.HistoryLogEntry `json:"logs"`
	Count int                       `json:"count"`
}

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code"`
}
