package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/goodtune/kguard/internal/agent"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
	})
}

// handleStatus reports the toggle, identity and today's block count.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.controller.Status(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to load status")
		WriteError(w, http.StatusInternalServerError, "Failed to load status")
		return
	}
	WriteJSON(w, http.StatusOK, status)
}

// handleToggle flips the enable switch. The parent password is required
// when one is set.
func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	var req ToggleRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	enabled, err := s.controller.Toggle(r.Context(), req.Password)
	if err != nil {
		if errors.Is(err, agent.ErrWrongPassword) {
			WriteError(w, http.StatusForbidden, "Wrong parent password")
			return
		}
		s.logger.Error().Err(err).Msg("Toggle failed")
		WriteError(w, http.StatusInternalServerError, "Toggle failed")
		return
	}
	WriteJSON(w, http.StatusOK, ToggleResponse{Enabled: enabled})
}

// handleBlockedLogs returns blocks from the last ?days=N days.
func (s *Server) handleBlockedLogs(w http.ResponseWriter, r *http.Request) {
	days := s.config.DefaultLogDays
	if daysStr := r.URL.Query().Get("days"); daysStr != "" {
		d, err := strconv.Atoi(daysStr)
		if err != nil || d <= 0 {
			WriteError(w, http.StatusBadRequest, "days must be a positive integer")
			return
		}
		days = d
	}

	since := time.Now().AddDate(0, 0, -days)
	logs, err := s.logs.ListBlockLogs(r.Context(), since)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list block logs")
		WriteError(w, http.StatusInternalServerError, "Failed to retrieve logs")
		return
	}
	WriteJSON(w, http.StatusOK, BlockedLogsResponse{Logs: logs, Count: len(logs)})
}

// handleHistoryLogs returns the newest ?limit=N visits.
func (s *Server) handleHistoryLogs(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil || l <= 0 {
			WriteError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = l
	}
	if limit > s.config.MaxHistoryLimit {
		limit = s.config.MaxHistoryLimit
	}

	logs, err := s.logs.ListHistoryLogs(r.Context(), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list history logs")
		WriteError(w, http.StatusInternalServerError, "Failed to retrieve logs")
		return
	}
	WriteJSON(w, http.StatusOK, HistoryLogsResponse{Logs: logs, Count: len(logs)})
}

// handleUsageToday returns today's merged usage per domain, largest first.
func (s *Server) handleUsageToday(w http.ResponseWriter, r *http.Request) {
	records, err := s.ledger.UsageToday(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list usage")
		WriteError(w, http.StatusInternalServerError, "Failed to retrieve usage")
		return
	}

	resp := UsageResponse{Date: s.ledger.Today(), Usage: make([]DomainUsage, 0, len(records))}
	for _, u := range records {
		total := u.TotalSeconds()
		resp.Usage = append(resp.Usage, DomainUsage{
			Domain:        u.Domain,
			Seconds:       total,
			LocalSeconds:  u.UnconfirmedSeconds(),
			ServerSeconds: u.ServerSeconds,
		})
		resp.TotalSeconds += total
	}
	sort.SliceStable(resp.Usage, func(i, j int) bool {
		return resp.Usage[i].Seconds > resp.Usage[j].Seconds
	})
	WriteJSON(w, http.StatusOK, resp)
}

// handleSync runs a pull immediately.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if s.puller == nil {
		WriteError(w, http.StatusServiceUnavailable, "Sync is not configured")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.RequestTimeout)
	defer cancel()
	if err := s.puller.Pull(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Manual sync failed")
		WriteError(w, http.StatusBadGateway, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status": "synced",
	})
}
