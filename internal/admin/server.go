// Package admin serves the local status and control API.
package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/goodtune/kguard/internal/agent"
	"github.com/goodtune/kguard/internal/storage"
	"github.com/goodtune/kguard/internal/usage"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// Controller is the agent surface the API drives.
type Controller interface {
	Status(ctx context.Context) (agent.Status, error)
	Toggle(ctx context.Context, password string) (bool, error)
}

// Puller runs a policy pull on demand.
type Puller interface {
	Pull(ctx context.Context) error
}

// Config holds the admin server configuration.
type Config struct {
	ListenAddr      string
	RateLimit       float64 // requests per second per client
	RateLimitBurst  int
	RequestTimeout  time.Duration
	DefaultLogDays  int
	MaxHistoryLimit int
}

// Server represents the admin HTTP server.
type Server struct {
	config      Config
	controller  Controller
	puller      Puller
	logs        storage.LogStore
	ledger      *usage.Ledger
	rateLimiter *RateLimiter
	server      *http.Server
	router      *mux.Router
	logger      zerolog.Logger
}

// NewServer creates a new admin server.
func NewServer(cfg Config, controller Controller, puller Puller, logs storage.LogStore, ledger *usage.Ledger, logger zerolog.Logger) *Server {
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 5
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 20
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.DefaultLogDays <= 0 {
		cfg.DefaultLogDays = 7
	}
	if cfg.MaxHistoryLimit <= 0 {
		cfg.MaxHistoryLimit = 500
	}

	router := mux.NewRouter()
	s := &Server{
		config:      cfg,
		controller:  controller,
		puller:      puller,
		logs:        logs,
		ledger:      ledger,
		rateLimiter: NewRateLimiter(cfg.RateLimit, cfg.RateLimitBurst),
		router:      router,
		logger:      logger.With().Str("component", "admin").Logger(),
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the routed handler (for testing).
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.Use(LoggingMiddleware(s.logger))
	s.router.Use(RateLimitMiddleware(s.rateLimiter))

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/toggle", s.handleToggle).Methods("POST")
	api.HandleFunc("/logs/blocked", s.handleBlockedLogs).Methods("GET")
	api.HandleFunc("/logs/history", s.handleHistoryLogs).Methods("GET")
	api.HandleFunc("/usage/today", s.handleUsageToday).Methods("GET")
	api.HandleFunc("/sync", s.handleSync).Methods("POST")
}

// Start starts the admin HTTP server.
func (s *Server) Start() error {
	s.logger.Info().
		Str("addr", s.config.ListenAddr).
		Msg("Starting admin server")

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Admin server error")
		}
	}()

	return nil
}

// Stop gracefully stops the admin HTTP server.
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping admin server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("admin server shutdown: %w", err)
	}
	s.rateLimiter.Stop()

	return nil
}

// WriteJSON writes a JSON response.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(data); err != nil {
		http.Error(w, `{"error":"Internal Server Error","message":"Failed to encode response"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(buf.Bytes())
}

// WriteError writes an error response.
func WriteError(w http.ResponseWriter, statusCode int, message string) {
	WriteJSON(w, statusCode, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	})
}
