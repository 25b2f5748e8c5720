package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Navigation metrics
	NavigationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kguard_navigations_total",
			Help: "Total main-frame navigations evaluated by the gate",
		},
		[]string{"signal", "outcome"},
	)

	ClassificationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kguard_classification_duration_seconds",
			Help:    "Classification duration in seconds",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"engine"},
	)

	ClassificationErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kguard_classification_errors_total",
			Help: "Classification failures resolved by failing open",
		},
	)

	// Policy metrics
	BlockedNavigations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kguard_blocked_navigations_total",
			Help: "Total blocked navigations",
		},
		[]string{"category"},
	)

	CooldownsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kguard_cooldowns_started_total",
			Help: "Time rules moved into cooldown after exhausting their budget",
		},
	)

	KeywordCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kguard_keyword_cache_hits_total",
			Help: "Keyword scan cache hits",
		},
	)

	KeywordCacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kguard_keyword_cache_misses_total",
			Help: "Keyword scan cache misses",
		},
	)

	// Usage metrics
	UsageSecondsTracked = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kguard_usage_seconds_tracked_total",
			Help: "Total foreground seconds added to the local ledger",
		},
	)

	UsageFlushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kguard_usage_flushes_total",
			Help: "Usage flushes sent to the backend",
		},
		[]string{"result"},
	)

	ActiveSession = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kguard_active_session",
			Help: "1 while a foreground session is being tracked",
		},
	)

	// Backend metrics
	BackendRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kguard_backend_requests_total",
			Help: "Backend REST calls",
		},
		[]string{"operation", "result"},
	)

	BackendRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kguard_backend_request_duration_seconds",
			Help:    "Backend REST call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	DetachedTasksDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kguard_detached_tasks_dropped_total",
			Help: "Detached backend tasks skipped before reaching the network",
		},
		[]string{"task", "reason"},
	)

	// Sync metrics
	SyncPulls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kguard_sync_pulls_total",
			Help: "Pulls of a policy resource from the backend",
		},
		[]string{"resource", "result"},
	)

	Heartbeats = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kguard_heartbeats_total",
			Help: "Liveness heartbeats sent to the backend",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(
		NavigationsTotal,
		ClassificationDuration,
		ClassificationErrors,
		BlockedNavigations,
		CooldownsStarted,
		KeywordCacheHits,
		KeywordCacheMisses,
		UsageSecondsTracked,
		UsageFlushes,
		ActiveSession,
		BackendRequests,
		BackendRequestDuration,
		DetachedTasksDropped,
		SyncPulls,
		Heartbeats,
	)
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener
}

// NewServer creates a new metrics server
func NewServer(addr string, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// Handler exposes the routes for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start binds the listener and serves in the background. Binding happens
// before returning so a port conflict surfaces to the caller.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	if s.listener == nil {
		ln, err := net.Listen("tcp", s.server.Addr)
		if err != nil {
			return err
		}
		s.listener = ln
	}
	go func() {
		if err := s.server.Serve(s.listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
