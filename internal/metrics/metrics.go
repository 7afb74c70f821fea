package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Timer metrics
	TimerOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worktimer_timer_operations_total",
			Help: "Timer operations processed by sync engines",
		},
		[]string{"op", "result"},
	)

	WorkedMinutes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worktimer_worked_minutes_total",
			Help: "Minutes of work logged from stopped timers",
		},
		[]string{"project"},
	)

	// Sync metrics
	SyncConflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worktimer_sync_conflicts_total",
			Help: "Sync conflicts raised and resolved",
		},
		[]string{"strategy"},
	)

	OutboxDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "worktimer_outbox_depth",
			Help: "Queued remote writes per user",
		},
		[]string{"user"},
	)

	RemoteRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worktimer_remote_retries_total",
			Help: "Retried remote store operations",
		},
		[]string{"op"},
	)

	OfflineEngines = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "worktimer_offline_engines",
			Help: "Sync engines currently in offline mode",
		},
	)

	EventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worktimer_events_dropped_total",
			Help: "Events dropped because a subscriber was full",
		},
		[]string{"type"},
	)

	// Approval metrics
	ApprovalVotes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worktimer_approval_votes_total",
			Help: "Approval votes cast",
		},
		[]string{"decision"},
	)

	ApprovalStatus = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worktimer_approval_status_total",
			Help: "Approval requests reaching a status",
		},
		[]string{"status"},
	)

	// Upload metrics
	Uploads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worktimer_uploads_total",
			Help: "File uploads by outcome",
		},
		[]string{"result"},
	)

	// HTTP metrics
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worktimer_http_requests_total",
			Help: "API requests served",
		},
		[]string{"method", "route", "status"},
	)

	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "worktimer_http_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	prometheus.MustRegister(
		TimerOperations,
		WorkedMinutes,
		SyncConflicts,
		OutboxDepth,
		RemoteRetries,
		OfflineEngines,
		EventsDropped,
		ApprovalVotes,
		ApprovalStatus,
		Uploads,
		HTTPRequests,
		HTTPDuration,
	)
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
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

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
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
