package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Operation metrics
	OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docfold_operations_total",
			Help: "Total document operations executed",
		},
		[]string{"kind", "outcome"},
	)

	OperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docfold_operation_duration_seconds",
			Help:    "Document operation duration in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"kind"},
	)

	OperationBytesIn = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docfold_operation_input_bytes_total",
			Help: "Total input bytes processed",
		},
		[]string{"kind"},
	)

	// Quota metrics
	QuotaDenied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docfold_quota_denied_total",
			Help: "Operations denied at the daily ceiling",
		},
		[]string{"tier"},
	)

	QuotaFallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "docfold_quota_durable_fallbacks_total",
			Help: "Usage reads answered from the durable log instead of the fast tier",
		},
	)

	// Session metrics
	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "docfold_active_sessions",
			Help: "Number of live conversation sessions",
		},
	)

	SessionsExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "docfold_sessions_expired_total",
			Help: "Sessions torn down by the idle timeout",
		},
	)

	// Staging metrics
	StagedBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "docfold_staged_bytes",
			Help: "Bytes currently held in the staging area",
		},
	)

	StagedSwept = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "docfold_staged_swept_total",
			Help: "Staged artifacts removed by the retention sweep",
		},
	)
)

func init() {
	prometheus.MustRegister(
		OperationsTotal,
		OperationDuration,
		OperationBytesIn,
		QuotaDenied,
		QuotaFallbacks,
		ActiveSessions,
		SessionsExpired,
		StagedBytes,
		StagedSwept,
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
