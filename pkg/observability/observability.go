package observability

import (
	"errors"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	JobsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "extraction_jobs_submitted_total",
		Help: "The total number of submitted extraction jobs",
	}, []string{"source"})

	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "extraction_jobs_processed_total",
		Help: "The total number of finished extraction attempts",
	}, []string{"source", "status"}) // status: completed, failed, retried, stalled, cancelled

	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "extraction_job_duration_seconds",
		Help:    "Duration of a single extraction attempt.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	}, []string{"source"})

	QueueJobs = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "extraction_queue_jobs",
		Help: "Jobs per source queue partition.",
	}, []string{"source", "partition"})
)

// NewLogger creates a structured logger. format is "json" or "text".
func NewLogger(level, format string) zerolog.Logger {
	return NewLoggerWithWriter(level, format, os.Stdout)
}

func NewLoggerWithWriter(level, format string, w io.Writer) zerolog.Logger {
	if strings.EqualFold(format, "text") {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).With().Timestamp().Logger().Level(ParseLevel(level))
}

// ConfigureGlobal installs logger as the zerolog package logger.
func ConfigureGlobal(logger zerolog.Logger) {
	log.Logger = logger
	zerolog.DefaultContextLogger = &log.Logger
}

// ParseLevel maps a level name to zerolog, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	if level == "" {
		return zerolog.InfoLevel
	}
	l, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.InfoLevel
	}
	return l
}

// StartMetricsServer runs an HTTP server to expose Prometheus metrics.
func StartMetricsServer(addr string, logger zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("addr", addr).Msg("Metrics server failed")
		}
	}()
	return srv
}
