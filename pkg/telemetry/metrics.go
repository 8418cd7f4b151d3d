package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the compiler. Every method is
// safe to call on a nil or disabled *Metrics.
type Metrics struct {
	config MetricsConfig

	// Compile metrics
	compilesStarted   *prometheus.CounterVec
	compilesCompleted *prometheus.CounterVec
	compileDuration   *prometheus.HistogramVec

	// Model metrics
	instancesResolved *prometheus.CounterVec
	artifactsEmitted  *prometheus.CounterVec

	// Adapter metrics
	adapterCalls    *prometheus.CounterVec
	adapterDuration *prometheus.HistogramVec
	adapterErrors   *prometheus.CounterVec

	// Error metrics
	errorsByKind *prometheus.CounterVec

	// Watch metrics
	lastCompileSuccess prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		compilesStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "compiles_started_total",
				Help:      "Total number of compiles started",
			},
			[]string{"command"},
		),
		compilesCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "compiles_completed_total",
				Help:      "Total number of compiles completed",
			},
			[]string{"command", "status"},
		),
		compileDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "compile_duration_seconds",
				Help:      "Duration of a compile in seconds",
				Buckets:   buckets,
			},
			[]string{"command", "status"},
		),

		instancesResolved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "instances_resolved_total",
				Help:      "Total number of component instances resolved",
			},
			[]string{"kind"},
		),
		artifactsEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "artifacts_emitted_total",
				Help:      "Total number of artifacts emitted by adapters",
			},
			[]string{"adapter", "type"},
		),

		adapterCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "adapter_calls_total",
				Help:      "Total number of target adapter calls",
			},
			[]string{"adapter", "operation"},
		),
		adapterDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "adapter_call_duration_seconds",
				Help:      "Duration of target adapter calls in seconds",
				Buckets:   buckets,
			},
			[]string{"adapter", "operation"},
		),
		adapterErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "adapter_errors_total",
				Help:      "Total number of target adapter errors",
			},
			[]string{"adapter", "operation"},
		),

		errorsByKind: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of compile errors by kind",
			},
			[]string{"kind"},
		),

		lastCompileSuccess: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_compile_success",
				Help:      "Whether the last compile succeeded (1) or failed (0)",
			},
		),
	}

	registry.MustRegister(
		m.compilesStarted,
		m.compilesCompleted,
		m.compileDuration,
		m.instancesResolved,
		m.artifactsEmitted,
		m.adapterCalls,
		m.adapterDuration,
		m.adapterErrors,
		m.errorsByKind,
		m.lastCompileSuccess,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// Compile Metrics

// RecordCompileStarted increments the counter for started compiles.
func (m *Metrics) RecordCompileStarted(command string) {
	if !m.enabled() {
		return
	}
	m.compilesStarted.WithLabelValues(command).Inc()
}

// RecordCompileCompleted records a finished compile and its duration.
func (m *Metrics) RecordCompileCompleted(command, status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.compilesCompleted.WithLabelValues(command, status).Inc()
	m.compileDuration.WithLabelValues(command, status).Observe(duration.Seconds())
	if status == "succeeded" {
		m.lastCompileSuccess.Set(1)
	} else {
		m.lastCompileSuccess.Set(0)
	}
}

// Model Metrics

// RecordInstance counts one resolved instance of the given kind.
func (m *Metrics) RecordInstance(kind string) {
	if !m.enabled() {
		return
	}
	m.instancesResolved.WithLabelValues(kind).Inc()
}

// RecordArtifact counts one artifact emitted by adapter.
func (m *Metrics) RecordArtifact(adapter, artifactType string) {
	if !m.enabled() {
		return
	}
	m.artifactsEmitted.WithLabelValues(adapter, artifactType).Inc()
}

// Adapter Metrics

// RecordAdapterCall records a target adapter call.
func (m *Metrics) RecordAdapterCall(adapter, operation string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.adapterCalls.WithLabelValues(adapter, operation).Inc()
	m.adapterDuration.WithLabelValues(adapter, operation).Observe(duration.Seconds())
}

// RecordAdapterError records a failed target adapter call.
func (m *Metrics) RecordAdapterError(adapter, operation string) {
	if !m.enabled() {
		return
	}
	m.adapterErrors.WithLabelValues(adapter, operation).Inc()
}

// RecordError records a compile error by kind.
func (m *Metrics) RecordError(kind string) {
	if !m.enabled() {
		return
	}
	m.errorsByKind.WithLabelValues(kind).Inc()
}

// Gatherer returns the registry backing m, or nil when disabled.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if !m.enabled() {
		return nil
	}
	return m.registry
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Serve exposes the metrics endpoint until ctx is cancelled. It returns
// immediately when metrics are disabled.
func (m *Metrics) Serve(ctx context.Context) error {
	if !m.enabled() {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
