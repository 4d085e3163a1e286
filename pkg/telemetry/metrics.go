package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics provides Prometheus metrics for upgrade runs. A run is a batch
// process, so instead of serving a scrape endpoint the final state of the
// registry is written to a textfile that the node_exporter textfile
// collector can pick up.
type Metrics struct {
	config MetricsConfig

	// Phase metrics
	phasesCompleted *prometheus.CounterVec
	phasesSkipped   *prometheus.CounterVec
	phaseDuration   *prometheus.HistogramVec

	// Command metrics
	commandsExecuted *prometheus.CounterVec

	// Advisory and rollback metrics
	warnings         *prometheus.CounterVec
	rollbackActions  *prometheus.CounterVec
	sourcesRewritten prometheus.Counter

	// Run metrics
	runInfo     *prometheus.GaugeVec
	runExitCode prometheus.Gauge
	runDuration prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
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

		phasesCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "phases_completed_total",
				Help:      "Total number of phases completed, by phase and status",
			},
			[]string{"phase", "status"},
		),
		phasesSkipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "phases_skipped_total",
				Help:      "Total number of phases skipped because their marker already existed",
			},
			[]string{"phase"},
		),
		phaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "phase_duration_seconds",
				Help:      "Duration of phase execution in seconds",
				Buckets:   buckets,
			},
			[]string{"phase"},
		),

		commandsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_executed_total",
				Help:      "Total number of external commands executed, by command and status",
			},
			[]string{"command", "status"},
		),

		warnings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "warnings_total",
				Help:      "Total number of advisory warnings, by originating check",
			},
			[]string{"check"},
		),
		rollbackActions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rollback_actions_total",
				Help:      "Total number of rollback actions drained, by outcome",
			},
			[]string{"outcome"},
		),
		sourcesRewritten: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sources_rewritten_total",
				Help:      "Total number of package source files rewritten to the target release",
			},
		),

		runInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "run_info",
				Help:      "Static information about the current run (always 1)",
			},
			[]string{"source_release", "target_release", "version"},
		),
		runExitCode: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "run_exit_code",
				Help:      "Exit code of the most recent run",
			},
		),
		runDuration: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Wall-clock duration of the most recent run in seconds",
			},
		),
	}

	registry.MustRegister(
		m.phasesCompleted,
		m.phasesSkipped,
		m.phaseDuration,
		m.commandsExecuted,
		m.warnings,
		m.rollbackActions,
		m.sourcesRewritten,
		m.runInfo,
		m.runExitCode,
		m.runDuration,
	)

	return m, nil
}

// RecordPhase records a completed phase execution with its status and duration.
func (m *Metrics) RecordPhase(phase, status string, duration time.Duration) {
	if m.phasesCompleted == nil {
		return
	}
	m.phasesCompleted.WithLabelValues(phase, status).Inc()
	m.phaseDuration.WithLabelValues(phase).Observe(duration.Seconds())
}

// RecordPhaseSkipped records a phase short-circuited by its marker.
func (m *Metrics) RecordPhaseSkipped(phase string) {
	if m.phasesSkipped == nil {
		return
	}
	m.phasesSkipped.WithLabelValues(phase).Inc()
}

// RecordCommand records an external command execution.
func (m *Metrics) RecordCommand(command, status string) {
	if m.commandsExecuted == nil {
		return
	}
	m.commandsExecuted.WithLabelValues(command, status).Inc()
}

// RecordWarning records an advisory warning raised by a named check.
func (m *Metrics) RecordWarning(check string) {
	if m.warnings == nil {
		return
	}
	m.warnings.WithLabelValues(check).Inc()
}

// RecordRollbackAction records a drained rollback action and its outcome.
func (m *Metrics) RecordRollbackAction(outcome string) {
	if m.rollbackActions == nil {
		return
	}
	m.rollbackActions.WithLabelValues(outcome).Inc()
}

// RecordSourceRewritten counts a package source file rewritten to the target.
func (m *Metrics) RecordSourceRewritten() {
	if m.sourcesRewritten == nil {
		return
	}
	m.sourcesRewritten.Inc()
}

// SetRunInfo sets the static run identity labels.
func (m *Metrics) SetRunInfo(sourceRelease, targetRelease, version string) {
	if m.runInfo == nil {
		return
	}
	m.runInfo.WithLabelValues(sourceRelease, targetRelease, version).Set(1)
}

// SetRunResult records the final exit code and duration of the run.
func (m *Metrics) SetRunResult(exitCode int, duration time.Duration) {
	if m.runExitCode == nil {
		return
	}
	m.runExitCode.Set(float64(exitCode))
	m.runDuration.Set(duration.Seconds())
}

// WriteTextfile writes the registry contents in text exposition format to
// the configured textfile path. It is a no-op when metrics are disabled or
// no path is configured.
func (m *Metrics) WriteTextfile() error {
	if m.registry == nil || m.config.TextfilePath == "" {
		return nil
	}
	return prometheus.WriteToTextfile(m.config.TextfilePath, m.registry)
}

// Gatherer exposes the underlying registry for tests and ad-hoc inspection.
func (m *Metrics) Gatherer() prometheus.Gatherer {
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

// ObserveDuration is a helper to time an operation and record it.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
}
