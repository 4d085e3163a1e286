// Package telemetry provides observability instrumentation for aptshift.
//
// It integrates structured logging (zerolog), phase-level tracing
// (OpenTelemetry), and run metrics (Prometheus) behind one Telemetry handle
// that is threaded through the run context.
//
// # Logging
//
// Every record fans out to up to three sinks carrying the same leveled,
// timestamped content: a colored console writer on stderr, the append-only
// persistent log file, and optionally the local system log.
//
//	logger := tel.Logger.NewComponentLogger("preflight")
//	logger.WithPhase("preflight").Info("checking release identity")
//	logger.WithError(err).Error("disk space check failed")
//
// Log levels: trace, debug, info, warn, error, fatal.
//
// # Tracing
//
// An upgrade run produces one root span and one child span per phase.
// Tracing is off by default; enable it with an exporter ("otlp", "stdout")
// when a collector is available:
//
//	ctx, span := tel.Tracer.StartPhaseSpan(ctx, "switch-sources")
//	defer span.End()
//
// # Metrics
//
// A run is a batch process, so metrics are not served over HTTP. The final
// registry state is written in text exposition format to a file the
// node_exporter textfile collector can pick up:
//
//	tel.Metrics.RecordPhase("full-upgrade", "succeeded", duration)
//	tel.Metrics.SetRunResult(exitCode, runDuration)
//	_ = tel.Metrics.WriteTextfile()
//
// Key metrics: aptshift_phases_completed_total{phase,status},
// aptshift_phase_duration_seconds{phase},
// aptshift_commands_executed_total{command,status},
// aptshift_warnings_total{check}, aptshift_rollback_actions_total{outcome},
// aptshift_run_exit_code, aptshift_run_info{source_release,target_release}.
//
// # Shutdown
//
// Shutdown writes the metrics snapshot, flushes spans, and closes the log
// file and syslog connection. It is called from the finalizer on every exit
// path.
package telemetry
