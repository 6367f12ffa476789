// Package telemetry provides observability instrumentation for the
// harness: structured logging (zerolog), distributed tracing
// (OpenTelemetry), and Prometheus metrics.
//
// Initialize telemetry at startup:
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
// Component loggers carry structured fields through the run:
//
//	logger := tel.Logger.NewComponentLogger("engine")
//	logger.WithRunID(runID).Info("starting run")
//
// Spans cover runs, individual units, and target lifecycle operations:
//
//	ctx, span := tel.Tracer.StartRunSpan(ctx, runID)
//	defer span.End()
//
// Key metrics exposed (namespace "gridtest"):
//
//   - gridtest_runs_started_total
//   - gridtest_runs_completed_total{status}
//   - gridtest_run_duration_seconds{status}
//   - gridtest_units_dispatched_total{kind,target}
//   - gridtest_results_recorded_total{kind,outcome}
//   - gridtest_errors_by_class_total{class}
//   - gridtest_ready_units, gridtest_pending_units, gridtest_active_runs
//
// Metrics are served over HTTP when enabled (default :9090/metrics).
// Trace exporters: "otlp" (gRPC collector), "stdout" (development),
// "none" (generate but do not export).
package telemetry
