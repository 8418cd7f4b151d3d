// Package telemetry provides the observability instrumentation of the forge
// compiler.
//
// It combines structured logging (zerolog), distributed tracing
// (OpenTelemetry), Prometheus metrics and an in-process event publisher.
//
// # Usage
//
// Initialize telemetry once per process and carry it in the context:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.Logging.Level = telemetry.LevelForVerbosity(verbose)
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//
// Compiler stages take a zerolog.Logger by value:
//
//	compiler := engine.NewCompiler(loader, adapter,
//	    engine.WithLogger(tel.Logger.Zerolog()),
//	    engine.WithMetrics(tel.Metrics),
//	)
//
// # Tracing
//
// StartOperation opens a span when telemetry is present in the context and
// degrades to a timer otherwise:
//
//	op := telemetry.StartOperation(ctx, "compile", telemetry.AttrURL.String(url))
//	err := compile(op.Ctx)
//	op.End(err)
//
// The exporter is "none" by default; "stdout" pretty-prints spans and
// "otlp" ships them over gRPC to Endpoint.
//
// # Metrics
//
// Metrics are disabled unless MetricsConfig.Enabled is set, which watch
// mode does. Every recording method is a no-op on a nil or disabled
// *Metrics, so callers never check. Serve exposes the registry at Path
// until its context ends.
//
// # Events
//
// The compiler publishes compile.started, compile.succeeded,
// compile.failed and artifacts.written; the policy checker publishes
// policy.warning; the watch loop publishes source.changed. Subscribers are
// called in subscription order, inline or from one background goroutine
// when EnableAsync is set.
package telemetry
