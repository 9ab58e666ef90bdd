// Package telemetry provides OpenTelemetry tracing and metrics for consultd.
//
// # Usage
//
//	tel, err := telemetry.New(ctx, telemetry.FromConfig(cfg.Observability, version))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(ctx)
//
//	metrics, _ := finalize.NewMetrics(tel.Meter(finalize.InstrumentationName))
//
// Domain packages also fall back to the global providers, which New installs
// when telemetry is enabled.
//
// # Configuration
//
//	observability:
//	  enable_telemetry: true
//	  endpoint: "localhost:4317"
//	  protocol: grpc          # or http/protobuf
//	  service_name: consultd
//	  sample_rate: 1.0
//	  enable_metrics: true
//
// # Error Handling
//
// Exporter failures do not stop the service. The instance is marked degraded
// and callers get the global (possibly no-op) providers.
//
// # Testing
//
//	tt := telemetry.NewTestTelemetry()
//	_, span := tt.Tracer("test").Start(ctx, "finalize")
//	span.End()
//	tt.AssertSpanExists(t, "finalize")
package telemetry
