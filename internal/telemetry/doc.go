// Package telemetry wires OpenTelemetry tracing and metrics.
//
// Export is off by default. When enabled, spans and metrics go to an OTLP
// collector over gRPC or HTTP:
//
//	telemetry:
//	  enabled: true
//	  endpoint: "localhost:4317"
//	  protocol: grpc
//	  insecure: true
//	  sample_rate: 0.25
//
// Plaintext export is refused for endpoints that are not loopback.
//
// Prometheus metrics are registered separately by the packages that own
// them and served on /metrics; this package only covers OTLP.
//
// Tests can use NewTestTelemetry to assert on spans:
//
//	tt := telemetry.NewTestTelemetry(t)
//	sess := session.New(session.Options{Tracer: tt.Tracer("recall"), ...})
//	...
//	tt.AssertSpanExists(t, "session.Query")
package telemetry
