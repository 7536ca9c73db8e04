// Package instrumentation provides OpenTelemetry metrics and tracing for the gateway.
//
// Every layer asks the shared Instrumentation for a scoped meter or tracer
// ("http", "dispatcher", "server", "session", "storage", "security"), so a
// single provider pair covers the whole process.
//
// # Quick Start
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		Enabled:         true,
//		ServiceName:     "mcp-gateway",
//		ServiceVersion:  version,
//		MetricsExporter: instrumentation.ExporterPrometheus,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
//	mux.Handle("/metrics", inst.MetricsHandler())
//
// # Disabled Mode
//
// With Enabled=false the no-op providers from go.opentelemetry.io/otel/metric/noop
// and go.opentelemetry.io/otel/trace/noop are used, so recording calls cost nothing.
//
// # Privacy
//
// Client IPs are only attached to spans when Config.LogClientIPs is true.
// Raw tokens and codes are never recorded; see the Attr* constants.
package instrumentation
