// Package instrumentation provides OpenTelemetry metrics and tracing for the
// oauth library.
//
// The package is built around a single Instrumentation value created with
// New. When disabled it installs no-op providers, so callers never need to
// guard their metric or span calls.
//
// Meters and tracers are scoped per layer:
//
//	inst.Meter("server")    // github.com/moviepigeon/oauth/server
//	inst.Tracer("storage")  // github.com/moviepigeon/oauth/storage
//
// The Metrics holder exposes pre-registered instruments for the
// authorization flow (transactions started, codes issued and exchanged,
// denials, token issuance) and for the storage layer (operation counts and
// durations plus observable size gauges registered through
// RegisterStorageSizeCallbacks).
//
// Never record credential values (codes, tokens, client secrets) in spans
// or metrics. Only metadata such as client IDs, result labels, and
// durations belongs in observability data.
package instrumentation
