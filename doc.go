// Package harness wires the HTTP request executor and the Kafka bus harness
// from one [config.Config].
//
// A [Harness] owns:
//   - a [lifecycle.Manager] that both the executor and the bus register with,
//     so that a single Close (or SIGINT/SIGTERM when watched) releases them;
//   - a Prometheus registry with the request, retry and message counters;
//   - an OpenTelemetry tracer provider, unless one is supplied.
//
// Failures surfaced by either side are [testerr.TestError] values.
package harness
