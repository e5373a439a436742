// Package api hosts the status HTTP server for a running harvest. Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/status for the controller's progress snapshot.
package api
