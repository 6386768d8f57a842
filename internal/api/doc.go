// Package api hosts the optional status HTTP server. Routes:
//   - GET /healthz for liveness probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/status for a JSON snapshot of the running crawl.
package api
