// Package api hosts the HTTP server, middleware, and REST handlers. Notable
// routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/runs to submit a batch, GET /v1/runs/{run_id} for its state,
//     GET /v1/runs/{run_id}/progress for counters and new log entries, and
//     POST /v1/runs/{run_id}/cancel to stop it.
//   - /v1/profiles to create, replace and read publishing profiles. Author
//     credentials are accepted on write and never returned.
//
// Every /v1 route runs as the owner resolved by the auth middleware.
package api
