// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/jobs and /v1/jobs/{id}/... for job submission and lifecycle.
//   - POST /v1/blocks/search and GET /v1/blocks/{id} for repository reads.
//   - GET /v1/stats and /v1/monitor for aggregate health.
//   - POST /v1/migrations and /v1/migrations/rollback for block exports.
package api
