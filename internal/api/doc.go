// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/jobs to enqueue a crawl, GET /v1/jobs and /v1/jobs/{job_id}
//     to inspect jobs.
//   - GET /v1/works and /v1/works/{work_id}/chapters for crawl progress.
package api
