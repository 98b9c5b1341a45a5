// Package api hosts the HTTP server, middleware, and handlers for job
// submission and progress. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/queues/{queue}/jobs to enqueue a job.
//   - GET /v1/jobs/{job_id} for the current progress record.
//   - GET /v1/jobs/{job_id}/events (SSE) and /v1/jobs/{job_id}/ws (WebSocket)
//     to follow a job until it reaches a terminal state.
package api
