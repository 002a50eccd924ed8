// Package api hosts the HTTP server, middleware, and REST handlers for the
// lead engine. Notable routes:
//   - POST /api/v1/scrape to submit a job.
//   - GET/DELETE /api/v1/scrape/{job_id} and GET /api/v1/scrape/{job_id}/results.
//   - GET /api/v1/scrape/user/{user_id} for a user's jobs, newest first.
//   - GET /api/v1/health and /api/v1/mq-check returning the response envelope.
//   - GET /healthz, /readyz and /metrics for probes and Prometheus scraping.
package api
