// Package main hosts the leadengine entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, readiness, metrics and the scrape job endpoints. A submission
//     is validated, persisted through the JobStore as queued, then published to the job queue.
//   - Broker: internal/broker defines one delivery contract with four adapters (memory, RabbitMQ, Redis Streams,
//     Pub/Sub). Failed deliveries are requeued with an attempt counter and dead-lettered to "<queue>.dead" once
//     broker.max_attempts is reached.
//   - Worker: each delivery moves its job queued -> running -> completed or failed. Records returned by the
//     collector are hashed and deduplicated globally before insert; raw output is optionally archived
//     (memory/local/GCS).
//   - Configuration & plumbing: Viper populates config from files, LEADENGINE_* variables and a .env file; zap
//     provides structured logging; Prometheus metrics are served on /metrics; OpenTelemetry spans cover submit and
//     handle, with trace context carried in message headers.
//
// Quick checklist:
//   - Run everything in one process: go run ./cmd/leadengine serve --with-worker
//   - Split roles: leadengine serve with broker.kind=amqp|redis|pubsub, plus one or more leadengine worker.
//   - Persist jobs: store.kind=postgres (POSTGRES_* variables are honored) or store.kind=sqlite.
package main
