// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz for liveness probes and GET /metrics for Prometheus.
//   - POST /v1/tasks, GET and DELETE /v1/tasks/{task_id} for the task queue.
//   - GET /v1/tasks/{task_id}/events streams live status as server-sent events.
//   - GET /v1/history, /v1/stats and /v1/queue for reporting.
//   - /v1/cookies for named identity management and restriction checks.
package api
