// Package main hosts the processing-event distribution service.
//
// Architecture overview:
//   - Publish API: background workers hand lifecycle events (queued, started,
//     progress, completed, failed) to notify.Notifier, in process or through
//     POST /internal/v1/events. Publishing never fails the caller.
//   - Direct dispatch: every event is written synchronously to the user's
//     streams registered on this process (stream.Registry).
//   - Cross-process fan-out: the transport mode is resolved once at startup.
//     shared-backend uses redis pub/sub, database-notify uses PostgreSQL
//     LISTEN/NOTIFY, local-only has no backend. Broadcasts are queued and sent
//     by one goroutine behind a circuit breaker.
//   - Streaming sessions: GET /v1/events/stream answers with text/event-stream.
//     The first frame is always {"type":"connected"}; pings follow on
//     stream.heartbeat_interval. Each session owns one backend subscription,
//     which skips broadcasts that originated on this process.
//
// Quick checklist:
//   - Configure env vars: PROCEVENTS_SERVER_PORT, PROCEVENTS_QUEUE_BACKEND=redis
//     with PROCEVENTS_CACHE_URL, or PROCEVENTS_DATABASE_DRIVER=postgres with
//     PROCEVENTS_DATABASE_DSN. PROCEVENTS_AUTH_API_KEY enables the internal
//     publish endpoint.
//   - Run locally: go run ./cmd/procevents --config config.yaml
//   - The process reacts to SIGTERM by closing open streams, draining HTTP and
//     closing the backend publisher.
package main
