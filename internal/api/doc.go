// Package api hosts the HTTP server, middleware, and handlers. Notable routes:
//   - GET /v1/events/stream opens a server-sent event stream for the caller.
//   - POST /internal/v1/events hands an event to the publish API (X-API-Key).
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
package api
