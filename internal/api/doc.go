// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/campaigns to submit a discovery campaign; GET
//     /v1/campaigns/{campaign_id} and /v1/campaigns/{campaign_id}/audit to
//     follow it.
//   - GET /v1/sessions/{session_id}/requirements for discovered requirements.
//   - GET /v1/tickets and POST /v1/tickets/{ticket_id}/resolve for the manual
//     backup queue.
package api
