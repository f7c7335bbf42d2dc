// Package api hosts the HTTP server, middleware and REST handlers for operator
// access. Notable routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /api/crawl to start a run, GET /api/status to follow it.
//   - GET /api/users and /api/users/stats over stored author records.
//   - POST /api/open_in_browser to show a link in the side browser.
package api
