// Package server exposes attachment post-processing over HTTP.
//
// Routes:
//   - GET  /health                     service and isolation status
//   - GET  /metrics                    Prometheus exposition
//   - GET  /metrics/json               run totals snapshot
//   - GET  /v1/runs                    runs currently in progress
//   - POST /v1/attachments/process     synchronous run, cancelled with the request
//   - GET  /stream                     design-mode WebSocket session
//
// The middleware stack is recovery, tracing, metrics and CORS. Rate limiting
// applies to the processing endpoint only.
package server
