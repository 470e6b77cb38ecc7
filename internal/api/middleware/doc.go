// Package middleware provides the gin middleware of the HTTP service:
// CORS for browser clients and request rate limiting.
package middleware
