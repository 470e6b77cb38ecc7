// Package orchestrator drives one attachment post-processing run: it builds
// the processors for the invoked collectors, routes each attachment set to
// the processor that claims it, and races the work against cancellation.
package orchestrator
