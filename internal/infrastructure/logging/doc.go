// Package logging provides structured logging using uber/zap.
//
// Two modes are supported:
//   - Production: JSON output for machine parsing
//   - Development: Colored console output for human readability
//
// Components receive a *Logger and tolerate nil through OrNop. Isolated
// extension processes build their logger with NewWithCore so that log entries
// travel back to the host over the event channel, and the host relays the
// child's stderr through Writer.
//
// Example Usage:
//
//	logger := logging.NewDefault()
//	logger.Info("Processing started", zap.Int("attachment_sets", 3))
//	logger.Error("Merge failed", zap.Error(err))
package logging
