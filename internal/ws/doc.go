// Package ws provides the design-mode streaming session over WebSocket.
//
// A client starts a post-processing run and receives its log messages,
// progress and completion as they happen. One run per connection at a time.
//
// Message Types (Client → Server):
//   - start: Start a run, carries the processing request
//   - cancel: Cancel the running run
//   - ping: Keep-alive ping
//
// Message Types (Server → Client):
//   - system: Connection established
//   - accepted: Run started
//   - log: Processor or orchestrator message
//   - progress: Processor progress
//   - complete: Run finished, carries state, metrics and attachments
//   - error: Request rejected
//   - pong: Keep-alive reply
//
// Example Usage:
//
//	handler := ws.NewHandler(manager, logger, metrics)
//	router.GET("/stream", handler.HandleConnection)
package ws
