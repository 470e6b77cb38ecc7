// Package isolation runs attachment processors in a child process.
//
// The host side (Host, Loader) launches an extension executable, hands it a
// unix socket path and an event pipe on fd 3, and talks to it over gRPC.
// The worker side (Serve) is what the extension executable runs. Logs and
// progress travel over the event pipe as channel frames; calls, results and
// cancellation travel over gRPC.
package isolation
