// Package channel implements the line protocol an isolated extension uses
// to report back to its host.
//
// Every frame is one UTF-8 line of the form
//
//	<prefix>|<payload>
//
// where newlines inside the payload are written as NUL characters and restored
// on read. Recognised prefixes:
//
//	Trace.Error, Trace.Info              diagnostics from the extension process
//	LoadExtension.<Level>                messages raised while loading the extension
//	ProcessAttachment.<Level>            messages raised while processing
//	Report                               progress percentage (integer)
//
// <Level> is Informational, Warning or Error. A per-host sentinel line
// (<uuid>|Shutdown) ends the reader loop.
package channel
