package types

import "context"

// LogLevel is the severity of a message surfaced to the caller
type LogLevel string

const (
	LevelInformational LogLevel = "Informational"
	LevelWarning       LogLevel = "Warning"
	LevelError         LogLevel = "Error"
)

// ParseLogLevel maps a level name back to a LogLevel.
func ParseLogLevel(s string) (LogLevel, bool) {
	switch LogLevel(s) {
	case LevelInformational, LevelWarning, LevelError:
		return LogLevel(s), true
	}
	return "", false
}

// MessageLogger receives caller-facing messages
type MessageLogger interface {
	SendMessage(level LogLevel, message string)
}

// MessageLoggerFunc adapts a function to MessageLogger
type MessageLoggerFunc func(level LogLevel, message string)

// SendMessage calls f(level, message)
func (f MessageLoggerFunc) SendMessage(level LogLevel, message string) {
	f(level, message)
}

// DiscardMessages drops every message
var DiscardMessages MessageLogger = MessageLoggerFunc(func(LogLevel, string) {})

// ProgressFunc receives a processor's completion percentage (0-100)
type ProgressFunc func(percent int)

// Processor transforms the attachment sets it claims into new ones.
//
// ProcessAttachmentSets receives the collector configuration fragment (XML,
// possibly empty) and only the attachment sets whose URI is in ExtensionURIs.
// Implementations should check ctx between units of work.
type Processor interface {
	SupportsIncrementalProcessing() bool
	ExtensionURIs() []string
	ProcessAttachmentSets(ctx context.Context, configuration string, attachments []AttachmentSet, progress ProgressFunc, logger MessageLogger) ([]AttachmentSet, error)
}

// Closer is implemented by processors holding resources that must be released
type Closer interface {
	Close() error
}
