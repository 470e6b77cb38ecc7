package channel

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/GriffinCanCode/attachproc/internal/types"
)

const (
	PrefixTraceError        = "Trace.Error"
	PrefixTraceInfo         = "Trace.Info"
	PrefixLoadExtension     = "LoadExtension"
	PrefixProcessAttachment = "ProcessAttachment"
	PrefixReport            = "Report"

	separator   = "|"
	newline     = "\n"
	escapedLine = "\x00"
)

var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrUnknownPrefix  = errors.New("unknown frame prefix")
)

// Kind classifies a channel message
type Kind int

const (
	KindTrace Kind = iota
	KindLoadLog
	KindProcessLog
	KindProgress
	KindShutdown
)

// String returns the string representation of the kind
func (k Kind) String() string {
	switch k {
	case KindTrace:
		return "trace"
	case KindLoadLog:
		return "load"
	case KindProcessLog:
		return "process"
	case KindProgress:
		return "progress"
	case KindShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Message is the typed form of a frame
type Message struct {
	Kind    Kind
	Level   types.LogLevel
	Text    string
	Percent int
}

// Trace builds a diagnostic message. Only Error and Informational exist on the wire.
func Trace(level types.LogLevel, text string) Message {
	if level != types.LevelError {
		level = types.LevelInformational
	}
	return Message{Kind: KindTrace, Level: level, Text: text}
}

// LoadLog builds an extension load message
func LoadLog(level types.LogLevel, text string) Message {
	return Message{Kind: KindLoadLog, Level: level, Text: text}
}

// ProcessLog builds a processing message
func ProcessLog(level types.LogLevel, text string) Message {
	return Message{Kind: KindProcessLog, Level: level, Text: text}
}

// Progress builds a progress report
func Progress(percent int) Message {
	return Message{Kind: KindProgress, Percent: percent}
}

// Escape replaces newlines with NUL so a payload fits on one line.
func Escape(payload string) string {
	return strings.ReplaceAll(payload, newline, escapedLine)
}

// Unescape reverses Escape.
func Unescape(payload string) string {
	return strings.ReplaceAll(payload, escapedLine, newline)
}

// Encode renders a frame line without the terminating newline.
func Encode(prefix, payload string) string {
	return prefix + separator + Escape(payload)
}

// Decode splits a frame line on the first separator.
func Decode(line string) (prefix, payload string, err error) {
	prefix, payload, ok := strings.Cut(line, separator)
	if !ok || prefix == "" {
		return "", "", fmt.Errorf("%w: %q", ErrMalformedFrame, line)
	}
	return prefix, Unescape(payload), nil
}

// Frame renders the message as a frame line.
func (m Message) Frame() (string, error) {
	switch m.Kind {
	case KindTrace:
		if m.Level == types.LevelError {
			return Encode(PrefixTraceError, m.Text), nil
		}
		return Encode(PrefixTraceInfo, m.Text), nil
	case KindLoadLog:
		return Encode(PrefixLoadExtension+"."+string(m.Level), m.Text), nil
	case KindProcessLog:
		return Encode(PrefixProcessAttachment+"."+string(m.Level), m.Text), nil
	case KindProgress:
		return Encode(PrefixReport, strconv.Itoa(m.Percent)), nil
	default:
		return "", fmt.Errorf("cannot frame %s message", m.Kind)
	}
}

// Parse converts a frame line into a message.
func Parse(line string) (Message, error) {
	prefix, payload, err := Decode(line)
	if err != nil {
		return Message{}, err
	}

	switch prefix {
	case PrefixTraceError:
		return Message{Kind: KindTrace, Level: types.LevelError, Text: payload}, nil
	case PrefixTraceInfo:
		return Message{Kind: KindTrace, Level: types.LevelInformational, Text: payload}, nil
	case PrefixReport:
		percent, err := strconv.Atoi(strings.TrimSpace(payload))
		if err != nil {
			return Message{}, fmt.Errorf("%w: bad progress %q", ErrMalformedFrame, payload)
		}
		return Progress(percent), nil
	}

	family, levelName, ok := strings.Cut(prefix, ".")
	if !ok {
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownPrefix, prefix)
	}
	level, ok := types.ParseLogLevel(levelName)
	if !ok {
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownPrefix, prefix)
	}

	switch family {
	case PrefixLoadExtension:
		return LoadLog(level, payload), nil
	case PrefixProcessAttachment:
		return ProcessLog(level, payload), nil
	default:
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownPrefix, prefix)
	}
}

// NewSentinel returns a shutdown line unique to one host instance.
func NewSentinel() string {
	return uuid.NewString() + separator + "Shutdown"
}
