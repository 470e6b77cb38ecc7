// Package testutil provides testing utilities and helpers for attachproc tests.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/GriffinCanCode/attachproc/internal/processor"
	"github.com/GriffinCanCode/attachproc/internal/types"
)

// MockProcessor is a mock implementation of types.Processor for testing.
type MockProcessor struct {
	mock.Mock
}

// SupportsIncrementalProcessing mocks the SupportsIncrementalProcessing method.
func (m *MockProcessor) SupportsIncrementalProcessing() bool {
	return m.Called().Bool(0)
}

// ExtensionURIs mocks the ExtensionURIs method.
func (m *MockProcessor) ExtensionURIs() []string {
	args := m.Called()
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).([]string)
}

// ProcessAttachmentSets mocks the ProcessAttachmentSets method.
func (m *MockProcessor) ProcessAttachmentSets(ctx context.Context, configuration string, attachments []types.AttachmentSet, progress types.ProgressFunc, logger types.MessageLogger) ([]types.AttachmentSet, error) {
	args := m.Called(ctx, configuration, attachments, progress, logger)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]types.AttachmentSet), args.Error(1)
}

// NewMockProcessor creates a mock processor claiming uris with incremental support.
func NewMockProcessor(t *testing.T, uris ...string) *MockProcessor {
	t.Helper()
	m := new(MockProcessor)

	m.On("SupportsIncrementalProcessing").Return(true).Maybe()
	m.On("ExtensionURIs").Return(uris).Maybe()

	return m
}

// MockLoader is a mock implementation of processor.Loader for testing.
type MockLoader struct {
	mock.Mock
}

// TryLoad mocks the TryLoad method.
func (m *MockLoader) TryLoad(ctx context.Context, collector types.InvokedCollector, logger types.MessageLogger) (processor.Loaded, error) {
	args := m.Called(ctx, collector, logger)
	return args.Get(0).(processor.Loaded), args.Error(1)
}

// MockTelemetry is a mock telemetry sink for testing.
type MockTelemetry struct {
	mock.Mock
}

// ProcessingStarted mocks the ProcessingStarted method.
func (m *MockTelemetry) ProcessingStarted() {
	m.Called()
}

// ProcessingStopped mocks the ProcessingStopped method.
func (m *MockTelemetry) ProcessingStopped(state types.State, before, after int, elapsed time.Duration) {
	m.Called(state, before, after, elapsed)
}

// ProcessorInvoked mocks the ProcessorInvoked method.
func (m *MockTelemetry) ProcessorInvoked(name string, status string, duration time.Duration) {
	m.Called(name, status, duration)
}

// NewMockTelemetry creates a telemetry mock accepting every call.
func NewMockTelemetry(t *testing.T) *MockTelemetry {
	t.Helper()
	m := new(MockTelemetry)

	m.On("ProcessingStarted").Maybe()
	m.On("ProcessingStopped", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Maybe()
	m.On("ProcessorInvoked", mock.Anything, mock.Anything, mock.Anything).Maybe()

	return m
}

// Message is one recorded log message.
type Message struct {
	Level types.LogLevel
	Text  string
}

// EventRecorder is a types.EventHandler and types.MessageLogger that records
// everything it receives.
type EventRecorder struct {
	mu          sync.Mutex
	Messages    []Message
	Progress    []types.ProgressEvent
	Completions []types.CompleteEvent
	Results     [][]types.AttachmentSet
	done        chan struct{}
}

// NewEventRecorder creates an empty recorder.
func NewEventRecorder() *EventRecorder {
	return &EventRecorder{done: make(chan struct{})}
}

// SendMessage records a message.
func (r *EventRecorder) SendMessage(level types.LogLevel, message string) {
	r.HandleLogMessage(level, message)
}

// HandleLogMessage records a message.
func (r *EventRecorder) HandleLogMessage(level types.LogLevel, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Messages = append(r.Messages, Message{Level: level, Text: message})
}

// HandleProcessingProgress records a progress event.
func (r *EventRecorder) HandleProcessingProgress(event types.ProgressEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Progress = append(r.Progress, event)
}

// HandleProcessingComplete records the completion event.
func (r *EventRecorder) HandleProcessingComplete(event types.CompleteEvent, attachments []types.AttachmentSet) {
	r.mu.Lock()
	r.Completions = append(r.Completions, event)
	r.Results = append(r.Results, attachments)
	first := len(r.Completions) == 1
	r.mu.Unlock()
	if first {
		close(r.done)
	}
}

// Done is closed on the first completion event.
func (r *EventRecorder) Done() <-chan struct{} {
	return r.done
}

// MessagesAt returns the recorded messages of one level.
func (r *EventRecorder) MessagesAt(level types.LogLevel) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []string
	for _, m := range r.Messages {
		if m.Level == level {
			out = append(out, m.Text)
		}
	}
	return out
}

// Snapshot returns copies of the recorded progress and completions.
func (r *EventRecorder) Snapshot() ([]types.ProgressEvent, []types.CompleteEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.ProgressEvent(nil), r.Progress...), append([]types.CompleteEvent(nil), r.Completions...)
}

// Collector builds an invoked collector for tests.
func Collector(uri, friendlyName, identity, filePath string) types.InvokedCollector {
	return types.InvokedCollector{
		URI:                    uri,
		FriendlyName:           friendlyName,
		Identity:               identity,
		FilePath:               filePath,
		HasAttachmentProcessor: true,
	}
}

// Set builds an attachment set from URIs.
func Set(uri string, attachmentURIs ...string) types.AttachmentSet {
	set := types.AttachmentSet{URI: uri, DisplayName: uri}
	for _, a := range attachmentURIs {
		set.Attachments = append(set.Attachments, types.Attachment{URI: a})
	}
	return set
}
