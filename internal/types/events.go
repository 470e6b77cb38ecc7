package types

// State is the lifecycle state of one processing run
type State string

const (
	StateNotStarted State = "NotStarted"
	StateRunning    State = "Running"
	StateCompleted  State = "Completed"
	StateCanceled   State = "Canceled"
	StateFailed     State = "Failed"
)

// Terminal reports whether the state ends a run
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCanceled || s == StateFailed
}

// Metric keys reported with the completion event
const (
	MetricAttachmentsSent    = "AttachmentsSentForProcessing"
	MetricAttachmentsAfter   = "AttachmentsAfterProcessing"
	MetricProcessingState    = "AttachmentsProcessingState"
	MetricTimeTakenInSeconds = "TimeTakenInSecForAttachmentsProcessing"
	MetricProcessorsInvoked  = "AttachmentProcessorsInvoked"
)

// ProgressEvent reports progress of one processor within a run
type ProgressEvent struct {
	ProcessorIndex  int      `json:"processor_index"`
	ExtensionURIs   []string `json:"extension_uris"`
	Percent         int      `json:"percent"`
	ProcessorsCount int      `json:"processors_count"`
}

// CompleteEvent closes a run
type CompleteEvent struct {
	IsCanceled bool                   `json:"is_canceled"`
	Error      string                 `json:"error,omitempty"`
	Metrics    map[string]interface{} `json:"metrics,omitempty"`
}

// EventHandler receives run events
type EventHandler interface {
	HandleLogMessage(level LogLevel, message string)
	HandleProcessingProgress(event ProgressEvent)
	HandleProcessingComplete(event CompleteEvent, attachments []AttachmentSet)
}
