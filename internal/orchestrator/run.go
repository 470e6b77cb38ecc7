package orchestrator

import (
	"fmt"
	"sync"
	"time"

	"github.com/GriffinCanCode/attachproc/internal/shared/id"
	"github.com/GriffinCanCode/attachproc/internal/types"
)

// RunInfo is a snapshot of one processing run
type RunInfo struct {
	ID          id.RunID    `json:"id"`
	State       types.State `json:"state"`
	StartedAt   time.Time   `json:"started_at"`
	Attachments int         `json:"attachments"`
}

// run tracks one call of ProcessTestRunAttachments
type run struct {
	id      id.RunID
	started time.Time
	inputs  []types.AttachmentSet

	mu    sync.Mutex
	state types.State
}

func newRun(inputs []types.AttachmentSet) *run {
	return &run{
		id:      id.NewRunID(),
		started: time.Now(),
		inputs:  inputs,
		state:   types.StateNotStarted,
	}
}

// transition moves the run forward. Terminal states are final.
func (r *run) transition(to types.State) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	from := r.state
	if from.Terminal() || to == from || to == types.StateNotStarted {
		return fmt.Errorf("run %s cannot move from %s to %s", r.id, from, to)
	}
	r.state = to
	return nil
}

func (r *run) info() RunInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RunInfo{ID: r.id, State: r.state, StartedAt: r.started, Attachments: len(r.inputs)}
}

// events forwards to the caller's handler until the run completes. Progress
// and log messages from detached work are dropped afterwards. Forwarders hold
// the read lock across the handler call so complete cannot interleave.
type events struct {
	handler types.EventHandler

	mu     sync.RWMutex
	closed bool
}

func (e *events) SendMessage(level types.LogLevel, message string) {
	e.HandleLogMessage(level, message)
}

func (e *events) HandleLogMessage(level types.LogLevel, message string) {
	if e.handler == nil {
		return
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}
	e.handler.HandleLogMessage(level, message)
}

func (e *events) HandleProcessingProgress(event types.ProgressEvent) {
	if e.handler == nil {
		return
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}
	e.handler.HandleProcessingProgress(event)
}

// complete delivers the completion event once.
func (e *events) complete(event types.CompleteEvent, attachments []types.AttachmentSet) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	if e.handler != nil {
		e.handler.HandleProcessingComplete(event, attachments)
	}
}
