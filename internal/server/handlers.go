package server

import (
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/attachproc/internal/infrastructure/logging"
	"github.com/GriffinCanCode/attachproc/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/attachproc/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/attachproc/internal/orchestrator"
	"github.com/GriffinCanCode/attachproc/internal/shared/utils"
	"github.com/GriffinCanCode/attachproc/internal/types"
)

type handlers struct {
	runner    Runner
	isolation IsolationStatus
	metrics   *monitoring.Metrics
	logger    *logging.Logger
}

// Message is a caller-facing log line produced during a run
type Message struct {
	Level   types.LogLevel `json:"level"`
	Message string         `json:"message"`
}

// ProcessResponse is the body of a processing response
type ProcessResponse struct {
	orchestrator.Outcome
	Error    string    `json:"error,omitempty"`
	Messages []Message `json:"messages"`
	Progress int       `json:"progress_events"`
}

func (h *handlers) health(c *gin.Context) {
	body := gin.H{
		"status":      "healthy",
		"active_runs": len(h.runner.Active()),
	}
	if h.isolation != nil {
		breakers := make(map[string]string)
		for path, state := range h.isolation.BreakerStates() {
			breakers[path] = state.String()
		}
		body["isolation"] = gin.H{
			"mode":     h.isolation.Mode(),
			"breakers": breakers,
		}
	}
	c.JSON(http.StatusOK, body)
}

func (h *handlers) snapshot(c *gin.Context) {
	c.JSON(http.StatusOK, h.metrics.Snapshot())
}

func (h *handlers) runs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"runs": h.runner.Active()})
}

func (h *handlers) process(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, utils.MaxRequestSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := utils.DefaultJSONValidator().ValidateJSON(body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var req orchestrator.Request
	if err := sonic.Unmarshal(body, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rec := &recorder{}
	out := h.runner.ProcessTestRunAttachments(c.Request.Context(), req, rec)

	resp := ProcessResponse{
		Outcome:  out,
		Messages: rec.messages(),
		Progress: rec.progressCount(),
	}
	if out.Err != nil {
		resp.Error = out.Err.Error()
	}

	status := http.StatusOK
	switch out.State {
	case types.StateFailed:
		status = http.StatusInternalServerError
	case types.StateCanceled:
		status = http.StatusServiceUnavailable
	}
	h.logger.Info("Processing request finished",
		zap.String("run_id", out.RunID.String()),
		zap.String("trace_id", string(tracing.GetTraceID(c.Request.Context()))),
		zap.String("state", string(out.State)),
		zap.Int("attachment_sets", len(out.Attachments)),
	)
	c.JSON(status, resp)
}

// recorder collects the events of a synchronous run
type recorder struct {
	mu       sync.Mutex
	msgs     []Message
	progress int
}

func (r *recorder) HandleLogMessage(level types.LogLevel, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, Message{Level: level, Message: message})
}

func (r *recorder) HandleProcessingProgress(types.ProgressEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress++
}

func (r *recorder) HandleProcessingComplete(types.CompleteEvent, []types.AttachmentSet) {}

func (r *recorder) messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message{}, r.msgs...)
}

func (r *recorder) progressCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.progress
}
