package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/attachproc/internal/infrastructure/logging"
	"github.com/GriffinCanCode/attachproc/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/attachproc/internal/orchestrator"
	"github.com/GriffinCanCode/attachproc/internal/shared/utils"
	"github.com/GriffinCanCode/attachproc/internal/types"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // browser design-mode clients connect cross-origin
	},
}

// Runner executes processing runs
type Runner interface {
	ProcessTestRunAttachments(ctx context.Context, req orchestrator.Request, handler types.EventHandler) orchestrator.Outcome
}

// ClientMessage is a message received from the client
type ClientMessage struct {
	Type    string                `json:"type"`
	Request *orchestrator.Request `json:"request,omitempty"`
}

// Handler manages WebSocket connections
type Handler struct {
	runner    Runner
	logger    *logging.Logger
	metrics   *monitoring.Metrics
	validator *utils.JSONSizeValidator
}

// NewHandler creates a new WebSocket handler. metrics may be nil.
func NewHandler(runner Runner, logger *logging.Logger, metrics *monitoring.Metrics) *Handler {
	return &Handler{
		runner:    runner,
		logger:    logging.OrNop(logger).Named("ws"),
		metrics:   metrics,
		validator: utils.DefaultJSONValidator(),
	}
}

// HandleConnection handles WebSocket upgrade and messages
func (h *Handler) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	conn.SetReadLimit(utils.MaxRequestSize)

	if h.metrics != nil {
		h.metrics.IncWSConnections()
		defer h.metrics.DecWSConnections()
	}

	s := &session{handler: h, conn: conn}
	defer s.cancelRun()

	s.send("system", map[string]interface{}{"message": "Connected to attachment processing service"})

	reqCtx := c.Request.Context()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("WebSocket read error", zap.Error(err))
			}
			return
		}

		if err := h.validator.ValidateJSON(data); err != nil {
			s.sendError(err.Error())
			continue
		}
		var msg ClientMessage
		if err := sonic.Unmarshal(data, &msg); err != nil {
			s.sendError("malformed message")
			continue
		}
		h.record("in", msg.Type)

		switch msg.Type {
		case "start":
			s.start(reqCtx, msg.Request)
		case "cancel":
			if !s.cancelRun() {
				s.sendError("no run in progress")
			}
		case "ping":
			s.send("pong", nil)
		default:
			s.sendError("unknown message type")
		}
	}
}

func (h *Handler) record(direction, msgType string) {
	if h.metrics != nil {
		h.metrics.RecordWSMessage(direction, msgType)
	}
}

// session is one connection. Writes are serialized because run events
// arrive from the processing goroutines.
type session struct {
	handler *Handler
	conn    *websocket.Conn

	writeMu sync.Mutex

	mu     sync.Mutex
	cancel context.CancelFunc
}

func (s *session) start(parent context.Context, req *orchestrator.Request) {
	if req == nil {
		s.sendError("start requires a request")
		return
	}
	if err := req.Validate(); err != nil {
		s.sendError(err.Error())
		return
	}

	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		s.sendError("a run is already in progress")
		return
	}
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	s.mu.Unlock()

	s.send("accepted", map[string]interface{}{"attachment_sets": len(req.Attachments)})

	go func() {
		defer func() {
			s.mu.Lock()
			s.cancel = nil
			s.mu.Unlock()
			cancel()
		}()
		out := s.handler.runner.ProcessTestRunAttachments(ctx, *req, s)
		s.handler.logger.Info("design-mode run finished",
			zap.String("run_id", out.RunID.String()),
			zap.String("state", string(out.State)),
		)
	}()
}

// cancelRun cancels the current run and reports whether there was one.
func (s *session) cancelRun() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return false
	}
	s.cancel()
	return true
}

func (s *session) HandleLogMessage(level types.LogLevel, message string) {
	s.send("log", map[string]interface{}{"level": level, "message": message})
}

func (s *session) HandleProcessingProgress(event types.ProgressEvent) {
	s.send("progress", map[string]interface{}{
		"processor_index":  event.ProcessorIndex,
		"processors_count": event.ProcessorsCount,
		"extension_uris":   event.ExtensionURIs,
		"percent":          event.Percent,
	})
}

func (s *session) HandleProcessingComplete(event types.CompleteEvent, attachments []types.AttachmentSet) {
	data := map[string]interface{}{
		"state":       event.Metrics[types.MetricProcessingState],
		"is_canceled": event.IsCanceled,
		"metrics":     event.Metrics,
		"attachments": attachments,
	}
	if event.Error != "" {
		data["error"] = event.Error
	}
	s.send("complete", data)
}

func (s *session) send(msgType string, data map[string]interface{}) error {
	msg := map[string]interface{}{
		"type":      msgType,
		"timestamp": time.Now().Unix(),
	}
	for k, v := range data {
		msg[k] = v
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteJSON(msg); err != nil {
		s.handler.logger.Debug("WebSocket write failed", zap.String("type", msgType), zap.Error(err))
		return err
	}
	s.handler.record("out", msgType)
	return nil
}

func (s *session) sendError(msg string) error {
	return s.send("error", map[string]interface{}{"message": msg})
}
