package channel

import (
	"bufio"
	"errors"
	"io"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/attachproc/internal/infrastructure/logging"
)

var ErrWriterClosed = errors.New("channel writer closed")

// Writer sends frames over a pipe. Safe for concurrent use; every frame is
// flushed before Send returns.
type Writer struct {
	mu     sync.Mutex
	w      *bufio.Writer
	closed bool
}

// NewWriter creates a writer on w
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

// Send frames and writes one message.
func (w *Writer) Send(msg Message) error {
	line, err := msg.Frame()
	if err != nil {
		return err
	}
	return w.WriteLine(line)
}

// WriteLine writes a raw line. Used for the shutdown sentinel.
func (w *Writer) WriteLine(line string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}
	if _, err := w.w.WriteString(line + newline); err != nil {
		return err
	}
	return w.w.Flush()
}

// Close stops further writes. It does not close the underlying pipe.
func (w *Writer) Close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

// HandlerFunc consumes one decoded message
type HandlerFunc func(Message) error

// Reader decodes frames until the sentinel line or end of stream
type Reader struct {
	r        *bufio.Reader
	sentinel string
	logger   *logging.Logger
}

// NewReader creates a reader stopping at sentinel
func NewReader(r io.Reader, sentinel string, logger *logging.Logger) *Reader {
	return &Reader{
		r:        bufio.NewReader(r),
		sentinel: sentinel,
		logger:   logging.OrNop(logger),
	}
}

// Run reads frames and passes them to handle until the sentinel is seen or
// the stream ends. Malformed frames and handler errors are logged and
// skipped. The returned error is non-nil only for unexpected read failures.
func (r *Reader) Run(handle HandlerFunc) error {
	for {
		line, err := r.r.ReadString('\n')
		if line != "" {
			line = strings.TrimSuffix(line, newline)
			if line == r.sentinel {
				r.logger.Debug("channel reader received shutdown")
				return nil
			}
			r.dispatch(line, handle)
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			r.logger.Warn("channel read failed", zap.Error(err))
			return err
		}
	}
}

func (r *Reader) dispatch(line string, handle HandlerFunc) {
	if line == "" {
		return
	}
	msg, err := Parse(line)
	if err != nil {
		r.logger.Warn("dropping channel frame", zap.Error(err))
		return
	}
	if err := handle(msg); err != nil {
		r.logger.Warn("channel handler failed",
			zap.String("kind", msg.Kind.String()),
			zap.Error(err),
		)
	}
}
