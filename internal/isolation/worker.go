package isolation

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kelseyhightower/envconfig"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"

	"github.com/GriffinCanCode/attachproc/internal/channel"
	"github.com/GriffinCanCode/attachproc/internal/extension"
	"github.com/GriffinCanCode/attachproc/internal/infrastructure/logging"
	"github.com/GriffinCanCode/attachproc/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/attachproc/internal/types"
)

// maxPendingCancels bounds cancel requests remembered for calls that have
// not started yet.
const maxPendingCancels = 64

// WorkerEnv is what an isolated extension process reads at startup.
type WorkerEnv struct {
	Socket        string `envconfig:"SOCKET" required:"true"`
	URI           string `envconfig:"URI" required:"true"`
	EventFD       int    `envconfig:"EVENT_FD" default:"3"`
	Compression   string `envconfig:"COMPRESSION"`
	ExtensionPath string `envconfig:"EXTENSION_PATH"`
}

// IsWorker reports whether the current process was launched by a Host.
func IsWorker() bool {
	_, ok := os.LookupEnv(envSocket)
	return ok
}

// Serve runs the worker side of an isolated extension: it loads the
// processor registered for the requested URI and serves it until the host
// asks it to shut down or ctx ends.
func Serve(ctx context.Context, registry *extension.Registry) error {
	var env WorkerEnv
	if err := envconfig.Process(WorkerEnvPrefix, &env); err != nil {
		return fmt.Errorf("read worker environment: %w", err)
	}

	events := os.NewFile(uintptr(env.EventFD), "attachproc-events")
	if events == nil {
		return fmt.Errorf("invalid event descriptor %d", env.EventFD)
	}
	defer events.Close()

	writer := channel.NewWriter(events)
	defer writer.Close()

	logger := logging.NewWithCore(newChannelCore(writer, zapcore.InfoLevel)).Named("worker")
	tracer := tracing.New("extension", logger.Logger)
	defer tracer.Close()

	w := newWorker(env, writer, logger)
	w.load(registry)

	if err := os.Remove(env.Socket); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	lis, err := net.Listen("unix", env.Socket)
	if err != nil {
		w.loadLog(types.LevelError, fmt.Sprintf("Failed to listen on %s: %v", env.Socket, err))
		return fmt.Errorf("listen: %w", err)
	}

	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(tracing.GRPCUnaryInterceptor(tracer)),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: 30 * time.Second}),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	srv.RegisterService(&workerServiceDesc, w)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	go func() {
		select {
		case <-ctx.Done():
			w.calls.cancelAll()
		case <-w.stopping:
		}
		hs.Shutdown()
		srv.GracefulStop()
	}()

	logger.Info("extension worker serving", zap.String("uri", env.URI), zap.String("socket", env.Socket))
	if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

type worker struct {
	env    WorkerEnv
	events *channel.Writer
	logger *logging.Logger

	desc      DescribeResponse
	processor types.Processor

	processMu sync.Mutex
	calls     *callTable

	stopOnce sync.Once
	stopping chan struct{}
}

func newWorker(env WorkerEnv, events *channel.Writer, logger *logging.Logger) *worker {
	return &worker{
		env:      env,
		events:   events,
		logger:   logger,
		calls:    newCallTable(),
		stopping: make(chan struct{}),
	}
}

func (w *worker) load(registry *extension.Registry) {
	d, ok := registry.Resolve(w.env.URI)
	if !ok {
		w.loadLog(types.LevelError, fmt.Sprintf("No attachment processor for %s in %s", w.env.URI, w.env.ExtensionPath))
		return
	}

	p, err := d.New(w.logger.Named(d.FriendlyName))
	if err != nil || p == nil {
		if err == nil {
			err = errors.New("constructor returned no processor")
		}
		w.loadLog(types.LevelError, fmt.Sprintf("Failed to create attachment processor %s: %v", d.FriendlyName, err))
		return
	}

	w.processor = p
	w.desc = DescribeResponse{
		Loaded:                 true,
		FriendlyName:           d.FriendlyName,
		Identity:               d.Identity,
		HasAttachmentProcessor: true,
		SupportsIncremental:    p.SupportsIncrementalProcessing(),
		ExtensionURIs:          p.ExtensionURIs(),
	}
	w.loadLog(types.LevelInformational, fmt.Sprintf("Loaded attachment processor %s", d.FriendlyName))
}

func (w *worker) loadLog(level types.LogLevel, text string) {
	if err := w.events.Send(channel.LoadLog(level, text)); err != nil {
		w.logger.Warn("failed to send load message", zap.Error(err))
	}
}

func (w *worker) Describe(ctx context.Context, _ *emptypb.Empty) (*DescribeResponse, error) {
	desc := w.desc
	return &desc, nil
}

func (w *worker) Process(ctx context.Context, req *ProcessRequest) (*ProcessResponse, error) {
	if w.processor == nil {
		return nil, status.Error(codes.FailedPrecondition, "no attachment processor loaded")
	}

	w.processMu.Lock()
	defer w.processMu.Unlock()

	callCtx, done := w.calls.begin(ctx, req.CallID)
	defer done()

	var frames atomic.Int64
	send := func(msg channel.Message) {
		if err := w.events.Send(msg); err != nil {
			w.logger.Warn("failed to send frame", zap.Error(err))
			return
		}
		frames.Add(1)
	}
	progress := func(percent int) { send(channel.Progress(percent)) }
	logger := types.MessageLoggerFunc(func(level types.LogLevel, message string) {
		send(channel.ProcessLog(level, message))
	})

	out, err := w.processor.ProcessAttachmentSets(callCtx, req.Configuration, req.Attachments, progress, logger)
	if err != nil {
		if errors.Is(err, context.Canceled) || callCtx.Err() != nil {
			return nil, status.Error(codes.Canceled, "processing canceled")
		}
		return nil, status.Error(codes.Unknown, err.Error())
	}
	return &ProcessResponse{Attachments: out, Frames: frames.Load()}, nil
}

func (w *worker) Cancel(ctx context.Context, req *CancelRequest) (*emptypb.Empty, error) {
	w.calls.cancel(req.CallID)
	return &emptypb.Empty{}, nil
}

func (w *worker) Shutdown(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	w.stopOnce.Do(func() {
		w.calls.cancelAll()
		close(w.stopping)
	})
	return &emptypb.Empty{}, nil
}

// callTable tracks cancel functions of running calls. A cancel that arrives
// before its call starts is remembered so the call starts cancelled.
type callTable struct {
	mu      sync.Mutex
	active  map[string]context.CancelFunc
	pending map[string]struct{}
	order   []string
}

func newCallTable() *callTable {
	return &callTable{
		active:  make(map[string]context.CancelFunc),
		pending: make(map[string]struct{}),
	}
}

func (t *callTable) begin(ctx context.Context, callID string) (context.Context, func()) {
	// the host cancels through Cancel, not through the RPC deadline
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.pending[callID]; ok {
		delete(t.pending, callID)
		cancel()
	}
	t.active[callID] = cancel

	return ctx, func() {
		t.mu.Lock()
		delete(t.active, callID)
		t.mu.Unlock()
		cancel()
	}
}

func (t *callTable) cancel(callID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cancel, ok := t.active[callID]; ok {
		cancel()
		return
	}
	if _, ok := t.pending[callID]; ok {
		return
	}
	t.pending[callID] = struct{}{}
	t.order = append(t.order, callID)
	for len(t.order) > maxPendingCancels {
		delete(t.pending, t.order[0])
		t.order = t.order[1:]
	}
}

func (t *callTable) cancelAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, cancel := range t.active {
		cancel()
	}
}

// channelCore forwards worker log entries to the host as trace frames.
type channelCore struct {
	zapcore.LevelEnabler
	enc    zapcore.Encoder
	events *channel.Writer
}

func newChannelCore(events *channel.Writer, level zapcore.Level) zapcore.Core {
	cfg := logging.EncoderConfig(false)
	cfg.TimeKey = zapcore.OmitKey
	cfg.LevelKey = zapcore.OmitKey
	cfg.CallerKey = zapcore.OmitKey
	cfg.StacktraceKey = zapcore.OmitKey
	return &channelCore{
		LevelEnabler: level,
		enc:          zapcore.NewConsoleEncoder(cfg),
		events:       events,
	}
}

func (c *channelCore) With(fields []zapcore.Field) zapcore.Core {
	clone := &channelCore{LevelEnabler: c.LevelEnabler, enc: c.enc.Clone(), events: c.events}
	for _, f := range fields {
		f.AddTo(clone.enc)
	}
	return clone
}

func (c *channelCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *channelCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	buf, err := c.enc.EncodeEntry(ent, fields)
	if err != nil {
		return err
	}
	defer buf.Free()

	level := types.LevelInformational
	if ent.Level >= zapcore.ErrorLevel {
		level = types.LevelError
	}
	return c.events.Send(channel.Trace(level, trimNewline(buf.String())))
}

func (c *channelCore) Sync() error { return nil }

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
