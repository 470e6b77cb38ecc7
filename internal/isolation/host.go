package isolation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	"github.com/GriffinCanCode/attachproc/internal/channel"
	"github.com/GriffinCanCode/attachproc/internal/infrastructure/logging"
	"github.com/GriffinCanCode/attachproc/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/attachproc/internal/shared/id"
	"github.com/GriffinCanCode/attachproc/internal/types"
)

// ErrNotLoaded is returned when a host has no loaded processor.
var ErrNotLoaded = errors.New("isolated host has no loaded attachment processor")

// frameWait bounds how long a finished call waits for its trailing frames.
const frameWait = 2 * time.Second

// Host runs one extension in a child process and forwards calls to the
// attachment processor it exposes.
type Host struct {
	id       id.HostID
	uri      string
	filePath string
	opts     Options
	logger   *logging.Logger
	loadLog  types.MessageLogger

	sentinel   string
	dir        string
	cmd        *exec.Cmd
	exited     chan struct{}
	exitErr    error
	stderr     io.WriteCloser
	eventsR    *os.File
	eventsW    *os.File
	writer     *channel.Writer
	readerDone chan struct{}
	conn       *grpc.ClientConn
	client     *workerClient

	loaded bool
	desc   DescribeResponse

	callMu sync.Mutex
	sinkMu sync.Mutex
	sink   *callSink

	closeOnce sync.Once
}

// Create starts the extension at filePath and loads the processor for
// collectorURI. It never fails: when anything goes wrong the returned host
// reports Loaded() == false. Messages raised while loading go to logger.
// The host must be closed either way.
func Create(ctx context.Context, opts Options, collectorURI, filePath string, logger types.MessageLogger) *Host {
	opts = opts.withDefaults()
	if logger == nil {
		logger = types.DiscardMessages
	}

	hostID := id.NewHostID()
	h := &Host{
		id:       hostID,
		uri:      collectorURI,
		filePath: filePath,
		opts:     opts,
		loadLog:  logger,
		sentinel: channel.NewSentinel(),
		exited:   make(chan struct{}),
		logger: opts.Logger.Named("isolation").With(
			zap.String("host_id", hostID.String()),
			zap.String("uri", collectorURI),
			zap.String("file_path", filePath),
		),
	}

	span, ctx := opts.Tracer.StartSpan(ctx, "isolation.create")
	err := h.start(ctx)
	opts.Tracer.End(span, err)

	if err != nil {
		h.logger.Warn("isolated extension unavailable", zap.Error(err))
		h.loaded = false
		h.desc = DescribeResponse{}
	}
	return h
}

// ID returns the host identifier
func (h *Host) ID() id.HostID { return h.id }

// Loaded reports whether a processor was loaded
func (h *Host) Loaded() bool { return h.loaded }

// FriendlyName of the loaded processor, empty when nothing is loaded
func (h *Host) FriendlyName() string { return h.desc.FriendlyName }

// Identity of the loaded processor type, empty when nothing is loaded
func (h *Host) Identity() string { return h.desc.Identity }

// HasAttachmentProcessor reports whether the extension exposes a processor
func (h *Host) HasAttachmentProcessor() bool {
	return h.loaded && h.desc.HasAttachmentProcessor
}

// SupportsIncrementalProcessing queries the loaded processor.
func (h *Host) SupportsIncrementalProcessing() (bool, error) {
	if !h.loaded {
		return false, ErrNotLoaded
	}
	return h.desc.SupportsIncremental, nil
}

// ExtensionURIs returns the URIs the loaded processor claims.
func (h *Host) ExtensionURIs() ([]string, error) {
	if !h.loaded {
		return nil, ErrNotLoaded
	}
	return append([]string(nil), h.desc.ExtensionURIs...), nil
}

func (h *Host) start(ctx context.Context) error {
	parent := h.opts.SocketDir
	if parent != "" {
		abs, err := filepath.Abs(parent)
		if err != nil {
			return err
		}
		parent = abs
	}
	dir, err := os.MkdirTemp(parent, "attachproc-")
	if err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	h.dir = dir
	socket := filepath.Join(dir, "w.sock")

	r, w, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("create event pipe: %w", err)
	}
	h.eventsR, h.eventsW = r, w
	h.writer = channel.NewWriter(w)

	cmd := exec.Command(h.filePath, h.opts.Args...)
	cmd.Env = append(os.Environ(), h.opts.Env...)
	cmd.Env = append(cmd.Env,
		envSocket+"="+socket,
		envURI+"="+h.uri,
		fmt.Sprintf("%s=%d", envEventFD, eventFD),
		envCompression+"="+h.opts.Compression,
		envExtensionPath+"="+h.filePath,
	)
	cmd.ExtraFiles = []*os.File{w}
	h.stderr = h.logger.Named("stderr").Writer(zapcore.InfoLevel)
	cmd.Stdout = h.stderr
	cmd.Stderr = h.stderr

	if err := cmd.Start(); err != nil {
		h.recordError("start")
		return fmt.Errorf("start extension: %w", err)
	}
	h.cmd = cmd
	if h.opts.Metrics != nil {
		h.opts.Metrics.HostStarted()
	}

	go h.wait()

	h.readerDone = make(chan struct{})
	go h.readEvents()

	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithConnectParams(grpc.ConnectParams{
			Backoff: backoff.Config{
				BaseDelay:  20 * time.Millisecond,
				Multiplier: 1.6,
				Jitter:     0.2,
				MaxDelay:   500 * time.Millisecond,
			},
			MinConnectTimeout: time.Second,
		}),
		// A long merge holds one unary call open; pings detect a hung worker.
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:    60 * time.Second,
			Timeout: 20 * time.Second,
		}),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(64*1024*1024),
			grpc.MaxCallSendMsgSize(64*1024*1024),
		),
	}
	if h.opts.Tracer != nil {
		dialOpts = append(dialOpts, grpc.WithUnaryInterceptor(tracing.GRPCClientInterceptor(h.opts.Tracer)))
	}

	conn, err := grpc.NewClient("unix://"+socket, dialOpts...)
	if err != nil {
		return fmt.Errorf("dial extension: %w", err)
	}
	h.conn = conn
	h.client = newWorkerClient(conn, h.opts.Compression)

	readyCtx, cancel := context.WithTimeout(ctx, h.opts.StartTimeout)
	defer cancel()

	if err := h.awaitReady(readyCtx, cancel); err != nil {
		h.recordError("ready")
		return err
	}

	desc, err := h.client.Describe(readyCtx)
	h.recordCall(methodDescribe, err)
	if err != nil {
		h.recordError("describe")
		return fmt.Errorf("describe extension: %w", err)
	}
	if !desc.Loaded {
		return fmt.Errorf("extension did not load a processor for %s", h.uri)
	}

	h.desc = *desc
	h.loaded = true
	h.logger.Info("isolated extension loaded",
		zap.String("processor", desc.FriendlyName),
		zap.Strings("extension_uris", desc.ExtensionURIs),
	)
	return nil
}

// awaitReady blocks until the worker reports SERVING, the process exits or
// ctx ends.
func (h *Host) awaitReady(ctx context.Context, cancel context.CancelFunc) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-h.exited:
			cancel()
		case <-stop:
		}
	}()

	resp, err := healthpb.NewHealthClient(h.conn).Check(ctx, &healthpb.HealthCheckRequest{}, grpc.WaitForReady(true))
	if err != nil {
		select {
		case <-h.exited:
			return fmt.Errorf("extension exited during startup: %v", h.exitErr)
		default:
		}
		return fmt.Errorf("extension not ready: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("extension reports %s", resp.GetStatus())
	}
	return nil
}

func (h *Host) wait() {
	h.exitErr = h.cmd.Wait()
	close(h.exited)
	h.logger.Debug("extension process exited", zap.Error(h.exitErr))
}

func (h *Host) running() bool {
	if h.cmd == nil {
		return false
	}
	select {
	case <-h.exited:
		return false
	default:
		return true
	}
}

func (h *Host) readEvents() {
	defer close(h.readerDone)
	reader := channel.NewReader(h.eventsR, h.sentinel, h.logger)
	if err := reader.Run(h.handleEvent); err != nil {
		h.logger.Warn("event channel closed unexpectedly", zap.Error(err))
	}
}

func (h *Host) handleEvent(msg channel.Message) error {
	switch msg.Kind {
	case channel.KindTrace:
		if msg.Level == types.LevelError {
			h.logger.Error(msg.Text)
		} else {
			h.logger.Info(msg.Text)
		}
	case channel.KindLoadLog:
		h.loadLog.SendMessage(msg.Level, msg.Text)
	case channel.KindProcessLog, channel.KindProgress:
		sink := h.currentSink()
		if sink == nil {
			h.logger.Debug("dropping frame outside of a call", zap.String("kind", msg.Kind.String()))
			return nil
		}
		if !sink.deliver(msg) {
			h.logger.Debug("dropping frame after call ended", zap.String("kind", msg.Kind.String()))
		}
	default:
		return fmt.Errorf("unexpected %s message", msg.Kind)
	}
	return nil
}

// ProcessAttachmentSets forwards a blocking call to the isolated processor.
// The call itself is not cancelled by ctx; when ctx ends a Cancel request is
// sent so the processor can stop cooperatively. A call cancelled on the far
// side returns context.Canceled. Calls on one host are serialized.
func (h *Host) ProcessAttachmentSets(ctx context.Context, configuration string, attachments []types.AttachmentSet, progress types.ProgressFunc, logger types.MessageLogger) ([]types.AttachmentSet, error) {
	if !h.loaded {
		return nil, ErrNotLoaded
	}
	if logger == nil {
		logger = types.DiscardMessages
	}

	h.callMu.Lock()
	defer h.callMu.Unlock()

	sink := newCallSink(progress, logger)
	h.setSink(sink)
	defer h.endCall(sink)

	callID := id.NewCallID()
	stop := context.AfterFunc(ctx, func() {
		cctx, cancel := context.WithTimeout(context.Background(), h.opts.ShutdownTimeout)
		defer cancel()
		err := h.client.Cancel(cctx, callID.String())
		h.recordCall(methodCancel, err)
		if err != nil {
			h.logger.Warn("cancel request failed", zap.String("call_id", callID.String()), zap.Error(err))
		}
	})
	defer stop()

	resp, err := h.client.Process(context.WithoutCancel(ctx), &ProcessRequest{
		CallID:        callID.String(),
		Configuration: configuration,
		Attachments:   attachments,
	})
	h.recordCall(methodProcess, err)
	if err != nil {
		if status.Code(err) == codes.Canceled {
			return nil, context.Canceled
		}
		return nil, fmt.Errorf("isolated processor %s: %w", h.desc.FriendlyName, err)
	}

	if !sink.await(resp.Frames, frameWait) {
		h.logger.Warn("missing frames after call", zap.Int64("expected", resp.Frames))
	}
	return resp.Attachments, nil
}

// Processor adapts a loaded host to types.Processor. Closing the adapter
// closes the host.
func (h *Host) Processor() (types.Processor, error) {
	if !h.loaded {
		return nil, ErrNotLoaded
	}
	return &hostProcessor{host: h}, nil
}

// Close shuts the extension down and releases every resource. Release
// failures are logged; Close always returns nil.
func (h *Host) Close() error {
	h.closeOnce.Do(h.shutdown)
	return nil
}

func (h *Host) shutdown() {
	if h.client != nil && h.running() {
		ctx, cancel := context.WithTimeout(context.Background(), h.opts.ShutdownTimeout)
		err := h.client.Shutdown(ctx)
		cancel()
		h.recordCall(methodShutdown, err)
		if err != nil {
			h.logger.Debug("shutdown request failed", zap.Error(err))
		}
	}

	if h.cmd != nil {
		select {
		case <-h.exited:
		case <-time.After(h.opts.ShutdownTimeout):
			h.logger.Warn("extension did not exit in time, killing")
			h.recordError("shutdown")
			if err := h.cmd.Process.Kill(); err != nil {
				h.logger.Warn("kill failed", zap.Error(err))
			}
			<-h.exited
		}
		if h.opts.Metrics != nil {
			h.opts.Metrics.HostStopped()
		}
	}

	if h.writer != nil {
		if err := h.writer.WriteLine(h.sentinel); err != nil {
			h.logger.Warn("failed to write shutdown sentinel", zap.Error(err))
		}
		h.writer.Close()
	}
	if h.readerDone != nil {
		select {
		case <-h.readerDone:
		case <-time.After(h.opts.ShutdownTimeout):
			h.logger.Warn("event reader did not stop in time")
		}
	}

	h.release("grpc connection", h.conn)
	h.release("event pipe writer", h.eventsW)
	h.release("event pipe reader", h.eventsR)
	h.release("stderr relay", h.stderr)
	if h.dir != "" {
		if err := os.RemoveAll(h.dir); err != nil {
			h.logger.Warn("failed to remove socket directory", zap.Error(err))
		}
	}
	h.logger.Debug("isolated host closed")
}

func (h *Host) release(what string, c io.Closer) {
	if c == nil || isNil(c) {
		return
	}
	if err := c.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		h.logger.Warn("failed to release "+what, zap.Error(err))
	}
}

func isNil(c io.Closer) bool {
	switch v := c.(type) {
	case *os.File:
		return v == nil
	case *grpc.ClientConn:
		return v == nil
	}
	return false
}

func (h *Host) currentSink() *callSink {
	h.sinkMu.Lock()
	defer h.sinkMu.Unlock()
	return h.sink
}

func (h *Host) setSink(s *callSink) {
	h.sinkMu.Lock()
	h.sink = s
	h.sinkMu.Unlock()
}

// endCall detaches sink so frames arriving after the call returns are dropped.
func (h *Host) endCall(s *callSink) {
	h.sinkMu.Lock()
	if h.sink == s {
		h.sink = nil
	}
	h.sinkMu.Unlock()
	s.close()
}

func (h *Host) recordCall(method string, err error) {
	if h.opts.Metrics != nil {
		h.opts.Metrics.RecordIsolationCall(method, status.Code(err).String())
	}
}

func (h *Host) recordError(stage string) {
	if h.opts.Metrics != nil {
		h.opts.Metrics.RecordIsolationError(stage)
	}
}

// callSink routes process-time frames to the caller of one call.
type callSink struct {
	progress types.ProgressFunc
	logger   types.MessageLogger

	mu      sync.Mutex
	frames  int64
	closed  bool
	arrived chan struct{}
}

func newCallSink(progress types.ProgressFunc, logger types.MessageLogger) *callSink {
	return &callSink{progress: progress, logger: logger, arrived: make(chan struct{}, 1)}
}

// deliver forwards msg unless the call already ended. The lock is held
// across the callback so close waits for an in-flight delivery.
func (s *callSink) deliver(msg channel.Message) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	switch msg.Kind {
	case channel.KindProgress:
		if s.progress != nil {
			s.progress(msg.Percent)
		}
	case channel.KindProcessLog:
		s.logger.SendMessage(msg.Level, msg.Text)
	}
	s.frames++
	s.mu.Unlock()

	select {
	case s.arrived <- struct{}{}:
	default:
	}
	return true
}

func (s *callSink) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// await waits until n frames were delivered or timeout elapses.
func (s *callSink) await(n int64, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		s.mu.Lock()
		got := s.frames
		s.mu.Unlock()
		if got >= n {
			return true
		}
		select {
		case <-s.arrived:
		case <-deadline.C:
			return false
		}
	}
}

type hostProcessor struct {
	host *Host
}

func (p *hostProcessor) SupportsIncrementalProcessing() bool {
	return p.host.desc.SupportsIncremental
}

func (p *hostProcessor) ExtensionURIs() []string {
	uris, _ := p.host.ExtensionURIs()
	return uris
}

func (p *hostProcessor) ProcessAttachmentSets(ctx context.Context, configuration string, attachments []types.AttachmentSet, progress types.ProgressFunc, logger types.MessageLogger) ([]types.AttachmentSet, error) {
	return p.host.ProcessAttachmentSets(ctx, configuration, attachments, progress, logger)
}

func (p *hostProcessor) Close() error {
	return p.host.Close()
}
