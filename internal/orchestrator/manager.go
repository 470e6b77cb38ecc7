package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/attachproc/internal/infrastructure/logging"
	"github.com/GriffinCanCode/attachproc/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/attachproc/internal/processor"
	"github.com/GriffinCanCode/attachproc/internal/runsettings"
	"github.com/GriffinCanCode/attachproc/internal/shared/id"
	"github.com/GriffinCanCode/attachproc/internal/shared/utils"
	"github.com/GriffinCanCode/attachproc/internal/types"
)

// Telemetry receives run and processor measurements
type Telemetry interface {
	ProcessingStarted()
	ProcessingStopped(state types.State, before, after int, elapsed time.Duration)
	ProcessorInvoked(name, status string, duration time.Duration)
}

type nopTelemetry struct{}

func (nopTelemetry) ProcessingStarted()                                     {}
func (nopTelemetry) ProcessingStopped(types.State, int, int, time.Duration) {}
func (nopTelemetry) ProcessorInvoked(string, string, time.Duration)         {}

// Request is the input of one post-processing run
type Request struct {
	RunSettingsXML    string                   `json:"run_settings,omitempty"`
	Attachments       []types.AttachmentSet    `json:"attachments"`
	InvokedCollectors []types.InvokedCollector `json:"invoked_collectors,omitempty"`
}

// Outcome is the result of one run. Attachments is never nil when the input
// was not nil.
type Outcome struct {
	RunID       id.RunID               `json:"run_id"`
	State       types.State            `json:"state"`
	Attachments []types.AttachmentSet  `json:"attachments"`
	Err         error                  `json:"-"`
	Metrics     map[string]interface{} `json:"metrics"`
}

// Config holds optional Manager collaborators
type Config struct {
	Telemetry Telemetry
	Logger    *logging.Logger
	Tracer    *tracing.Tracer
}

// Manager runs attachment post-processing
type Manager struct {
	factory   *processor.Factory
	telemetry Telemetry
	logger    *logging.Logger
	tracer    *tracing.Tracer
	runs      sync.Map // id.RunID -> *run
}

// NewManager creates a manager building processors through factory
func NewManager(factory *processor.Factory, cfg Config) *Manager {
	if cfg.Telemetry == nil {
		cfg.Telemetry = nopTelemetry{}
	}
	return &Manager{
		factory:   factory,
		telemetry: cfg.Telemetry,
		logger:    logging.OrNop(cfg.Logger).Named("orchestrator"),
		tracer:    cfg.Tracer,
	}
}

// Active lists runs that have not completed yet
func (m *Manager) Active() []RunInfo {
	var out []RunInfo
	m.runs.Range(func(_, v interface{}) bool {
		out = append(out, v.(*run).info())
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

type result struct {
	attachments []types.AttachmentSet
	invoked     int
	err         error
}

// ProcessTestRunAttachments runs every applicable attachment processor over
// req.Attachments and reports the outcome to handler, which may be nil.
//
// Cancellation is advisory. When ctx ends first the call returns the input
// attachments with state Canceled right away, but processing is not killed:
// it keeps running detached, sees the cancelled ctx, and releases its own
// processors when it finishes. Processors that observe ctx stop early.
func (m *Manager) ProcessTestRunAttachments(ctx context.Context, req Request, handler types.EventHandler) Outcome {
	r := newRun(types.CloneSets(req.Attachments))
	ev := &events{handler: handler}
	logger := m.logger.With(zap.String("run_id", r.id.String()))

	m.runs.Store(r.id, r)
	defer m.runs.Delete(r.id)

	span, ctx := m.tracer.StartSpan(ctx, "orchestrator.process")
	span.SetTag("run_id", r.id.String())

	m.telemetry.ProcessingStarted()
	logger.Info("attachment processing started",
		zap.Int("attachment_sets", len(r.inputs)),
		zap.Int("invoked_collectors", len(req.InvokedCollectors)),
	)

	if err := ctx.Err(); err != nil {
		logger.Info("attachment processing canceled before start")
		return m.finish(r, ev, span, types.StateCanceled, r.inputs, 0, nil)
	}
	if err := r.transition(types.StateRunning); err != nil {
		return m.finish(r, ev, span, types.StateFailed, r.inputs, 0, err)
	}

	results := make(chan result, 1)
	go func() {
		var res result
		defer func() {
			if p := recover(); p != nil {
				res = result{err: fmt.Errorf("attachment processing panicked: %v", p)}
			}
			results <- res
		}()
		res.attachments, res.invoked, res.err = m.process(ctx, logger, req, ev)
	}()

	select {
	case <-ctx.Done():
		go func() {
			res := <-results
			logger.Info("detached attachment processing finished",
				zap.Int("processors_invoked", res.invoked),
				zap.Error(res.err),
			)
		}()
		logger.Info("attachment processing canceled, returning original attachments")
		return m.finish(r, ev, span, types.StateCanceled, r.inputs, 0, nil)

	case res := <-results:
		switch {
		case res.err == nil:
			return m.finish(r, ev, span, types.StateCompleted, res.attachments, res.invoked, nil)
		case errors.Is(res.err, context.Canceled) || errors.Is(res.err, context.DeadlineExceeded):
			return m.finish(r, ev, span, types.StateCanceled, r.inputs, res.invoked, nil)
		default:
			logger.Error("attachment processing failed", zap.Error(res.err))
			ev.HandleLogMessage(types.LevelError, res.err.Error())
			return m.finish(r, ev, span, types.StateFailed, r.inputs, res.invoked, res.err)
		}
	}
}

// process is the background unit of work. It owns working exclusively.
func (m *Manager) process(ctx context.Context, logger *logging.Logger, req Request, ev *events) ([]types.AttachmentSet, int, error) {
	working := types.CloneSets(req.Attachments)
	if len(working) == 0 {
		logger.Debug("no attachments to process")
		return working, 0, nil
	}

	settings, err := runsettings.Parse(req.RunSettingsXML)
	if err != nil {
		logger.Warn("ignoring unreadable run settings", zap.Error(err))
		ev.HandleLogMessage(types.LevelWarning, fmt.Sprintf("Run settings could not be read, processors get no configuration: %v", err))
	}

	regs := m.factory.Create(ctx, req.InvokedCollectors, ev)
	defer regs.Close()

	n := regs.Len()
	invoked := 0
	for i, reg := range regs.All() {
		index := i + 1

		uris := reg.Processor.ExtensionURIs()
		if len(uris) == 0 {
			continue
		}
		matched, rest := partition(working, uris)
		if len(matched) == 0 {
			continue
		}
		if !reg.Processor.SupportsIncrementalProcessing() {
			logger.Warn("skipping processor without incremental processing", zap.String("processor", reg.FriendlyName))
			ev.HandleLogMessage(types.LevelError, fmt.Sprintf("Attachment processor %s does not support incremental processing and was skipped", reg.FriendlyName))
			continue
		}
		working = rest

		progress := func(percent int) {
			ev.HandleProcessingProgress(types.ProgressEvent{
				ProcessorIndex:  index,
				ExtensionURIs:   uris,
				Percent:         percent,
				ProcessorsCount: n,
			})
		}

		out, err := m.invoke(ctx, logger, reg, settings.ConfigurationFor(reg.FriendlyName), matched, progress, ev)
		if err != nil {
			return nil, invoked, fmt.Errorf("attachment processor %s: %w", reg.FriendlyName, err)
		}
		invoked++
		working = append(working, out...)
	}
	return working, invoked, nil
}

func (m *Manager) invoke(ctx context.Context, logger *logging.Logger, reg processor.Registration, configuration string, matched []types.AttachmentSet, progress types.ProgressFunc, ev *events) ([]types.AttachmentSet, error) {
	span, ctx := m.tracer.StartSpan(ctx, "processor.invoke")
	span.SetTag("processor", reg.FriendlyName)

	logger.Debug("invoking attachment processor",
		zap.String("processor", reg.FriendlyName),
		zap.Int("attachment_sets", len(matched)),
	)

	start := time.Now()
	out, err := reg.Processor.ProcessAttachmentSets(ctx, configuration, matched, progress, ev)

	status := "ok"
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		status = "canceled"
	default:
		status = "error"
	}
	m.telemetry.ProcessorInvoked(reg.FriendlyName, status, time.Since(start))
	m.tracer.End(span, err)
	return out, err
}

func (m *Manager) finish(r *run, ev *events, span *tracing.Span, state types.State, attachments []types.AttachmentSet, invoked int, err error) Outcome {
	if terr := r.transition(state); terr != nil {
		m.logger.Warn("invalid run transition", zap.Error(terr))
	}

	elapsed := time.Since(r.started)
	before, after := len(r.inputs), len(attachments)

	metrics := map[string]interface{}{
		types.MetricAttachmentsSent:    before,
		types.MetricAttachmentsAfter:   after,
		types.MetricProcessingState:    string(state),
		types.MetricTimeTakenInSeconds: elapsed.Seconds(),
		types.MetricProcessorsInvoked:  invoked,
	}
	m.telemetry.ProcessingStopped(state, before, after, elapsed)

	event := types.CompleteEvent{IsCanceled: state == types.StateCanceled, Metrics: metrics}
	if err != nil {
		event.Error = err.Error()
	}
	ev.complete(event, attachments)

	span.SetTag("state", string(state))
	m.tracer.End(span, err)

	m.logger.Info("attachment processing finished",
		zap.String("run_id", r.id.String()),
		zap.String("state", string(state)),
		zap.Int("before", before),
		zap.Int("after", after),
		zap.Duration("elapsed", elapsed),
	)

	return Outcome{
		RunID:       r.id,
		State:       state,
		Attachments: attachments,
		Err:         err,
		Metrics:     metrics,
	}
}

// partition splits sets by whether their producer URI is claimed.
func partition(sets []types.AttachmentSet, claimed []string) (matched, rest []types.AttachmentSet) {
	claims := make(map[string]struct{}, len(claimed))
	for _, uri := range claimed {
		claims[strings.ToLower(uri)] = struct{}{}
	}
	for _, s := range sets {
		if _, ok := claims[strings.ToLower(s.URI)]; ok {
			matched = append(matched, s)
		} else {
			rest = append(rest, s)
		}
	}
	return matched, rest
}

// Validate checks a request received from outside the process
func (r Request) Validate() error {
	if err := utils.ValidateString(r.RunSettingsXML, "run_settings", 0, utils.MaxRunSettingsSize, false); err != nil {
		return err
	}
	if err := utils.ValidateAttachmentSets(r.Attachments); err != nil {
		return err
	}
	return utils.ValidateCollectors(r.InvokedCollectors)
}
