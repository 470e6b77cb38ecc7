package coverage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/attachproc/internal/infrastructure/logging"
	"github.com/GriffinCanCode/attachproc/internal/runsettings"
	"github.com/GriffinCanCode/attachproc/internal/types"
)

const (
	// URI is the well-known code coverage collector URI.
	URI = "datacollector://microsoft/CodeCoverage/2.0"
	// FriendlyName is the registration name of the built-in processor.
	FriendlyName = "Code Coverage"
	// Identity is the processor identity of the built-in handler.
	Identity = "attachproc/coverage.Handler"

	formatElement = "Format"
)

var reportExtensions = map[string]bool{
	".coverage": true,
	".xml":      true,
}

// IsReport reports whether path looks like a coverage report.
func IsReport(path string) bool {
	return reportExtensions[strings.ToLower(filepath.Ext(path))]
}

// Options configures a Handler
type Options struct {
	MergerName   string
	MergerConfig MergerConfig
	Mode         Mode
	Merger       Merger // overrides MergerName when set
	Logger       *logging.Logger
}

// DefaultOptions uses the command merger producing .coverage output.
func DefaultOptions() Options {
	return Options{
		MergerName:   "command",
		MergerConfig: DefaultMergerConfig(),
		Mode:         ModeCoverage,
	}
}

// Handler merges multiple coverage reports into one
type Handler struct {
	opts   Options
	logger *logging.Logger

	mu     sync.Mutex
	merger Merger
}

// New creates a coverage handler.
func New(opts Options) *Handler {
	if opts.MergerName == "" {
		opts.MergerName = "command"
	}
	if opts.Mode == "" {
		opts.Mode = ModeCoverage
	}
	return &Handler{
		opts:   opts,
		logger: logging.OrNop(opts.Logger).Named("coverage"),
		merger: opts.Merger,
	}
}

// SupportsIncrementalProcessing is always true.
func (h *Handler) SupportsIncrementalProcessing() bool { return true }

// ExtensionURIs returns the coverage collector URI.
func (h *Handler) ExtensionURIs() []string { return []string{URI} }

// ProcessAttachmentSets merges every coverage report found in attachments
// into a single result set. With at most one report the input is returned
// unchanged. A failed merge is logged and yields no attachments.
func (h *Handler) ProcessAttachmentSets(ctx context.Context, configuration string, attachments []types.AttachmentSet, progress types.ProgressFunc, logger types.MessageLogger) ([]types.AttachmentSet, error) {
	if logger == nil {
		logger = types.DiscardMessages
	}
	if len(attachments) == 0 {
		return []types.AttachmentSet{}, nil
	}

	reports, others := partition(attachments)
	if len(reports) <= 1 {
		return attachments, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	merger, err := h.resolveMerger()
	if err != nil {
		h.logger.Error("coverage merge routine unavailable", zap.Error(err))
		logger.SendMessage(types.LevelError, "Code coverage merge routine unavailable: "+err.Error())
		return []types.AttachmentSet{}, nil
	}

	mode := h.mode(configuration)
	h.logger.Info("merging coverage reports",
		zap.Int("reports", len(reports)),
		zap.String("mode", string(mode)),
	)

	merged, err := merger.MergeReports(ctx, reports[0], reports, mode, true)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		h.logger.Error("coverage merge failed", zap.Error(err))
		logger.SendMessage(types.LevelError, "Code coverage merge failed: "+err.Error())
		return []types.AttachmentSet{}, nil
	}

	if progress != nil {
		progress(100)
	}

	h.removeOriginals(reports, merged)

	result := types.AttachmentSet{
		URI:         URI,
		DisplayName: FriendlyName,
	}
	for _, path := range merged {
		result.Attachments = append(result.Attachments, types.FileAttachment(path, FriendlyName))
	}
	result.Attachments = append(result.Attachments, others...)

	return []types.AttachmentSet{result}, nil
}

func (h *Handler) resolveMerger() (Merger, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.merger != nil {
		return h.merger, nil
	}
	m, err := Resolve(h.opts.MergerName, h.opts.MergerConfig, h.logger)
	if err != nil {
		return nil, err
	}
	h.merger = m
	return m, nil
}

// mode lets the collector configuration fragment override the merge format.
func (h *Handler) mode(configuration string) Mode {
	value, err := runsettings.ConfigValue(configuration, formatElement)
	if err != nil {
		h.logger.Warn("ignoring unreadable coverage configuration", zap.Error(err))
		return h.opts.Mode
	}
	if m, ok := ParseMode(value); ok {
		return m
	}
	return h.opts.Mode
}

func (h *Handler) removeOriginals(reports, merged []string) {
	keep := make(map[string]bool, len(merged))
	for _, p := range merged {
		keep[filepath.Clean(p)] = true
	}
	for _, p := range reports {
		if keep[filepath.Clean(p)] {
			continue
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			h.logger.Warn("failed to remove original coverage report",
				zap.String("path", p),
				zap.Error(err),
			)
		}
	}
}

func partition(sets []types.AttachmentSet) (reports []string, others []types.Attachment) {
	for _, set := range sets {
		for _, a := range set.Attachments {
			path := a.LocalPath()
			if IsReport(path) {
				reports = append(reports, path)
				continue
			}
			others = append(others, types.Attachment{URI: a.URI})
		}
	}
	return reports, others
}
