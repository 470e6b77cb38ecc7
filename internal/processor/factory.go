package processor

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/attachproc/internal/coverage"
	"github.com/GriffinCanCode/attachproc/internal/infrastructure/logging"
	"github.com/GriffinCanCode/attachproc/internal/types"
)

// ErrNoProcessor is returned by loaders when an extension exposes no processor.
var ErrNoProcessor = errors.New("extension exposes no attachment processor")

// Loader turns a collector into a processor. A failed load returns an error;
// the factory logs it and moves on.
type Loader interface {
	TryLoad(ctx context.Context, collector types.InvokedCollector, logger types.MessageLogger) (Loaded, error)
}

// LoaderFunc adapts a function to Loader
type LoaderFunc func(ctx context.Context, collector types.InvokedCollector, logger types.MessageLogger) (Loaded, error)

// TryLoad calls f
func (f LoaderFunc) TryLoad(ctx context.Context, collector types.InvokedCollector, logger types.MessageLogger) (Loaded, error) {
	return f(ctx, collector, logger)
}

// Factory builds the processor registrations for a run
type Factory struct {
	loader   Loader
	fallback func() types.Processor
	logger   *logging.Logger
}

// NewFactory creates a factory. fallback builds the built-in coverage
// processor; nil uses coverage defaults.
func NewFactory(loader Loader, fallback func() types.Processor, logger *logging.Logger) *Factory {
	if fallback == nil {
		fallback = func() types.Processor { return coverage.New(coverage.DefaultOptions()) }
	}
	return &Factory{
		loader:   loader,
		fallback: fallback,
		logger:   logging.OrNop(logger).Named("factory"),
	}
}

// Create selects at most one processor per collector identity, preferring
// the candidate whose extension file path sorts last, and appends the
// built-in coverage processor unless a loaded processor already handles the
// coverage URI.
func (f *Factory) Create(ctx context.Context, collectors []types.InvokedCollector, logger types.MessageLogger) *Registrations {
	if logger == nil {
		logger = types.DiscardMessages
	}

	sorted := append([]types.InvokedCollector(nil), collectors...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].FilePath > sorted[j].FilePath
	})

	regs := &Registrations{logger: f.logger}
	won := make(map[string]bool)
	identities := make(map[string]bool)
	coverageHandled := false

	for _, collector := range sorted {
		if !collector.HasAttachmentProcessor {
			continue
		}
		if won[collector.Identity] {
			f.logger.Debug("skipping older collector version",
				zap.String("identity", collector.Identity),
				zap.String("file_path", collector.FilePath),
			)
			continue
		}
		if f.loader == nil {
			continue
		}

		loaded, err := f.loader.TryLoad(ctx, collector, logger)
		if err == nil && loaded.Processor == nil {
			err = ErrNoProcessor
		}
		if err != nil {
			f.logger.Warn("failed to load attachment processor",
				zap.String("uri", collector.URI),
				zap.String("file_path", collector.FilePath),
				zap.Error(err),
			)
			logger.SendMessage(types.LevelError, fmt.Sprintf("Failed to load attachment processor for %s from %s: %v", collector.URI, collector.FilePath, err))
			continue
		}
		won[collector.Identity] = true

		name := loaded.FriendlyName
		if name == "" {
			name = collector.FriendlyName
		}
		identity := loaded.Identity
		if identity == "" {
			identity = collector.Identity
		}

		if identities[identity] || regs.Has(name) {
			f.logger.Warn("duplicate attachment processor skipped",
				zap.String("processor", name),
				zap.String("identity", identity),
			)
			if err := release(loaded.Processor); err != nil {
				f.logger.Warn("failed to release duplicate processor", zap.Error(err))
			}
			continue
		}
		identities[identity] = true

		if handlesCoverage(loaded.Processor) {
			coverageHandled = true
		}

		regs.add(Registration{FriendlyName: name, Identity: identity, Processor: loaded.Processor})
		f.logger.Info("attachment processor registered",
			zap.String("processor", name),
			zap.String("file_path", collector.FilePath),
		)
	}

	if !coverageHandled {
		if regs.Has(coverage.FriendlyName) {
			f.logger.Warn("built-in coverage processor not registered, friendly name already taken")
		} else {
			regs.add(Registration{
				FriendlyName: coverage.FriendlyName,
				Identity:     coverage.Identity,
				Processor:    f.fallback(),
			})
		}
	}

	return regs
}

func handlesCoverage(p types.Processor) bool {
	for _, uri := range p.ExtensionURIs() {
		if uri == coverage.URI {
			return true
		}
	}
	return false
}
