package isolation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/attachproc/internal/extension"
	"github.com/GriffinCanCode/attachproc/internal/infrastructure/logging"
	"github.com/GriffinCanCode/attachproc/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/attachproc/internal/processor"
	"github.com/GriffinCanCode/attachproc/internal/types"
)

// ErrLoadFailed is returned when an isolated extension could not be loaded.
var ErrLoadFailed = errors.New("isolated extension failed to load")

// Mode selects where processors run
type Mode string

const (
	ModeAuto      Mode = "auto"
	ModeProcess   Mode = "process"
	ModeInProcess Mode = "inprocess"
)

// ParseMode validates a mode name
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeAuto, nil
	case ModeAuto, ModeProcess, ModeInProcess:
		return m, nil
	}
	return "", fmt.Errorf("unknown isolation mode %q", s)
}

// LoaderOptions configures a Loader
type LoaderOptions struct {
	Mode            Mode
	Host            Options
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// Loader resolves collectors to processors, either from the in-process
// registry or by spawning an isolated host for the extension file.
type Loader struct {
	mode     Mode
	opts     Options
	registry *extension.Registry
	inproc   *extension.Loader
	breakers *resilience.Group
	logger   *logging.Logger
}

// NewLoader creates a loader. registry may be nil in process mode.
func NewLoader(registry *extension.Registry, opts LoaderOptions) *Loader {
	if registry == nil {
		registry = extension.NewRegistry()
	}
	if opts.Mode == "" {
		opts.Mode = ModeAuto
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = 3
	}
	if opts.BreakerCooldown <= 0 {
		opts.BreakerCooldown = time.Minute
	}
	host := opts.Host.withDefaults()
	logger := host.Logger.Named("loader")

	return &Loader{
		mode:     opts.Mode,
		opts:     host,
		registry: registry,
		inproc:   extension.NewLoader(registry, host.Logger),
		breakers: resilience.NewGroup(resilience.Settings{
			Timeout:     opts.BreakerCooldown,
			ReadyToTrip: resilience.ConsecutiveFailures(opts.BreakerFailures),
			IsFailure: func(err error) bool {
				return err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, processor.ErrNoProcessor)
			},
			OnStateChange: func(name string, from, to resilience.State) {
				logger.Warn("extension breaker state changed",
					zap.String("file_path", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
			},
		}),
		logger: logger,
	}
}

// Mode returns the configured mode
func (l *Loader) Mode() Mode { return l.mode }

// BreakerStates reports the breaker state per extension file path
func (l *Loader) BreakerStates() map[string]resilience.State {
	return l.breakers.States()
}

// TryLoad implements processor.Loader.
func (l *Loader) TryLoad(ctx context.Context, collector types.InvokedCollector, logger types.MessageLogger) (processor.Loaded, error) {
	switch l.mode {
	case ModeInProcess:
		return l.inproc.TryLoad(ctx, collector, logger)
	case ModeAuto:
		if _, ok := l.registry.Resolve(collector.URI); ok {
			return l.inproc.TryLoad(ctx, collector, logger)
		}
	}

	if collector.FilePath == "" {
		return processor.Loaded{}, fmt.Errorf("%w: no extension file for %s", ErrLoadFailed, collector.URI)
	}
	return resilience.Execute(l.breakers.Get(collector.FilePath), func() (processor.Loaded, error) {
		return l.spawn(ctx, collector, logger)
	})
}

func (l *Loader) spawn(ctx context.Context, collector types.InvokedCollector, logger types.MessageLogger) (processor.Loaded, error) {
	host := Create(ctx, l.opts, collector.URI, collector.FilePath, logger)
	if !host.Loaded() {
		host.Close()
		if err := ctx.Err(); err != nil {
			return processor.Loaded{}, err
		}
		return processor.Loaded{}, fmt.Errorf("%w: %s", ErrLoadFailed, collector.FilePath)
	}
	if !host.HasAttachmentProcessor() {
		host.Close()
		return processor.Loaded{}, processor.ErrNoProcessor
	}

	p, err := host.Processor()
	if err != nil {
		host.Close()
		return processor.Loaded{}, err
	}
	return processor.Loaded{
		FriendlyName: host.FriendlyName(),
		Identity:     host.Identity(),
		Processor:    p,
	}, nil
}
