package extension

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/attachproc/internal/coverage"
	"github.com/GriffinCanCode/attachproc/internal/infrastructure/logging"
	"github.com/GriffinCanCode/attachproc/internal/processor"
	"github.com/GriffinCanCode/attachproc/internal/types"
)

var (
	ErrDuplicateURI = errors.New("extension uri already registered")
	ErrUnknownURI   = errors.New("no extension registered for uri")
)

// Constructor builds a processor instance
type Constructor func(logger *logging.Logger) (types.Processor, error)

// Descriptor describes a compiled-in attachment processor
type Descriptor struct {
	URI          string
	FriendlyName string
	Identity     string
	New          Constructor
}

// Registry maps collector URIs to processor descriptors
type Registry struct {
	mu    sync.RWMutex
	byURI map[string]Descriptor
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{byURI: make(map[string]Descriptor)}
}

// Builtins returns a registry holding the built-in coverage processor.
func Builtins(opts coverage.Options) *Registry {
	r := NewRegistry()
	r.MustRegister(CoverageDescriptor(opts))
	return r
}

// CoverageDescriptor describes the built-in coverage processor.
func CoverageDescriptor(opts coverage.Options) Descriptor {
	return Descriptor{
		URI:          coverage.URI,
		FriendlyName: coverage.FriendlyName,
		Identity:     coverage.Identity,
		New: func(logger *logging.Logger) (types.Processor, error) {
			o := opts
			if o.Logger == nil {
				o.Logger = logger
			}
			return coverage.New(o), nil
		},
	}
}

func key(uri string) string {
	return strings.ToLower(strings.TrimSpace(uri))
}

// Register adds a descriptor. URIs compare case-insensitively.
func (r *Registry) Register(d Descriptor) error {
	if d.URI == "" || d.New == nil {
		return fmt.Errorf("invalid descriptor for %q", d.FriendlyName)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key(d.URI)
	if _, exists := r.byURI[k]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateURI, d.URI)
	}
	r.byURI[k] = d
	return nil
}

// MustRegister is Register that panics on error
func (r *Registry) MustRegister(d Descriptor) {
	if err := r.Register(d); err != nil {
		panic(err)
	}
}

// Resolve looks up a descriptor by collector URI
func (r *Registry) Resolve(uri string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byURI[key(uri)]
	return d, ok
}

// Descriptors returns all descriptors sorted by URI
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.byURI))
	for _, d := range r.byURI {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return key(out[i].URI) < key(out[j].URI) })
	return out
}

// Loader instantiates processors from the registry inside the host process.
// Instances are cached per extension file path and URI.
type Loader struct {
	registry *Registry
	logger   *logging.Logger

	mu    sync.Mutex
	cache map[string]processor.Loaded
}

// NewLoader creates an in-process loader
func NewLoader(registry *Registry, logger *logging.Logger) *Loader {
	return &Loader{
		registry: registry,
		logger:   logging.OrNop(logger).Named("extension"),
		cache:    make(map[string]processor.Loaded),
	}
}

// TryLoad resolves the collector URI and builds its processor.
func (l *Loader) TryLoad(ctx context.Context, collector types.InvokedCollector, logger types.MessageLogger) (processor.Loaded, error) {
	if err := ctx.Err(); err != nil {
		return processor.Loaded{}, err
	}

	cacheKey := collector.FilePath + "\x00" + key(collector.URI)

	l.mu.Lock()
	defer l.mu.Unlock()

	if loaded, ok := l.cache[cacheKey]; ok {
		return loaded, nil
	}

	d, ok := l.registry.Resolve(collector.URI)
	if !ok {
		return processor.Loaded{}, fmt.Errorf("%w: %s", ErrUnknownURI, collector.URI)
	}

	p, err := d.New(l.logger)
	if err != nil {
		return processor.Loaded{}, fmt.Errorf("construct %s: %w", d.FriendlyName, err)
	}
	if p == nil {
		return processor.Loaded{}, processor.ErrNoProcessor
	}

	loaded := processor.Loaded{FriendlyName: d.FriendlyName, Identity: d.Identity, Processor: p}
	l.cache[cacheKey] = loaded

	l.logger.Debug("loaded in-process attachment processor",
		zap.String("uri", collector.URI),
		zap.String("file_path", collector.FilePath),
	)
	return loaded, nil
}
