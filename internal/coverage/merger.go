package coverage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/attachproc/internal/infrastructure/logging"
)

var (
	ErrMergerNotFound = errors.New("coverage merge tool not found")
	ErrUnknownMerger  = errors.New("unknown coverage merger")
)

// Mode is the output format of a merge
type Mode string

const (
	ModeCoverage  Mode = "coverage"
	ModeXML       Mode = "xml"
	ModeCobertura Mode = "cobertura"
)

// ParseMode validates a mode name, case-insensitively.
func ParseMode(s string) (Mode, bool) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeCoverage, ModeXML, ModeCobertura:
		return m, true
	}
	return "", false
}

// Extension returns the file extension produced by the mode
func (m Mode) Extension() string {
	if m == ModeCoverage {
		return ".coverage"
	}
	return ".xml"
}

// Merger combines several coverage reports. It returns the paths of the
// resulting reports; the primary path may be among them.
type Merger interface {
	MergeReports(ctx context.Context, primary string, all []string, mode Mode, deleteOriginals bool) ([]string, error)
}

// MergerFunc adapts a function to Merger
type MergerFunc func(ctx context.Context, primary string, all []string, mode Mode, deleteOriginals bool) ([]string, error)

// MergeReports calls f
func (f MergerFunc) MergeReports(ctx context.Context, primary string, all []string, mode Mode, deleteOriginals bool) ([]string, error) {
	return f(ctx, primary, all, mode, deleteOriginals)
}

// Factory builds a merger; a failure makes the merge routine unavailable
type Factory func(cfg MergerConfig, logger *logging.Logger) (Merger, error)

// MergerConfig configures merger construction
type MergerConfig struct {
	Tool string   // executable name or path
	Args []string // leading arguments, "merge" for dotnet-coverage
}

// DefaultMergerConfig returns the dotnet-coverage command line.
func DefaultMergerConfig() MergerConfig {
	return MergerConfig{Tool: "dotnet-coverage", Args: []string{"merge"}}
}

var (
	factoriesMu sync.RWMutex
	factories   = map[string]Factory{
		"command": NewCommandMerger,
	}
)

// RegisterMerger makes a merger available under name.
func RegisterMerger(name string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = f
}

// Mergers lists the registered merger names in order.
func Mergers() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()

	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve builds the named merger.
func Resolve(name string, cfg MergerConfig, logger *logging.Logger) (Merger, error) {
	factoriesMu.RLock()
	f, ok := factories[name]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMerger, name)
	}
	return f(cfg, logger)
}

// CommandMerger shells out to an external merge tool
type CommandMerger struct {
	path   string
	args   []string
	logger *logging.Logger
}

// NewCommandMerger locates the configured tool on PATH.
func NewCommandMerger(cfg MergerConfig, logger *logging.Logger) (Merger, error) {
	if cfg.Tool == "" {
		cfg = DefaultMergerConfig()
	}
	path, err := exec.LookPath(cfg.Tool)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMergerNotFound, cfg.Tool, err)
	}
	return &CommandMerger{
		path:   path,
		args:   cfg.Args,
		logger: logging.OrNop(logger).Named("merger"),
	}, nil
}

// MergeReports runs "<tool> <args> <reports...> -o <output> -f <mode>".
// The output is written next to the primary report.
func (m *CommandMerger) MergeReports(ctx context.Context, primary string, all []string, mode Mode, deleteOriginals bool) ([]string, error) {
	output := mergedPath(primary, mode)

	args := append([]string{}, m.args...)
	args = append(args, all...)
	args = append(args, "-o", output, "-f", string(mode))

	cmd := exec.CommandContext(ctx, m.path, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout := m.logger.Writer(zap.DebugLevel)
	defer stdout.Close()
	cmd.Stdout = stdout

	m.logger.Debug("running merge tool",
		zap.String("tool", m.path),
		zap.Int("reports", len(all)),
		zap.String("output", output),
	)

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("merge tool failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	if _, err := os.Stat(output); err != nil {
		return nil, fmt.Errorf("merge tool produced no output: %w", err)
	}

	if deleteOriginals {
		for _, p := range all {
			if p == output {
				continue
			}
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				m.logger.Warn("failed to remove merged report", zap.String("path", p), zap.Error(err))
			}
		}
	}

	return []string{output}, nil
}

func mergedPath(primary string, mode Mode) string {
	dir := filepath.Dir(primary)
	base := strings.TrimSuffix(filepath.Base(primary), filepath.Ext(primary))
	return filepath.Join(dir, base+".merged"+mode.Extension())
}
