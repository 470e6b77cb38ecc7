package extension

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/charlievieth/fastwalk"
	"github.com/goccy/go-yaml"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/attachproc/internal/infrastructure/logging"
	"github.com/GriffinCanCode/attachproc/internal/types"
)

// DefaultManifestPattern matches collector manifests at any depth.
const DefaultManifestPattern = "**/*.collector.yaml"

// Manifest is the on-disk description of an installed collector.
//
//	uri: datacollector://contoso/Sample/1.0
//	friendlyName: Sample
//	identity: Contoso.Sample
//	filePath: ./sample-extension
//	hasAttachmentProcessor: true
type Manifest struct {
	types.InvokedCollector `yaml:",inline"`
}

// Discover walks dirs for collector manifests matching pattern and returns
// the collectors they describe, sorted by file path. Relative filePath
// entries resolve against the manifest's directory. Unreadable manifests
// are logged and skipped; missing directories are ignored.
func Discover(ctx context.Context, dirs []string, pattern string, logger *logging.Logger) ([]types.InvokedCollector, error) {
	logger = logging.OrNop(logger).Named("discovery")
	if pattern == "" {
		pattern = DefaultManifestPattern
	}
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid manifest pattern %q", pattern)
	}

	var (
		mu      sync.Mutex
		results []types.InvokedCollector
	)

	for _, dir := range dirs {
		root, err := filepath.Abs(dir)
		if err != nil {
			return nil, err
		}
		if _, err := os.Stat(root); errors.Is(err, os.ErrNotExist) {
			logger.Debug("extension directory missing", zap.String("dir", root))
			continue
		}

		conf := fastwalk.Config{Follow: false}
		err = fastwalk.Walk(&conf, root, func(p string, d os.DirEntry, err error) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			if err != nil || d.IsDir() {
				return nil
			}

			rel, err := filepath.Rel(root, p)
			if err != nil {
				return nil
			}
			matched, _ := doublestar.Match(pattern, filepath.ToSlash(rel))
			if !matched {
				return nil
			}

			collector, err := readManifest(p)
			if err != nil {
				logger.Warn("skipping collector manifest", zap.String("path", p), zap.Error(err))
				return nil
			}

			mu.Lock()
			results = append(results, collector)
			mu.Unlock()
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk %s: %w", root, err)
		}
	}

	sort.Slice(results, func(i, j int) bool { return results[i].FilePath < results[j].FilePath })
	logger.Info("collector discovery finished", zap.Int("collectors", len(results)))
	return results, nil
}

func readManifest(path string) (types.InvokedCollector, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return types.InvokedCollector{}, err
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return types.InvokedCollector{}, err
	}

	c := m.InvokedCollector
	if c.URI == "" {
		return types.InvokedCollector{}, errors.New("manifest has no uri")
	}
	if c.Identity == "" {
		c.Identity = c.URI
	}
	if c.FilePath == "" {
		c.FilePath = path
	} else if !filepath.IsAbs(c.FilePath) {
		c.FilePath = filepath.Join(filepath.Dir(path), c.FilePath)
	}
	return c, nil
}
