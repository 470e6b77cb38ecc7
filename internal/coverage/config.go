package coverage

import (
	"fmt"

	"github.com/GriffinCanCode/attachproc/internal/infrastructure/config"
)

// OptionsFromConfig applies the COVERAGE_* settings over DefaultOptions.
func OptionsFromConfig(cfg config.CoverageConfig) (Options, error) {
	opts := DefaultOptions()
	if cfg.Merger != "" {
		opts.MergerName = cfg.Merger
	}
	if cfg.MergeTool != "" {
		opts.MergerConfig.Tool = cfg.MergeTool
	}
	if len(cfg.MergeArgs) > 0 {
		opts.MergerConfig.Args = cfg.MergeArgs
	}
	if cfg.MergeMode != "" {
		mode, ok := ParseMode(cfg.MergeMode)
		if !ok {
			return opts, fmt.Errorf("invalid coverage merge mode %q", cfg.MergeMode)
		}
		opts.Mode = mode
	}
	return opts, nil
}
