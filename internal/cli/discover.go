package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/GriffinCanCode/attachproc/internal/extension"
	"github.com/GriffinCanCode/attachproc/internal/types"
)

func NewDiscoverCmd(g *globalFlags) *cobra.Command {
	var (
		dirs    []string
		pattern string
	)

	cmd := &cobra.Command{
		Use:   "discover [dir...]",
		Short: "List collectors described by manifests under extension directories",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, g)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer logger.Sync()

			search := extensionDirs(append(dirs, args...), cfg)
			if len(search) == 0 {
				return fmt.Errorf("no extension directories given (use --extensions-dir or EXTENSION_DIRS)")
			}
			if pattern == "" {
				pattern = cfg.Extensions.Pattern
			}

			found, err := extension.Discover(cmd.Context(), search, pattern, logger)
			if err != nil {
				return err
			}
			if found == nil {
				found = []types.InvokedCollector{}
			}
			return writeJSON(cmd.OutOrStdout(), "-", found)
		},
	}

	cmd.Flags().StringSliceVar(&dirs, "extensions-dir", nil, "Directories searched for collector manifests")
	cmd.Flags().StringVar(&pattern, "pattern", "", "Collector manifest glob (default from EXTENSION_PATTERN)")
	return cmd
}
