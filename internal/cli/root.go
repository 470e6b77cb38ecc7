// Package cli implements the attachproc command line.
package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/GriffinCanCode/attachproc/internal/version"
)

// globalFlags override configuration loaded from the environment
type globalFlags struct {
	logLevel  string
	logDev    bool
	isolation string
}

func NewRootCmd() *cobra.Command {
	var g globalFlags

	cmd := &cobra.Command{
		Use:           "attachproc",
		Short:         "Post-process test run attachments with data collector extensions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().BoolVar(&g.logDev, "log-dev", false, "Human readable console logs")
	cmd.PersistentFlags().StringVar(&g.isolation, "isolation", "", "Extension hosting mode (auto, process, inprocess)")

	cmd.AddCommand(NewProcessCmd(&g))
	cmd.AddCommand(NewServeCmd(&g))
	cmd.AddCommand(NewDiscoverCmd(&g))
	cmd.AddCommand(NewVersionCmd())

	cmd.SetVersionTemplate(fmt.Sprintf("%s (%s/%s)\n", version.Version, runtime.GOOS, runtime.GOARCH))
	cmd.Version = version.Version

	return cmd
}
