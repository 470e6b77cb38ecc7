// Command coverage-extension hosts the coverage merge processor as an
// isolated extension. It is launched by attachproc, never directly.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/GriffinCanCode/attachproc/internal/coverage"
	"github.com/GriffinCanCode/attachproc/internal/extension"
	"github.com/GriffinCanCode/attachproc/internal/infrastructure/config"
	"github.com/GriffinCanCode/attachproc/internal/isolation"
)

func main() {
	if !isolation.IsWorker() {
		fmt.Fprintln(os.Stderr, "coverage-extension must be started by attachproc")
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	opts, err := coverage.OptionsFromConfig(cfg.Coverage)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// The host owns shutdown; SIGTERM only arrives if it is killed.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	if err := isolation.Serve(ctx, extension.Builtins(opts)); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
