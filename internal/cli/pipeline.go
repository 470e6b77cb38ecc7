package cli

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/attachproc/internal/coverage"
	"github.com/GriffinCanCode/attachproc/internal/extension"
	"github.com/GriffinCanCode/attachproc/internal/infrastructure/config"
	"github.com/GriffinCanCode/attachproc/internal/infrastructure/logging"
	"github.com/GriffinCanCode/attachproc/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/attachproc/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/attachproc/internal/isolation"
	"github.com/GriffinCanCode/attachproc/internal/orchestrator"
	"github.com/GriffinCanCode/attachproc/internal/processor"
	"github.com/GriffinCanCode/attachproc/internal/types"
)

// pipeline is the wired processing stack shared by process and serve
type pipeline struct {
	cfg      *config.Config
	logger   *logging.Logger
	registry *prometheus.Registry
	metrics  *monitoring.Metrics
	tracer   *tracing.Tracer
	loader   *isolation.Loader
	manager  *orchestrator.Manager
}

// loadConfig reads the environment and applies command line overrides.
func loadConfig(cmd *cobra.Command, g *globalFlags) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Logging.Level = g.logLevel
	}
	if flags.Changed("log-dev") {
		cfg.Logging.Development = g.logDev
	}
	if flags.Changed("isolation") {
		cfg.Isolation.Mode = g.isolation
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*logging.Logger, error) {
	lc := logging.DefaultConfig()
	if cfg.Logging.Development {
		lc = logging.DevelopmentConfig()
	}
	if cfg.Logging.Level != "" {
		lc.Level = cfg.Logging.Level
	}
	return logging.New(lc)
}

func newPipeline(cfg *config.Config) (*pipeline, error) {
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}

	mode, err := isolation.ParseMode(cfg.Isolation.Mode)
	if err != nil {
		return nil, err
	}
	covOpts, err := coverage.OptionsFromConfig(cfg.Coverage)
	if err != nil {
		return nil, err
	}
	covOpts.Logger = logger

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := monitoring.NewMetrics(registry)
	tracer := tracing.New("attachproc", logger.Logger)

	loader := isolation.NewLoader(extension.Builtins(covOpts), isolation.LoaderOptions{
		Mode: mode,
		Host: isolation.Options{
			StartTimeout:    cfg.Isolation.StartTimeout,
			ShutdownTimeout: cfg.Isolation.ShutdownTimeout,
			SocketDir:       cfg.Isolation.SocketDir,
			Compression:     cfg.Isolation.Compression,
			Logger:          logger,
			Tracer:          tracer,
			Metrics:         metrics,
		},
		BreakerFailures: cfg.Isolation.BreakerFailures,
		BreakerCooldown: cfg.Isolation.BreakerCooldown,
	})
	factory := processor.NewFactory(loader, func() types.Processor { return coverage.New(covOpts) }, logger)
	manager := orchestrator.NewManager(factory, orchestrator.Config{
		Telemetry: metrics,
		Logger:    logger,
		Tracer:    tracer,
	})

	logger.Debug("Pipeline initialized",
		zap.String("isolation_mode", string(mode)),
		zap.String("coverage_merger", covOpts.MergerName),
	)

	return &pipeline{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		metrics:  metrics,
		tracer:   tracer,
		loader:   loader,
		manager:  manager,
	}, nil
}

func (p *pipeline) Close() {
	p.tracer.Close()
	_ = p.logger.Sync()
}

// extensionDirs returns the flag directories, or the configured ones when
// none were given.
func extensionDirs(flagDirs []string, cfg *config.Config) []string {
	if len(flagDirs) > 0 {
		return flagDirs
	}
	return cfg.Extensions.Dirs
}
