package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/GriffinCanCode/attachproc/internal/server"
)

func NewServeCmd(g *globalFlags) *cobra.Command {
	var (
		host string
		port string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve attachment processing over HTTP and WebSocket",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, g)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("host") {
				cfg.Server.Host = host
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}

			p, err := newPipeline(cfg)
			if err != nil {
				return err
			}
			defer p.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv := server.New(server.Options{
				Config:    cfg,
				Runner:    p.manager,
				Isolation: p.loader,
				Logger:    p.logger,
				Metrics:   p.metrics,
				Tracer:    p.tracer,
				Gatherer:  p.registry,
			})
			return srv.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&host, "host", "0.0.0.0", "Listen host (default from HOST)")
	cmd.Flags().StringVar(&port, "port", "8000", "Listen port (default from PORT)")
	return cmd
}
