package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/attachproc/internal/extension"
	"github.com/GriffinCanCode/attachproc/internal/manifest"
	"github.com/GriffinCanCode/attachproc/internal/orchestrator"
	"github.com/GriffinCanCode/attachproc/internal/types"
)

// Result is the JSON document written by the process command
type Result struct {
	RunID       string                 `json:"run_id"`
	State       types.State            `json:"state"`
	Attachments []types.AttachmentSet  `json:"attachments"`
	Metrics     map[string]interface{} `json:"metrics"`
	Error       string                 `json:"error,omitempty"`
}

func NewProcessCmd(g *globalFlags) *cobra.Command {
	var (
		requestPath  string
		settingsPath string
		outputPath   string
		manifestPath string
		extDirs      []string
		pattern      string
	)

	cmd := &cobra.Command{
		Use:   "process",
		Short: "Run attachment post-processing for one test run",
		Long: `Reads a processing request (attachment sets, invoked collectors and run
settings) as JSON, runs every applicable processor and writes the resulting
attachment sets as JSON. Collectors found under --extensions-dir are added to
the request. Interrupting the command cancels the run and reports the
original attachments.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, g)
			if err != nil {
				return err
			}
			p, err := newPipeline(cfg)
			if err != nil {
				return err
			}
			defer p.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			req, err := readRequest(cmd.InOrStdin(), requestPath)
			if err != nil {
				return err
			}
			if settingsPath != "" {
				data, err := os.ReadFile(settingsPath)
				if err != nil {
					return fmt.Errorf("failed to read run settings: %w", err)
				}
				req.RunSettingsXML = string(data)
			}
			if dirs := extensionDirs(extDirs, cfg); len(dirs) > 0 {
				if pattern == "" {
					pattern = cfg.Extensions.Pattern
				}
				found, err := extension.Discover(ctx, dirs, pattern, p.logger)
				if err != nil {
					return err
				}
				req.InvokedCollectors = append(req.InvokedCollectors, found...)
			}
			if err := req.Validate(); err != nil {
				return fmt.Errorf("invalid request: %w", err)
			}

			out := p.manager.ProcessTestRunAttachments(ctx, req, &consoleEvents{w: cmd.ErrOrStderr()})

			res := Result{
				RunID:       out.RunID.String(),
				State:       out.State,
				Attachments: out.Attachments,
				Metrics:     out.Metrics,
			}
			if out.Err != nil {
				res.Error = out.Err.Error()
			}
			if err := writeJSON(cmd.OutOrStdout(), outputPath, res); err != nil {
				return err
			}

			if manifestPath != "" {
				// The run may have been interrupted; the manifest still
				// describes whatever attachments the outcome holds.
				m, err := manifest.NewBuilder(p.logger).Build(context.WithoutCancel(ctx), out.Attachments)
				if err != nil {
					return err
				}
				m.RunID = res.RunID
				m.State = string(out.State)
				if err := m.WriteFile(manifestPath); err != nil {
					return err
				}
				p.logger.Info("Attachment manifest written",
					zap.String("path", manifestPath),
					zap.Int("entries", len(m.Entries)),
				)
			}

			if out.State != types.StateCompleted {
				return fmt.Errorf("attachment processing %s", out.State)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&requestPath, "request", "r", "-", "Processing request JSON file (- for stdin)")
	cmd.Flags().StringVar(&settingsPath, "run-settings", "", "Run settings XML file (overrides the request's run_settings)")
	cmd.Flags().StringVarP(&outputPath, "output", "o", "-", "Result JSON file (- for stdout)")
	cmd.Flags().StringVar(&manifestPath, "manifest", "", "Write an attachment manifest to this file")
	cmd.Flags().StringSliceVar(&extDirs, "extensions-dir", nil, "Directories searched for collector manifests")
	cmd.Flags().StringVar(&pattern, "pattern", "", "Collector manifest glob (default from EXTENSION_PATTERN)")
	return cmd
}

func readRequest(stdin io.Reader, path string) (orchestrator.Request, error) {
	var (
		data []byte
		err  error
	)
	if path == "" || path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return orchestrator.Request{}, fmt.Errorf("failed to read request: %w", err)
	}

	var req orchestrator.Request
	if err := sonic.Unmarshal(data, &req); err != nil {
		return orchestrator.Request{}, fmt.Errorf("failed to parse request: %w", err)
	}
	return req, nil
}

func writeJSON(stdout io.Writer, path string, v interface{}) error {
	data, err := sonic.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if path == "" || path == "-" {
		_, err = stdout.Write(data)
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// consoleEvents prints caller-facing run events
type consoleEvents struct {
	w io.Writer
}

func (c *consoleEvents) HandleLogMessage(level types.LogLevel, message string) {
	fmt.Fprintf(c.w, "[%s] %s\n", level, message)
}

func (c *consoleEvents) HandleProcessingProgress(event types.ProgressEvent) {
	fmt.Fprintf(c.w, "processor %d/%d: %d%%\n", event.ProcessorIndex, event.ProcessorsCount, event.Percent)
}

func (c *consoleEvents) HandleProcessingComplete(event types.CompleteEvent, attachments []types.AttachmentSet) {
	if event.Error != "" {
		fmt.Fprintf(c.w, "processing finished with error: %s\n", event.Error)
	}
}
