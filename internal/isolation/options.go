package isolation

import (
	"time"

	"github.com/GriffinCanCode/attachproc/internal/infrastructure/logging"
	"github.com/GriffinCanCode/attachproc/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/attachproc/internal/infrastructure/tracing"
)

// WorkerEnvPrefix prefixes every environment variable passed to an
// isolated extension process.
const WorkerEnvPrefix = "ATTACHPROC_WORKER"

const (
	envSocket        = WorkerEnvPrefix + "_SOCKET"
	envURI           = WorkerEnvPrefix + "_URI"
	envEventFD       = WorkerEnvPrefix + "_EVENT_FD"
	envCompression   = WorkerEnvPrefix + "_COMPRESSION"
	envExtensionPath = WorkerEnvPrefix + "_EXTENSION_PATH"

	// the event pipe is the first entry of ExtraFiles
	eventFD = 3
)

// Options configures isolated hosts
type Options struct {
	StartTimeout    time.Duration
	ShutdownTimeout time.Duration
	SocketDir       string   // parent of the per-host socket directory, os.TempDir when empty
	Compression     string   // "zstd" or empty
	Args            []string // extra arguments for the extension executable
	Env             []string // extra KEY=VALUE entries for the extension environment

	Logger  *logging.Logger
	Tracer  *tracing.Tracer
	Metrics *monitoring.Metrics
}

// DefaultOptions returns production host options
func DefaultOptions() Options {
	return Options{
		StartTimeout:    15 * time.Second,
		ShutdownTimeout: 5 * time.Second,
		Compression:     CompressorName,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.StartTimeout <= 0 {
		o.StartTimeout = d.StartTimeout
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = d.ShutdownTimeout
	}
	if o.Compression != CompressorName {
		o.Compression = ""
	}
	o.Logger = logging.OrNop(o.Logger)
	return o
}
