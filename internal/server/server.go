package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/attachproc/internal/api/middleware"
	"github.com/GriffinCanCode/attachproc/internal/infrastructure/config"
	"github.com/GriffinCanCode/attachproc/internal/infrastructure/logging"
	"github.com/GriffinCanCode/attachproc/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/attachproc/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/attachproc/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/attachproc/internal/isolation"
	"github.com/GriffinCanCode/attachproc/internal/orchestrator"
	"github.com/GriffinCanCode/attachproc/internal/types"
	"github.com/GriffinCanCode/attachproc/internal/ws"
)

const shutdownTimeout = 10 * time.Second

// Runner runs post-processing and reports runs in flight
type Runner interface {
	ProcessTestRunAttachments(ctx context.Context, req orchestrator.Request, handler types.EventHandler) orchestrator.Outcome
	Active() []orchestrator.RunInfo
}

// IsolationStatus reports how extension processors are hosted
type IsolationStatus interface {
	Mode() isolation.Mode
	BreakerStates() map[string]resilience.State
}

// Options holds the server collaborators. Runner is required.
type Options struct {
	Config    *config.Config
	Runner    Runner
	Isolation IsolationStatus
	Logger    *logging.Logger
	Metrics   *monitoring.Metrics
	Tracer    *tracing.Tracer
	Gatherer  prometheus.Gatherer
}

// Server wraps the HTTP server and dependencies
type Server struct {
	router  *gin.Engine
	http    *http.Server
	config  *config.Config
	logger  *logging.Logger
	metrics *monitoring.Metrics
}

// New creates a server and registers its routes
func New(opts Options) *Server {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := logging.OrNop(opts.Logger).Named("server")
	metrics := opts.Metrics
	if metrics == nil {
		metrics = monitoring.NewMetrics(prometheus.NewRegistry())
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(tracing.HTTPMiddleware(opts.Tracer))
	router.Use(monitoring.Middleware(metrics))
	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))

	h := &handlers{
		runner:    opts.Runner,
		isolation: opts.Isolation,
		metrics:   metrics,
		logger:    logger,
	}
	wsHandler := ws.NewHandler(opts.Runner, logger, metrics)

	router.GET("/health", h.health)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	router.GET("/metrics/json", h.snapshot)
	router.GET("/stream", wsHandler.HandleConnection)

	v1 := router.Group("/v1")
	v1.GET("/runs", h.runs)

	process := []gin.HandlerFunc{}
	if cfg.RateLimit.Enabled {
		logger.Info("Rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst),
			zap.Int("global_rps", cfg.RateLimit.GlobalRequestsPerSecond),
		)
		if cfg.RateLimit.GlobalRequestsPerSecond > 0 {
			process = append(process, middleware.GlobalRateLimit(middleware.RateLimitConfig{
				RequestsPerSecond: cfg.RateLimit.GlobalRequestsPerSecond,
				Burst:             cfg.RateLimit.GlobalBurst,
			}))
		}
		process = append(process, middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		}))
	}
	process = append(process, h.process)
	v1.POST("/attachments/process", process...)

	return &Server{
		router: router,
		http: &http.Server{
			Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
		config:  cfg,
		logger:  logger,
		metrics: metrics,
	}
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is done, then shuts down gracefully. Requests still
// in flight have their contexts cancelled when the shutdown timeout passes.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", zap.String("addr", s.http.Addr))
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("Graceful shutdown timed out", zap.Error(err))
		s.http.Close()
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
