/*
Package monitoring provides Prometheus metrics for attachment processing.

Metrics implements the orchestrator's telemetry sink: runs started and
stopped by final state, attachment set counts before and after processing,
and per-processor invocation timings. It also tracks isolated extension
processes, HTTP requests and design-mode WebSocket sessions.

# Usage

	metrics := monitoring.NewMetrics(prometheus.DefaultRegisterer)
	router.Use(monitoring.Middleware(metrics))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	manager := orchestrator.NewManager(factory, orchestrator.WithTelemetry(metrics))
*/
package monitoring
