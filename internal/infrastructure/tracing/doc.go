/*
Package tracing provides lightweight span tracing logged through zap.

Spans cover processing runs, individual processor invocations, HTTP requests
and the RPCs between a host and its isolated extension processes. Trace
context travels in X-Trace-ID / X-Span-ID headers and the matching gRPC
metadata keys, so worker-side spans join the host's trace.

# Usage

	tracer := tracing.New("attachproc", logger.Logger)
	defer tracer.Close()

	span, ctx := tracer.StartSpan(ctx, "orchestrator.run")
	err := work(ctx)
	tracer.End(span, err)

	router.Use(tracing.HTTPMiddleware(tracer))
	grpc.NewServer(grpc.UnaryInterceptor(tracing.GRPCUnaryInterceptor(tracer)))
*/
package tracing
