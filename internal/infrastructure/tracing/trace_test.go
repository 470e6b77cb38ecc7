package tracing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

func TestSpansInheritTrace(t *testing.T) {
	tracer := New("test", nil)
	defer tracer.Close()

	parent, ctx := tracer.StartSpan(context.Background(), "parent")
	child, _ := tracer.StartSpan(ctx, "child")

	assert.Equal(t, parent.TraceID, child.TraceID)
	assert.Equal(t, parent.SpanID, child.ParentID)
	assert.Equal(t, parent.TraceID, GetTraceID(ctx))
}

func TestEndLogsSpans(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	tracer := New("test", zap.New(core))

	span, _ := tracer.StartSpan(context.Background(), "ok")
	tracer.End(span, nil)
	failed, _ := tracer.StartSpan(context.Background(), "bad")
	tracer.End(failed, errors.New("boom"))
	tracer.Close()

	require.Equal(t, 2, logs.Len())
	assert.Equal(t, 1, logs.FilterLevelExact(zapcore.WarnLevel).Len())
}

func TestNilTracerIsSafe(t *testing.T) {
	var tracer *Tracer
	span, ctx := tracer.StartSpan(context.Background(), "detached")
	tracer.End(span, nil)
	tracer.Close()
	assert.NotEmpty(t, GetTraceID(ctx))
}

func TestSubmitAfterCloseDoesNotPanic(t *testing.T) {
	tracer := New("test", nil)
	tracer.Close()
	span, _ := tracer.StartSpan(context.Background(), "late")
	assert.NotPanics(t, func() { tracer.End(span, nil) })
}

func TestHTTPMiddlewarePropagatesTrace(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tracer := New("test", nil)
	defer tracer.Close()

	router := gin.New()
	router.Use(HTTPMiddleware(tracer))
	var seen TraceID
	router.GET("/x", func(c *gin.Context) {
		seen = GetTraceID(c.Request.Context())
		c.Status(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-Trace-ID", "trace_abc")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, TraceID("trace_abc"), seen)
	assert.Equal(t, "trace_abc", rec.Header().Get("X-Trace-ID"))
}

func TestClientInterceptorInjectsMetadata(t *testing.T) {
	tracer := New("test", nil)
	defer tracer.Close()

	ctx := WithTrace(context.Background(), "trace_xyz", "")
	intercept := GRPCClientInterceptor(tracer)

	var got metadata.MD
	err := intercept(ctx, "/svc/M", nil, nil, nil, func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, opts ...grpc.CallOption) error {
		got, _ = metadata.FromOutgoingContext(ctx)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"trace_xyz"}, got.Get("x-trace-id"))
	assert.Len(t, got.Get("x-span-id"), 1)
}

func TestServerInterceptorRestoresTrace(t *testing.T) {
	tracer := New("test", nil)
	defer tracer.Close()

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("x-trace-id", "trace_srv", "x-span-id", "span_parent"))
	intercept := GRPCUnaryInterceptor(tracer)

	_, err := intercept(ctx, nil, &grpc.UnaryServerInfo{FullMethod: "/svc/M"}, func(ctx context.Context, req interface{}) (interface{}, error) {
		assert.Equal(t, TraceID("trace_srv"), GetTraceID(ctx))
		return nil, nil
	})
	require.NoError(t, err)
}
