package isolation

import (
	"context"
	"encoding/json"
	"io"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"

	"github.com/GriffinCanCode/attachproc/internal/types"
)

const (
	serviceName = "attachproc.isolation.v1.Worker"

	// CodecName is the gRPC content subtype used between host and worker.
	CodecName = "json"
	// CompressorName is the optional message compressor.
	CompressorName = "zstd"

	methodDescribe = "Describe"
	methodProcess  = "Process"
	methodCancel   = "Cancel"
	methodShutdown = "Shutdown"
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
	encoding.RegisterCompressor(zstdCompressor{})
}

// jsonCodec marshals protobuf messages with protojson and everything else
// with encoding/json.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	if m, ok := v.(proto.Message); ok {
		return protojson.Marshal(m)
	}
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	if m, ok := v.(proto.Message); ok {
		return protojson.Unmarshal(data, m)
	}
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string { return CodecName }

type zstdCompressor struct{}

func (zstdCompressor) Compress(w io.Writer) (io.WriteCloser, error) {
	return zstd.NewWriter(w, zstd.WithEncoderConcurrency(1), zstd.WithEncoderLevel(zstd.SpeedFastest))
}

func (zstdCompressor) Decompress(r io.Reader) (io.Reader, error) {
	dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	return &zstdReader{dec: dec}, nil
}

func (zstdCompressor) Name() string { return CompressorName }

// zstdReader releases the decoder once the stream is drained.
type zstdReader struct {
	dec *zstd.Decoder
}

func (r *zstdReader) Read(p []byte) (int, error) {
	if r.dec == nil {
		return 0, io.EOF
	}
	n, err := r.dec.Read(p)
	if err == io.EOF {
		r.dec.Close()
		r.dec = nil
	}
	return n, err
}

// DescribeResponse tells the host what the worker loaded.
type DescribeResponse struct {
	Loaded                 bool     `json:"loaded"`
	FriendlyName           string   `json:"friendly_name,omitempty"`
	Identity               string   `json:"identity,omitempty"`
	HasAttachmentProcessor bool     `json:"has_attachment_processor"`
	SupportsIncremental    bool     `json:"supports_incremental"`
	ExtensionURIs          []string `json:"extension_uris,omitempty"`
}

// ProcessRequest carries one blocking processing call.
type ProcessRequest struct {
	CallID        string                `json:"call_id"`
	Configuration string                `json:"configuration,omitempty"`
	Attachments   []types.AttachmentSet `json:"attachments"`
}

// ProcessResponse returns the processed attachments. Frames counts the
// channel frames the worker emitted for the call.
type ProcessResponse struct {
	Attachments []types.AttachmentSet `json:"attachments"`
	Frames      int64                 `json:"frames"`
}

// CancelRequest asks the worker to cancel a call.
type CancelRequest struct {
	CallID string `json:"call_id"`
}

type workerServer interface {
	Describe(context.Context, *emptypb.Empty) (*DescribeResponse, error)
	Process(context.Context, *ProcessRequest) (*ProcessResponse, error)
	Cancel(context.Context, *CancelRequest) (*emptypb.Empty, error)
	Shutdown(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
}

func unaryMethod[Req any, Resp any](name string, call func(workerServer, context.Context, *Req) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				resp, err := call(srv.(workerServer), ctx, req.(*Req))
				return resp, err
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var workerServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*workerServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(methodDescribe, workerServer.Describe),
		unaryMethod(methodProcess, workerServer.Process),
		unaryMethod(methodCancel, workerServer.Cancel),
		unaryMethod(methodShutdown, workerServer.Shutdown),
	},
	Metadata: "attachproc/isolation",
}

func fullMethod(name string) string {
	return "/" + serviceName + "/" + name
}

// workerClient is the host-side stub.
type workerClient struct {
	cc   grpc.ClientConnInterface
	opts []grpc.CallOption
}

func newWorkerClient(cc grpc.ClientConnInterface, compression string) *workerClient {
	opts := []grpc.CallOption{grpc.CallContentSubtype(CodecName)}
	if compression == CompressorName {
		opts = append(opts, grpc.UseCompressor(CompressorName))
	}
	return &workerClient{cc: cc, opts: opts}
}

func (c *workerClient) Describe(ctx context.Context) (*DescribeResponse, error) {
	out := new(DescribeResponse)
	if err := c.cc.Invoke(ctx, fullMethod(methodDescribe), &emptypb.Empty{}, out, c.opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *workerClient) Process(ctx context.Context, req *ProcessRequest) (*ProcessResponse, error) {
	out := new(ProcessResponse)
	if err := c.cc.Invoke(ctx, fullMethod(methodProcess), req, out, c.opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *workerClient) Cancel(ctx context.Context, callID string) error {
	return c.cc.Invoke(ctx, fullMethod(methodCancel), &CancelRequest{CallID: callID}, &emptypb.Empty{}, c.opts...)
}

func (c *workerClient) Shutdown(ctx context.Context) error {
	return c.cc.Invoke(ctx, fullMethod(methodShutdown), &emptypb.Empty{}, &emptypb.Empty{}, c.opts...)
}
