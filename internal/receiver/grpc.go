package receiver

import (
	"context"
	"io"
	"net"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/szibis/trace-governor/internal/auth"
	"github.com/szibis/trace-governor/internal/logging"
	"github.com/szibis/trace-governor/internal/stats"
	tlspkg "github.com/szibis/trace-governor/internal/tls"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/encoding"
	_ "google.golang.org/grpc/encoding/gzip" // Register gzip compressor
	"google.golang.org/grpc/status"
)

func init() {
	// Register zstd compressor for gRPC
	encoding.RegisterCompressor(&zstdCompressor{})
}

// zstdCompressor implements grpc encoding.Compressor for zstd.
type zstdCompressor struct{}

func (c *zstdCompressor) Name() string {
	return "zstd"
}

func (c *zstdCompressor) Compress(w io.Writer) (io.WriteCloser, error) {
	encoder := zstdEncoderPool.Get().(*zstd.Encoder)
	encoder.Reset(w)
	return &pooledZstdWriter{Encoder: encoder}, nil
}

func (c *zstdCompressor) Decompress(r io.Reader) (io.Reader, error) {
	decoder := zstdDecoderPool.Get().(*zstd.Decoder)
	if err := decoder.Reset(r); err != nil {
		return nil, err
	}
	return &pooledZstdReader{Decoder: decoder}, nil
}

// Encoder/decoder pools keep zstd contexts reusable across requests.
var zstdEncoderPool = &sync.Pool{
	New: func() interface{} {
		w, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		return w
	},
}

var zstdDecoderPool = &sync.Pool{
	New: func() interface{} {
		r, _ := zstd.NewReader(nil)
		return r
	},
}

type pooledZstdWriter struct {
	*zstd.Encoder
}

func (p *pooledZstdWriter) Close() error {
	err := p.Encoder.Close()
	p.Encoder.Reset(nil)
	zstdEncoderPool.Put(p.Encoder)
	return err
}

type pooledZstdReader struct {
	*zstd.Decoder
}

func (p *pooledZstdReader) Read(b []byte) (int, error) {
	n, err := p.Decoder.Read(b)
	if err == io.EOF {
		_ = p.Decoder.Reset(nil)
		zstdDecoderPool.Put(p.Decoder)
	}
	return n, err
}

// GRPCConfig holds the gRPC receiver configuration.
type GRPCConfig struct {
	// Addr is the listen address.
	Addr string
	// TLS configuration for secure connections.
	TLS tlspkg.ServerConfig
	// Auth configuration for authentication.
	Auth auth.ServerConfig
}

// GRPCReceiver receives trace spans via OTLP gRPC and forwards them to the
// configured handler.
type GRPCReceiver struct {
	coltracepb.UnimplementedTraceServiceServer
	server  *grpc.Server
	handler Handler
	stats   *stats.Collector
	addr    string
}

// NewGRPC creates a new gRPC receiver with default configuration.
func NewGRPC(addr string, handler Handler, collector *stats.Collector) *GRPCReceiver {
	return NewGRPCWithConfig(GRPCConfig{Addr: addr}, handler, collector)
}

// NewGRPCWithConfig creates a new gRPC receiver with the given configuration.
func NewGRPCWithConfig(cfg GRPCConfig, handler Handler, collector *stats.Collector) *GRPCReceiver {
	var opts []grpc.ServerOption

	// Configure max message size (64MB to handle large batches)
	maxMsgSize := 64 * 1024 * 1024 // 64MB
	opts = append(opts,
		grpc.MaxRecvMsgSize(maxMsgSize),
		grpc.MaxSendMsgSize(maxMsgSize),
	)

	if cfg.TLS.Enabled {
		tlsConfig, err := tlspkg.NewServerTLSConfig(cfg.TLS)
		if err != nil {
			logging.Error("failed to create TLS config", logging.F("error", err.Error()))
		} else {
			opts = append(opts, grpc.Creds(credentials.NewTLS(tlsConfig)))
		}
	}

	if cfg.Auth.Enabled {
		opts = append(opts, grpc.UnaryInterceptor(auth.GRPCServerInterceptor(cfg.Auth)))
	}

	return &GRPCReceiver{
		server:  grpc.NewServer(opts...),
		handler: handler,
		stats:   collector,
		addr:    cfg.Addr,
	}
}

// Export implements the OTLP TraceService Export method.
func (r *GRPCReceiver) Export(ctx context.Context, req *coltracepb.ExportTraceServiceRequest) (*coltracepb.ExportTraceServiceResponse, error) {
	receiverRequestsTotal.WithLabelValues("grpc").Inc()
	receiverSpansTotal.WithLabelValues("grpc").Add(float64(countSpans(req.ResourceSpans)))

	if r.stats != nil {
		r.stats.Record(req.ResourceSpans)
	}

	if err := r.handler.Export(ctx, req.ResourceSpans); err != nil {
		receiverErrorsTotal.WithLabelValues("grpc", "export").Inc()
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &coltracepb.ExportTraceServiceResponse{}, nil
}

// Start starts the gRPC server.
func (r *GRPCReceiver) Start() error {
	lis, err := net.Listen("tcp", r.addr)
	if err != nil {
		return err
	}

	coltracepb.RegisterTraceServiceServer(r.server, r)

	logging.Info("gRPC receiver started", logging.F("addr", r.addr))
	return r.server.Serve(lis)
}

// Stop gracefully stops the gRPC server.
func (r *GRPCReceiver) Stop() {
	r.server.GracefulStop()
}
