package exporter

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/szibis/trace-governor/internal/auth"
	"github.com/szibis/trace-governor/internal/compression"
	tlspkg "github.com/szibis/trace-governor/internal/tls"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"golang.org/x/net/http2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/proto"
)

// Protocol represents the export protocol.
type Protocol string

const (
	// ProtocolGRPC uses OTLP gRPC protocol.
	ProtocolGRPC Protocol = "grpc"
	// ProtocolHTTP uses OTLP HTTP protocol.
	ProtocolHTTP Protocol = "http"
)

// DefaultTimeout bounds a single export call so it can never block the
// caller's request path indefinitely.
const DefaultTimeout = 30 * time.Second

// Sink is the contract shared by the primary export path and the fallback
// path: deliver a batch of span batches, flush pending state, shut down.
type Sink interface {
	Export(ctx context.Context, records []*tracepb.ResourceSpans) error
	ForceFlush(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// HTTPClientConfig holds HTTP client connection pool settings.
type HTTPClientConfig struct {
	// MaxIdleConns controls the maximum number of idle (keep-alive) connections
	// across all hosts. Zero means no limit.
	MaxIdleConns int
	// MaxIdleConnsPerHost controls the maximum idle (keep-alive) connections
	// to keep per-host. If zero, DefaultMaxIdleConnsPerHost is used.
	MaxIdleConnsPerHost int
	// MaxConnsPerHost limits the total number of connections per host.
	// Zero means no limit.
	MaxConnsPerHost int
	// IdleConnTimeout is the maximum amount of time an idle connection will
	// remain idle before closing itself. Zero means no limit.
	IdleConnTimeout time.Duration
	// DisableKeepAlives, if true, disables HTTP keep-alives and will only use
	// the connection to the server for a single HTTP request.
	DisableKeepAlives bool
	// ForceAttemptHTTP2 controls whether HTTP/2 is enabled when a non-zero
	// TLSClientConfig is provided.
	ForceAttemptHTTP2 bool
	// HTTP2ReadIdleTimeout is the timeout after which a health check using ping
	// frame will be carried out if no frame is received on the connection.
	HTTP2ReadIdleTimeout time.Duration
	// HTTP2PingTimeout is the timeout after which the connection will be closed
	// if a response to Ping is not received.
	HTTP2PingTimeout time.Duration
}

// Config holds the OTLP exporter configuration.
type Config struct {
	// Endpoint is the target endpoint (host:port for gRPC, URL for HTTP).
	Endpoint string
	// Protocol is the export protocol (grpc or http).
	Protocol Protocol
	// Insecure uses insecure connection (no TLS).
	Insecure bool
	// Timeout is the per-request timeout (default: 30s).
	Timeout time.Duration
	// DefaultPath is the path to append when endpoint has no path (default: /v1/traces).
	DefaultPath string
	// TLS configuration for secure connections.
	TLS tlspkg.ClientConfig
	// Auth configuration for authentication.
	Auth auth.ClientConfig
	// Compression configuration for HTTP exporter.
	Compression compression.Config
	// HTTPClient configuration for HTTP connection pooling.
	HTTPClient HTTPClientConfig
}

// OTLPExporter exports trace spans via OTLP (gRPC or HTTP). It is the primary
// network sink; it holds no internal buffering, so ForceFlush is a no-op.
type OTLPExporter struct {
	protocol    Protocol
	timeout     time.Duration
	compression compression.Config

	// gRPC client
	grpcConn   *grpc.ClientConn
	grpcClient coltracepb.TraceServiceClient

	// HTTP client
	httpClient   *http.Client
	httpEndpoint string
}

// New creates a new OTLPExporter based on the configuration.
func New(ctx context.Context, cfg Config) (*OTLPExporter, error) {
	if cfg.Protocol == "" {
		cfg.Protocol = ProtocolGRPC
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	switch cfg.Protocol {
	case ProtocolGRPC:
		return newGRPCExporter(ctx, cfg)
	case ProtocolHTTP:
		return newHTTPExporter(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported protocol: %s", cfg.Protocol)
	}
}

// newGRPCExporter creates a gRPC-based exporter.
func newGRPCExporter(_ context.Context, cfg Config) (*OTLPExporter, error) {
	var opts []grpc.DialOption

	if cfg.Insecure {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	} else if cfg.TLS.Enabled {
		tlsConfig, err := tlspkg.NewClientTLSConfig(cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig)))
	} else {
		// Default to system TLS when not insecure and no custom TLS config
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{
			MinVersion: tls.VersionTLS12,
		})))
	}

	if cfg.Auth.Required() {
		opts = append(opts, grpc.WithUnaryInterceptor(auth.GRPCClientInterceptor(cfg.Auth)))
	}

	conn, err := grpc.NewClient(cfg.Endpoint, opts...)
	if err != nil {
		return nil, err
	}

	return &OTLPExporter{
		protocol:   ProtocolGRPC,
		timeout:    cfg.Timeout,
		grpcConn:   conn,
		grpcClient: coltracepb.NewTraceServiceClient(conn),
	}, nil
}

// newHTTPExporter creates an HTTP-based exporter.
func newHTTPExporter(_ context.Context, cfg Config) (*OTLPExporter, error) {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     cfg.HTTPClient.ForceAttemptHTTP2,
		MaxIdleConns:          cfg.HTTPClient.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.HTTPClient.MaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.HTTPClient.MaxConnsPerHost,
		IdleConnTimeout:       cfg.HTTPClient.IdleConnTimeout,
		DisableKeepAlives:     cfg.HTTPClient.DisableKeepAlives,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	if transport.MaxIdleConns == 0 {
		transport.MaxIdleConns = 100
	}
	if transport.MaxIdleConnsPerHost == 0 {
		transport.MaxIdleConnsPerHost = 100
	}
	if transport.IdleConnTimeout == 0 {
		transport.IdleConnTimeout = 90 * time.Second
	}

	if !cfg.Insecure {
		if cfg.TLS.Enabled {
			tlsConfig, err := tlspkg.NewClientTLSConfig(cfg.TLS)
			if err != nil {
				return nil, fmt.Errorf("failed to create TLS config: %w", err)
			}
			transport.TLSClientConfig = tlsConfig
		} else {
			transport.TLSClientConfig = &tls.Config{
				MinVersion: tls.VersionTLS12,
			}
		}
	}

	var roundTripper http.RoundTripper = transport

	// Configure HTTP/2 settings if enabled
	if cfg.HTTPClient.ForceAttemptHTTP2 || (!cfg.Insecure && transport.TLSClientConfig != nil) {
		http2Transport, err := http2.ConfigureTransports(transport)
		if err == nil && http2Transport != nil {
			if cfg.HTTPClient.HTTP2ReadIdleTimeout > 0 {
				http2Transport.ReadIdleTimeout = cfg.HTTPClient.HTTP2ReadIdleTimeout
			}
			if cfg.HTTPClient.HTTP2PingTimeout > 0 {
				http2Transport.PingTimeout = cfg.HTTPClient.HTTP2PingTimeout
			}
		}
	}

	if cfg.Auth.Required() {
		roundTripper = auth.HTTPTransport(cfg.Auth, roundTripper)
	}

	client := &http.Client{
		Transport: roundTripper,
		Timeout:   cfg.Timeout,
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "localhost:4318"
	}

	scheme := "http"
	if !cfg.Insecure {
		scheme = "https"
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		endpoint = fmt.Sprintf("%s://%s", scheme, endpoint)
	}

	if !hasPath(endpoint) {
		defaultPath := cfg.DefaultPath
		if defaultPath == "" {
			defaultPath = "/v1/traces"
		}
		endpoint = endpoint + defaultPath
	}

	return &OTLPExporter{
		protocol:     ProtocolHTTP,
		timeout:      cfg.Timeout,
		compression:  cfg.Compression,
		httpClient:   client,
		httpEndpoint: endpoint,
	}, nil
}

// Export sends spans to the configured endpoint within the per-call timeout.
func (e *OTLPExporter) Export(ctx context.Context, records []*tracepb.ResourceSpans) error {
	if len(records) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	req := &coltracepb.ExportTraceServiceRequest{ResourceSpans: records}

	switch e.protocol {
	case ProtocolGRPC:
		return e.exportGRPC(ctx, req)
	case ProtocolHTTP:
		return e.exportHTTP(ctx, req)
	default:
		return fmt.Errorf("unsupported protocol: %s", e.protocol)
	}
}

// exportGRPC exports spans via gRPC.
func (e *OTLPExporter) exportGRPC(ctx context.Context, req *coltracepb.ExportTraceServiceRequest) error {
	size := proto.Size(req)
	spans := countSpans(req.ResourceSpans)

	otlpExportRequestsTotal.Inc()

	_, err := e.grpcClient.Export(ctx, req)
	if err != nil {
		errType := classifyGRPCError(err)
		recordExportError(errType)
		return newExportError(err, errType, 0, err.Error())
	}

	// Track as uncompressed since gRPC compression is handled at transport level
	otlpExportBytesTotal.WithLabelValues("grpc").Add(float64(size))
	recordExportSuccess(spans)

	return nil
}

// exportHTTP exports spans via HTTP.
func (e *OTLPExporter) exportHTTP(ctx context.Context, req *coltracepb.ExportTraceServiceRequest) error {
	body, err := proto.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	spans := countSpans(req.ResourceSpans)
	compressionLabel := "none"

	if e.compression.Type != compression.TypeNone && e.compression.Type != "" {
		body, err = compression.Compress(body, e.compression)
		if err != nil {
			return fmt.Errorf("failed to compress request: %w", err)
		}
		compressionLabel = string(e.compression.Type)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.httpEndpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/x-protobuf")
	if encoding := e.compression.Type.ContentEncoding(); encoding != "" {
		httpReq.Header.Set("Content-Encoding", encoding)
	}

	otlpExportRequestsTotal.Inc()

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		errType := classifyError(err)
		recordExportError(errType)
		return newExportError(fmt.Errorf("failed to send request: %w", err), errType, 0, err.Error())
	}
	defer resp.Body.Close()

	// Read the body for the error detail and to allow connection reuse.
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		errType := classifyHTTPStatusCode(resp.StatusCode)
		recordExportError(errType)
		return newExportError(
			fmt.Errorf("unexpected status code: %d", resp.StatusCode),
			errType, resp.StatusCode, string(respBody),
		)
	}

	otlpExportBytesTotal.WithLabelValues(compressionLabel).Add(float64(len(body)))
	recordExportSuccess(spans)

	return nil
}

// ForceFlush is a no-op; the network sink holds no internal buffering.
func (e *OTLPExporter) ForceFlush(_ context.Context) error {
	return nil
}

// Shutdown closes the exporter connection.
func (e *OTLPExporter) Shutdown(_ context.Context) error {
	switch e.protocol {
	case ProtocolGRPC:
		if e.grpcConn != nil {
			return e.grpcConn.Close()
		}
	case ProtocolHTTP:
		if e.httpClient != nil {
			e.httpClient.CloseIdleConnections()
		}
	}
	return nil
}

// hasPath checks if a URL has a path component after the host.
func hasPath(url string) bool {
	rest := url
	if i := strings.Index(url, "://"); i >= 0 {
		rest = url[i+3:]
	}
	return strings.Contains(rest, "/")
}

// countSpans counts the total number of spans in a batch of resource spans.
func countSpans(records []*tracepb.ResourceSpans) int64 {
	var count int64
	for _, rs := range records {
		for _, ss := range rs.GetScopeSpans() {
			count += int64(len(ss.GetSpans()))
		}
	}
	return count
}
