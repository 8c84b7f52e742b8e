package receiver

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/szibis/trace-governor/internal/auth"
	"github.com/szibis/trace-governor/internal/compression"
	"github.com/szibis/trace-governor/internal/logging"
	"github.com/szibis/trace-governor/internal/stats"
	tlspkg "github.com/szibis/trace-governor/internal/tls"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// HTTPConfig holds the HTTP receiver configuration.
type HTTPConfig struct {
	// Addr is the listen address.
	Addr string
	// TLS configuration for secure connections.
	TLS tlspkg.ServerConfig
	// Auth configuration for authentication.
	Auth auth.ServerConfig
}

// HTTPReceiver receives trace spans via OTLP HTTP and forwards them to the
// configured handler.
type HTTPReceiver struct {
	server  *http.Server
	handler Handler
	stats   *stats.Collector
	addr    string
	tlsCfg  tlspkg.ServerConfig
}

// NewHTTP creates a new HTTP receiver with default configuration.
func NewHTTP(addr string, handler Handler, collector *stats.Collector) *HTTPReceiver {
	return NewHTTPWithConfig(HTTPConfig{Addr: addr}, handler, collector)
}

// NewHTTPWithConfig creates a new HTTP receiver with the given configuration.
func NewHTTPWithConfig(cfg HTTPConfig, handler Handler, collector *stats.Collector) *HTTPReceiver {
	r := &HTTPReceiver{
		handler: handler,
		stats:   collector,
		addr:    cfg.Addr,
		tlsCfg:  cfg.TLS,
	}

	mux := http.NewServeMux()

	var traceHandler http.Handler = http.HandlerFunc(r.handleTraces)
	if cfg.Auth.Enabled {
		traceHandler = auth.HTTPMiddleware(cfg.Auth, traceHandler)
	}
	mux.Handle("/v1/traces", traceHandler)

	r.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.TLS.Enabled {
		tlsConfig, err := tlspkg.NewServerTLSConfig(cfg.TLS)
		if err != nil {
			logging.Error("failed to create TLS config", logging.F("error", err.Error()))
		} else {
			r.server.TLSConfig = tlsConfig
		}
	}

	return r
}

// handleTraces handles incoming OTLP HTTP trace requests.
func (r *HTTPReceiver) handleTraces(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	receiverRequestsTotal.WithLabelValues("http").Inc()

	body, err := io.ReadAll(req.Body)
	if err != nil {
		receiverErrorsTotal.WithLabelValues("http", "read_body").Inc()
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}
	defer req.Body.Close()

	if encoding := req.Header.Get("Content-Encoding"); encoding != "" && !strings.EqualFold(encoding, "identity") {
		compType := compression.ParseContentEncoding(encoding)
		if compType == compression.TypeNone {
			receiverErrorsTotal.WithLabelValues("http", "encoding").Inc()
			http.Error(w, "Unsupported content encoding", http.StatusUnsupportedMediaType)
			return
		}
		body, err = compression.Decompress(body, compType)
		if err != nil {
			receiverErrorsTotal.WithLabelValues("http", "decompress").Inc()
			http.Error(w, "Failed to decompress body", http.StatusBadRequest)
			return
		}
	}

	var exportReq coltracepb.ExportTraceServiceRequest

	contentType := req.Header.Get("Content-Type")
	switch contentType {
	case "application/x-protobuf":
		if err := proto.Unmarshal(body, &exportReq); err != nil {
			receiverErrorsTotal.WithLabelValues("http", "unmarshal").Inc()
			http.Error(w, "Failed to unmarshal protobuf", http.StatusBadRequest)
			return
		}
	case "application/json":
		if err := protojson.Unmarshal(body, &exportReq); err != nil {
			receiverErrorsTotal.WithLabelValues("http", "unmarshal").Inc()
			http.Error(w, "Failed to unmarshal JSON", http.StatusBadRequest)
			return
		}
	default:
		receiverErrorsTotal.WithLabelValues("http", "content_type").Inc()
		http.Error(w, "Unsupported content type", http.StatusUnsupportedMediaType)
		return
	}

	receiverSpansTotal.WithLabelValues("http").Add(float64(countSpans(exportReq.ResourceSpans)))

	if r.stats != nil {
		r.stats.Record(exportReq.ResourceSpans)
	}

	if err := r.handler.Export(req.Context(), exportReq.ResourceSpans); err != nil {
		receiverErrorsTotal.WithLabelValues("http", "export").Inc()
		http.Error(w, "Failed to forward spans", http.StatusInternalServerError)
		return
	}

	resp := &coltracepb.ExportTraceServiceResponse{}
	respBytes, err := proto.Marshal(resp)
	if err != nil {
		http.Error(w, "Failed to marshal response", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/x-protobuf")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(respBytes)
}

// Start starts the HTTP server.
func (r *HTTPReceiver) Start() error {
	logging.Info("HTTP receiver started", logging.F("addr", r.addr))
	if r.tlsCfg.Enabled && r.server.TLSConfig != nil {
		// Certificates are loaded in the TLS config already.
		return r.server.ListenAndServeTLS("", "")
	}
	return r.server.ListenAndServe()
}

// Stop gracefully stops the HTTP server.
func (r *HTTPReceiver) Stop(ctx context.Context) error {
	return r.server.Shutdown(ctx)
}
