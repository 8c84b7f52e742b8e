package receiver

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/szibis/trace-governor/internal/auth"
	"github.com/szibis/trace-governor/internal/compression"
	"github.com/szibis/trace-governor/internal/stats"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// mockHandler records forwarded batches.
type mockHandler struct {
	mu      sync.Mutex
	batches [][]*tracepb.ResourceSpans
	err     error
}

func (m *mockHandler) Export(_ context.Context, records []*tracepb.ResourceSpans) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.batches = append(m.batches, records)
	return nil
}

func (m *mockHandler) spanCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, batch := range m.batches {
		n += countSpans(batch)
	}
	return n
}

func makeRequest(spanNames ...string) *coltracepb.ExportTraceServiceRequest {
	spans := make([]*tracepb.Span, 0, len(spanNames))
	for _, name := range spanNames {
		spans = append(spans, &tracepb.Span{Name: name, TraceId: []byte("0123456789abcdef")})
	}
	return &coltracepb.ExportTraceServiceRequest{
		ResourceSpans: []*tracepb.ResourceSpans{
			{ScopeSpans: []*tracepb.ScopeSpans{{Spans: spans}}},
		},
	}
}

func postTraces(t *testing.T, r *HTTPReceiver, body []byte, contentType, encoding string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/traces", bytes.NewReader(body))
	req.Header.Set("Content-Type", contentType)
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}
	rec := httptest.NewRecorder()
	r.server.Handler.ServeHTTP(rec, req)
	return rec
}

func TestHTTPReceiverProtobuf(t *testing.T) {
	handler := &mockHandler{}
	collector := stats.NewCollector(stats.Config{})
	r := NewHTTP("127.0.0.1:0", handler, collector)

	body, err := proto.Marshal(makeRequest("a", "b"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	rec := postTraces(t, r, body, "application/x-protobuf", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if handler.spanCount() != 2 {
		t.Errorf("forwarded spans = %d, want 2", handler.spanCount())
	}
	if got := collector.Snapshot().TotalSpans; got != 2 {
		t.Errorf("stats spans = %d, want 2", got)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/x-protobuf" {
		t.Errorf("response content type = %q", ct)
	}
}

func TestHTTPReceiverJSON(t *testing.T) {
	handler := &mockHandler{}
	r := NewHTTP("127.0.0.1:0", handler, nil)

	body, err := protojson.Marshal(makeRequest("a"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	rec := postTraces(t, r, body, "application/json", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if handler.spanCount() != 1 {
		t.Errorf("forwarded spans = %d, want 1", handler.spanCount())
	}
}

func TestHTTPReceiverGzip(t *testing.T) {
	handler := &mockHandler{}
	r := NewHTTP("127.0.0.1:0", handler, nil)

	raw, err := proto.Marshal(makeRequest("a"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	body, err := compression.Compress(raw, compression.Config{Type: compression.TypeGzip})
	if err != nil {
		t.Fatalf("compress: %v", err)
	}

	rec := postTraces(t, r, body, "application/x-protobuf", "gzip")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if handler.spanCount() != 1 {
		t.Errorf("forwarded spans = %d, want 1", handler.spanCount())
	}
}

func TestHTTPReceiverUnsupportedContentType(t *testing.T) {
	r := NewHTTP("127.0.0.1:0", &mockHandler{}, nil)

	rec := postTraces(t, r, []byte("<traces/>"), "text/xml", "")
	if rec.Code != http.StatusUnsupportedMediaType {
		t.Errorf("status = %d, want 415", rec.Code)
	}
}

func TestHTTPReceiverUnsupportedEncoding(t *testing.T) {
	r := NewHTTP("127.0.0.1:0", &mockHandler{}, nil)

	rec := postTraces(t, r, []byte("x"), "application/x-protobuf", "br")
	if rec.Code != http.StatusUnsupportedMediaType {
		t.Errorf("status = %d, want 415", rec.Code)
	}
}

func TestHTTPReceiverMethodNotAllowed(t *testing.T) {
	r := NewHTTP("127.0.0.1:0", &mockHandler{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/traces", nil)
	rec := httptest.NewRecorder()
	r.server.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestHTTPReceiverForwardError(t *testing.T) {
	handler := &mockHandler{err: errors.New("pipeline stalled")}
	r := NewHTTP("127.0.0.1:0", handler, nil)

	body, _ := proto.Marshal(makeRequest("a"))
	rec := postTraces(t, r, body, "application/x-protobuf", "")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestHTTPReceiverAuth(t *testing.T) {
	handler := &mockHandler{}
	r := NewHTTPWithConfig(HTTPConfig{
		Addr: "127.0.0.1:0",
		Auth: auth.ServerConfig{Enabled: true, BearerToken: "secret-token"},
	}, handler, nil)

	body, _ := proto.Marshal(makeRequest("a"))

	// Missing token
	rec := postTraces(t, r, body, "application/x-protobuf", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status without token = %d, want 401", rec.Code)
	}

	// Valid token
	req := httptest.NewRequest(http.MethodPost, "/v1/traces", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/x-protobuf")
	req.Header.Set("Authorization", "Bearer secret-token")
	rec = httptest.NewRecorder()
	r.server.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status with token = %d, want 200: %s", rec.Code, rec.Body.String())
	}
}

func TestGRPCReceiverExport(t *testing.T) {
	handler := &mockHandler{}
	collector := stats.NewCollector(stats.Config{})
	r := NewGRPC("127.0.0.1:0", handler, collector)

	resp, err := r.Export(context.Background(), makeRequest("a", "b", "c"))
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if resp == nil {
		t.Fatal("nil response")
	}
	if handler.spanCount() != 3 {
		t.Errorf("forwarded spans = %d, want 3", handler.spanCount())
	}
	if got := collector.Snapshot().TotalSpans; got != 3 {
		t.Errorf("stats spans = %d, want 3", got)
	}
}

func TestGRPCReceiverExportError(t *testing.T) {
	handler := &mockHandler{err: errors.New("pipeline stalled")}
	r := NewGRPC("127.0.0.1:0", handler, nil)

	_, err := r.Export(context.Background(), makeRequest("a"))
	if err == nil {
		t.Fatal("expected error when handler fails")
	}
	if status.Code(err) != codes.Internal {
		t.Errorf("code = %s, want Internal", status.Code(err))
	}
}
