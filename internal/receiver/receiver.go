package receiver

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
)

// Handler consumes received trace batches. The resilient exporter satisfies
// this, so receivers stay decoupled from the delivery pipeline.
type Handler interface {
	Export(ctx context.Context, records []*tracepb.ResourceSpans) error
}

var (
	receiverRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trace_governor_receiver_requests_total",
		Help: "Total number of OTLP trace requests received",
	}, []string{"protocol"})

	receiverSpansTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trace_governor_receiver_spans_total",
		Help: "Total number of spans received",
	}, []string{"protocol"})

	receiverErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trace_governor_receiver_errors_total",
		Help: "Total number of receiver errors",
	}, []string{"protocol", "reason"})
)

func init() {
	prometheus.MustRegister(receiverRequestsTotal)
	prometheus.MustRegister(receiverSpansTotal)
	prometheus.MustRegister(receiverErrorsTotal)
}

// countSpans counts spans across a batch of resource spans.
func countSpans(records []*tracepb.ResourceSpans) int {
	n := 0
	for _, rs := range records {
		for _, ss := range rs.GetScopeSpans() {
			n += len(ss.GetSpans())
		}
	}
	return n
}
