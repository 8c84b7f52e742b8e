package exporter

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// otlpExportBytesTotal tracks actual bytes sent to the OTLP backend
	otlpExportBytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trace_governor_otlp_export_bytes_total",
		Help: "Total bytes exported to the OTLP trace backend",
	}, []string{"compression"})

	// otlpExportRequestsTotal tracks the number of export requests
	otlpExportRequestsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trace_governor_otlp_export_requests_total",
		Help: "Total number of OTLP trace export requests",
	})

	// otlpExportErrorsTotal tracks the number of export errors by type
	otlpExportErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trace_governor_otlp_export_errors_total",
		Help: "Total number of OTLP trace export errors by error type",
	}, []string{"error_type"})

	// otlpExportSpansTotal tracks the number of spans exported
	otlpExportSpansTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trace_governor_otlp_export_spans_total",
		Help: "Total number of spans exported to the OTLP trace backend",
	})

	// Resilient orchestrator metrics

	resilientExportsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trace_governor_resilient_exports_total",
		Help: "Total number of export calls handled by the resilient exporter",
	})

	resilientExportsSuccessTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trace_governor_resilient_exports_success_total",
		Help: "Total number of export calls that succeeded (directly or via fallback)",
	})

	resilientExportsFailedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trace_governor_resilient_exports_failed_total",
		Help: "Total number of export calls that failed after buffering",
	})

	resilientRetrySuccessTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trace_governor_resilient_retry_success_total",
		Help: "Total number of buffered batches re-exported by the background retry loop",
	})

	resilientRetryFailureTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trace_governor_resilient_retry_failure_total",
		Help: "Total number of failed background retry attempts by error type",
	}, []string{"error_type"})

	fallbackUsageTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trace_governor_fallback_usage_total",
		Help: "Total number of batches delivered through the fallback sink",
	})

	fallbackFilesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trace_governor_fallback_files_total",
		Help: "Total number of fallback batch files written",
	})
)

func init() {
	prometheus.MustRegister(otlpExportBytesTotal)
	prometheus.MustRegister(otlpExportRequestsTotal)
	prometheus.MustRegister(otlpExportErrorsTotal)
	prometheus.MustRegister(otlpExportSpansTotal)
	prometheus.MustRegister(resilientExportsTotal)
	prometheus.MustRegister(resilientExportsSuccessTotal)
	prometheus.MustRegister(resilientExportsFailedTotal)
	prometheus.MustRegister(resilientRetrySuccessTotal)
	prometheus.MustRegister(resilientRetryFailureTotal)
	prometheus.MustRegister(fallbackUsageTotal)
	prometheus.MustRegister(fallbackFilesTotal)
}

// recordExportError increments the error counter with the appropriate error type.
func recordExportError(errType ErrorType) {
	otlpExportErrorsTotal.WithLabelValues(string(errType)).Inc()
}

// recordExportSuccess tracks successful export metrics.
func recordExportSuccess(spans int64) {
	otlpExportSpansTotal.Add(float64(spans))
}
