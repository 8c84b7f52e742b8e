// Package telemetry exports the relay's own logs and metrics over OTLP
// through the OTEL SDK. The Prometheus registry is bridged into the metric
// push so the pull and push surfaces carry the same counters.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	prombridge "go.opentelemetry.io/contrib/bridges/prometheus"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const (
	defaultPushInterval    = 30 * time.Second
	defaultShutdownTimeout = 5 * time.Second
	loggerName             = "trace-governor"
)

// Config holds the self-telemetry export settings. An empty Endpoint disables
// the whole package.
type Config struct {
	Endpoint         string            // OTLP endpoint
	Protocol         string            // "grpc" (default) or "http"
	Insecure         bool              // plaintext connection
	Timeout          time.Duration     // per-export timeout (zero = SDK default)
	PushInterval     time.Duration     // metric push cadence (default: 30s)
	Compression      string            // "gzip" or ""
	Headers          map[string]string // extra request headers
	ShutdownTimeout  time.Duration     // shutdown grace period (default: 5s)
	RetryEnabled     bool              // SDK-side export retry
	RetryInitial     time.Duration     // initial retry interval (zero = SDK default)
	RetryMaxInterval time.Duration     // retry interval cap (zero = SDK default)
	RetryMaxElapsed  time.Duration     // total retry budget (zero = SDK default)
}

// Telemetry owns the SDK providers behind the self-telemetry pipelines.
type Telemetry struct {
	logs         *sdklog.LoggerProvider
	meters       *metric.MeterProvider
	logger       otellog.Logger
	closeTimeout time.Duration
}

// Enabled reports whether the telemetry pipelines are running. Safe on nil.
func (t *Telemetry) Enabled() bool {
	return t != nil && t.logger != nil
}

// Logger returns the OTEL logger, or nil when telemetry is disabled.
func (t *Telemetry) Logger() otellog.Logger {
	if t == nil {
		return nil
	}
	return t.logger
}

// ShutdownTimeout returns the grace period Shutdown should be given.
func (t *Telemetry) ShutdownTimeout() time.Duration {
	if t == nil || t.closeTimeout <= 0 {
		return defaultShutdownTimeout
	}
	return t.closeTimeout
}

// Init starts the OTLP log and metric pipelines. It returns nil when
// cfg.Endpoint is empty, which callers treat as telemetry disabled.
func Init(ctx context.Context, cfg Config, serviceName, serviceVersion string) (*Telemetry, error) {
	if cfg.Endpoint == "" {
		return nil, nil
	}
	if cfg.Protocol == "" {
		cfg.Protocol = "grpc"
	}
	if cfg.PushInterval <= 0 {
		cfg.PushInterval = defaultPushInterval
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(serviceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("telemetry: create resource: %w", err)
	}

	logExporter, err := buildLogExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create log exporter: %w", err)
	}
	logs := sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExporter)),
	)

	metricExporter, err := buildMetricExporter(ctx, cfg)
	if err != nil {
		_ = logs.Shutdown(ctx)
		return nil, fmt.Errorf("telemetry: create metric exporter: %w", err)
	}
	meters := metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(metric.NewPeriodicReader(metricExporter,
			metric.WithInterval(cfg.PushInterval),
			// Feed everything registered in the Prometheus default registry
			// into the push pipeline as well.
			metric.WithProducer(prombridge.NewMetricProducer()),
		)),
	)

	return &Telemetry{
		logs:         logs,
		meters:       meters,
		logger:       logs.Logger(loggerName),
		closeTimeout: cfg.ShutdownTimeout,
	}, nil
}

// Shutdown flushes and stops both pipelines.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	var errs []error
	if t.logs != nil {
		errs = append(errs, t.logs.Shutdown(ctx))
	}
	if t.meters != nil {
		errs = append(errs, t.meters.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

// The four exporter constructors below are unavoidably parallel: the SDK ships
// a distinct option type per signal/protocol pair.

func buildLogExporter(ctx context.Context, cfg Config) (sdklog.Exporter, error) {
	if cfg.Protocol == "http" {
		opts := []otlploghttp.Option{otlploghttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlploghttp.WithInsecure())
		}
		if cfg.Timeout > 0 {
			opts = append(opts, otlploghttp.WithTimeout(cfg.Timeout))
		}
		if cfg.Compression == "gzip" {
			opts = append(opts, otlploghttp.WithCompression(otlploghttp.GzipCompression))
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlploghttp.WithHeaders(cfg.Headers))
		}
		if cfg.RetryEnabled {
			opts = append(opts, otlploghttp.WithRetry(otlploghttp.RetryConfig{
				Enabled:         true,
				InitialInterval: cfg.RetryInitial,
				MaxInterval:     cfg.RetryMaxInterval,
				MaxElapsedTime:  cfg.RetryMaxElapsed,
			}))
		}
		return otlploghttp.New(ctx, opts...)
	}

	opts := []otlploggrpc.Option{otlploggrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlploggrpc.WithInsecure())
	}
	if cfg.Timeout > 0 {
		opts = append(opts, otlploggrpc.WithTimeout(cfg.Timeout))
	}
	if cfg.Compression == "gzip" {
		opts = append(opts, otlploggrpc.WithCompressor("gzip"))
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlploggrpc.WithHeaders(cfg.Headers))
	}
	if cfg.RetryEnabled {
		opts = append(opts, otlploggrpc.WithRetry(otlploggrpc.RetryConfig{
			Enabled:         true,
			InitialInterval: cfg.RetryInitial,
			MaxInterval:     cfg.RetryMaxInterval,
			MaxElapsedTime:  cfg.RetryMaxElapsed,
		}))
	}
	return otlploggrpc.New(ctx, opts...)
}

func buildMetricExporter(ctx context.Context, cfg Config) (metric.Exporter, error) {
	if cfg.Protocol == "http" {
		opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		if cfg.Timeout > 0 {
			opts = append(opts, otlpmetrichttp.WithTimeout(cfg.Timeout))
		}
		if cfg.Compression == "gzip" {
			opts = append(opts, otlpmetrichttp.WithCompression(otlpmetrichttp.GzipCompression))
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlpmetrichttp.WithHeaders(cfg.Headers))
		}
		if cfg.RetryEnabled {
			opts = append(opts, otlpmetrichttp.WithRetry(otlpmetrichttp.RetryConfig{
				Enabled:         true,
				InitialInterval: cfg.RetryInitial,
				MaxInterval:     cfg.RetryMaxInterval,
				MaxElapsedTime:  cfg.RetryMaxElapsed,
			}))
		}
		return otlpmetrichttp.New(ctx, opts...)
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	if cfg.Timeout > 0 {
		opts = append(opts, otlpmetricgrpc.WithTimeout(cfg.Timeout))
	}
	if cfg.Compression == "gzip" {
		opts = append(opts, otlpmetricgrpc.WithCompressor("gzip"))
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlpmetricgrpc.WithHeaders(cfg.Headers))
	}
	if cfg.RetryEnabled {
		opts = append(opts, otlpmetricgrpc.WithRetry(otlpmetricgrpc.RetryConfig{
			Enabled:         true,
			InitialInterval: cfg.RetryInitial,
			MaxInterval:     cfg.RetryMaxInterval,
			MaxElapsedTime:  cfg.RetryMaxElapsed,
		}))
	}
	return otlpmetricgrpc.New(ctx, opts...)
}
