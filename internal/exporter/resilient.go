package exporter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/szibis/trace-governor/internal/backoff"
	"github.com/szibis/trace-governor/internal/breaker"
	"github.com/szibis/trace-governor/internal/buffer"
	"github.com/szibis/trace-governor/internal/logging"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
)

const (
	// DefaultRetryInterval is how often the background loop retries buffered spans.
	DefaultRetryInterval = 30 * time.Second
	// DefaultCleanupInterval is how often expired buffered spans are discarded.
	DefaultCleanupInterval = 5 * time.Minute
	// DefaultRetryBatchMaxAge bounds the age of buffered spans the retry loop
	// will re-export.
	DefaultRetryBatchMaxAge = time.Minute
)

// ResilientConfig holds the resilient exporter configuration.
type ResilientConfig struct {
	// Breaker guards the primary sink. Required.
	Breaker *breaker.Breaker
	// Buffer holds spans while the primary sink is failing. Required.
	Buffer *buffer.Buffer
	// Policy drives retries on the primary path. Required.
	Policy *backoff.Policy
	// Fallback receives batches that cannot be buffered or retried. Optional.
	Fallback Sink
	// RetryInterval overrides the background retry cadence.
	RetryInterval time.Duration
	// CleanupInterval overrides the expired-span cleanup cadence.
	CleanupInterval time.Duration
	// ExportTimeout bounds a whole Export call, retries and backoff sleeps
	// included, so a caller without a deadline is never held indefinitely.
	// Defaults to DefaultTimeout.
	ExportTimeout time.Duration
}

// Metrics is a point-in-time snapshot of the resilient exporter's counters.
type Metrics struct {
	TotalExports        int64
	SuccessfulExports   int64
	FailedExports       int64
	CircuitBreakerTrips int64
	BufferSize          int
	FallbackUsage       int64
	LastExportSuccess   time.Time
	LastExportFailure   time.Time
}

// Resilient wraps a primary Sink with a circuit breaker, retry with backoff,
// a local buffer for failed batches, and a fallback sink. Callers always get
// an answer quickly; recovery of buffered spans happens in the background.
type Resilient struct {
	primary  Sink
	fallback Sink
	breaker  *breaker.Breaker
	buffer   *buffer.Buffer
	policy   *backoff.Policy

	retryInterval   time.Duration
	cleanupInterval time.Duration
	exportTimeout   time.Duration

	statsMu sync.Mutex
	stats   Metrics

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewResilient wraps primary with the resilience layers from cfg and starts
// the background retry and cleanup loops.
func NewResilient(primary Sink, cfg ResilientConfig) (*Resilient, error) {
	if primary == nil {
		return nil, fmt.Errorf("primary sink is required")
	}
	if cfg.Breaker == nil || cfg.Buffer == nil || cfg.Policy == nil {
		return nil, fmt.Errorf("breaker, buffer and policy are required")
	}

	r := &Resilient{
		primary:         primary,
		fallback:        cfg.Fallback,
		breaker:         cfg.Breaker,
		buffer:          cfg.Buffer,
		policy:          cfg.Policy,
		retryInterval:   cfg.RetryInterval,
		cleanupInterval: cfg.CleanupInterval,
		exportTimeout:   cfg.ExportTimeout,
		stopCh:          make(chan struct{}),
	}
	if r.retryInterval <= 0 {
		r.retryInterval = DefaultRetryInterval
	}
	if r.cleanupInterval <= 0 {
		r.cleanupInterval = DefaultCleanupInterval
	}
	if r.exportTimeout <= 0 {
		r.exportTimeout = DefaultTimeout
	}

	r.wg.Add(2)
	go r.retryLoop()
	go r.cleanupLoop()

	return r, nil
}

// Export attempts delivery through the primary sink with retries. When the
// circuit is open or all retries fail, the batch is buffered and, if a
// fallback sink is configured, delivered there. The returned error is nil
// whenever the spans ended up somewhere durable.
func (r *Resilient) Export(ctx context.Context, records []*tracepb.ResourceSpans) error {
	if len(records) == 0 {
		return nil
	}

	resilientExportsTotal.Inc()
	r.statsMu.Lock()
	r.stats.TotalExports++
	r.statsMu.Unlock()

	var attemptErr error
	if r.breaker.AllowRequest() {
		// The whole retry sequence shares one deadline so a caller without
		// a deadline of its own is still released within exportTimeout.
		exportCtx, cancel := context.WithTimeout(ctx, r.exportTimeout)
		attemptErr = r.exportWithRetry(exportCtx, records)
		cancel()
		if attemptErr == nil {
			r.breaker.RecordSuccess()
			r.recordSuccess()
			return nil
		}
		// One failure on the breaker per export call, no matter how many
		// attempts the backoff policy made inside it.
		r.noteBreakerFailure()
	} else {
		attemptErr = fmt.Errorf("circuit breaker open, skipping export")
		logging.Debug("primary export path unavailable", logging.F(
			"breaker_state", r.breaker.State().String(),
			"records", len(records),
		))
	}

	r.recordFailure()

	// Primary path failed. Buffer for the background retry loop first, then
	// try the fallback so the spans survive even a process crash.
	for _, rec := range records {
		r.buffer.Put(rec)
	}

	if r.fallback != nil {
		if err := r.fallback.Export(ctx, records); err != nil {
			logging.Error("fallback sink rejected batch", logging.F(
				"error", err.Error(),
				"records", len(records),
			))
		} else {
			fallbackUsageTotal.Inc()
			r.statsMu.Lock()
			r.stats.FallbackUsage++
			r.statsMu.Unlock()
			return nil
		}
	}

	return attemptErr
}

// exportWithRetry drives the primary sink through the backoff policy. Errors
// classified as permanent stop the retry loop immediately. The circuit
// breaker is not touched here; callers account one outcome per call.
func (r *Resilient) exportWithRetry(ctx context.Context, records []*tracepb.ResourceSpans) error {
	err := r.policy.Execute(ctx, func(ctx context.Context) error {
		attemptErr := r.primary.Export(ctx, records)
		if attemptErr == nil {
			return nil
		}

		var exportErr *ExportError
		if errors.As(attemptErr, &exportErr) && !exportErr.Retryable() {
			return backoff.Permanent(attemptErr)
		}
		return attemptErr
	})

	if err != nil {
		var exportErr *ExportError
		if errors.As(err, &exportErr) && !exportErr.Retryable() {
			logging.Warn("export failed with non-retryable error", logging.F(
				"error", err.Error(),
				"records", len(records),
			))
		}
	}
	return err
}

// noteBreakerFailure records a failure on the breaker and counts a trip when
// the failure is the one that opened the circuit.
func (r *Resilient) noteBreakerFailure() {
	before := r.breaker.State()
	r.breaker.RecordFailure()
	if before != breaker.StateOpen && r.breaker.State() == breaker.StateOpen {
		r.statsMu.Lock()
		r.stats.CircuitBreakerTrips++
		r.statsMu.Unlock()
	}
}

// retryLoop periodically drains the buffer and re-exports its contents
// through the circuit breaker. On failure everything is re-buffered.
func (r *Resilient) retryLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.retryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.retryBuffered()
		}
	}
}

// retryBuffered attempts one re-export of buffered spans.
func (r *Resilient) retryBuffered() {
	if r.buffer.Size() == 0 {
		return
	}
	if !r.breaker.AllowRequest() {
		return
	}

	records := r.buffer.GetAll(DefaultRetryBatchMaxAge)
	if len(records) == 0 {
		// The probe slot was claimed but expiry left nothing to send.
		r.breaker.CancelProbe()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.exportTimeout)
	defer cancel()

	err := r.exportWithRetry(ctx, records)
	if err != nil {
		r.noteBreakerFailure()
		for _, rec := range records {
			r.buffer.Put(rec)
		}

		errType := ErrorTypeUnknown
		var exportErr *ExportError
		if errors.As(err, &exportErr) {
			errType = exportErr.Type
		}
		resilientRetryFailureTotal.WithLabelValues(string(errType)).Inc()
		logging.Warn("buffered batch retry failed", logging.F(
			"error", err.Error(),
			"records", len(records),
			"buffer_size", r.buffer.Size(),
		))
		return
	}

	r.breaker.RecordSuccess()
	resilientRetrySuccessTotal.Inc()
	logging.Info("buffered batch re-exported", logging.F(
		"records", len(records),
	))
}

// cleanupLoop periodically discards buffered spans past the buffer's max age.
func (r *Resilient) cleanupLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			if removed := r.buffer.CleanupExpired(); removed > 0 {
				logging.Info("expired buffered spans discarded", logging.F(
					"removed", removed,
					"buffer_size", r.buffer.Size(),
					"max_age", r.buffer.MaxAge().String(),
				))
			}
		}
	}
}

// ForceFlush synchronously drains the buffer through the primary sink with
// retries, then flushes both sinks. Spans that still cannot be delivered are
// re-inserted. Background loops keep running.
func (r *Resilient) ForceFlush(ctx context.Context) error {
	var errs []error

	if r.buffer.Size() > 0 && r.breaker.AllowRequest() {
		pending := r.buffer.GetAll(0)
		if len(pending) == 0 {
			r.breaker.CancelProbe()
		} else if err := r.exportWithRetry(ctx, pending); err != nil {
			r.noteBreakerFailure()
			for _, rec := range pending {
				r.buffer.Put(rec)
			}
			errs = append(errs, fmt.Errorf("failed to flush buffered spans: %w", err))
		} else {
			r.breaker.RecordSuccess()
		}
	}

	if r.fallback != nil {
		if err := r.fallback.ForceFlush(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := r.primary.ForceFlush(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Shutdown stops the background loops, makes a best-effort attempt to deliver
// remaining buffered spans, and shuts down both sinks. Spans that cannot be
// delivered go to the fallback sink so nothing is silently dropped.
func (r *Resilient) Shutdown(ctx context.Context) error {
	r.stopOnce.Do(func() {
		close(r.stopCh)
	})
	r.wg.Wait()

	var errs []error

	if remaining := r.buffer.GetAll(0); len(remaining) > 0 {
		// Single attempt only, no retries; shutdown must not stall on a dead
		// backend.
		if err := r.primary.Export(ctx, remaining); err != nil {
			logging.Warn("final export of buffered spans failed", logging.F(
				"error", err.Error(),
				"records", len(remaining),
			))
			if r.fallback != nil {
				if ferr := r.fallback.Export(ctx, remaining); ferr != nil {
					errs = append(errs, fmt.Errorf("failed to drain buffer on shutdown: %w", ferr))
				}
			} else {
				errs = append(errs, err)
			}
		}
	}

	if r.fallback != nil {
		if err := r.fallback.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := r.primary.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// Metrics returns a snapshot of the exporter's counters.
func (r *Resilient) Metrics() Metrics {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()

	snapshot := r.stats
	snapshot.BufferSize = r.buffer.Size()
	return snapshot
}

func (r *Resilient) recordSuccess() {
	resilientExportsSuccessTotal.Inc()
	r.statsMu.Lock()
	r.stats.SuccessfulExports++
	r.stats.LastExportSuccess = time.Now()
	r.statsMu.Unlock()
}

func (r *Resilient) recordFailure() {
	resilientExportsFailedTotal.Inc()
	r.statsMu.Lock()
	r.stats.FailedExports++
	r.stats.LastExportFailure = time.Now()
	r.statsMu.Unlock()
}
