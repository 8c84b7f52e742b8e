package buffer

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/szibis/trace-governor/internal/logging"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
)

var (
	bufferSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "trace_governor_buffer_size",
		Help: "Current number of spans batches held in the local retry buffer",
	})

	bufferEvictedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trace_governor_buffer_evicted_total",
		Help: "Total number of oldest entries evicted on buffer overflow",
	})

	bufferExpiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trace_governor_buffer_expired_total",
		Help: "Total number of entries discarded because they exceeded max age",
	})

	bufferRestoredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trace_governor_buffer_restored_total",
		Help: "Total number of entries restored from a crash-recovery snapshot",
	})
)

func init() {
	prometheus.MustRegister(bufferSize)
	prometheus.MustRegister(bufferEvictedTotal)
	prometheus.MustRegister(bufferExpiredTotal)
	prometheus.MustRegister(bufferRestoredTotal)
	bufferSize.Set(0)
}

const (
	// DefaultMaxSize is the maximum number of buffered entries.
	DefaultMaxSize = 10000
	// DefaultMaxAge is the instance-level TTL for buffered entries.
	DefaultMaxAge = 5 * time.Minute
	// DefaultSnapshotEvery controls how often Put snapshots the buffer contents.
	DefaultSnapshotEvery = 100
)

// Item is a buffered span batch together with its enqueue time.
// Items are owned exclusively by the buffer and never shared.
type Item struct {
	Record     *tracepb.ResourceSpans
	EnqueuedAt time.Time
}

// Config holds the local buffer configuration.
type Config struct {
	// MaxSize is the maximum number of entries (default: 10000).
	MaxSize int
	// MaxAge is the TTL for buffered entries (default: 5m).
	MaxAge time.Duration
	// SnapshotEvery snapshots the buffer contents every Nth Put (default: 100).
	SnapshotEvery int
	// Store persists snapshots for crash recovery. Nil disables persistence.
	Store SnapshotStore
}

// Buffer is a bounded, age-aware FIFO holding span batches that could not be
// exported immediately. A full buffer evicts the oldest entry instead of
// rejecting the newest one. Optionally, contents are snapshotted to a
// SnapshotStore every Nth Put so a crashed process can recover recent data.
type Buffer struct {
	mu       sync.Mutex
	items    []Item
	maxSize  int
	maxAge   time.Duration
	every    int
	putCount int
	store    SnapshotStore

	// now is replaceable in tests.
	now func() time.Time
}

// New creates a local buffer and restores the most recent snapshot if the
// store holds one that is still within MaxAge. A successfully loaded snapshot
// is deleted from the store (single-use recovery).
func New(cfg Config) *Buffer {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if cfg.SnapshotEvery <= 0 {
		cfg.SnapshotEvery = DefaultSnapshotEvery
	}

	b := &Buffer{
		items:   make([]Item, 0, cfg.MaxSize),
		maxSize: cfg.MaxSize,
		maxAge:  cfg.MaxAge,
		every:   cfg.SnapshotEvery,
		store:   cfg.Store,
		now:     time.Now,
	}
	b.restore()
	return b
}

// Put appends a record to the buffer, evicting the single oldest entry when
// the buffer is full. It returns false only on unrecoverable internal error;
// a full buffer is not an error.
func (b *Buffer) Put(record *tracepb.ResourceSpans) bool {
	if record == nil {
		return true
	}

	b.mu.Lock()

	if len(b.items) >= b.maxSize {
		b.items = b.items[1:]
		bufferEvictedTotal.Inc()
		logging.Warn("buffer full, evicted oldest entry", logging.F(
			"max_size", b.maxSize,
		))
	}

	b.items = append(b.items, Item{Record: record, EnqueuedAt: b.now()})
	b.putCount++
	size := len(b.items)
	snapshotDue := b.store != nil && b.putCount%b.every == 0

	var snap *Snapshot
	if snapshotDue {
		snap = b.snapshotLocked()
	}
	b.mu.Unlock()

	bufferSize.Set(float64(size))

	// Persistence happens outside the lock; a failed snapshot degrades crash
	// recovery but never fails the Put.
	if snap != nil {
		if err := b.store.Save(snap); err != nil {
			logging.Warn("buffer snapshot failed", logging.F(
				"error", err.Error(),
				"entries", len(snap.Items),
			))
		}
	}
	return true
}

// GetAll atomically drains the entire buffer. When maxAge > 0, entries older
// than maxAge are permanently discarded instead of returned; callers that want
// to keep undelivered fresh entries must re-insert them via Put.
func (b *Buffer) GetAll(maxAge time.Duration) []*tracepb.ResourceSpans {
	b.mu.Lock()
	items := b.items
	b.items = make([]Item, 0, b.maxSize)
	b.mu.Unlock()

	bufferSize.Set(0)

	if len(items) == 0 {
		return nil
	}

	records := make([]*tracepb.ResourceSpans, 0, len(items))
	expired := 0
	cutoff := b.now().Add(-maxAge)
	for _, item := range items {
		if maxAge > 0 && item.EnqueuedAt.Before(cutoff) {
			expired++
			continue
		}
		records = append(records, item.Record)
	}

	if expired > 0 {
		bufferExpiredTotal.Add(float64(expired))
		logging.Warn("discarded expired entries during drain", logging.F(
			"expired", expired,
			"max_age", maxAge.String(),
		))
	}
	return records
}

// CleanupExpired removes entries older than the buffer's MaxAge without
// disturbing the rest, and returns the number removed. Calling it twice with
// no intervening inserts is a no-op the second time.
func (b *Buffer) CleanupExpired() int {
	b.mu.Lock()

	cutoff := b.now().Add(-b.maxAge)
	kept := b.items[:0]
	removed := 0
	for _, item := range b.items {
		if item.EnqueuedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, item)
	}
	b.items = kept
	size := len(b.items)
	b.mu.Unlock()

	if removed > 0 {
		bufferExpiredTotal.Add(float64(removed))
	}
	bufferSize.Set(float64(size))
	return removed
}

// Size returns the number of buffered entries.
func (b *Buffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// MaxAge returns the instance-level TTL.
func (b *Buffer) MaxAge() time.Duration {
	return b.maxAge
}

// snapshotLocked builds a snapshot of the current contents. Caller holds b.mu.
func (b *Buffer) snapshotLocked() *Snapshot {
	snap := &Snapshot{Timestamp: b.now()}
	for _, item := range b.items {
		data, err := marshalRecord(item.Record)
		if err != nil {
			// Skip unmarshalable entries rather than failing the snapshot.
			continue
		}
		snap.Items = append(snap.Items, data)
		snap.Timestamps = append(snap.Timestamps, item.EnqueuedAt)
	}
	return snap
}

// restore loads the most recent snapshot from the store, if it is fresher
// than MaxAge, and deletes it afterwards.
func (b *Buffer) restore() {
	if b.store == nil {
		return
	}

	snap, err := b.store.Load()
	if err != nil {
		logging.Warn("buffer snapshot load failed", logging.F("error", err.Error()))
		return
	}
	if snap == nil {
		return
	}

	if b.now().Sub(snap.Timestamp) > b.maxAge {
		logging.Info("discarding stale buffer snapshot", logging.F(
			"snapshot_age", b.now().Sub(snap.Timestamp).String(),
			"max_age", b.maxAge.String(),
		))
		if err := b.store.Discard(); err != nil {
			logging.Warn("failed to discard stale snapshot", logging.F("error", err.Error()))
		}
		return
	}

	restored := 0
	for i, data := range snap.Items {
		record, err := unmarshalRecord(data)
		if err != nil {
			continue
		}
		enqueued := snap.Timestamp
		if i < len(snap.Timestamps) {
			enqueued = snap.Timestamps[i]
		}
		if len(b.items) >= b.maxSize {
			break
		}
		b.items = append(b.items, Item{Record: record, EnqueuedAt: enqueued})
		restored++
	}

	if err := b.store.Discard(); err != nil {
		logging.Warn("failed to remove consumed snapshot", logging.F("error", err.Error()))
	}

	if restored > 0 {
		bufferRestoredTotal.Add(float64(restored))
		bufferSize.Set(float64(len(b.items)))
		logging.Info("restored buffer contents from snapshot", logging.F(
			"entries", restored,
			"snapshot_time", snap.Timestamp.UTC().Format(time.RFC3339),
		))
	}
}
