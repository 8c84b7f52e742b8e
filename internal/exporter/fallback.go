package exporter

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/szibis/trace-governor/internal/compression"
	"github.com/szibis/trace-governor/internal/logging"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/protobuf/encoding/protojson"
)

// DefaultFallbackFlushThreshold is the number of accumulated records that
// triggers a file flush.
const DefaultFallbackFlushThreshold = 100

// FallbackConfig holds the file fallback sink configuration.
type FallbackConfig struct {
	// Dir is the directory fallback batch files are written to.
	Dir string
	// FlushThreshold is the record count that triggers a flush (default: 100).
	FlushThreshold int
	// Compression optionally compresses batch files on disk.
	Compression compression.Config
}

// fallbackEnvelope is the on-disk batch format. Records are OTLP JSON so the
// files can be replayed with standard tooling.
type fallbackEnvelope struct {
	ExportTimestamp time.Time         `json:"export_timestamp"`
	RecordCount     int               `json:"record_count"`
	Records         []json.RawMessage `json:"records"`
}

// FallbackSink writes trace batches to local files when the network path is
// unavailable. Records accumulate in memory and are flushed as one file per
// threshold crossing, so a burst of small batches does not produce a burst of
// small files.
type FallbackSink struct {
	mu        sync.Mutex
	dir       string
	threshold int
	comp      compression.Config
	pending   []json.RawMessage
	now       func() time.Time
}

// NewFallbackSink creates a FallbackSink writing under cfg.Dir, creating the
// directory if needed.
func NewFallbackSink(cfg FallbackConfig) (*FallbackSink, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("fallback directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create fallback directory: %w", err)
	}
	threshold := cfg.FlushThreshold
	if threshold <= 0 {
		threshold = DefaultFallbackFlushThreshold
	}
	return &FallbackSink{
		dir:       cfg.Dir,
		threshold: threshold,
		comp:      cfg.Compression,
		now:       time.Now,
	}, nil
}

// Export appends the records to the pending batch and flushes to disk once
// the threshold is reached. The write itself is the delivery; there is no
// network involved, so errors here mean the local disk is failing too.
func (f *FallbackSink) Export(_ context.Context, records []*tracepb.ResourceSpans) error {
	if len(records) == 0 {
		return nil
	}

	encoded := make([]json.RawMessage, 0, len(records))
	for _, rs := range records {
		if rs == nil {
			continue
		}
		data, err := protojson.Marshal(rs)
		if err != nil {
			return fmt.Errorf("failed to encode record: %w", err)
		}
		encoded = append(encoded, json.RawMessage(data))
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.pending = append(f.pending, encoded...)
	if len(f.pending) >= f.threshold {
		return f.flushLocked()
	}
	return nil
}

// ForceFlush writes any pending records to disk immediately.
func (f *FallbackSink) ForceFlush(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flushLocked()
}

// Shutdown flushes pending records and stops the sink.
func (f *FallbackSink) Shutdown(ctx context.Context) error {
	return f.ForceFlush(ctx)
}

// Pending returns the number of records waiting for the next flush.
func (f *FallbackSink) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

// flushLocked writes the pending records as a single batch file.
// Caller must hold f.mu.
func (f *FallbackSink) flushLocked() error {
	if len(f.pending) == 0 {
		return nil
	}

	envelope := fallbackEnvelope{
		ExportTimestamp: f.now().UTC(),
		RecordCount:     len(f.pending),
		Records:         f.pending,
	}

	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to encode fallback batch: %w", err)
	}

	ext := ".json"
	if f.comp.Type != "" && f.comp.Type != compression.TypeNone {
		data, err = compression.Compress(data, f.comp)
		if err != nil {
			return fmt.Errorf("failed to compress fallback batch: %w", err)
		}
		ext = ".json." + string(f.comp.Type)
	}

	name := fmt.Sprintf("traces-%s-%s%s", envelope.ExportTimestamp.Format("20060102T150405"), uuid.NewString(), ext)
	path := filepath.Join(f.dir, name)

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write fallback batch: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to finalize fallback batch: %w", err)
	}

	fallbackFilesTotal.Inc()
	logging.Info("fallback batch written", logging.F(
		"file", name,
		"records", envelope.RecordCount,
	))

	f.pending = nil
	return nil
}
