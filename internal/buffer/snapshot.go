package buffer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/protobuf/proto"
)

var (
	snapshotSavedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trace_governor_buffer_snapshot_saved_total",
		Help: "Total number of buffer snapshots written for crash recovery",
	})

	snapshotPrunedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trace_governor_buffer_snapshot_pruned_total",
		Help: "Total number of old snapshot files pruned",
	})
)

func init() {
	prometheus.MustRegister(snapshotSavedTotal)
	prometheus.MustRegister(snapshotPrunedTotal)
}

// Snapshot is a point-in-time copy of the buffer contents. Items hold
// proto-serialized span batches; Timestamps carry the per-item enqueue times
// in the same order.
type Snapshot struct {
	Timestamp  time.Time   `json:"timestamp"`
	Items      [][]byte    `json:"items"`
	Timestamps []time.Time `json:"timestamps"`
}

// SnapshotStore persists buffer snapshots. The buffer treats persistence as a
// pluggable detail: Save writes a new snapshot, Load returns the most recent
// one (nil when none exists), Discard removes the snapshot Load returned.
type SnapshotStore interface {
	Save(snap *Snapshot) error
	Load() (*Snapshot, error)
	Discard() error
}

const (
	snapshotPrefix = "buffer-backup-"
	snapshotSuffix = ".json"
	// maxSnapshotFiles is the retention cap, pruned oldest-first after each save.
	maxSnapshotFiles = 10
)

// FileStore keeps snapshots as timestamped JSON files in a directory.
type FileStore struct {
	mu     sync.Mutex
	dir    string
	loaded string // path returned by the last Load, removed by Discard
}

// NewFileStore creates the directory if needed and returns a file-based store.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Save writes a new timestamped snapshot file and prunes old files beyond the
// retention cap.
func (s *FileStore) Save(snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	name := fmt.Sprintf("%s%d%s", snapshotPrefix, snap.Timestamp.UnixNano(), snapshotSuffix)
	path := filepath.Join(s.dir, name)

	// Write-then-rename so a crash mid-write never leaves a truncated snapshot
	// as the newest file.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename snapshot: %w", err)
	}
	snapshotSavedTotal.Inc()

	s.pruneLocked()
	return nil
}

// Load returns the most recent snapshot, or nil when the directory holds none.
func (s *FileStore) Load() (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	files, err := s.listLocked()
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, nil
	}

	// listLocked sorts ascending by embedded timestamp; the last file is newest.
	path := files[len(files)-1]
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot %s: %w", filepath.Base(path), err)
	}

	s.loaded = path
	return &snap, nil
}

// Discard removes the snapshot file returned by the last Load.
func (s *FileStore) Discard() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loaded == "" {
		return nil
	}
	err := os.Remove(s.loaded)
	s.loaded = ""
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove snapshot: %w", err)
	}
	return nil
}

// listLocked returns snapshot file paths sorted ascending by name. Names embed
// UnixNano timestamps of equal width, so lexical order is chronological order.
func (s *FileStore) listLocked() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read snapshot dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, snapshotPrefix) || !strings.HasSuffix(name, snapshotSuffix) {
			continue
		}
		files = append(files, filepath.Join(s.dir, name))
	}
	sort.Strings(files)
	return files, nil
}

// pruneLocked removes the oldest files beyond the retention cap.
func (s *FileStore) pruneLocked() {
	files, err := s.listLocked()
	if err != nil || len(files) <= maxSnapshotFiles {
		return
	}
	for _, path := range files[:len(files)-maxSnapshotFiles] {
		if err := os.Remove(path); err == nil {
			snapshotPrunedTotal.Inc()
		}
	}
}

// marshalRecord serializes a span batch for snapshot storage.
func marshalRecord(record *tracepb.ResourceSpans) ([]byte, error) {
	return proto.Marshal(record)
}

// unmarshalRecord restores a span batch from snapshot storage.
func unmarshalRecord(data []byte) (*tracepb.ResourceSpans, error) {
	var record tracepb.ResourceSpans
	if err := proto.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return &record, nil
}
