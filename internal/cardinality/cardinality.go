// Package cardinality tracks distinct trace IDs with bounded memory.
// Low-volume services get a Bloom filter with membership testing; once the
// distinct count crosses a threshold the tracker degrades to HyperLogLog,
// which estimates cardinality in ~12KB regardless of volume.
package cardinality

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

// Tracker counts distinct keys, exactly or approximately.
type Tracker interface {
	// Observe adds a key and reports whether it was new. Probabilistic
	// implementations may report false for a genuinely new key.
	Observe(key []byte) bool

	// Seen tests membership without adding. Implementations without
	// membership support always return false.
	Seen(key []byte) bool

	// Count returns the number of distinct keys observed.
	Count() int64

	// Reset clears the tracker for a new window.
	Reset()
}

// Config holds sizing parameters for the Bloom-based tracker.
type Config struct {
	// ExpectedItems sizes the Bloom filter.
	ExpectedItems uint
	// FalsePositiveRate is the acceptable false positive rate.
	FalsePositiveRate float64
}

// DefaultConfig returns sizing suitable for a mid-size trace stream.
func DefaultConfig() Config {
	return Config{
		ExpectedItems:     1_000_000,
		FalsePositiveRate: 0.01,
	}
}

// BloomTracker tracks distinct trace IDs with a Bloom filter and a manual
// counter, since Bloom filters cannot estimate cardinality themselves.
type BloomTracker struct {
	mu     sync.RWMutex
	filter *bloom.BloomFilter
	count  int64
}

// NewBloomTracker creates a Bloom filter tracker sized by cfg.
func NewBloomTracker(cfg Config) *BloomTracker {
	if cfg.ExpectedItems == 0 {
		cfg = DefaultConfig()
	}
	return &BloomTracker{
		filter: bloom.NewWithEstimates(cfg.ExpectedItems, cfg.FalsePositiveRate),
	}
}

// Observe adds the key if it looks new. A false positive in the filter makes
// Observe return false for a genuinely new key about FPR% of the time.
func (t *BloomTracker) Observe(key []byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.filter.Test(key) {
		return false
	}
	t.filter.Add(key)
	t.count++
	return true
}

// Seen tests membership without adding.
func (t *BloomTracker) Seen(key []byte) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.filter.Test(key)
}

// Count returns the number of distinct keys observed. May slightly
// undercount because of false positives on Observe.
func (t *BloomTracker) Count() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.count
}

// Reset clears the filter and counter.
func (t *BloomTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.filter.ClearAll()
	t.count = 0
}

// ExactTracker keeps every key in a map. Exact, but memory grows with
// cardinality; intended for tests and low-volume deployments.
type ExactTracker struct {
	mu    sync.RWMutex
	items map[string]struct{}
}

// NewExactTracker creates an exact map-based tracker.
func NewExactTracker() *ExactTracker {
	return &ExactTracker{items: make(map[string]struct{})}
}

// Observe adds the key and reports whether it was new.
func (t *ExactTracker) Observe(key []byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := string(key)
	if _, ok := t.items[k]; ok {
		return false
	}
	t.items[k] = struct{}{}
	return true
}

// Seen tests membership without adding.
func (t *ExactTracker) Seen(key []byte) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.items[string(key)]
	return ok
}

// Count returns the exact number of distinct keys observed.
func (t *ExactTracker) Count() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return int64(len(t.items))
}

// Reset clears the tracker.
func (t *ExactTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.items = make(map[string]struct{})
}
