package cardinality

import (
	"sync"
	"sync/atomic"

	"github.com/szibis/trace-governor/internal/logging"
)

// Mode identifies the active implementation inside a HybridTracker.
type Mode int32

const (
	// ModeBloom indicates the tracker is using a Bloom filter.
	ModeBloom Mode = 0
	// ModeHLL indicates the tracker has degraded to HyperLogLog.
	ModeHLL Mode = 1
)

func (m Mode) String() string {
	switch m {
	case ModeBloom:
		return "bloom"
	case ModeHLL:
		return "hll"
	default:
		return "unknown"
	}
}

// HybridTracker starts as a Bloom filter and switches to HyperLogLog once
// the distinct count crosses threshold, trading membership testing for fixed
// memory under high-cardinality trace streams.
type HybridTracker struct {
	bloom     *BloomTracker
	hll       *HLLTracker
	mode      atomic.Int32
	threshold int64

	switchMu sync.Mutex
}

// NewHybridTracker creates a hybrid tracker. A threshold of zero disables
// switching and the tracker stays in Bloom mode.
func NewHybridTracker(cfg Config, threshold int64) *HybridTracker {
	t := &HybridTracker{
		bloom:     NewBloomTracker(cfg),
		hll:       NewHLLTracker(),
		threshold: threshold,
	}
	t.mode.Store(int32(ModeBloom))
	return t
}

// Mode returns the active tracking mode.
func (t *HybridTracker) Mode() Mode {
	return Mode(t.mode.Load())
}

// Observe adds the key, switching to HLL when the threshold is crossed.
func (t *HybridTracker) Observe(key []byte) bool {
	if t.Mode() == ModeHLL {
		return t.hll.Observe(key)
	}

	isNew := t.bloom.Observe(key)

	if t.threshold > 0 && t.bloom.Count() >= t.threshold {
		t.switchToHLL()
	}
	return isNew
}

// Seen tests membership; after the switch to HLL it always returns false.
func (t *HybridTracker) Seen(key []byte) bool {
	if t.Mode() == ModeHLL {
		return false
	}
	return t.bloom.Seen(key)
}

// Count returns the distinct count from the active tracker.
func (t *HybridTracker) Count() int64 {
	if t.Mode() == ModeHLL {
		return t.hll.Count()
	}
	return t.bloom.Count()
}

// Reset clears both trackers and returns to Bloom mode.
func (t *HybridTracker) Reset() {
	t.switchMu.Lock()
	defer t.switchMu.Unlock()

	t.bloom.Reset()
	t.hll.Reset()
	t.mode.Store(int32(ModeBloom))
}

// switchToHLL moves the tracker to HLL mode. The Bloom filter's contents are
// not carried over; the HLL picks up from the current count estimate being
// rebuilt, which is acceptable for windowed stats.
func (t *HybridTracker) switchToHLL() {
	t.switchMu.Lock()
	defer t.switchMu.Unlock()

	if Mode(t.mode.Load()) == ModeHLL {
		return
	}

	count := t.bloom.Count()
	t.mode.Store(int32(ModeHLL))

	logging.Info("cardinality tracker switched to hll", logging.F(
		"distinct_at_switch", count,
		"threshold", t.threshold,
	))
}
