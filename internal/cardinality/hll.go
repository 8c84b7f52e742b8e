package cardinality

import (
	"sync"

	"github.com/axiomhq/hyperloglog"
)

// HLLTracker estimates distinct trace IDs with HyperLogLog in fixed memory
// (~12KB at precision 14). HLL cannot test membership, so Seen always
// returns false.
type HLLTracker struct {
	mu     sync.Mutex
	sketch *hyperloglog.Sketch
}

// NewHLLTracker creates a HyperLogLog tracker.
func NewHLLTracker() *HLLTracker {
	return &HLLTracker{sketch: hyperloglog.New()}
}

// Observe inserts the key. Always reports true since HLL cannot tell whether
// the key was new.
func (t *HLLTracker) Observe(key []byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sketch.Insert(key)
	return true
}

// Seen always returns false; HLL does not support membership testing.
func (t *HLLTracker) Seen(_ []byte) bool {
	return false
}

// Count returns the estimated distinct count. Takes the full lock because
// Estimate may convert the sketch from sparse to dense representation.
func (t *HLLTracker) Count() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return int64(t.sketch.Estimate())
}

// Reset replaces the sketch for a new window.
func (t *HLLTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sketch = hyperloglog.New()
}
