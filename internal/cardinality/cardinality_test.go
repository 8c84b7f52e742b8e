package cardinality

import (
	"fmt"
	"testing"
)

func TestExactTracker(t *testing.T) {
	tr := NewExactTracker()

	if !tr.Observe([]byte("trace-1")) {
		t.Error("first observation should be new")
	}
	if tr.Observe([]byte("trace-1")) {
		t.Error("second observation should not be new")
	}
	if !tr.Observe([]byte("trace-2")) {
		t.Error("distinct key should be new")
	}

	if tr.Count() != 2 {
		t.Errorf("Count() = %d, want 2", tr.Count())
	}
	if !tr.Seen([]byte("trace-1")) {
		t.Error("Seen should find observed key")
	}
	if tr.Seen([]byte("trace-3")) {
		t.Error("Seen should not find unobserved key")
	}

	tr.Reset()
	if tr.Count() != 0 {
		t.Errorf("Count() = %d after reset, want 0", tr.Count())
	}
}

func TestBloomTracker(t *testing.T) {
	tr := NewBloomTracker(Config{ExpectedItems: 1000, FalsePositiveRate: 0.001})

	for i := 0; i < 100; i++ {
		tr.Observe([]byte(fmt.Sprintf("trace-%d", i)))
	}

	count := tr.Count()
	if count < 95 || count > 100 {
		t.Errorf("Count() = %d, want close to 100", count)
	}
	if !tr.Seen([]byte("trace-0")) {
		t.Error("Seen should find observed key")
	}

	tr.Reset()
	if tr.Count() != 0 {
		t.Errorf("Count() = %d after reset, want 0", tr.Count())
	}
	if tr.Seen([]byte("trace-0")) {
		t.Error("Seen found key after reset")
	}
}

func TestHLLTrackerEstimate(t *testing.T) {
	tr := NewHLLTracker()

	const n = 10000
	for i := 0; i < n; i++ {
		tr.Observe([]byte(fmt.Sprintf("trace-%d", i)))
	}

	count := tr.Count()
	// HLL at default precision should be within a few percent.
	if count < n*95/100 || count > n*105/100 {
		t.Errorf("Count() = %d, want within 5%% of %d", count, n)
	}

	if tr.Seen([]byte("trace-0")) {
		t.Error("HLL Seen should always be false")
	}

	tr.Reset()
	if tr.Count() != 0 {
		t.Errorf("Count() = %d after reset, want 0", tr.Count())
	}
}

func TestHybridSwitchesAtThreshold(t *testing.T) {
	tr := NewHybridTracker(Config{ExpectedItems: 10000, FalsePositiveRate: 0.001}, 50)

	if tr.Mode() != ModeBloom {
		t.Fatalf("initial mode = %s, want bloom", tr.Mode())
	}

	for i := 0; i < 100; i++ {
		tr.Observe([]byte(fmt.Sprintf("trace-%d", i)))
	}

	if tr.Mode() != ModeHLL {
		t.Fatalf("mode = %s after crossing threshold, want hll", tr.Mode())
	}
	if tr.Seen([]byte("trace-0")) {
		t.Error("Seen should be false in hll mode")
	}

	tr.Reset()
	if tr.Mode() != ModeBloom {
		t.Errorf("mode = %s after reset, want bloom", tr.Mode())
	}
}

func TestHybridZeroThresholdStaysBloom(t *testing.T) {
	tr := NewHybridTracker(Config{ExpectedItems: 1000, FalsePositiveRate: 0.01}, 0)

	for i := 0; i < 500; i++ {
		tr.Observe([]byte(fmt.Sprintf("trace-%d", i)))
	}
	if tr.Mode() != ModeBloom {
		t.Errorf("mode = %s with zero threshold, want bloom", tr.Mode())
	}
}

func TestModeString(t *testing.T) {
	if ModeBloom.String() != "bloom" || ModeHLL.String() != "hll" {
		t.Error("unexpected mode names")
	}
	if Mode(42).String() != "unknown" {
		t.Error("unexpected name for invalid mode")
	}
}
