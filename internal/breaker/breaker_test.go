package breaker

import (
	"sync"
	"testing"
	"time"
)

// fakeClock lets tests advance time without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker(threshold int, recovery time.Duration) (*Breaker, *fakeClock) {
	b := New(threshold, recovery)
	clock := newFakeClock()
	b.now = clock.Now
	return b, clock
}

func TestClosedAllowsRequests(t *testing.T) {
	b, _ := newTestBreaker(3, 10*time.Second)
	for i := 0; i < 100; i++ {
		if !b.AllowRequest() {
			t.Fatalf("closed breaker rejected request %d", i)
		}
	}
}

func TestOpensExactlyAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(5, 10*time.Second)

	for i := 0; i < 4; i++ {
		b.RecordFailure()
		if b.State() != StateClosed {
			t.Fatalf("breaker opened after %d failures, threshold is 5", i+1)
		}
	}

	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatal("breaker did not open at threshold")
	}
	if b.AllowRequest() {
		t.Error("open breaker allowed a request")
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(3, 10*time.Second)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()

	if got := b.ConsecutiveFailures(); got != 0 {
		t.Errorf("ConsecutiveFailures = %d after success, expected 0", got)
	}

	// Two more failures must not open (count was reset).
	b.RecordFailure()
	b.RecordFailure()
	if b.State() != StateClosed {
		t.Error("breaker opened despite failure count reset")
	}
}

func TestRecoveryTimeoutAdmitsSingleProbe(t *testing.T) {
	b, clock := newTestBreaker(1, 10*time.Second)

	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatal("breaker did not open")
	}
	if b.AllowRequest() {
		t.Fatal("open breaker allowed request before recovery timeout")
	}

	clock.Advance(10 * time.Second)

	if !b.AllowRequest() {
		t.Fatal("breaker did not admit probe after recovery timeout")
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %s after probe admission, expected half_open", b.State())
	}

	// Only one probe is admitted while the first is in flight.
	if b.AllowRequest() {
		t.Error("half-open breaker admitted a second concurrent probe")
	}
}

func TestCancelProbeReleasesSlot(t *testing.T) {
	b, clock := newTestBreaker(1, 10*time.Second)

	b.RecordFailure()
	clock.Advance(10 * time.Second)

	if !b.AllowRequest() {
		t.Fatal("breaker did not admit probe after recovery timeout")
	}
	if b.AllowRequest() {
		t.Fatal("half-open breaker admitted a second concurrent probe")
	}

	b.CancelProbe()

	if b.State() != StateHalfOpen {
		t.Fatalf("state = %s after cancel, expected half_open", b.State())
	}
	if !b.AllowRequest() {
		t.Error("breaker did not admit a new probe after cancel")
	}
}

// Scenario: threshold=3, recovery=10s. Three failures open the circuit,
// the probe after 10s transitions to half-open, a failed probe reopens,
// a successful probe closes with count reset.
func TestFullStateMachineScenario(t *testing.T) {
	b, clock := newTestBreaker(3, 10*time.Second)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("state = %s after 3 failures, expected open", b.State())
	}

	if b.AllowRequest() {
		t.Fatal("allow immediately after opening should be false")
	}

	clock.Advance(10 * time.Second)
	if !b.AllowRequest() {
		t.Fatal("allow after recovery timeout should be true")
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %s, expected half_open", b.State())
	}

	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("state = %s after half-open failure, expected open", b.State())
	}

	clock.Advance(10 * time.Second)
	if !b.AllowRequest() {
		t.Fatal("allow after second recovery timeout should be true")
	}
	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Fatalf("state = %s after half-open success, expected closed", b.State())
	}
	if got := b.ConsecutiveFailures(); got != 0 {
		t.Errorf("ConsecutiveFailures = %d after close, expected 0", got)
	}
}

func TestDefaults(t *testing.T) {
	b := New(0, 0)
	if b.failureThreshold != DefaultFailureThreshold {
		t.Errorf("failureThreshold = %d, expected %d", b.failureThreshold, DefaultFailureThreshold)
	}
	if b.recoveryTimeout != DefaultRecoveryTimeout {
		t.Errorf("recoveryTimeout = %s, expected %s", b.recoveryTimeout, DefaultRecoveryTimeout)
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half_open",
		State(99):     "unknown",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %s, expected %s", state, got, want)
		}
	}
}

func TestConcurrentAccess(t *testing.T) {
	b, clock := newTestBreaker(10, time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				switch j % 3 {
				case 0:
					b.AllowRequest()
				case 1:
					b.RecordFailure()
				case 2:
					b.RecordSuccess()
				}
				if j%100 == 0 {
					clock.Advance(time.Millisecond)
				}
			}
		}(i)
	}
	wg.Wait()

	// State must be one of the three valid states after the storm.
	switch b.State() {
	case StateClosed, StateOpen, StateHalfOpen:
	default:
		t.Errorf("invalid state after concurrent access: %d", b.State())
	}
}
