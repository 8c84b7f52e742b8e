package breaker

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/szibis/trace-governor/internal/logging"
)

var (
	circuitState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "trace_governor_circuit_breaker_state",
		Help: "Current circuit breaker state (1 = active state): closed, open, half_open",
	}, []string{"state"})

	circuitOpenTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trace_governor_circuit_breaker_open_total",
		Help: "Total number of times the circuit breaker opened",
	})
)

func init() {
	prometheus.MustRegister(circuitState)
	prometheus.MustRegister(circuitOpenTotal)
	circuitOpenTotal.Add(0)
}

// State represents the circuit breaker state.
type State int32

const (
	// StateClosed means the circuit is operating normally.
	StateClosed State = iota
	// StateOpen means the circuit is open and requests are blocked.
	StateOpen
	// StateHalfOpen means the circuit is testing if the backend recovered.
	StateHalfOpen
)

// String returns the state name used in logs and metric labels.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

const (
	// DefaultFailureThreshold is the consecutive-failure count that opens the circuit.
	DefaultFailureThreshold = 5
	// DefaultRecoveryTimeout is the wait before an open circuit admits a probe.
	DefaultRecoveryTimeout = 60 * time.Second
)

// Breaker implements the circuit breaker pattern to stop hammering a failing
// export backend. Consecutive failures open the circuit; after the recovery
// timeout a single probe request is admitted (half-open). A successful probe
// closes the circuit, a failed one reopens it.
type Breaker struct {
	mu            sync.Mutex
	state         State
	failures      int
	lastFailure   time.Time
	probeInFlight bool

	failureThreshold int
	recoveryTimeout  time.Duration

	// now is replaceable in tests.
	now func() time.Time
}

// New creates a circuit breaker. Non-positive arguments fall back to defaults.
func New(failureThreshold int, recoveryTimeout time.Duration) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = DefaultFailureThreshold
	}
	if recoveryTimeout <= 0 {
		recoveryTimeout = DefaultRecoveryTimeout
	}
	b := &Breaker{
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		now:              time.Now,
	}
	setStateMetric(StateClosed)
	return b
}

// State returns the current circuit state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ConsecutiveFailures returns the current consecutive failure count.
func (b *Breaker) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// AllowRequest reports whether an export attempt may proceed. When the circuit
// is open and the recovery timeout has elapsed, the circuit transitions to
// half-open and the caller becomes the single admitted probe.
func (b *Breaker) AllowRequest() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.lastFailure) >= b.recoveryTimeout {
			b.state = StateHalfOpen
			b.probeInFlight = true
			setStateMetric(StateHalfOpen)
			logging.Info("circuit breaker transitioning to half-open", logging.F(
				"recovery_timeout", b.recoveryTimeout.String(),
			))
			return true
		}
		return false
	case StateHalfOpen:
		// One probe at a time. Everything else is rejected and buffered.
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	default:
		return true
	}
}

// RecordSuccess records a successful export. In half-open state it closes the
// circuit; in any state it resets the consecutive failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0

	if b.state == StateHalfOpen {
		b.state = StateClosed
		b.probeInFlight = false
		setStateMetric(StateClosed)
		logging.Info("circuit breaker closed after successful probe")
	}
}

// RecordFailure records a failed export. In half-open state it reopens the
// circuit immediately; in closed state it opens the circuit once the failure
// threshold is reached.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = b.now()

	switch b.state {
	case StateHalfOpen:
		b.state = StateOpen
		b.probeInFlight = false
		setStateMetric(StateOpen)
		circuitOpenTotal.Inc()
		logging.Warn("circuit breaker reopened after half-open failure", logging.F(
			"consecutive_failures", b.failures,
		))
	case StateClosed:
		if b.failures >= b.failureThreshold {
			b.state = StateOpen
			setStateMetric(StateOpen)
			circuitOpenTotal.Inc()
			logging.Warn("circuit breaker opened due to consecutive failures", logging.F(
				"consecutive_failures", b.failures,
				"threshold", b.failureThreshold,
				"recovery_timeout", b.recoveryTimeout.String(),
			))
		}
	}
}

// CancelProbe releases the half-open probe slot without recording an outcome.
// Callers use it when an admitted probe never produced an actual attempt, so
// the next caller can claim the probe instead of waiting forever.
func (b *Breaker) CancelProbe() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.probeInFlight = false
	}
}

// setStateMetric sets the active state gauge to 1 and all other states to 0.
func setStateMetric(active State) {
	for _, s := range []State{StateClosed, StateOpen, StateHalfOpen} {
		v := 0.0
		if s == active {
			v = 1.0
		}
		circuitState.WithLabelValues(s.String()).Set(v)
	}
}
