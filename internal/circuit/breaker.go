// Package circuit provides circuit breaker functionality for remote portal
// operations. It prevents polling loops from hammering a degraded backend
// by temporarily skipping calls after repeated failures.
package circuit

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/consultahub/portal-client-go/internal/metrics"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed means the circuit is operating normally
	StateClosed State = iota
	// StateOpen means the circuit is tripped and calls are skipped
	StateOpen
	// StateHalfOpen means the circuit is testing if the backend has recovered
	StateHalfOpen
)

// String returns the state as a string
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config configures the circuit breaker behavior
type Config struct {
	// FailureThreshold is the number of consecutive failures before opening
	FailureThreshold int
	// Cooldown is how long the circuit stays open before a half-open probe
	Cooldown time.Duration
	// Now returns the current time; injectable for tests
	Now func() time.Time
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 4,
		Cooldown:         120 * time.Second,
	}
}

// Breaker implements the circuit breaker pattern for one named operation.
//
// All state transitions happen under the mutex, in the same synchronous step
// as the check that triggered them, so two concurrent callers can never
// observe the counter and the state disagreeing.
type Breaker struct {
	mu sync.Mutex

	config Config
	state  State
	name   string
	now    func() time.Time

	consecutiveFailures   int
	reopenAt              time.Time
	halfOpenProbeInFlight bool
	lastError             error

	totalFailures  int64
	totalSuccesses int64
	totalTrips     int64
	totalSkips     int64
}

// NewBreaker creates a new circuit breaker with the given configuration
func NewBreaker(name string, config Config) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 4
	}
	if config.Cooldown <= 0 {
		config.Cooldown = 120 * time.Second
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}

	return &Breaker{
		config: config,
		state:  StateClosed,
		name:   name,
		now:    now,
	}
}

// Allow checks if an operation should be attempted.
// May transition open -> half-open when the cooldown has elapsed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.allowLocked()
}

func (b *Breaker) allowLocked() bool {
	switch b.state {
	case StateClosed:
		return true

	case StateOpen:
		if !b.now().Before(b.reopenAt) {
			b.state = StateHalfOpen
			b.halfOpenProbeInFlight = true
			log.Info().
				Str("breaker", b.name).
				Str("state", "half-open").
				Msg("Circuit breaker transitioning to half-open for probe")
			return true
		}
		b.totalSkips++
		metrics.BreakerSkips.WithLabelValues(b.name).Inc()
		return false

	case StateHalfOpen:
		// Only one probe at a time
		if b.halfOpenProbeInFlight {
			b.totalSkips++
			metrics.BreakerSkips.WithLabelValues(b.name).Inc()
			return false
		}
		b.halfOpenProbeInFlight = true
		return true

	default:
		return true
	}
}

// RecordSuccess records a successful operation. Any success resets the
// consecutive-failure counter; a success while half-open closes the circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0
	b.totalSuccesses++

	if b.state == StateHalfOpen {
		b.halfOpenProbeInFlight = false
		b.state = StateClosed
		log.Info().
			Str("breaker", b.name).
			Str("state", "closed").
			Msg("Circuit breaker recovered and closed")
	}
}

// RecordFailure records a failed operation
func (b *Breaker) RecordFailure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastError = err
	b.totalFailures++

	switch b.state {
	case StateClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.config.FailureThreshold {
			b.trip(err)
		}

	case StateHalfOpen:
		// The probe failed; reopen and restart the cooldown
		b.halfOpenProbeInFlight = false
		b.consecutiveFailures++
		b.trip(err)
	}
}

func (b *Breaker) trip(err error) {
	b.state = StateOpen
	b.reopenAt = b.now().Add(b.config.Cooldown)
	b.halfOpenProbeInFlight = false
	b.totalTrips++
	metrics.BreakerTrips.WithLabelValues(b.name).Inc()

	log.Warn().
		Str("breaker", b.name).
		Dur("cooldown", b.config.Cooldown).
		Int("failures", b.consecutiveFailures).
		Err(err).
		Msg("Circuit breaker tripped")
}

// Reset resets the circuit breaker to closed state
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateClosed
	b.consecutiveFailures = 0
	b.halfOpenProbeInFlight = false
	b.lastError = nil
}

// State returns the current state of the circuit breaker
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Result is the outcome of an Execute call. Skipped is true when the breaker
// was open and no network attempt was made; Err then carries the breaker-open
// sentinel so polling loops can tell a skip apart from a real failure.
type Result struct {
	Skipped bool
	Err     error
}

// ErrCircuitOpen is returned when an operation is blocked by an open circuit
type circuitOpenError struct{}

func (e circuitOpenError) Error() string {
	return "circuit breaker is open"
}

// ErrCircuitOpen is the sentinel carried by skipped results.
var ErrCircuitOpen error = circuitOpenError{}

// IsCircuitOpen checks if an error is a circuit open error
func IsCircuitOpen(err error) bool {
	_, ok := err.(circuitOpenError)
	return ok
}

// Execute wraps an operation with circuit breaker logic. It never panics and
// never surfaces a breaker skip as a thrown failure: callers always get a
// Result describing what happened.
func (b *Breaker) Execute(operation func() error) Result {
	if !b.Allow() {
		return Result{Skipped: true, Err: ErrCircuitOpen}
	}

	err := operation()
	if err != nil {
		b.RecordFailure(err)
		return Result{Err: err}
	}

	b.RecordSuccess()
	return Result{}
}

// Status returns a summary of the circuit breaker's current status
type Status struct {
	Name                string        `json:"name"`
	State               string        `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastError           string        `json:"last_error,omitempty"`
	TotalFailures       int64         `json:"total_failures"`
	TotalSuccesses      int64         `json:"total_successes"`
	TotalTrips          int64         `json:"total_trips"`
	TotalSkips          int64         `json:"total_skips"`
	TimeUntilRetry      time.Duration `json:"time_until_retry_ms,omitempty"`
}

// GetStatus returns the current status of the circuit breaker
func (b *Breaker) GetStatus() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	status := Status{
		Name:                b.name,
		State:               b.state.String(),
		ConsecutiveFailures: b.consecutiveFailures,
		TotalFailures:       b.totalFailures,
		TotalSuccesses:      b.totalSuccesses,
		TotalTrips:          b.totalTrips,
		TotalSkips:          b.totalSkips,
	}

	if b.lastError != nil {
		status.LastError = b.lastError.Error()
	}

	if b.state == StateOpen {
		retryIn := b.reopenAt.Sub(b.now())
		if retryIn > 0 {
			status.TimeUntilRetry = retryIn
		}
	}

	return status
}
