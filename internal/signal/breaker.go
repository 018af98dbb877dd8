package signal

import (
	"sync/atomic"
	"time"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int32

const (
	CircuitClosed   CircuitState = iota // healthy
	CircuitOpen                         // rejecting calls
	CircuitHalfOpen                     // one probe call allowed
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

const (
	failureThreshold = 3 // consecutive failures before opening
	openCooldown     = 30 * time.Second
)

// circuitBreaker tracks engine health across calls.
type circuitBreaker struct {
	state    atomic.Int32 // CircuitState
	failures atomic.Int32
	openedAt atomic.Int64 // unix nanos
	now      func() time.Time
}

func newCircuitBreaker(now func() time.Time) *circuitBreaker {
	cb := &circuitBreaker{now: now}
	cb.state.Store(int32(CircuitClosed))
	return cb
}

// State returns the current circuit state.
func (cb *circuitBreaker) State() CircuitState {
	return CircuitState(cb.state.Load())
}

// Allow reports whether a call may proceed. After the cooldown an open
// circuit lets exactly one probe through.
func (cb *circuitBreaker) Allow() bool {
	switch cb.State() {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if cb.now().UnixNano()-cb.openedAt.Load() < int64(openCooldown) {
			return false
		}
		return cb.state.CompareAndSwap(int32(CircuitOpen), int32(CircuitHalfOpen))
	default:
		return false
	}
}

// RecordSuccess resets failures and closes the circuit.
func (cb *circuitBreaker) RecordSuccess() {
	cb.failures.Store(0)
	cb.state.Store(int32(CircuitClosed))
}

// RecordFailure increments failures; opens the circuit after threshold or
// when a half-open probe fails.
func (cb *circuitBreaker) RecordFailure() CircuitState {
	n := cb.failures.Add(1)
	if n >= int32(failureThreshold) || cb.State() == CircuitHalfOpen {
		cb.openedAt.Store(cb.now().UnixNano())
		cb.state.Store(int32(CircuitOpen))
	}
	return cb.State()
}

// ReleaseProbe returns a half-open circuit to open without counting a
// failure. It is used when the probe call was abandoned by its caller, so
// the next call after the cooldown probes again.
func (cb *circuitBreaker) ReleaseProbe() {
	cb.state.CompareAndSwap(int32(CircuitHalfOpen), int32(CircuitOpen))
}
