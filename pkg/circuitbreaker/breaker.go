// Package circuitbreaker protects callers from unhealthy tool servers. Each
// server gets one breaker with the CLOSED/OPEN/HALF_OPEN state machine; while
// OPEN, calls fail fast without touching the server.
package circuitbreaker

import (
	"fmt"
	"sync"
	"time"

	"github.com/mudler/xlog"

	"github.com/semanticarchitectures/multi-agent-collab/core/types"
)

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config tunes a breaker.
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	RecoveryTimeout  time.Duration
	CallTimeout      time.Duration
}

// DefaultConfig opens after 5 consecutive failures, probes after 60s, and
// closes again after 2 consecutive probe successes.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		RecoveryTimeout:  60 * time.Second,
		CallTimeout:      30 * time.Second,
	}
}

// Stats is an observability snapshot of a breaker.
type Stats struct {
	Name            string        `json:"name"`
	State           State         `json:"state"`
	FailureCount    int           `json:"failure_count"`
	SuccessCount    int           `json:"success_count"`
	TimeUntilRetry  time.Duration `json:"time_until_retry"`
	LastFailureTime time.Time     `json:"last_failure_time"`
}

// CircuitBreaker guards one tool server. Every read and write of breaker
// state happens under the single mutex, so observable transitions are atomic.
type CircuitBreaker struct {
	mu              sync.Mutex
	name            string
	cfg             Config
	state           State
	failureCount    int
	successCount    int
	lastFailureTime time.Time
	probeInFlight   bool

	now func() time.Time
}

func New(name string, cfg Config) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = DefaultConfig().SuccessThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = DefaultConfig().RecoveryTimeout
	}
	return &CircuitBreaker{
		name:  name,
		cfg:   cfg,
		state: StateClosed,
		now:   time.Now,
	}
}

// Allow asks permission to place one call. While OPEN it fails with
// CircuitOpen until the recovery timeout has elapsed; the first call after
// that transitions to HALF_OPEN and is permitted as the single probe. A
// second caller during an in-flight probe is rejected.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil
	case StateOpen:
		if cb.now().Sub(cb.lastFailureTime) < cb.cfg.RecoveryTimeout {
			return cb.openError()
		}
		cb.transition(StateHalfOpen)
		cb.successCount = 0
		cb.probeInFlight = true
		return nil
	case StateHalfOpen:
		if cb.probeInFlight {
			return cb.openError()
		}
		cb.probeInFlight = true
		return nil
	}
	return nil
}

// RecordSuccess reports a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.probeInFlight = false
	cb.failureCount = 0

	if cb.state == StateHalfOpen {
		cb.successCount++
		if cb.successCount >= cb.cfg.SuccessThreshold {
			cb.transition(StateClosed)
			cb.successCount = 0
		}
	}
}

// RecordFailure reports a failed call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.probeInFlight = false
	cb.failureCount++
	cb.lastFailureTime = cb.now()

	switch cb.state {
	case StateHalfOpen:
		cb.transition(StateOpen)
		cb.successCount = 0
	case StateClosed:
		if cb.failureCount >= cb.cfg.FailureThreshold {
			cb.transition(StateOpen)
		}
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns an observability snapshot.
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	var remaining time.Duration
	if cb.state == StateOpen {
		elapsed := cb.now().Sub(cb.lastFailureTime)
		if elapsed < cb.cfg.RecoveryTimeout {
			remaining = cb.cfg.RecoveryTimeout - elapsed
		}
	}
	return Stats{
		Name:            cb.name,
		State:           cb.state,
		FailureCount:    cb.failureCount,
		SuccessCount:    cb.successCount,
		TimeUntilRetry:  remaining,
		LastFailureTime: cb.lastFailureTime,
	}
}

// Reset forces the breaker back to CLOSED and clears counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.transition(StateClosed)
	cb.failureCount = 0
	cb.successCount = 0
	cb.probeInFlight = false
	cb.lastFailureTime = time.Time{}
}

func (cb *CircuitBreaker) transition(to State) {
	if cb.state == to {
		return
	}
	xlog.Info("breaker.state_change", "server_name", cb.name, "from", string(cb.state), "to", string(to), "failure_count", cb.failureCount)
	cb.state = to
}

func (cb *CircuitBreaker) openError() error {
	elapsed := cb.now().Sub(cb.lastFailureTime)
	remaining := cb.cfg.RecoveryTimeout - elapsed
	if remaining < 0 {
		remaining = 0
	}
	return types.NewError(
		types.KindCircuitOpen,
		fmt.Sprintf("circuit open, retry in %s", remaining.Round(time.Millisecond)),
		types.ErrorContext{ServerName: cb.name},
		nil,
	)
}
