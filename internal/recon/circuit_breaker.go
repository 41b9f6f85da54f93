package recon

import (
	"sync"
	"time"

	"exec_reconciler/internal/core"
	"exec_reconciler/pkg/telemetry"
)

type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
)

// CircuitConfig bounds how much reconciliation failure is tolerated before
// cycles are halted.
type CircuitConfig struct {
	MaxConsecutiveFailures int
	CooldownPeriod         time.Duration
}

// CircuitBreaker halts reconciliation for one account when cycles keep
// failing or a divergence is too large to auto-correct.
type CircuitBreaker struct {
	mu                  sync.RWMutex
	name                string
	state               CircuitState
	config              CircuitConfig
	consecutiveFailures int
	reason              string
	lastTripped         time.Time
}

func NewCircuitBreaker(name string, config CircuitConfig) *CircuitBreaker {
	return &CircuitBreaker{
		name:   name,
		state:  CircuitClosed,
		config: config,
	}
}

// RecordCycle feeds one cycle outcome into the failure counter.
func (cb *CircuitBreaker) RecordCycle(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if success {
		cb.consecutiveFailures = 0
		return
	}
	cb.consecutiveFailures++
	cb.checkThresholds()
}

func (cb *CircuitBreaker) checkThresholds() {
	if cb.state == CircuitOpen {
		return
	}

	if cb.config.MaxConsecutiveFailures > 0 && cb.consecutiveFailures >= cb.config.MaxConsecutiveFailures {
		cb.trip("max consecutive cycle failures reached")
	}
}

func (cb *CircuitBreaker) trip(reason string) {
	cb.state = CircuitOpen
	cb.reason = reason
	cb.lastTripped = time.Now()

	// Report metric
	telemetry.GetGlobalMetrics().SetCircuitBreakerOpen(cb.name, true)
}

func (cb *CircuitBreaker) IsTripped() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen {
		// Check for auto-reset if cooldown is configured
		if cb.config.CooldownPeriod > 0 && time.Since(cb.lastTripped) > cb.config.CooldownPeriod {
			cb.state = CircuitClosed
			cb.consecutiveFailures = 0
			cb.reason = ""
			telemetry.GetGlobalMetrics().SetCircuitBreakerOpen(cb.name, false)
			return false
		}
		return true
	}
	return false
}

func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = CircuitClosed
	cb.consecutiveFailures = 0
	cb.reason = ""

	// Report metric
	telemetry.GetGlobalMetrics().SetCircuitBreakerOpen(cb.name, false)
}

// Open manually trips the circuit breaker
func (cb *CircuitBreaker) Open(reason string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.trip(reason)
}

// Status returns a snapshot of the breaker state.
func (cb *CircuitBreaker) Status() core.CircuitStatus {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	status := core.CircuitStatus{
		Tripped:      cb.state == CircuitOpen,
		Reason:       cb.reason,
		FailedCycles: cb.consecutiveFailures,
	}
	if cb.state == CircuitOpen {
		status.TrippedAt = cb.lastTripped
		if cb.config.CooldownPeriod > 0 {
			status.ResetAfter = cb.lastTripped.Add(cb.config.CooldownPeriod)
		}
	}
	return status
}
