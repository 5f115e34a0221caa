package resilience

import (
	"sync"
	"time"

	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/metrics"
)

// CircuitState mirrors the classic three-state breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures breaker sensitivity and backoff.
type CircuitBreakerConfig struct {
	FailureThreshold int
	CoolDown         time.Duration
	BaseBackoff      time.Duration
	MaxBackoff       time.Duration
}

// DefaultCircuitBreakerConfig matches the defaults named in the resilience
// envelope's requirements (fail_threshold=5, cool_down=60s).
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		CoolDown:         60 * time.Second,
		BaseBackoff:      1 * time.Second,
		MaxBackoff:       2 * time.Minute,
	}
}

// circuitBreaker is one strategy's breaker: closed -> open at FailureThreshold
// consecutive failures, open -> half_open after CoolDown, half_open -> closed
// on success or back to open on failure.
type circuitBreaker struct {
	mu               sync.Mutex
	strategy         string
	state            CircuitState
	failures         int
	lastStateChange  time.Time
	config           CircuitBreakerConfig
	consecutiveWaits int
}

func newCircuitBreaker(strategy string, config CircuitBreakerConfig) *circuitBreaker {
	return &circuitBreaker{strategy: strategy, state: CircuitClosed, config: config, lastStateChange: time.Now()}
}

// allow reports whether an attempt should proceed, and transitions
// open -> half_open once CoolDown has elapsed.
func (cb *circuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if time.Since(cb.lastStateChange) > cb.config.CoolDown {
			cb.transition(CircuitHalfOpen)
			return true
		}
		return false
	case CircuitHalfOpen:
		return true
	default:
		return true
	}
}

func (cb *circuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.consecutiveWaits = 0
	if cb.state == CircuitHalfOpen {
		cb.transition(CircuitClosed)
	}
}

func (cb *circuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++

	if cb.state == CircuitHalfOpen {
		cb.transition(CircuitOpen)
		cb.consecutiveWaits++
		return
	}
	if cb.failures >= cb.config.FailureThreshold {
		cb.transition(CircuitOpen)
		cb.consecutiveWaits++
	}
}

// transition must be called with cb.mu held.
func (cb *circuitBreaker) transition(to CircuitState) {
	cb.state = to
	cb.lastStateChange = time.Now()
	metrics.UpdateCircuitBreakerState(cb.strategy, int(to))
	metrics.RecordCircuitBreakerTransition(cb.strategy, to.String())
}

// reopenAt returns when the breaker will next allow a half-open probe.
func (cb *circuitBreaker) reopenAt() time.Time {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.lastStateChange.Add(cb.config.CoolDown)
}

// backoff returns the current exponential backoff, capped to prevent a
// shift overflow on long-open circuits.
func (cb *circuitBreaker) backoff() time.Duration {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.consecutiveWaits == 0 {
		return cb.config.BaseBackoff
	}

	const maxShift = 10
	waits := cb.consecutiveWaits
	if waits > maxShift {
		waits = maxShift
	}

	backoff := cb.config.BaseBackoff * time.Duration(1<<uint(waits-1))
	if backoff > cb.config.MaxBackoff {
		backoff = cb.config.MaxBackoff
	}
	return backoff
}

func (cb *circuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
