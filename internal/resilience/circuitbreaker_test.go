package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreaker_OpensAtThreshold(t *testing.T) {
	cb := newCircuitBreaker("warm_pool", CircuitBreakerConfig{
		FailureThreshold: 3,
		CoolDown:         time.Minute,
		BaseBackoff:      time.Second,
		MaxBackoff:       time.Minute,
	})

	for i := 0; i < 2; i++ {
		assert.True(t, cb.allow())
		cb.recordFailure()
	}
	assert.Equal(t, CircuitClosed, cb.State())

	assert.True(t, cb.allow())
	cb.recordFailure()
	assert.Equal(t, CircuitOpen, cb.State())
	assert.False(t, cb.allow())
}

func TestCircuitBreaker_HalfOpenAfterCoolDown(t *testing.T) {
	cb := newCircuitBreaker("regional_volume", CircuitBreakerConfig{
		FailureThreshold: 1,
		CoolDown:         10 * time.Millisecond,
		BaseBackoff:      time.Millisecond,
		MaxBackoff:       time.Second,
	})

	cb.recordFailure()
	require.Equal(t, CircuitOpen, cb.State())
	assert.False(t, cb.allow())

	time.Sleep(20 * time.Millisecond)
	assert.True(t, cb.allow())
	assert.Equal(t, CircuitHalfOpen, cb.State())
}

func TestCircuitBreaker_HalfOpenSuccessCloses(t *testing.T) {
	cb := newCircuitBreaker("cpu_standby", CircuitBreakerConfig{
		FailureThreshold: 1,
		CoolDown:         time.Millisecond,
		BaseBackoff:      time.Millisecond,
		MaxBackoff:       time.Second,
	})

	cb.recordFailure()
	time.Sleep(5 * time.Millisecond)
	require.True(t, cb.allow())
	require.Equal(t, CircuitHalfOpen, cb.State())

	cb.recordSuccess()
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := newCircuitBreaker("cpu_standby", CircuitBreakerConfig{
		FailureThreshold: 1,
		CoolDown:         time.Millisecond,
		BaseBackoff:      time.Millisecond,
		MaxBackoff:       time.Second,
	})

	cb.recordFailure()
	time.Sleep(5 * time.Millisecond)
	require.True(t, cb.allow())

	cb.recordFailure()
	assert.Equal(t, CircuitOpen, cb.State())
}

func TestCircuitBreaker_BackoffCapsShiftOverflow(t *testing.T) {
	cb := newCircuitBreaker("warm_pool", CircuitBreakerConfig{
		FailureThreshold: 1,
		CoolDown:         time.Nanosecond,
		BaseBackoff:      time.Millisecond,
		MaxBackoff:       time.Second,
	})

	for i := 0; i < 50; i++ {
		cb.recordFailure()
		cb.allow()
	}
	assert.LessOrEqual(t, cb.backoff(), time.Second)
}
