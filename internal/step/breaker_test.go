package step

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock returns a breaker whose clock the test advances by hand.
func fakeClock(cb *CircuitBreaker) *time.Time {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cb.now = func() time.Time { return now }
	return &now
}

func TestCircuitBreaker_startsClosedPassesThrough(t *testing.T) {
	cb := NewCircuitBreaker("api.test", 3, 2, time.Second)

	assert.Equal(t, BreakerClosed, cb.State())
	assert.NoError(t, cb.Allow())
}

func TestCircuitBreaker_opensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker("api.test", 3, 2, time.Second)

	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, BreakerClosed, cb.State())

	cb.RecordFailure()
	assert.Equal(t, BreakerOpen, cb.State())

	err := cb.Allow()
	var openErr *BreakerOpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, "api.test", openErr.Host)
}

func TestCircuitBreaker_successResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker("api.test", 3, 2, time.Second)

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()

	assert.Equal(t, BreakerClosed, cb.State())
}

func TestCircuitBreaker_halfOpenAfterTimeout(t *testing.T) {
	cb := NewCircuitBreaker("api.test", 1, 1, 10*time.Second)
	now := fakeClock(cb)

	cb.RecordFailure()
	require.Equal(t, BreakerOpen, cb.State())

	*now = now.Add(5 * time.Second)
	assert.Equal(t, BreakerOpen, cb.State())

	*now = now.Add(6 * time.Second)
	assert.Equal(t, BreakerHalfOpen, cb.State())
	assert.NoError(t, cb.Allow())
}

func TestCircuitBreaker_halfOpenClosesAfterSuccesses(t *testing.T) {
	cb := NewCircuitBreaker("api.test", 1, 2, time.Second)
	now := fakeClock(cb)

	cb.RecordFailure()
	*now = now.Add(2 * time.Second)
	require.NoError(t, cb.Allow())

	cb.RecordSuccess()
	assert.Equal(t, BreakerHalfOpen, cb.State())
	cb.RecordSuccess()
	assert.Equal(t, BreakerClosed, cb.State())
}

func TestCircuitBreaker_halfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker("api.test", 1, 2, time.Second)
	now := fakeClock(cb)

	cb.RecordFailure()
	*now = now.Add(2 * time.Second)
	require.Equal(t, BreakerHalfOpen, cb.State())

	cb.RecordFailure()
	assert.Equal(t, BreakerOpen, cb.State())
	assert.Error(t, cb.Allow())
}

func TestCircuitBreaker_defaults(t *testing.T) {
	cb := NewCircuitBreaker("api.test", 0, 0, 0)

	assert.Equal(t, 5, cb.failureThreshold)
	assert.Equal(t, 2, cb.successThreshold)
	assert.Equal(t, 30*time.Second, cb.timeout)
}

func TestCircuitBreaker_onChange(t *testing.T) {
	cb := NewCircuitBreaker("api.test", 1, 1, time.Second)
	now := fakeClock(cb)
	var seen []BreakerState
	cb.onChange = func(host string, s BreakerState) {
		assert.Equal(t, "api.test", host)
		seen = append(seen, s)
	}

	cb.RecordFailure()
	*now = now.Add(2 * time.Second)
	cb.State()
	cb.RecordSuccess()

	assert.Equal(t, []BreakerState{BreakerOpen, BreakerHalfOpen, BreakerClosed}, seen)
}

func TestBreakerState_String(t *testing.T) {
	assert.Equal(t, "closed", BreakerClosed.String())
	assert.Equal(t, "half-open", BreakerHalfOpen.String())
	assert.Equal(t, "open", BreakerOpen.String())
	assert.Equal(t, "unknown", BreakerState(9).String())
}
