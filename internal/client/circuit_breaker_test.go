package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCircuitBreaker(t *testing.T) {
	// 3 failures, short timeout for fast testing
	cb := NewCircuitBreaker(3, 100*time.Millisecond)

	assert.Equal(t, StateClosed, cb.State())
	assert.True(t, cb.Allow())

	cb.Failure()
	cb.Failure()
	assert.Equal(t, StateClosed, cb.State(), "should remain closed under threshold")

	cb.Failure()
	assert.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.Allow())

	time.Sleep(150 * time.Millisecond)
	assert.True(t, cb.Allow(), "should allow probe after timeout")
	assert.Equal(t, StateHalfOpen, cb.State())

	// Probe fails: open again.
	cb.Failure()
	assert.Equal(t, StateOpen, cb.State())

	time.Sleep(150 * time.Millisecond)
	cb.Allow()

	// Probe succeeds: closed, failure count reset.
	cb.Success()
	assert.Equal(t, StateClosed, cb.State())
	assert.Zero(t, cb.failures)
}
