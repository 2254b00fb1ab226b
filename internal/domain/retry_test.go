package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRetryPolicy(t *testing.T) {
	p := DefaultRetryPolicy()

	require.NoError(t, p.Validate())
	assert.Equal(t, 3, p.MaxAttempts)
	assert.Equal(t, 2.0, p.BackoffCoefficient)
	assert.Equal(t, time.Second, p.InitialInterval)
	assert.Equal(t, 30*time.Second, p.MaxInterval)
	assert.Equal(t, 60*time.Second, p.ScheduleToCloseTimeout)
}

func TestRetryPolicy_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *RetryPolicy)
	}{
		{"zero attempts", func(p *RetryPolicy) { p.MaxAttempts = 0 }},
		{"coefficient below one", func(p *RetryPolicy) { p.BackoffCoefficient = 0.5 }},
		{"zero initial interval", func(p *RetryPolicy) { p.InitialInterval = 0 }},
		{"negative max interval", func(p *RetryPolicy) { p.MaxInterval = -time.Second }},
		{"zero schedule to close", func(p *RetryPolicy) { p.ScheduleToCloseTimeout = 0 }},
		{"negative attempt timeout", func(p *RetryPolicy) { p.AttemptTimeout = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultRetryPolicy()
			tt.mutate(&p)
			err := p.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidPolicy)
		})
	}
}

func TestRetryPolicy_Backoff(t *testing.T) {
	p := RetryPolicy{
		MaxAttempts:            10,
		BackoffCoefficient:     2.0,
		InitialInterval:        time.Second,
		MaxInterval:            30 * time.Second,
		ScheduleToCloseTimeout: time.Hour,
	}

	assert.Equal(t, 1*time.Second, p.Backoff(1))
	assert.Equal(t, 2*time.Second, p.Backoff(2))
	assert.Equal(t, 4*time.Second, p.Backoff(3))
	assert.Equal(t, 8*time.Second, p.Backoff(4))
	assert.Equal(t, 16*time.Second, p.Backoff(5))
	assert.Equal(t, 30*time.Second, p.Backoff(6), "capped at max interval")
	assert.Equal(t, 30*time.Second, p.Backoff(500), "huge exponent stays capped")
}

func TestRetryPolicy_Backoff_CoefficientOne(t *testing.T) {
	p := DefaultRetryPolicy()
	p.BackoffCoefficient = 1.0
	p.InitialInterval = 250 * time.Millisecond

	for n := 1; n <= 5; n++ {
		assert.Equal(t, 250*time.Millisecond, p.Backoff(n))
	}
}

func TestRetryPolicy_Decide(t *testing.T) {
	p := DefaultRetryPolicy()
	transient := errors.New("connection reset")

	t.Run("transient retries with backoff", func(t *testing.T) {
		d := p.Decide(1, time.Second, transient)
		assert.True(t, d.Retry)
		assert.Equal(t, time.Second, d.Delay)

		d = p.Decide(2, 3*time.Second, transient)
		assert.True(t, d.Retry)
		assert.Equal(t, 2*time.Second, d.Delay)
	})

	t.Run("permanent gives up immediately", func(t *testing.T) {
		d := p.Decide(1, 0, Permanentf("invalid container id %q", "x"))
		assert.False(t, d.Retry)
		assert.Equal(t, ErrorKindPermanent, d.Kind)
		assert.Equal(t, `invalid container id "x"`, d.Reason)
	})

	t.Run("max attempts exhausted", func(t *testing.T) {
		d := p.Decide(3, 5*time.Second, transient)
		assert.False(t, d.Retry)
		assert.Equal(t, ErrorKindRetriesExhausted, d.Kind)
		assert.Equal(t, "connection reset", d.Reason)
	})

	t.Run("schedule to close exceeded", func(t *testing.T) {
		d := p.Decide(1, 60*time.Second, transient)
		assert.False(t, d.Retry)
		assert.Equal(t, ErrorKindRetriesExhausted, d.Kind)
	})

	t.Run("unknown error is transient", func(t *testing.T) {
		d := p.Decide(1, 0, errors.New("boom"))
		assert.True(t, d.Retry)
	})
}
