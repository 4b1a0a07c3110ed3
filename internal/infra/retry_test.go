package infra_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plughub/internal/infra"
)

func fastRetry() infra.RetryConfig {
	return infra.RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2}
}

func TestWithRetry_RetriesTransientErrors(t *testing.T) {
	calls := 0
	err := infra.WithRetry(context.Background(), fastRetry(), func() error {
		calls++
		if calls < 3 {
			return errors.New("connection reset")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetry_PermanentStopsImmediately(t *testing.T) {
	calls := 0
	cause := &infra.StatusError{Code: 404, Body: "no such device"}
	err := infra.WithRetry(context.Background(), fastRetry(), func() error {
		calls++
		return infra.Permanent(cause)
	})

	var se *infra.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 404, se.Code)
	assert.Equal(t, 1, calls)
}

func TestWithRetry_NoRetry(t *testing.T) {
	calls := 0
	err := infra.WithRetry(context.Background(), infra.NoRetry(), func() error {
		calls++
		return errors.New("boom")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestIsRetryableHTTPStatus(t *testing.T) {
	assert.True(t, infra.IsRetryableHTTPStatus(429))
	assert.True(t, infra.IsRetryableHTTPStatus(502))
	assert.False(t, infra.IsRetryableHTTPStatus(400))
	assert.False(t, infra.IsRetryableHTTPStatus(200))
}
