package fetch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter_Disabled(t *testing.T) {
	rl := NewRateLimiter(0, testLogger())
	start := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, rl.Wait(context.Background(), "example.com"))
	}
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestRateLimiter_SpacesRequestsPerHost(t *testing.T) {
	rl := NewRateLimiter(100*time.Millisecond, testLogger())
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, rl.Wait(ctx, "example.com")) // first one is free
	require.NoError(t, rl.Wait(ctx, "example.com"))
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 80*time.Millisecond)

	// A different host has its own bucket
	start = time.Now()
	require.NoError(t, rl.Wait(ctx, "other.com"))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestRateLimiter_RespectsContextCancellation(t *testing.T) {
	rl := NewRateLimiter(5*time.Second, testLogger())
	require.NoError(t, rl.Wait(context.Background(), "example.com"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // pre-cancel

	start := time.Now()
	err := rl.Wait(ctx, "example.com")
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestRateLimiter_SetDelay(t *testing.T) {
	rl := NewRateLimiter(5*time.Second, testLogger())
	require.NoError(t, rl.Wait(context.Background(), "example.com"))

	rl.SetDelay(0)
	assert.Equal(t, time.Duration(0), rl.Delay())

	start := time.Now()
	require.NoError(t, rl.Wait(context.Background(), "example.com"))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}
