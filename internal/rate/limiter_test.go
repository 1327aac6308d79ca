package rate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiter_Allow(t *testing.T) {
	lim := New(Config{
		RequestsPerSecond: 10,
		Burst:             5,
	})

	// Should allow up to burst count immediately
	allowed := 0
	for i := 0; i < 10; i++ {
		if lim.Allow() {
			allowed++
		}
	}

	assert.Equal(t, 5, allowed)
}

func TestLimiter_Refill(t *testing.T) {
	lim := New(Config{RequestsPerSecond: 100, Burst: 2})

	for lim.Allow() {
	}

	time.Sleep(50 * time.Millisecond)
	assert.True(t, lim.Allow(), "expected token to be available after refill period")
}

func TestLimiter_Cooldown(t *testing.T) {
	lim := New(Config{RequestsPerSecond: 1000, Burst: 5, Cooldown: 40 * time.Millisecond})

	lim.Throttled()
	assert.False(t, lim.Allow(), "no calls during cooldown")

	start := time.Now()
	require.NoError(t, lim.Wait(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestLimiter_WaitContextCanceled(t *testing.T) {
	lim := New(Config{RequestsPerSecond: 1, Burst: 1})
	require.True(t, lim.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	assert.Error(t, lim.Wait(ctx))
}

func TestLimiter_ZeroRateIsUnlimited(t *testing.T) {
	lim := New(Config{})
	for i := 0; i < 100; i++ {
		require.True(t, lim.Allow())
	}
}

func TestManager_SameKeySameLimiter(t *testing.T) {
	m := NewManager(Config{RequestsPerSecond: 10, Burst: 1})

	var wg sync.WaitGroup
	got := make([]*Limiter, 20)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = m.GetLimiter("main")
		}(i)
	}
	wg.Wait()

	for _, l := range got {
		assert.Same(t, got[0], l)
	}
	assert.NotSame(t, got[0], m.GetLimiter("other"))
}

func TestPause(t *testing.T) {
	require.NoError(t, Pause(context.Background(), 0))
	require.NoError(t, Pause(context.Background(), 5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Pause(ctx, time.Second), context.Canceled)
}
