package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBreakerOpensOnFailureRatio(t *testing.T) {
	ctx := context.Background()
	b := NewBreaker("test", 4, 0.5, time.Minute)

	b.Report(ctx, true)
	b.Report(ctx, true)
	b.Report(ctx, false)
	assert.True(t, b.Allow(ctx))

	b.Report(ctx, false)
	// 2 failures out of 4 hits the 0.5 threshold
	assert.False(t, b.Allow(ctx))
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	ctx := context.Background()
	b := NewBreaker("test", 1, 0.5, 10*time.Millisecond)

	b.Report(ctx, false)
	assert.False(t, b.Allow(ctx))

	time.Sleep(15 * time.Millisecond)
	// cool-off elapsed, a single probe is let through
	assert.True(t, b.Allow(ctx))

	b.Report(ctx, false)
	assert.False(t, b.Allow(ctx))

	time.Sleep(15 * time.Millisecond)
	assert.True(t, b.Allow(ctx))
	b.Report(ctx, true)
	assert.True(t, b.Allow(ctx))
	assert.True(t, b.Allow(ctx))
}

func TestBreakerStaysClosedBelowMinRequests(t *testing.T) {
	ctx := context.Background()
	b := NewBreaker("test", 10, 0.5, time.Minute)

	for i := 0; i < 9; i++ {
		b.Report(ctx, false)
	}
	assert.True(t, b.Allow(ctx))
}
