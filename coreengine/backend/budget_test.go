package backend

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ===== REFILL ARITHMETIC =====

func TestRateBudget_StartsFull(t *testing.T) {
	b := newRateBudget("requests", 600)

	assert.InDelta(t, 600.0, b.available(), 1.0)
}

func TestRateBudget_RefillProportionalToElapsed(t *testing.T) {
	b := newRateBudget("tokens", 600)
	base := b.lastRefill

	// Drain the full bucket at the construction instant.
	require.True(t, b.tryAcquire(base, 600))
	assert.Equal(t, 0.0, b.remaining)

	// Half a minute refills half the capacity, no more.
	require.True(t, b.tryAcquire(base+30, 300))
	assert.False(t, b.tryAcquire(base+30, 1))
}

func TestRateBudget_RefillClampsAtCapacity(t *testing.T) {
	b := newRateBudget("tokens", 600)
	base := b.lastRefill

	require.True(t, b.tryAcquire(base, 600))

	// Ten minutes of idle refill still caps at one capacity.
	require.True(t, b.tryAcquire(base+600, 600))
	assert.False(t, b.tryAcquire(base+600, 1))
}

func TestRateBudget_ElapsedNeverNegative(t *testing.T) {
	b := newRateBudget("tokens", 600)
	base := b.lastRefill

	require.True(t, b.tryAcquire(base, 500))
	before := b.remaining

	// A clock reading older than lastRefill must not move the balance.
	b.refillLocked(base - 10)
	assert.Equal(t, before, b.remaining)
	assert.Equal(t, base, b.lastRefill)
}

func TestRateBudget_InsufficientBalanceDeductsNothing(t *testing.T) {
	b := newRateBudget("tokens", 100)
	base := b.lastRefill

	require.True(t, b.tryAcquire(base, 90))
	require.False(t, b.tryAcquire(base, 20))

	// The failed attempt left the balance intact.
	assert.InDelta(t, 10.0, b.remaining, 1e-9)
	assert.GreaterOrEqual(t, b.remaining, 0.0)
}

// ===== BLOCKING ACQUIRE =====

func TestRateBudget_AcquireImmediateWhenCovered(t *testing.T) {
	b := newRateBudget("requests", 600)

	wait, err := b.acquire(context.Background(), 10)

	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), wait)
}

func TestRateBudget_AcquireWaitsForRefill(t *testing.T) {
	// 6000/min refills 100 units per second, so a 10 unit request
	// becomes satisfiable within one or two poll intervals.
	b := newRateBudget("tokens", 6000)
	require.True(t, b.tryAcquire(nowSeconds(), 6000))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	wait, err := b.acquire(ctx, 10)

	require.NoError(t, err)
	assert.Greater(t, wait, time.Duration(0))
}

func TestRateBudget_AcquireOverCapacityFailsFast(t *testing.T) {
	b := newRateBudget("tokens", 100)

	wait, err := b.acquire(context.Background(), 101)

	require.Error(t, err)
	var exceeded *BudgetExceededError
	require.True(t, errors.As(err, &exceeded))
	assert.Equal(t, "tokens", exceeded.Budget)
	assert.Equal(t, 101.0, exceeded.Requested)
	assert.Equal(t, 100.0, exceeded.Capacity)
	assert.Equal(t, time.Duration(0), wait)
}

func TestRateBudget_AcquireHonorsContextCancellation(t *testing.T) {
	// 60/min refills one unit per second; 50 units would take most of
	// a minute, so the deadline fires first.
	b := newRateBudget("requests", 60)
	require.True(t, b.tryAcquire(nowSeconds(), 60))

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	_, err := b.acquire(ctx, 50)

	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRateBudget_ConcurrentAcquirersAllSucceed(t *testing.T) {
	b := newRateBudget("requests", 6000)

	var wg sync.WaitGroup
	errs := make([]error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = b.acquire(context.Background(), 1)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "acquirer %d", i)
	}
	assert.GreaterOrEqual(t, b.available(), 0.0)
}
