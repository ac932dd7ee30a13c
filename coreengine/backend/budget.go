package backend

import (
	"context"
	"math"
	"sync"
	"time"
)

// budgetPollInterval is how long an acquirer sleeps between refill checks.
const budgetPollInterval = 100 * time.Millisecond

// rateBudget is a continuously refilling token bucket. Capacity is expressed
// per minute and accrues fractionally with elapsed time, so a 600/min budget
// regains 10 units per second. Buckets start full and never go negative.
type rateBudget struct {
	name       string
	capacity   float64
	remaining  float64
	lastRefill float64 // unix seconds with fractional part
	mu         sync.Mutex
}

// newRateBudget creates a full bucket with the given per-minute capacity.
func newRateBudget(name string, capacityPerMinute int) *rateBudget {
	capacity := float64(capacityPerMinute)
	return &rateBudget{
		name:       name,
		capacity:   capacity,
		remaining:  capacity,
		lastRefill: nowSeconds(),
	}
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// refillLocked advances the bucket to the given timestamp (must hold lock).
func (b *rateBudget) refillLocked(timestamp float64) {
	elapsed := timestamp - b.lastRefill
	if elapsed <= 0 {
		return
	}
	b.remaining = math.Min(b.capacity, b.remaining+elapsed*b.capacity/60.0)
	b.lastRefill = timestamp
}

// tryAcquire deducts amount if the bucket covers it at the given timestamp.
func (b *rateBudget) tryAcquire(timestamp, amount float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked(timestamp)
	if b.remaining >= amount {
		b.remaining -= amount
		return true
	}
	return false
}

// acquire blocks until the bucket covers amount or ctx is cancelled.
// Returns the time spent waiting; zero when the first check succeeded.
func (b *rateBudget) acquire(ctx context.Context, amount float64) (time.Duration, error) {
	if amount > b.capacity {
		return 0, NewBudgetExceededError(b.name, amount, b.capacity)
	}

	if b.tryAcquire(nowSeconds(), amount) {
		return 0, nil
	}

	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return time.Since(start), ctx.Err()
		case <-time.After(budgetPollInterval):
		}
		if b.tryAcquire(nowSeconds(), amount) {
			return time.Since(start), nil
		}
	}
}

// available reports the current balance after refilling to now.
func (b *rateBudget) available() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(nowSeconds())
	return b.remaining
}
