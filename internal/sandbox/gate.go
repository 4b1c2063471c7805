package sandbox

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// DefaultMaxConcurrent is the gate size used when none is configured.
const DefaultMaxConcurrent = 3

// Gate bounds the number of simultaneously running executions. Callers over
// the limit wait; they never fail unless their context ends first.
type Gate struct {
	sem      *semaphore.Weighted
	size     int64
	inFlight atomic.Int64
}

// NewGate creates a gate admitting at most n concurrent executions.
func NewGate(n int) *Gate {
	if n <= 0 {
		n = DefaultMaxConcurrent
	}
	return &Gate{sem: semaphore.NewWeighted(int64(n)), size: int64(n)}
}

// Acquire blocks until a slot is free or ctx is done.
func (g *Gate) Acquire(ctx context.Context) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	g.inFlight.Add(1)
	return nil
}

// Release frees a slot taken by Acquire.
func (g *Gate) Release() {
	g.inFlight.Add(-1)
	g.sem.Release(1)
}

// Size returns the gate capacity.
func (g *Gate) Size() int { return int(g.size) }

// InFlight returns the number of currently admitted executions.
func (g *Gate) InFlight() int { return int(g.inFlight.Load()) }
