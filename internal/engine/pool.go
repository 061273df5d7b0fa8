package engine

import (
	"context"

	"golang.org/x/time/rate"
)

// WorkerPool bounds total in-flight node work across every execution the
// engine is running and throttles the rate at which new executions are
// admitted, so a burst of triggers cannot starve already-running
// executions. Grounded on §4.3's "Addition — global admission" note.
type WorkerPool struct {
	sem     chan struct{}
	limiter *rate.Limiter
}

// NewWorkerPool builds a pool with capacity concurrent node slots and an
// admission rate of admissionPerSecond new-execution starts per second
// (burst equal to the rate, per x/time/rate's usual construction).
func NewWorkerPool(capacity int, admissionPerSecond int) *WorkerPool {
	if capacity <= 0 {
		capacity = 1
	}
	if admissionPerSecond <= 0 {
		admissionPerSecond = 1
	}
	return &WorkerPool{
		sem:     make(chan struct{}, capacity),
		limiter: rate.NewLimiter(rate.Limit(admissionPerSecond), admissionPerSecond),
	}
}

// Admit blocks until the admission limiter allows a new execution to
// start, or ctx is done.
func (p *WorkerPool) Admit(ctx context.Context) error {
	return p.limiter.Wait(ctx)
}

// Acquire blocks until a node-execution slot is free or ctx is done.
func (p *WorkerPool) Acquire(ctx context.Context) error {
	select {
	case p.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees a previously acquired node-execution slot.
func (p *WorkerPool) Release() {
	<-p.sem
}

// InFlight reports how many node-execution slots are currently held, for
// queue-depth metrics.
func (p *WorkerPool) InFlight() int {
	return len(p.sem)
}

// Capacity reports the pool's total node-execution concurrency.
func (p *WorkerPool) Capacity() int {
	return cap(p.sem)
}
