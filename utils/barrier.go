package utils

import "sync"

// Barrier is a reusable synchronization barrier for a fixed number of
// parties. When the last party arrives the completion function runs on that
// party's goroutine, then every waiter is released and the barrier resets
// for the next cycle. A party that is done participating calls
// ArriveAndDrop, which lowers the arity for all following cycles.
type Barrier struct {
	mu         sync.Mutex
	cond       *sync.Cond
	parties    int
	arrived    int
	generation uint64
	onComplete func()
}

// NewBarrier creates a barrier for the given number of parties. onComplete
// may be nil.
func NewBarrier(parties int, onComplete func()) *Barrier {
	b := &Barrier{
		parties:    parties,
		onComplete: onComplete,
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// ArriveAndWait blocks until all parties have arrived for the current cycle.
func (b *Barrier) ArriveAndWait() {
	b.mu.Lock()
	gen := b.generation
	b.arrived++
	if b.arrived >= b.parties {
		b.release()
		b.mu.Unlock()
		return
	}
	for gen == b.generation {
		b.cond.Wait()
	}
	b.mu.Unlock()
}

// ArriveAndDrop removes the caller from the barrier. If the caller was the
// last party missing this cycle, the cycle completes so nobody is stranded.
func (b *Barrier) ArriveAndDrop() {
	b.mu.Lock()
	b.parties--
	if b.parties > 0 && b.arrived >= b.parties {
		b.release()
	}
	b.mu.Unlock()
}

// release runs under b.mu.
func (b *Barrier) release() {
	if b.onComplete != nil {
		b.onComplete()
	}
	b.arrived = 0
	b.generation++
	b.cond.Broadcast()
}

// Parties returns the current arity.
func (b *Barrier) Parties() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.parties
}
