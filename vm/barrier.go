package vm

import "sync"

// barrier is a single-use rendezvous point. A fresh one is created for
// each pause cycle and discarded once the cycle completes; it is never
// reset or reused.
type barrier struct {
	mu       sync.Mutex
	cond     *sync.Cond
	total    int
	arrived  int
	released bool
}

func newBarrier(total int) *barrier {
	b := &barrier{total: total}
	b.cond = sync.NewCond(&b.mu)

	return b
}

// wait blocks until total participants have arrived. The last arrival
// releases everyone.
func (b *barrier) wait() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.arrived++
	if b.arrived == b.total {
		b.released = true
		b.cond.Broadcast()

		return
	}

	for !b.released {
		b.cond.Wait()
	}
}
