package gate

import (
	"context"

	"github.com/emirpasic/gods/queues/linkedlistqueue"
)

// FIFO is a counting semaphore that admits waiters in arrival order.
type FIFO struct {
	core *core
}

// NewFIFO returns a gate with the given capacity, raised to at least 1.
func NewFIFO(capacity int) *FIFO {
	return &FIFO{core: newCore(capacity, linkedlistqueue.New())}
}

// RequestSlot blocks until a slot is free or ctx is done.
func (f *FIFO) RequestSlot(ctx context.Context) (*Slot, error) {
	return f.core.request(ctx, nil)
}

// SetCapacity resizes the gate. Shrinking never revokes granted slots.
func (f *FIFO) SetCapacity(n int) { f.core.setCapacity(n) }

func (f *FIFO) Capacity() int {
	_, _, c := f.core.stats()
	return c
}

// InUse is the number of granted, unreleased slots.
func (f *FIFO) InUse() int {
	n, _, _ := f.core.stats()
	return n
}

// Waiting is the number of callers blocked in RequestSlot.
func (f *FIFO) Waiting() int {
	_, n, _ := f.core.stats()
	return n
}
