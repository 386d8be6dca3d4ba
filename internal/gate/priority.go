package gate

import (
	"cmp"
	"context"

	"github.com/emirpasic/gods/queues/priorityqueue"
)

// Priority is a counting semaphore that admits the waiting request with the
// smallest key first. Equal keys are admitted in arrival order.
type Priority[K any] struct {
	core *core
}

// NewPriority returns a priority gate ordered by compare.
func NewPriority[K any](capacity int, compare func(a, b K) int) *Priority[K] {
	q := priorityqueue.NewWith(func(a, b interface{}) int {
		wa, wb := a.(*waiter), b.(*waiter)
		if c := compare(wa.key.(K), wb.key.(K)); c != 0 {
			return c
		}
		return cmp.Compare(wa.seq, wb.seq)
	})
	return &Priority[K]{core: newCore(capacity, q)}
}

// NewOrdered returns a priority gate over naturally ordered keys.
func NewOrdered[K cmp.Ordered](capacity int) *Priority[K] {
	return NewPriority[K](capacity, cmp.Compare[K])
}

// RequestSlot blocks until key is admitted or ctx is done.
func (p *Priority[K]) RequestSlot(ctx context.Context, key K) (*Slot, error) {
	return p.core.request(ctx, key)
}

// SetCapacity resizes the gate. Admission order across a resize is not
// guaranteed.
func (p *Priority[K]) SetCapacity(n int) { p.core.setCapacity(n) }

func (p *Priority[K]) Capacity() int {
	_, _, c := p.core.stats()
	return c
}

func (p *Priority[K]) InUse() int {
	n, _, _ := p.core.stats()
	return n
}

func (p *Priority[K]) Waiting() int {
	_, n, _ := p.core.stats()
	return n
}
