// Package gate bounds how many operations may be in flight against a
// cluster at once.
//
// FIFO admits waiters in arrival order. Priority admits the waiter with the
// smallest key, breaking ties by arrival. Both are counting semaphores with
// an internal wait queue; they neither retry nor inspect the work they gate.
package gate

import (
	"context"
	"sync"
)

// waitQueue is the subset of the gods queues the gate needs.
type waitQueue interface {
	Enqueue(value interface{})
	Dequeue() (value interface{}, ok bool)
}

type waiter struct {
	ready    chan struct{}
	seq      uint64
	key      any
	granted  bool
	canceled bool
}

// core is the semaphore shared by both gates. Canceled waiters stay queued
// and are skipped when they reach the front.
type core struct {
	mu       sync.Mutex
	capacity int
	inUse    int
	waiting  int
	seq      uint64
	queue    waitQueue
}

func newCore(capacity int, q waitQueue) *core {
	return &core{capacity: max(capacity, 1), queue: q}
}

func (g *core) request(ctx context.Context, key any) (*Slot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g.mu.Lock()
	if g.waiting == 0 && g.inUse < g.capacity {
		g.inUse++
		g.mu.Unlock()
		return g.slot(), nil
	}
	w := &waiter{ready: make(chan struct{}), seq: g.seq, key: key}
	g.seq++
	g.waiting++
	g.queue.Enqueue(w)
	g.mu.Unlock()

	select {
	case <-w.ready:
		return g.slot(), nil
	case <-ctx.Done():
		g.mu.Lock()
		if w.granted {
			// Lost the race with a grant: hand the slot on.
			g.inUse--
			g.dispatch()
		} else {
			w.canceled = true
			g.waiting--
		}
		g.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (g *core) slot() *Slot {
	return &Slot{release: g.release}
}

func (g *core) release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inUse--
	g.dispatch()
}

// dispatch grants free capacity to queued waiters. Callers hold mu.
func (g *core) dispatch() {
	for g.inUse < g.capacity {
		v, ok := g.queue.Dequeue()
		if !ok {
			return
		}
		w := v.(*waiter)
		if w.canceled {
			continue
		}
		w.granted = true
		g.waiting--
		g.inUse++
		close(w.ready)
	}
}

func (g *core) setCapacity(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.capacity = max(n, 1)
	g.dispatch()
}

func (g *core) stats() (inUse, waiting, capacity int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inUse, g.waiting, g.capacity
}

// Slot is one unit of admitted capacity.
type Slot struct {
	once    sync.Once
	release func()
}

// Release returns the slot to its gate. Calling it again does nothing.
func (s *Slot) Release() {
	s.once.Do(s.release)
}
