package gate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

// admitted records the order in which goroutines obtained a slot.
type admitted[K any] struct {
	mu    sync.Mutex
	order []K
}

func (a *admitted[K]) add(k K) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.order = append(a.order, k)
}

func (a *admitted[K]) get() []K {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]K(nil), a.order...)
}

func TestPriority_AdmitsSmallestKey(t *testing.T) {
	g := NewOrdered[int](1)
	ctx := context.Background()

	held, err := g.RequestSlot(ctx, 0)
	require.NoError(t, err)

	var got admitted[int]
	var wg sync.WaitGroup
	for i, key := range []int{3, 1, 2} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := g.RequestSlot(ctx, key)
			if !assert.NoError(t, err) {
				return
			}
			got.add(key)
			s.Release()
		}()
		// Submit strictly in order 3, 1, 2.
		require.Eventually(t, func() bool { return g.Waiting() == i+1 }, waitFor, time.Millisecond)
	}

	held.Release()
	wg.Wait()
	assert.Equal(t, []int{1, 2, 3}, got.get())
	assert.Zero(t, g.InUse())
}

func TestPriority_TiesInArrivalOrder(t *testing.T) {
	type key struct {
		prio int
		name string
	}
	g := NewPriority(1, func(a, b key) int { return a.prio - b.prio })
	ctx := context.Background()

	held, err := g.RequestSlot(ctx, key{})
	require.NoError(t, err)

	var got admitted[string]
	var wg sync.WaitGroup
	for i, k := range []key{{5, "a"}, {5, "b"}, {1, "c"}, {5, "d"}} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := g.RequestSlot(ctx, k)
			if !assert.NoError(t, err) {
				return
			}
			got.add(k.name)
			s.Release()
		}()
		require.Eventually(t, func() bool { return g.Waiting() == i+1 }, waitFor, time.Millisecond)
	}

	held.Release()
	wg.Wait()
	assert.Equal(t, []string{"c", "a", "b", "d"}, got.get())
}

func TestFIFO_ArrivalOrder(t *testing.T) {
	g := NewFIFO(1)
	ctx := context.Background()

	held, err := g.RequestSlot(ctx)
	require.NoError(t, err)

	var got admitted[int]
	var wg sync.WaitGroup
	for i := range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := g.RequestSlot(ctx)
			if !assert.NoError(t, err) {
				return
			}
			got.add(i)
			s.Release()
		}()
		require.Eventually(t, func() bool { return g.Waiting() == i+1 }, waitFor, time.Millisecond)
	}

	held.Release()
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got.get())
}

func TestFIFO_BoundsConcurrency(t *testing.T) {
	g := NewFIFO(3)
	ctx := context.Background()

	var mu sync.Mutex
	var running, peak int
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := g.RequestSlot(ctx)
			if !assert.NoError(t, err) {
				return
			}
			defer s.Release()

			mu.Lock()
			running++
			peak = max(peak, running)
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			running--
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak, 3)
	assert.Zero(t, g.InUse())
	assert.Zero(t, g.Waiting())
}

func TestSlot_ReleaseIsIdempotent(t *testing.T) {
	g := NewFIFO(1)
	s, err := g.RequestSlot(context.Background())
	require.NoError(t, err)

	s.Release()
	s.Release()
	assert.Zero(t, g.InUse())

	// A double release must not have freed a second slot.
	a, err := g.RequestSlot(context.Background())
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = g.RequestSlot(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	a.Release()
}

func TestRequestSlot_Cancellation(t *testing.T) {
	g := NewFIFO(1)
	held, err := g.RequestSlot(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := g.RequestSlot(ctx)
		errc <- err
	}()
	require.Eventually(t, func() bool { return g.Waiting() == 1 }, waitFor, time.Millisecond)

	cancel()
	require.ErrorIs(t, <-errc, context.Canceled)
	assert.Zero(t, g.Waiting())

	// The canceled waiter is skipped; the next caller gets the slot.
	next := make(chan *Slot, 1)
	go func() {
		s, err := g.RequestSlot(context.Background())
		if assert.NoError(t, err) {
			next <- s
		}
	}()
	require.Eventually(t, func() bool { return g.Waiting() == 1 }, waitFor, time.Millisecond)
	held.Release()

	select {
	case s := <-next:
		assert.Equal(t, 1, g.InUse())
		s.Release()
	case <-time.After(waitFor):
		t.Fatal("waiter behind a canceled request was never admitted")
	}
}

func TestRequestSlot_AlreadyCanceled(t *testing.T) {
	g := NewOrdered[int](4)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := g.RequestSlot(ctx, 1)
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, g.InUse())
}

func TestSetCapacity(t *testing.T) {
	g := NewFIFO(1)
	ctx := context.Background()

	held, err := g.RequestSlot(ctx)
	require.NoError(t, err)

	slots := make(chan *Slot, 2)
	for range 2 {
		go func() {
			s, err := g.RequestSlot(ctx)
			if assert.NoError(t, err) {
				slots <- s
			}
		}()
	}
	require.Eventually(t, func() bool { return g.Waiting() == 2 }, waitFor, time.Millisecond)

	g.SetCapacity(3)
	require.Eventually(t, func() bool { return g.InUse() == 3 }, waitFor, time.Millisecond)
	assert.Equal(t, 3, g.Capacity())

	// Shrinking keeps granted slots; new requests wait until usage drops.
	g.SetCapacity(1)
	held.Release()
	(<-slots).Release()
	assert.Equal(t, 1, g.InUse())
	(<-slots).Release()
	assert.Zero(t, g.InUse())

	g.SetCapacity(0)
	assert.Equal(t, 1, g.Capacity())
}

func TestExportKey_Compare(t *testing.T) {
	keys := []ExportKey{
		{IterationID: 2, BlockID: 1, Database: "a", Table: "t"},
		{IterationID: 1, BlockID: 2, Database: "a", Table: "t"},
		{IterationID: 1, BlockID: 1, Database: "b", Table: "t"},
		{IterationID: 1, BlockID: 1, Database: "a", Table: "u"},
		{IterationID: 1, BlockID: 1, Database: "a", Table: "t"},
	}
	for i := 1; i < len(keys); i++ {
		assert.Positive(t, keys[i-1].Compare(keys[i]), "%v should sort after %v", keys[i-1], keys[i])
	}
	assert.Zero(t, keys[0].Compare(keys[0]))
}

func TestExportGate(t *testing.T) {
	g := NewExportGate(2)
	s, err := g.RequestSlot(context.Background(), ExportKey{IterationID: 1, BlockID: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, g.InUse())
	s.Release()
}
