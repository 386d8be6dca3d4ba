// Package cache materialises the bookmark journal into an immutable
// Activity → Iteration → Block → {Url, Extent} tree.
//
// A Cache is never modified after construction. Apply and Remove return a
// new Cache that shares every untouched subtree with the receiver, so readers
// holding an older snapshot are unaffected by later commits.
package cache

import (
	"cmp"
	"fmt"
	"slices"
	"sync/atomic"

	"github.com/roach88/kustocopy/internal/journal"
	"github.com/roach88/kustocopy/internal/state"
)

var (
	// ErrMissingParent is returned when a record arrives before its owner.
	ErrMissingParent = fmt.Errorf("%w: missing parent", journal.ErrIntegrity)

	// ErrDuplicateKey is returned when one entity key is claimed by two
	// journal blocks.
	ErrDuplicateKey = fmt.Errorf("%w: duplicate key", journal.ErrIntegrity)

	// ErrNotFound is returned when removing a record that is not cached.
	ErrNotFound = fmt.Errorf("%w: record not cached", journal.ErrIntegrity)

	// ErrNotRemovable is returned when removing anything but a Url or Extent.
	ErrNotRemovable = fmt.Errorf("%w: only urls and extents can be removed", journal.ErrIntegrity)
)

// Entry is one committed journal block decoded into a record.
type Entry struct {
	ID     journal.ID
	Record state.Record
}

// generations stamps each batch so nodes created by it can be mutated in
// place until the batch is published.
var generations atomic.Uint64

type activityNode struct {
	gen        uint64
	id         journal.ID
	value      state.Activity
	iterations map[int64]*iterationNode
}

type iterationNode struct {
	gen    uint64
	id     journal.ID
	value  state.Iteration
	blocks map[int64]*blockNode
}

type blockNode struct {
	gen     uint64
	id      journal.ID
	value   state.Block
	urls    map[string]urlLeaf
	extents map[string]extentLeaf
}

type urlLeaf struct {
	id    journal.ID
	value state.Url
}

type extentLeaf struct {
	id    journal.ID
	value state.Extent
}

// Cache is an immutable snapshot of the bookmark.
type Cache struct {
	activities map[string]*activityNode
	size       int
}

// Empty returns a cache with no records.
func Empty() *Cache {
	return &Cache{activities: map[string]*activityNode{}}
}

// Len is the number of cached records.
func (c *Cache) Len() int { return c.size }

// Apply upserts entries in order and returns the resulting cache. An entry
// whose key is already cached must carry the same journal ID.
func (c *Cache) Apply(entries ...Entry) (*Cache, error) {
	b := c.batch()
	for _, e := range entries {
		if err := e.Record.Validate(); err != nil {
			return nil, fmt.Errorf("apply block %d: %w", e.ID, err)
		}
		if err := dispatch[e.Record.Kind].apply(b, e.ID, e.Record); err != nil {
			return nil, fmt.Errorf("apply block %d %s: %w", e.ID, e.Record, err)
		}
	}
	return b.publish(), nil
}

// Remove drops Url and Extent records. Each entry's journal ID must match
// the cached one.
func (c *Cache) Remove(entries ...Entry) (*Cache, error) {
	b := c.batch()
	for _, e := range entries {
		if err := e.Record.Validate(); err != nil {
			return nil, fmt.Errorf("remove block %d: %w", e.ID, err)
		}
		ops := dispatch[e.Record.Kind]
		if ops.remove == nil {
			return nil, fmt.Errorf("remove %s: %w", e.Record, ErrNotRemovable)
		}
		if err := ops.remove(b, e.ID, e.Record); err != nil {
			return nil, fmt.Errorf("remove block %d %s: %w", e.ID, e.Record, err)
		}
	}
	return b.publish(), nil
}

// IDOf returns the journal block currently holding r's key.
func (c *Cache) IDOf(r state.Record) (journal.ID, bool) {
	if r.Validate() != nil {
		return 0, false
	}
	return dispatch[r.Kind].lookup(c, r)
}

// depth orders record kinds owner first.
var depth = map[state.Kind]int{
	state.KindActivity:  0,
	state.KindIteration: 1,
	state.KindBlock:     2,
	state.KindUrl:       3,
	state.KindExtent:    3,
}

// Replay folds journal blocks into a fresh cache. Freed journal IDs are
// reused, so a child may sit at a lower ID than its owner; records are
// applied owners first and in journal order within a kind.
func Replay(blocks []journal.Block) (*Cache, error) {
	entries := make([]Entry, 0, len(blocks))
	for _, blk := range blocks {
		r, err := state.Decode(blk.Data)
		if err != nil {
			return nil, fmt.Errorf("replay block %d: %w: %w", blk.ID, journal.ErrIntegrity, err)
		}
		entries = append(entries, Entry{ID: blk.ID, Record: r})
	}
	slices.SortStableFunc(entries, func(a, b Entry) int {
		return cmp.Compare(depth[a.Record.Kind], depth[b.Record.Kind])
	})
	return Empty().Apply(entries...)
}

// Activity returns the named activity.
func (c *Cache) Activity(name string) (state.Activity, bool) {
	n, ok := c.activities[name]
	if !ok {
		return state.Activity{}, false
	}
	return n.value, true
}

// Activities returns every activity ordered by name.
func (c *Cache) Activities() []state.Activity {
	out := make([]state.Activity, 0, len(c.activities))
	for _, n := range c.activities {
		out = append(out, n.value)
	}
	slices.SortFunc(out, func(a, b state.Activity) int { return cmp.Compare(a.Name, b.Name) })
	return out
}

func (c *Cache) iteration(k state.IterationKey) (*iterationNode, bool) {
	a, ok := c.activities[k.Activity]
	if !ok {
		return nil, false
	}
	n, ok := a.iterations[k.Iteration]
	return n, ok
}

func (c *Cache) block(k state.BlockKey) (*blockNode, bool) {
	it, ok := c.iteration(k.IterationKey())
	if !ok {
		return nil, false
	}
	n, ok := it.blocks[k.Block]
	return n, ok
}

// Iteration returns one iteration.
func (c *Cache) Iteration(k state.IterationKey) (state.Iteration, bool) {
	n, ok := c.iteration(k)
	if !ok {
		return state.Iteration{}, false
	}
	return n.value, true
}

// Iterations returns an activity's iterations ordered by ID.
func (c *Cache) Iterations(activity string) []state.Iteration {
	a, ok := c.activities[activity]
	if !ok {
		return nil
	}
	out := make([]state.Iteration, 0, len(a.iterations))
	for _, n := range a.iterations {
		out = append(out, n.value)
	}
	slices.SortFunc(out, func(a, b state.Iteration) int { return cmp.Compare(a.IterationID, b.IterationID) })
	return out
}

// Block returns one block.
func (c *Cache) Block(k state.BlockKey) (state.Block, bool) {
	n, ok := c.block(k)
	if !ok {
		return state.Block{}, false
	}
	return n.value, true
}

// Blocks returns an iteration's blocks ordered by ID.
func (c *Cache) Blocks(k state.IterationKey) []state.Block {
	it, ok := c.iteration(k)
	if !ok {
		return nil
	}
	out := make([]state.Block, 0, len(it.blocks))
	for _, n := range it.blocks {
		out = append(out, n.value)
	}
	slices.SortFunc(out, func(a, b state.Block) int { return cmp.Compare(a.BlockID, b.BlockID) })
	return out
}

// Urls returns a block's urls ordered by url.
func (c *Cache) Urls(k state.BlockKey) []state.Url {
	n, ok := c.block(k)
	if !ok {
		return nil
	}
	out := make([]state.Url, 0, len(n.urls))
	for _, l := range n.urls {
		out = append(out, l.value)
	}
	slices.SortFunc(out, func(a, b state.Url) int { return cmp.Compare(a.Url, b.Url) })
	return out
}

// Extents returns a block's extents ordered by extent ID.
func (c *Cache) Extents(k state.BlockKey) []state.Extent {
	n, ok := c.block(k)
	if !ok {
		return nil
	}
	out := make([]state.Extent, 0, len(n.extents))
	for _, l := range n.extents {
		out = append(out, l.value)
	}
	slices.SortFunc(out, func(a, b state.Extent) int { return cmp.Compare(a.ExtentID, b.ExtentID) })
	return out
}
