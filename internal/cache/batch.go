package cache

import (
	"maps"

	"github.com/roach88/kustocopy/internal/journal"
	"github.com/roach88/kustocopy/internal/state"
)

// batch is a cache under construction. Nodes stamped with the batch's gen
// were copied by this batch and may be mutated; all others are shared with
// the source cache and are copied before the first write.
type batch struct {
	gen        uint64
	activities map[string]*activityNode
	size       int
}

func (c *Cache) batch() *batch {
	return &batch{
		gen:        generations.Add(1),
		activities: maps.Clone(c.activities),
		size:       c.size,
	}
}

func (b *batch) publish() *Cache {
	return &Cache{activities: b.activities, size: b.size}
}

func (b *batch) activity(name string) (*activityNode, bool) {
	n, ok := b.activities[name]
	if !ok {
		return nil, false
	}
	if n.gen != b.gen {
		n = &activityNode{gen: b.gen, id: n.id, value: n.value, iterations: maps.Clone(n.iterations)}
		b.activities[name] = n
	}
	return n, true
}

func (b *batch) iteration(k state.IterationKey) (*iterationNode, bool) {
	a, ok := b.activity(k.Activity)
	if !ok {
		return nil, false
	}
	n, ok := a.iterations[k.Iteration]
	if !ok {
		return nil, false
	}
	if n.gen != b.gen {
		n = &iterationNode{gen: b.gen, id: n.id, value: n.value, blocks: maps.Clone(n.blocks)}
		a.iterations[k.Iteration] = n
	}
	return n, true
}

func (b *batch) block(k state.BlockKey) (*blockNode, bool) {
	it, ok := b.iteration(k.IterationKey())
	if !ok {
		return nil, false
	}
	n, ok := it.blocks[k.Block]
	if !ok {
		return nil, false
	}
	if n.gen != b.gen {
		n = &blockNode{
			gen:     b.gen,
			id:      n.id,
			value:   n.value,
			urls:    maps.Clone(n.urls),
			extents: maps.Clone(n.extents),
		}
		it.blocks[k.Block] = n
	}
	return n, true
}

// kindOps is the per-kind behaviour of the cache. remove is nil for kinds
// that cannot be removed.
type kindOps struct {
	apply  func(b *batch, id journal.ID, r state.Record) error
	remove func(b *batch, id journal.ID, r state.Record) error
	lookup func(c *Cache, r state.Record) (journal.ID, bool)
}

var dispatch = map[state.Kind]kindOps{
	state.KindActivity: {
		apply: applyActivity,
		lookup: func(c *Cache, r state.Record) (journal.ID, bool) {
			n, ok := c.activities[r.Activity.Name]
			if !ok {
				return 0, false
			}
			return n.id, true
		},
	},
	state.KindIteration: {
		apply: applyIteration,
		lookup: func(c *Cache, r state.Record) (journal.ID, bool) {
			n, ok := c.iteration(r.Iteration.Key())
			if !ok {
				return 0, false
			}
			return n.id, true
		},
	},
	state.KindBlock: {
		apply: applyBlock,
		lookup: func(c *Cache, r state.Record) (journal.ID, bool) {
			n, ok := c.block(r.Block.Key())
			if !ok {
				return 0, false
			}
			return n.id, true
		},
	},
	state.KindUrl: {
		apply:  applyUrl,
		remove: removeUrl,
		lookup: func(c *Cache, r state.Record) (journal.ID, bool) {
			n, ok := c.block(r.Url.BlockKey())
			if !ok {
				return 0, false
			}
			l, ok := n.urls[r.Url.Url]
			return l.id, ok
		},
	},
	state.KindExtent: {
		apply:  applyExtent,
		remove: removeExtent,
		lookup: func(c *Cache, r state.Record) (journal.ID, bool) {
			n, ok := c.block(r.Extent.BlockKey())
			if !ok {
				return 0, false
			}
			l, ok := n.extents[r.Extent.ExtentID]
			return l.id, ok
		},
	},
}

func checkSameBlock(have, got journal.ID) error {
	if have != got {
		return duplicateKey(have, got)
	}
	return nil
}

func applyActivity(b *batch, id journal.ID, r state.Record) error {
	a := *r.Activity
	if n, ok := b.activity(a.Name); ok {
		if err := checkSameBlock(n.id, id); err != nil {
			return err
		}
		n.value = a
		return nil
	}
	b.activities[a.Name] = &activityNode{gen: b.gen, id: id, value: a, iterations: map[int64]*iterationNode{}}
	b.size++
	return nil
}

func applyIteration(b *batch, id journal.ID, r state.Record) error {
	it := *r.Iteration
	parent, ok := b.activity(it.ActivityName)
	if !ok {
		return missingParent("activity", it.ActivityName)
	}
	if n, ok := b.iteration(it.Key()); ok {
		if err := checkSameBlock(n.id, id); err != nil {
			return err
		}
		n.value = it
		return nil
	}
	parent.iterations[it.IterationID] = &iterationNode{gen: b.gen, id: id, value: it, blocks: map[int64]*blockNode{}}
	b.size++
	return nil
}

func applyBlock(b *batch, id journal.ID, r state.Record) error {
	blk := *r.Block
	parent, ok := b.iteration(blk.IterationKey())
	if !ok {
		return missingParent("iteration", blk.IterationKey().String())
	}
	if n, ok := b.block(blk.Key()); ok {
		if err := checkSameBlock(n.id, id); err != nil {
			return err
		}
		n.value = blk
		return nil
	}
	parent.blocks[blk.BlockID] = &blockNode{
		gen:     b.gen,
		id:      id,
		value:   blk,
		urls:    map[string]urlLeaf{},
		extents: map[string]extentLeaf{},
	}
	b.size++
	return nil
}

func applyUrl(b *batch, id journal.ID, r state.Record) error {
	u := *r.Url
	parent, ok := b.block(u.BlockKey())
	if !ok {
		return missingParent("block", u.BlockKey().String())
	}
	if l, ok := parent.urls[u.Url]; ok {
		if err := checkSameBlock(l.id, id); err != nil {
			return err
		}
	} else {
		b.size++
	}
	parent.urls[u.Url] = urlLeaf{id: id, value: u}
	return nil
}

func applyExtent(b *batch, id journal.ID, r state.Record) error {
	e := *r.Extent
	parent, ok := b.block(e.BlockKey())
	if !ok {
		return missingParent("block", e.BlockKey().String())
	}
	if l, ok := parent.extents[e.ExtentID]; ok {
		if err := checkSameBlock(l.id, id); err != nil {
			return err
		}
	} else {
		b.size++
	}
	parent.extents[e.ExtentID] = extentLeaf{id: id, value: e}
	return nil
}

func removeUrl(b *batch, id journal.ID, r state.Record) error {
	parent, ok := b.block(r.Url.BlockKey())
	if !ok {
		return ErrNotFound
	}
	l, ok := parent.urls[r.Url.Url]
	if !ok || l.id != id {
		return ErrNotFound
	}
	delete(parent.urls, r.Url.Url)
	b.size--
	return nil
}

func removeExtent(b *batch, id journal.ID, r state.Record) error {
	parent, ok := b.block(r.Extent.BlockKey())
	if !ok {
		return ErrNotFound
	}
	l, ok := parent.extents[r.Extent.ExtentID]
	if !ok || l.id != id {
		return ErrNotFound
	}
	delete(parent.extents, r.Extent.ExtentID)
	b.size--
	return nil
}
