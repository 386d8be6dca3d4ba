package cache

import (
	"fmt"

	"github.com/roach88/kustocopy/internal/journal"
	"github.com/roach88/kustocopy/internal/state"
)

func missingParent(kind, key string) error {
	return fmt.Errorf("%w: %s %s", ErrMissingParent, kind, key)
}

func duplicateKey(have, got journal.ID) error {
	return fmt.Errorf("%w: already held by block %d, got block %d", ErrDuplicateKey, have, got)
}

// ActivityTree is a plain copy of one activity subtree, children ordered by
// key. It exists for comparison and display.
type ActivityTree struct {
	ID         journal.ID      `json:"journal_id"`
	Activity   state.Activity  `json:"activity"`
	Iterations []IterationTree `json:"iterations,omitempty"`
}

type IterationTree struct {
	ID        journal.ID      `json:"journal_id"`
	Iteration state.Iteration `json:"iteration"`
	Blocks    []BlockTree     `json:"blocks,omitempty"`
}

type BlockTree struct {
	ID      journal.ID     `json:"journal_id"`
	Block   state.Block    `json:"block"`
	Urls    []state.Url    `json:"urls,omitempty"`
	Extents []state.Extent `json:"extents,omitempty"`
}

// Tree returns the whole cache as nested values.
func (c *Cache) Tree() []ActivityTree {
	var out []ActivityTree
	for _, a := range c.Activities() {
		an := c.activities[a.Name]
		at := ActivityTree{ID: an.id, Activity: a}
		for _, it := range c.Iterations(a.Name) {
			in := an.iterations[it.IterationID]
			itt := IterationTree{ID: in.id, Iteration: it}
			for _, blk := range c.Blocks(it.Key()) {
				itt.Blocks = append(itt.Blocks, BlockTree{
					ID:      in.blocks[blk.BlockID].id,
					Block:   blk,
					Urls:    c.Urls(blk.Key()),
					Extents: c.Extents(blk.Key()),
				})
			}
			at.Iterations = append(at.Iterations, itt)
		}
		out = append(out, at)
	}
	return out
}
