// Package planner decides how an iteration's cursor range is split into
// blocks. Only a trivial policy lives here; anything smarter plugs in
// through Planner.
package planner

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/kustocopy/internal/state"
)

// BlockPlan is one ingestion-time range to export as a block. Zero bounds
// are open.
type BlockPlan struct {
	IngestionTimeStart time.Time
	IngestionTimeEnd   time.Time
}

// Planner splits an iteration into blocks. It must return at least one
// block and the ranges must not overlap.
type Planner interface {
	Plan(ctx context.Context, activity state.Activity, iteration state.Iteration) ([]BlockPlan, error)
}

// Single plans the whole iteration as one unbounded block.
type Single struct{}

func (Single) Plan(context.Context, state.Activity, state.Iteration) ([]BlockPlan, error) {
	return []BlockPlan{{}}, nil
}

// Blocks turns plans into Planned blocks numbered from 1.
func Blocks(iteration state.Iteration, plans []BlockPlan) ([]state.Block, error) {
	if len(plans) == 0 {
		return nil, fmt.Errorf("plan iteration %s: no blocks", iteration.Key())
	}
	blocks := make([]state.Block, 0, len(plans))
	for i, p := range plans {
		b := state.NewBlock(iteration.ActivityName, iteration.IterationID, int64(i+1), p.IngestionTimeStart, p.IngestionTimeEnd)
		if err := b.Validate(); err != nil {
			return nil, fmt.Errorf("plan iteration %s: %w", iteration.Key(), err)
		}
		blocks = append(blocks, b)
	}
	return blocks, nil
}
