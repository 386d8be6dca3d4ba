package planner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/kustocopy/internal/state"
)

func TestSingle(t *testing.T) {
	it := state.NewIteration("orders", 1, "").WithState(state.IterationPlanning).WithCursorEnd("10")
	plans, err := Single{}.Plan(context.Background(), state.Activity{}, it)
	require.NoError(t, err)

	blocks, err := Blocks(it, plans)
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, state.BlockKey{Activity: "orders", Iteration: 1, Block: 1}, blocks[0].Key())
	assert.Equal(t, state.BlockPlanned, blocks[0].State)
	assert.True(t, blocks[0].IngestionTimeStart.IsZero())
}

func TestBlocks(t *testing.T) {
	it := state.NewIteration("orders", 2, "10")
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	blocks, err := Blocks(it, []BlockPlan{
		{IngestionTimeEnd: t0},
		{IngestionTimeStart: t0, IngestionTimeEnd: t0.Add(time.Hour)},
		{IngestionTimeStart: t0.Add(time.Hour)},
	})
	require.NoError(t, err)
	require.Len(t, blocks, 3)
	assert.Equal(t, int64(3), blocks[2].BlockID)

	_, err = Blocks(it, nil)
	require.Error(t, err)

	_, err = Blocks(it, []BlockPlan{{IngestionTimeStart: t0, IngestionTimeEnd: t0}})
	require.ErrorIs(t, err, state.ErrInvalid)
}
