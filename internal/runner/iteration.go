package runner

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/kustocopy/internal/bookmark"
	"github.com/roach88/kustocopy/internal/planner"
	"github.com/roach88/kustocopy/internal/state"
)

// runIteration drives an iteration to Completed. Blocks start exporting as
// soon as they are planned; the temp table is created alongside and blocks
// wait for it before ingesting.
func (r *Runner) runIteration(ctx context.Context, spec ActivitySpec, act state.Activity, it state.Iteration) error {
	err := r.driveIteration(ctx, act, it)
	if err == nil || IsFatal(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	current, _ := r.bm.Cache().Iteration(it.Key())
	return &IterationError{Iteration: it.Key(), State: current.State, Err: err}
}

func (r *Runner) driveIteration(ctx context.Context, act state.Activity, it state.Iteration) error {
	it, err := r.planIteration(ctx, act, it)
	if err != nil {
		return err
	}
	if it.State == state.IterationCompleted {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	tempReady := make(chan struct{})
	g.Go(func() error {
		if err := r.createTempTable(gctx, act, it); err != nil {
			return err
		}
		close(tempReady)
		return nil
	})
	for _, blk := range r.bm.Cache().Blocks(it.Key()) {
		g.Go(func() error {
			return r.runBlock(gctx, act, blk.Key(), tempReady)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	return r.completeIteration(ctx, act, it.Key())
}

// planIteration takes an iteration from Starting to Planned. The blocks are
// written in the same transaction as Planned.
func (r *Runner) planIteration(ctx context.Context, act state.Activity, it state.Iteration) (state.Iteration, error) {
	if it.State == state.IterationStarting {
		src, err := r.clusters.Get(act.Source.ClusterURI)
		if err != nil {
			return it, err
		}
		cursor, err := src.CurrentCursor(ctx, act.Source.Database)
		if err != nil {
			return it, fmt.Errorf("current cursor: %w", err)
		}
		it = it.WithCursorEnd(cursor).WithState(state.IterationPlanning)
		if err := r.commit(ctx, bookmark.Tx{Put: []state.Record{state.IterationRecord(it)}}); err != nil {
			return it, err
		}
	}

	if it.State == state.IterationPlanning {
		plans, err := r.opts.Planner.Plan(ctx, act, it)
		if err != nil {
			return it, fmt.Errorf("plan: %w", err)
		}
		blocks, err := planner.Blocks(it, plans)
		if err != nil {
			return it, err
		}
		it = it.WithState(state.IterationPlanned)
		tx := bookmark.Tx{Put: []state.Record{state.IterationRecord(it)}}
		for _, b := range blocks {
			tx.Put = append(tx.Put, state.BlockRecord(b))
		}
		if err := r.commit(ctx, tx); err != nil {
			return it, err
		}
		r.logger.Info("iteration planned", "iteration", it.Key(),
			"cursor_start", it.CursorStart, "cursor_end", it.CursorEnd, "blocks", len(blocks))
	}
	return it, nil
}

// createTempTable takes an iteration from Planned to TempTableCreated.
// Creating the table again after a restart is harmless.
func (r *Runner) createTempTable(ctx context.Context, act state.Activity, it state.Iteration) error {
	if it.State >= state.IterationTempTableCreated {
		return nil
	}
	if it.State == state.IterationPlanned {
		it = it.WithTempTableName(state.TempTableName(act.Name, act.Destination.Table, it.IterationID)).
			WithState(state.IterationTempTableCreating)
		if err := r.commit(ctx, bookmark.Tx{Put: []state.Record{state.IterationRecord(it)}}); err != nil {
			return err
		}
	}

	dst, g, err := r.destination(ctx, act)
	if err != nil {
		return err
	}
	err = withSlot(ctx, g.command, func() error {
		return dst.CreateTempTable(ctx, act.Destination.Database, it.TempTableName, act.Destination.Table)
	})
	if err != nil {
		return fmt.Errorf("create temp table %s: %w", it.TempTableName, err)
	}
	r.logger.Debug("temp table created", "iteration", it.Key(), "table", it.TempTableName)

	return r.commit(ctx, bookmark.Tx{Put: []state.Record{
		state.IterationRecord(it.WithState(state.IterationTempTableCreated)),
	}})
}

// completeIteration drops the temp table once every block has moved its
// extents.
func (r *Runner) completeIteration(ctx context.Context, act state.Activity, key state.IterationKey) error {
	c := r.bm.Cache()
	it, ok := c.Iteration(key)
	if !ok {
		return fmt.Errorf("iteration %s: %w", key, errMissing)
	}
	for _, blk := range c.Blocks(key) {
		if blk.State != state.BlockExtentMoved {
			return fmt.Errorf("block %s is %s, not %s", blk.Key(), blk.State, state.BlockExtentMoved)
		}
	}

	dst, g, err := r.destination(ctx, act)
	if err != nil {
		return err
	}
	err = withSlot(ctx, g.command, func() error {
		return dst.DropTable(ctx, act.Destination.Database, it.TempTableName)
	})
	if err != nil {
		return fmt.Errorf("drop temp table %s: %w", it.TempTableName, err)
	}
	return r.commit(ctx, bookmark.Tx{Put: []state.Record{
		state.IterationRecord(it.WithState(state.IterationCompleted)),
	}})
}
