package runner

import (
	"context"
	"fmt"

	"github.com/roach88/kustocopy/internal/bookmark"
	"github.com/roach88/kustocopy/internal/state"
)

// runActivity drives one activity until it completes or fails.
func (r *Runner) runActivity(ctx context.Context, spec ActivitySpec) error {
	act, err := r.startActivity(ctx, spec)
	if err != nil {
		return err
	}
	logger := r.logger.With("activity", act.Name)
	if act.State == state.ActivityCompleted {
		logger.Info("activity already completed")
		return nil
	}

	for {
		it, ok, err := r.nextIteration(ctx, spec, act)
		if err != nil {
			return err
		}
		if !ok {
			return r.commit(ctx, bookmark.Tx{Put: []state.Record{
				state.ActivityRecord(act.WithState(state.ActivityCompleted)),
			}})
		}

		logger.Info("iteration started", "iteration", it.IterationID, "state", it.State)
		if err := r.runIteration(ctx, spec, act, it); err != nil {
			return err
		}
		logger.Info("iteration completed", "iteration", it.IterationID)
	}
}

// startActivity records the activity on first sight and moves it to
// Running. A recorded activity must still copy between the same tables.
func (r *Runner) startActivity(ctx context.Context, spec ActivitySpec) (state.Activity, error) {
	want := state.NewActivity(spec.Name, spec.Source, spec.Destination)
	act, ok := r.bm.Cache().Activity(want.Name)
	if !ok {
		act = want
		if err := r.commit(ctx, bookmark.Tx{Put: []state.Record{state.ActivityRecord(act)}}); err != nil {
			return state.Activity{}, err
		}
	} else if act.Source != want.Source || act.Destination != want.Destination {
		return state.Activity{}, fmt.Errorf("activity %s is recorded as %s -> %s, configured as %s -> %s",
			act.Name, act.Source, act.Destination, want.Source, want.Destination)
	}

	if act.State == state.ActivityStarting {
		act = act.WithState(state.ActivityRunning)
		if err := r.commit(ctx, bookmark.Tx{Put: []state.Record{state.ActivityRecord(act)}}); err != nil {
			return state.Activity{}, err
		}
	}
	return act, nil
}

// nextIteration returns the iteration to drive: the latest unfinished one,
// or a new one. It reports false once a one-shot activity has nothing left
// to do. Continuous activities wait for the source cursor to move.
func (r *Runner) nextIteration(ctx context.Context, spec ActivitySpec, act state.Activity) (state.Iteration, bool, error) {
	its := r.bm.Cache().Iterations(act.Name)
	if len(its) == 0 {
		it := state.NewIteration(act.Name, 1, "")
		return it, true, r.commit(ctx, bookmark.Tx{Put: []state.Record{state.IterationRecord(it)}})
	}

	last := its[len(its)-1]
	if last.State != state.IterationCompleted {
		return last, true, nil
	}
	if !spec.Continuous {
		return state.Iteration{}, false, nil
	}

	src, err := r.clusters.Get(act.Source.ClusterURI)
	if err != nil {
		return state.Iteration{}, false, err
	}
	for {
		if err := sleep(ctx, r.opts.IterationPeriod); err != nil {
			return state.Iteration{}, false, err
		}
		cursor, err := src.CurrentCursor(ctx, act.Source.Database)
		if err != nil {
			return state.Iteration{}, false, fmt.Errorf("current cursor: %w", err)
		}
		if cursor == last.CursorEnd {
			r.logger.Debug("source cursor unchanged", "activity", act.Name, "cursor", cursor)
			continue
		}
		it := state.NewIteration(act.Name, last.IterationID+1, last.CursorEnd)
		return it, true, r.commit(ctx, bookmark.Tx{Put: []state.Record{state.IterationRecord(it)}})
	}
}
