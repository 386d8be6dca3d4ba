package runner

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/kustocopy/internal/bookmark"
	"github.com/roach88/kustocopy/internal/cluster"
	"github.com/roach88/kustocopy/internal/gate"
	"github.com/roach88/kustocopy/internal/state"
)

// runBlock drives a block to ExtentMoved. Every step starts from the
// block's committed state, so a block resumes wherever a restart left it.
func (r *Runner) runBlock(ctx context.Context, act state.Activity, key state.BlockKey, tempReady <-chan struct{}) error {
	for {
		blk, ok := r.bm.Cache().Block(key)
		if !ok {
			return fmt.Errorf("block %s: %w", key, errMissing)
		}

		var err error
		switch blk.State {
		case state.BlockPlanned:
			err = r.startExport(ctx, act, blk)
		case state.BlockExporting:
			err = r.finishExport(ctx, act, blk)
		case state.BlockCompletingExport:
			err = r.commit(ctx, bookmark.Tx{Put: []state.Record{
				state.BlockRecord(blk.WithState(state.BlockExported)),
			}})
		case state.BlockExported:
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-tempReady:
			}
			err = r.queueIngestion(ctx, act, blk)
		case state.BlockQueued:
			err = r.awaitIngestion(ctx, act, blk)
		case state.BlockIngested:
			err = r.moveExtents(ctx, act, blk)
		case state.BlockExtentMoved:
			return nil
		default:
			return fmt.Errorf("block %s in unknown state %s: %w", key, blk.State, state.ErrInvalid)
		}

		if err == nil {
			continue
		}
		if IsFatal(err) || ctx.Err() != nil {
			return err
		}
		if !isRetryable(err) || blk.Retries >= r.opts.MaxBlockRetries {
			return &BlockError{Block: key, Err: err}
		}
		if err := r.retryBlock(ctx, blk, err); err != nil {
			return err
		}
	}
}

func isRetryable(err error) bool {
	var re *retryableError
	return errors.As(err, &re) || cluster.IsRetryable(err)
}

// retryBlock sends a block back to Planned and forgets everything learned
// about its previous attempt.
func (r *Runner) retryBlock(ctx context.Context, blk state.Block, cause error) error {
	c := r.bm.Cache()
	if current, ok := c.Block(blk.Key()); ok {
		blk = current
	}
	tx := bookmark.Tx{Put: []state.Record{state.BlockRecord(blk.WithRetry())}}
	for _, u := range c.Urls(blk.Key()) {
		tx.Delete = append(tx.Delete, state.UrlRecord(u))
	}
	for _, e := range c.Extents(blk.Key()) {
		tx.Delete = append(tx.Delete, state.ExtentRecord(e))
	}
	r.logger.Warn("retrying block", "block", blk.Key(), "state", blk.State,
		"attempt", blk.Retries+1, "error", cause)
	return r.commit(ctx, tx)
}

// startExport takes a Planned block to Exporting. The export slot is held
// until the export operation finishes.
func (r *Runner) startExport(ctx context.Context, act state.Activity, blk state.Block) error {
	src, g, err := r.source(ctx, act)
	if err != nil {
		return err
	}
	it, ok := r.bm.Cache().Iteration(blk.IterationKey())
	if !ok {
		return fmt.Errorf("iteration %s: %w", blk.IterationKey(), errMissing)
	}

	slot, err := g.export.RequestSlot(ctx, gate.ExportKey{
		IterationID: blk.IterationID,
		BlockID:     blk.BlockID,
		Database:    act.Source.Database,
		Table:       act.Source.Table,
	})
	if err != nil {
		return err
	}
	defer slot.Release()

	opID, err := src.StartExport(ctx, cluster.ExportRequest{
		Database:           act.Source.Database,
		Table:              act.Source.Table,
		CursorStart:        it.CursorStart,
		CursorEnd:          it.CursorEnd,
		IngestionTimeStart: blk.IngestionTimeStart,
		IngestionTimeEnd:   blk.IngestionTimeEnd,
	})
	if err != nil {
		return fmt.Errorf("start export: %w", err)
	}
	blk = blk.WithState(state.BlockExporting).WithExportOperationID(opID)
	if err := r.commit(ctx, bookmark.Tx{Put: []state.Record{state.BlockRecord(blk)}}); err != nil {
		return err
	}
	r.logger.Debug("export started", "block", blk.Key(), "operation", opID)

	if _, err := cluster.WaitForOperation(ctx, src, opID, r.opts.PollInterval); err != nil {
		return fmt.Errorf("export: %w", err)
	}
	return nil
}

// finishExport records an export's urls and takes the block to
// CompletingExport. Urls are written while the block is still Exporting,
// so a crash part way through discards them on recovery.
func (r *Runner) finishExport(ctx context.Context, act state.Activity, blk state.Block) error {
	src, _, err := r.source(ctx, act)
	if err != nil {
		return err
	}
	if _, err := cluster.WaitForOperation(ctx, src, blk.ExportOperationID, r.opts.PollInterval); err != nil {
		return fmt.Errorf("export: %w", err)
	}
	exported, err := src.ExportResults(ctx, blk.ExportOperationID)
	if err != nil {
		return fmt.Errorf("export results: %w", err)
	}

	known := make(map[string]bool)
	for _, u := range r.bm.Cache().Urls(blk.Key()) {
		known[u.Url] = true
	}
	var pending []state.Record
	var rows int64
	for _, e := range exported {
		rows += e.RowCount
		if known[e.Url] {
			continue
		}
		pending = append(pending, state.UrlRecord(state.NewUrl(blk.Key(), e.Url, e.RowCount)))
	}
	for len(pending) > 0 {
		n := min(len(pending), r.opts.UrlsPerCommit)
		if err := r.commit(ctx, bookmark.Tx{Put: pending[:n]}); err != nil {
			return err
		}
		pending = pending[n:]
	}

	r.logger.Debug("export completed", "block", blk.Key(), "urls", len(exported), "rows", rows)
	return r.commit(ctx, bookmark.Tx{Put: []state.Record{
		state.BlockRecord(blk.WithState(state.BlockCompletingExport)),
	}})
}

// queueIngestion queues every Exported url of a block into the temp table
// and takes the block to Queued. Extents left in the temp table by an
// earlier attempt are dropped first.
func (r *Runner) queueIngestion(ctx context.Context, act state.Activity, blk state.Block) error {
	dst, g, err := r.destination(ctx, act)
	if err != nil {
		return err
	}
	temp, err := r.tempTable(blk)
	if err != nil {
		return err
	}
	tag := state.NewBlockTag(blk.Key())

	err = withSlot(ctx, g.command, func() error {
		return dst.DropExtentsByTag(ctx, act.Destination.Database, temp, tag)
	})
	if err != nil {
		return fmt.Errorf("drop extents tagged %s: %w", tag, err)
	}

	for _, u := range r.bm.Cache().Urls(blk.Key()) {
		if u.State != state.UrlExported {
			continue
		}
		var handle string
		err := withSlot(ctx, g.ingest, func() error {
			var err error
			handle, err = dst.QueueIngestion(ctx, cluster.IngestRequest{
				Database: act.Destination.Database,
				Table:    temp,
				Url:      u.Url,
				Tag:      tag,
			})
			return err
		})
		if err != nil {
			return fmt.Errorf("queue ingestion of %s: %w", u.Url, err)
		}
		if err := r.commit(ctx, bookmark.Tx{Put: []state.Record{state.UrlRecord(u.WithQueuedResult(handle))}}); err != nil {
			return err
		}
	}

	return r.commit(ctx, bookmark.Tx{Put: []state.Record{
		state.BlockRecord(blk.WithState(state.BlockQueued).WithBlockTag(tag)),
	}})
}

// awaitIngestion polls a Queued block's urls until all are ingested, then
// records the block's extents and takes it to Ingested. A failed ingestion
// or a row count that does not add up is retryable.
func (r *Runner) awaitIngestion(ctx context.Context, act state.Activity, blk state.Block) error {
	dst, g, err := r.destination(ctx, act)
	if err != nil {
		return err
	}
	temp, err := r.tempTable(blk)
	if err != nil {
		return err
	}

	for {
		pending := 0
		for _, u := range r.bm.Cache().Urls(blk.Key()) {
			if u.State != state.UrlQueued {
				continue
			}
			status, err := dst.IngestionStatus(ctx, u.SerializedQueuedResult)
			if err != nil {
				return fmt.Errorf("ingestion status of %s: %w", u.Url, err)
			}
			switch status.State {
			case cluster.IngestionSucceeded:
				if err := r.commit(ctx, bookmark.Tx{Put: []state.Record{state.UrlRecord(u.WithState(state.UrlIngested))}}); err != nil {
					return err
				}
			case cluster.IngestionFailed:
				return retryable("ingestion of %s failed: %s", u.Url, status.Message)
			default:
				pending++
			}
		}
		if pending == 0 {
			break
		}
		if err := sleep(ctx, r.opts.PollInterval); err != nil {
			return err
		}
	}

	var extents []cluster.Extent
	err = withSlot(ctx, g.command, func() error {
		var err error
		extents, err = dst.ExtentsByTag(ctx, act.Destination.Database, temp, blk.BlockTag)
		return err
	})
	if err != nil {
		return fmt.Errorf("extents tagged %s: %w", blk.BlockTag, err)
	}

	var want, got int64
	for _, u := range r.bm.Cache().Urls(blk.Key()) {
		want += u.RowCount
	}
	tx := bookmark.Tx{}
	for _, e := range extents {
		got += e.RowCount
		tx.Put = append(tx.Put, state.ExtentRecord(state.NewExtent(blk.Key(), e.ID, e.RowCount)))
	}
	if got != want {
		return retryable("temp table %s holds %d rows tagged %s, exported %d", temp, got, blk.BlockTag, want)
	}

	tx.Put = append(tx.Put, state.BlockRecord(blk.WithState(state.BlockIngested)))
	r.logger.Debug("block ingested", "block", blk.Key(), "extents", len(extents), "rows", got)
	return r.commit(ctx, tx)
}

// moveExtents moves an Ingested block's extents from the temp table into
// the destination table and takes it to ExtentMoved.
func (r *Runner) moveExtents(ctx context.Context, act state.Activity, blk state.Block) error {
	extents := r.bm.Cache().Extents(blk.Key())
	if len(extents) > 0 {
		dst, g, err := r.destination(ctx, act)
		if err != nil {
			return err
		}
		temp, err := r.tempTable(blk)
		if err != nil {
			return err
		}
		ids := make([]string, len(extents))
		for i, e := range extents {
			ids[i] = e.ExtentID
		}

		err = withSlot(ctx, g.command, func() error {
			opID, err := dst.MoveExtents(ctx, cluster.MoveRequest{
				Database:  act.Destination.Database,
				FromTable: temp,
				ToTable:   act.Destination.Table,
				ExtentIDs: ids,
			})
			if err != nil {
				return err
			}
			_, err = cluster.WaitForOperation(ctx, dst, opID, r.opts.PollInterval)
			return err
		})
		if err != nil {
			return fmt.Errorf("move extents: %w", err)
		}
	}

	return r.commit(ctx, bookmark.Tx{Put: []state.Record{
		state.BlockRecord(blk.WithState(state.BlockExtentMoved)),
	}})
}

func (r *Runner) tempTable(blk state.Block) (string, error) {
	it, ok := r.bm.Cache().Iteration(blk.IterationKey())
	if !ok {
		return "", fmt.Errorf("iteration %s: %w", blk.IterationKey(), errMissing)
	}
	if it.TempTableName == "" {
		return "", fmt.Errorf("iteration %s has no temp table in state %s", it.Key(), it.State)
	}
	return it.TempTableName, nil
}
