package bookmark

import (
	"context"
	"fmt"

	"github.com/roach88/kustocopy/internal/state"
)

// RecoveryReport counts what Recover rolled back.
type RecoveryReport struct {
	BlocksReplanned int
	UrlsDiscarded   int
	UrlsRequeued    int
}

func (r RecoveryReport) Empty() bool {
	return r.BlocksReplanned == 0 && r.UrlsDiscarded == 0 && r.UrlsRequeued == 0
}

// Recover rolls in-flight work back to a safe starting point in a single
// transaction. Blocks caught Exporting return to Planned and lose their
// urls. Urls of Exported blocks are sent back to Exported so they are queued
// again.
func (b *Bookmark) Recover(ctx context.Context) (RecoveryReport, error) {
	c := b.Cache()
	var tx Tx
	var report RecoveryReport

	for _, a := range c.Activities() {
		for _, it := range c.Iterations(a.Name) {
			for _, blk := range c.Blocks(it.Key()) {
				switch blk.State {
				case state.BlockExporting:
					rolled, _ := blk.RollbackOnRestart()
					tx.Put = append(tx.Put, state.BlockRecord(rolled))
					report.BlocksReplanned++
					for _, u := range c.Urls(blk.Key()) {
						tx.Delete = append(tx.Delete, state.UrlRecord(u))
						report.UrlsDiscarded++
					}
				case state.BlockExported:
					for _, u := range c.Urls(blk.Key()) {
						if rolled, changed := u.RollbackForRequeue(); changed {
							tx.Put = append(tx.Put, state.UrlRecord(rolled))
							report.UrlsRequeued++
						}
					}
				}
			}
		}
	}

	if tx.Empty() {
		return report, nil
	}
	if err := b.Commit(ctx, tx); err != nil {
		return RecoveryReport{}, fmt.Errorf("recover: %w", err)
	}
	b.logger.Info("bookmark recovered",
		"blocks_replanned", report.BlocksReplanned,
		"urls_discarded", report.UrlsDiscarded,
		"urls_requeued", report.UrlsRequeued)
	return report, nil
}
