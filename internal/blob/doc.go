// Package blob provides the block blob primitive the bookmark journal is
// built on.
//
// A block blob is an ordered list of named, committed blocks plus a pool of
// staged (uncommitted) content. Writers stage content first and then replace
// the whole committed list in one atomic call:
//
//	staged, _ := b.StageBlock(ctx, "0000000007", data)
//	_ = b.CommitBlockList(ctx, []blob.BlockRef{
//		{Name: "0000000000"},                                 // keep committed content
//		{Name: "0000000007", StageID: staged.StageID},        // take staged content
//	})
//
// Staged content is never visible to readers. A crash between staging and
// commit leaves an orphaned staged block that nothing references.
//
// The blob also carries a single exclusive, renewable lease used to keep two
// processes from driving the same journal.
//
// # Storage
//
// SQLiteBlob keeps one blob per SQLite file, configured with:
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL
//   - busy_timeout=5000
//
// Committed list order is the position column, never insertion order.
package blob
