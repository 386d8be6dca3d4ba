// Package journal implements the bookmark: a durable, transactional,
// append-only block log on top of a block blob.
//
// # Layout
//
// Each journal block is one blob block named by its zero-padded decimal ID
// (10 digits), so committed list order equals numeric order. Block 0 is the
// header holding the format version; it is written once at creation and is
// never returned by ReadAll.
//
// # Transactions
//
// ApplyTransaction adds, updates and deletes blocks atomically:
//
//  1. Update/delete IDs are checked against the live set.
//  2. Each added block gets an ID: the smallest freed ID, else the next
//     counter value.
//  3. Every new content is staged concurrently. Staged content is invisible.
//  4. A commit request is submitted to the commit pump and awaited.
//
// # Commit Pump
//
// One goroutine owns every CommitBlockList call. It takes a pending request,
// drains everything else already pending, re-validates each request against
// the running live set, and commits all accepted requests in a single block
// list replacement. Every request is answered individually.
//
// A crash between staging and commit leaves orphaned staged content. Only the
// committed list is ever read back, so nothing needs cleaning for
// correctness; Open purges orphans when it holds the lease.
//
// # Lease
//
// With WithLease, Open acquires the blob lease and a keeper goroutine renews
// it. A failed renewal is published on Fatal: another process may be writing
// the same journal and this one must stop.
package journal
