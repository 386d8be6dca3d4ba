// Package state defines the replication entities persisted in the bookmark.
//
// The ownership tree is Activity → Iteration → Block → {Url, Extent}. Every
// entity is an immutable value: transitions such as WithState return a new
// value and never touch the receiver.
//
// Invariants, enforced by Validate before anything is written:
//   - Key components are present; numeric ones are strictly positive.
//   - Names are NFC-normalised (constructors normalise for you).
//   - Block.ExportOperationID is set iff the block is Exporting.
//   - Block.BlockTag is set iff the block is Queued or later.
//   - Iteration.CursorEnd is set in every state but Starting.
//   - Iteration.TempTableName is set from TempTableCreating on.
//
// The model does not encode a transition table. Runners sequence legal
// transitions; the only backwards moves are the restart rollbacks
// (Block.RollbackOnRestart, Url.RollbackForRequeue).
//
// Records are serialised one per journal block as JSON with a "kind"
// discriminator. Encoding, decoding and validation dispatch on Kind through
// a table, never on Go runtime types.
package state
