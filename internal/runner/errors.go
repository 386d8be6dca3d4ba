package runner

import (
	"errors"
	"fmt"

	"github.com/roach88/kustocopy/internal/journal"
	"github.com/roach88/kustocopy/internal/state"
)

// errMissing is a record the run depends on that the bookmark no longer
// holds.
var errMissing = fmt.Errorf("record missing from bookmark: %w", journal.ErrIntegrity)

// FatalError aborts the whole run. It wraps bookmark write failures and
// integrity violations; nothing about them is retried.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return "fatal: " + e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// IsFatal reports whether err must stop every activity.
func IsFatal(err error) bool {
	var f *FatalError
	return errors.As(err, &f) || journal.IsIntegrityError(err) || state.IsInvalid(err)
}

// BlockError is a block that could not be completed.
type BlockError struct {
	Block state.BlockKey
	Err   error
}

func (e *BlockError) Error() string { return fmt.Sprintf("block %s: %v", e.Block, e.Err) }
func (e *BlockError) Unwrap() error { return e.Err }

// IterationError is an iteration that stopped short of Completed. Only its
// activity stops; the others carry on.
type IterationError struct {
	Iteration state.IterationKey
	State     state.IterationState
	Err       error
}

func (e *IterationError) Error() string {
	return fmt.Sprintf("iteration %s failed in state %s: %v", e.Iteration, e.State, e.Err)
}

func (e *IterationError) Unwrap() error { return e.Err }

// retryableError marks a failure that re-planning the block may fix.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

func retryable(format string, args ...any) error {
	return &retryableError{err: fmt.Errorf(format, args...)}
}
