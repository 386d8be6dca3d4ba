package journal

import (
	"errors"
	"fmt"
)

// ErrIntegrity marks errors that indicate corruption or a logic error.
// They must abort the run, never be retried.
var ErrIntegrity = errors.New("journal integrity violation")

var (
	// ErrCorruptHeader is returned by Open when block 0 is missing or does
	// not carry the expected format version.
	ErrCorruptHeader = fmt.Errorf("%w: corrupt header", ErrIntegrity)

	// ErrCorruptBlockList is returned by Open when a committed block name is
	// not a journal block ID.
	ErrCorruptBlockList = fmt.Errorf("%w: corrupt block list", ErrIntegrity)

	// ErrUnknownBlock is returned when a transaction updates or deletes an ID
	// that is not live.
	ErrUnknownBlock = fmt.Errorf("%w: unknown block id", ErrIntegrity)

	// ErrDuplicateBlock is returned when a transaction names the same ID more
	// than once.
	ErrDuplicateBlock = fmt.Errorf("%w: block id repeated in transaction", ErrIntegrity)
)

// ErrClosed is returned by operations on a closed Store.
var ErrClosed = errors.New("journal closed")

// IsIntegrityError reports whether err is fatal corruption or misuse.
func IsIntegrityError(err error) bool {
	return errors.Is(err, ErrIntegrity)
}
