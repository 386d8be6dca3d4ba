package state

import (
	"errors"
	"fmt"
)

// ErrInvalid marks a record that fails validation. Persisting such a record
// is a logic error, so it is never retried.
var ErrInvalid = errors.New("invalid record")

// ErrUnknownKind is returned when decoding a record with an unknown
// discriminator.
var ErrUnknownKind = fmt.Errorf("%w: unknown kind", ErrInvalid)

func invalidf(entity, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalid, entity, fmt.Sprintf(format, args...))
}

// IsInvalid reports whether err is a validation failure.
func IsInvalid(err error) bool {
	return errors.Is(err, ErrInvalid)
}
