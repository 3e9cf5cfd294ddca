package gateway

import (
	"errors"
	"fmt"
)

// Error kinds surfaced to API callers. Wrap them with fmt.Errorf("%w") and
// test with errors.Is.
var (
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("card is locked by another caller")
	ErrBadRequest = errors.New("bad request")
)

// TransportError is a card or reader failure.
type TransportError struct {
	Op     string
	Reader string
	ICC    string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s on reader %q: %v", e.Op, e.Reader, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func notFound(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

func badRequest(err error) error {
	return fmt.Errorf("%w: %v", ErrBadRequest, err)
}
