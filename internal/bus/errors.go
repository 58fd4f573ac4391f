package bus

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is reported when an exchange does not complete in time.
	ErrTimeout = errors.New("exchange timed out")

	// ErrEmptyResponse is reported when a register read returns no values.
	ErrEmptyResponse = errors.New("empty response")

	// ErrInvalidResponse is reported by a Conn when a reply cannot be matched
	// to the request, e.g. it carries a different unit address.
	ErrInvalidResponse = errors.New("invalid response")

	// ErrClosed is reported for operations submitted after Close.
	ErrClosed = errors.New("coordinator closed")
)

// Error wraps every failure reported by the coordinator with the operation
// that caused it.
type Error struct {
	Op  Op
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("bus: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsTimeout reports whether err is an exchange timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
