package executor

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nerrad567/dorfbus/internal/livestate"
)

var (
	// ErrNotFound is returned when a coil, tag, or device name does not resolve.
	ErrNotFound = livestate.ErrNotFound

	// ErrAddressInvalid is returned when an address change is refused before
	// anything is sent.
	ErrAddressInvalid = errors.New("invalid device address")

	// ErrDeviceUnseen is reported for coils skipped because their device did
	// not answer the last probe.
	ErrDeviceUnseen = errors.New("device not seen on bus")
)

// TagError reports a tag switch where at least one coil failed. Coils that
// succeeded keep their new state.
type TagError struct {
	Tag    string
	Failed []string
	Total  int
}

func (e *TagError) Error() string {
	return fmt.Sprintf("tag %q: %d of %d coils failed (%s)",
		e.Tag, len(e.Failed), e.Total, strings.Join(e.Failed, ", "))
}
