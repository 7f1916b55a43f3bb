package portset

import (
	"github.com/pkg/errors"
)

var (
	// ErrOutOfRange is returned when a port falls outside the set's bounds.
	ErrOutOfRange = errors.New("port is outside of the range of the set")
	// ErrExist is returned by add on a present entry and by del on an absent one.
	ErrExist = errors.New("element already added or missing from set")
	// ErrProtocol is returned for malformed or contradictory requests.
	ErrProtocol = errors.New("protocol error")
	// ErrAllocation is returned when the member store cannot be sized.
	ErrAllocation = errors.New("cannot allocate set memory")
)

// IsExist reports whether err means the element was already added, or was
// already missing on delete.
func IsExist(err error) bool {
	return errors.Is(err, ErrExist)
}

// IsOutOfRange reports whether err was caused by a port outside the set bounds.
func IsOutOfRange(err error) bool {
	return errors.Is(err, ErrOutOfRange)
}

func outOfRange(port uint32, d Descriptor) error {
	return errors.Wrapf(ErrOutOfRange, "port %d not in %d-%d", port, d.FirstPort, d.LastPort)
}
