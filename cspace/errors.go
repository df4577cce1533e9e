package cspace

import "errors"

var (
	// ErrFull indicates that every slot in the managed range is allocated.
	ErrFull = errors.New("cspace: no free slots")

	// ErrOutOfRange indicates a slot outside the managed range.
	ErrOutOfRange = errors.New("cspace: slot out of range")

	// ErrInUse indicates an AllocAt of a slot that is already allocated.
	ErrInUse = errors.New("cspace: slot already allocated")

	// ErrBadConfig indicates an empty or inverted slot range, or level sizes
	// that do not fit in a capability pointer.
	ErrBadConfig = errors.New("cspace: invalid configuration")
)
