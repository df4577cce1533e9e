package utspace

import "errors"

var (
	// ErrOutOfMemory indicates that no untyped region can hold the request.
	ErrOutOfMemory = errors.New("utspace: no untyped large enough")

	// ErrInvalidSize indicates a zero or oversized object size.
	ErrInvalidSize = errors.New("utspace: invalid object size")

	// ErrBadPaddr indicates a physical address that is not aligned to the
	// object size or not covered by any untyped.
	ErrBadPaddr = errors.New("utspace: no untyped at physical address")

	// ErrExplicitPaddr indicates a backend that cannot allocate at a fixed
	// physical address.
	ErrExplicitPaddr = errors.New("utspace: explicit physical address not supported")

	// ErrDeviceUnsupported indicates a backend that cannot manage device
	// untypeds.
	ErrDeviceUnsupported = errors.New("utspace: device untypeds not supported")
)
