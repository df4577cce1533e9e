package mspace

import "errors"

var (
	// ErrOutOfMemory indicates that the pool has no span large enough and
	// cannot grow.
	ErrOutOfMemory = errors.New("mspace: pool exhausted")

	// ErrInvalidSize indicates a zero or negative request.
	ErrInvalidSize = errors.New("mspace: invalid allocation size")

	// ErrBadConfig indicates a region that is empty after alignment or a
	// virtual range that is not page aligned.
	ErrBadConfig = errors.New("mspace: bad pool configuration")

	// ErrClosed indicates use of an arena after Close.
	ErrClosed = errors.New("mspace: arena closed")
)
