package bootstrap

import "errors"

var (
	// ErrBadConfig indicates a Config with an impossible value.
	ErrBadConfig = errors.New("bootstrap: invalid config")

	// ErrUnknownKey indicates a TOML key that maps to no Config field.
	ErrUnknownKey = errors.New("bootstrap: unknown config key")

	// ErrBadBootInfo indicates boot information that cannot describe a cspace.
	ErrBadBootInfo = errors.New("bootstrap: invalid boot info")

	// ErrNoCNodeUntyped indicates that no kernel untyped is large enough to
	// hold the first second-level CNode.
	ErrNoCNodeUntyped = errors.New("bootstrap: no untyped large enough for a cnode")

	// ErrNoDualPool indicates a virtual pool attach on a Manager whose mspace
	// is not a DualPool.
	ErrNoDualPool = errors.New("bootstrap: mspace is not a dual pool")

	// ErrVirtualAttached indicates a second virtual pool for the same Manager.
	ErrVirtualAttached = errors.New("bootstrap: virtual pool already attached")

	// ErrReservesShort indicates that the reserves were still short after
	// every priming attempt.
	ErrReservesShort = errors.New("bootstrap: reserves still short after priming")
)
