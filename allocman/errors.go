package allocman

import "errors"

var (
	// ErrOutOfMemory indicates that neither the backend nor the watermark pool
	// could satisfy an mspace or utspace allocation.
	ErrOutOfMemory = errors.New("allocman: out of memory")

	// ErrOutOfSlots indicates that neither the cspace backend nor the slot
	// reserve could provide a capability slot.
	ErrOutOfSlots = errors.New("allocman: out of capability slots")

	// ErrNoWatermark indicates that a reentrant allocation found no matching
	// resource in the watermark pool.
	ErrNoWatermark = errors.New("allocman: no watermark resource available")

	// ErrReentrant indicates that the backend may not be called at the current
	// depth and the caller did not permit a watermark fallback.
	ErrReentrant = errors.New("allocman: backend call not permitted at this depth")

	// ErrNotAttached indicates that the backend for a resource kind is missing.
	ErrNotAttached = errors.New("allocman: backend not attached")

	// ErrAlreadyAttached indicates a second attach of the same resource kind.
	ErrAlreadyAttached = errors.New("allocman: backend already attached")

	// ErrDuplicateClass indicates a reserve chunk class with the same key exists.
	ErrDuplicateClass = errors.New("allocman: duplicate reserve class")

	// ErrShrinkBelowLive indicates a resize below the number of live entries.
	ErrShrinkBelowLive = errors.New("allocman: cannot shrink below live count")

	// ErrInvalidCount indicates a negative capacity or count.
	ErrInvalidCount = errors.New("allocman: invalid count")

	// ErrInvalidClass indicates a reserve chunk class with a zero size.
	ErrInvalidClass = errors.New("allocman: invalid reserve class")

	// ErrNested indicates a configuration call made from inside another operation.
	ErrNested = errors.New("allocman: configuration must be an outermost operation")

	// ErrNoMover indicates a utspace watermark hit with no capability mover configured.
	ErrNoMover = errors.New("allocman: no capability mover configured")

	// ErrExplicitPaddr indicates an allocation at a fixed physical address that
	// cannot be served from the watermark pool.
	ErrExplicitPaddr = errors.New("allocman: fixed physical address cannot use watermark")
)
