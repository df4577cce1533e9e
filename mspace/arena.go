package mspace

import (
	"fmt"
	"unsafe"

	"github.com/joshuapare/allocman/allocman"
)

// Arena is a block of host memory for a FixedPool to manage. Addresses the
// pool hands out are real addresses inside the arena, and Bytes turns them
// back into slices.
type Arena struct {
	data    []byte
	release func() error
}

// NewArena reserves size bytes of zeroed memory.
func NewArena(size int) (*Arena, error) {
	if size <= 0 {
		return nil, fmt.Errorf("arena of %d bytes: %w", size, ErrBadConfig)
	}
	data, release, err := mapAnon(size)
	if err != nil {
		return nil, fmt.Errorf("arena of %d bytes: %w", size, err)
	}
	return &Arena{data: data, release: release}, nil
}

// Base returns the address of the first byte.
func (a *Arena) Base() allocman.Addr {
	if len(a.data) == 0 {
		return 0
	}
	return allocman.Addr(unsafe.Pointer(unsafe.SliceData(a.data)))
}

// Size returns the arena length in bytes.
func (a *Arena) Size() int { return len(a.data) }

// Bytes returns the n bytes at addr. It panics if the range is not inside
// the arena.
func (a *Arena) Bytes(addr allocman.Addr, n int) []byte {
	off := int(addr - a.Base())
	if addr < a.Base() || n < 0 || off+n > len(a.data) {
		panic(fmt.Sprintf("mspace: range %#x+%d outside arena", uintptr(addr), n))
	}
	return a.data[off : off+n : off+n]
}

// FixedPool returns a pool managing the whole arena.
func (a *Arena) FixedPool() (*FixedPool, error) {
	if a.data == nil {
		return nil, ErrClosed
	}
	return NewFixedPool(a.Base(), a.Size())
}

// Close releases the memory. Addresses from the arena must not be used
// afterwards. Closing twice is a no-op.
func (a *Arena) Close() error {
	if a.data == nil {
		return nil
	}
	a.data = nil
	return a.release()
}
