// Package kobj defines the small slice of the kernel object model that the
// allocators need: capability slot addresses, opaque object types, untyped
// region descriptors and the kernel operations used to retype, move, delete
// and map capabilities.
//
// The kernel itself is an external collaborator. Everything here is a
// vocabulary type or an interface; kobj/sim provides an in-memory kernel for
// tests and simulation.
package kobj

import (
	"errors"
	"fmt"
)

// Word is a machine word as passed to and from the kernel.
type Word = uint64

// CPtr addresses a capability relative to a cspace root.
type CPtr = Word

// Type is an opaque kernel object type. The allocators never interpret it
// beyond comparing for equality and passing it through.
type Type uint32

// UntypedType is the object type of untyped memory itself. It is the one type
// the allocators must know, because splitting an untyped retypes it into
// smaller untypeds.
const UntypedType Type = 1

// SlotBits is the log2 size of one capability slot in memory.
const SlotBits = 5

// NoPaddr marks the absence of a requested physical address. Zero may be a
// valid frame, and 1 is never a valid alignment for any object.
const NoPaddr uintptr = 1

// Path is the full address of a capability slot: the cnode it lives in,
// the depth-qualified pointer to it, and the (dest, destDepth, offset)
// triple used when a kernel operation places a new capability in it.
type Path struct {
	Root      CPtr
	CapPtr    CPtr
	CapDepth  uint8
	Dest      CPtr
	DestDepth uint8
	Offset    Word
}

// IsZero reports whether p is the zero path.
func (p Path) IsZero() bool {
	return p == Path{}
}

func (p Path) String() string {
	return fmt.Sprintf("slot(root=%#x cptr=%#x depth=%d)", p.Root, p.CapPtr, p.CapDepth)
}

// UntypedKind classifies an untyped region.
type UntypedKind uint8

const (
	// UTKernel untypeds can back any kernel object.
	UTKernel UntypedKind = iota
	// UTDevice untypeds are device regions, used only when a caller asks for
	// a specific physical address.
	UTDevice
	// UTDeviceMem untypeds come from the device region but are known RAM.
	// They serve allocations that explicitly allow device memory.
	UTDeviceMem
)

func (k UntypedKind) String() string {
	switch k {
	case UTKernel:
		return "kernel"
	case UTDevice:
		return "device"
	case UTDeviceMem:
		return "device-mem"
	default:
		return fmt.Sprintf("UntypedKind(%d)", uint8(k))
	}
}

// Untyped describes one untyped capability handed to an untyped allocator.
type Untyped struct {
	Path     Path
	SizeBits uint
	Paddr    uintptr
	Kind     UntypedKind
}

// ErrNoPageTable is returned by Mapper.MapPage when the virtual address is
// not yet covered by a page table.
var ErrNoPageTable = errors.New("kobj: no page table covers address")

// Retyper creates objects out of untyped memory.
type Retyper interface {
	// Retype creates one object of type typ and log2 size sizeBits at byte
	// offset off inside the untyped at ut, placing the capability in dst.
	Retype(ut Path, typ Type, sizeBits uint, off uint64, dst Path) error
}

// Mover relocates capabilities between slots.
type Mover interface {
	// Move transfers the capability in src to the empty slot dst.
	Move(dst, src Path) error
}

// Deleter removes capabilities.
type Deleter interface {
	// Delete removes the capability in p. Deleting an empty slot is an error.
	Delete(p Path) error
}

// Mapper installs frames and page tables into an address space.
type Mapper interface {
	MapPage(frame Path, vaddr uintptr) error
	MapPageTable(pt Path, vaddr uintptr) error
}

// Kernel is the full set of kernel operations used by the backends.
type Kernel interface {
	Retyper
	Mover
	Deleter
	Mapper
}
