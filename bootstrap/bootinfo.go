package bootstrap

import (
	"fmt"

	"github.com/joshuapare/allocman/kobj"
)

// SlotRange is a half-open range of slot indices.
type SlotRange struct {
	Start kobj.CPtr
	End   kobj.CPtr
}

// Len returns the number of slots in the range.
func (r SlotRange) Len() int {
	if r.End <= r.Start {
		return 0
	}
	return int(r.End - r.Start)
}

// BootUntyped is one untyped capability the kernel handed to the root task.
type BootUntyped struct {
	// Slot is the untyped's index in the root CNode.
	Slot     kobj.CPtr
	SizeBits uint
	Paddr    uintptr
	Device   bool
}

// ObjectTypes names the kernel object types the bootstrap creates and their
// log2 sizes in memory.
type ObjectTypes struct {
	CNode     kobj.Type
	Frame     kobj.Type
	PageTable kobj.Type

	FrameBits     uint
	PageTableBits uint
}

// BootInfo describes the root task's initial cspace and memory.
type BootInfo struct {
	RootCNode      kobj.CPtr
	CNodeSizeBits  uint
	CNodeGuardBits uint

	// Empty is the range of root CNode slots that hold nothing.
	Empty SlotRange

	Untypeds []BootUntyped
	Objects  ObjectTypes
}

func (bi BootInfo) validate() error {
	switch {
	case bi.CNodeSizeBits == 0 || bi.CNodeSizeBits+bi.CNodeGuardBits > 64:
		return fmt.Errorf("cnode of %d+%d bits: %w", bi.CNodeSizeBits, bi.CNodeGuardBits, ErrBadBootInfo)
	case bi.Empty.Len() == 0:
		return fmt.Errorf("empty range [%d,%d): %w", bi.Empty.Start, bi.Empty.End, ErrBadBootInfo)
	case bi.CNodeSizeBits < 64 && bi.Empty.End > kobj.CPtr(1)<<bi.CNodeSizeBits:
		return fmt.Errorf("empty range end %d beyond %d-bit cnode: %w", bi.Empty.End, bi.CNodeSizeBits, ErrBadBootInfo)
	}
	return nil
}

// Path addresses slot in the root CNode.
func (bi BootInfo) Path(slot kobj.CPtr) kobj.Path {
	return kobj.Path{
		Root:     bi.RootCNode,
		CapPtr:   slot,
		CapDepth: uint8(bi.CNodeSizeBits + bi.CNodeGuardBits),
		Offset:   slot,
	}
}

// untypeds converts the boot untyped list, leaving out the entry at skip.
// Pass -1 to keep everything.
func (bi BootInfo) untypeds(skip int) []kobj.Untyped {
	out := make([]kobj.Untyped, 0, len(bi.Untypeds))
	for i, ut := range bi.Untypeds {
		if i == skip {
			continue
		}
		kind := kobj.UTKernel
		if ut.Device {
			kind = kobj.UTDevice
		}
		out = append(out, kobj.Untyped{
			Path:     bi.Path(ut.Slot),
			SizeBits: ut.SizeBits,
			Paddr:    ut.Paddr,
			Kind:     kind,
		})
	}
	return out
}

// smallestFor returns the index of the smallest kernel untyped of at least
// bits, or -1.
func (bi BootInfo) smallestFor(bits uint) int {
	best := -1
	for i, ut := range bi.Untypeds {
		if ut.Device || ut.SizeBits < bits {
			continue
		}
		if best == -1 || ut.SizeBits < bi.Untypeds[best].SizeBits {
			best = i
		}
	}
	return best
}
