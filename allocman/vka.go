package allocman

import (
	"fmt"

	"github.com/joshuapare/allocman/kobj"
)

// ObjectSizer converts the size argument of a retype (which for some object
// types is a count of slots or pages) into the object's size in memory.
type ObjectSizer func(typ kobj.Type, retypeBits uint) uint

// VKA presents a Manager through the slot-pointer and object-type oriented
// interface that kernel-object helpers expect: slots are plain CPtrs and
// untyped sizes are given as retype arguments rather than memory sizes.
type VKA struct {
	m    *Manager
	size ObjectSizer
}

// NewVKA wraps m. A nil sizer treats retype sizes as memory sizes.
func NewVKA(m *Manager, sizer ObjectSizer) *VKA {
	if sizer == nil {
		sizer = func(_ kobj.Type, bits uint) uint { return bits }
	}
	return &VKA{m: m, size: sizer}
}

// Manager returns the wrapped Manager.
func (v *VKA) Manager() *Manager { return v.m }

// CspaceAlloc allocates a slot and returns its pointer.
func (v *VKA) CspaceAlloc() (kobj.CPtr, error) {
	path, err := v.m.AllocCspace()
	if err != nil {
		return 0, err
	}
	return path.CapPtr, nil
}

// CspaceMakePath expands a slot pointer into a path.
func (v *VKA) CspaceMakePath(slot kobj.CPtr) kobj.Path {
	return v.m.CspaceMakePath(slot)
}

// CspaceFree frees a slot by pointer.
func (v *VKA) CspaceFree(slot kobj.CPtr) {
	v.m.FreeCspace(v.m.CspaceMakePath(slot))
}

// UtspaceAlloc creates an object from non-device memory.
func (v *VKA) UtspaceAlloc(dest kobj.Path, typ kobj.Type, retypeBits uint) (Cookie, error) {
	return v.UtspaceAllocMaybeDevice(dest, typ, retypeBits, false)
}

// UtspaceAllocMaybeDevice creates an object, optionally from device RAM.
func (v *VKA) UtspaceAllocMaybeDevice(dest kobj.Path, typ kobj.Type, retypeBits uint, canUseDev bool) (Cookie, error) {
	cookie, err := v.m.AllocUtspace(v.size(typ, retypeBits), typ, dest, canUseDev)
	if err != nil {
		return 0, fmt.Errorf("vka: alloc type %d: %w", typ, err)
	}
	return cookie, nil
}

// UtspaceAllocAt creates an object at a fixed physical address.
func (v *VKA) UtspaceAllocAt(dest kobj.Path, typ kobj.Type, retypeBits uint, paddr uintptr) (Cookie, error) {
	cookie, err := v.m.AllocUtspaceAt(v.size(typ, retypeBits), typ, dest, paddr, true)
	if err != nil {
		return 0, fmt.Errorf("vka: alloc type %d at %#x: %w", typ, paddr, err)
	}
	return cookie, nil
}

// UtspaceFree frees an object's memory. Every capability to the object must
// already be deleted.
func (v *VKA) UtspaceFree(typ kobj.Type, retypeBits uint, cookie Cookie) {
	v.m.FreeUtspace(cookie, v.size(typ, retypeBits))
}

// UtspacePaddr returns the physical address of an object.
func (v *VKA) UtspacePaddr(cookie Cookie, typ kobj.Type, retypeBits uint) uintptr {
	return v.m.UtspacePaddr(cookie, v.size(typ, retypeBits))
}
