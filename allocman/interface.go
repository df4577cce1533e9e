package allocman

import "github.com/joshuapare/allocman/kobj"

// Addr is an mspace allocation. The zero Addr is never returned on success.
type Addr uintptr

// Cookie identifies a utspace allocation to the backend that produced it.
// Backends that do not support free may return the zero cookie.
type Cookie uint64

// Properties declares which of a backend's entry points may be reentered.
// AllocCanAlloc means Alloc may be called while the stack is already inside
// an Alloc of the same kind; FreeCanAlloc means Alloc may be called while
// inside a Free of the same kind, and so on.
type Properties struct {
	AllocCanAlloc bool
	AllocCanFree  bool
	FreeCanAlloc  bool
	FreeCanFree   bool
}

// DefaultProperties forbids all reentry. Most backends use it.
var DefaultProperties = Properties{}

func (p Properties) canAlloc(d DepthPair) bool {
	return (p.AllocCanAlloc || d.Alloc == 0) && (p.FreeCanAlloc || d.Free == 0)
}

func (p Properties) canFree(d DepthPair) bool {
	return (p.AllocCanFree || d.Alloc == 0) && (p.FreeCanFree || d.Free == 0)
}

// Resources is the view of the Manager handed to backends so they can
// allocate the resources they themselves depend on. *Manager implements it.
type Resources interface {
	AllocMspace(bytes int) (Addr, error)
	FreeMspace(addr Addr, bytes int)

	AllocCspace() (kobj.Path, error)
	FreeCspace(slot kobj.Path)

	AllocUtspace(sizeBits uint, typ kobj.Type, slot kobj.Path, canBeDev bool) (Cookie, error)
	AllocUtspaceAt(sizeBits uint, typ kobj.Type, slot kobj.Path, paddr uintptr, canBeDev bool) (Cookie, error)
	FreeUtspace(cookie Cookie, sizeBits uint)
}

// Mspace allocates plain memory.
type Mspace interface {
	Alloc(r Resources, bytes int) (Addr, error)
	Free(r Resources, addr Addr, bytes int)
	Properties() Properties
}

// Cspace allocates capability slots.
type Cspace interface {
	Alloc(r Resources) (kobj.Path, error)
	Free(r Resources, slot kobj.Path)
	// MakePath expands a slot pointer handed out earlier into a full path.
	MakePath(slot kobj.CPtr) kobj.Path
	Properties() Properties
}

// Utspace allocates kernel objects out of untyped memory.
type Utspace interface {
	// Alloc creates an object of type typ whose size in memory is
	// 1<<sizeBits bytes, placing its capability in slot. paddr is
	// kobj.NoPaddr unless the caller needs a particular physical address.
	Alloc(r Resources, sizeBits uint, typ kobj.Type, slot kobj.Path, paddr uintptr, canBeDev bool) (Cookie, error)
	Free(r Resources, cookie Cookie, sizeBits uint)
	AddUntypeds(r Resources, uts []kobj.Untyped) error
	Paddr(cookie Cookie, sizeBits uint) uintptr
	Properties() Properties
}

var _ Resources = (*Manager)(nil)
