package mspace

import (
	"fmt"

	"github.com/joshuapare/allocman/allocman"
)

// DualPool allocates from a VirtualPool once one is attached and falls back
// to its FixedPool. Frees go to whichever pool owns the address.
type DualPool struct {
	fixed   *FixedPool
	virtual *VirtualPool
}

// NewDualPool wraps a fixed pool. AttachVirtual adds the virtual side.
func NewDualPool(fixed *FixedPool) *DualPool {
	return &DualPool{fixed: fixed}
}

// AttachVirtual makes v the preferred source of memory.
func (d *DualPool) AttachVirtual(v *VirtualPool) {
	d.virtual = v
}

// Fixed returns the fixed side.
func (d *DualPool) Fixed() *FixedPool { return d.fixed }

// Virtual returns the virtual side, or nil.
func (d *DualPool) Virtual() *VirtualPool { return d.virtual }

// Alloc implements allocman.Mspace.
func (d *DualPool) Alloc(r allocman.Resources, bytes int) (allocman.Addr, error) {
	if d.virtual != nil {
		if addr, err := d.virtual.Alloc(r, bytes); err == nil {
			return addr, nil
		}
	}
	return d.fixed.Alloc(r, bytes)
}

// Free implements allocman.Mspace.
func (d *DualPool) Free(r allocman.Resources, addr allocman.Addr, bytes int) {
	switch {
	case d.fixed.Contains(addr):
		d.fixed.Free(r, addr, bytes)
	case d.virtual != nil:
		d.virtual.Free(r, addr, bytes)
	default:
		panic(fmt.Sprintf("mspace: free of %#x outside dual pool", uintptr(addr)))
	}
}

// Properties implements allocman.Mspace.
func (d *DualPool) Properties() allocman.Properties { return allocman.DefaultProperties }

// InUse returns the bytes allocated from both sides.
func (d *DualPool) InUse() int {
	n := d.fixed.InUse()
	if d.virtual != nil {
		n += d.virtual.InUse()
	}
	return n
}

var _ allocman.Mspace = (*DualPool)(nil)
