package mspace

import (
	"fmt"

	"github.com/joshuapare/allocman/allocman"
)

// FixedPool serves memory from one fixed region. It never reenters the
// Manager.
type FixedPool struct {
	start, end allocman.Addr
	// next is the first byte the heap has not yet claimed.
	next allocman.Addr
	heap *heap
}

// NewFixedPool manages the size bytes at base. The start is rounded up to
// a Unit boundary.
func NewFixedPool(base allocman.Addr, size int) (*FixedPool, error) {
	start := alignUp(base)
	end := base + allocman.Addr(size)
	if size <= 0 || start >= end {
		return nil, fmt.Errorf("fixed pool of %d bytes at %#x: %w", size, uintptr(base), ErrBadConfig)
	}
	p := &FixedPool{start: start, end: end, next: start}
	p.heap = newHeap(p.morecore)
	return p, nil
}

func (p *FixedPool) morecore(units int) (allocman.Addr, error) {
	size := allocman.Addr(units * Unit)
	if size > p.end-p.next {
		return 0, fmt.Errorf("%d bytes: %w", units*Unit, ErrOutOfMemory)
	}
	start := p.next
	p.next += size
	return start, nil
}

// Alloc implements allocman.Mspace.
func (p *FixedPool) Alloc(_ allocman.Resources, bytes int) (allocman.Addr, error) {
	return p.heap.alloc(bytes)
}

// Free implements allocman.Mspace.
func (p *FixedPool) Free(_ allocman.Resources, addr allocman.Addr, bytes int) {
	if !p.Contains(addr) {
		panic(fmt.Sprintf("mspace: free of %#x outside fixed pool [%#x,%#x)", uintptr(addr), uintptr(p.start), uintptr(p.end)))
	}
	p.heap.dealloc(addr, bytes)
}

// Properties implements allocman.Mspace.
func (p *FixedPool) Properties() allocman.Properties { return allocman.DefaultProperties }

// Contains reports whether addr lies inside the pool's region.
func (p *FixedPool) Contains(addr allocman.Addr) bool { return addr >= p.start && addr < p.end }

// InUse returns the bytes currently allocated, rounded to units.
func (p *FixedPool) InUse() int { return p.heap.inUse }

// Available returns the bytes still obtainable: free spans plus the
// unclaimed tail of the region.
func (p *FixedPool) Available() int {
	return (p.heap.freeUnits + int(p.end-p.next)/Unit) * Unit
}

var _ allocman.Mspace = (*FixedPool)(nil)
