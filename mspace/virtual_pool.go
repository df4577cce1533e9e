package mspace

import (
	"errors"
	"fmt"

	"github.com/joshuapare/allocman/allocman"
	"github.com/joshuapare/allocman/kobj"
)

// VirtualKernel is what a VirtualPool needs from the kernel: mapping, and
// deleting the caps of frames it fails to map.
type VirtualKernel interface {
	kobj.Mapper
	kobj.Deleter
}

// VirtualPoolConfig describes the virtual range a VirtualPool grows into.
type VirtualPoolConfig struct {
	// VStart is the first virtual address. It must be page aligned.
	VStart uintptr
	// Size is the length of the range in bytes.
	Size int

	FrameType kobj.Type
	// FrameBits is the log2 page size.
	// Default: 12
	FrameBits uint

	PageTableType kobj.Type
	// Default: 12
	PageTableBits uint
}

// VirtualPool serves memory from a virtual range, mapping a frame for each
// new page. Growing the pool allocates a slot, a frame and sometimes a page
// table through the Manager, so it is the mspace backend that exercises
// recursion across all three kinds.
type VirtualPool struct {
	cfg    VirtualPoolConfig
	kernel VirtualKernel

	// next is the first byte the heap has not claimed; top is the end of
	// the mapped pages.
	next, top, limit allocman.Addr
	heap             *heap

	// r is the Manager for the duration of an Alloc.
	r allocman.Resources

	pages      int
	pageTables int
}

// NewVirtualPool creates a pool with nothing mapped.
func NewVirtualPool(kernel VirtualKernel, cfg VirtualPoolConfig) (*VirtualPool, error) {
	if cfg.FrameBits == 0 {
		cfg.FrameBits = 12
	}
	if cfg.PageTableBits == 0 {
		cfg.PageTableBits = 12
	}
	pageMask := uintptr(1)<<cfg.FrameBits - 1
	if cfg.Size <= 0 || cfg.VStart&pageMask != 0 {
		return nil, fmt.Errorf("virtual pool of %d bytes at %#x: %w", cfg.Size, cfg.VStart, ErrBadConfig)
	}
	p := &VirtualPool{
		cfg:    cfg,
		kernel: kernel,
		next:   allocman.Addr(cfg.VStart),
		top:    allocman.Addr(cfg.VStart),
		limit:  allocman.Addr(cfg.VStart) + allocman.Addr(cfg.Size),
	}
	p.heap = newHeap(p.morecore)
	return p, nil
}

func (p *VirtualPool) morecore(units int) (allocman.Addr, error) {
	size := allocman.Addr(units * Unit)
	if size > p.limit-p.next {
		return 0, fmt.Errorf("%d bytes: %w", units*Unit, ErrOutOfMemory)
	}
	for p.next+size > p.top {
		if err := p.addPage(uintptr(p.top)); err != nil {
			return 0, err
		}
		p.top += allocman.Addr(1) << p.cfg.FrameBits
	}
	start := p.next
	p.next += size
	return start, nil
}

func (p *VirtualPool) addPage(vaddr uintptr) error {
	frame, cookie, err := p.object(p.cfg.FrameBits, p.cfg.FrameType)
	if err != nil {
		return fmt.Errorf("page at %#x: %w", vaddr, err)
	}
	err = p.kernel.MapPage(frame, vaddr)
	if errors.Is(err, kobj.ErrNoPageTable) {
		if err = p.addPageTable(vaddr); err == nil {
			err = p.kernel.MapPage(frame, vaddr)
		}
	}
	if err != nil {
		p.discard(frame, cookie, p.cfg.FrameBits)
		return fmt.Errorf("map page at %#x: %w", vaddr, err)
	}
	p.pages++
	return nil
}

// addPageTable maps a page table covering vaddr. A page table stays mapped
// even when the page it was made for then fails to map.
func (p *VirtualPool) addPageTable(vaddr uintptr) error {
	pt, cookie, err := p.object(p.cfg.PageTableBits, p.cfg.PageTableType)
	if err != nil {
		return fmt.Errorf("page table: %w", err)
	}
	if err := p.kernel.MapPageTable(pt, vaddr); err != nil {
		p.discard(pt, cookie, p.cfg.PageTableBits)
		return fmt.Errorf("map page table at %#x: %w", vaddr, err)
	}
	p.pageTables++
	return nil
}

// object allocates a slot and retypes a kernel object into it.
func (p *VirtualPool) object(sizeBits uint, typ kobj.Type) (kobj.Path, allocman.Cookie, error) {
	slot, err := p.r.AllocCspace()
	if err != nil {
		return kobj.Path{}, 0, err
	}
	cookie, err := p.r.AllocUtspace(sizeBits, typ, slot, false)
	if err != nil {
		p.r.FreeCspace(slot)
		return kobj.Path{}, 0, err
	}
	return slot, cookie, nil
}

func (p *VirtualPool) discard(slot kobj.Path, cookie allocman.Cookie, sizeBits uint) {
	if err := p.kernel.Delete(slot); err != nil {
		panic(fmt.Sprintf("mspace: delete unmapped object %v: %v", slot, err))
	}
	p.r.FreeUtspace(cookie, sizeBits)
	p.r.FreeCspace(slot)
}

// Alloc implements allocman.Mspace.
func (p *VirtualPool) Alloc(r allocman.Resources, bytes int) (allocman.Addr, error) {
	p.r = r
	defer func() { p.r = nil }()
	return p.heap.alloc(bytes)
}

// Free implements allocman.Mspace. Pages are never unmapped.
func (p *VirtualPool) Free(_ allocman.Resources, addr allocman.Addr, bytes int) {
	if !p.Contains(addr) {
		panic(fmt.Sprintf("mspace: free of %#x outside virtual pool [%#x,%#x)", uintptr(addr), p.cfg.VStart, uintptr(p.limit)))
	}
	p.heap.dealloc(addr, bytes)
}

// Properties implements allocman.Mspace.
func (p *VirtualPool) Properties() allocman.Properties { return allocman.DefaultProperties }

// Contains reports whether addr lies inside the pool's virtual range.
func (p *VirtualPool) Contains(addr allocman.Addr) bool {
	return addr >= allocman.Addr(p.cfg.VStart) && addr < p.limit
}

// InUse returns the bytes currently allocated, rounded to units.
func (p *VirtualPool) InUse() int { return p.heap.inUse }

// Pages returns the number of frames mapped so far.
func (p *VirtualPool) Pages() int { return p.pages }

// PageTables returns the number of page tables the pool has mapped.
func (p *VirtualPool) PageTables() int { return p.pageTables }

var _ allocman.Mspace = (*VirtualPool)(nil)
