package mspace

import (
	"fmt"

	"github.com/google/btree"

	"github.com/joshuapare/allocman/allocman"
)

// Unit is the allocation granule. Every block starts on a Unit boundary and
// occupies a whole number of units.
const Unit = 16

const btreeDegree = 8

// span is a run of free units.
type span struct {
	addr  allocman.Addr
	units int
}

func (s span) end() allocman.Addr { return s.addr + allocman.Addr(s.units*Unit) }

func spanLess(a, b span) bool { return a.addr < b.addr }

// morecoreFunc grows the heap by exactly units units and returns the start
// of the new region.
type morecoreFunc func(units int) (allocman.Addr, error)

// heap is a first-fit allocator over an address-ordered free list.
type heap struct {
	free     *btree.BTreeG[span]
	rover    allocman.Addr
	morecore morecoreFunc

	freeUnits int
	inUse     int
}

func newHeap(morecore morecoreFunc) *heap {
	return &heap{free: btree.NewG(btreeDegree, spanLess), morecore: morecore}
}

func unitsFor(bytes int) int { return (bytes + Unit - 1) / Unit }

func alignUp(a allocman.Addr) allocman.Addr { return (a + Unit - 1) &^ (Unit - 1) }

func (h *heap) alloc(bytes int) (allocman.Addr, error) {
	if bytes <= 0 {
		return 0, fmt.Errorf("alloc %d bytes: %w", bytes, ErrInvalidSize)
	}
	n := unitsFor(bytes)
	if addr, ok := h.take(n); ok {
		return addr, nil
	}
	start, err := h.morecore(n)
	if err != nil {
		return 0, err
	}
	h.release(start, n)
	addr, ok := h.take(n)
	if !ok {
		panic(fmt.Sprintf("mspace: %d new units at %#x did not satisfy a %d unit request", n, uintptr(start), n))
	}
	return addr, nil
}

// take finds the first span of at least n units at or after the rover,
// wrapping to the lowest address, and carves n units off its tail.
func (h *heap) take(n int) (allocman.Addr, bool) {
	var found span
	ok := false
	visit := func(s span) bool {
		if s.units >= n {
			found, ok = s, true
			return false
		}
		return true
	}
	h.free.AscendGreaterOrEqual(span{addr: h.rover}, visit)
	if !ok {
		h.free.AscendLessThan(span{addr: h.rover}, visit)
	}
	if !ok {
		return 0, false
	}

	h.rover = found.addr
	h.freeUnits -= n
	h.inUse += n * Unit
	if found.units == n {
		h.free.Delete(found)
		return found.addr, true
	}
	found.units -= n
	h.free.ReplaceOrInsert(found)
	return found.end(), true
}

func (h *heap) dealloc(addr allocman.Addr, bytes int) {
	n := unitsFor(bytes)
	h.inUse -= n * Unit
	h.release(addr, n)
}

// release returns n units at addr to the free list, merging with the spans
// on either side. Overlap with a free span means a double free and panics.
func (h *heap) release(addr allocman.Addr, n int) {
	s := span{addr: addr, units: n}
	var prev, next span
	var hasPrev, hasNext bool
	h.free.DescendLessOrEqual(s, func(p span) bool {
		prev, hasPrev = p, true
		return false
	})
	h.free.AscendGreaterOrEqual(s, func(p span) bool {
		next, hasNext = p, true
		return false
	})

	if hasPrev && prev.end() > addr {
		panic(fmt.Sprintf("mspace: free of %#x overlaps free span at %#x", uintptr(addr), uintptr(prev.addr)))
	}
	if hasNext && s.end() > next.addr {
		panic(fmt.Sprintf("mspace: free of %#x overlaps free span at %#x", uintptr(addr), uintptr(next.addr)))
	}
	if hasPrev && prev.end() == addr {
		h.free.Delete(prev)
		s = span{addr: prev.addr, units: prev.units + n}
	}
	if hasNext && s.end() == next.addr {
		h.free.Delete(next)
		s.units += next.units
	}
	h.free.ReplaceOrInsert(s)
	h.rover = s.addr
	h.freeUnits += n
}

// spans returns the free list in address order.
func (h *heap) spans() []span {
	out := make([]span, 0, h.free.Len())
	h.free.Ascend(func(s span) bool {
		out = append(out, s)
		return true
	})
	return out
}
