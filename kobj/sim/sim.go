// Package sim is an in-memory kernel implementing kobj.Kernel. It models slot
// occupancy, untyped retype accounting and page table coverage closely enough
// to catch the mistakes an allocator can make against a real kernel: placing a
// capability in an occupied slot, retyping past the end of an untyped or over
// a live child, deleting an empty slot, and mapping a frame with no page
// table.
//
// NOT thread-safe. Only one goroutine should use a Kernel at a time.
package sim

import (
	"errors"
	"fmt"
	"sort"

	"github.com/joshuapare/allocman/kobj"
)

// Object types understood by the simulator.
const (
	TypeUntyped = kobj.UntypedType
	TypeCNode   kobj.Type = iota + 1
	TypeFrame
	TypePageTable
	TypeTCB
	TypeEndpoint
)

// PageBits is the log2 size of a frame.
const PageBits = 12

// PageTableBits is the log2 size of a page table object.
const PageTableBits = 12

// pageTableCoverBits is the log2 span of virtual memory one page table maps.
const pageTableCoverBits = 21

var (
	// ErrSlotOccupied is returned when a capability is placed in a full slot.
	ErrSlotOccupied = errors.New("sim: destination slot occupied")

	// ErrSlotEmpty is returned when an operation needs a capability that is not there.
	ErrSlotEmpty = errors.New("sim: slot empty")

	// ErrNotUntyped is returned when retyping from a non-untyped capability.
	ErrNotUntyped = errors.New("sim: source is not untyped")

	// ErrRange is returned when a retype does not fit inside its untyped.
	ErrRange = errors.New("sim: retype out of range")

	// ErrOverlap is returned when a retype overlaps a live child object.
	ErrOverlap = errors.New("sim: retype overlaps live object")

	// ErrHasChildren is returned when deleting an untyped with live children.
	ErrHasChildren = errors.New("sim: untyped has live children")

	// ErrWrongType is returned when mapping a capability of the wrong type.
	ErrWrongType = errors.New("sim: wrong object type")

	// ErrInjected is the error returned by injected failures.
	ErrInjected = errors.New("sim: injected failure")
)

// Op names a kernel operation for call counting and failure injection.
type Op string

const (
	OpRetype       Op = "retype"
	OpMove         Op = "move"
	OpDelete       Op = "delete"
	OpMapPage      Op = "map_page"
	OpMapPageTable Op = "map_page_table"
)

// slotKey identifies a slot the way the kernel resolves it: the same cptr
// at different depths names different slots.
type slotKey struct {
	root  kobj.CPtr
	cptr  kobj.CPtr
	depth uint8
}

func keyOf(p kobj.Path) slotKey {
	return slotKey{root: p.Root, cptr: p.CapPtr, depth: p.CapDepth}
}

// object is a kernel object referenced by exactly one capability.
type object struct {
	typ      kobj.Type
	sizeBits uint
	paddr    uintptr
	device   bool

	// untyped bookkeeping
	children map[*object]span

	parent *object
}

type span struct {
	off uint64
	end uint64
}

// Kernel is the simulated kernel.
type Kernel struct {
	slots   map[slotKey]*object
	covered map[uintptr]bool
	mapped  map[uintptr]slotKey

	failures map[Op]int
	calls    map[Op]int
}

// New returns an empty kernel.
func New() *Kernel {
	return &Kernel{
		slots:    make(map[slotKey]*object),
		covered:  make(map[uintptr]bool),
		mapped:   make(map[uintptr]slotKey),
		failures: make(map[Op]int),
		calls:    make(map[Op]int),
	}
}

// AddUntyped places a fresh untyped capability of the given size in p, the
// way the kernel hands untypeds to the root task at boot.
func (k *Kernel) AddUntyped(p kobj.Path, sizeBits uint, paddr uintptr, device bool) error {
	if _, ok := k.slots[keyOf(p)]; ok {
		return fmt.Errorf("add untyped at %v: %w", p, ErrSlotOccupied)
	}
	k.slots[keyOf(p)] = &object{
		typ:      TypeUntyped,
		sizeBits: sizeBits,
		paddr:    paddr,
		device:   device,
		children: make(map[*object]span),
	}
	return nil
}

// Place puts an arbitrary capability in p. Tests use it to pre-populate slots.
func (k *Kernel) Place(p kobj.Path, typ kobj.Type) error {
	if _, ok := k.slots[keyOf(p)]; ok {
		return fmt.Errorf("place at %v: %w", p, ErrSlotOccupied)
	}
	k.slots[keyOf(p)] = &object{typ: typ}
	return nil
}

// FailNext makes the next n calls of op fail with ErrInjected.
func (k *Kernel) FailNext(op Op, n int) {
	k.failures[op] += n
}

// Calls reports how many times op has been invoked, including failed calls.
func (k *Kernel) Calls(op Op) int {
	return k.calls[op]
}

// Occupied reports whether p holds a capability.
func (k *Kernel) Occupied(p kobj.Path) bool {
	_, ok := k.slots[keyOf(p)]
	return ok
}

// TypeAt returns the object type held in p.
func (k *Kernel) TypeAt(p kobj.Path) (kobj.Type, bool) {
	obj, ok := k.slots[keyOf(p)]
	if !ok {
		return 0, false
	}
	return obj.typ, true
}

// LiveObjects returns the number of occupied slots.
func (k *Kernel) LiveObjects() int {
	return len(k.slots)
}

// MappedPages returns the mapped virtual page addresses in ascending order.
func (k *Kernel) MappedPages() []uintptr {
	out := make([]uintptr, 0, len(k.mapped))
	for va := range k.mapped {
		out = append(out, va)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (k *Kernel) enter(op Op) error {
	k.calls[op]++
	if k.failures[op] > 0 {
		k.failures[op]--
		return ErrInjected
	}
	return nil
}

// Retype implements kobj.Retyper.
func (k *Kernel) Retype(ut kobj.Path, typ kobj.Type, sizeBits uint, off uint64, dst kobj.Path) error {
	if err := k.enter(OpRetype); err != nil {
		return err
	}
	parent, ok := k.slots[keyOf(ut)]
	if !ok {
		return fmt.Errorf("retype from %v: %w", ut, ErrSlotEmpty)
	}
	if parent.typ != TypeUntyped {
		return fmt.Errorf("retype from %v: %w", ut, ErrNotUntyped)
	}
	if _, ok := k.slots[keyOf(dst)]; ok {
		return fmt.Errorf("retype into %v: %w", dst, ErrSlotOccupied)
	}
	s := span{off: off, end: off + uint64(1)<<sizeBits}
	if sizeBits > parent.sizeBits || s.end > uint64(1)<<parent.sizeBits {
		return fmt.Errorf("retype %d bits at %#x in %d-bit untyped: %w", sizeBits, off, parent.sizeBits, ErrRange)
	}
	for _, c := range parent.children {
		if s.off < c.end && c.off < s.end {
			return fmt.Errorf("retype [%#x,%#x): %w", s.off, s.end, ErrOverlap)
		}
	}
	child := &object{
		typ:      typ,
		sizeBits: sizeBits,
		paddr:    parent.paddr + uintptr(off),
		device:   parent.device,
		parent:   parent,
	}
	if typ == TypeUntyped {
		child.children = make(map[*object]span)
	}
	parent.children[child] = s
	k.slots[keyOf(dst)] = child
	return nil
}

// Move implements kobj.Mover.
func (k *Kernel) Move(dst, src kobj.Path) error {
	if err := k.enter(OpMove); err != nil {
		return err
	}
	obj, ok := k.slots[keyOf(src)]
	if !ok {
		return fmt.Errorf("move from %v: %w", src, ErrSlotEmpty)
	}
	if _, ok := k.slots[keyOf(dst)]; ok {
		return fmt.Errorf("move into %v: %w", dst, ErrSlotOccupied)
	}
	delete(k.slots, keyOf(src))
	k.slots[keyOf(dst)] = obj
	for va, key := range k.mapped {
		if key == keyOf(src) {
			k.mapped[va] = keyOf(dst)
		}
	}
	return nil
}

// Delete implements kobj.Deleter.
func (k *Kernel) Delete(p kobj.Path) error {
	if err := k.enter(OpDelete); err != nil {
		return err
	}
	obj, ok := k.slots[keyOf(p)]
	if !ok {
		return fmt.Errorf("delete %v: %w", p, ErrSlotEmpty)
	}
	if len(obj.children) > 0 {
		return fmt.Errorf("delete %v: %w", p, ErrHasChildren)
	}
	if obj.parent != nil {
		delete(obj.parent.children, obj)
	}
	delete(k.slots, keyOf(p))
	for va, key := range k.mapped {
		if key == keyOf(p) {
			delete(k.mapped, va)
		}
	}
	return nil
}

// MapPage implements kobj.Mapper.
func (k *Kernel) MapPage(frame kobj.Path, vaddr uintptr) error {
	if err := k.enter(OpMapPage); err != nil {
		return err
	}
	obj, ok := k.slots[keyOf(frame)]
	if !ok {
		return fmt.Errorf("map page %v: %w", frame, ErrSlotEmpty)
	}
	if obj.typ != TypeFrame {
		return fmt.Errorf("map page %v: %w", frame, ErrWrongType)
	}
	if !k.covered[vaddr>>pageTableCoverBits] {
		return kobj.ErrNoPageTable
	}
	page := vaddr &^ (1<<PageBits - 1)
	if _, ok := k.mapped[page]; ok {
		return fmt.Errorf("map page at %#x: %w", page, ErrSlotOccupied)
	}
	k.mapped[page] = keyOf(frame)
	return nil
}

// MapPageTable implements kobj.Mapper.
func (k *Kernel) MapPageTable(pt kobj.Path, vaddr uintptr) error {
	if err := k.enter(OpMapPageTable); err != nil {
		return err
	}
	obj, ok := k.slots[keyOf(pt)]
	if !ok {
		return fmt.Errorf("map page table %v: %w", pt, ErrSlotEmpty)
	}
	if obj.typ != TypePageTable {
		return fmt.Errorf("map page table %v: %w", pt, ErrWrongType)
	}
	k.covered[vaddr>>pageTableCoverBits] = true
	return nil
}

var _ kobj.Kernel = (*Kernel)(nil)
