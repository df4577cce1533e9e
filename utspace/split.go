package utspace

import (
	"fmt"
	"unsafe"

	"github.com/joshuapare/allocman/allocman"
	"github.com/joshuapare/allocman/kobj"
)

const numKinds = 3

// splitNode is one untyped known to the allocator. A node is either on a
// free list or allocated; an allocated node is either in use by a caller or
// has been split into two children.
type splitNode struct {
	id       allocman.Cookie
	ut       kobj.Path
	sizeBits uint
	paddr    uintptr
	kind     kobj.UntypedKind

	parent    *splitNode
	sibling   *splitNode
	allocated bool

	next, prev *splitNode

	charge allocman.Addr
}

var splitNodeBytes = int(unsafe.Sizeof(splitNode{}))

// Split is a binary buddy untyped allocator.
type Split struct {
	kernel Kernel
	heads  [numKinds][maxSizeBits]*splitNode
	nodes  map[allocman.Cookie]*splitNode
	nextID allocman.Cookie
}

// NewSplit returns an empty allocator. Untypeds are added with AddUntypeds.
func NewSplit(kernel Kernel) *Split {
	return &Split{kernel: kernel, nodes: make(map[allocman.Cookie]*splitNode)}
}

func (s *Split) remove(n *splitNode) {
	head := &s.heads[n.kind][n.sizeBits]
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		*head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	}
	n.next, n.prev = nil, nil
	n.allocated = true
}

func (s *Split) insert(n *splitNode) {
	head := &s.heads[n.kind][n.sizeBits]
	n.next, n.prev = *head, nil
	if *head != nil {
		(*head).prev = n
	}
	*head = n
	n.allocated = false
}

// newNode charges a node to mspace and, when withSlot is set, gives it a
// fresh capability slot.
func (s *Split) newNode(r allocman.Resources, withSlot bool) (*splitNode, error) {
	charge, err := r.AllocMspace(splitNodeBytes)
	if err != nil {
		return nil, err
	}
	n := &splitNode{charge: charge, allocated: true}
	if withSlot {
		n.ut, err = r.AllocCspace()
		if err != nil {
			r.FreeMspace(charge, splitNodeBytes)
			return nil, err
		}
	}
	s.nextID++
	n.id = s.nextID
	s.nodes[n.id] = n
	return n, nil
}

// discardNode returns a node's slot and memory without touching the slot's
// contents.
func (s *Split) discardNode(r allocman.Resources, n *splitNode) {
	delete(s.nodes, n.id)
	r.FreeCspace(n.ut)
	r.FreeMspace(n.charge, splitNodeBytes)
}

// deleteNode deletes the node's untyped capability and discards the node.
func (s *Split) deleteNode(r allocman.Resources, n *splitNode) {
	if err := s.kernel.Delete(n.ut); err != nil {
		panic(fmt.Sprintf("utspace: delete split untyped %v: %v", n.ut, err))
	}
	s.discardNode(r, n)
}

// AddUntypeds implements allocman.Utspace.
func (s *Split) AddUntypeds(r allocman.Resources, uts []kobj.Untyped) error {
	for _, ut := range uts {
		if ut.SizeBits == 0 || ut.SizeBits >= maxSizeBits {
			return fmt.Errorf("add %d-bit untyped: %w", ut.SizeBits, ErrInvalidSize)
		}
		n, err := s.newNode(r, false)
		if err != nil {
			return fmt.Errorf("add untyped %v: %w", ut.Path, err)
		}
		n.ut, n.sizeBits, n.paddr, n.kind = ut.Path, ut.SizeBits, ut.Paddr, ut.Kind
		s.insert(n)
	}
	return nil
}

// split retypes parent into two untypeds of half its size and puts them on
// the free list in its place. It returns the lower half first.
func (s *Split) split(r allocman.Resources, parent *splitNode) (*splitNode, *splitNode, error) {
	bits := parent.sizeBits - 1
	left, err := s.newNode(r, true)
	if err != nil {
		return nil, nil, err
	}
	right, err := s.newNode(r, true)
	if err != nil {
		s.discardNode(r, left)
		return nil, nil, err
	}
	if err := s.kernel.Retype(parent.ut, kobj.UntypedType, bits, 0, left.ut); err != nil {
		s.discardNode(r, left)
		s.discardNode(r, right)
		return nil, nil, fmt.Errorf("split %d-bit untyped: %w", parent.sizeBits, err)
	}
	if err := s.kernel.Retype(parent.ut, kobj.UntypedType, bits, uint64(1)<<bits, right.ut); err != nil {
		s.deleteNode(r, left)
		s.discardNode(r, right)
		return nil, nil, fmt.Errorf("split %d-bit untyped: %w", parent.sizeBits, err)
	}
	s.remove(parent)
	for _, c := range []*splitNode{left, right} {
		c.parent, c.sizeBits, c.kind = parent, bits, parent.kind
	}
	left.sibling, right.sibling = right, left
	left.paddr = parent.paddr
	right.paddr = parent.paddr + uintptr(1)<<bits
	// Right first so the lower address is taken first.
	s.insert(right)
	s.insert(left)
	return left, right, nil
}

// refill makes sure the free list for (kind, bits) is not empty.
func (s *Split) refill(r allocman.Resources, kind kobj.UntypedKind, bits uint) error {
	if s.heads[kind][bits] != nil {
		return nil
	}
	if bits+1 >= maxSizeBits {
		return ErrOutOfMemory
	}
	if err := s.refill(r, kind, bits+1); err != nil {
		return err
	}
	_, _, err := s.split(r, s.heads[kind][bits+1])
	return err
}

// Alloc implements allocman.Utspace.
func (s *Split) Alloc(r allocman.Resources, sizeBits uint, typ kobj.Type, slot kobj.Path, paddr uintptr, canBeDev bool) (allocman.Cookie, error) {
	if sizeBits == 0 || sizeBits >= maxSizeBits {
		return 0, fmt.Errorf("alloc %d bits: %w", sizeBits, ErrInvalidSize)
	}
	var n *splitNode
	var err error
	if paddr == kobj.NoPaddr {
		n, err = s.take(r, sizeBits, canBeDev)
	} else {
		n, err = s.takeAt(r, sizeBits, paddr)
	}
	if err != nil {
		return 0, err
	}
	if err := s.kernel.Retype(n.ut, typ, sizeBits, 0, slot); err != nil {
		return 0, fmt.Errorf("retype %d bits type %d: %w", sizeBits, typ, err)
	}
	s.remove(n)
	return n.id, nil
}

// take returns a free node of exactly sizeBits, preferring kernel memory.
func (s *Split) take(r allocman.Resources, sizeBits uint, canBeDev bool) (*splitNode, error) {
	kinds := []kobj.UntypedKind{kobj.UTKernel}
	if canBeDev {
		kinds = append(kinds, kobj.UTDeviceMem)
	}
	var err error
	for _, k := range kinds {
		if err = s.refill(r, k, sizeBits); err == nil {
			return s.heads[k][sizeBits], nil
		}
	}
	return nil, fmt.Errorf("alloc %d bits: %w", sizeBits, err)
}

// takeAt returns a free node of sizeBits starting at paddr, splitting the
// smallest free untyped that covers it.
func (s *Split) takeAt(r allocman.Resources, sizeBits uint, paddr uintptr) (*splitNode, error) {
	size := uintptr(1) << sizeBits
	if paddr%size != 0 {
		return nil, fmt.Errorf("alloc %d bits at %#x: %w", sizeBits, paddr, ErrBadPaddr)
	}
	n := s.covering(paddr, sizeBits)
	if n == nil {
		return nil, fmt.Errorf("alloc %d bits at %#x: %w", sizeBits, paddr, ErrBadPaddr)
	}
	for n.sizeBits > sizeBits {
		left, right, err := s.split(r, n)
		if err != nil {
			return nil, err
		}
		n = left
		if paddr >= right.paddr {
			n = right
		}
	}
	return n, nil
}

// covering finds the smallest free node that contains [paddr, paddr+1<<bits).
func (s *Split) covering(paddr uintptr, bits uint) *splitNode {
	end := paddr + uintptr(1)<<bits
	for b := bits; b < maxSizeBits; b++ {
		for _, k := range []kobj.UntypedKind{kobj.UTDevice, kobj.UTDeviceMem, kobj.UTKernel} {
			for n := s.heads[k][b]; n != nil; n = n.next {
				if n.paddr <= paddr && end <= n.paddr+uintptr(1)<<n.sizeBits {
					return n
				}
			}
		}
	}
	return nil
}

// Free implements allocman.Utspace. The object's capabilities must already
// be deleted.
func (s *Split) Free(r allocman.Resources, cookie allocman.Cookie, sizeBits uint) {
	n, ok := s.nodes[cookie]
	if !ok || !n.allocated || n.sizeBits != sizeBits {
		panic(fmt.Sprintf("utspace: bad free of cookie %d (%d bits)", cookie, sizeBits))
	}
	s.release(r, n)
}

func (s *Split) release(r allocman.Resources, n *splitNode) {
	parent := n.parent
	if parent != nil && !n.sibling.allocated {
		s.remove(n.sibling)
		s.deleteNode(r, n.sibling)
		s.deleteNode(r, n)
		s.release(r, parent)
		return
	}
	s.insert(n)
}

// Paddr implements allocman.Utspace.
func (s *Split) Paddr(cookie allocman.Cookie, _ uint) uintptr {
	n, ok := s.nodes[cookie]
	if !ok {
		return 0
	}
	return n.paddr
}

// Properties implements allocman.Utspace.
func (s *Split) Properties() allocman.Properties { return allocman.DefaultProperties }

// FreeBytes returns the total size of the free untypeds of one kind.
func (s *Split) FreeBytes(kind kobj.UntypedKind) uint64 {
	var total uint64
	for b, head := range s.heads[kind] {
		for n := head; n != nil; n = n.next {
			total += uint64(1) << b
		}
	}
	return total
}

// Nodes returns the number of untypeds the allocator tracks, split or not.
func (s *Split) Nodes() int { return len(s.nodes) }

var _ allocman.Utspace = (*Split)(nil)
