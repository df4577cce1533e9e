package cspace

import (
	"fmt"
	"math/bits"

	"github.com/joshuapare/allocman/allocman"
	"github.com/joshuapare/allocman/kobj"
)

const wordBits = 64

// SingleLevelConfig describes the slots a SingleLevel allocator manages.
type SingleLevelConfig struct {
	// CNode addresses the CNode holding the slots.
	CNode kobj.CPtr
	// CNodeSizeBits is the log2 number of slots in the CNode.
	CNodeSizeBits uint
	// CNodeGuardBits is the guard depth in front of the CNode.
	CNodeGuardBits uint
	// FirstSlot is the first slot index to hand out.
	FirstSlot kobj.CPtr
	// EndSlot is one past the last slot index to hand out.
	EndSlot kobj.CPtr
}

// SingleLevel allocates slots from one CNode using a free bitmap. A set bit
// marks a free slot.
type SingleLevel struct {
	cfg    SingleLevelConfig
	bitmap []uint64
	last   int
	free   int

	charge      allocman.Addr
	chargeBytes int
}

// NewSingleLevel creates an allocator with every slot in the range free. The
// bitmap is charged to r's mspace.
func NewSingleLevel(r allocman.Resources, cfg SingleLevelConfig) (*SingleLevel, error) {
	if cfg.EndSlot <= cfg.FirstSlot {
		return nil, fmt.Errorf("single level [%d,%d): %w", cfg.FirstSlot, cfg.EndSlot, ErrBadConfig)
	}
	n := int(cfg.EndSlot - cfg.FirstSlot)
	words := (n + wordBits - 1) / wordBits
	bytes := words * 8
	charge, err := r.AllocMspace(bytes)
	if err != nil {
		return nil, fmt.Errorf("single level bitmap of %d bytes: %w", bytes, err)
	}
	s := &SingleLevel{
		cfg:         cfg,
		bitmap:      make([]uint64, words),
		free:        n,
		charge:      charge,
		chargeBytes: bytes,
	}
	for i := range s.bitmap {
		s.bitmap[i] = ^uint64(0)
	}
	// Padding bits past the end of the range are permanently allocated.
	if rem := n % wordBits; rem != 0 {
		s.bitmap[words-1] = uint64(1)<<rem - 1
	}
	return s, nil
}

// Destroy returns the bitmap's memory. The allocator must not be used after.
func (s *SingleLevel) Destroy(r allocman.Resources) {
	if s.charge != 0 {
		r.FreeMspace(s.charge, s.chargeBytes)
	}
	s.charge, s.bitmap = 0, nil
}

// Alloc implements allocman.Cspace.
func (s *SingleLevel) Alloc(allocman.Resources) (kobj.Path, error) {
	idx, ok := s.take()
	if !ok {
		return kobj.Path{}, ErrFull
	}
	return s.MakePath(s.cfg.FirstSlot + kobj.CPtr(idx)), nil
}

// take claims the lowest free index in the first word with one, starting at
// the word that last had space.
func (s *SingleLevel) take() (int, bool) {
	if s.free == 0 {
		return 0, false
	}
	i := s.last
	for s.bitmap[i] == 0 {
		i = (i + 1) % len(s.bitmap)
	}
	s.last = i
	bit := bits.TrailingZeros64(s.bitmap[i])
	s.bitmap[i] &^= uint64(1) << bit
	s.free--
	return i*wordBits + bit, true
}

// AllocAt marks a specific slot allocated.
func (s *SingleLevel) AllocAt(slot kobj.CPtr) error {
	idx, err := s.index(slot)
	if err != nil {
		return err
	}
	w, b := idx/wordBits, uint(idx%wordBits)
	if s.bitmap[w]&(uint64(1)<<b) == 0 {
		return fmt.Errorf("alloc at %d: %w", slot, ErrInUse)
	}
	s.bitmap[w] &^= uint64(1) << b
	s.free--
	return nil
}

// Free implements allocman.Cspace. Freeing a slot that is not allocated
// panics.
func (s *SingleLevel) Free(_ allocman.Resources, slot kobj.Path) {
	s.release(slot.CapPtr)
}

func (s *SingleLevel) release(slot kobj.CPtr) {
	idx, err := s.index(slot)
	if err != nil {
		panic(fmt.Sprintf("cspace: free of %d: %v", slot, err))
	}
	w, b := idx/wordBits, uint(idx%wordBits)
	if s.bitmap[w]&(uint64(1)<<b) != 0 {
		panic(fmt.Sprintf("cspace: double free of slot %d", slot))
	}
	s.bitmap[w] |= uint64(1) << b
	s.free++
}

func (s *SingleLevel) index(slot kobj.CPtr) (int, error) {
	if slot < s.cfg.FirstSlot || slot >= s.cfg.EndSlot {
		return 0, fmt.Errorf("slot %d not in [%d,%d): %w", slot, s.cfg.FirstSlot, s.cfg.EndSlot, ErrOutOfRange)
	}
	return int(slot - s.cfg.FirstSlot), nil
}

// MakePath implements allocman.Cspace.
func (s *SingleLevel) MakePath(slot kobj.CPtr) kobj.Path {
	return kobj.Path{
		Root:     s.cfg.CNode,
		CapPtr:   slot,
		CapDepth: uint8(s.cfg.CNodeSizeBits + s.cfg.CNodeGuardBits),
		Offset:   slot,
	}
}

// Properties implements allocman.Cspace.
func (s *SingleLevel) Properties() allocman.Properties { return allocman.DefaultProperties }

// Available returns the number of free slots.
func (s *SingleLevel) Available() int { return s.free }

// Allocated returns the number of allocated slots.
func (s *SingleLevel) Allocated() int { return int(s.cfg.EndSlot-s.cfg.FirstSlot) - s.free }

var _ allocman.Cspace = (*SingleLevel)(nil)
