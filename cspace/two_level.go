package cspace

import (
	"fmt"
	"unsafe"

	"github.com/joshuapare/allocman/allocman"
	"github.com/joshuapare/allocman/kobj"
)

// TwoLevelConfig describes a two-level cspace. Slot pointers handed out are
// (first-level index << LevelTwoBits) | second-level index.
type TwoLevelConfig struct {
	// CNode addresses the first-level CNode.
	CNode          kobj.CPtr
	CNodeSizeBits  uint
	CNodeGuardBits uint

	// FirstSlot and EndSlot bound the first-level indices that may hold
	// second-level CNodes.
	FirstSlot kobj.CPtr
	EndSlot   kobj.CPtr

	// LevelTwoBits is the log2 number of slots in each second-level CNode.
	// CNodeSizeBits + CNodeGuardBits + LevelTwoBits must fit in a word.
	LevelTwoBits uint

	// CNodeType is the kernel object type used to create second levels.
	CNodeType kobj.Type

	// First-level indices [StartExistingIndex, EndExistingIndex) already hold
	// second-level CNodes that were built by someone else.
	StartExistingIndex kobj.CPtr
	EndExistingIndex   kobj.CPtr

	// Slots [StartExistingSlot, EndExistingSlot) are already in use.
	StartExistingSlot kobj.CPtr
	EndExistingSlot   kobj.CPtr
}

type secondLevel struct {
	count  int
	slots  *SingleLevel
	cookie allocman.Cookie
	// owned is set when this allocator created the CNode and must destroy it.
	owned  bool
	charge allocman.Addr
}

var secondLevelBytes = int(unsafe.Sizeof(secondLevel{}))

// TwoLevel allocates slots from second-level CNodes that it creates on
// demand out of untyped memory.
type TwoLevel struct {
	cfg    TwoLevelConfig
	kernel kobj.Deleter

	first  *SingleLevel
	second []*secondLevel
	last   int

	charge      allocman.Addr
	chargeBytes int
}

// NewTwoLevel creates a two-level allocator. kernel deletes second-level
// CNodes once they empty.
func NewTwoLevel(r allocman.Resources, kernel kobj.Deleter, cfg TwoLevelConfig) (*TwoLevel, error) {
	if cfg.LevelTwoBits == 0 || cfg.CNodeSizeBits+cfg.CNodeGuardBits+cfg.LevelTwoBits > 64 {
		return nil, fmt.Errorf("two level with %d+%d+%d bits: %w",
			cfg.CNodeSizeBits, cfg.CNodeGuardBits, cfg.LevelTwoBits, ErrBadConfig)
	}
	if cfg.EndSlot > kobj.CPtr(1)<<cfg.CNodeSizeBits {
		return nil, fmt.Errorf("two level end slot %d beyond %d-bit cnode: %w", cfg.EndSlot, cfg.CNodeSizeBits, ErrBadConfig)
	}

	n := 1 << cfg.CNodeSizeBits
	bytes := n * int(unsafe.Sizeof((*secondLevel)(nil)))
	charge, err := r.AllocMspace(bytes)
	if err != nil {
		return nil, fmt.Errorf("two level table: %w", err)
	}
	t := &TwoLevel{
		cfg:         cfg,
		kernel:      kernel,
		second:      make([]*secondLevel, n),
		charge:      charge,
		chargeBytes: bytes,
	}
	t.first, err = NewSingleLevel(r, SingleLevelConfig{
		CNode:          cfg.CNode,
		CNodeSizeBits:  cfg.CNodeSizeBits,
		CNodeGuardBits: cfg.CNodeGuardBits,
		FirstSlot:      cfg.FirstSlot,
		EndSlot:        cfg.EndSlot,
	})
	if err != nil {
		r.FreeMspace(charge, bytes)
		return nil, err
	}

	for i := cfg.StartExistingIndex; i < cfg.EndExistingIndex; i++ {
		if err := t.first.AllocAt(i); err != nil {
			t.Destroy(r)
			return nil, err
		}
		if err := t.createSecond(r, int(i), false); err != nil {
			t.first.release(i)
			t.Destroy(r)
			return nil, err
		}
	}
	for s := cfg.StartExistingSlot; s < cfg.EndExistingSlot; s++ {
		if err := t.AllocAt(r, s); err != nil {
			t.Destroy(r)
			return nil, err
		}
	}
	return t, nil
}

// createSecond builds the second level at first-level index idx. When
// allocNode is set the CNode itself is created from untyped memory.
func (t *TwoLevel) createSecond(r allocman.Resources, idx int, allocNode bool) error {
	charge, err := r.AllocMspace(secondLevelBytes)
	if err != nil {
		return fmt.Errorf("second level %d: %w", idx, err)
	}
	node := &secondLevel{charge: charge}

	nodeBits := t.cfg.LevelTwoBits + kobj.SlotBits
	dest := t.first.MakePath(kobj.CPtr(idx))
	if allocNode {
		node.cookie, err = r.AllocUtspace(nodeBits, t.cfg.CNodeType, dest, false)
		if err != nil {
			r.FreeMspace(charge, secondLevelBytes)
			return fmt.Errorf("second level %d cnode: %w", idx, err)
		}
		node.owned = true
	}

	node.slots, err = NewSingleLevel(r, SingleLevelConfig{
		CNodeSizeBits: t.cfg.LevelTwoBits,
		EndSlot:       kobj.CPtr(1) << t.cfg.LevelTwoBits,
	})
	if err != nil {
		if node.owned {
			t.deleteCNode(dest)
			r.FreeUtspace(node.cookie, nodeBits)
		}
		r.FreeMspace(charge, secondLevelBytes)
		return fmt.Errorf("second level %d: %w", idx, err)
	}
	t.second[idx] = node
	return nil
}

func (t *TwoLevel) destroySecond(r allocman.Resources, idx int) {
	node := t.second[idx]
	t.second[idx] = nil
	node.slots.Destroy(r)
	if node.owned {
		t.deleteCNode(t.first.MakePath(kobj.CPtr(idx)))
		r.FreeUtspace(node.cookie, t.cfg.LevelTwoBits+kobj.SlotBits)
	}
	r.FreeMspace(node.charge, secondLevelBytes)
	t.first.release(kobj.CPtr(idx))
}

func (t *TwoLevel) deleteCNode(p kobj.Path) {
	if err := t.kernel.Delete(p); err != nil {
		panic(fmt.Sprintf("cspace: delete second level cnode %v: %v", p, err))
	}
}

// Alloc implements allocman.Cspace.
func (t *TwoLevel) Alloc(r allocman.Resources) (kobj.Path, error) {
	i, found := t.last, false
	for _i := 0; _i < len(t.second); _i++ {
		if n := t.second[i]; n != nil && n.slots.Available() > 0 {
			found = true
			break
		}
		i = (i + 1) % len(t.second)
	}
	if !found {
		l1, err := t.first.Alloc(r)
		if err != nil {
			return kobj.Path{}, fmt.Errorf("two level: %w", err)
		}
		i = int(l1.CapPtr)
		if err := t.createSecond(r, i, true); err != nil {
			t.first.release(l1.CapPtr)
			return kobj.Path{}, err
		}
	}
	t.last = i
	node := t.second[i]
	l2, _ := node.slots.take()
	node.count++
	return t.MakePath(kobj.CPtr(i)<<t.cfg.LevelTwoBits | kobj.CPtr(l2)), nil
}

// AllocAt marks a specific slot allocated, creating its second level if
// needed.
func (t *TwoLevel) AllocAt(r allocman.Resources, slot kobj.CPtr) error {
	l1, l2 := t.split(slot)
	if l1 >= len(t.second) {
		return fmt.Errorf("alloc at %d: %w", slot, ErrOutOfRange)
	}
	if t.second[l1] == nil {
		if err := t.first.AllocAt(kobj.CPtr(l1)); err != nil {
			return err
		}
		if err := t.createSecond(r, l1, true); err != nil {
			t.first.release(kobj.CPtr(l1))
			return err
		}
	}
	node := t.second[l1]
	if err := node.slots.AllocAt(kobj.CPtr(l2)); err != nil {
		return fmt.Errorf("alloc at %d: %w", slot, err)
	}
	node.count++
	return nil
}

// Free implements allocman.Cspace. A second level this allocator created is
// destroyed when its last slot is freed.
func (t *TwoLevel) Free(r allocman.Resources, slot kobj.Path) {
	l1, l2 := t.split(slot.CapPtr)
	if l1 >= len(t.second) || t.second[l1] == nil {
		panic(fmt.Sprintf("cspace: free of slot %#x in missing second level", slot.CapPtr))
	}
	node := t.second[l1]
	node.slots.release(kobj.CPtr(l2))
	node.count--
	if node.count == 0 && node.owned {
		t.destroySecond(r, l1)
	}
}

func (t *TwoLevel) split(slot kobj.CPtr) (int, int) {
	return int(slot >> t.cfg.LevelTwoBits), int(slot & (kobj.CPtr(1)<<t.cfg.LevelTwoBits - 1))
}

// MakePath implements allocman.Cspace.
func (t *TwoLevel) MakePath(slot kobj.CPtr) kobj.Path {
	l1, l2 := t.split(slot)
	depth := t.cfg.CNodeSizeBits + t.cfg.CNodeGuardBits
	return kobj.Path{
		Root:      t.cfg.CNode,
		CapPtr:    slot,
		CapDepth:  uint8(depth + t.cfg.LevelTwoBits),
		Dest:      kobj.CPtr(l1),
		DestDepth: uint8(depth),
		Offset:    kobj.Word(l2),
	}
}

// Properties implements allocman.Cspace.
func (t *TwoLevel) Properties() allocman.Properties { return allocman.DefaultProperties }

// SecondLevels returns the number of live second-level CNodes.
func (t *TwoLevel) SecondLevels() int {
	n := 0
	for _, s := range t.second {
		if s != nil {
			n++
		}
	}
	return n
}

// Destroy tears down every second level and returns all bookkeeping memory.
func (t *TwoLevel) Destroy(r allocman.Resources) {
	for i, s := range t.second {
		if s == nil {
			continue
		}
		if s.owned {
			t.destroySecond(r, i)
			continue
		}
		s.slots.Destroy(r)
		r.FreeMspace(s.charge, secondLevelBytes)
		t.second[i] = nil
	}
	t.first.Destroy(r)
	r.FreeMspace(t.charge, t.chargeBytes)
}

var _ allocman.Cspace = (*TwoLevel)(nil)
