package bootstrap

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/cenkalti/backoff"

	"github.com/joshuapare/allocman/allocman"
	"github.com/joshuapare/allocman/cspace"
	"github.com/joshuapare/allocman/kobj"
	"github.com/joshuapare/allocman/mspace"
	"github.com/joshuapare/allocman/utspace"
)

// Setup is everything a bootstrap needs besides the boot information.
type Setup struct {
	Kernel kobj.Kernel
	// Pool backs the Manager's bookkeeping until a virtual pool is attached.
	Pool   *mspace.FixedPool
	Config Config
	Logger *slog.Logger
}

func (s Setup) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return s.Logger
}

// NewArenaPool maps an arena of size bytes and returns a fixed pool over it.
// The caller closes the arena once the Manager is no longer used.
func NewArenaPool(size int) (*mspace.Arena, *mspace.FixedPool, error) {
	arena, err := mspace.NewArena(size)
	if err != nil {
		return nil, nil, err
	}
	pool, err := arena.FixedPool()
	if err != nil {
		_ = arena.Close()
		return nil, nil, err
	}
	return arena, pool, nil
}

// CreateManager returns a Manager whose mspace is a DualPool over s.Pool. No
// cspace or utspace is attached.
func CreateManager(s Setup) (*allocman.Manager, error) {
	if err := s.Config.Validate(); err != nil {
		return nil, err
	}
	if s.Pool == nil {
		return nil, fmt.Errorf("create manager without a pool: %w", ErrBadConfig)
	}
	opts := &allocman.Options{
		Logger:          s.Logger,
		RefillPassLimit: s.Config.RefillPassLimit,
	}
	if s.Kernel != nil {
		opts.Mover = s.Kernel
	}
	m := allocman.New(mspace.NewDualPool(s.Pool), opts)
	if err := configureMspaceClasses(m, s.Config.Reserves.Mspace); err != nil {
		return nil, fmt.Errorf("create manager: %w", err)
	}
	return m, nil
}

// UseBootInfo keeps the boot CNode as a single-level cspace over its empty
// slots, attaches the configured utspace and the reservations, then adds
// every boot untyped.
func UseBootInfo(bi BootInfo, s Setup) (*allocman.Manager, error) {
	if err := bi.validate(); err != nil {
		return nil, err
	}
	m, err := CreateManager(s)
	if err != nil {
		return nil, err
	}
	cs, err := cspace.NewSingleLevel(m, cspace.SingleLevelConfig{
		CNode:          bi.RootCNode,
		CNodeSizeBits:  bi.CNodeSizeBits,
		CNodeGuardBits: bi.CNodeGuardBits,
		FirstSlot:      bi.Empty.Start,
		EndSlot:        bi.Empty.End,
	})
	if err != nil {
		return nil, fmt.Errorf("use boot info: %w", err)
	}
	if err := attach(m, cs, s.Kernel, s.Config.Utspace); err != nil {
		return nil, fmt.Errorf("use boot info: %w", err)
	}
	if err := configureQueues(m, s.Config.Reserves); err != nil {
		return nil, fmt.Errorf("use boot info: %w", err)
	}
	if err := m.AddUntypeds(bi.untypeds(-1)); err != nil {
		return nil, fmt.Errorf("use boot info: %w", err)
	}
	if err := prime(m, s.Config.PrimeAttempts); err != nil {
		return nil, fmt.Errorf("use boot info: %w", err)
	}
	s.logger().Info("bootstrapped single-level cspace",
		"untypeds", len(bi.Untypeds), "free_slots", cs.Available())
	return m, nil
}

// NewTwoLevel builds a two-level cspace inside the boot CNode. The first
// second-level CNode is carved by hand out of the smallest kernel untyped that
// can hold it, splitting it in halves through scratch slots at the start of
// the empty range. The remaining empty slots become first-level indices, and
// one spare second-level CNode per Config.Reserves.SpareCNodes is kept in the
// utspace reserve so the cspace can grow while the utspace is busy.
func NewTwoLevel(bi BootInfo, s Setup) (*allocman.Manager, *cspace.TwoLevel, error) {
	if err := bi.validate(); err != nil {
		return nil, nil, err
	}
	if s.Kernel == nil {
		return nil, nil, fmt.Errorf("two level without a kernel: %w", ErrBadConfig)
	}
	nodeBits := s.Config.LevelTwoBits + kobj.SlotBits
	best := bi.smallestFor(nodeBits)
	if best < 0 {
		return nil, nil, fmt.Errorf("two level needs a %d-bit untyped: %w", nodeBits, ErrNoCNodeUntyped)
	}
	splits := bi.Untypeds[best].SizeBits - nodeBits
	first := bi.Empty.Start + kobj.CPtr(2*splits)
	if first >= bi.Empty.End {
		return nil, nil, fmt.Errorf("empty range of %d slots cannot hold %d split halves and a cnode: %w",
			bi.Empty.Len(), 2*splits, ErrBadBootInfo)
	}

	m, err := CreateManager(s)
	if err != nil {
		return nil, nil, err
	}
	halves, err := carveCNode(s.Kernel, bi, bi.Untypeds[best], nodeBits, bi.Path(first))
	if err != nil {
		return nil, nil, fmt.Errorf("two level: %w", err)
	}
	tl, err := cspace.NewTwoLevel(m, s.Kernel, cspace.TwoLevelConfig{
		CNode:              bi.RootCNode,
		CNodeSizeBits:      bi.CNodeSizeBits,
		CNodeGuardBits:     bi.CNodeGuardBits,
		FirstSlot:          first,
		EndSlot:            bi.Empty.End,
		LevelTwoBits:       s.Config.LevelTwoBits,
		CNodeType:          bi.Objects.CNode,
		StartExistingIndex: first,
		EndExistingIndex:   first + 1,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("two level: %w", err)
	}
	if err := attach(m, tl, s.Kernel, s.Config.Utspace); err != nil {
		return nil, nil, fmt.Errorf("two level: %w", err)
	}
	if err := configureQueues(m, s.Config.Reserves); err != nil {
		return nil, nil, fmt.Errorf("two level: %w", err)
	}
	if n := s.Config.Reserves.SpareCNodes; n > 0 {
		chunk := allocman.UtspaceChunk{SizeBits: nodeBits, Type: bi.Objects.CNode, Count: n}
		if err := m.ConfigureUtspaceReserve(chunk); err != nil {
			return nil, nil, fmt.Errorf("two level: %w", err)
		}
	}
	if err := m.AddUntypeds(append(bi.untypeds(best), halves...)); err != nil {
		return nil, nil, fmt.Errorf("two level: %w", err)
	}
	if err := prime(m, s.Config.PrimeAttempts); err != nil {
		return nil, nil, fmt.Errorf("two level: %w", err)
	}
	s.logger().Info("bootstrapped two-level cspace",
		"untypeds", len(bi.Untypeds)-1+len(halves), "carved_from", bi.Untypeds[best].Slot,
		"first_index", first, "level_two_bits", s.Config.LevelTwoBits)
	return m, tl, nil
}

// carveCNode halves ut until a piece of nodeBits remains and retypes that
// piece into a CNode at dst. Each split places both halves in the next two
// scratch slots; the lower half is returned as a free untyped and the upper
// half is split again. On failure every capability created so far is
// deleted.
func carveCNode(k kobj.Kernel, bi BootInfo, ut BootUntyped, nodeBits uint, dst kobj.Path) ([]kobj.Untyped, error) {
	var (
		created []kobj.Path
		halves  []kobj.Untyped
	)
	unwind := func(err error) ([]kobj.Untyped, error) {
		for i := len(created) - 1; i >= 0; i-- {
			if derr := k.Delete(created[i]); derr != nil {
				err = errors.Join(err, derr)
			}
		}
		return nil, err
	}

	cur, size, paddr := bi.Path(ut.Slot), ut.SizeBits, ut.Paddr
	next := bi.Empty.Start
	for size > nodeBits {
		size--
		lo, hi := bi.Path(next), bi.Path(next+1)
		next += 2
		if err := k.Retype(cur, kobj.UntypedType, size, 0, lo); err != nil {
			return unwind(fmt.Errorf("split %v: %w", cur, err))
		}
		created = append(created, lo)
		if err := k.Retype(cur, kobj.UntypedType, size, uint64(1)<<size, hi); err != nil {
			return unwind(fmt.Errorf("split %v: %w", cur, err))
		}
		created = append(created, hi)
		halves = append(halves, kobj.Untyped{Path: lo, SizeBits: size, Paddr: paddr, Kind: kobj.UTKernel})
		paddr += uintptr(1) << size
		cur = hi
	}
	if err := k.Retype(cur, bi.Objects.CNode, nodeBits, 0, dst); err != nil {
		return unwind(fmt.Errorf("retype cnode into %v: %w", dst, err))
	}
	return halves, nil
}

// attach installs cs and the configured utspace.
func attach(m *allocman.Manager, cs allocman.Cspace, k kobj.Kernel, kind string) error {
	if k == nil {
		return fmt.Errorf("attach without a kernel: %w", ErrBadConfig)
	}
	var us allocman.Utspace
	switch kind {
	case UtspaceTwinkle:
		us = utspace.NewTwinkle(k)
	default:
		us = utspace.NewSplit(k)
	}
	if err := m.AttachCspace(cs); err != nil {
		return err
	}
	return m.AttachUtspace(us)
}

// ConfigureVirtualPool reserves frames and page tables for growth and
// attaches a virtual pool at cfg.Virtual to the Manager's DualPool. A reserve
// class that already exists is left as it is. Only one virtual pool can be
// attached.
func ConfigureVirtualPool(m *allocman.Manager, kernel mspace.VirtualKernel, objs ObjectTypes, cfg Config) (*mspace.VirtualPool, error) {
	dual, ok := m.Mspace().(*mspace.DualPool)
	if !ok {
		return nil, ErrNoDualPool
	}
	if dual.Virtual() != nil {
		return nil, ErrVirtualAttached
	}
	chunks := []allocman.UtspaceChunk{
		{SizeBits: objs.FrameBits, Type: objs.Frame, Count: cfg.Reserves.Frames},
		{SizeBits: objs.PageTableBits, Type: objs.PageTable, Count: cfg.Reserves.PageTables},
	}
	for _, c := range chunks {
		if c.Count == 0 {
			continue
		}
		if err := m.ConfigureUtspaceReserve(c); err != nil && !errors.Is(err, allocman.ErrDuplicateClass) {
			return nil, fmt.Errorf("configure virtual pool: %w", err)
		}
	}
	vp, err := mspace.NewVirtualPool(kernel, mspace.VirtualPoolConfig{
		VStart:        uintptr(cfg.Virtual.Start),
		Size:          cfg.Virtual.Size,
		FrameType:     objs.Frame,
		FrameBits:     objs.FrameBits,
		PageTableType: objs.PageTable,
		PageTableBits: objs.PageTableBits,
	})
	if err != nil {
		return nil, fmt.Errorf("configure virtual pool: %w", err)
	}
	dual.AttachVirtual(vp)
	if err := prime(m, cfg.PrimeAttempts); err != nil {
		return nil, fmt.Errorf("configure virtual pool: %w", err)
	}
	return vp, nil
}

// prime calls FillReserves until nothing is short, giving up after attempts
// retries.
func prime(m *allocman.Manager, attempts uint64) error {
	if attempts == 0 {
		// WithMaxRetries treats zero as unlimited.
		if m.FillReserves() {
			return fmt.Errorf("prime reserves after 1 try: %w", ErrReservesShort)
		}
		return nil
	}
	tries := 0
	fill := func() error {
		tries++
		if m.FillReserves() {
			return ErrReservesShort
		}
		return nil
	}
	if err := backoff.Retry(fill, backoff.WithMaxRetries(&backoff.ZeroBackOff{}, attempts)); err != nil {
		return fmt.Errorf("prime reserves after %d tries: %w", tries, err)
	}
	return nil
}
