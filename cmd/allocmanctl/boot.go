package main

import (
	"errors"

	"github.com/joshuapare/allocman/allocman"
	"github.com/joshuapare/allocman/bootstrap"
	"github.com/joshuapare/allocman/internal/logger"
	"github.com/joshuapare/allocman/kobj"
	"github.com/joshuapare/allocman/kobj/sim"
	"github.com/joshuapare/allocman/mspace"
)

// Simulated boot layout: a 16K-slot root CNode whose low slots hold the boot
// capabilities and untypeds.
const (
	rootCNode     = 2
	rootCNodeBits = 14
	firstEmpty    = 64
	kernelUTSlot  = 16
	deviceUTSlot  = 17
	kernelUTPaddr = 0x10_0000
	deviceUTPaddr = 0xfe00_0000
	deviceUTBits  = 20
)

var simObjects = bootstrap.ObjectTypes{
	CNode:         sim.TypeCNode,
	Frame:         sim.TypeFrame,
	PageTable:     sim.TypePageTable,
	FrameBits:     sim.PageBits,
	PageTableBits: sim.PageTableBits,
}

// hookKernel runs a callback before every retype. Retypes only happen inside
// utspace backend calls, so the callback runs while the Manager is mid
// operation.
type hookKernel struct {
	*sim.Kernel
	hook   func()
	inHook bool
}

func (k *hookKernel) Retype(ut kobj.Path, typ kobj.Type, sizeBits uint, off uint64, dst kobj.Path) error {
	if k.hook != nil && !k.inHook {
		k.inHook = true
		k.hook()
		k.inHook = false
	}
	return k.Kernel.Retype(ut, typ, sizeBits, off, dst)
}

type bootOptions struct {
	twoLevel    bool
	untypedBits uint
}

// booted is a Manager running on a simulated kernel.
type booted struct {
	kernel  *hookKernel
	m       *allocman.Manager
	arena   *mspace.Arena
	virtual *mspace.VirtualPool
}

func (b *booted) Close() error {
	return b.arena.Close()
}

// boot builds the simulated boot state and bootstraps a Manager on it.
func boot(cfg bootstrap.Config, opts bootOptions) (*booted, error) {
	k := &hookKernel{Kernel: sim.New()}
	bi := bootstrap.BootInfo{
		RootCNode:     rootCNode,
		CNodeSizeBits: rootCNodeBits,
		Empty:         bootstrap.SlotRange{Start: firstEmpty, End: 1 << rootCNodeBits},
		Untypeds: []bootstrap.BootUntyped{
			{Slot: kernelUTSlot, SizeBits: opts.untypedBits, Paddr: kernelUTPaddr},
			{Slot: deviceUTSlot, SizeBits: deviceUTBits, Paddr: deviceUTPaddr, Device: true},
		},
		Objects: simObjects,
	}
	for _, ut := range bi.Untypeds {
		if err := k.AddUntyped(bi.Path(ut.Slot), ut.SizeBits, ut.Paddr, ut.Device); err != nil {
			return nil, err
		}
	}

	arena, pool, err := bootstrap.NewArenaPool(cfg.PoolSize)
	if err != nil {
		return nil, err
	}
	s := bootstrap.Setup{Kernel: k, Pool: pool, Config: cfg, Logger: logger.L}
	var m *allocman.Manager
	if opts.twoLevel {
		m, _, err = bootstrap.NewTwoLevel(bi, s)
	} else {
		m, err = bootstrap.UseBootInfo(bi, s)
	}
	if err != nil {
		return nil, errors.Join(err, arena.Close())
	}
	b := &booted{kernel: k, m: m, arena: arena}
	if cfg.Virtual.Size > 0 {
		b.virtual, err = bootstrap.ConfigureVirtualPool(m, k, simObjects, cfg)
		if err != nil {
			return nil, errors.Join(err, arena.Close())
		}
	}
	logger.Info("booted", "two_level", opts.twoLevel, "untyped_bits", opts.untypedBits,
		"virtual", b.virtual != nil)
	return b, nil
}
