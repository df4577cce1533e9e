package utspace

import (
	"fmt"
	"unsafe"

	"github.com/joshuapare/allocman/allocman"
	"github.com/joshuapare/allocman/kobj"
)

type twinkleUT struct {
	path     kobj.Path
	offset   uint64
	sizeBits uint
}

var twinkleUTBytes = int(unsafe.Sizeof(twinkleUT{}))

// Twinkle is a bump allocator over kernel untypeds. It never frees, so it
// hands out the zero cookie.
type Twinkle struct {
	kernel kobj.Retyper
	uts    []twinkleUT

	charge      allocman.Addr
	chargeBytes int
}

// NewTwinkle returns an empty allocator.
func NewTwinkle(kernel kobj.Retyper) *Twinkle {
	return &Twinkle{kernel: kernel}
}

func roundUp(v uint64, bits uint) uint64 {
	mask := uint64(1)<<bits - 1
	return (v + mask) &^ mask
}

// AddUntypeds implements allocman.Utspace. The table grows by reallocating
// its charge, like every other bookkeeping array.
func (t *Twinkle) AddUntypeds(r allocman.Resources, uts []kobj.Untyped) error {
	for _, ut := range uts {
		if ut.Kind != kobj.UTKernel {
			return fmt.Errorf("add %s untyped: %w", ut.Kind, ErrDeviceUnsupported)
		}
	}
	bytes := (len(t.uts) + len(uts)) * twinkleUTBytes
	charge, err := r.AllocMspace(bytes)
	if err != nil {
		return fmt.Errorf("twinkle table: %w", err)
	}
	if t.charge != 0 {
		r.FreeMspace(t.charge, t.chargeBytes)
	}
	t.charge, t.chargeBytes = charge, bytes
	for _, ut := range uts {
		t.uts = append(t.uts, twinkleUT{path: ut.Path, sizeBits: ut.SizeBits})
	}
	return nil
}

// Alloc implements allocman.Utspace. Among the untypeds with room it picks
// the one that wastes the least space to alignment.
func (t *Twinkle) Alloc(_ allocman.Resources, sizeBits uint, typ kobj.Type, slot kobj.Path, paddr uintptr, _ bool) (allocman.Cookie, error) {
	if paddr != kobj.NoPaddr {
		return 0, ErrExplicitPaddr
	}
	if sizeBits == 0 || sizeBits >= maxSizeBits {
		return 0, fmt.Errorf("alloc %d bits: %w", sizeBits, ErrInvalidSize)
	}
	best := -1
	var bestWaste uint64
	for i, ut := range t.uts {
		start := roundUp(ut.offset, sizeBits)
		if ut.sizeBits < sizeBits || start+uint64(1)<<sizeBits > uint64(1)<<ut.sizeBits {
			continue
		}
		if waste := start - ut.offset; best < 0 || waste < bestWaste {
			best, bestWaste = i, waste
		}
	}
	if best < 0 {
		return 0, fmt.Errorf("alloc %d bits: %w", sizeBits, ErrOutOfMemory)
	}
	ut := &t.uts[best]
	start := roundUp(ut.offset, sizeBits)
	if err := t.kernel.Retype(ut.path, typ, sizeBits, start, slot); err != nil {
		return 0, fmt.Errorf("retype %d bits type %d: %w", sizeBits, typ, err)
	}
	ut.offset = start + uint64(1)<<sizeBits
	return 0, nil
}

// Free implements allocman.Utspace. Twinkle never reuses memory.
func (t *Twinkle) Free(allocman.Resources, allocman.Cookie, uint) {}

// Paddr implements allocman.Utspace. Twinkle does not track addresses.
func (t *Twinkle) Paddr(allocman.Cookie, uint) uintptr { return 0 }

// Properties implements allocman.Utspace.
func (t *Twinkle) Properties() allocman.Properties { return allocman.DefaultProperties }

// Remaining returns the bytes left past the bump pointer of every untyped.
func (t *Twinkle) Remaining() uint64 {
	var total uint64
	for _, ut := range t.uts {
		total += uint64(1)<<ut.sizeBits - ut.offset
	}
	return total
}

var _ allocman.Utspace = (*Twinkle)(nil)
