package sim_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/allocman/kobj"
	"github.com/joshuapare/allocman/kobj/sim"
)

func slot(cptr kobj.CPtr) kobj.Path {
	return kobj.Path{Root: 2, CapPtr: cptr, CapDepth: 12, Offset: cptr}
}

func TestKernel_RetypeAccounting(t *testing.T) {
	k := sim.New()
	require.NoError(t, k.AddUntyped(slot(1), 16, 0x10_0000, false))
	require.ErrorIs(t, k.AddUntyped(slot(1), 16, 0, false), sim.ErrSlotOccupied)

	require.NoError(t, k.Retype(slot(1), sim.TypeFrame, sim.PageBits, 0, slot(10)))
	typ, ok := k.TypeAt(slot(10))
	require.True(t, ok)
	require.Equal(t, sim.TypeFrame, typ)

	tests := []struct {
		name string
		ut   kobj.Path
		bits uint
		off  uint64
		dst  kobj.Path
		want error
	}{
		{"empty source", slot(3), 4, 0, slot(11), sim.ErrSlotEmpty},
		{"source not untyped", slot(10), 4, 0, slot(11), sim.ErrNotUntyped},
		{"destination taken", slot(1), 4, 1 << 13, slot(10), sim.ErrSlotOccupied},
		{"past the end", slot(1), sim.PageBits, 1 << 16, slot(11), sim.ErrRange},
		{"bigger than parent", slot(1), 17, 0, slot(11), sim.ErrRange},
		{"overlaps a child", slot(1), 4, 0x800, slot(11), sim.ErrOverlap},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.ErrorIs(t, k.Retype(tt.ut, sim.TypeEndpoint, tt.bits, tt.off, tt.dst), tt.want)
		})
	}

	require.ErrorIs(t, k.Delete(slot(1)), sim.ErrHasChildren)
	require.NoError(t, k.Delete(slot(10)))
	require.NoError(t, k.Retype(slot(1), sim.TypeEndpoint, 4, 0x800, slot(11)), "space is reusable after delete")
	require.Equal(t, 2, k.LiveObjects())
}

func TestKernel_SameCPtrDifferentDepth(t *testing.T) {
	k := sim.New()
	shallow := slot(5)
	deep := shallow
	deep.CapDepth = 20
	require.NoError(t, k.Place(shallow, sim.TypeTCB))
	require.NoError(t, k.Place(deep, sim.TypeTCB))
	require.Equal(t, 2, k.LiveObjects())
}

func TestKernel_MoveAndFailures(t *testing.T) {
	k := sim.New()
	require.NoError(t, k.Place(slot(1), sim.TypeEndpoint))

	k.FailNext(sim.OpMove, 1)
	require.ErrorIs(t, k.Move(slot(2), slot(1)), sim.ErrInjected)
	require.NoError(t, k.Move(slot(2), slot(1)))
	require.Equal(t, 2, k.Calls(sim.OpMove))

	require.False(t, k.Occupied(slot(1)))
	require.True(t, k.Occupied(slot(2)))
	require.ErrorIs(t, k.Move(slot(3), slot(1)), sim.ErrSlotEmpty)
	require.ErrorIs(t, k.Delete(slot(1)), sim.ErrSlotEmpty)
}

func TestKernel_Mapping(t *testing.T) {
	k := sim.New()
	require.NoError(t, k.AddUntyped(slot(1), 16, 0, false))
	require.NoError(t, k.Retype(slot(1), sim.TypeFrame, sim.PageBits, 0, slot(10)))
	require.NoError(t, k.Retype(slot(1), sim.TypePageTable, sim.PageTableBits, 1<<12, slot(11)))

	const va = 0x4000_1000
	require.ErrorIs(t, k.MapPage(slot(10), va), kobj.ErrNoPageTable)
	require.ErrorIs(t, k.MapPageTable(slot(10), va), sim.ErrWrongType)
	require.NoError(t, k.MapPageTable(slot(11), va))
	require.ErrorIs(t, k.MapPage(slot(11), va), sim.ErrWrongType)
	require.NoError(t, k.MapPage(slot(10), va+0x10))
	require.Equal(t, []uintptr{va}, k.MappedPages())
	require.ErrorIs(t, k.MapPage(slot(10), va), sim.ErrSlotOccupied)

	// Moving the frame keeps the mapping; deleting it removes the mapping.
	require.NoError(t, k.Move(slot(12), slot(10)))
	require.Equal(t, []uintptr{va}, k.MappedPages())
	require.NoError(t, k.Delete(slot(12)))
	require.Empty(t, k.MappedPages())
}
