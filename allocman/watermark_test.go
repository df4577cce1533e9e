package allocman_test

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/allocman/allocman"
	"github.com/joshuapare/allocman/internal/testutil"
	"github.com/joshuapare/allocman/kobj"
)

// TestMspaceWatermark_ReentrantAlloc checks that an mspace alloc issued from
// inside the mspace backend never reaches the backend.
func TestMspaceWatermark_ReentrantAlloc(t *testing.T) {
	f := newMspaceOnly(t, nil)
	require.NoError(t, f.m.ConfigureMspaceReserve(allocman.MspaceChunk{Size: 64, Count: 2}))
	require.Equal(t, []allocman.MspaceLevel{{Size: 64, Level: allocman.Level{Current: 2, Desired: 2}}},
		f.m.ReserveLevels().Mspace)

	var nested allocman.Addr
	var nestedErr error
	f.ms.OnAlloc = func(r allocman.Resources, _ int) {
		f.ms.OnAlloc = nil
		calls := f.ms.AllocCalls
		nested, nestedErr = r.AllocMspace(64)
		assert.Equal(t, calls, f.ms.AllocCalls, "backend must not be reentered")
	}

	require.NotPanics(t, func() {
		_, err := f.m.AllocMspace(256)
		require.NoError(t, err)
	})
	require.NoError(t, nestedErr)
	assert.Contains(t, f.ms.Live, nested, "watermark chunk came from an earlier backend alloc")
	assert.Equal(t, 1, f.m.Stats().Mspace.Watermark)

	// The outermost return refilled the class.
	assert.Equal(t, 2, f.m.ReserveLevels().Mspace[0].Current)
	requireBalanced(t, f.m)
}

func TestMspaceWatermark_Exhausted(t *testing.T) {
	f := newMspaceOnly(t, nil)
	require.NoError(t, f.m.ConfigureMspaceReserve(allocman.MspaceChunk{Size: 64, Count: 1}))

	var errs []error
	f.ms.OnAlloc = func(r allocman.Resources, _ int) {
		f.ms.OnAlloc = nil
		_, err := r.AllocMspace(64)
		errs = append(errs, err)
		_, err = r.AllocMspace(64)
		errs = append(errs, err)
		_, err = r.AllocMspace(65)
		errs = append(errs, err)
	}
	_, err := f.m.AllocMspace(512)
	require.NoError(t, err)

	require.Len(t, errs, 3)
	assert.NoError(t, errs[0])
	for _, err := range errs[1:] {
		assert.ErrorIs(t, err, allocman.ErrOutOfMemory)
		assert.ErrorIs(t, err, allocman.ErrNoWatermark)
	}
	assert.Equal(t, 2, f.m.Stats().Mspace.Failed)
	assert.Contains(t, f.logs.String(), "failed to fulfil recursive allocation from watermark")
	requireBalanced(t, f.m)
}

func TestMspaceWatermark_ReentrySafeBackend(t *testing.T) {
	f := newMspaceOnly(t, nil)
	f.ms.Props = allocman.Properties{AllocCanAlloc: true}
	require.NoError(t, f.m.ConfigureMspaceReserve(allocman.MspaceChunk{Size: 16, Count: 1}))

	f.ms.OnAlloc = func(r allocman.Resources, _ int) {
		f.ms.OnAlloc = nil
		_, err := r.AllocMspace(16)
		require.NoError(t, err)
	}
	_, err := f.m.AllocMspace(32)
	require.NoError(t, err)

	assert.Equal(t, 0, f.m.Stats().Mspace.Watermark, "a reentrant-safe backend is called directly")
	assert.Equal(t, 1, f.m.ReserveLevels().Mspace[0].Current)
}

func TestMspaceWatermark_BackendFailureFallback(t *testing.T) {
	f := newMspaceOnly(t, nil)
	require.NoError(t, f.m.ConfigureMspaceReserve(allocman.MspaceChunk{Size: 64, Count: 2}))

	f.ms.Fail = 1
	addr, err := f.m.AllocMspace(64)
	require.NoError(t, err)
	assert.NotZero(t, addr)
	assert.Equal(t, 1, f.m.Stats().Mspace.Watermark)
	assert.Equal(t, 2, f.m.ReserveLevels().Mspace[0].Current, "refill replaced the chunk")

	f.ms.Fail = 1
	_, err = f.m.AllocMspace(100)
	require.ErrorIs(t, err, allocman.ErrOutOfMemory)
	require.ErrorIs(t, err, testutil.ErrExhausted)
	assert.Contains(t, f.logs.String(), "regular alloc failed and watermark also failed")
}

func TestCspaceWatermark_ReentrantAlloc(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.m.ConfigureCspaceReserve(2))

	var nested kobj.Path
	f.cs.OnAlloc = func(r allocman.Resources) {
		f.cs.OnAlloc = nil
		var err error
		nested, err = r.AllocCspace()
		require.NoError(t, err)
	}
	outer, err := f.m.AllocCspace()
	require.NoError(t, err)

	assert.NotEqual(t, outer, nested)
	assert.True(t, f.cs.Live[nested.CapPtr])
	st := f.m.Stats().Cspace
	assert.Equal(t, 1, st.Watermark)
	assert.Equal(t, 1, st.Direct)
	assert.Equal(t, allocman.Level{Current: 2, Desired: 2}, f.m.ReserveLevels().CspaceSlots)
	requireBalanced(t, f.m)
}

func TestCspaceWatermark_BackendFailureFallback(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.m.ConfigureCspaceReserve(1))

	f.cs.Fail = 1
	slot, err := f.m.AllocCspace()
	require.NoError(t, err)
	assert.True(t, f.cs.Live[slot.CapPtr])

	f.cs.Fail = 2
	f.cs.Limit = len(f.cs.Live)
	_, err = f.m.AllocCspace()
	require.NoError(t, err, "the refilled reserve still has one slot")
	_, err = f.m.AllocCspace()
	require.ErrorIs(t, err, allocman.ErrOutOfSlots)
	assert.Contains(t, f.logs.String(), "regular cspace alloc failed, and failed from watermark")
}

// utspaceFixture returns a fixture with one reserved 4K object of type 5.
func utspaceFixture(t *testing.T) *fixture {
	t.Helper()
	f := newFixture(t)
	require.NoError(t, f.m.ConfigureUtspaceReserve(allocman.UtspaceChunk{SizeBits: 12, Type: 5, Count: 1}))
	require.Equal(t, 1, f.m.ReserveLevels().Utspace[0].Current)
	return f
}

func TestUtspaceWatermark_MovesReservedObject(t *testing.T) {
	f := utspaceFixture(t)
	target := f.cs.MakePath(100)
	freed := f.cs.FreeCalls

	var cookie allocman.Cookie
	f.us.OnAlloc = func(r allocman.Resources, _ uint, _ kobj.Type) {
		f.us.OnAlloc = nil
		var err error
		cookie, err = r.AllocUtspace(12, 5, target, false)
		require.NoError(t, err)
	}
	_, err := f.m.AllocUtspace(14, 5, f.cs.MakePath(101), false)
	require.NoError(t, err)

	require.Len(t, f.mover.Moves, 1)
	assert.Equal(t, target, f.mover.Moves[0][0])
	assert.Contains(t, f.us.Live, cookie)
	assert.Equal(t, freed+1, f.cs.FreeCalls, "the vacated reserve slot is freed")
	assert.Equal(t, 1, f.m.Stats().Utspace.Watermark)
	assert.Equal(t, 1, f.m.ReserveLevels().Utspace[0].Current)
	requireBalanced(t, f.m)
}

func TestUtspaceWatermark_Failures(t *testing.T) {
	errBoom := errors.New("boom")

	tests := []struct {
		name  string
		setup func(f *fixture)
		call  func(r allocman.Resources, target kobj.Path) error
		want  error
	}{
		{
			name: "no matching class",
			call: func(r allocman.Resources, target kobj.Path) error {
				_, err := r.AllocUtspace(12, 6, target, false)
				return err
			},
			want: allocman.ErrNoWatermark,
		},
		{
			name:  "move fails",
			setup: func(f *fixture) { f.mover.Fail = errBoom },
			call: func(r allocman.Resources, target kobj.Path) error {
				_, err := r.AllocUtspace(12, 5, target, false)
				return err
			},
			want: errBoom,
		},
		{
			name: "explicit paddr",
			call: func(r allocman.Resources, target kobj.Path) error {
				_, err := r.AllocUtspaceAt(12, 5, target, 0x4000, false)
				return err
			},
			want: allocman.ErrExplicitPaddr,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := utspaceFixture(t)
			if tt.setup != nil {
				tt.setup(f)
			}
			var nestedErr error
			f.us.OnAlloc = func(r allocman.Resources, _ uint, _ kobj.Type) {
				f.us.OnAlloc = nil
				nestedErr = tt.call(r, f.cs.MakePath(100))
			}
			_, err := f.m.AllocUtspace(14, 5, f.cs.MakePath(101), false)
			require.NoError(t, err)

			require.ErrorIs(t, nestedErr, allocman.ErrOutOfMemory)
			require.ErrorIs(t, nestedErr, tt.want)
			assert.Equal(t, 1, f.m.ReserveLevels().Utspace[0].Current, "reserve left intact")
			assert.Equal(t, 1, f.m.Stats().Utspace.Failed)
			requireBalanced(t, f.m)
		})
	}
}

func TestUtspaceWatermark_NoMover(t *testing.T) {
	logger, _ := testutil.Logger()
	m := allocman.New(testutil.NewMspace(), &allocman.Options{Logger: logger})
	cs, us := testutil.NewCspace(), testutil.NewUtspace()
	require.NoError(t, m.AttachCspace(cs))
	require.NoError(t, m.AttachUtspace(us))
	require.NoError(t, m.ConfigureUtspaceReserve(allocman.UtspaceChunk{SizeBits: 12, Type: 5, Count: 1}))

	us.Fail = 1
	_, err := m.AllocUtspace(12, 5, cs.MakePath(100), false)
	require.ErrorIs(t, err, allocman.ErrOutOfMemory)
	require.ErrorIs(t, err, allocman.ErrNoMover)
	require.ErrorIs(t, err, testutil.ErrExhausted)
}

func TestUtspace_FixedPaddrSkipsWatermark(t *testing.T) {
	f := utspaceFixture(t)

	f.us.Fail = 1
	_, err := f.m.AllocUtspaceAt(12, 5, f.cs.MakePath(100), 0x8000, false)
	require.ErrorIs(t, err, allocman.ErrOutOfMemory)
	require.NotErrorIs(t, err, allocman.ErrNoWatermark)
	assert.Empty(t, f.mover.Moves)
	assert.Equal(t, 1, f.m.ReserveLevels().Utspace[0].Current)

	cookie, err := f.m.AllocUtspaceAt(12, 5, f.cs.MakePath(100), 0x8000, false)
	require.NoError(t, err)
	assert.Equal(t, uintptr(cookie)<<12, f.m.UtspacePaddr(cookie, 12))
}

func TestConfigureReserve_DuplicateClass(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.m.ConfigureMspaceReserve(allocman.MspaceChunk{Size: 64, Count: 2}))
	require.NoError(t, f.m.ConfigureUtspaceReserve(allocman.UtspaceChunk{SizeBits: 12, Type: 3, Count: 1}))
	before := f.m.ReserveLevels()

	err := f.m.ConfigureMspaceReserve(allocman.MspaceChunk{Size: 64, Count: 5})
	require.ErrorIs(t, err, allocman.ErrDuplicateClass)
	err = f.m.ConfigureUtspaceReserve(allocman.UtspaceChunk{SizeBits: 12, Type: 3, Count: 4})
	require.ErrorIs(t, err, allocman.ErrDuplicateClass)

	if diff := cmp.Diff(before, f.m.ReserveLevels()); diff != "" {
		t.Errorf("levels changed after rejected configure (-before +after):\n%s", diff)
	}

	// Same size, different type is a distinct class.
	require.NoError(t, f.m.ConfigureUtspaceReserve(allocman.UtspaceChunk{SizeBits: 12, Type: 4, Count: 1}))
	assert.Len(t, f.m.ReserveLevels().Utspace, 2)
}

func TestConfigureReserve_InvalidClass(t *testing.T) {
	f := newFixture(t)

	require.ErrorIs(t, f.m.ConfigureMspaceReserve(allocman.MspaceChunk{Size: 0, Count: 1}), allocman.ErrInvalidClass)
	require.ErrorIs(t, f.m.ConfigureMspaceReserve(allocman.MspaceChunk{Size: 8, Count: -1}), allocman.ErrInvalidClass)
	require.ErrorIs(t, f.m.ConfigureUtspaceReserve(allocman.UtspaceChunk{SizeBits: 0, Count: 1}), allocman.ErrInvalidClass)
	require.ErrorIs(t, f.m.ConfigureCspaceReserve(-1), allocman.ErrInvalidCount)
	assert.Empty(t, f.m.ReserveLevels().Mspace)
}

func TestConfigureReserve_ShrinkBelowLive(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.m.ConfigureCspaceReserve(3))
	require.Equal(t, allocman.Level{Current: 3, Desired: 3}, f.m.ReserveLevels().CspaceSlots)

	err := f.m.ConfigureCspaceReserve(1)
	require.ErrorIs(t, err, allocman.ErrShrinkBelowLive)
	assert.Equal(t, allocman.Level{Current: 3, Desired: 3}, f.m.ReserveLevels().CspaceSlots)

	require.NoError(t, f.m.ConfigureCspaceReserve(5))
	assert.Equal(t, allocman.Level{Current: 5, Desired: 5}, f.m.ReserveLevels().CspaceSlots)
	requireBounded(t, f.m)
}

// TestConfigure_SelfGrowthReentry grows the cspace reserve while the mspace
// backend itself needs memory. The charge for the new array is an mspace
// alloc, so the backend's nested request must come from the watermark.
func TestConfigure_SelfGrowthReentry(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.m.ConfigureMspaceReserve(allocman.MspaceChunk{Size: 64, Count: 2}))

	var nestedErr error
	f.ms.OnAlloc = func(r allocman.Resources, _ int) {
		f.ms.OnAlloc = nil
		_, nestedErr = r.AllocMspace(64)
	}
	require.NotPanics(t, func() {
		require.NoError(t, f.m.ConfigureCspaceReserve(3))
	})
	require.NoError(t, nestedErr)

	assert.Equal(t, 1, f.m.Stats().Mspace.Watermark)
	l := f.m.ReserveLevels()
	assert.Equal(t, allocman.Level{Current: 3, Desired: 3}, l.CspaceSlots)
	assert.Equal(t, 2, l.Mspace[0].Current)
	requireBalanced(t, f.m)
}

func TestConfigure_FailureLeavesStateUnchanged(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.m.ConfigureMspaceReserve(allocman.MspaceChunk{Size: 24, Count: 1}))
	before := f.m.ReserveLevels()
	live := len(f.ms.Live)

	// Fail the second charge: the new table succeeds, the class array fails.
	calls := 0
	f.ms.OnAlloc = func(allocman.Resources, int) {
		calls++
		if calls == 2 {
			f.ms.Fail = 1
		}
	}
	err := f.m.ConfigureMspaceReserve(allocman.MspaceChunk{Size: 128, Count: 4})
	require.ErrorIs(t, err, allocman.ErrOutOfMemory)
	f.ms.OnAlloc = nil

	if diff := cmp.Diff(before, f.m.ReserveLevels()); diff != "" {
		t.Errorf("levels changed after failed configure (-before +after):\n%s", diff)
	}
	assert.Len(t, f.ms.Live, live, "the first charge is returned")

	f.ms.Fail = 1
	err = f.m.ConfigureCspaceReserve(4)
	require.ErrorIs(t, err, allocman.ErrOutOfMemory)
	assert.Equal(t, allocman.Level{}, f.m.ReserveLevels().CspaceSlots)
}
