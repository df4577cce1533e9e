package allocman_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/allocman/allocman"
	"github.com/joshuapare/allocman/kobj"
)

// TestDeferredFree_Mspace frees memory from inside an mspace alloc. The free
// is queued and reaches the backend once the outermost call returns.
func TestDeferredFree_Mspace(t *testing.T) {
	f := newMspaceOnly(t, nil)
	require.NoError(t, f.m.ConfigureMaxFreedMemoryChunks(4))

	h, err := f.m.AllocMspace(32)
	require.NoError(t, err)
	freeCalls := f.ms.FreeCalls

	f.ms.OnAlloc = func(r allocman.Resources, _ int) {
		f.ms.OnAlloc = nil
		r.FreeMspace(h, 32)
		assert.Equal(t, freeCalls, f.ms.FreeCalls, "free must be deferred")
		assert.Equal(t, 1, f.m.ReserveLevels().FreedMemory.Current)
	}
	_, err = f.m.AllocMspace(16)
	require.NoError(t, err)

	assert.Equal(t, freeCalls+1, f.ms.FreeCalls)
	assert.NotContains(t, f.ms.Live, h)
	assert.Equal(t, 0, f.m.ReserveLevels().FreedMemory.Current)
	st := f.m.Stats().Mspace
	assert.Equal(t, 1, st.Deferred)
	assert.Equal(t, 0, st.Leaked)
	requireBalanced(t, f.m)
}

func TestDeferredFree_Cspace(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.m.ConfigureMaxFreedSlots(2))

	slot, err := f.m.AllocCspace()
	require.NoError(t, err)

	f.cs.OnAlloc = func(r allocman.Resources) {
		f.cs.OnAlloc = nil
		r.FreeCspace(slot)
		assert.True(t, f.cs.Live[slot.CapPtr], "slot still live while deferred")
	}
	_, err = f.m.AllocCspace()
	require.NoError(t, err)

	assert.Equal(t, 1, f.m.Stats().Cspace.Deferred)
	assert.Equal(t, 1, f.cs.FreeCalls)
	requireBalanced(t, f.m)
}

func TestDeferredFree_Utspace(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.m.ConfigureMaxFreedUntypedChunks(2))

	cookie, err := f.m.AllocUtspace(12, 1, f.cs.MakePath(40), false)
	require.NoError(t, err)

	f.us.OnAlloc = func(r allocman.Resources, _ uint, _ kobj.Type) {
		f.us.OnAlloc = nil
		r.FreeUtspace(cookie, 12)
	}
	_, err = f.m.AllocUtspace(12, 1, f.cs.MakePath(41), false)
	require.NoError(t, err)

	assert.NotContains(t, f.us.Live, cookie)
	assert.Equal(t, 1, f.m.Stats().Utspace.Deferred)
	assert.Equal(t, 1, f.m.Stats().Utspace.Freed)
	requireBalanced(t, f.m)
}

// TestDeferredFree_FromFree checks the free-during-free rule.
func TestDeferredFree_FromFree(t *testing.T) {
	f := newMspaceOnly(t, nil)
	require.NoError(t, f.m.ConfigureMaxFreedMemoryChunks(1))

	a, err := f.m.AllocMspace(8)
	require.NoError(t, err)
	b, err := f.m.AllocMspace(8)
	require.NoError(t, err)

	f.ms.OnFree = func(r allocman.Resources, _ allocman.Addr, _ int) {
		f.ms.OnFree = nil
		r.FreeMspace(b, 8)
	}
	require.NotPanics(t, func() { f.m.FreeMspace(a, 8) })

	assert.NotContains(t, f.ms.Live, a)
	assert.NotContains(t, f.ms.Live, b)
	assert.Equal(t, 1, f.m.Stats().Mspace.Deferred)
}

// TestDeferredFree_OverflowLeaks fills the queue and checks that the extra
// free is dropped and logged rather than lost silently.
func TestDeferredFree_OverflowLeaks(t *testing.T) {
	f := newMspaceOnly(t, nil)
	require.NoError(t, f.m.ConfigureMaxFreedMemoryChunks(1))

	a, err := f.m.AllocMspace(32)
	require.NoError(t, err)
	b, err := f.m.AllocMspace(32)
	require.NoError(t, err)

	f.ms.OnAlloc = func(r allocman.Resources, _ int) {
		f.ms.OnAlloc = nil
		r.FreeMspace(a, 32)
		r.FreeMspace(b, 32)
	}
	_, err = f.m.AllocMspace(16)
	require.NoError(t, err)

	assert.NotContains(t, f.ms.Live, a, "queued free drained")
	assert.Contains(t, f.ms.Live, b, "overflowing free leaked")
	st := f.m.Stats().Mspace
	assert.Equal(t, 1, st.Deferred)
	assert.Equal(t, 1, st.Leaked)
	assert.Contains(t, f.logs.String(), "out of space to store freed objects, leaking")
	requireBalanced(t, f.m)
	requireBounded(t, f.m)
}

func TestDeferredFree_NoQueueLeaks(t *testing.T) {
	f := newFixture(t)

	slot, err := f.m.AllocCspace()
	require.NoError(t, err)
	f.cs.OnAlloc = func(r allocman.Resources) {
		f.cs.OnAlloc = nil
		r.FreeCspace(slot)
	}
	_, err = f.m.AllocCspace()
	require.NoError(t, err)

	assert.True(t, f.cs.Live[slot.CapPtr])
	assert.Equal(t, 1, f.m.Stats().Cspace.Leaked)
}

// TestConfigureQueue_Resize checks that queues can only be resized between
// operations, when they are always empty.
func TestConfigureQueue_Resize(t *testing.T) {
	f := newMspaceOnly(t, nil)
	require.NoError(t, f.m.ConfigureMaxFreedMemoryChunks(2))

	var resizeErr error
	f.ms.OnAlloc = func(allocman.Resources, int) {
		f.ms.OnAlloc = nil
		resizeErr = f.m.ConfigureMaxFreedMemoryChunks(0)
	}
	_, err := f.m.AllocMspace(8)
	require.NoError(t, err)
	require.ErrorIs(t, resizeErr, allocman.ErrNested)
	assert.Equal(t, allocman.Level{Desired: 2}, f.m.ReserveLevels().FreedMemory)

	require.NoError(t, f.m.ConfigureMaxFreedMemoryChunks(0))
	assert.Equal(t, allocman.Level{}, f.m.ReserveLevels().FreedMemory)
	require.ErrorIs(t, f.m.ConfigureMaxFreedSlots(-1), allocman.ErrInvalidCount)
}
