package allocman_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/allocman/allocman"
	"github.com/joshuapare/allocman/kobj"
)

func TestVKA_RoundTrip(t *testing.T) {
	f := newFixture(t)
	const cnodeType kobj.Type = 7
	// CNodes are sized in slots; everything else in bytes.
	v := allocman.NewVKA(f.m, func(typ kobj.Type, bits uint) uint {
		if typ == cnodeType {
			return bits + kobj.SlotBits
		}
		return bits
	})
	require.Same(t, f.m, v.Manager())

	ptr, err := v.CspaceAlloc()
	require.NoError(t, err)
	dest := v.CspaceMakePath(ptr)
	assert.Equal(t, f.cs.MakePath(ptr), dest)

	cookie, err := v.UtspaceAlloc(dest, cnodeType, 4)
	require.NoError(t, err)
	assert.Equal(t, uintptr(cookie)<<(4+kobj.SlotBits), v.UtspacePaddr(cookie, cnodeType, 4))

	v.UtspaceFree(cnodeType, 4, cookie)
	v.CspaceFree(ptr)
	assert.NotContains(t, f.us.Live, cookie)
	assert.False(t, f.cs.Live[ptr])
}

func TestVKA_AllocAt(t *testing.T) {
	f := newFixture(t)
	v := allocman.NewVKA(f.m, nil)

	_, err := v.UtspaceAllocAt(f.cs.MakePath(9), 1, 12, 0x1001)
	require.ErrorIs(t, err, allocman.ErrOutOfMemory)

	cookie, err := v.UtspaceAllocAt(f.cs.MakePath(9), 1, 12, 0x2000)
	require.NoError(t, err)
	assert.NotZero(t, cookie)

	cookie, err = v.UtspaceAllocMaybeDevice(f.cs.MakePath(10), 1, 12, true)
	require.NoError(t, err)
	assert.NotZero(t, cookie)
}

func TestLeaky(t *testing.T) {
	f := newMspaceOnly(t, nil)

	assert.NotZero(t, f.m.LeakyMspace(16))
	f.ms.Fail = 1
	assert.Zero(t, f.m.LeakyMspace(16))

	_, ok := f.m.LeakyCspace()
	assert.False(t, ok, "no cspace attached")
	assert.Zero(t, f.m.LeakyUtspace(12, 1, kobj.Path{}))

	f = newFixture(t)
	slot, ok := f.m.LeakyCspace()
	require.True(t, ok)
	assert.NotZero(t, f.m.LeakyUtspace(12, 1, slot))
}
