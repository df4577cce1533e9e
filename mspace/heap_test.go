package mspace

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/allocman/allocman"
)

const testBase allocman.Addr = 0x10000

func newTestPool(t *testing.T, size int) *FixedPool {
	t.Helper()
	p, err := NewFixedPool(testBase, size)
	require.NoError(t, err)
	return p
}

func mustAlloc(t *testing.T, p *FixedPool, bytes int) allocman.Addr {
	t.Helper()
	addr, err := p.Alloc(nil, bytes)
	require.NoError(t, err)
	return addr
}

func TestHeap_GrowsThenReuses(t *testing.T) {
	p := newTestPool(t, 4096)

	a := mustAlloc(t, p, 16)
	b := mustAlloc(t, p, 20)
	require.Equal(t, testBase, a)
	require.Equal(t, testBase+Unit, b)
	require.Equal(t, 3*Unit, p.InUse(), "20 bytes round up to two units")

	p.Free(nil, a, 16)
	require.Equal(t, a, mustAlloc(t, p, 16))
}

func TestHeap_CarvesTail(t *testing.T) {
	p := newTestPool(t, 4096)
	a := mustAlloc(t, p, 64)
	mustAlloc(t, p, 16)
	p.Free(nil, a, 64)

	got := mustAlloc(t, p, 16)
	require.Equal(t, a+3*Unit, got)
	if diff := cmp.Diff([]span{{addr: a, units: 3}}, p.heap.spans(), cmp.AllowUnexported(span{})); diff != "" {
		t.Fatalf("free list mismatch (-want +got):\n%s", diff)
	}
}

func TestHeap_Coalesces(t *testing.T) {
	p := newTestPool(t, 4096)
	a := mustAlloc(t, p, 32)
	b := mustAlloc(t, p, 32)
	c := mustAlloc(t, p, 32)
	tail := mustAlloc(t, p, 16)

	p.Free(nil, a, 32)
	p.Free(nil, c, 32)
	require.Len(t, p.heap.spans(), 2)
	p.Free(nil, b, 32)
	if diff := cmp.Diff([]span{{addr: a, units: 6}}, p.heap.spans(), cmp.AllowUnexported(span{})); diff != "" {
		t.Fatalf("free list mismatch (-want +got):\n%s", diff)
	}

	p.Free(nil, tail, 16)
	require.Len(t, p.heap.spans(), 1)
	require.Zero(t, p.InUse())
}

func TestHeap_SearchStartsAtRover(t *testing.T) {
	p := newTestPool(t, 4096)
	a := mustAlloc(t, p, 32)
	mustAlloc(t, p, 16)
	b := mustAlloc(t, p, 32)
	mustAlloc(t, p, 16)

	p.Free(nil, a, 32)
	p.Free(nil, b, 32)
	// The last free left the rover on b, so b is searched before a.
	require.Equal(t, b+Unit, mustAlloc(t, p, 16))
}

func TestHeap_DoubleFreePanics(t *testing.T) {
	p := newTestPool(t, 4096)
	a := mustAlloc(t, p, 32)
	mustAlloc(t, p, 16)
	p.Free(nil, a, 32)

	require.Panics(t, func() { p.Free(nil, a, 32) })
	require.Panics(t, func() { p.Free(nil, a+Unit, 16) }, "inside a free span")
	require.Panics(t, func() { p.Free(nil, testBase+8192, 16) }, "outside the pool")
}

func TestHeap_Exhaustion(t *testing.T) {
	p := newTestPool(t, 64)
	mustAlloc(t, p, 48)
	require.Equal(t, Unit, p.Available())

	_, err := p.Alloc(nil, 32)
	require.ErrorIs(t, err, ErrOutOfMemory)
	mustAlloc(t, p, 16)
	require.Zero(t, p.Available())

	_, err = p.Alloc(nil, 0)
	require.ErrorIs(t, err, ErrInvalidSize)
}

func TestFixedPool_AlignsBase(t *testing.T) {
	p, err := NewFixedPool(testBase+3, 64)
	require.NoError(t, err)
	a := mustAlloc(t, p, 1)
	require.Equal(t, testBase+Unit, a)
	require.Equal(t, 2*Unit, p.Available(), "the partial last unit is unusable")

	_, err = NewFixedPool(testBase+1, 8)
	require.ErrorIs(t, err, ErrBadConfig)
	_, err = NewFixedPool(testBase, 0)
	require.ErrorIs(t, err, ErrBadConfig)
}
