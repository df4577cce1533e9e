package allocman

import (
	"fmt"
	"unsafe"
)

// vector is a bounded array whose capacity is paid for out of the Manager's
// own mspace. Growing it allocates a new charge through the normal mspace
// path, so self-growth obeys the same reentrancy rules as any other
// allocation.
type vector[T any] struct {
	items   []T
	desired int

	charge      Addr
	chargeBytes int
}

func (v *vector[T]) len() int { return len(v.items) }

func (v *vector[T]) full() bool { return len(v.items) >= v.desired }

func (v *vector[T]) push(x T) bool {
	if v.full() {
		return false
	}
	v.items = append(v.items, x)
	return true
}

func (v *vector[T]) pop() (T, bool) {
	var zero T
	n := len(v.items)
	if n == 0 {
		return zero, false
	}
	x := v.items[n-1]
	v.items[n-1] = zero
	v.items = v.items[:n-1]
	return x, true
}

// takeAll empties the vector and returns what it held.
func (v *vector[T]) takeAll() []T {
	out := make([]T, len(v.items))
	copy(out, v.items)
	clear(v.items)
	v.items = v.items[:0]
	return out
}

func itemSize[T any]() int {
	var zero T
	return int(unsafe.Sizeof(zero))
}

// newVector allocates the charge for a vector of n items without installing
// it anywhere.
func newVector[T any](m *Manager, n int) (vector[T], error) {
	charge, bytes, err := m.chargeFor(n * itemSize[T]())
	if err != nil {
		return vector[T]{}, err
	}
	return vector[T]{
		items:       make([]T, 0, n),
		desired:     n,
		charge:      charge,
		chargeBytes: bytes,
	}, nil
}

// release returns the vector's charge to mspace.
func (v *vector[T]) release(m *Manager) {
	m.releaseCharge(v.charge, v.chargeBytes)
	v.charge, v.chargeBytes = 0, 0
}

// resizeVector changes the capacity of v to n, keeping its contents.
func resizeVector[T any](m *Manager, what string, v *vector[T], n int) error {
	root := m.startOperation()
	defer m.endOperation(root)
	if !root {
		return fmt.Errorf("resize %s: %w", what, ErrNested)
	}
	if n < 0 {
		return fmt.Errorf("resize %s to %d: %w", what, n, ErrInvalidCount)
	}
	if n < v.len() {
		return fmt.Errorf("resize %s to %d with %d live: %w", what, n, v.len(), ErrShrinkBelowLive)
	}
	nv, err := newVector[T](m, n)
	if err != nil {
		return fmt.Errorf("resize %s: %w", what, err)
	}
	nv.items = append(nv.items, v.items...)
	v.release(m)
	*v = nv
	m.usedWatermark = true
	return nil
}

// chargeFor allocates bytes of backing memory for bookkeeping. Zero bytes
// needs no charge.
func (m *Manager) chargeFor(bytes int) (Addr, int, error) {
	if bytes == 0 {
		return 0, 0, nil
	}
	addr, err := m.AllocMspace(bytes)
	if err != nil {
		return 0, 0, err
	}
	return addr, bytes, nil
}

func (m *Manager) releaseCharge(addr Addr, bytes int) {
	if addr == 0 {
		return
	}
	m.FreeMspace(addr, bytes)
}
