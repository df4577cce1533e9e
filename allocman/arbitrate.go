package allocman

import (
	"fmt"

	"github.com/joshuapare/allocman/kobj"
)

// Every public alloc and free follows one template: decide from the
// backend's Properties and the current depths whether the backend may be
// called; if not, serve from the watermark (alloc) or defer (free); if so,
// call it inside an operation, falling back to the watermark when an alloc
// fails. The internal variants take useWatermark=false when the refill loop
// calls them, so a refill never consumes the pools it is filling.

// AllocMspace allocates bytes of memory.
func (m *Manager) AllocMspace(bytes int) (Addr, error) {
	return m.allocMspace(bytes, true)
}

func (m *Manager) allocMspace(bytes int, useWatermark bool) (Addr, error) {
	st := m.stats.kind(KindMspace)
	if !m.mspace.Properties().canAlloc(m.depth[KindMspace]) {
		if !useWatermark {
			return 0, fmt.Errorf("%w: %w", ErrOutOfMemory, ErrReentrant)
		}
		addr, ok := m.takeReserveMspace(bytes)
		if !ok {
			m.log.Info("failed to fulfil recursive allocation from watermark", "kind", "mspace", "bytes", bytes)
			st.Failed++
			return 0, fmt.Errorf("%w: %d bytes: %w", ErrOutOfMemory, bytes, ErrNoWatermark)
		}
		st.Watermark++
		return addr, nil
	}

	root := m.startOperation()
	defer m.endOperation(root)

	addr, err := m.callMspaceAlloc(bytes)
	if err == nil {
		m.countDirect(st, useWatermark)
		return addr, nil
	}
	if !useWatermark {
		return 0, fmt.Errorf("%w: %w", ErrOutOfMemory, err)
	}
	if addr, ok := m.takeReserveMspace(bytes); ok {
		st.Watermark++
		return addr, nil
	}
	m.log.Info("regular alloc failed and watermark also failed", "kind", "mspace", "bytes", bytes, "error", err)
	st.Failed++
	return 0, fmt.Errorf("%w: %d bytes: %w", ErrOutOfMemory, bytes, err)
}

func (m *Manager) callMspaceAlloc(bytes int) (Addr, error) {
	defer m.enter(KindMspace, dirAlloc)()
	return m.mspace.Alloc(m, bytes)
}

// FreeMspace returns memory obtained from AllocMspace.
func (m *Manager) FreeMspace(addr Addr, bytes int) {
	if !m.mspace.Properties().canFree(m.depth[KindMspace]) {
		m.queueMspaceFree(addr, bytes)
		return
	}
	root := m.startOperation()
	defer m.endOperation(root)
	func() {
		defer m.enter(KindMspace, dirFree)()
		m.mspace.Free(m, addr, bytes)
	}()
	m.stats.Mspace.Freed++
}

// AllocCspace allocates one capability slot.
func (m *Manager) AllocCspace() (kobj.Path, error) {
	return m.allocCspace(true)
}

func (m *Manager) allocCspace(useWatermark bool) (kobj.Path, error) {
	if m.cspace == nil {
		return kobj.Path{}, fmt.Errorf("alloc cspace: %w", ErrNotAttached)
	}
	st := m.stats.kind(KindCspace)
	if !m.cspace.Properties().canAlloc(m.depth[KindCspace]) {
		if !useWatermark {
			return kobj.Path{}, fmt.Errorf("%w: %w", ErrOutOfSlots, ErrReentrant)
		}
		slot, ok := m.takeReserveSlot()
		if !ok {
			m.log.Info("failed to allocate cslot from watermark")
			st.Failed++
			return kobj.Path{}, fmt.Errorf("%w: %w", ErrOutOfSlots, ErrNoWatermark)
		}
		st.Watermark++
		return slot, nil
	}

	root := m.startOperation()
	defer m.endOperation(root)

	slot, err := m.callCspaceAlloc()
	if err == nil {
		m.countDirect(st, useWatermark)
		return slot, nil
	}
	if !useWatermark {
		return kobj.Path{}, fmt.Errorf("%w: %w", ErrOutOfSlots, err)
	}
	if slot, ok := m.takeReserveSlot(); ok {
		st.Watermark++
		return slot, nil
	}
	m.log.Info("regular cspace alloc failed, and failed from watermark", "error", err)
	st.Failed++
	return kobj.Path{}, fmt.Errorf("%w: %w", ErrOutOfSlots, err)
}

func (m *Manager) callCspaceAlloc() (kobj.Path, error) {
	defer m.enter(KindCspace, dirAlloc)()
	return m.cspace.Alloc(m)
}

// FreeCspace returns a slot obtained from AllocCspace.
func (m *Manager) FreeCspace(slot kobj.Path) {
	if m.cspace == nil {
		panic("allocman: free of cspace slot with no cspace attached")
	}
	if !m.cspace.Properties().canFree(m.depth[KindCspace]) {
		m.queueCspaceFree(slot)
		return
	}
	root := m.startOperation()
	defer m.endOperation(root)
	func() {
		defer m.enter(KindCspace, dirFree)()
		m.cspace.Free(m, slot)
	}()
	m.stats.Cspace.Freed++
}

// CspaceMakePath expands a slot pointer into a full path.
func (m *Manager) CspaceMakePath(slot kobj.CPtr) kobj.Path {
	if m.cspace == nil {
		panic("allocman: make path with no cspace attached")
	}
	return m.cspace.MakePath(slot)
}

// AllocUtspace allocates an object of type typ into slot, anywhere in
// physical memory.
func (m *Manager) AllocUtspace(sizeBits uint, typ kobj.Type, slot kobj.Path, canBeDev bool) (Cookie, error) {
	return m.allocUtspace(sizeBits, typ, slot, kobj.NoPaddr, canBeDev, true)
}

// AllocUtspaceAt allocates an object of type typ into slot. When paddr is
// not kobj.NoPaddr the object must start at that physical address, and the
// watermark pool is never used.
func (m *Manager) AllocUtspaceAt(sizeBits uint, typ kobj.Type, slot kobj.Path, paddr uintptr, canBeDev bool) (Cookie, error) {
	return m.allocUtspace(sizeBits, typ, slot, paddr, canBeDev, true)
}

func (m *Manager) allocUtspace(sizeBits uint, typ kobj.Type, slot kobj.Path, paddr uintptr, canBeDev, useWatermark bool) (Cookie, error) {
	if m.utspace == nil {
		return 0, fmt.Errorf("alloc utspace: %w", ErrNotAttached)
	}
	st := m.stats.kind(KindUtspace)
	watermarkOK := useWatermark && paddr == kobj.NoPaddr
	if !m.utspace.Properties().canAlloc(m.depth[KindUtspace]) {
		if !watermarkOK {
			if useWatermark {
				st.Failed++
				return 0, fmt.Errorf("%w: %w", ErrOutOfMemory, ErrExplicitPaddr)
			}
			return 0, fmt.Errorf("%w: %w", ErrOutOfMemory, ErrReentrant)
		}
		cookie, err := m.takeReserveUtspace(sizeBits, typ, slot)
		if err != nil {
			m.log.Info("failed to allocate utspace from watermark", "size_bits", sizeBits, "type", typ, "error", err)
			st.Failed++
			return 0, fmt.Errorf("%w: %d bits type %d: %w", ErrOutOfMemory, sizeBits, typ, err)
		}
		st.Watermark++
		return cookie, nil
	}

	root := m.startOperation()
	defer m.endOperation(root)

	cookie, err := m.callUtspaceAlloc(sizeBits, typ, slot, paddr, canBeDev)
	if err == nil {
		m.countDirect(st, useWatermark)
		return cookie, nil
	}
	if !watermarkOK {
		if useWatermark {
			st.Failed++
		}
		return 0, fmt.Errorf("%w: %w", ErrOutOfMemory, err)
	}
	cookie, werr := m.takeReserveUtspace(sizeBits, typ, slot)
	if werr == nil {
		st.Watermark++
		return cookie, nil
	}
	m.log.Info("regular utspace alloc failed and not watermark", "size_bits", sizeBits, "type", typ, "error", err)
	st.Failed++
	return 0, fmt.Errorf("%w: %d bits type %d: %w (watermark: %w)", ErrOutOfMemory, sizeBits, typ, err, werr)
}

func (m *Manager) callUtspaceAlloc(sizeBits uint, typ kobj.Type, slot kobj.Path, paddr uintptr, canBeDev bool) (Cookie, error) {
	defer m.enter(KindUtspace, dirAlloc)()
	return m.utspace.Alloc(m, sizeBits, typ, slot, paddr, canBeDev)
}

// FreeUtspace returns an allocation obtained from AllocUtspace. The caller
// must already have deleted every capability to the object.
func (m *Manager) FreeUtspace(cookie Cookie, sizeBits uint) {
	if m.utspace == nil {
		panic("allocman: free of utspace with no utspace attached")
	}
	if !m.utspace.Properties().canFree(m.depth[KindUtspace]) {
		m.queueUtspaceFree(cookie, sizeBits)
		return
	}
	root := m.startOperation()
	defer m.endOperation(root)
	func() {
		defer m.enter(KindUtspace, dirFree)()
		m.utspace.Free(m, cookie, sizeBits)
	}()
	m.stats.Utspace.Freed++
}

// UtspacePaddr returns the physical address of a utspace allocation.
func (m *Manager) UtspacePaddr(cookie Cookie, sizeBits uint) uintptr {
	if m.utspace == nil {
		panic("allocman: paddr with no utspace attached")
	}
	return m.utspace.Paddr(cookie, sizeBits)
}

// countDirect records a backend success, separating caller requests from
// refill top-ups.
func (m *Manager) countDirect(st *KindStats, caller bool) {
	if caller {
		st.Direct++
		return
	}
	st.Refilled++
}
