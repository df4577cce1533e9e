package allocman

import "github.com/joshuapare/allocman/kobj"

// refillWatermark drains the deferred-free queues and tops up every reserve
// pool. It reports whether any pool was still short on the final pass.
//
// Refilling one resource may consume a watermark resource of another kind,
// so the work runs in passes until a pass makes no progress or finds nothing
// short. Deferred frees drain first, then cspace, utspace and mspace fill in
// that order. The order is a heuristic; the loop tolerates any completion
// order because it iterates.
func (m *Manager) refillWatermark() bool {
	if m.refilling || !m.usedWatermark {
		return false
	}
	m.refilling = true
	defer func() { m.refilling = false }()
	m.stats.RefillRuns++

	var foundEmpty, did bool
	for pass := 1; ; pass++ {
		foundEmpty, did = false, false
		m.stats.RefillPasses++

		if m.drainDeferred() {
			did = true
		}
		e, d := m.refillCspace()
		foundEmpty, did = foundEmpty || e, did || d
		e, d = m.refillUtspace()
		foundEmpty, did = foundEmpty || e, did || d
		e, d = m.refillMspace()
		foundEmpty, did = foundEmpty || e, did || d

		if !foundEmpty || !did {
			break
		}
		if pass >= m.passLimit {
			m.stats.RefillCapHits++
			m.log.Warn("refill pass limit reached while still making progress",
				"passes", pass, "levels", m.ReserveLevels())
			break
		}
	}
	m.log.Debug("refill finished", "short", foundEmpty, "progress", did)

	// Frees queued by the refill's own backend calls keep the flag set.
	if !foundEmpty && m.freedSlots.len()+m.freedMspace.len()+m.freedUtspace.len() == 0 {
		m.usedWatermark = false
	}
	return foundEmpty
}

// refillCspace adds at most one slot to the cspace reserve.
func (m *Manager) refillCspace() (foundEmpty, did bool) {
	if m.cspaceSlots.full() {
		return false, false
	}
	slot, err := m.allocCspace(false)
	if err != nil {
		return true, false
	}
	if !m.cspaceSlots.push(slot) {
		m.FreeCspace(slot)
		return true, false
	}
	return true, true
}

// refillUtspace adds at most one object to each short utspace class. Each
// object needs a slot of its own; the slot is returned if the object cannot
// be created.
func (m *Manager) refillUtspace() (foundEmpty, did bool) {
	for i := 0; i < m.utspaceClasses.len(); i++ {
		chunk := m.utspaceClasses.items[i].chunk
		if m.utspaceClasses.items[i].allocs.full() {
			continue
		}
		foundEmpty = true
		slot, err := m.AllocCspace()
		if err != nil {
			continue
		}
		cookie, err := m.allocUtspace(chunk.SizeBits, chunk.Type, slot, kobj.NoPaddr, false, false)
		if err != nil {
			m.FreeCspace(slot)
			continue
		}
		// Index again: the allocations above may have grown the table.
		if !m.utspaceClasses.items[i].allocs.push(utspaceAllocation{cookie: cookie, slot: slot}) {
			m.FreeUtspace(cookie, chunk.SizeBits)
			m.FreeCspace(slot)
			continue
		}
		did = true
	}
	return foundEmpty, did
}

// refillMspace adds at most one chunk to each short mspace class.
func (m *Manager) refillMspace() (foundEmpty, did bool) {
	for i := 0; i < m.mspaceClasses.len(); i++ {
		size := m.mspaceClasses.items[i].chunk.Size
		if m.mspaceClasses.items[i].chunks.full() {
			continue
		}
		foundEmpty = true
		addr, err := m.allocMspace(size, false)
		if err != nil {
			continue
		}
		if !m.mspaceClasses.items[i].chunks.push(addr) {
			m.FreeMspace(addr, size)
			continue
		}
		did = true
	}
	return foundEmpty, did
}

// FillReserves forces a refill attempt and reports whether any reserve is
// still short afterwards.
func (m *Manager) FillReserves() bool {
	root := m.startOperation()
	defer m.endOperation(root)
	m.usedWatermark = true
	return m.refillWatermark()
}
