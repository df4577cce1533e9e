package allocman

import (
	"fmt"

	"github.com/joshuapare/allocman/kobj"
)

// MspaceChunk is an mspace reserve class: Count chunks of Size bytes.
type MspaceChunk struct {
	Size  int
	Count int
}

// UtspaceChunk is a utspace reserve class: Count objects of Type, each
// 1<<SizeBits bytes in memory.
type UtspaceChunk struct {
	SizeBits uint
	Type     kobj.Type
	Count    int
}

type mspaceClass struct {
	chunk  MspaceChunk
	chunks vector[Addr]
}

// utspaceAllocation is an object held in reserve in a slot of its own.
type utspaceAllocation struct {
	cookie Cookie
	slot   kobj.Path
}

type utspaceClass struct {
	chunk  UtspaceChunk
	allocs vector[utspaceAllocation]
}

// takeReserveSlot pops a slot from the cspace reserve.
func (m *Manager) takeReserveSlot() (kobj.Path, bool) {
	slot, ok := m.cspaceSlots.pop()
	if !ok {
		return kobj.Path{}, false
	}
	m.usedWatermark = true
	return slot, true
}

// takeReserveMspace pops a chunk of exactly bytes from the mspace reserve.
func (m *Manager) takeReserveMspace(bytes int) (Addr, bool) {
	for i := range m.mspaceClasses.items {
		c := &m.mspaceClasses.items[i]
		if c.chunk.Size != bytes {
			continue
		}
		if addr, ok := c.chunks.pop(); ok {
			m.usedWatermark = true
			return addr, true
		}
	}
	return 0, false
}

// takeReserveUtspace moves a reserved object of the requested class into
// slot and returns its cookie. The reserve slot it vacates is freed.
func (m *Manager) takeReserveUtspace(sizeBits uint, typ kobj.Type, slot kobj.Path) (Cookie, error) {
	for i := range m.utspaceClasses.items {
		c := &m.utspaceClasses.items[i]
		if c.chunk.SizeBits != sizeBits || c.chunk.Type != typ {
			continue
		}
		n := c.allocs.len()
		if n == 0 {
			continue
		}
		if m.mover == nil {
			return 0, ErrNoMover
		}
		res := c.allocs.items[n-1]
		if err := m.mover.Move(slot, res.slot); err != nil {
			return 0, fmt.Errorf("move reserved object into %v: %w", slot, err)
		}
		m.usedWatermark = true
		c.allocs.pop()
		m.FreeCspace(res.slot)
		return res.cookie, nil
	}
	return 0, ErrNoWatermark
}

// ConfigureCspaceReserve sets the number of capability slots held in reserve.
func (m *Manager) ConfigureCspaceReserve(n int) error {
	return resizeVector(m, "cspace reserve", &m.cspaceSlots, n)
}

// ConfigureMspaceReserve registers a new mspace reserve class. Classes are
// unique by size.
func (m *Manager) ConfigureMspaceReserve(c MspaceChunk) error {
	root := m.startOperation()
	defer m.endOperation(root)
	if !root {
		return fmt.Errorf("configure mspace reserve: %w", ErrNested)
	}
	if c.Size <= 0 || c.Count < 0 {
		return fmt.Errorf("configure mspace reserve %+v: %w", c, ErrInvalidClass)
	}
	for _, existing := range m.mspaceClasses.items {
		if existing.chunk.Size == c.Size {
			return fmt.Errorf("configure mspace reserve of %d bytes: %w", c.Size, ErrDuplicateClass)
		}
	}
	// Allocate every array before committing any of them.
	table, err := newVector[mspaceClass](m, m.mspaceClasses.len()+1)
	if err != nil {
		return fmt.Errorf("configure mspace reserve: %w", err)
	}
	chunks, err := newVector[Addr](m, c.Count)
	if err != nil {
		table.release(m)
		return fmt.Errorf("configure mspace reserve: %w", err)
	}
	table.items = append(table.items, m.mspaceClasses.items...)
	table.items = append(table.items, mspaceClass{chunk: c, chunks: chunks})
	m.mspaceClasses.release(m)
	m.mspaceClasses = table
	m.usedWatermark = true
	return nil
}

// ConfigureUtspaceReserve registers a new utspace reserve class. Classes are
// unique by (SizeBits, Type).
func (m *Manager) ConfigureUtspaceReserve(c UtspaceChunk) error {
	root := m.startOperation()
	defer m.endOperation(root)
	if !root {
		return fmt.Errorf("configure utspace reserve: %w", ErrNested)
	}
	if c.SizeBits == 0 || c.Count < 0 {
		return fmt.Errorf("configure utspace reserve %+v: %w", c, ErrInvalidClass)
	}
	for _, existing := range m.utspaceClasses.items {
		if existing.chunk.SizeBits == c.SizeBits && existing.chunk.Type == c.Type {
			return fmt.Errorf("configure utspace reserve %d bits type %d: %w", c.SizeBits, c.Type, ErrDuplicateClass)
		}
	}
	table, err := newVector[utspaceClass](m, m.utspaceClasses.len()+1)
	if err != nil {
		return fmt.Errorf("configure utspace reserve: %w", err)
	}
	allocs, err := newVector[utspaceAllocation](m, c.Count)
	if err != nil {
		table.release(m)
		return fmt.Errorf("configure utspace reserve: %w", err)
	}
	table.items = append(table.items, m.utspaceClasses.items...)
	table.items = append(table.items, utspaceClass{chunk: c, allocs: allocs})
	m.utspaceClasses.release(m)
	m.utspaceClasses = table
	m.usedWatermark = true
	return nil
}
