package allocman

import "github.com/joshuapare/allocman/kobj"

// The Leaky wrappers collapse a result and its error into a single value.
// Callers that use them cannot tell a watermark miss from a backend failure.

// LeakyMspace allocates bytes of memory, returning 0 on failure.
func (m *Manager) LeakyMspace(bytes int) Addr {
	addr, err := m.AllocMspace(bytes)
	if err != nil {
		return 0
	}
	return addr
}

// LeakyCspace allocates a slot, reporting only whether it succeeded.
func (m *Manager) LeakyCspace() (kobj.Path, bool) {
	slot, err := m.AllocCspace()
	return slot, err == nil
}

// LeakyUtspace allocates an object, returning the zero cookie on failure.
// Backends that never free also return the zero cookie on success, so this
// wrapper is only meaningful with backends that issue non-zero cookies.
func (m *Manager) LeakyUtspace(sizeBits uint, typ kobj.Type, slot kobj.Path) Cookie {
	cookie, err := m.AllocUtspace(sizeBits, typ, slot, false)
	if err != nil {
		return 0
	}
	return cookie
}
