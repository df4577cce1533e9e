package allocman

import "github.com/joshuapare/allocman/kobj"

type freedChunk struct {
	addr  Addr
	bytes int
}

type freedUntyped struct {
	cookie   Cookie
	sizeBits uint
}

// ConfigureMaxFreedSlots sets how many slot frees may be deferred.
func (m *Manager) ConfigureMaxFreedSlots(n int) error {
	return resizeVector(m, "freed slot queue", &m.freedSlots, n)
}

// ConfigureMaxFreedMemoryChunks sets how many mspace frees may be deferred.
func (m *Manager) ConfigureMaxFreedMemoryChunks(n int) error {
	return resizeVector(m, "freed memory queue", &m.freedMspace, n)
}

// ConfigureMaxFreedUntypedChunks sets how many utspace frees may be deferred.
func (m *Manager) ConfigureMaxFreedUntypedChunks(n int) error {
	return resizeVector(m, "freed untyped queue", &m.freedUtspace, n)
}

// A deferred free marks the watermark used so the next refill drains it.

func (m *Manager) queueCspaceFree(slot kobj.Path) {
	if !m.freedSlots.push(slot) {
		m.leak(KindCspace, "slot", slot.String())
		return
	}
	m.stats.kind(KindCspace).Deferred++
	m.usedWatermark = true
}

func (m *Manager) queueMspaceFree(addr Addr, bytes int) {
	if !m.freedMspace.push(freedChunk{addr: addr, bytes: bytes}) {
		m.leak(KindMspace, "addr", uintptr(addr), "bytes", bytes)
		return
	}
	m.stats.kind(KindMspace).Deferred++
	m.usedWatermark = true
}

func (m *Manager) queueUtspaceFree(cookie Cookie, sizeBits uint) {
	if !m.freedUtspace.push(freedUntyped{cookie: cookie, sizeBits: sizeBits}) {
		m.leak(KindUtspace, "cookie", uint64(cookie), "size_bits", sizeBits)
		return
	}
	m.stats.kind(KindUtspace).Deferred++
	m.usedWatermark = true
}

// leak records a free that could neither run nor be queued. The resource is
// abandoned so the bookkeeping stays consistent.
func (m *Manager) leak(k Kind, attrs ...any) {
	m.stats.kind(k).Leaked++
	m.log.Error("out of space to store freed objects, leaking",
		append([]any{"kind", k.String()}, attrs...)...)
}

// drainDeferred hands every queued free back to the normal free path and
// reports whether anything was drained. Frees that are still unsafe land back
// in the queue for the next pass.
func (m *Manager) drainDeferred() bool {
	did := false
	for _, slot := range m.freedSlots.takeAll() {
		m.FreeCspace(slot)
		did = true
	}
	for _, c := range m.freedMspace.takeAll() {
		m.FreeMspace(c.addr, c.bytes)
		did = true
	}
	for _, u := range m.freedUtspace.takeAll() {
		m.FreeUtspace(u.cookie, u.sizeBits)
		did = true
	}
	return did
}
