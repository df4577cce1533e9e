package testutil

import (
	"errors"
	"fmt"

	"github.com/joshuapare/allocman/allocman"
	"github.com/joshuapare/allocman/kobj"
)

// ErrExhausted is returned by the mock backends once their limit is reached
// or while injected failures are pending.
var ErrExhausted = errors.New("testutil: mock backend exhausted")

// reentryGuard panics when a mock is entered in a way its own Properties
// forbid. It catches the Manager calling a backend it should have bypassed.
type reentryGuard struct {
	name   string
	allocs int
	frees  int
}

func (g *reentryGuard) enter(p allocman.Properties, alloc bool) func() {
	if alloc {
		if (g.allocs > 0 && !p.AllocCanAlloc) || (g.frees > 0 && !p.FreeCanAlloc) {
			panic(fmt.Sprintf("%s: forbidden reentrant alloc (allocs=%d frees=%d)", g.name, g.allocs, g.frees))
		}
		g.allocs++
		return func() { g.allocs-- }
	}
	if (g.allocs > 0 && !p.AllocCanFree) || (g.frees > 0 && !p.FreeCanFree) {
		panic(fmt.Sprintf("%s: forbidden reentrant free (allocs=%d frees=%d)", g.name, g.allocs, g.frees))
	}
	g.frees++
	return func() { g.frees-- }
}

// Mspace is a scripted mspace backend. Addresses are handed out from a
// counter and never reused.
type Mspace struct {
	Props allocman.Properties

	// Limit caps the number of live allocations. Zero means unlimited.
	Limit int
	// Fail makes the next Fail calls to Alloc return ErrExhausted.
	Fail int

	// OnAlloc and OnFree run inside the backend call, before it does its
	// own work, so tests can reenter the Manager.
	OnAlloc func(r allocman.Resources, bytes int)
	OnFree  func(r allocman.Resources, addr allocman.Addr, bytes int)

	Live       map[allocman.Addr]int
	AllocCalls int
	FreeCalls  int

	next  allocman.Addr
	guard reentryGuard
}

// NewMspace returns an unlimited mspace mock.
func NewMspace() *Mspace {
	return &Mspace{Live: make(map[allocman.Addr]int), next: 0x1000, guard: reentryGuard{name: "mspace"}}
}

func (m *Mspace) Alloc(r allocman.Resources, bytes int) (allocman.Addr, error) {
	defer m.guard.enter(m.Props, true)()
	m.AllocCalls++
	if m.OnAlloc != nil {
		m.OnAlloc(r, bytes)
	}
	if m.Fail > 0 {
		m.Fail--
		return 0, ErrExhausted
	}
	if m.Limit > 0 && len(m.Live) >= m.Limit {
		return 0, ErrExhausted
	}
	addr := m.next
	m.next += allocman.Addr(max(bytes, 1)+15) &^ 15
	m.Live[addr] = bytes
	return addr, nil
}

func (m *Mspace) Free(r allocman.Resources, addr allocman.Addr, bytes int) {
	defer m.guard.enter(m.Props, false)()
	m.FreeCalls++
	if m.OnFree != nil {
		m.OnFree(r, addr, bytes)
	}
	if got, ok := m.Live[addr]; !ok || got != bytes {
		panic(fmt.Sprintf("mspace mock: bad free of %#x (%d bytes)", uintptr(addr), bytes))
	}
	delete(m.Live, addr)
}

func (m *Mspace) Properties() allocman.Properties { return m.Props }

// Cspace is a scripted cspace backend over a single flat CNode.
type Cspace struct {
	Props allocman.Properties
	Root  kobj.CPtr

	// Limit caps the number of live slots. Zero means unlimited.
	Limit int
	Fail  int

	OnAlloc func(r allocman.Resources)
	OnFree  func(r allocman.Resources, slot kobj.Path)

	Live       map[kobj.CPtr]bool
	AllocCalls int
	FreeCalls  int

	next  kobj.CPtr
	freed []kobj.CPtr
	guard reentryGuard
}

// NewCspace returns an unlimited cspace mock.
func NewCspace() *Cspace {
	return &Cspace{Root: 2, Live: make(map[kobj.CPtr]bool), next: 1, guard: reentryGuard{name: "cspace"}}
}

func (c *Cspace) Alloc(r allocman.Resources) (kobj.Path, error) {
	defer c.guard.enter(c.Props, true)()
	c.AllocCalls++
	if c.OnAlloc != nil {
		c.OnAlloc(r)
	}
	if c.Fail > 0 {
		c.Fail--
		return kobj.Path{}, ErrExhausted
	}
	if c.Limit > 0 && len(c.Live) >= c.Limit {
		return kobj.Path{}, ErrExhausted
	}
	var ptr kobj.CPtr
	if n := len(c.freed); n > 0 {
		ptr = c.freed[n-1]
		c.freed = c.freed[:n-1]
	} else {
		ptr = c.next
		c.next++
	}
	c.Live[ptr] = true
	return c.MakePath(ptr), nil
}

func (c *Cspace) Free(r allocman.Resources, slot kobj.Path) {
	defer c.guard.enter(c.Props, false)()
	c.FreeCalls++
	if c.OnFree != nil {
		c.OnFree(r, slot)
	}
	if !c.Live[slot.CapPtr] {
		panic(fmt.Sprintf("cspace mock: free of unallocated slot %v", slot))
	}
	delete(c.Live, slot.CapPtr)
	c.freed = append(c.freed, slot.CapPtr)
}

func (c *Cspace) MakePath(slot kobj.CPtr) kobj.Path {
	return kobj.Path{Root: c.Root, CapPtr: slot, CapDepth: 64}
}

func (c *Cspace) Properties() allocman.Properties { return c.Props }

// Utspace is a scripted utspace backend. Cookies count up from 1.
type Utspace struct {
	Props allocman.Properties

	Limit int
	Fail  int

	OnAlloc func(r allocman.Resources, sizeBits uint, typ kobj.Type)
	OnFree  func(r allocman.Resources, cookie allocman.Cookie, sizeBits uint)

	Live       map[allocman.Cookie]kobj.Path
	Untypeds   []kobj.Untyped
	AllocCalls int
	FreeCalls  int

	next  allocman.Cookie
	guard reentryGuard
}

// NewUtspace returns an unlimited utspace mock.
func NewUtspace() *Utspace {
	return &Utspace{Live: make(map[allocman.Cookie]kobj.Path), next: 1, guard: reentryGuard{name: "utspace"}}
}

func (u *Utspace) Alloc(r allocman.Resources, sizeBits uint, typ kobj.Type, slot kobj.Path, paddr uintptr, _ bool) (allocman.Cookie, error) {
	defer u.guard.enter(u.Props, true)()
	u.AllocCalls++
	if u.OnAlloc != nil {
		u.OnAlloc(r, sizeBits, typ)
	}
	if u.Fail > 0 {
		u.Fail--
		return 0, ErrExhausted
	}
	if u.Limit > 0 && len(u.Live) >= u.Limit {
		return 0, ErrExhausted
	}
	if paddr != kobj.NoPaddr && paddr%(uintptr(1)<<sizeBits) != 0 {
		return 0, ErrExhausted
	}
	cookie := u.next
	u.next++
	u.Live[cookie] = slot
	return cookie, nil
}

func (u *Utspace) Free(r allocman.Resources, cookie allocman.Cookie, sizeBits uint) {
	defer u.guard.enter(u.Props, false)()
	u.FreeCalls++
	if u.OnFree != nil {
		u.OnFree(r, cookie, sizeBits)
	}
	if _, ok := u.Live[cookie]; !ok {
		panic(fmt.Sprintf("utspace mock: free of unknown cookie %d", cookie))
	}
	delete(u.Live, cookie)
}

func (u *Utspace) AddUntypeds(_ allocman.Resources, uts []kobj.Untyped) error {
	u.Untypeds = append(u.Untypeds, uts...)
	return nil
}

func (u *Utspace) Paddr(cookie allocman.Cookie, sizeBits uint) uintptr {
	return uintptr(cookie) << sizeBits
}

func (u *Utspace) Properties() allocman.Properties { return u.Props }

// Mover records capability moves and can be told to fail.
type Mover struct {
	Fail  error
	Moves [][2]kobj.Path
}

func (m *Mover) Move(dst, src kobj.Path) error {
	if m.Fail != nil {
		return m.Fail
	}
	m.Moves = append(m.Moves, [2]kobj.Path{dst, src})
	return nil
}
