// Package allocman arbitrates between three independent resource allocators:
// capability slots (cspace), untyped memory for kernel objects (utspace) and
// plain heap memory (mspace).
//
// # Overview
//
// The allocators depend on each other. A heap that grows by mapping pages
// needs slots and frames; a two-level cspace needs untyped memory for its
// second-level cnodes; an untyped allocator needs heap memory for its
// bookkeeping and slots for the pieces it splits off. The Manager is the one
// object every backend calls back into, so it sees the whole call stack and
// can decide, for every request, whether calling the real backend is safe.
//
// # Reentrancy
//
// Every backend declares its Properties: whether its Alloc and Free may be
// entered while the stack is already inside an Alloc or a Free of the same
// kind. The Manager keeps an alloc depth and a free depth per kind. When a
// call is not safe:
//
//   - an allocation is served from a watermark reserve pool
//   - a free is queued on a bounded deferred-free queue
//
// When a call is safe the backend is called directly, and a failed
// allocation falls back to the watermark pool before giving up.
//
// # Watermarks
//
// Reserve pools are configured with ConfigureCspaceReserve,
// ConfigureMspaceReserve and ConfigureUtspaceReserve; deferred-free queue
// capacities with the ConfigureMaxFreed* calls. After every outermost
// operation the Manager drains the deferred queues and tops the pools back
// up, iterating until a pass makes no progress or the pass limit is hit.
//
// # Usage Example
//
//	m := allocman.New(heap, nil)
//	if err := m.AttachCspace(slots); err != nil {
//	    return err
//	}
//	if err := m.ConfigureCspaceReserve(30); err != nil {
//	    return err
//	}
//
//	slot, err := m.AllocCspace()
//	if err != nil {
//	    return err
//	}
//	defer m.FreeCspace(slot)
//
// A Manager is not safe for concurrent use. Recursion through its own
// methods from inside a backend is the supported form of nesting.
package allocman
