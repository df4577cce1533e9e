// Package mspace provides memory backends for allocman.
//
// All pools share one first-fit heap: a K&R style allocator that hands out
// the tail of the first free span large enough, starting its search where
// the previous one stopped, and coalesces neighbours on free. The free list
// is an address-ordered B-tree.
//
// The pools differ in where the heap gets more memory from:
//
//   - FixedPool carves it from a fixed region, usually an Arena.
//   - VirtualPool maps fresh pages into a virtual range. Every page costs a
//     capability slot and a frame from the Manager, and sometimes a page
//     table, so a VirtualPool allocation can reenter the Manager for all
//     three resource kinds.
//   - DualPool prefers a VirtualPool and falls back to a FixedPool, routing
//     frees by address.
//
// Pools are not safe for concurrent use; the Manager serializes access.
package mspace
