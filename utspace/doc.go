// Package utspace provides untyped memory allocators for allocman.
//
// Split is a binary buddy allocator. Untypeds are kept on free lists by size
// and kind; a request for a size with an empty list splits a larger untyped
// in half, recursively, and freeing an object merges it with its sibling
// when both halves are free. Every split untyped needs a capability slot and
// a little bookkeeping memory, which Split obtains from the Manager it is
// attached to, so Split is the usual source of cspace and mspace recursion.
//
// Twinkle is a bump allocator for systems that never free objects. It needs
// no slots and only a small table of untypeds.
package utspace

import "github.com/joshuapare/allocman/kobj"

// Kernel is the subset of kernel operations the untyped allocators use.
type Kernel interface {
	kobj.Retyper
	kobj.Deleter
}

// maxSizeBits bounds the size classes an allocator tracks.
const maxSizeBits = 64
