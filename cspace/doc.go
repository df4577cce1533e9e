// Package cspace provides capability slot allocators for allocman.
//
// # Implementations
//
// SingleLevel manages a contiguous range of slots in one CNode with a
// free bitmap. Allocation scans the bitmap round-robin from the word that
// last had a free slot.
//
// TwoLevel manages a CNode whose slots hold second-level CNodes. Second
// levels are created on demand out of untyped memory and destroyed again
// once their last slot is freed, so a TwoLevel allocator reaches into the
// utspace and mspace allocators of the Manager it is attached to:
//
//	cs, err := cspace.NewTwoLevel(m, kernel, cspace.TwoLevelConfig{
//	    CNode:         rootCNode,
//	    CNodeSizeBits: 12,
//	    FirstSlot:     firstFree,
//	    EndSlot:       1 << 12,
//	    LevelTwoBits:  8,
//	    CNodeType:     cnodeType,
//	})
//	if err != nil {
//	    return err
//	}
//	if err := m.AttachCspace(cs); err != nil {
//	    return err
//	}
//
// Both allocators keep their bookkeeping in memory obtained through the
// Manager's mspace path and neither tolerates reentry, so they report
// allocman.DefaultProperties.
package cspace
