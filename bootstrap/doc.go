// Package bootstrap builds a working Manager from the state a root task finds
// itself in at boot: one CNode with a range of empty slots, a list of untyped
// capabilities and a block of memory for the allocator's own bookkeeping.
//
// UseBootInfo keeps the boot CNode as a single-level cspace. NewTwoLevel
// carves a first second-level CNode out of the smallest untyped that fits and
// grows further second levels on demand. Both register the reservations a
// split utspace needs to recurse safely, add the untypeds and prime the
// reserves. ConfigureVirtualPool lets the mspace grow into mapped frames once
// the rest is running.
//
// Reservation counts, the pool size and the cspace geometry come from a
// Config, which can be decoded from TOML:
//
//	pool_size = 1048576
//	refill_pass_limit = 4
//	level_two_bits = 8
//
//	[reserves]
//	freed_slots = 10
//	cspace_slots = 30
//
//	[virtual]
//	start = 0xA0000000
//	size = 1048576
package bootstrap
