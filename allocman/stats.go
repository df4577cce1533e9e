package allocman

import "github.com/joshuapare/allocman/kobj"

// KindStats counts the outcomes of operations on one resource kind.
type KindStats struct {
	Direct    int // allocations served by the backend
	Watermark int // allocations served from the reserve pool
	Failed    int // allocations that returned an error
	Refilled  int // backend allocations made to top up the reserve
	Freed     int // frees that reached the backend
	Deferred  int // frees queued for later
	Leaked    int // frees dropped because the queue was full
}

// Stats is a snapshot of Manager activity since creation.
type Stats struct {
	Cspace  KindStats
	Utspace KindStats
	Mspace  KindStats

	RefillRuns    int // refills that ran at least one pass
	RefillPasses  int // total passes across all refills
	RefillCapHits int // refills stopped by the pass limit while still progressing
}

func (s *Stats) kind(k Kind) *KindStats {
	switch k {
	case KindCspace:
		return &s.Cspace
	case KindUtspace:
		return &s.Utspace
	default:
		return &s.Mspace
	}
}

// Stats returns a copy of the activity counters.
func (m *Manager) Stats() Stats {
	return m.stats
}

// Level is the fill state of one pool or queue.
type Level struct {
	Current int
	Desired int
}

// Short reports whether the pool is below its target.
func (l Level) Short() bool { return l.Current < l.Desired }

// MspaceLevel is the fill state of one mspace reserve class.
type MspaceLevel struct {
	Size int
	Level
}

// UtspaceLevel is the fill state of one utspace reserve class.
type UtspaceLevel struct {
	SizeBits uint
	Type     kobj.Type
	Level
}

// Levels reports every reserve pool and deferred-free queue.
type Levels struct {
	CspaceSlots  Level
	Mspace       []MspaceLevel
	Utspace      []UtspaceLevel
	FreedSlots   Level
	FreedMemory  Level
	FreedUntyped Level
}

// ReserveLevels returns the current fill state of every pool and queue.
func (m *Manager) ReserveLevels() Levels {
	l := Levels{
		CspaceSlots:  levelOf(&m.cspaceSlots),
		FreedSlots:   levelOf(&m.freedSlots),
		FreedMemory:  levelOf(&m.freedMspace),
		FreedUntyped: levelOf(&m.freedUtspace),
	}
	for _, c := range m.mspaceClasses.items {
		l.Mspace = append(l.Mspace, MspaceLevel{Size: c.chunk.Size, Level: levelOf(&c.chunks)})
	}
	for _, c := range m.utspaceClasses.items {
		l.Utspace = append(l.Utspace, UtspaceLevel{
			SizeBits: c.chunk.SizeBits,
			Type:     c.chunk.Type,
			Level:    levelOf(&c.allocs),
		})
	}
	return l
}

func levelOf[T any](v *vector[T]) Level {
	return Level{Current: v.len(), Desired: v.desired}
}
