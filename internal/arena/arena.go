// Package arena implements the offset allocator backing transient
// resources. It is a linear bump allocator over a single growable
// address range, with optional aliasing: requests carrying disjoint
// encoder lifetimes may be placed at the same offset.
//
// The allocator deals in offsets only; it owns no memory. The transient
// registry maps the final high-water mark onto one backing heap.
//
// Allocator is not thread-safe; each in-flight frame slot owns one
// allocator written only by the thread that began the frame.
package arena

import "fmt"

// span is one placed region with the encoder lifetimes occupying it.
type span struct {
	offset uint64
	size   uint64

	// intervals are the [first, last] encoder lifetimes sharing the
	// span. A new request may alias the span only if its lifetime
	// overlaps none of them.
	intervals []interval
}

type interval struct {
	first, last uint32
}

// overlaps reports whether two inclusive intervals share an encoder.
// A shared endpoint is a live frame, so [0,3] and [3,5] overlap.
func (i interval) overlaps(o interval) bool {
	return i.first <= o.last && o.first <= i.last
}

// Allocator is a linear bump allocator with interval aliasing.
type Allocator struct {
	spans []span
	next  uint64
	high  uint64

	aliased bool

	allocs      uint64
	aliasedHits uint64
}

// New creates an allocator. When aliased is true, requests with disjoint
// encoder lifetimes may share memory.
func New(aliased bool) *Allocator {
	return &Allocator{aliased: aliased}
}

// Stats describes allocator occupancy.
type Stats struct {
	// Used is the current high-water mark in bytes.
	Used uint64

	// HighWater is the largest Used observed since the last Purge.
	HighWater uint64

	// Allocs counts Grab calls since the last Reset.
	Allocs uint64

	// AliasedHits counts Grabs served by reusing a live span.
	AliasedHits uint64
}

// String returns a human-readable form of the stats.
func (s Stats) String() string {
	return fmt.Sprintf("Arena[%d B used, %d B high, %d allocs, %d aliased]",
		s.Used, s.HighWater, s.Allocs, s.AliasedHits)
}

// Stats returns current occupancy counters.
func (a *Allocator) Stats() Stats {
	return Stats{Used: a.next, HighWater: a.high, Allocs: a.allocs, AliasedHits: a.aliasedHits}
}

// Used returns the current bump offset.
func (a *Allocator) Used() uint64 { return a.next }

// align rounds v up to the next multiple of alignment.
// An alignment of zero or one leaves v unchanged.
func align(v, alignment uint64) uint64 {
	if alignment <= 1 {
		return v
	}
	return (v + alignment - 1) / alignment * alignment
}

// Grab places a request of the given size and alignment whose contents
// are live over the inclusive encoder range [first, last]. It returns
// the placement offset.
//
// In aliased mode the request is first matched against live spans: a
// span at least as large as the request whose every occupant lifetime is
// disjoint from [first, last] is reused at its existing offset.
func (a *Allocator) Grab(size, alignment uint64, first, last uint32) uint64 {
	a.allocs++
	want := interval{first: first, last: last}

	if a.aliased {
		for i := range a.spans {
			s := &a.spans[i]
			if s.size < size || s.offset != align(s.offset, alignment) {
				continue
			}
			free := true
			for _, occ := range s.intervals {
				if occ.overlaps(want) {
					free = false
					break
				}
			}
			if free {
				s.intervals = append(s.intervals, want)
				a.aliasedHits++
				return s.offset
			}
		}
	}

	offset := align(a.next, alignment)
	a.next = offset + size
	if a.next > a.high {
		a.high = a.next
	}
	a.spans = append(a.spans, span{
		offset:    offset,
		size:      size,
		intervals: []interval{want},
	})
	return offset
}

// Reset forgets all placements. Capacity accounting (the high-water
// mark) survives so the backing heap is not shrunk between frames.
func (a *Allocator) Reset() {
	a.spans = a.spans[:0]
	a.next = 0
	a.allocs = 0
	a.aliasedHits = 0
}

// Purge resets the allocator and drops the high-water mark, returning
// the backing memory requirement to zero. Called after the quiescence
// delay when a retired frame slot has sat idle.
func (a *Allocator) Purge() {
	a.Reset()
	a.spans = nil
	a.high = 0
}
