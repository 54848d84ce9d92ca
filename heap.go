package framegraph

import "fmt"

// heapState tracks sub-allocation inside one heap backing. Placed
// resources borrow lifetime from the heap; releasing a placed resource
// returns its range to the free list.
//
// heapState is guarded by the owning registry's lock.
type heapState struct {
	desc    HeapDescriptor
	backing BackingID

	// free is the free list, sorted by offset, adjacent ranges merged.
	free []heapRange

	// used is the sum of live sub-allocation sizes.
	used uint64
}

type heapRange struct {
	offset uint64
	size   uint64
}

func newHeapState(desc HeapDescriptor, backing BackingID) *heapState {
	return &heapState{
		desc:    desc,
		backing: backing,
		free:    []heapRange{{offset: 0, size: desc.Size}},
	}
}

// suballoc carves (offset, alignment) out of the first free range that
// fits, first-fit by ascending offset.
func (h *heapState) suballoc(size, alignment uint64) (uint64, error) {
	for i := range h.free {
		r := h.free[i]
		start := align(r.offset, alignment)
		pad := start - r.offset
		if r.size < pad+size {
			continue
		}

		// Split the range: padding stays free in front, the tail stays
		// free behind.
		tail := heapRange{offset: start + size, size: r.size - pad - size}
		switch {
		case pad == 0 && tail.size == 0:
			h.free = append(h.free[:i], h.free[i+1:]...)
		case pad == 0:
			h.free[i] = tail
		case tail.size == 0:
			h.free[i] = heapRange{offset: r.offset, size: pad}
		default:
			h.free[i] = heapRange{offset: r.offset, size: pad}
			h.free = append(h.free, heapRange{})
			copy(h.free[i+2:], h.free[i+1:])
			h.free[i+1] = tail
		}

		h.used += size
		return start, nil
	}
	return 0, fmt.Errorf("%w: %d bytes at alignment %d (label %q)",
		ErrHeapFull, size, alignment, h.desc.Label)
}

// release returns a sub-allocation to the free list, merging with
// adjacent free ranges.
func (h *heapState) release(offset, size uint64) {
	h.used -= size

	// Insert sorted by offset.
	i := 0
	for i < len(h.free) && h.free[i].offset < offset {
		i++
	}
	h.free = append(h.free, heapRange{})
	copy(h.free[i+1:], h.free[i:])
	h.free[i] = heapRange{offset: offset, size: size}

	// Merge with successor, then predecessor.
	if i+1 < len(h.free) && h.free[i].offset+h.free[i].size == h.free[i+1].offset {
		h.free[i].size += h.free[i+1].size
		h.free = append(h.free[:i+1], h.free[i+2:]...)
	}
	if i > 0 && h.free[i-1].offset+h.free[i-1].size == h.free[i].offset {
		h.free[i-1].size += h.free[i].size
		h.free = append(h.free[:i], h.free[i+1:]...)
	}
}

// maxAvailable returns the largest allocation possible at the given
// alignment.
func (h *heapState) maxAvailable(alignment uint64) uint64 {
	var best uint64
	for _, r := range h.free {
		start := align(r.offset, alignment)
		pad := start - r.offset
		if r.size > pad && r.size-pad > best {
			best = r.size - pad
		}
	}
	return best
}

// align rounds v up to the next multiple of alignment. Zero and one
// leave v unchanged.
func align(v, alignment uint64) uint64 {
	if alignment <= 1 {
		return v
	}
	return (v + alignment - 1) / alignment * alignment
}

// HeapStats describes heap occupancy.
type HeapStats struct {
	// Size is the heap's total byte size.
	Size uint64

	// UsedSize is the sum of live sub-allocation sizes.
	UsedSize uint64

	// CurrentAllocatedSize is the heap's backing allocation size.
	CurrentAllocatedSize uint64
}

// String returns a human-readable form of the heap stats.
func (s HeapStats) String() string {
	return fmt.Sprintf("Heap[%d/%d B used]", s.UsedSize, s.Size)
}
