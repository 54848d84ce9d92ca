package framegraph

import (
	"fmt"
	"time"

	"github.com/gogpu/framegraph/internal/arena"
)

// transientEntry is one transient resource declared during the current
// frame. Entries live for exactly one frame cycle; the handle generation
// is bumped at cycle so stale handles fail resolution.
type transientEntry struct {
	kind    ResourceKind
	buffer  BufferDescriptor
	texture TextureDescriptor

	// firstEncoder and lastEncoder bound the entry's live range, filled
	// in by the dependency builder before materialization.
	firstEncoder uint32
	lastEncoder  uint32

	// offset and size are the arena placement, valid once materialized.
	offset uint64
	size   uint64

	backing      BackingID
	materialized bool
}

// transientRegistry owns the transient resources of one in-flight frame
// slot. It is written only by the thread that begins the frame, so no
// lock guards it; the slot cannot be reused until its previous frame
// retires.
//
// Declaration mints a handle and records the descriptor. Backing memory
// exists only between materialize and cycle: placements come from a
// bump arena mapped onto one slot-owned heap that grows to the arena
// high-water mark and shrinks only on purge.
type transientRegistry struct {
	slot    int
	backend Backend

	arena      *arena.Allocator
	entries    []transientEntry
	generation uint16

	heap     BackingID
	heapSize uint64

	// lastActive is the time the slot last cycled with entries; purge
	// fires after the quiescence delay.
	lastActive time.Time
}

func newTransientRegistry(slot int, backend Backend, aliased bool) *transientRegistry {
	return &transientRegistry{
		slot:    slot,
		backend: backend,
		arena:   arena.New(aliased),
	}
}

// registryTag returns the handle registry field for this slot. Zero is
// the persistent registry, so slots are offset by one.
func (t *transientRegistry) registryTag() uint8 {
	return uint8(1 + t.slot)
}

// NewBuffer declares a transient buffer for the current frame. No
// memory is bound until the frame's dependency analysis has established
// the buffer's live range.
func (t *transientRegistry) NewBuffer(desc BufferDescriptor) Handle {
	idx := uint32(len(t.entries))
	t.entries = append(t.entries, transientEntry{kind: KindBuffer, buffer: desc})
	return makeHandle(KindBuffer, t.registryTag(), t.generation, idx)
}

// NewTexture declares a transient texture for the current frame.
func (t *transientRegistry) NewTexture(desc TextureDescriptor) Handle {
	idx := uint32(len(t.entries))
	t.entries = append(t.entries, transientEntry{kind: KindTexture, texture: desc.normalized()})
	return makeHandle(KindTexture, t.registryTag(), t.generation, idx)
}

// resolve validates a transient handle against this slot and frame.
func (t *transientRegistry) resolve(h Handle) (*transientEntry, error) {
	if !h.Transient() || h.FrameSlot() != t.slot {
		return nil, fmt.Errorf("%w: %v: wrong frame slot", ErrInvalidHandle, h)
	}
	if h.Generation() != t.generation {
		return nil, fmt.Errorf("%w: %v: stale frame", ErrInvalidHandle, h)
	}
	idx := h.Index()
	if idx >= uint32(len(t.entries)) {
		return nil, fmt.Errorf("%w: %v: index out of range", ErrInvalidHandle, h)
	}
	entry := &t.entries[idx]
	if entry.kind != h.Kind() {
		return nil, fmt.Errorf("%w: %v: kind mismatch", ErrInvalidHandle, h)
	}
	return entry, nil
}

// setLifetime records the inclusive encoder range over which the
// resource's contents must survive. Called by the dependency builder
// before materialization.
func (t *transientRegistry) setLifetime(h Handle, first, last uint32) error {
	entry, err := t.resolve(h)
	if err != nil {
		return err
	}
	entry.firstEncoder = first
	entry.lastEncoder = last
	return nil
}

// materialize places every declared entry in the arena and binds
// backing memory. Entries whose handles were never used still get
// placements; culled usage costs address space for one frame only.
//
// The backing heap grows to the arena high-water mark and is reused
// across frames until purge.
func (t *transientRegistry) materialize() error {
	for i := range t.entries {
		entry := &t.entries[i]
		if entry.materialized {
			continue
		}
		var size, alignment uint64
		switch entry.kind {
		case KindBuffer:
			size, alignment = t.backend.BufferSizeAndAlignment(entry.buffer)
		case KindTexture:
			size, alignment = t.backend.TextureSizeAndAlignment(entry.texture)
		default:
			return fmt.Errorf("%w: transient entry %d has kind %v", ErrValidation, i, entry.kind)
		}
		entry.offset = t.arena.Grab(size, alignment, entry.firstEncoder, entry.lastEncoder)
		entry.size = size
	}

	if err := t.ensureHeap(); err != nil {
		return err
	}

	for i := range t.entries {
		entry := &t.entries[i]
		if entry.materialized {
			continue
		}
		var (
			backing BackingID
			err     error
		)
		switch entry.kind {
		case KindBuffer:
			backing, err = t.backend.PlaceBuffer(t.heap, entry.offset, entry.buffer)
		case KindTexture:
			backing, err = t.backend.PlaceTexture(t.heap, entry.offset, entry.texture)
		}
		if err != nil {
			return fmt.Errorf("transient slot %d entry %d: %w", t.slot, i, err)
		}
		entry.backing = backing
		entry.materialized = true
	}
	return nil
}

// ensureHeap grows the slot heap to cover the arena high-water mark.
// Growing releases the old heap; transient contents never survive a
// frame, so nothing is copied.
func (t *transientRegistry) ensureHeap() error {
	need := t.arena.Stats().HighWater
	if need == 0 || need <= t.heapSize {
		return nil
	}
	if t.heap != 0 {
		t.backend.ReleaseBacking(t.heap)
		t.heap = 0
		t.heapSize = 0
	}
	heap, err := t.backend.MaterializeHeap(HeapDescriptor{
		Size:        need,
		StorageMode: StoragePrivate,
		Label:       fmt.Sprintf("transient-slot-%d", t.slot),
	})
	if err != nil {
		return fmt.Errorf("transient slot %d heap (%d B): %w", t.slot, need, err)
	}
	t.heap = heap
	t.heapSize = need
	logger().Debug("transient heap grown", "slot", t.slot, "size", need)
	return nil
}

// backingOf returns the bound backing for a materialized transient
// handle.
func (t *transientRegistry) backingOf(h Handle) (BackingID, error) {
	entry, err := t.resolve(h)
	if err != nil {
		return 0, err
	}
	if !entry.materialized {
		return 0, fmt.Errorf("%w: %v not materialized", ErrInvalidHandle, h)
	}
	return entry.backing, nil
}

// bufferDescriptorOf returns the declared buffer descriptor.
func (t *transientRegistry) bufferDescriptorOf(h Handle) (BufferDescriptor, error) {
	entry, err := t.resolve(h)
	if err != nil {
		return BufferDescriptor{}, err
	}
	if entry.kind != KindBuffer {
		return BufferDescriptor{}, fmt.Errorf("%w: %v is not a buffer", ErrInvalidHandle, h)
	}
	return entry.buffer, nil
}

// textureDescriptorOf returns the declared texture descriptor.
func (t *transientRegistry) textureDescriptorOf(h Handle) (TextureDescriptor, error) {
	entry, err := t.resolve(h)
	if err != nil {
		return TextureDescriptor{}, err
	}
	if entry.kind != KindTexture {
		return TextureDescriptor{}, fmt.Errorf("%w: %v is not a texture", ErrInvalidHandle, h)
	}
	return entry.texture, nil
}

// cycle retires the slot's frame: placed backings are released, the
// arena placement state resets, and the generation bumps so handles
// from the retired frame fail resolution. The heap and the arena
// high-water mark survive so the next frame reuses the same capacity.
func (t *transientRegistry) cycle(now time.Time) {
	for i := range t.entries {
		if t.entries[i].materialized {
			t.backend.ReleaseBacking(t.entries[i].backing)
		}
	}
	if len(t.entries) > 0 {
		t.lastActive = now
	}
	t.entries = t.entries[:0]
	t.arena.Reset()
	t.generation++
}

// maybePurge releases the slot heap if the slot has sat idle past the
// quiescence delay. Reports whether a purge fired.
func (t *transientRegistry) maybePurge(now time.Time, delay time.Duration) bool {
	if t.heap == 0 || delay < 0 || now.Sub(t.lastActive) < delay {
		return false
	}
	t.backend.ReleaseBacking(t.heap)
	t.heap = 0
	t.heapSize = 0
	t.arena.Purge()
	logger().Debug("transient heap purged", "slot", t.slot)
	return true
}

// stats returns the slot's arena occupancy.
func (t *transientRegistry) stats() arena.Stats {
	return t.arena.Stats()
}
