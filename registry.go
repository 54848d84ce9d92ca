package framegraph

import (
	"fmt"
	"sync"
)

// slotState is one entry in the persistent registry table.
type slotState struct {
	generation uint16
	live       bool
	kind       ResourceKind

	buffer  BufferDescriptor
	texture TextureDescriptor
	sampler SamplerDescriptor
	heap    *heapState

	backing  BackingID
	external bool

	// externalConsumer marks the resource as a culling sink: passes
	// whose writes reach it survive culling.
	externalConsumer bool

	// placedHeap is set when the resource is sub-allocated on a heap.
	placedHeap   Handle
	placedOffset uint64
	placedSize   uint64

	purgeable PurgeableState
}

// deferredRelease is a backing whose OS-level release waits until every
// command buffer that could reference it has completed.
type deferredRelease struct {
	backing BackingID
	heap    Handle
	offset  uint64
	size    uint64

	// frame is the newest frame submitted before the dispose; release
	// fires once that frame retires.
	frame uint64

	// slot is pushed onto the free list once the release fires.
	slot uint32
}

// Registry owns persistent resources: handles, descriptors and backing
// allocations. All mutation is serialized by a single reader-writer
// lock; lookups under the shared lock are free.
//
// Persistent resources are created by the caller and live until
// [Registry.Dispose]; the OS-level release is deferred until no
// in-flight command buffer can reference them.
type Registry struct {
	mu      sync.RWMutex
	backend Backend

	slots []slotState
	free  []uint32

	deferred []deferredRelease

	// purgeBatch holds Volatile/Empty transitions accumulated during
	// the frame and flushed at retire.
	purgeBatch map[Handle]PurgeableState

	// submittedFrame is the newest frame index handed to the GPU.
	submittedFrame uint64
}

func newRegistry(backend Backend) *Registry {
	return &Registry{
		backend:    backend,
		purgeBatch: make(map[Handle]PurgeableState),
	}
}

// grabSlot returns a vacant slot index, reusing freed slots first.
// Caller must hold r.mu.
func (r *Registry) grabSlot() uint32 {
	if n := len(r.free); n > 0 {
		idx := r.free[n-1]
		r.free = r.free[:n-1]
		return idx
	}
	r.slots = append(r.slots, slotState{})
	return uint32(len(r.slots) - 1)
}

// resolve validates a persistent handle and returns its slot.
// Caller must hold r.mu (read or write).
func (r *Registry) resolve(h Handle) (*slotState, error) {
	if h.IsNil() || h.Transient() {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHandle, h)
	}
	idx := h.Index()
	if idx >= uint32(len(r.slots)) {
		return nil, fmt.Errorf("%w: %v: index out of range", ErrInvalidHandle, h)
	}
	slot := &r.slots[idx]
	if !slot.live || slot.generation != h.Generation() || slot.kind != h.Kind() {
		return nil, fmt.Errorf("%w: %v: stale generation", ErrInvalidHandle, h)
	}
	return slot, nil
}

// NewBuffer materializes a persistent buffer. Materialization either
// succeeds fully or fails with no slot consumed.
func (r *Registry) NewBuffer(desc BufferDescriptor) (Handle, error) {
	backing, err := r.backend.MaterializeBuffer(desc)
	if err != nil {
		return NilHandle, fmt.Errorf("new buffer %q: %w", desc.Label, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.grabSlot()
	slot := &r.slots[idx]
	gen := slot.generation
	*slot = slotState{generation: gen, live: true, kind: KindBuffer, buffer: desc, backing: backing}
	return makeHandle(KindBuffer, 0, gen, idx), nil
}

// NewTexture materializes a persistent texture. The pixel format must be
// supported for the declared usage; memoryless storage is rejected
// unless the backend runs on tile memory.
func (r *Registry) NewTexture(desc TextureDescriptor) (Handle, error) {
	desc = desc.normalized()
	if err := r.validateTexture(desc); err != nil {
		return NilHandle, err
	}
	backing, err := r.backend.MaterializeTexture(desc)
	if err != nil {
		return NilHandle, fmt.Errorf("new texture %q: %w", desc.Label, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.grabSlot()
	slot := &r.slots[idx]
	gen := slot.generation
	*slot = slotState{generation: gen, live: true, kind: KindTexture, texture: desc, backing: backing}
	return makeHandle(KindTexture, 0, gen, idx), nil
}

func (r *Registry) validateTexture(desc TextureDescriptor) error {
	if !r.backend.SupportsPixelFormat(desc.Format, desc.Usage) {
		return fmt.Errorf("%w: texture %q: format %v unsupported for usage %v",
			ErrValidation, desc.Label, desc.Format, desc.Usage)
	}
	if desc.StorageMode == StorageMemoryless && !r.backend.Capabilities().MemorylessAttachments {
		return fmt.Errorf("%w: texture %q: memoryless storage unsupported",
			ErrValidation, desc.Label)
	}
	return nil
}

// NewHeap materializes a heap: one backing allocation that sub-allocates
// buffers and textures placed on it.
func (r *Registry) NewHeap(desc HeapDescriptor) (Handle, error) {
	backing, err := r.backend.MaterializeHeap(desc)
	if err != nil {
		return NilHandle, fmt.Errorf("new heap %q: %w", desc.Label, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.grabSlot()
	slot := &r.slots[idx]
	gen := slot.generation
	*slot = slotState{generation: gen, live: true, kind: KindHeap, heap: newHeapState(desc, backing), backing: backing}
	return makeHandle(KindHeap, 0, gen, idx), nil
}

// NewSampler creates a sampler object.
func (r *Registry) NewSampler(desc SamplerDescriptor) (Handle, error) {
	backing, err := r.backend.MaterializeSampler(desc)
	if err != nil {
		return NilHandle, fmt.Errorf("new sampler %q: %w", desc.Label, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.grabSlot()
	slot := &r.slots[idx]
	gen := slot.generation
	*slot = slotState{generation: gen, live: true, kind: KindSampler, sampler: desc, backing: backing}
	return makeHandle(KindSampler, 0, gen, idx), nil
}

// NewBufferOnHeap sub-allocates a buffer inside a heap. The buffer
// borrows lifetime from the heap and inherits its storage mode.
func (r *Registry) NewBufferOnHeap(heap Handle, desc BufferDescriptor) (Handle, error) {
	size, alignment := r.backend.BufferSizeAndAlignment(desc)

	r.mu.Lock()
	defer r.mu.Unlock()

	hs, err := r.heapStateLocked(heap)
	if err != nil {
		return NilHandle, err
	}
	desc.StorageMode = hs.desc.StorageMode
	desc.CacheMode = hs.desc.CacheMode

	offset, err := hs.suballoc(size, alignment)
	if err != nil {
		return NilHandle, err
	}
	backing, err := r.backend.PlaceBuffer(hs.backing, offset, desc)
	if err != nil {
		hs.release(offset, size)
		return NilHandle, fmt.Errorf("place buffer %q: %w", desc.Label, err)
	}

	idx := r.grabSlot()
	slot := &r.slots[idx]
	gen := slot.generation
	*slot = slotState{
		generation: gen, live: true, kind: KindBuffer, buffer: desc, backing: backing,
		placedHeap: heap, placedOffset: offset, placedSize: size,
	}
	return makeHandle(KindBuffer, 0, gen, idx), nil
}

// NewTextureOnHeap sub-allocates a texture inside a heap.
func (r *Registry) NewTextureOnHeap(heap Handle, desc TextureDescriptor) (Handle, error) {
	desc = desc.normalized()
	if err := r.validateTexture(desc); err != nil {
		return NilHandle, err
	}
	size, alignment := r.backend.TextureSizeAndAlignment(desc)

	r.mu.Lock()
	defer r.mu.Unlock()

	hs, err := r.heapStateLocked(heap)
	if err != nil {
		return NilHandle, err
	}
	desc.StorageMode = hs.desc.StorageMode

	offset, err := hs.suballoc(size, alignment)
	if err != nil {
		return NilHandle, err
	}
	backing, err := r.backend.PlaceTexture(hs.backing, offset, desc)
	if err != nil {
		hs.release(offset, size)
		return NilHandle, fmt.Errorf("place texture %q: %w", desc.Label, err)
	}

	idx := r.grabSlot()
	slot := &r.slots[idx]
	gen := slot.generation
	*slot = slotState{
		generation: gen, live: true, kind: KindTexture, texture: desc, backing: backing,
		placedHeap: heap, placedOffset: offset, placedSize: size,
	}
	return makeHandle(KindTexture, 0, gen, idx), nil
}

func (r *Registry) heapStateLocked(heap Handle) (*heapState, error) {
	slot, err := r.resolve(heap)
	if err != nil {
		return nil, err
	}
	if slot.kind != KindHeap {
		return nil, fmt.Errorf("%w: %v is not a heap", ErrInvalidHandle, heap)
	}
	return slot.heap, nil
}

// ImportExternalBuffer wraps an externally-owned backing without taking
// ownership. Disposing the handle never releases the backing.
func (r *Registry) ImportExternalBuffer(desc BufferDescriptor, backing BackingID) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.grabSlot()
	slot := &r.slots[idx]
	gen := slot.generation
	*slot = slotState{generation: gen, live: true, kind: KindBuffer, buffer: desc, backing: backing, external: true}
	return makeHandle(KindBuffer, 0, gen, idx)
}

// ImportExternalTexture wraps an externally-owned texture backing, such
// as a swapchain image. Imported textures count as external consumers
// for pass culling.
func (r *Registry) ImportExternalTexture(desc TextureDescriptor, backing BackingID) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.grabSlot()
	slot := &r.slots[idx]
	gen := slot.generation
	*slot = slotState{
		generation: gen, live: true, kind: KindTexture, texture: desc.normalized(),
		backing: backing, external: true, externalConsumer: true,
	}
	return makeHandle(KindTexture, 0, gen, idx)
}

// MarkExternalConsumer flags a persistent resource as observed outside
// the graph (read by the next frame, presented, or blitted to an
// externally-held object). Passes whose writes reach such a resource
// survive culling.
func (r *Registry) MarkExternalConsumer(h Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot, err := r.resolve(h)
	if err != nil {
		return err
	}
	slot.externalConsumer = true
	return nil
}

// ReplaceBufferBacking atomically swaps the backing of a buffer,
// returning the old backing. The new backing must have been materialized
// from an identical descriptor.
func (r *Registry) ReplaceBufferBacking(h Handle, desc BufferDescriptor, backing BackingID) (BackingID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot, err := r.resolve(h)
	if err != nil {
		return 0, err
	}
	if slot.kind != KindBuffer || slot.buffer != desc {
		return 0, fmt.Errorf("replace backing %v: %w", h, ErrDescriptorMismatch)
	}
	old := slot.backing
	slot.backing = backing
	return old, nil
}

// ReplaceTextureBacking atomically swaps the backing of a texture,
// returning the old backing.
func (r *Registry) ReplaceTextureBacking(h Handle, desc TextureDescriptor, backing BackingID) (BackingID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot, err := r.resolve(h)
	if err != nil {
		return 0, err
	}
	if slot.kind != KindTexture || slot.texture != desc.normalized() {
		return 0, fmt.Errorf("replace backing %v: %w", h, ErrDescriptorMismatch)
	}
	old := slot.backing
	slot.backing = backing
	return old, nil
}

// Dispose marks a resource for release. The handle's generation is
// bumped immediately, so any further access through it fails with
// ErrInvalidHandle; the backing is released only after the last command
// buffer that could reference it completes.
func (r *Registry) Dispose(h Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot, err := r.resolve(h)
	if err != nil {
		return err
	}
	if slot.kind == KindHeap && slot.heap.used > 0 {
		return fmt.Errorf("dispose %v: %w: heap has live sub-allocations", h, ErrValidation)
	}

	slot.live = false
	slot.generation++
	delete(r.purgeBatch, h)

	rel := deferredRelease{frame: r.submittedFrame, slot: h.Index()}
	if !slot.external {
		rel.backing = slot.backing
		rel.heap = slot.placedHeap
		rel.offset = slot.placedOffset
		rel.size = slot.placedSize
	}
	r.deferred = append(r.deferred, rel)
	return nil
}

// SetPurgeable transitions a resource's purgeability. Restores to
// NonVolatile and KeepCurrent queries apply synchronously; wasEmptied
// reports that an emptied backing's contents are gone. Volatile and
// Empty transitions are batched and flushed at frame retire.
func (r *Registry) SetPurgeable(h Handle, state PurgeableState) (prior PurgeableState, wasEmptied bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot, err := r.resolve(h)
	if err != nil {
		return 0, false, err
	}

	switch state {
	case PurgeableVolatile, PurgeableEmpty:
		prior = slot.purgeable
		slot.purgeable = state
		r.purgeBatch[h] = state
		return prior, false, nil
	default:
		prior, wasEmptied = r.backend.SetPurgeable(slot.backing, state)
		if state != PurgeableKeepCurrent {
			slot.purgeable = state
			delete(r.purgeBatch, h)
		}
		return prior, wasEmptied, nil
	}
}

// flushPurgeBatch pushes accumulated Volatile/Empty transitions to the
// backend. Called at frame retire.
func (r *Registry) flushPurgeBatch() {
	r.mu.Lock()
	batch := r.purgeBatch
	r.purgeBatch = make(map[Handle]PurgeableState)

	type op struct {
		backing BackingID
		state   PurgeableState
	}
	ops := make([]op, 0, len(batch))
	for h, state := range batch {
		if slot, err := r.resolve(h); err == nil {
			ops = append(ops, op{backing: slot.backing, state: state})
		}
	}
	r.mu.Unlock()

	for _, o := range ops {
		r.backend.SetPurgeable(o.backing, o.state)
	}
}

// noteSubmitted records the newest frame handed to the GPU. Disposals
// after this point defer their release past that frame's retirement.
func (r *Registry) noteSubmitted(frame uint64) {
	r.mu.Lock()
	r.submittedFrame = frame
	r.mu.Unlock()
}

// releaseRetired fires deferred releases whose frames have completed and
// recycles their slots.
func (r *Registry) releaseRetired(completedFrame uint64) {
	r.mu.Lock()
	var fire []deferredRelease
	kept := r.deferred[:0]
	for _, d := range r.deferred {
		if d.frame <= completedFrame {
			fire = append(fire, d)
		} else {
			kept = append(kept, d)
		}
	}
	r.deferred = kept

	for _, d := range fire {
		if !d.heap.IsNil() {
			if slot, err := r.resolve(d.heap); err == nil {
				slot.heap.release(d.offset, d.size)
			}
		}
		r.free = append(r.free, d.slot)
	}
	r.mu.Unlock()

	for _, d := range fire {
		if d.backing != 0 {
			r.backend.ReleaseBacking(d.backing)
		}
	}
	if len(fire) > 0 {
		logger().Debug("released retired resources", "count", len(fire), "frame", completedFrame)
	}
}

// BufferDescriptorOf returns the descriptor a buffer was created with.
func (r *Registry) BufferDescriptorOf(h Handle) (BufferDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	slot, err := r.resolve(h)
	if err != nil {
		return BufferDescriptor{}, err
	}
	if slot.kind != KindBuffer {
		return BufferDescriptor{}, fmt.Errorf("%w: %v is not a buffer", ErrInvalidHandle, h)
	}
	return slot.buffer, nil
}

// TextureDescriptorOf returns the descriptor a texture was created with.
func (r *Registry) TextureDescriptorOf(h Handle) (TextureDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	slot, err := r.resolve(h)
	if err != nil {
		return TextureDescriptor{}, err
	}
	if slot.kind != KindTexture {
		return TextureDescriptor{}, fmt.Errorf("%w: %v is not a texture", ErrInvalidHandle, h)
	}
	return slot.texture, nil
}

// HeapStats returns occupancy counters for a heap.
func (r *Registry) HeapStats(h Handle) (HeapStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	hs, err := r.heapStateLocked(h)
	if err != nil {
		return HeapStats{}, err
	}
	return HeapStats{Size: hs.desc.Size, UsedSize: hs.used, CurrentAllocatedSize: hs.desc.Size}, nil
}

// HeapMaxAvailable returns the largest sub-allocation the heap can
// currently satisfy at the given alignment.
func (r *Registry) HeapMaxAvailable(h Handle, alignment uint64) (uint64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	hs, err := r.heapStateLocked(h)
	if err != nil {
		return 0, err
	}
	return hs.maxAvailable(alignment), nil
}

// backingOf returns the live backing for a persistent handle. Used by
// the submission driver; transient handles resolve through their frame
// slot's transient registry.
func (r *Registry) backingOf(h Handle) (BackingID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	slot, err := r.resolve(h)
	if err != nil {
		return 0, err
	}
	return slot.backing, nil
}

// externalConsumerOf reports whether a persistent handle is flagged as
// externally consumed. Stale or transient handles report false.
func (r *Registry) externalConsumerOf(h Handle) bool {
	if h.Transient() {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	slot, err := r.resolve(h)
	return err == nil && slot.externalConsumer
}

// rematerialize drops and recreates every owned backing after device
// loss. Heaps are recreated first; resources placed on a heap are then
// placed again at their old offsets on the new heap backing. External
// backings are left untouched; the importer must refresh them.
func (r *Registry) rematerialize() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.slots {
		slot := &r.slots[i]
		if !slot.live || slot.external || !slot.placedHeap.IsNil() {
			continue
		}
		var (
			backing BackingID
			err     error
		)
		switch slot.kind {
		case KindBuffer:
			backing, err = r.backend.MaterializeBuffer(slot.buffer)
		case KindTexture:
			backing, err = r.backend.MaterializeTexture(slot.texture)
		case KindHeap:
			backing, err = r.backend.MaterializeHeap(slot.heap.desc)
		case KindSampler:
			backing, err = r.backend.MaterializeSampler(slot.sampler)
		default:
			continue
		}
		if err != nil {
			return fmt.Errorf("rematerialize slot %d: %w", i, err)
		}
		slot.backing = backing
		if slot.kind == KindHeap {
			slot.heap.backing = backing
		}
	}
	for i := range r.slots {
		slot := &r.slots[i]
		if !slot.live || slot.external || slot.placedHeap.IsNil() {
			continue
		}
		hs, err := r.heapStateLocked(slot.placedHeap)
		if err == nil && slot.kind == KindBuffer {
			slot.backing, err = r.backend.PlaceBuffer(hs.backing, slot.placedOffset, slot.buffer)
		} else if err == nil {
			slot.backing, err = r.backend.PlaceTexture(hs.backing, slot.placedOffset, slot.texture)
		}
		if err != nil {
			return fmt.Errorf("rematerialize slot %d: %w", i, err)
		}
	}
	return nil
}
