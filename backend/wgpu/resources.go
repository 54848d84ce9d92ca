package wgpu

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/framegraph"
)

// Footprint alignments. Buffers round to the storage-buffer offset
// alignment, textures to a page.
const (
	bufferAlignment  = 256
	textureAlignment = 4096
)

// MaterializeBuffer creates a dedicated HAL buffer.
func (b *Backend) MaterializeBuffer(desc framegraph.BufferDescriptor) (framegraph.BackingID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.initialized {
		return 0, framegraph.ErrNotInitialized
	}
	return b.createBuffer(desc, 0, 0)
}

// MaterializeTexture creates a dedicated HAL texture.
func (b *Backend) MaterializeTexture(desc framegraph.TextureDescriptor) (framegraph.BackingID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.initialized {
		return 0, framegraph.ErrNotInitialized
	}
	return b.createTexture(desc, 0, 0)
}

// MaterializeHeap reserves a placement arena. The HAL owns physical
// memory, so the heap is a size reservation that placed resources are
// validated against; each placement is its own HAL allocation.
func (b *Backend) MaterializeHeap(desc framegraph.HeapDescriptor) (framegraph.BackingID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.initialized {
		return 0, framegraph.ErrNotInitialized
	}
	id := b.newBacking()
	b.backings[id] = &backing{
		heapSize:  desc.Size,
		size:      desc.Size,
		purgeable: framegraph.PurgeableNonVolatile,
		label:     desc.Label,
	}
	return id, nil
}

// MaterializeSampler records a sampler. Sampler objects live in bind
// groups at the HAL level, so the backing is bookkeeping only.
func (b *Backend) MaterializeSampler(desc framegraph.SamplerDescriptor) (framegraph.BackingID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.initialized {
		return 0, framegraph.ErrNotInitialized
	}
	id := b.newBacking()
	b.backings[id] = &backing{
		sampler:   true,
		purgeable: framegraph.PurgeableNonVolatile,
		label:     desc.Label,
	}
	return id, nil
}

// PlaceBuffer sub-allocates a buffer inside a heap reservation.
func (b *Backend) PlaceBuffer(heap framegraph.BackingID, offset uint64, desc framegraph.BufferDescriptor) (framegraph.BackingID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.initialized {
		return 0, framegraph.ErrNotInitialized
	}
	size, _ := bufferFootprint(desc)
	if err := b.checkPlacement(heap, offset, size); err != nil {
		return 0, err
	}
	return b.createBuffer(desc, heap, offset)
}

// PlaceTexture sub-allocates a texture inside a heap reservation.
func (b *Backend) PlaceTexture(heap framegraph.BackingID, offset uint64, desc framegraph.TextureDescriptor) (framegraph.BackingID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.initialized {
		return 0, framegraph.ErrNotInitialized
	}
	size, _ := textureFootprint(desc)
	if err := b.checkPlacement(heap, offset, size); err != nil {
		return 0, err
	}
	return b.createTexture(desc, heap, offset)
}

// ReleaseBacking destroys a backing's HAL resource.
func (b *Backend) ReleaseBacking(id framegraph.BackingID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.destroyBacking(id)
}

// BufferSizeAndAlignment returns the heap footprint of a buffer.
func (b *Backend) BufferSizeAndAlignment(desc framegraph.BufferDescriptor) (uint64, uint64) {
	return bufferFootprint(desc)
}

// TextureSizeAndAlignment returns the heap footprint of a texture.
func (b *Backend) TextureSizeAndAlignment(desc framegraph.TextureDescriptor) (uint64, uint64) {
	return textureFootprint(desc)
}

// SetPurgeable tracks purgeability per backing. Vulkan memory is not
// purgeable by the OS, so Empty discards the HAL resource and the state
// machine otherwise only records intent.
func (b *Backend) SetPurgeable(id framegraph.BackingID, state framegraph.PurgeableState) (framegraph.PurgeableState, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bk, ok := b.backings[id]
	if !ok {
		return framegraph.PurgeableNonVolatile, false
	}
	prior := bk.purgeable
	if state == framegraph.PurgeableKeepCurrent {
		return prior, false
	}
	wasEmptied := prior == framegraph.PurgeableEmpty && state == framegraph.PurgeableNonVolatile
	bk.purgeable = state
	if state == framegraph.PurgeableEmpty {
		b.releaseResource(bk)
	}
	return prior, wasEmptied
}

func (b *Backend) newBacking() framegraph.BackingID {
	b.nextBacking++
	return b.nextBacking
}

// createBuffer allocates the HAL buffer and registers the backing.
// Caller holds b.mu.
func (b *Backend) createBuffer(desc framegraph.BufferDescriptor, heap framegraph.BackingID, offset uint64) (framegraph.BackingID, error) {
	buf, err := b.device.CreateBuffer(&hal.BufferDescriptor{
		Label: desc.Label,
		Size:  desc.Length,
		Usage: bufferUsage(desc),
	})
	if err != nil {
		return 0, fmt.Errorf("%w: create buffer %q: %s", framegraph.ErrOutOfMemory, desc.Label, err)
	}
	size, _ := bufferFootprint(desc)
	id := b.newBacking()
	b.backings[id] = &backing{
		buffer:    buf,
		heap:      heap,
		offset:    offset,
		size:      size,
		purgeable: framegraph.PurgeableNonVolatile,
		label:     desc.Label,
	}
	return id, nil
}

// createTexture allocates the HAL texture and registers the backing.
// Caller holds b.mu.
func (b *Backend) createTexture(desc framegraph.TextureDescriptor, heap framegraph.BackingID, offset uint64) (framegraph.BackingID, error) {
	ext := desc.Extent()
	tex, err := b.device.CreateTexture(&hal.TextureDescriptor{
		Label: desc.Label,
		Size: hal.Extent3D{
			Width:              ext.Width,
			Height:             ext.Height,
			DepthOrArrayLayers: ext.DepthOrArrayLayers,
		},
		MipLevelCount: max32(desc.MipLevels, 1),
		SampleCount:   max32(desc.SampleCount, 1),
		Dimension:     textureDimension(desc.Type),
		Format:        desc.Format,
		Usage:         textureUsage(desc),
	})
	if err != nil {
		return 0, fmt.Errorf("%w: create texture %q: %s", framegraph.ErrOutOfMemory, desc.Label, err)
	}
	size, _ := textureFootprint(desc)
	id := b.newBacking()
	b.backings[id] = &backing{
		texture:   tex,
		heap:      heap,
		offset:    offset,
		size:      size,
		purgeable: framegraph.PurgeableNonVolatile,
		label:     desc.Label,
	}
	return id, nil
}

// checkPlacement validates a placement against its heap reservation.
// Caller holds b.mu.
func (b *Backend) checkPlacement(heap framegraph.BackingID, offset, size uint64) error {
	hb, ok := b.backings[heap]
	if !ok || hb.heapSize == 0 {
		return fmt.Errorf("%w: placement target %d is not a heap", framegraph.ErrValidation, heap)
	}
	if offset+size > hb.heapSize {
		return fmt.Errorf("%w: placement [%d, %d) exceeds heap size %d",
			framegraph.ErrValidation, offset, offset+size, hb.heapSize)
	}
	return nil
}

// destroyBacking releases the HAL resource and forgets the backing.
// Caller holds b.mu.
func (b *Backend) destroyBacking(id framegraph.BackingID) {
	bk, ok := b.backings[id]
	if !ok {
		return
	}
	b.releaseResource(bk)
	delete(b.backings, id)
}

// releaseResource frees the HAL object while keeping the bookkeeping
// entry. Caller holds b.mu.
func (b *Backend) releaseResource(bk *backing) {
	if bk.buffer != nil {
		b.device.DestroyBuffer(bk.buffer)
		bk.buffer = nil
	}
	if bk.texture != nil {
		b.device.DestroyTexture(bk.texture)
		bk.texture = nil
	}
}

// resolveBuffer maps a handle to its HAL buffer. Caller holds b.mu.
func (b *Backend) resolveBuffer(h framegraph.Handle, resolve framegraph.BackingResolver) (hal.Buffer, error) {
	id, err := resolve(h)
	if err != nil {
		return nil, err
	}
	bk, ok := b.backings[id]
	if !ok || bk.buffer == nil {
		return nil, fmt.Errorf("%w: backing %d has no buffer", framegraph.ErrInvalidHandle, id)
	}
	return bk.buffer, nil
}

// bufferUsage maps the declared usage onto HAL buffer usage flags.
// Every buffer is copyable so blit passes and readback work without a
// separate staging descriptor.
func bufferUsage(desc framegraph.BufferDescriptor) gputypes.BufferUsage {
	usage := gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst
	if desc.Usage&(framegraph.UsageShaderRead|framegraph.UsageShaderWrite) != 0 {
		usage |= gputypes.BufferUsageStorage
	}
	if desc.StorageMode == framegraph.StorageShared || desc.StorageMode == framegraph.StorageManaged {
		usage |= gputypes.BufferUsageMapWrite
	}
	return usage
}

// textureUsage maps the declared usage onto HAL texture usage flags.
func textureUsage(desc framegraph.TextureDescriptor) gputypes.TextureUsage {
	var usage gputypes.TextureUsage
	if desc.Usage&framegraph.UsageShaderRead != 0 {
		usage |= gputypes.TextureUsageTextureBinding
	}
	if desc.Usage&framegraph.UsageShaderWrite != 0 {
		usage |= gputypes.TextureUsageStorageBinding
	}
	if desc.Usage&(framegraph.UsageRenderTarget|framegraph.UsageInputAttachment) != 0 {
		usage |= gputypes.TextureUsageRenderAttachment
	}
	if desc.Usage&framegraph.UsageBlitSource != 0 {
		usage |= gputypes.TextureUsageCopySrc
	}
	if desc.Usage&framegraph.UsageBlitDestination != 0 {
		usage |= gputypes.TextureUsageCopyDst
	}
	if usage == 0 {
		usage = gputypes.TextureUsageTextureBinding | gputypes.TextureUsageCopyDst
	}
	return usage
}

// textureDimension maps the texture type onto the HAL dimension.
func textureDimension(t framegraph.TextureType) gputypes.TextureDimension {
	switch t {
	case framegraph.Texture1D:
		return gputypes.TextureDimension1D
	case framegraph.Texture3D:
		return gputypes.TextureDimension3D
	default:
		return gputypes.TextureDimension2D
	}
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

func max32(v, min uint32) uint32 {
	if v < min {
		return min
	}
	return v
}

func bufferFootprint(desc framegraph.BufferDescriptor) (uint64, uint64) {
	size := alignUp(desc.Length, bufferAlignment)
	if size == 0 {
		size = bufferAlignment
	}
	return size, bufferAlignment
}

func textureFootprint(desc framegraph.TextureDescriptor) (uint64, uint64) {
	ext := desc.Extent()
	layers := uint64(max32(desc.ArrayLength, 1))
	samples := uint64(max32(desc.SampleCount, 1))
	size := uint64(ext.Width) * uint64(ext.Height) * uint64(ext.DepthOrArrayLayers) *
		layers * samples * uint64(bytesPerPixel(desc.Format))
	if max32(desc.MipLevels, 1) > 1 {
		// A full mip chain adds at most a third of level zero.
		size += size / 3
	}
	size = alignUp(size, textureAlignment)
	if size == 0 {
		size = textureAlignment
	}
	return size, textureAlignment
}

func bytesPerPixel(format gputypes.TextureFormat) uint32 {
	switch format {
	case gputypes.TextureFormatR8Unorm:
		return 1
	case gputypes.TextureFormatRGBA8Unorm, gputypes.TextureFormatBGRA8Unorm,
		gputypes.TextureFormatDepth24PlusStencil8:
		return 4
	default:
		return 4
	}
}
