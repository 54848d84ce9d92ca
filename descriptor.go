package framegraph

import (
	"fmt"

	"github.com/gogpu/gputypes"
)

// StorageMode selects where a resource's backing memory lives and how the
// CPU may observe it.
type StorageMode uint8

// Storage modes.
const (
	// StoragePrivate is GPU-only memory. CPU access requires a blit.
	StoragePrivate StorageMode = iota

	// StorageManaged keeps a CPU copy synchronized with the GPU copy on
	// discrete-memory systems.
	StorageManaged

	// StorageShared is memory visible to both CPU and GPU.
	StorageShared

	// StorageMemoryless is tile memory that never backs onto RAM. Legal
	// only for textures whose every usage lies within a single render
	// pass on tile-based GPUs.
	StorageMemoryless
)

// String returns the storage mode name.
func (m StorageMode) String() string {
	switch m {
	case StoragePrivate:
		return "Private"
	case StorageManaged:
		return "Managed"
	case StorageShared:
		return "Shared"
	case StorageMemoryless:
		return "Memoryless"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(m))
	}
}

// CacheMode selects the CPU cache behavior for CPU-visible storage.
type CacheMode uint8

// Cache modes.
const (
	CacheDefault CacheMode = iota
	CacheWriteCombined
)

// UsageHint is a bitset describing how a resource will be used. The hint
// is declared at creation and validated against recorded usages.
type UsageHint uint16

// Usage hints.
const (
	UsageShaderRead UsageHint = 1 << iota
	UsageShaderWrite
	UsageRenderTarget
	UsageBlitSource
	UsageBlitDestination
	UsageInputAttachment
	UsagePixelFormatView
)

// TextureType distinguishes texture dimensionality and arrayness.
type TextureType uint8

// Texture types.
const (
	Texture1D TextureType = iota
	Texture2D
	Texture2DArray
	Texture3D
	TextureCube
	TextureCubeArray
)

// dimension maps the texture type onto the wire-level dimension.
func (t TextureType) dimension() gputypes.TextureDimension {
	switch t {
	case Texture1D:
		return gputypes.TextureDimension1D
	case Texture3D:
		return gputypes.TextureDimension3D
	default:
		return gputypes.TextureDimension2D
	}
}

// BufferDescriptor describes a buffer resource. Immutable after creation.
type BufferDescriptor struct {
	// Length is the buffer size in bytes.
	Length uint64

	// StorageMode selects the backing memory type.
	StorageMode StorageMode

	// CacheMode selects CPU caching for CPU-visible storage.
	CacheMode CacheMode

	// Usage declares the intended accesses.
	Usage UsageHint

	// Label is an optional debug name.
	Label string
}

// TextureDescriptor describes a texture resource. Immutable after creation.
type TextureDescriptor struct {
	// Type is the texture dimensionality.
	Type TextureType

	// Format is the pixel format.
	Format gputypes.TextureFormat

	// Width, Height, Depth are the level-0 extent. Depth is the array
	// length for array types and 1 otherwise.
	Width  uint32
	Height uint32
	Depth  uint32

	// MipLevels is the mipmap chain length. Zero means 1.
	MipLevels uint32

	// ArrayLength is the number of array layers. Zero means 1.
	ArrayLength uint32

	// SampleCount is the MSAA sample count. Zero means 1.
	SampleCount uint32

	// Usage declares the intended accesses.
	Usage UsageHint

	// StorageMode selects the backing memory type.
	StorageMode StorageMode

	// Label is an optional debug name.
	Label string
}

// normalized returns a copy with zero counts resolved to 1.
func (d TextureDescriptor) normalized() TextureDescriptor {
	if d.Depth == 0 {
		d.Depth = 1
	}
	if d.MipLevels == 0 {
		d.MipLevels = 1
	}
	if d.ArrayLength == 0 {
		d.ArrayLength = 1
	}
	if d.SampleCount == 0 {
		d.SampleCount = 1
	}
	return d
}

// Extent returns the level-0 extent of the texture.
func (d TextureDescriptor) Extent() gputypes.Extent3D {
	n := d.normalized()
	return gputypes.Extent3D{Width: n.Width, Height: n.Height, DepthOrArrayLayers: n.Depth}
}

// subresourceCount returns mips times layers, the width of a full
// subresource mask.
func (d TextureDescriptor) subresourceCount() uint32 {
	n := d.normalized()
	return n.MipLevels * n.ArrayLength
}

// HeapDescriptor describes a heap: one backing allocation that
// sub-allocates buffers and textures.
type HeapDescriptor struct {
	// Size is the heap size in bytes.
	Size uint64

	// StorageMode selects the backing memory type for all sub-allocations.
	StorageMode StorageMode

	// CacheMode selects CPU caching for CPU-visible storage.
	CacheMode CacheMode

	// Label is an optional debug name.
	Label string
}

// SamplerDescriptor describes a sampler object.
type SamplerDescriptor struct {
	// MinFilter, MagFilter and MipFilter select the filtering modes as
	// wire-level filter values.
	MinFilter gputypes.FilterMode
	MagFilter gputypes.FilterMode
	MipFilter gputypes.FilterMode

	// AddressMode applies to all three texture coordinates.
	AddressMode gputypes.AddressMode

	// MaxAnisotropy is the anisotropic filtering cap. Zero means 1.
	MaxAnisotropy uint16

	// Label is an optional debug name.
	Label string
}
