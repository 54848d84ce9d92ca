package framegraph

import "fmt"

// ResourceKind identifies what a handle refers to.
type ResourceKind uint8

// Resource kinds.
const (
	KindInvalid ResourceKind = iota
	KindBuffer
	KindTexture
	KindArgumentBuffer
	KindHeap
	KindSampler
	KindAccelerationStructure
)

// String returns the kind name.
func (k ResourceKind) String() string {
	switch k {
	case KindBuffer:
		return "Buffer"
	case KindTexture:
		return "Texture"
	case KindArgumentBuffer:
		return "ArgumentBuffer"
	case KindHeap:
		return "Heap"
	case KindSampler:
		return "Sampler"
	case KindAccelerationStructure:
		return "AccelerationStructure"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(k))
	}
}

// Handle is a 64-bit tagged resource identifier. Handles are cheap to
// copy and safe to store; identity is (registry, index, generation).
// A handle whose generation no longer matches its registry slot is stale
// and every access through it fails with ErrInvalidHandle.
//
// Bit layout, high to low:
//
//	kind:4 | registry:4 | generation:16 | spare:8 | index:32
//
// The registry field is 0 for persistent handles and 1+slot for transient
// handles, where slot is the in-flight frame slot that owns the resource.
type Handle uint64

// NilHandle is the zero Handle; it refers to nothing.
const NilHandle Handle = 0

const (
	handleIndexBits      = 32
	handleSpareBits      = 8
	handleGenerationBits = 16
	handleRegistryBits   = 4

	handleIndexMask      = 1<<handleIndexBits - 1
	handleGenerationMask = 1<<handleGenerationBits - 1
	handleRegistryMask   = 1<<handleRegistryBits - 1

	handleGenerationShift = handleIndexBits + handleSpareBits
	handleRegistryShift   = handleGenerationShift + handleGenerationBits
	handleKindShift       = handleRegistryShift + handleRegistryBits
)

// makeHandle packs the fields into a Handle. registry is 0 for persistent,
// 1+slot for transient.
func makeHandle(kind ResourceKind, registry uint8, generation uint16, index uint32) Handle {
	return Handle(uint64(kind)<<handleKindShift |
		uint64(registry&handleRegistryMask)<<handleRegistryShift |
		uint64(generation)<<handleGenerationShift |
		uint64(index))
}

// Kind returns the resource kind encoded in the handle.
func (h Handle) Kind() ResourceKind {
	return ResourceKind(h >> handleKindShift)
}

// IsNil reports whether the handle refers to nothing.
func (h Handle) IsNil() bool { return h == NilHandle }

// Transient reports whether the handle belongs to a per-frame transient
// registry rather than the persistent registry.
func (h Handle) Transient() bool { return h.registry() != 0 }

// FrameSlot returns the in-flight frame slot owning a transient handle.
// The result is meaningless for persistent handles.
func (h Handle) FrameSlot() int { return int(h.registry()) - 1 }

// Generation returns the handle's generation counter.
func (h Handle) Generation() uint16 {
	return uint16(h >> handleGenerationShift & handleGenerationMask)
}

// Index returns the slot index into the owning registry's table.
func (h Handle) Index() uint32 { return uint32(h & handleIndexMask) }

func (h Handle) registry() uint8 {
	return uint8(h >> handleRegistryShift & handleRegistryMask)
}

// String returns a debug representation of the handle.
func (h Handle) String() string {
	if h.IsNil() {
		return "Handle(nil)"
	}
	if h.Transient() {
		return fmt.Sprintf("%s(transient slot=%d idx=%d gen=%d)",
			h.Kind(), h.FrameSlot(), h.Index(), h.Generation())
	}
	return fmt.Sprintf("%s(persistent idx=%d gen=%d)", h.Kind(), h.Index(), h.Generation())
}
