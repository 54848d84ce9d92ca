package framegraph

import (
	"fmt"
	"strings"

	"github.com/gogpu/gputypes"
)

// PassKind identifies the encoder family a pass records into.
type PassKind uint8

// Pass kinds.
const (
	PassDraw PassKind = iota
	PassCompute
	PassBlit
	PassExternal
	PassAccelerationStructure
)

// String returns the pass kind name.
func (k PassKind) String() string {
	switch k {
	case PassDraw:
		return "Draw"
	case PassCompute:
		return "Compute"
	case PassBlit:
		return "Blit"
	case PassExternal:
		return "External"
	case PassAccelerationStructure:
		return "AccelerationStructure"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(k))
	}
}

// Queue is a logical queue index. Queue 0 always exists; the backend maps
// logical queues onto hardware queue families.
type Queue uint8

// StageFlags is a bitmask of pipeline stages participating in an access.
type StageFlags uint16

// Pipeline stages.
const (
	StageVertex StageFlags = 1 << iota
	StageFragment
	StageCompute
	StageBlit
	StageEarlyFragmentTests
	StageLateFragmentTests

	// StageNone is the empty stage set.
	StageNone StageFlags = 0
)

// stageNames is ordered to match the flag bit positions.
var stageNames = [...]string{"Vertex", "Fragment", "Compute", "Blit", "EarlyFragmentTests", "LateFragmentTests"}

// String returns a "|"-joined list of stage names.
func (s StageFlags) String() string {
	if s == StageNone {
		return "None"
	}
	var parts []string
	for i, name := range stageNames {
		if s&(1<<i) != 0 {
			parts = append(parts, name)
		}
	}
	return strings.Join(parts, "|")
}

// Contains reports whether every stage in sub is present in s.
func (s StageFlags) Contains(sub StageFlags) bool { return s&sub == sub }

// AccessFlags is a bitmask describing how a pass touches a resource.
type AccessFlags uint8

// Access flags.
const (
	AccessRead AccessFlags = 1 << iota
	AccessWrite
	AccessRenderTarget
	AccessInputAttachment
	AccessBlitSrc
	AccessBlitDst
)

// accessNames is ordered to match the flag bit positions.
var accessNames = [...]string{"Read", "Write", "RenderTarget", "InputAttachment", "BlitSrc", "BlitDst"}

// String returns a "|"-joined list of access names.
func (a AccessFlags) String() string {
	if a == 0 {
		return "None"
	}
	var parts []string
	for i, name := range accessNames {
		if a&(1<<i) != 0 {
			parts = append(parts, name)
		}
	}
	return strings.Join(parts, "|")
}

// Writes reports whether the access mutates the resource.
func (a AccessFlags) Writes() bool {
	return a&(AccessWrite|AccessRenderTarget|AccessBlitDst) != 0
}

// Reads reports whether the access observes the resource.
func (a AccessFlags) Reads() bool {
	return a&(AccessRead|AccessInputAttachment|AccessBlitSrc) != 0
}

// Layout is the tiling/compression state a texture must be in for a
// specific usage. Buffer usages always induce LayoutUndefined.
type Layout uint8

// Texture layouts.
const (
	LayoutUndefined Layout = iota
	LayoutGeneral
	LayoutColorAttachment
	LayoutDepthStencilAttachment
	LayoutShaderRead
	LayoutShaderWrite
	LayoutBlitSrc
	LayoutBlitDst
	LayoutPresent
)

// String returns the layout name.
func (l Layout) String() string {
	switch l {
	case LayoutUndefined:
		return "Undefined"
	case LayoutGeneral:
		return "General"
	case LayoutColorAttachment:
		return "ColorAttachment"
	case LayoutDepthStencilAttachment:
		return "DepthStencilAttachment"
	case LayoutShaderRead:
		return "ShaderRead"
	case LayoutShaderWrite:
		return "ShaderWrite"
	case LayoutBlitSrc:
		return "BlitSrc"
	case LayoutBlitDst:
		return "BlitDst"
	case LayoutPresent:
		return "Present"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(l))
	}
}

// inducedLayout derives the layout a texture usage requires from its
// access and stage masks.
func inducedLayout(access AccessFlags, stages StageFlags) Layout {
	switch {
	case access&AccessRenderTarget != 0:
		if stages&(StageEarlyFragmentTests|StageLateFragmentTests) != 0 {
			return LayoutDepthStencilAttachment
		}
		return LayoutColorAttachment
	case access&AccessInputAttachment != 0:
		return LayoutShaderRead
	case access&AccessBlitSrc != 0:
		return LayoutBlitSrc
	case access&AccessBlitDst != 0:
		return LayoutBlitDst
	case access&AccessWrite != 0:
		return LayoutShaderWrite
	case access&AccessRead != 0:
		return LayoutShaderRead
	default:
		return LayoutUndefined
	}
}

// SubresourceMask selects mip/layer subresources of a texture, one bit
// per (mip, layer) pair in mip-major order. Buffers use SubresourceAll.
type SubresourceMask uint64

// SubresourceAll selects every subresource.
const SubresourceAll SubresourceMask = ^SubresourceMask(0)

// Overlaps reports whether two masks share any subresource.
func (m SubresourceMask) Overlaps(o SubresourceMask) bool { return m&o != 0 }

// Usage records how one pass accesses one resource. Multiple recorder
// calls touching the same resource within a pass collapse into a single
// Usage at pass end.
type Usage struct {
	// Resource is the accessed resource.
	Resource Handle

	// Subresource selects the touched subresources.
	Subresource SubresourceMask

	// Access is the union of recorded access types.
	Access AccessFlags

	// Stages is the union of participating pipeline stages.
	Stages StageFlags

	// FirstCommand and LastCommand delimit the pass-local command range
	// that touches the resource.
	FirstCommand uint32
	LastCommand  uint32

	// Consistent asserts access and stages do not change across the
	// pass, letting the compactor hoist residency to encoder start.
	Consistent bool

	// allowReordering gates residency batching: false forces a residency
	// call at the exact command index.
	allowReordering bool
}

// layout returns the image layout this usage requires.
func (u Usage) layout() Layout { return inducedLayout(u.Access, u.Stages) }

// RenderTarget describes one attachment of a draw pass.
type RenderTarget struct {
	// Texture is the attachment texture.
	Texture Handle

	// Level and Slice select the mip level and array slice.
	Level uint32
	Slice uint32

	// Load and Store select the attachment load/store operations.
	Load  gputypes.LoadOp
	Store gputypes.StoreOp

	// Clear is the clear value when Load is LoadOpClear.
	Clear gputypes.Color
}

// RenderTargetDescriptor is the full attachment set of a draw pass.
// Consecutive draw passes with identical descriptors coalesce into one
// encoder; changing any attachment starts a new one.
type RenderTargetDescriptor struct {
	// Colors are the color attachments, in binding order.
	Colors []RenderTarget

	// DepthStencil is the optional depth/stencil attachment.
	DepthStencil *RenderTarget
}

// equal reports whether two descriptors bind the same attachments with
// the same operations.
func (d *RenderTargetDescriptor) equal(o *RenderTargetDescriptor) bool {
	if d == nil || o == nil {
		return d == o
	}
	if len(d.Colors) != len(o.Colors) {
		return false
	}
	for i := range d.Colors {
		if d.Colors[i] != o.Colors[i] {
			return false
		}
	}
	if (d.DepthStencil == nil) != (o.DepthStencil == nil) {
		return false
	}
	return d.DepthStencil == nil || *d.DepthStencil == *o.DepthStencil
}

// Pass is one user-declared unit of GPU work. Immutable after its
// executor returns.
type Pass struct {
	id       int
	kind     PassKind
	queue    Queue
	name     string
	executor func(*PassEncoder)

	// targets is non-nil for draw passes.
	targets *RenderTargetDescriptor

	// usages are the collapsed per-resource access records.
	usages []Usage

	// commands is the pass-local command stream recorded by the executor.
	commands []Command

	// commandRange is the pass's range in the frame-global command
	// numbering, assigned during encoder assembly.
	commandRange [2]uint32

	// culled marks passes removed by the scheduler.
	culled bool

	// execErr is the first error the executor reported.
	execErr error
}

// ID returns the pass's registration index.
func (p *Pass) ID() int { return p.id }

// Name returns the pass's debug name.
func (p *Pass) Name() string { return p.name }

// Kind returns the pass kind.
func (p *Pass) Kind() PassKind { return p.kind }

// Queue returns the pass's queue affinity.
func (p *Pass) Queue() Queue { return p.queue }

// Culled reports whether the scheduler removed the pass this frame.
func (p *Pass) Culled() bool { return p.culled }

// Commands returns the recorded command stream. Backends interleave it
// with the encoder's compacted commands by frame-global index.
func (p *Pass) Commands() []Command { return p.commands }

// CommandRange returns the pass's range in the frame-global command
// numbering: first is the pass's first command and last is one past its
// final command.
func (p *Pass) CommandRange() (first, last uint32) {
	return p.commandRange[0], p.commandRange[1]
}

// Usages returns the collapsed per-resource access records.
func (p *Pass) Usages() []Usage { return p.usages }

// Targets returns the attachment set of a draw pass, or nil.
func (p *Pass) Targets() *RenderTargetDescriptor { return p.targets }
