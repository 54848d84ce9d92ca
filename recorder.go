package framegraph

import "fmt"

// BarrierScope selects which resource families a scoped barrier covers.
type BarrierScope uint8

// Barrier scopes.
const (
	ScopeBuffers BarrierScope = 1 << iota
	ScopeTextures
	ScopeRenderTargets
)

// String returns a "|"-joined list of scope names.
func (s BarrierScope) String() string {
	if s == 0 {
		return "None"
	}
	var out string
	add := func(name string) {
		if out != "" {
			out += "|"
		}
		out += name
	}
	if s&ScopeBuffers != 0 {
		add("Buffers")
	}
	if s&ScopeTextures != 0 {
		add("Textures")
	}
	if s&ScopeRenderTargets != 0 {
		add("RenderTargets")
	}
	return out
}

// UseOption tunes a UseResource declaration.
type UseOption func(*useOptions)

type useOptions struct {
	subresource     SubresourceMask
	allowReordering bool
	consistent      bool
}

// WithSubresource restricts the declaration to a subresource mask.
func WithSubresource(mask SubresourceMask) UseOption {
	return func(o *useOptions) { o.subresource = mask }
}

// WithExactIndex pins the residency call to the exact command index
// instead of joining the encoder-wide batched residency set.
func WithExactIndex() UseOption {
	return func(o *useOptions) { o.allowReordering = false }
}

// WithConsistentUsage asserts access and stages do not change across the
// pass, letting the compactor hoist residency to encoder start.
func WithConsistentUsage() UseOption {
	return func(o *useOptions) { o.consistent = true }
}

// binding is the last-seen state of one binding path, used to collapse
// redundant Set* calls.
type binding struct {
	resource Handle
	offset   uint64
}

// PassEncoder records one pass's commands and resource usages. It is
// handed to the pass executor and is valid only for the executor's
// duration. A PassEncoder is not safe for concurrent use; each executor
// owns its encoder exclusively.
//
// Recording is append-only. The first error sticks: subsequent calls
// become no-ops and the pass is reported failed at commit.
type PassEncoder struct {
	pass  *Pass
	graph *Graph

	// bindings tracks the last binding per path so unchanged rebinds
	// collapse into the existing command.
	bindings map[BindPath]binding

	// usageIndex maps a resource to its record in pass.usages.
	usageIndex map[Handle]int

	err error
}

func newPassEncoder(pass *Pass, graph *Graph) *PassEncoder {
	return &PassEncoder{
		pass:       pass,
		graph:      graph,
		bindings:   make(map[BindPath]binding),
		usageIndex: make(map[Handle]int),
	}
}

// Err returns the first recording error, if any.
func (e *PassEncoder) Err() error { return e.err }

func (e *PassEncoder) fail(err error) {
	if e.err == nil {
		e.err = err
	}
}

// nextIndex returns the index the next appended command will occupy.
func (e *PassEncoder) nextIndex() uint32 { return uint32(len(e.pass.commands)) }

// append adds a command and returns its pass-local index.
func (e *PassEncoder) append(cmd Command) uint32 {
	idx := uint32(len(e.pass.commands))
	e.pass.commands = append(e.pass.commands, cmd)
	return idx
}

// touch records or extends the usage of a resource at the given command
// index. The usage record collapses repeated touches: access and stages
// union, the command range widens, and the consistency flag drops once
// access or stages diverge.
func (e *PassEncoder) touch(h Handle, mask SubresourceMask, access AccessFlags, stages StageFlags, index uint32, opts useOptions) {
	if h.IsNil() {
		return
	}
	if i, ok := e.usageIndex[h]; ok {
		u := &e.pass.usages[i]
		if u.Access != access || u.Stages != stages {
			u.Consistent = false
		}
		u.Subresource |= mask
		u.Access |= access
		u.Stages |= stages
		if index > u.LastCommand {
			u.LastCommand = index
		}
		if !opts.allowReordering {
			u.allowReordering = false
		}
		return
	}
	e.usageIndex[h] = len(e.pass.usages)
	e.pass.usages = append(e.pass.usages, Usage{
		Resource:        h,
		Subresource:     mask,
		Access:          access,
		Stages:          stages,
		FirstCommand:    index,
		LastCommand:     index,
		Consistent:      opts.consistent,
		allowReordering: opts.allowReordering,
	})
}

// SetBuffer binds a buffer at a byte offset to a binding path. Rebinding
// the same buffer at the same offset on the same path is a no-op.
func (e *PassEncoder) SetBuffer(path BindPath, h Handle, offset uint64) {
	if e.err != nil {
		return
	}
	if h.Kind() != KindBuffer {
		e.fail(fmt.Errorf("%w: SetBuffer with %v", ErrInvalidHandle, h))
		return
	}
	if prev, ok := e.bindings[path]; ok && prev.resource == h && prev.offset == offset {
		if i, ok := e.usageIndex[h]; ok {
			e.pass.usages[i].LastCommand = e.nextIndex()
		}
		return
	}
	e.bindings[path] = binding{resource: h, offset: offset}
	idx := e.append(Command{Op: OpSetBuffer, Path: path, Resource: h, Offset: offset})
	e.touch(h, SubresourceAll, AccessRead, path.Stages, idx, useOptions{allowReordering: true})
}

// SetTexture binds a texture to a binding path.
func (e *PassEncoder) SetTexture(path BindPath, h Handle) {
	if e.err != nil {
		return
	}
	if h.Kind() != KindTexture {
		e.fail(fmt.Errorf("%w: SetTexture with %v", ErrInvalidHandle, h))
		return
	}
	if prev, ok := e.bindings[path]; ok && prev.resource == h && prev.offset == 0 {
		if i, ok := e.usageIndex[h]; ok {
			e.pass.usages[i].LastCommand = e.nextIndex()
		}
		return
	}
	e.bindings[path] = binding{resource: h}
	idx := e.append(Command{Op: OpSetTexture, Path: path, Resource: h})
	e.touch(h, SubresourceAll, AccessRead, path.Stages, idx, useOptions{allowReordering: true})
}

// SetSampler binds a sampler to a binding path. Samplers carry no
// hazard; no usage is recorded.
func (e *PassEncoder) SetSampler(path BindPath, h Handle) {
	if e.err != nil {
		return
	}
	if h.Kind() != KindSampler {
		e.fail(fmt.Errorf("%w: SetSampler with %v", ErrInvalidHandle, h))
		return
	}
	if prev, ok := e.bindings[path]; ok && prev.resource == h {
		return
	}
	e.bindings[path] = binding{resource: h}
	e.append(Command{Op: OpSetSampler, Path: path, Resource: h})
}

// SetArgumentBuffer binds an argument buffer. Resources referenced
// through the argument buffer must still be declared with UseResource.
func (e *PassEncoder) SetArgumentBuffer(path BindPath, h Handle, offset uint64) {
	if e.err != nil {
		return
	}
	if h.Kind() != KindBuffer && h.Kind() != KindArgumentBuffer {
		e.fail(fmt.Errorf("%w: SetArgumentBuffer with %v", ErrInvalidHandle, h))
		return
	}
	if prev, ok := e.bindings[path]; ok && prev.resource == h && prev.offset == offset {
		if i, ok := e.usageIndex[h]; ok {
			e.pass.usages[i].LastCommand = e.nextIndex()
		}
		return
	}
	e.bindings[path] = binding{resource: h, offset: offset}
	idx := e.append(Command{Op: OpSetArgumentBuffer, Path: path, Resource: h, Offset: offset})
	e.touch(h, SubresourceAll, AccessRead, path.Stages, idx, useOptions{allowReordering: true})
}

// SetBytes binds inline constant data. The data is copied.
func (e *PassEncoder) SetBytes(path BindPath, data []byte) {
	if e.err != nil {
		return
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	e.append(Command{Op: OpSetBytes, Path: path, Bytes: buf})
}

// UseResource declares an access to a resource that is not visible
// through a binding call, such as indirect argument buffers or resources
// referenced through argument buffers.
func (e *PassEncoder) UseResource(h Handle, access AccessFlags, stages StageFlags, opts ...UseOption) {
	if e.err != nil {
		return
	}
	if h.IsNil() {
		e.fail(fmt.Errorf("%w: UseResource with nil handle", ErrInvalidHandle))
		return
	}
	o := useOptions{subresource: SubresourceAll, allowReordering: true}
	for _, opt := range opts {
		opt(&o)
	}
	idx := e.append(Command{Op: OpUseResources, Resource: h})
	e.touch(h, o.subresource, access, stages, idx, o)
}

// UseHeap declares that every resource placed on the heap may be
// accessed by the given stages. The heap itself joins the residency set;
// individual hazards still require per-resource declarations.
func (e *PassEncoder) UseHeap(h Handle, stages StageFlags) {
	if e.err != nil {
		return
	}
	if h.Kind() != KindHeap {
		e.fail(fmt.Errorf("%w: UseHeap with %v", ErrInvalidHandle, h))
		return
	}
	idx := e.append(Command{Op: OpUseResources, Resource: h})
	e.touch(h, SubresourceAll, AccessRead, stages, idx, useOptions{allowReordering: true})
}

// MemoryBarrier records an explicit intra-pass barrier over the given
// resources between the after and before stage sets. An empty resource
// list produces a scoped barrier covering buffers and textures.
func (e *PassEncoder) MemoryBarrier(resources []Handle, after, before StageFlags) {
	if e.err != nil {
		return
	}
	if len(resources) == 0 {
		e.append(Command{
			Op:   OpScopedBarrier,
			Args: [4]uint32{uint32(after), uint32(before), uint32(ScopeBuffers | ScopeTextures), 0},
		})
		return
	}
	for _, h := range resources {
		e.append(Command{
			Op:       OpMemoryBarrier,
			Resource: h,
			Args:     [4]uint32{uint32(after), uint32(before), 0, 0},
		})
	}
}

// Draw records a non-indexed draw.
func (e *PassEncoder) Draw(vertexCount, instanceCount, firstVertex, firstInstance uint32) {
	if e.err != nil {
		return
	}
	if e.pass.kind != PassDraw {
		e.fail(fmt.Errorf("%w: Draw in %v pass", ErrValidation, e.pass.kind))
		return
	}
	e.append(Command{Op: OpDraw, Args: [4]uint32{vertexCount, instanceCount, firstVertex, firstInstance}})
}

// DrawIndexed records an indexed draw reading the bound index buffer.
func (e *PassEncoder) DrawIndexed(indexCount, instanceCount, firstIndex, firstInstance uint32) {
	if e.err != nil {
		return
	}
	if e.pass.kind != PassDraw {
		e.fail(fmt.Errorf("%w: DrawIndexed in %v pass", ErrValidation, e.pass.kind))
		return
	}
	e.append(Command{Op: OpDrawIndexed, Args: [4]uint32{indexCount, instanceCount, firstIndex, firstInstance}})
}

// Dispatch records a compute dispatch.
func (e *PassEncoder) Dispatch(groupsX, groupsY, groupsZ uint32) {
	if e.err != nil {
		return
	}
	if e.pass.kind != PassCompute {
		e.fail(fmt.Errorf("%w: Dispatch in %v pass", ErrValidation, e.pass.kind))
		return
	}
	e.append(Command{Op: OpDispatch, Args: [4]uint32{groupsX, groupsY, groupsZ, 0}})
}

// CopyBuffer records a buffer-to-buffer copy and the implied blit
// usages.
func (e *PassEncoder) CopyBuffer(src Handle, srcOffset uint64, dst Handle, dstOffset uint64, size uint64) {
	if e.err != nil {
		return
	}
	if src.Kind() != KindBuffer || dst.Kind() != KindBuffer {
		e.fail(fmt.Errorf("%w: CopyBuffer %v -> %v", ErrInvalidHandle, src, dst))
		return
	}
	idx := e.append(Command{
		Op: OpCopyBuffer, Resource: src, Aux: dst,
		Offset: srcOffset, AuxOffset: dstOffset,
		Args: [4]uint32{uint32(size), uint32(size >> 32), 0, 0},
	})
	e.touch(src, SubresourceAll, AccessBlitSrc, StageBlit, idx, useOptions{allowReordering: true})
	e.touch(dst, SubresourceAll, AccessBlitDst, StageBlit, idx, useOptions{allowReordering: true})
}

// CopyTexture records a whole-subresource texture copy.
func (e *PassEncoder) CopyTexture(src Handle, srcMask SubresourceMask, dst Handle, dstMask SubresourceMask) {
	if e.err != nil {
		return
	}
	if src.Kind() != KindTexture || dst.Kind() != KindTexture {
		e.fail(fmt.Errorf("%w: CopyTexture %v -> %v", ErrInvalidHandle, src, dst))
		return
	}
	idx := e.append(Command{Op: OpCopyTexture, Resource: src, Aux: dst})
	e.touch(src, srcMask, AccessBlitSrc, StageBlit, idx, useOptions{allowReordering: true})
	e.touch(dst, dstMask, AccessBlitDst, StageBlit, idx, useOptions{allowReordering: true})
}

// BuildAccelerationStructure records an acceleration-structure build
// reading the geometry buffer and writing the destination structure.
func (e *PassEncoder) BuildAccelerationStructure(dst Handle, geometry Handle) {
	if e.err != nil {
		return
	}
	if e.pass.kind != PassAccelerationStructure {
		e.fail(fmt.Errorf("%w: BuildAccelerationStructure in %v pass", ErrValidation, e.pass.kind))
		return
	}
	idx := e.append(Command{Op: OpBuildAccelerationStructure, Resource: dst, Aux: geometry})
	e.touch(geometry, SubresourceAll, AccessRead, StageCompute, idx, useOptions{allowReordering: true})
	e.touch(dst, SubresourceAll, AccessWrite, StageCompute, idx, useOptions{allowReordering: true})
}

// finalize closes recording: render-target attachments become usages
// spanning the whole pass, and the executor's error is attached to the
// pass record.
func (e *PassEncoder) finalize() {
	last := uint32(0)
	if n := len(e.pass.commands); n > 0 {
		last = uint32(n - 1)
	}
	if t := e.pass.targets; t != nil {
		for _, rt := range t.Colors {
			e.touchTarget(rt, StageFragment, last)
		}
		if t.DepthStencil != nil {
			e.touchTarget(*t.DepthStencil, StageEarlyFragmentTests|StageLateFragmentTests, last)
		}
	}
	e.pass.execErr = e.err
}

// touchTarget records an attachment usage over the full pass range. The
// subresource mask selects the single attached (mip, slice) pair.
func (e *PassEncoder) touchTarget(rt RenderTarget, stages StageFlags, last uint32) {
	if rt.Texture.IsNil() {
		return
	}
	mask := SubresourceAll
	if desc, err := e.graph.textureDescriptor(rt.Texture); err == nil {
		bit := rt.Level*desc.ArrayLength + rt.Slice
		if bit < 64 {
			mask = SubresourceMask(1) << bit
		}
	}
	access := AccessRenderTarget
	e.touch(rt.Texture, mask, access, stages, 0, useOptions{allowReordering: true, consistent: true})
	if i, ok := e.usageIndex[rt.Texture]; ok {
		u := &e.pass.usages[i]
		u.FirstCommand = 0
		if last > u.LastCommand {
			u.LastCommand = last
		}
	}
}
