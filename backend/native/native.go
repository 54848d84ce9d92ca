// Package native provides an in-process backend that models GPU
// memory, queues and in-order submissions without a device. It backs
// the test suite and headless tools; completion normally fires
// synchronously at submission, or on demand when manual completion is
// enabled.
package native

import (
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/framegraph"
)

// Name is the backend identifier.
const Name = "native"

func init() {
	framegraph.RegisterBackend(Name, func() framegraph.Backend { return New() })
}

// Buffer footprints round to 256 bytes, texture footprints to 4 KiB.
const (
	bufferAlignment  = 256
	textureAlignment = 4096
)

type backingKind uint8

const (
	kindBuffer backingKind = iota
	kindTexture
	kindHeap
	kindSampler
	kindPlaced
)

type backing struct {
	kind      backingKind
	size      uint64
	heap      framegraph.BackingID
	offset    uint64
	label     string
	purgeable framegraph.PurgeableState
}

// EncodedBuffer is one command buffer the backend encoded, kept for
// inspection.
type EncodedBuffer struct {
	ID       framegraph.CommandBufferID
	Encoder  framegraph.EncoderInfo
	Passes   []string
	Commands []framegraph.CompactedCommand
}

// Submission is one Submit call, kept for inspection.
type Submission struct {
	ID      framegraph.SubmissionID
	Buffer  framegraph.CommandBufferID
	Waits   []framegraph.FenceID
	Signals []framegraph.FenceID
}

type pendingDone struct {
	sub framegraph.SubmissionID
	fns []func()
}

// Backend is the in-process backend. The zero value is not usable;
// call New.
type Backend struct {
	mu          sync.Mutex
	initialized bool

	// budget caps allocated bytes; zero means unlimited.
	budget uint64
	used   uint64

	// manual defers completion callbacks until CompleteNext.
	manual bool

	nextBacking framegraph.BackingID
	backings    map[framegraph.BackingID]*backing

	nextQueue framegraph.QueueID
	queues    map[framegraph.QueueID]framegraph.QueueSpec

	nextFence    framegraph.FenceID
	fenceCount   int
	fencesByQueue map[framegraph.QueueID]int

	nextBuffer framegraph.CommandBufferID
	encoded    []EncodedBuffer

	nextSub framegraph.SubmissionID
	subs    []Submission
	pending []pendingDone
}

// New creates an uninitialized backend.
func New() *Backend {
	return &Backend{
		backings:      make(map[framegraph.BackingID]*backing),
		queues:        make(map[framegraph.QueueID]framegraph.QueueSpec),
		fencesByQueue: make(map[framegraph.QueueID]int),
	}
}

// Name returns the backend identifier.
func (b *Backend) Name() string { return Name }

// Init marks the backend ready.
func (b *Backend) Init() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.initialized = true
	return nil
}

// Close drops every tracked object.
func (b *Backend) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.initialized = false
	b.backings = make(map[framegraph.BackingID]*backing)
	b.used = 0
	b.pending = nil
}

// Capabilities reports a unified-memory immediate-mode device.
func (b *Backend) Capabilities() framegraph.Capabilities {
	return framegraph.Capabilities{
		UnifiedMemory:         true,
		MemorylessAttachments: true,
		TileBased:             false,
	}
}

// SupportsPixelFormat accepts every defined format.
func (b *Backend) SupportsPixelFormat(format gputypes.TextureFormat, _ framegraph.UsageHint) bool {
	return format != gputypes.TextureFormatUndefined
}

// SetMemoryBudget caps allocation at the given byte count. Zero lifts
// the cap. Allocations beyond the cap fail with ErrOutOfMemory.
func (b *Backend) SetMemoryBudget(bytes uint64) {
	b.mu.Lock()
	b.budget = bytes
	b.mu.Unlock()
}

// SetManualCompletion defers completion callbacks until CompleteNext
// when enabled. Submissions still complete in order.
func (b *Backend) SetManualCompletion(manual bool) {
	b.mu.Lock()
	b.manual = manual
	b.mu.Unlock()
}

// CompleteNext retires the oldest pending submission, running its
// callbacks. Reports whether a submission was pending.
func (b *Backend) CompleteNext() bool {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return false
	}
	done := b.pending[0]
	b.pending = b.pending[1:]
	b.mu.Unlock()

	for _, fn := range done.fns {
		fn()
	}
	return true
}

// CompleteAll retires every pending submission in order.
func (b *Backend) CompleteAll() {
	for b.CompleteNext() {
	}
}

func (b *Backend) allocate(kind backingKind, size uint64, label string) (framegraph.BackingID, error) {
	if !b.initialized {
		return 0, framegraph.ErrNotInitialized
	}
	if b.budget > 0 && b.used+size > b.budget {
		return 0, fmt.Errorf("%w: %d bytes requested, %d of %d in use",
			framegraph.ErrOutOfMemory, size, b.used, b.budget)
	}
	b.used += size
	b.nextBacking++
	b.backings[b.nextBacking] = &backing{
		kind:      kind,
		size:      size,
		label:     label,
		purgeable: framegraph.PurgeableNonVolatile,
	}
	return b.nextBacking, nil
}

// MaterializeBuffer allocates a standalone buffer backing.
func (b *Backend) MaterializeBuffer(desc framegraph.BufferDescriptor) (framegraph.BackingID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	size, _ := bufferFootprint(desc)
	return b.allocate(kindBuffer, size, desc.Label)
}

// MaterializeTexture allocates a standalone texture backing.
func (b *Backend) MaterializeTexture(desc framegraph.TextureDescriptor) (framegraph.BackingID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	size, _ := textureFootprint(desc)
	return b.allocate(kindTexture, size, desc.Label)
}

// MaterializeHeap allocates one contiguous heap backing.
func (b *Backend) MaterializeHeap(desc framegraph.HeapDescriptor) (framegraph.BackingID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.allocate(kindHeap, desc.Size, desc.Label)
}

// MaterializeSampler creates a sampler object. Samplers occupy no
// budgeted memory.
func (b *Backend) MaterializeSampler(desc framegraph.SamplerDescriptor) (framegraph.BackingID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.allocate(kindSampler, 0, desc.Label)
}

func (b *Backend) place(heap framegraph.BackingID, offset, size uint64, label string) (framegraph.BackingID, error) {
	h, ok := b.backings[heap]
	if !ok || h.kind != kindHeap {
		return 0, fmt.Errorf("%w: backing %d is not a heap", framegraph.ErrValidation, heap)
	}
	if offset+size > h.size {
		return 0, fmt.Errorf("%w: placement [%d, %d) exceeds heap size %d",
			framegraph.ErrValidation, offset, offset+size, h.size)
	}
	b.nextBacking++
	b.backings[b.nextBacking] = &backing{
		kind:      kindPlaced,
		size:      size,
		heap:      heap,
		offset:    offset,
		label:     label,
		purgeable: framegraph.PurgeableNonVolatile,
	}
	return b.nextBacking, nil
}

// PlaceBuffer sub-allocates a buffer inside a heap backing.
func (b *Backend) PlaceBuffer(heap framegraph.BackingID, offset uint64, desc framegraph.BufferDescriptor) (framegraph.BackingID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	size, _ := bufferFootprint(desc)
	return b.place(heap, offset, size, desc.Label)
}

// PlaceTexture sub-allocates a texture inside a heap backing.
func (b *Backend) PlaceTexture(heap framegraph.BackingID, offset uint64, desc framegraph.TextureDescriptor) (framegraph.BackingID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	size, _ := textureFootprint(desc)
	return b.place(heap, offset, size, desc.Label)
}

// ReleaseBacking frees a backing. Placed backings return no budget;
// their heap does.
func (b *Backend) ReleaseBacking(id framegraph.BackingID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bk, ok := b.backings[id]
	if !ok {
		return
	}
	if bk.kind != kindPlaced {
		b.used -= bk.size
	}
	delete(b.backings, id)
}

// BufferSizeAndAlignment returns a buffer's heap footprint.
func (b *Backend) BufferSizeAndAlignment(desc framegraph.BufferDescriptor) (uint64, uint64) {
	return bufferFootprint(desc)
}

// TextureSizeAndAlignment returns a texture's heap footprint.
func (b *Backend) TextureSizeAndAlignment(desc framegraph.TextureDescriptor) (uint64, uint64) {
	return textureFootprint(desc)
}

// SetPurgeable transitions a backing's purgeability state.
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
	bk.purgeable = state
	wasEmptied := prior == framegraph.PurgeableEmpty && state == framegraph.PurgeableNonVolatile
	return prior, wasEmptied
}

// MakeQueue maps a logical queue onto a simulated hardware queue.
func (b *Backend) MakeQueue(spec framegraph.QueueSpec) (framegraph.QueueID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.initialized {
		return 0, framegraph.ErrNotInitialized
	}
	b.nextQueue++
	b.queues[b.nextQueue] = spec
	return b.nextQueue, nil
}

// MakeFence creates a fence on the queue.
func (b *Backend) MakeFence(queue framegraph.QueueID) (framegraph.FenceID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.queues[queue]; !ok {
		return 0, fmt.Errorf("%w: queue %d unknown", framegraph.ErrValidation, queue)
	}
	b.nextFence++
	b.fenceCount++
	b.fencesByQueue[queue]++
	return b.nextFence, nil
}

// EncodePass records the encoder's passes and compacted commands.
func (b *Backend) EncodePass(enc framegraph.EncoderInfo, passes []*framegraph.Pass, commands []framegraph.CompactedCommand, _ framegraph.BackingResolver) (framegraph.CommandBufferID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.initialized {
		return 0, framegraph.ErrNotInitialized
	}

	names := make([]string, len(passes))
	for i, p := range passes {
		names[i] = p.Name()
	}
	cmds := make([]framegraph.CompactedCommand, len(commands))
	copy(cmds, commands)

	b.nextBuffer++
	b.encoded = append(b.encoded, EncodedBuffer{
		ID:       b.nextBuffer,
		Encoder:  enc,
		Passes:   names,
		Commands: cmds,
	})
	return b.nextBuffer, nil
}

// Submit records the submission.
func (b *Backend) Submit(cb framegraph.CommandBufferID, waits, signals []framegraph.FenceID) (framegraph.SubmissionID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.initialized {
		return 0, framegraph.ErrNotInitialized
	}

	b.nextSub++
	b.subs = append(b.subs, Submission{
		ID:      b.nextSub,
		Buffer:  cb,
		Waits:   append([]framegraph.FenceID(nil), waits...),
		Signals: append([]framegraph.FenceID(nil), signals...),
	})
	return b.nextSub, nil
}

// OnComplete runs fn immediately, or queues it when manual completion
// is enabled.
func (b *Backend) OnComplete(sub framegraph.SubmissionID, fn func()) {
	b.mu.Lock()
	if b.manual {
		for i := range b.pending {
			if b.pending[i].sub == sub {
				b.pending[i].fns = append(b.pending[i].fns, fn)
				b.mu.Unlock()
				return
			}
		}
		b.pending = append(b.pending, pendingDone{sub: sub, fns: []func(){fn}})
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()
	fn()
}

// FencesCreated returns the number of fences ever created. The core's
// fence pool keeps this flat across steady-state frames.
func (b *Backend) FencesCreated() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fenceCount
}

// Encoded returns the command buffers encoded so far.
func (b *Backend) Encoded() []EncodedBuffer {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]EncodedBuffer(nil), b.encoded...)
}

// Submissions returns every Submit call so far.
func (b *Backend) Submissions() []Submission {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Submission(nil), b.subs...)
}

// AllocatedBytes returns the budgeted bytes currently in use.
func (b *Backend) AllocatedBytes() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}

// LiveBackings returns the number of live backing objects.
func (b *Backend) LiveBackings() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.backings)
}

// Reset clears the encoded and submitted history. Live backings and
// queues survive.
func (b *Backend) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.encoded = nil
	b.subs = nil
}

func alignUp(v, a uint64) uint64 {
	return (v + a - 1) &^ (a - 1)
}

func bufferFootprint(desc framegraph.BufferDescriptor) (uint64, uint64) {
	size := desc.Length
	if size == 0 {
		size = bufferAlignment
	}
	return alignUp(size, bufferAlignment), bufferAlignment
}

func textureFootprint(desc framegraph.TextureDescriptor) (uint64, uint64) {
	w, h, d := uint64(desc.Width), uint64(desc.Height), uint64(desc.Depth)
	if w == 0 {
		w = 1
	}
	if h == 0 {
		h = 1
	}
	if d == 0 {
		d = 1
	}
	layers := uint64(desc.ArrayLength)
	if layers == 0 {
		layers = 1
	}
	samples := uint64(desc.SampleCount)
	if samples == 0 {
		samples = 1
	}

	size := w * h * d * layers * samples * bytesPerPixel(desc.Format)
	// Tail mips add at most a third of the level-0 footprint.
	if desc.MipLevels > 1 {
		size += size / 3
	}
	return alignUp(size, textureAlignment), textureAlignment
}

func bytesPerPixel(format gputypes.TextureFormat) uint64 {
	switch format {
	case gputypes.TextureFormatR8Unorm:
		return 1
	case gputypes.TextureFormatRGBA8Unorm,
		gputypes.TextureFormatBGRA8Unorm,
		gputypes.TextureFormatDepth24PlusStencil8:
		return 4
	default:
		return 4
	}
}
