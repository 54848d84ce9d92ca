// Package wgpu executes frame graphs on a GPU through the gogpu/wgpu
// hardware abstraction layer. The Vulkan HAL backend registers itself
// through the blank import; enabling the package is likewise a blank
// import away:
//
//	import _ "github.com/gogpu/framegraph/backend/wgpu"
//
// The HAL exposes a single hardware queue and timeline fences but no
// semaphores, so logical queues all map onto the one hal.Queue,
// cross-queue waits resolve on the CPU before submission, and barriers
// compile to nothing because the queue already serializes command
// buffers.
package wgpu

import (
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	_ "github.com/gogpu/wgpu/hal/vulkan"

	"github.com/gogpu/framegraph"
)

// Name is the backend identifier.
const Name = "wgpu"

func init() {
	framegraph.RegisterBackend(Name, func() framegraph.Backend { return New() })
}

// waitTimeout bounds every fence wait. A device that cannot retire work
// in this window is treated as lost.
const waitTimeout = 5 * time.Second

// backing is one materialized resource.
type backing struct {
	buffer  hal.Buffer
	texture hal.Texture

	// heap and placed bookkeeping. The HAL has no placement API, so a
	// heap is a reservation and placed resources are dedicated
	// allocations validated against it.
	heapSize uint64
	heap     framegraph.BackingID
	offset   uint64
	size     uint64

	sampler   bool
	purgeable framegraph.PurgeableState
	label     string
}

// queueState is one logical queue mapped onto the HAL queue.
type queueState struct {
	spec framegraph.QueueSpec
}

// fenceState is one timeline fence together with its signal counter.
type fenceState struct {
	fence hal.Fence
	queue framegraph.QueueID

	// value is the last signaled timeline value. Waits target it.
	value uint64
}

// Backend drives a HAL device. Safe for the committing thread plus
// concurrent size and format queries from pass executors.
type Backend struct {
	mu          sync.Mutex
	initialized bool
	closing     bool

	instance hal.Instance
	device   hal.Device
	queue    hal.Queue
	adapter  string

	nextBacking framegraph.BackingID
	backings    map[framegraph.BackingID]*backing

	queues []queueState
	fences map[framegraph.FenceID]*fenceState

	nextCB  framegraph.CommandBufferID
	encoded map[framegraph.CommandBufferID]hal.CommandBuffer

	// subFence is the submission timeline: every Submit bumps it by
	// one, and the completion worker waits values in order.
	subFence hal.Fence
	nextSub  framegraph.SubmissionID
	lastDone framegraph.SubmissionID
	pending  map[framegraph.SubmissionID][]func()

	// retireQueue feeds the completion worker. Guarded by mu; cond is
	// signaled on push and on close.
	retireQueue []framegraph.SubmissionID
	cond        *sync.Cond
	workerWG    sync.WaitGroup
}

// New returns an uninitialized backend.
func New() *Backend {
	return &Backend{
		backings: make(map[framegraph.BackingID]*backing),
		fences:   make(map[framegraph.FenceID]*fenceState),
		encoded:  make(map[framegraph.CommandBufferID]hal.CommandBuffer),
		pending:  make(map[framegraph.SubmissionID][]func()),
	}
}

// Name returns the backend identifier.
func (b *Backend) Name() string { return Name }

// Init opens a Vulkan device. The first discrete or integrated adapter
// wins; anything else is a fallback.
func (b *Backend) Init() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.initialized {
		return nil
	}

	halBackend, ok := hal.GetBackend(gputypes.BackendVulkan)
	if !ok {
		return fmt.Errorf("%w: vulkan backend not registered", framegraph.ErrBackendNotAvailable)
	}
	instance, err := halBackend.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return fmt.Errorf("%w: create instance: %s", framegraph.ErrBackendFailure, err)
	}

	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return fmt.Errorf("%w: no adapters", framegraph.ErrBackendNotAvailable)
	}
	var selected *hal.ExposedAdapter
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU ||
			adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
			selected = &adapters[i]
			break
		}
	}
	if selected == nil {
		selected = &adapters[0]
	}

	openDev, err := selected.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return fmt.Errorf("%w: open device: %s", framegraph.ErrBackendFailure, err)
	}

	subFence, err := openDev.Device.CreateFence()
	if err != nil {
		openDev.Device.Destroy()
		instance.Destroy()
		return fmt.Errorf("%w: create submission fence: %s", framegraph.ErrBackendFailure, err)
	}

	b.instance = instance
	b.device = openDev.Device
	b.queue = openDev.Queue
	b.adapter = selected.Info.Name
	b.subFence = subFence
	b.cond = sync.NewCond(&b.mu)
	b.closing = false
	b.initialized = true

	b.workerWG.Add(1)
	go b.completionWorker()

	logger().Info("wgpu backend initialized", "adapter", b.adapter)
	return nil
}

// Close waits for outstanding submissions, then tears the device down.
func (b *Backend) Close() {
	b.mu.Lock()
	if !b.initialized {
		b.mu.Unlock()
		return
	}
	b.closing = true
	b.cond.Broadcast()
	b.mu.Unlock()

	b.workerWG.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.initialized = false
	for _, cb := range b.encoded {
		cb.Destroy()
	}
	b.encoded = map[framegraph.CommandBufferID]hal.CommandBuffer{}
	for _, f := range b.fences {
		b.device.DestroyFence(f.fence)
	}
	b.fences = map[framegraph.FenceID]*fenceState{}
	for id := range b.backings {
		b.destroyBacking(id)
	}
	b.device.DestroyFence(b.subFence)
	b.device.Destroy()
	b.instance.Destroy()
	b.device = nil
	b.queue = nil
	b.instance = nil
}

// Capabilities reports discrete-GPU semantics. The HAL does not expose
// unified memory or tile shading.
func (b *Backend) Capabilities() framegraph.Capabilities {
	return framegraph.Capabilities{
		UnifiedMemory:         false,
		MemorylessAttachments: false,
		TileBased:             false,
	}
}

// SupportsPixelFormat reports whether a format supports the usage set.
// Depth formats cannot be storage-written; undefined is never valid.
func (b *Backend) SupportsPixelFormat(format gputypes.TextureFormat, usage framegraph.UsageHint) bool {
	switch format {
	case gputypes.TextureFormatUndefined:
		return false
	case gputypes.TextureFormatDepth24PlusStencil8:
		return usage&framegraph.UsageShaderWrite == 0
	default:
		return true
	}
}
