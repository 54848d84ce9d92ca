package framegraph

import (
	"errors"
	"sort"
	"sync"

	"github.com/gogpu/gputypes"
)

// Backend errors.
var (
	// ErrBackendNotAvailable is returned when no registered backend
	// matches the requested name.
	ErrBackendNotAvailable = errors.New("framegraph: backend not available")

	// ErrNotInitialized is returned when operations are called before
	// the backend's Init.
	ErrNotInitialized = errors.New("framegraph: backend not initialized")
)

// BackingID identifies a backend-owned memory object (buffer, texture or
// heap backing). Zero is never a valid backing.
type BackingID uint64

// QueueID identifies a backend hardware queue.
type QueueID uint32

// FenceID identifies a backend synchronization object. Intra-queue edges
// compile to barriers and never allocate one; cross-queue edges do.
type FenceID uint32

// CommandBufferID identifies an encoded backend command buffer.
type CommandBufferID uint32

// SubmissionID identifies one Submit call, used to attach completion
// callbacks.
type SubmissionID uint64

// PurgeableState is the residency priority of a backing allocation.
type PurgeableState uint8

// Purgeability states.
const (
	// PurgeableKeepCurrent queries the state without changing it.
	PurgeableKeepCurrent PurgeableState = iota

	// PurgeableNonVolatile pins the contents.
	PurgeableNonVolatile

	// PurgeableVolatile lets the OS discard the contents under pressure.
	PurgeableVolatile

	// PurgeableEmpty discards the contents immediately.
	PurgeableEmpty
)

// QueueSpec describes a logical queue the core asks the backend to map.
type QueueSpec struct {
	// Queue is the logical queue index.
	Queue Queue

	// Kind hints the dominant pass kind submitted to the queue.
	Kind PassKind

	// Label is an optional debug name.
	Label string
}

// Capabilities describes backend properties the core branches on.
type Capabilities struct {
	// UnifiedMemory reports a single CPU/GPU memory pool.
	UnifiedMemory bool

	// MemorylessAttachments reports support for tile-only textures.
	MemorylessAttachments bool

	// TileBased reports a tile-based GPU. On tile-based hardware the
	// render-target barrier scope does not exist as a distinct scope.
	TileBased bool

	// SoftCommandCap is the command count at which the scheduler splits
	// encoders. A positive value replaces Config.SoftCommandCap; zero
	// leaves the configured value in effect.
	SoftCommandCap int
}

// Backend is the graphics-API layer the core drives. Implementations
// live in backend/ subpackages and self-register via [RegisterBackend]
// from an init function, enabled by blank import:
//
//	import _ "github.com/gogpu/framegraph/backend/wgpu"
//
// All methods are called from the thread that commits the frame, except
// the size/alignment and format queries, which may be called from pass
// executors on the worker pool.
type Backend interface {
	// Name returns the backend identifier (e.g. "wgpu", "native").
	Name() string

	// Init initializes the backend. Called once before first use.
	Init() error

	// Close releases all backend resources.
	Close()

	// Capabilities returns static backend properties.
	Capabilities() Capabilities

	// SupportsPixelFormat reports whether the format is usable with the
	// given usage set.
	SupportsPixelFormat(format gputypes.TextureFormat, usage UsageHint) bool

	// MaterializeBuffer allocates backing memory for a buffer.
	// Returns ErrOutOfMemory when the allocation cannot be satisfied.
	MaterializeBuffer(desc BufferDescriptor) (BackingID, error)

	// MaterializeTexture allocates backing memory for a texture.
	MaterializeTexture(desc TextureDescriptor) (BackingID, error)

	// MaterializeHeap allocates one contiguous heap.
	MaterializeHeap(desc HeapDescriptor) (BackingID, error)

	// MaterializeSampler creates a sampler object.
	MaterializeSampler(desc SamplerDescriptor) (BackingID, error)

	// PlaceBuffer sub-allocates a buffer inside a heap backing at the
	// given offset.
	PlaceBuffer(heap BackingID, offset uint64, desc BufferDescriptor) (BackingID, error)

	// PlaceTexture sub-allocates a texture inside a heap backing.
	PlaceTexture(heap BackingID, offset uint64, desc TextureDescriptor) (BackingID, error)

	// ReleaseBacking frees a backing allocation.
	ReleaseBacking(id BackingID)

	// BufferSizeAndAlignment returns the footprint a buffer descriptor
	// occupies inside a heap.
	BufferSizeAndAlignment(desc BufferDescriptor) (size, alignment uint64)

	// TextureSizeAndAlignment returns the footprint a texture descriptor
	// occupies inside a heap.
	TextureSizeAndAlignment(desc TextureDescriptor) (size, alignment uint64)

	// SetPurgeable transitions a backing's purgeability and returns the
	// prior state. wasEmptied reports that an Empty backing was asked to
	// become NonVolatile and its contents are gone.
	SetPurgeable(id BackingID, state PurgeableState) (prior PurgeableState, wasEmptied bool)

	// MakeQueue maps a logical queue onto a hardware queue.
	MakeQueue(spec QueueSpec) (QueueID, error)

	// MakeFence creates a synchronization object on the queue.
	MakeFence(queue QueueID) (FenceID, error)

	// EncodePass encodes one command encoder's passes, interleaved with
	// the compacted residency/barrier/fence commands, into a backend
	// command buffer. resolve maps handles to the backings the registry
	// materialized for the frame.
	EncodePass(enc EncoderInfo, passes []*Pass, commands []CompactedCommand, resolve BackingResolver) (CommandBufferID, error)

	// Submit hands an encoded command buffer to its queue.
	Submit(cb CommandBufferID, waits, signals []FenceID) (SubmissionID, error)

	// OnComplete invokes fn after the submission's GPU work finishes.
	// fn may be invoked from an arbitrary goroutine.
	OnComplete(sub SubmissionID, fn func())
}

// BackingResolver resolves a handle to its materialized backing.
// Returns ErrInvalidHandle for stale or disposed handles.
type BackingResolver func(Handle) (BackingID, error)

// backendFactory creates a backend instance.
type backendFactory func() Backend

var (
	backendsMu sync.RWMutex
	backends   = make(map[string]backendFactory)

	// backendPriority orders automatic selection; first available wins.
	backendPriority = []string{"wgpu", "native"}
)

// RegisterBackend registers a backend factory under a name. Typically
// called from init functions in backend packages. Registering a name
// twice replaces the earlier factory.
func RegisterBackend(name string, factory func() Backend) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	backends[name] = factory
}

// AvailableBackends returns the registered backend names, sorted.
func AvailableBackends() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()

	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// newBackend resolves a backend by name, or by priority when name is
// empty.
func newBackend(name string) (Backend, error) {
	backendsMu.RLock()
	defer backendsMu.RUnlock()

	if name != "" {
		factory, ok := backends[name]
		if !ok {
			return nil, ErrBackendNotAvailable
		}
		return factory(), nil
	}
	for _, candidate := range backendPriority {
		if factory, ok := backends[candidate]; ok {
			return factory(), nil
		}
	}
	return nil, ErrBackendNotAvailable
}
