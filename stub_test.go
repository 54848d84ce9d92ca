package framegraph

import (
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"
)

// stubBackend is a minimal in-memory Backend for unit tests. It hands
// out sequential IDs, tracks live backings, and completes submissions
// immediately.
type stubBackend struct {
	mu sync.Mutex

	nextBacking BackingID
	live        map[BackingID]bool
	released    []BackingID
	placements  map[BackingID]uint64

	queues     int
	nextFence  FenceID
	fences     map[FenceID]QueueID
	nextCB     CommandBufferID
	nextSub    SubmissionID
	purgeCalls []PurgeableState

	// failMaterialize injects ErrOutOfMemory into the next n
	// materializations.
	failMaterialize int

	bufferAlign  uint64
	textureAlign uint64
}

func newStubBackend() *stubBackend {
	return &stubBackend{
		live:         make(map[BackingID]bool),
		placements:   make(map[BackingID]uint64),
		fences:       make(map[FenceID]QueueID),
		bufferAlign:  16,
		textureAlign: 64,
	}
}

func (s *stubBackend) Name() string  { return "stub" }
func (s *stubBackend) Init() error   { return nil }
func (s *stubBackend) Close()        {}
func (s *stubBackend) Capabilities() Capabilities {
	return Capabilities{}
}

func (s *stubBackend) SupportsPixelFormat(format gputypes.TextureFormat, usage UsageHint) bool {
	return format != gputypes.TextureFormatUndefined
}

func (s *stubBackend) materialize() (BackingID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failMaterialize > 0 {
		s.failMaterialize--
		return 0, fmt.Errorf("%w: stub budget", ErrOutOfMemory)
	}
	s.nextBacking++
	s.live[s.nextBacking] = true
	return s.nextBacking, nil
}

func (s *stubBackend) MaterializeBuffer(desc BufferDescriptor) (BackingID, error) {
	return s.materialize()
}

func (s *stubBackend) MaterializeTexture(desc TextureDescriptor) (BackingID, error) {
	return s.materialize()
}

func (s *stubBackend) MaterializeHeap(desc HeapDescriptor) (BackingID, error) {
	return s.materialize()
}

func (s *stubBackend) MaterializeSampler(desc SamplerDescriptor) (BackingID, error) {
	return s.materialize()
}

func (s *stubBackend) PlaceBuffer(heap BackingID, offset uint64, desc BufferDescriptor) (BackingID, error) {
	id, err := s.materialize()
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.placements[id] = offset
	s.mu.Unlock()
	return id, nil
}

func (s *stubBackend) PlaceTexture(heap BackingID, offset uint64, desc TextureDescriptor) (BackingID, error) {
	id, err := s.materialize()
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.placements[id] = offset
	s.mu.Unlock()
	return id, nil
}

func (s *stubBackend) ReleaseBacking(id BackingID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.live, id)
	s.released = append(s.released, id)
}

func (s *stubBackend) BufferSizeAndAlignment(desc BufferDescriptor) (uint64, uint64) {
	return desc.Length, s.bufferAlign
}

func (s *stubBackend) TextureSizeAndAlignment(desc TextureDescriptor) (uint64, uint64) {
	return uint64(desc.Width) * uint64(desc.Height) * 4, s.textureAlign
}

func (s *stubBackend) SetPurgeable(id BackingID, state PurgeableState) (PurgeableState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeCalls = append(s.purgeCalls, state)
	return PurgeableNonVolatile, false
}

func (s *stubBackend) MakeQueue(spec QueueSpec) (QueueID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues++
	return QueueID(s.queues - 1), nil
}

func (s *stubBackend) MakeFence(queue QueueID) (FenceID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextFence++
	s.fences[s.nextFence] = queue
	return s.nextFence, nil
}

func (s *stubBackend) EncodePass(enc EncoderInfo, passes []*Pass, commands []CompactedCommand, resolve BackingResolver) (CommandBufferID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextCB++
	return s.nextCB, nil
}

func (s *stubBackend) Submit(cb CommandBufferID, waits, signals []FenceID) (SubmissionID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSub++
	return s.nextSub, nil
}

func (s *stubBackend) OnComplete(sub SubmissionID, fn func()) { fn() }

func (s *stubBackend) liveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

func (s *stubBackend) fenceCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fences)
}
