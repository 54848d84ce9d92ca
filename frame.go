package framegraph

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/framegraph/internal/arena"
	"github.com/gogpu/framegraph/internal/parallel"
)

// PassDesc declares a pass to AddPass.
type PassDesc struct {
	// Kind selects the encoder family.
	Kind PassKind

	// Name is a debug label.
	Name string

	// Queue is the logical queue the pass submits on. Queue 0 always
	// exists; other queues must be declared with EnsureQueue first.
	Queue Queue

	// Targets is the attachment set for draw passes.
	Targets *RenderTargetDescriptor
}

// FrameStats summarizes one committed frame.
type FrameStats struct {
	// Frame is the frame's index, starting at 1.
	Frame uint64

	// Passes and Culled count registered and removed passes.
	Passes int
	Culled int

	// Encoders is the number of command encoders assembled.
	Encoders int

	// Fences is the number of cross-queue fences allocated.
	Fences int

	// Barriers counts emitted barrier commands.
	Barriers int

	// Submissions counts backend Submit calls.
	Submissions int

	// Transient is the frame slot's arena occupancy.
	Transient arena.Stats
}

// String returns a human-readable form of the frame stats.
func (s FrameStats) String() string {
	return fmt.Sprintf("Frame[%d: %d passes (%d culled), %d encoders, %d fences, %d barriers, %d submissions]",
		s.Frame, s.Passes, s.Culled, s.Encoders, s.Fences, s.Barriers, s.Submissions)
}

// Graph is a render graph runtime. Passes registered between commits
// form one frame; CommitFrame analyzes, synchronizes and submits them.
//
// Pass registration order is the only user-visible order: observed GPU
// effects respect declared usages as if passes executed in that order.
// Between passes on different queues, ordering is enforced only via
// declared usages; an undeclared dependency is a caller bug.
//
// Registration and commit must happen on one goroutine. Pass executors
// run concurrently on the worker pool; registry access from executors
// is safe.
type Graph struct {
	cfg     Config
	backend Backend
	caps    Capabilities

	registry   *Registry
	transients []*transientRegistry
	fences     *fencePool
	workers    *parallel.Pool
	pipelines  *PipelineCache

	queues map[Queue]QueueID

	// inFlight gates commits at cfg.MaxFramesInFlight. A token is held
	// from frame begin until the frame's last submission completes.
	inFlight chan struct{}

	// completions reports frame completion from backend callbacks to
	// the committing thread.
	completionMu sync.Mutex
	completed    uint64

	// frame is the index of the frame currently being recorded.
	frame uint64

	// slot is the transient registry slot of the current frame.
	slot int

	// begun marks that the current frame acquired its in-flight token
	// and cycled its transient slot.
	begun bool

	passes []*Pass
	closed bool

	// now is stubbed in tests exercising the purge delay.
	now func() time.Time
}

// New creates a graph on the configured backend. An empty Backend name
// selects the first available backend in priority order.
func New(cfg Config) (*Graph, error) {
	cfg = cfg.withDefaults()

	backend, err := newBackend(cfg.Backend)
	if err != nil {
		return nil, err
	}
	if err := backend.Init(); err != nil {
		return nil, fmt.Errorf("init backend %q: %w", backend.Name(), err)
	}

	caps := backend.Capabilities()
	if caps.SoftCommandCap > 0 {
		cfg.SoftCommandCap = caps.SoftCommandCap
	}

	g := &Graph{
		cfg:        cfg,
		backend:    backend,
		caps:       caps,
		registry:   newRegistry(backend),
		fences:     newFencePool(backend),
		workers:    parallel.NewPool(cfg.Workers),
		pipelines:  newPipelineCache(),
		queues:     make(map[Queue]QueueID),
		inFlight:   make(chan struct{}, cfg.MaxFramesInFlight),
		now:        time.Now,
	}
	for slot := 0; slot < cfg.MaxFramesInFlight; slot++ {
		g.transients = append(g.transients, newTransientRegistry(slot, backend, true))
	}

	if err := g.EnsureQueue(0, PassDraw, "primary"); err != nil {
		backend.Close()
		return nil, err
	}

	logger().Info("graph created",
		"backend", backend.Name(),
		"framesInFlight", cfg.MaxFramesInFlight,
		"workers", g.workers.Workers())
	return g, nil
}

// Close drains in-flight frames and releases every graph resource.
func (g *Graph) Close() {
	if g.closed {
		return
	}
	g.closed = true

	deadline := time.After(g.cfg.FenceWaitTimeout)
	for i := 0; i < cap(g.inFlight); i++ {
		select {
		case g.inFlight <- struct{}{}:
		case <-deadline:
			logger().Warn("close timed out waiting for in-flight frames")
			i = cap(g.inFlight)
		}
	}

	g.workers.Close()
	now := g.now()
	for _, t := range g.transients {
		t.cycle(now)
		t.maybePurge(now, 0)
	}
	g.backend.Close()
}

// Resources returns the persistent resource registry.
func (g *Graph) Resources() *Registry { return g.registry }

// Backend returns the active backend's name.
func (g *Graph) Backend() string { return g.backend.Name() }

// PipelineReflection resolves reflection metadata for a shader source,
// compiling it on first request.
func (g *Graph) PipelineReflection(source string) (*PipelineReflection, error) {
	return g.pipelines.Reflect(source)
}

// EnsureQueue maps a logical queue onto a backend hardware queue. Safe
// to call repeatedly; later calls with the same queue are no-ops.
func (g *Graph) EnsureQueue(q Queue, kind PassKind, label string) error {
	if _, ok := g.queues[q]; ok {
		return nil
	}
	id, err := g.backend.MakeQueue(QueueSpec{Queue: q, Kind: kind, Label: label})
	if err != nil {
		return fmt.Errorf("make queue %d: %w", q, err)
	}
	g.queues[q] = id
	g.fences.registerQueue(id)
	return nil
}

// beginFrame lazily opens the current frame: it blocks until an
// in-flight slot frees up, then recycles the slot's transient state.
// Backend completion is in-order, so once the gate admits frame F the
// frame that last used slot F mod K has retired.
func (g *Graph) beginFrame() error {
	if g.begun {
		return nil
	}
	if g.closed {
		return ErrClosed
	}

	select {
	case g.inFlight <- struct{}{}:
	case <-time.After(g.cfg.FenceWaitTimeout):
		return g.deviceLost()
	}

	g.frame++
	g.slot = int(g.frame) % len(g.transients)
	g.begun = true

	now := g.now()
	t := g.transients[g.slot]
	t.cycle(now)
	t.maybePurge(now, g.cfg.ArenaPurgeDelay)
	return nil
}

// deviceLost escalates a fence-wait timeout: all state is flushed and
// every owned persistent backing is re-materialized so the next frame
// starts from scratch.
func (g *Graph) deviceLost() error {
	logger().Error("fence wait timed out, device lost")

	// Drain whatever tokens remain so the gate resets.
	for {
		select {
		case <-g.inFlight:
			continue
		default:
		}
		break
	}
	if err := g.registry.rematerialize(); err != nil {
		return errors.Join(ErrDeviceLost, err)
	}
	return ErrDeviceLost
}

// TransientBuffer declares a buffer whose lifetime is bounded by the
// current frame. Memory is bound lazily once the frame's dependency
// analysis has established the buffer's live range, and may alias other
// transients with disjoint ranges.
func (g *Graph) TransientBuffer(desc BufferDescriptor) (Handle, error) {
	if err := g.beginFrame(); err != nil {
		return NilHandle, err
	}
	return g.transients[g.slot].NewBuffer(desc), nil
}

// TransientTexture declares a texture bounded by the current frame.
func (g *Graph) TransientTexture(desc TextureDescriptor) (Handle, error) {
	if err := g.beginFrame(); err != nil {
		return NilHandle, err
	}
	return g.transients[g.slot].NewTexture(desc), nil
}

// AddPass registers a pass for the current frame. The executor runs on
// the worker pool during CommitFrame; independent passes record in
// parallel.
func (g *Graph) AddPass(desc PassDesc, executor func(*PassEncoder)) error {
	if err := g.beginFrame(); err != nil {
		return err
	}
	if _, ok := g.queues[desc.Queue]; !ok {
		return fmt.Errorf("%w: queue %d not declared", ErrValidation, desc.Queue)
	}
	if desc.Kind == PassDraw && desc.Targets == nil {
		return fmt.Errorf("%w: draw pass %q has no render targets", ErrValidation, desc.Name)
	}
	g.passes = append(g.passes, &Pass{
		id:       len(g.passes),
		kind:     desc.Kind,
		queue:    desc.Queue,
		name:     desc.Name,
		executor: executor,
		targets:  desc.Targets,
	})
	return nil
}

// textureDescriptor resolves a texture descriptor from either registry.
func (g *Graph) textureDescriptor(h Handle) (TextureDescriptor, error) {
	if h.Transient() {
		slot := h.FrameSlot()
		if slot < 0 || slot >= len(g.transients) {
			return TextureDescriptor{}, fmt.Errorf("%w: %v", ErrInvalidHandle, h)
		}
		return g.transients[slot].textureDescriptorOf(h)
	}
	return g.registry.TextureDescriptorOf(h)
}

// backingOf resolves a handle's backing from either registry.
func (g *Graph) backingOf(h Handle) (BackingID, error) {
	if h.Transient() {
		slot := h.FrameSlot()
		if slot < 0 || slot >= len(g.transients) {
			return 0, fmt.Errorf("%w: %v", ErrInvalidHandle, h)
		}
		return g.transients[slot].backingOf(h)
	}
	return g.registry.backingOf(h)
}

// CommitFrame runs the frame pipeline: record, cull, assign encoders,
// build and reduce dependencies, plan fences, compact resource
// commands, and submit. A failure before submission abandons the whole
// frame. A failure while encoding or submitting an encoder aborts the
// frame, but encoders submitted before it stay submitted.
//
// A frame with zero surviving passes produces zero submissions and
// zero fence allocations.
func (g *Graph) CommitFrame() (FrameStats, error) {
	if !g.begun {
		// Nothing recorded since the last commit.
		return FrameStats{Frame: g.frame}, nil
	}

	passes := g.passes
	g.passes = nil
	g.begun = false
	frame := g.frame
	slot := g.slot
	stats := FrameStats{Frame: frame, Passes: len(passes)}

	abort := func(err error) (FrameStats, error) {
		<-g.inFlight
		return stats, errors.Join(ErrFrameAborted, err)
	}

	// Record all executors in parallel; each pass owns its encoder.
	work := make([]func(), len(passes))
	for i, p := range passes {
		p := p
		work[i] = func() {
			enc := newPassEncoder(p, g)
			p.executor(enc)
			enc.finalize()
		}
	}
	g.workers.ExecuteAll(work)

	// A failed executor culls its pass and, transitively, every later
	// pass reading a resource it would have written. A surviving write
	// re-produces the resource and stops the spread.
	var execErrs []error
	missing := make(map[Handle]bool)
	recordable := make([]*Pass, 0, len(passes))
	for _, p := range passes {
		lost := p.execErr != nil
		if !lost {
			for _, u := range p.usages {
				if u.Access.Reads() && missing[u.Resource] {
					lost = true
					break
				}
			}
		}
		if lost {
			if p.execErr != nil {
				execErrs = append(execErrs, fmt.Errorf("pass %q: %w", p.name, p.execErr))
			} else {
				logger().Warn("pass culled, producer failed", "pass", p.name)
			}
			p.culled = true
			for _, u := range p.usages {
				if u.Access.Writes() {
					missing[u.Resource] = true
				}
			}
			continue
		}
		for _, u := range p.usages {
			if u.Access.Writes() {
				delete(missing, u.Resource)
			}
		}
		recordable = append(recordable, p)
	}

	survivors := cullPasses(recordable, g.registry.externalConsumerOf)
	stats.Culled = stats.Passes - len(survivors)

	if len(survivors) == 0 {
		<-g.inFlight
		g.transients[slot].cycle(g.now())
		return stats, errors.Join(execErrs...)
	}

	encoders := assignEncoders(survivors, g.cfg.SoftCommandCap)
	owner := encoderOfPass(encoders, len(survivors))
	stats.Encoders = len(encoders)

	deps := buildDependencies(survivors, encoders, owner)

	trans := g.transients[slot]
	for h, life := range deps.lifetimes {
		if err := trans.setLifetime(h, life[0], life[1]); err != nil {
			return abort(err)
		}
	}
	if err := trans.materialize(); err != nil {
		if !errors.Is(err, ErrOutOfMemory) {
			return abort(err)
		}
		// Retry once after flushing everything retirable.
		g.registry.releaseRetired(g.completedFrame())
		g.registry.flushPurgeBatch()
		if err := trans.materialize(); err != nil {
			return abort(err)
		}
	}
	stats.Transient = trans.stats()

	reduceMatrix(deps.matrix)

	plan, err := planFences(deps.matrix, encoders, g.queues, g.fences)
	if err != nil {
		return abort(err)
	}
	stats.Fences = len(plan.fences)

	compacted := compactCommands(encoders, survivors, deps, plan, g.caps)
	for _, list := range compacted {
		for _, cmd := range list {
			if cmd.Kind == CompactMemoryBarrier || cmd.Kind == CompactScopedBarrier {
				stats.Barriers++
			}
		}
	}

	submissions, err := g.submitFrame(frame, slot, survivors, encoders, compacted, plan)
	if err != nil {
		return abort(err)
	}
	stats.Submissions = submissions

	logger().Debug("frame committed", "stats", stats.String())
	return stats, errors.Join(execErrs...)
}

// completedFrame returns the newest retired frame index.
func (g *Graph) completedFrame() uint64 {
	g.completionMu.Lock()
	defer g.completionMu.Unlock()
	return g.completed
}

// noteCompleted records a frame retirement from a completion callback.
func (g *Graph) noteCompleted(frame uint64) {
	g.completionMu.Lock()
	if frame > g.completed {
		g.completed = frame
	}
	g.completionMu.Unlock()
}
