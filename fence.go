package framegraph

import (
	"fmt"
	"sync/atomic"
)

// fenceNode is one entry of a lock-free fence freelist.
type fenceNode struct {
	id   FenceID
	next *fenceNode
}

// fenceFreelist is a Treiber stack of recyclable fences for one queue.
type fenceFreelist struct {
	head atomic.Pointer[fenceNode]
}

func (l *fenceFreelist) push(id FenceID) {
	node := &fenceNode{id: id}
	for {
		old := l.head.Load()
		node.next = old
		if l.head.CompareAndSwap(old, node) {
			return
		}
	}
}

func (l *fenceFreelist) pop() (FenceID, bool) {
	for {
		old := l.head.Load()
		if old == nil {
			return 0, false
		}
		if l.head.CompareAndSwap(old, old.next) {
			return old.id, true
		}
	}
}

// fencePool hands out backend fences, recycling them once the command
// buffer they retire with completes. Completion callbacks push from
// arbitrary goroutines; acquisition happens on the committing thread.
type fencePool struct {
	backend Backend
	lists   map[QueueID]*fenceFreelist
}

func newFencePool(backend Backend) *fencePool {
	return &fencePool{backend: backend, lists: make(map[QueueID]*fenceFreelist)}
}

// registerQueue prepares a freelist for a queue. Called during graph
// construction, before any acquire.
func (p *fencePool) registerQueue(q QueueID) {
	if _, ok := p.lists[q]; !ok {
		p.lists[q] = &fenceFreelist{}
	}
}

// acquire returns a recycled fence for the queue or makes a new one.
func (p *fencePool) acquire(q QueueID) (FenceID, error) {
	list, ok := p.lists[q]
	if !ok {
		return 0, fmt.Errorf("%w: queue %d not registered", ErrValidation, q)
	}
	if id, ok := list.pop(); ok {
		return id, nil
	}
	return p.backend.MakeFence(q)
}

// recycle returns a fence to its queue's freelist. Safe to call from
// completion callbacks.
func (p *fencePool) recycle(q QueueID, id FenceID) {
	if list, ok := p.lists[q]; ok {
		list.push(id)
	}
}

// fenceAlloc is one fence allocated for the current frame.
type fenceAlloc struct {
	id    FenceID
	queue QueueID

	// commandBuffer is the highest command buffer index among the
	// fence's source and destinations; the fence recycles no earlier
	// than that buffer's completion.
	commandBuffer int

	// updateEncoder and updateIndex place the signal after the last
	// hazard-producing command of the source encoder.
	updateEncoder int
	updateIndex   uint32
	afterStages   StageFlags
}

// fenceWait is one wait edge against an allocated fence.
type fenceWait struct {
	fence int // index into plan.fences

	waitEncoder  int
	waitIndex    uint32
	beforeStages StageFlags
}

// fencePlan is the planner's output: fences with their update points,
// wait edges, and the intra-queue edges demoted to barriers.
type fencePlan struct {
	fences []fenceAlloc
	waits  []fenceWait

	// barriers are reduced intra-queue edges, expressed as compactor
	// barrier requests on the destination encoder.
	barriers []barrierRequest
}

// planFences walks the reduced matrix. Edges within one queue compile
// to barriers at the destination's wait index; edges crossing queues
// allocate a pooled fence. One fence per source encoder serves every
// outgoing edge sharing identical signal stages; distinct stage sets
// get distinct fences.
func planFences(m *depMatrix, encoders []EncoderInfo, queueIDs map[Queue]QueueID, pool *fencePool) (*fencePlan, error) {
	plan := &fencePlan{}

	for src := 0; src < m.n; src++ {
		// fenceFor maps a signal stage set to this source's fence.
		fenceFor := make(map[StageFlags]int)

		for dst := src + 1; dst < m.n; dst++ {
			edge := m.at(dst, src)
			if !edge.valid {
				continue
			}

			if encoders[src].Queue == encoders[dst].Queue {
				plan.barriers = append(plan.barriers, barrierRequest{
					encoder:       dst,
					index:         edge.waitIndex,
					producerIndex: edge.signalIndex,
					afterStages:   edge.signalStages,
					beforeStages:  edge.waitStages,
					resources:     edge.resources,
				})
				continue
			}

			fi, ok := fenceFor[edge.signalStages]
			if !ok {
				queue := queueIDs[encoders[src].Queue]
				id, err := pool.acquire(queue)
				if err != nil {
					return nil, fmt.Errorf("fence for encoder %d: %w", src, err)
				}
				fi = len(plan.fences)
				plan.fences = append(plan.fences, fenceAlloc{
					id:            id,
					queue:         queue,
					commandBuffer: encoders[src].CommandBuffer,
					updateEncoder: src,
					updateIndex:   edge.signalIndex,
					afterStages:   edge.signalStages,
				})
				fenceFor[edge.signalStages] = fi
			}

			f := &plan.fences[fi]
			if edge.signalIndex > f.updateIndex {
				f.updateIndex = edge.signalIndex
			}
			if encoders[dst].CommandBuffer > f.commandBuffer {
				f.commandBuffer = encoders[dst].CommandBuffer
			}
			plan.waits = append(plan.waits, fenceWait{
				fence:        fi,
				waitEncoder:  dst,
				waitIndex:    edge.waitIndex,
				beforeStages: edge.waitStages,
			})
		}
	}
	return plan, nil
}
