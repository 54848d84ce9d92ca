package framegraph

import "sort"

// CompactOrder positions a compacted command relative to the pass
// command sharing its index. Before < pass command < After.
type CompactOrder uint8

// Compacted command orders.
const (
	OrderBefore CompactOrder = iota
	OrderPass
	OrderAfter
)

// CompactedKind identifies a synthesized command.
type CompactedKind uint8

// Compacted command kinds.
const (
	CompactUseResources CompactedKind = iota
	CompactMemoryBarrier
	CompactScopedBarrier
	CompactUpdateFence
	CompactWaitFence
)

// String returns the kind name.
func (k CompactedKind) String() string {
	switch k {
	case CompactUseResources:
		return "UseResources"
	case CompactMemoryBarrier:
		return "MemoryBarrier"
	case CompactScopedBarrier:
		return "ScopedBarrier"
	case CompactUpdateFence:
		return "UpdateFence"
	case CompactWaitFence:
		return "WaitFence"
	default:
		return "Unknown"
	}
}

// LayoutTransition moves one texture between layouts as part of a
// barrier.
type LayoutTransition struct {
	Resource Handle
	Old      Layout
	New      Layout
}

// CompactedCommand is one synthesized residency, barrier or fence
// command, positioned in the frame-global command numbering. The
// backend interleaves each encoder's compacted list with its pass
// command streams by (Index, Order).
type CompactedCommand struct {
	// Kind selects the command.
	Kind CompactedKind

	// Index is the frame-global command index the command attaches to.
	Index uint32

	// Order places the command before or after the pass command at
	// Index.
	Order CompactOrder

	// Resources is the residency set or per-resource barrier list.
	Resources []Handle

	// AfterStages and BeforeStages span the barrier's hazard window.
	AfterStages  StageFlags
	BeforeStages StageFlags

	// Scope is the family set of a scoped barrier.
	Scope BarrierScope

	// Transitions are the layout changes the barrier performs.
	Transitions []LayoutTransition

	// Fence is the fence operand for update/wait commands.
	Fence FenceID
}

// maxPerResourceBarrier is the resource count above which a barrier
// switches from the per-resource form to the scoped form.
const maxPerResourceBarrier = 8

// residencyKey batches resources whose access pattern matches.
type residencyKey struct {
	stages StageFlags
	access AccessFlags
}

// stagedBarrier accumulates barrier requests sharing one hazard window.
type stagedBarrier struct {
	index     uint32
	after     StageFlags
	before    StageFlags
	resources []hazardResource
}

// compactor builds per-encoder compacted command lists.
type compactor struct {
	encoders []EncoderInfo
	passes   []*Pass
	caps     Capabilities

	out [][]CompactedCommand
}

// compactCommands merges residency batches, barrier requests and fence
// records into one sorted compacted list per encoder.
func compactCommands(encoders []EncoderInfo, passes []*Pass, deps *depResult, plan *fencePlan, caps Capabilities) [][]CompactedCommand {
	c := &compactor{
		encoders: encoders,
		passes:   passes,
		caps:     caps,
		out:      make([][]CompactedCommand, len(encoders)),
	}

	for i := range encoders {
		c.batchResidency(i)
	}

	requests := make([]barrierRequest, 0, len(deps.barriers)+len(plan.barriers))
	requests = append(requests, deps.barriers...)
	requests = append(requests, plan.barriers...)
	sort.SliceStable(requests, func(a, b int) bool {
		if requests[a].encoder != requests[b].encoder {
			return requests[a].encoder < requests[b].encoder
		}
		return requests[a].index < requests[b].index
	})
	c.emitBarriers(requests)

	for _, f := range plan.fences {
		c.out[f.updateEncoder] = append(c.out[f.updateEncoder], CompactedCommand{
			Kind:        CompactUpdateFence,
			Index:       f.updateIndex,
			Order:       OrderAfter,
			AfterStages: f.afterStages,
			Fence:       f.id,
		})
	}
	for _, w := range plan.waits {
		c.out[w.waitEncoder] = append(c.out[w.waitEncoder], CompactedCommand{
			Kind:         CompactWaitFence,
			Index:        w.waitIndex,
			Order:        OrderBefore,
			BeforeStages: w.beforeStages,
			Fence:        plan.fences[w.fence].id,
		})
	}

	for i := range c.out {
		list := c.out[i]
		sort.SliceStable(list, func(a, b int) bool {
			if list[a].Index != list[b].Index {
				return list[a].Index < list[b].Index
			}
			return list[a].Order < list[b].Order
		})
	}
	return c.out
}

// batchResidency folds the encoder's reorderable usages into one
// residency call per (stages, access) key at the earliest contributing
// index; a batch whose every usage is consistent hoists to encoder
// start. Usages pinned with an exact index bypass batching.
func (c *compactor) batchResidency(enc int) {
	info := c.encoders[enc]

	type batch struct {
		resources  []Handle
		seen       map[Handle]bool
		index      uint32
		consistent bool
	}
	batches := make(map[residencyKey]*batch)
	var keys []residencyKey

	for pi := info.PassFirst; pi <= info.PassLast; pi++ {
		p := c.passes[pi]
		base := p.commandRange[0]
		for _, u := range p.usages {
			index := base + u.FirstCommand
			if !u.allowReordering {
				c.out[enc] = append(c.out[enc], CompactedCommand{
					Kind:      CompactUseResources,
					Index:     index,
					Order:     OrderBefore,
					Resources: []Handle{u.Resource},
				})
				continue
			}
			key := residencyKey{stages: u.Stages, access: u.Access}
			b, ok := batches[key]
			if !ok {
				b = &batch{seen: make(map[Handle]bool), index: index, consistent: true}
				batches[key] = b
				keys = append(keys, key)
			}
			if !b.seen[u.Resource] {
				b.seen[u.Resource] = true
				b.resources = append(b.resources, u.Resource)
			}
			if index < b.index {
				b.index = index
			}
			if !u.Consistent {
				b.consistent = false
			}
		}
	}

	for _, key := range keys {
		b := batches[key]
		index := b.index
		if b.consistent {
			index = info.CommandFirst
		}
		c.out[enc] = append(c.out[enc], CompactedCommand{
			Kind:      CompactUseResources,
			Index:     index,
			Order:     OrderBefore,
			Resources: b.resources,
		})
	}
}

// emitBarriers folds requests into hazard windows and flushes each
// window as one barrier. A request joins the staged window only while
// its producer precedes the window's insertion index; otherwise moving
// the request's barrier up to the staged index would order it before
// its producer, so the window flushes first.
func (c *compactor) emitBarriers(requests []barrierRequest) {
	var staged *stagedBarrier
	encoder := -1

	flush := func() {
		if staged != nil {
			c.flushBarrier(encoder, staged)
			staged = nil
		}
	}

	for _, r := range requests {
		if staged != nil && (r.encoder != encoder || r.producerIndex >= staged.index) {
			flush()
		}
		if staged == nil {
			encoder = r.encoder
			staged = &stagedBarrier{index: r.index}
		}
		if r.index < staged.index {
			staged.index = r.index
		}
		staged.after |= r.afterStages
		staged.before |= r.beforeStages
	merge:
		for _, hr := range r.resources {
			for _, have := range staged.resources {
				if have.resource == hr.resource {
					continue merge
				}
			}
			staged.resources = append(staged.resources, hr)
		}
	}
	flush()
}

// flushBarrier emits one staged window. Up to eight resources with no
// render-target scope take the per-resource form; anything larger or
// touching render targets takes the scoped form.
func (c *compactor) flushBarrier(enc int, b *stagedBarrier) {
	var scope BarrierScope
	var transitions []LayoutTransition
	resources := make([]Handle, 0, len(b.resources))

	for _, hr := range b.resources {
		resources = append(resources, hr.resource)
		switch hr.resource.Kind() {
		case KindBuffer, KindArgumentBuffer, KindAccelerationStructure:
			scope |= ScopeBuffers
		case KindTexture:
			if isAttachmentLayout(hr.oldLayout) || isAttachmentLayout(hr.newLayout) {
				if c.caps.TileBased {
					scope |= ScopeTextures
				} else {
					scope |= ScopeRenderTargets
				}
			} else {
				scope |= ScopeTextures
			}
		}
		if hr.oldLayout != hr.newLayout {
			transitions = append(transitions, LayoutTransition{
				Resource: hr.resource,
				Old:      hr.oldLayout,
				New:      hr.newLayout,
			})
		}
	}

	cmd := CompactedCommand{
		Index:        b.index,
		Order:        OrderBefore,
		AfterStages:  b.after,
		BeforeStages: b.before,
		Transitions:  transitions,
	}
	if len(resources) <= maxPerResourceBarrier && scope&ScopeRenderTargets == 0 {
		cmd.Kind = CompactMemoryBarrier
		cmd.Resources = resources
	} else {
		cmd.Kind = CompactScopedBarrier
		cmd.Scope = scope
	}
	c.out[enc] = append(c.out[enc], cmd)
}

// isAttachmentLayout reports whether a layout binds the texture as a
// render target.
func isAttachmentLayout(l Layout) bool {
	return l == LayoutColorAttachment || l == LayoutDepthStencilAttachment
}
