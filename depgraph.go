package framegraph

import "sort"

// hazardResource is one resource participating in a dependency, with
// the layout transition the consumer requires. Buffers carry
// LayoutUndefined on both sides.
type hazardResource struct {
	resource  Handle
	oldLayout Layout
	newLayout Layout
}

// encoderDep is one cell of the encoder-pair dependency matrix.
// signalIndex is the last frame-global command index in the source
// encoder producing the hazard; waitIndex is the first in the
// destination consuming it. Multiple hazards on the same pair merge:
// signal takes the max index, wait the min, stages union.
type encoderDep struct {
	valid bool

	signalIndex  uint32
	signalStages StageFlags
	waitIndex    uint32
	waitStages   StageFlags

	resources []hazardResource
}

// merge folds one hazard into the cell.
func (d *encoderDep) merge(signalIndex uint32, signalStages StageFlags, waitIndex uint32, waitStages StageFlags, res hazardResource) {
	if !d.valid {
		d.valid = true
		d.signalIndex = signalIndex
		d.waitIndex = waitIndex
	} else {
		if signalIndex > d.signalIndex {
			d.signalIndex = signalIndex
		}
		if waitIndex < d.waitIndex {
			d.waitIndex = waitIndex
		}
	}
	d.signalStages |= signalStages
	d.waitStages |= waitStages

	for _, r := range d.resources {
		if r.resource == res.resource {
			return
		}
	}
	d.resources = append(d.resources, res)
}

// depMatrix is the dense encoder-pair dependency matrix. Registration
// order is topological, so every edge runs from a lower encoder index
// to a higher one.
type depMatrix struct {
	n     int
	edges []encoderDep
}

func newDepMatrix(n int) *depMatrix {
	return &depMatrix{n: n, edges: make([]encoderDep, n*n)}
}

// at returns the cell for the edge src -> dst.
func (m *depMatrix) at(dst, src int) *encoderDep {
	return &m.edges[dst*m.n+src]
}

// edgeCount returns the number of valid edges.
func (m *depMatrix) edgeCount() int {
	n := 0
	for i := range m.edges {
		if m.edges[i].valid {
			n++
		}
	}
	return n
}

// barrierRequest is a hazard confined to a single encoder, resolved by
// the compactor as a barrier rather than a matrix edge. intraPass marks
// a self-dependency inside one pass.
type barrierRequest struct {
	encoder int

	// index is the frame-global command index the barrier precedes.
	index uint32

	// producerIndex is the frame-global index of the last command
	// producing the hazard. A barrier may only move earlier than index
	// while staying after producerIndex.
	producerIndex uint32

	afterStages  StageFlags
	beforeStages StageFlags

	resources []hazardResource
	intraPass bool
}

// usageEvent is one pass's collapsed usage of one resource, positioned
// in the frame-global command numbering.
type usageEvent struct {
	pass    *Pass
	encoder int

	subresource SubresourceMask
	access      AccessFlags
	stages      StageFlags
	layout      Layout

	// first and last are frame-global command indices.
	first uint32
	last  uint32
}

// depResult is the dependency builder's output for one frame.
type depResult struct {
	matrix *depMatrix

	// barriers are intra-encoder hazards, ordered by index.
	barriers []barrierRequest

	// lifetimes are the inclusive [first, last] encoder ranges of every
	// transient resource used this frame.
	lifetimes map[Handle][2]uint32
}

// buildDependencies scans each resource's usage log in
// (encoder, command) order and emits a dependency for every RAW, WAR,
// WAW and layout hazard between adjacent overlapping usages. Hazards
// crossing encoders land in the matrix; hazards inside one encoder
// become barrier requests for the compactor.
func buildDependencies(passes []*Pass, encoders []EncoderInfo, owner []int) *depResult {
	logs := make(map[Handle][]usageEvent)
	var order []Handle

	for i, p := range passes {
		base := p.commandRange[0]
		for _, u := range p.usages {
			if u.Resource.Kind() == KindSampler {
				continue
			}
			ev := usageEvent{
				pass:        p,
				encoder:     owner[i],
				subresource: u.Subresource,
				access:      u.Access,
				stages:      u.Stages,
				first:       base + u.FirstCommand,
				last:        base + u.LastCommand,
			}
			if u.Resource.Kind() == KindTexture {
				ev.layout = u.layout()
			}
			if _, seen := logs[u.Resource]; !seen {
				order = append(order, u.Resource)
			}
			logs[u.Resource] = append(logs[u.Resource], ev)
		}
	}

	res := &depResult{
		matrix:    newDepMatrix(len(encoders)),
		lifetimes: make(map[Handle][2]uint32),
	}

	for _, h := range order {
		events := logs[h]
		sort.SliceStable(events, func(a, b int) bool {
			if events[a].encoder != events[b].encoder {
				return events[a].encoder < events[b].encoder
			}
			return events[a].first < events[b].first
		})

		if h.Transient() {
			res.lifetimes[h] = [2]uint32{
				uint32(events[0].encoder),
				uint32(events[len(events)-1].encoder),
			}
		}

		for i := 1; i < len(events); i++ {
			prev, next := events[i-1], events[i]
			if !prev.subresource.Overlaps(next.subresource) {
				continue
			}

			hazard := (prev.access.Writes() && next.access.Reads()) || // RAW
				(prev.access.Reads() && next.access.Writes()) || // WAR
				(prev.access.Writes() && next.access.Writes()) // WAW
			layoutChange := h.Kind() == KindTexture && prev.layout != next.layout
			if !hazard && !layoutChange {
				continue
			}

			hr := hazardResource{resource: h, oldLayout: prev.layout, newLayout: next.layout}
			if !layoutChange {
				hr.oldLayout = LayoutUndefined
				hr.newLayout = LayoutUndefined
			}

			if prev.encoder == next.encoder {
				res.barriers = append(res.barriers, barrierRequest{
					encoder:       next.encoder,
					index:         next.first,
					producerIndex: prev.last,
					afterStages:   prev.stages,
					beforeStages:  next.stages,
					resources:     []hazardResource{hr},
					intraPass:     prev.pass == next.pass,
				})
				continue
			}

			res.matrix.at(next.encoder, prev.encoder).merge(
				prev.last, prev.stages, next.first, next.stages, hr)
		}
	}

	sort.SliceStable(res.barriers, func(a, b int) bool {
		return res.barriers[a].index < res.barriers[b].index
	})
	return res
}
