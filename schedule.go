package framegraph

// EncoderInfo describes one command encoder: a maximal run of
// consecutive passes of the same kind and queue, submitted as one
// command buffer region. Encoders are the unit of dependency and
// fencing.
type EncoderInfo struct {
	// Index is the encoder's position in submission order.
	Index int

	// Kind is the shared pass kind of the encoder's passes.
	Kind PassKind

	// Queue is the logical queue the encoder submits to.
	Queue Queue

	// CommandBuffer is the backend command buffer the encoder encodes
	// into.
	CommandBuffer int

	// PassFirst and PassLast bound the encoder's passes, inclusive, as
	// indices into the frame's surviving pass order.
	PassFirst int
	PassLast  int

	// CommandFirst and CommandLast bound the encoder's frame-global
	// command numbering, inclusive.
	CommandFirst uint32
	CommandLast  uint32

	// Targets is the shared render-target descriptor for draw encoders.
	Targets *RenderTargetDescriptor

	// Label is a debug name derived from the first pass.
	Label string
}

// cullPasses marks passes whose writes never reach an external consumer.
// Reachability runs backwards over the registration order: a pass
// survives when it writes an externally-consumed resource, or when a
// surviving later pass reads a resource it writes. External passes
// always survive.
//
// Returns the surviving passes in registration order.
func cullPasses(passes []*Pass, external func(Handle) bool) []*Pass {
	// needed is the set of resources some surviving pass still reads.
	needed := make(map[Handle]bool)

	for i := len(passes) - 1; i >= 0; i-- {
		p := passes[i]
		live := p.kind == PassExternal
		for _, u := range p.usages {
			if !u.Access.Writes() {
				continue
			}
			if external(u.Resource) || needed[u.Resource] {
				live = true
				break
			}
		}
		if !live {
			p.culled = true
			continue
		}
		p.culled = false
		for _, u := range p.usages {
			if u.Access.Reads() {
				needed[u.Resource] = true
			}
		}
	}

	survivors := make([]*Pass, 0, len(passes))
	for _, p := range passes {
		if !p.culled {
			survivors = append(survivors, p)
		}
	}
	return survivors
}

// assignEncoders splits the surviving passes into encoders and assigns
// the frame-global command numbering. An encoder extends while kind and
// queue are unchanged and the command count does not exceed the soft cap;
// draw passes additionally require an identical render-target
// descriptor.
func assignEncoders(passes []*Pass, softCap int) []EncoderInfo {
	if softCap <= 0 {
		softCap = DefaultSoftCommandCap
	}

	var encoders []EncoderInfo
	var nextCommand uint32

	for i, p := range passes {
		passLen := uint32(len(p.commands))
		p.commandRange = [2]uint32{nextCommand, nextCommand + passLen}

		extend := false
		if len(encoders) > 0 {
			enc := &encoders[len(encoders)-1]
			count := int(nextCommand+passLen) - int(enc.CommandFirst)
			extend = enc.Kind == p.kind && enc.Queue == p.queue && count <= softCap
			if extend && p.kind == PassDraw {
				extend = enc.Targets.equal(p.targets)
			}
		}

		if extend {
			enc := &encoders[len(encoders)-1]
			enc.PassLast = i
			if passLen > 0 {
				enc.CommandLast = nextCommand + passLen - 1
			}
		} else {
			idx := len(encoders)
			enc := EncoderInfo{
				Index:         idx,
				Kind:          p.kind,
				Queue:         p.queue,
				CommandBuffer: idx,
				PassFirst:     i,
				PassLast:      i,
				CommandFirst:  nextCommand,
				CommandLast:   nextCommand,
				Targets:       p.targets,
				Label:         p.name,
			}
			if passLen > 0 {
				enc.CommandLast = nextCommand + passLen - 1
			}
			encoders = append(encoders, enc)
		}
		nextCommand += passLen
	}
	return encoders
}

// encoderOfPass maps each surviving pass index to its encoder index.
func encoderOfPass(encoders []EncoderInfo, passCount int) []int {
	owner := make([]int, passCount)
	for _, enc := range encoders {
		for p := enc.PassFirst; p <= enc.PassLast; p++ {
			owner[p] = enc.Index
		}
	}
	return owner
}
