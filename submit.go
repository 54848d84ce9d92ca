package framegraph

import "fmt"

// submitFrame encodes each encoder's passes interleaved with its
// compacted commands, submits the resulting command buffers in encoder
// order, and attaches the frame's retirement callback to the last
// submission. Returns the submission count.
//
// Retirement recycles the frame's fences, releases disposed persistent
// backings, flushes batched purgeability transitions and frees the
// in-flight slot. The transient slot itself is recycled on the
// committing thread when the slot is next reused.
func (g *Graph) submitFrame(frame uint64, slot int, passes []*Pass, encoders []EncoderInfo, compacted [][]CompactedCommand, plan *fencePlan) (int, error) {
	// Fence wiring per encoder: signals for fences updated here, waits
	// for fences consumed here. The backend receives them alongside the
	// command buffer so queue submission carries the semaphores.
	signals := make([][]FenceID, len(encoders))
	waits := make([][]FenceID, len(encoders))
	for _, f := range plan.fences {
		signals[f.updateEncoder] = append(signals[f.updateEncoder], f.id)
	}
	for _, w := range plan.waits {
		id := plan.fences[w.fence].id
		dup := false
		for _, have := range waits[w.waitEncoder] {
			if have == id {
				dup = true
				break
			}
		}
		if !dup {
			waits[w.waitEncoder] = append(waits[w.waitEncoder], id)
		}
	}

	var lastSub SubmissionID
	submissions := 0
	for _, enc := range encoders {
		encPasses := passes[enc.PassFirst : enc.PassLast+1]

		cb, err := g.backend.EncodePass(enc, encPasses, compacted[enc.Index], g.backingOf)
		if err != nil {
			return submissions, fmt.Errorf("encode encoder %d (%s): %w", enc.Index, enc.Label, err)
		}
		sub, err := g.backend.Submit(cb, waits[enc.Index], signals[enc.Index])
		if err != nil {
			return submissions, fmt.Errorf("submit encoder %d (%s): %w", enc.Index, enc.Label, err)
		}
		lastSub = sub
		submissions++
	}

	g.registry.noteSubmitted(frame)

	frameFences := make([]fenceAlloc, len(plan.fences))
	copy(frameFences, plan.fences)

	g.backend.OnComplete(lastSub, func() {
		for _, f := range frameFences {
			g.fences.recycle(f.queue, f.id)
		}
		g.noteCompleted(frame)
		g.registry.releaseRetired(frame)
		g.registry.flushPurgeBatch()
		<-g.inFlight
		logger().Debug("frame retired", "frame", frame, "slot", slot)
	})
	return submissions, nil
}
