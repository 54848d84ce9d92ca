package wgpu

import (
	"fmt"

	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/framegraph"
)

// MakeQueue maps a logical queue onto the HAL queue. The HAL exposes a
// single hardware queue, so every logical queue shares it and queue
// identity only scopes fences and labels.
func (b *Backend) MakeQueue(spec framegraph.QueueSpec) (framegraph.QueueID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.initialized {
		return 0, framegraph.ErrNotInitialized
	}
	b.queues = append(b.queues, queueState{spec: spec})
	return framegraph.QueueID(len(b.queues) - 1), nil
}

// MakeFence creates a timeline fence on the queue.
func (b *Backend) MakeFence(queue framegraph.QueueID) (framegraph.FenceID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.initialized {
		return 0, framegraph.ErrNotInitialized
	}
	if int(queue) >= len(b.queues) {
		return 0, fmt.Errorf("%w: queue %d", framegraph.ErrValidation, queue)
	}
	fence, err := b.device.CreateFence()
	if err != nil {
		return 0, fmt.Errorf("%w: create fence: %s", framegraph.ErrBackendFailure, err)
	}
	id := framegraph.FenceID(len(b.fences) + 1)
	b.fences[id] = &fenceState{fence: fence, queue: queue}
	return id, nil
}

// EncodePass records the encoder's passes into a HAL command buffer.
// Residency, barrier and fence commands in the compacted stream cost
// nothing here: the single HAL queue serializes command buffers, fence
// signals ride on submission, and residency is implicit in Vulkan's
// bound-memory model. Copy commands encode directly.
//
// TODO: map OpDispatch and OpDraw onto HAL compute and render passes
// once pipeline state objects land in the recorder.
func (b *Backend) EncodePass(enc framegraph.EncoderInfo, passes []*framegraph.Pass, commands []framegraph.CompactedCommand, resolve framegraph.BackingResolver) (framegraph.CommandBufferID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.initialized {
		return 0, framegraph.ErrNotInitialized
	}

	encoder, err := b.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: enc.Label})
	if err != nil {
		return 0, fmt.Errorf("%w: create encoder %q: %s", framegraph.ErrBackendFailure, enc.Label, err)
	}
	if err := encoder.BeginEncoding(enc.Label); err != nil {
		return 0, fmt.Errorf("%w: begin encoding %q: %s", framegraph.ErrBackendFailure, enc.Label, err)
	}

	for _, p := range passes {
		for _, cmd := range p.Commands() {
			switch cmd.Op {
			case framegraph.OpCopyBuffer:
				src, err := b.resolveBuffer(cmd.Resource, resolve)
				if err != nil {
					return 0, fmt.Errorf("encode %q: copy src: %w", p.Name(), err)
				}
				dst, err := b.resolveBuffer(cmd.Aux, resolve)
				if err != nil {
					return 0, fmt.Errorf("encode %q: copy dst: %w", p.Name(), err)
				}
				size := uint64(cmd.Args[0]) | uint64(cmd.Args[1])<<32
				encoder.CopyBufferToBuffer(src, dst, []hal.BufferCopy{{
					SrcOffset: cmd.Offset,
					DstOffset: cmd.AuxOffset,
					Size:      size,
				}})
			case framegraph.OpSetBytes:
				// Inline constants upload through the queue before the
				// buffer is submitted; binding them awaits pipeline
				// state objects like dispatch and draw do.
			default:
				// Binding, dispatch and draw commands carry no
				// encodable work without pipeline state objects.
			}
		}
	}
	logger().Debug("encoded", "encoder", enc.Index, "passes", len(passes), "compacted", len(commands))

	buf, err := encoder.EndEncoding()
	if err != nil {
		return 0, fmt.Errorf("%w: end encoding %q: %s", framegraph.ErrBackendFailure, enc.Label, err)
	}
	b.nextCB++
	b.encoded[b.nextCB] = buf
	return b.nextCB, nil
}

// Submit hands a command buffer to the HAL queue. The HAL has no
// semaphores, so cross-queue waits resolve on the CPU against the wait
// fences' last signaled values. The first signal fence is bumped by the
// command buffer's own submission and each further one by a follow-up
// empty submission.
func (b *Backend) Submit(cb framegraph.CommandBufferID, waits, signals []framegraph.FenceID) (framegraph.SubmissionID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.initialized || b.closing {
		return 0, framegraph.ErrNotInitialized
	}
	buf, ok := b.encoded[cb]
	if !ok {
		return 0, fmt.Errorf("%w: command buffer %d", framegraph.ErrValidation, cb)
	}
	delete(b.encoded, cb)

	for _, id := range waits {
		f, ok := b.fences[id]
		if !ok {
			return 0, fmt.Errorf("%w: wait fence %d", framegraph.ErrValidation, id)
		}
		if f.value == 0 {
			continue
		}
		done, err := b.device.Wait(f.fence, f.value, waitTimeout)
		if err != nil {
			return 0, fmt.Errorf("%w: wait fence %d: %s", framegraph.ErrDeviceLost, id, err)
		}
		if !done {
			return 0, fmt.Errorf("%w: fence %d timed out", framegraph.ErrDeviceLost, id)
		}
	}

	var signalFence hal.Fence
	var signalValue uint64
	if len(signals) > 0 {
		f, ok := b.fences[signals[0]]
		if !ok {
			return 0, fmt.Errorf("%w: signal fence %d", framegraph.ErrValidation, signals[0])
		}
		f.value++
		signalFence, signalValue = f.fence, f.value
	}
	if err := b.queue.Submit([]hal.CommandBuffer{buf}, signalFence, signalValue); err != nil {
		buf.Destroy()
		return 0, fmt.Errorf("%w: submit: %s", framegraph.ErrBackendFailure, err)
	}
	if len(signals) > 1 {
		for _, id := range signals[1:] {
			f, ok := b.fences[id]
			if !ok {
				return 0, fmt.Errorf("%w: signal fence %d", framegraph.ErrValidation, id)
			}
			f.value++
			if err := b.queue.Submit(nil, f.fence, f.value); err != nil {
				return 0, fmt.Errorf("%w: signal fence %d: %s", framegraph.ErrBackendFailure, id, err)
			}
		}
	}

	b.nextSub++
	sub := b.nextSub
	if err := b.queue.Submit(nil, b.subFence, uint64(sub)); err != nil {
		return 0, fmt.Errorf("%w: submission fence: %s", framegraph.ErrBackendFailure, err)
	}
	b.retired(sub, buf)
	return sub, nil
}

// retired queues the submission for the completion worker. Caller holds
// b.mu.
func (b *Backend) retired(sub framegraph.SubmissionID, buf hal.CommandBuffer) {
	b.pending[sub] = append(b.pending[sub], func() { buf.Destroy() })
	b.retireQueue = append(b.retireQueue, sub)
	b.cond.Signal()
}

// OnComplete invokes fn once the submission's timeline value is
// reached. Runs fn inline when the submission already retired.
func (b *Backend) OnComplete(sub framegraph.SubmissionID, fn func()) {
	b.mu.Lock()
	if !b.initialized || sub <= b.lastDone {
		b.mu.Unlock()
		fn()
		return
	}
	b.pending[sub] = append(b.pending[sub], fn)
	b.mu.Unlock()
}

// completionWorker retires submissions in order by waiting the
// submission timeline, then runs their callbacks. Exits once Close is
// requested and the queue drains.
func (b *Backend) completionWorker() {
	defer b.workerWG.Done()
	b.mu.Lock()
	for {
		for len(b.retireQueue) == 0 && !b.closing {
			b.cond.Wait()
		}
		if len(b.retireQueue) == 0 {
			b.mu.Unlock()
			return
		}
		sub := b.retireQueue[0]
		b.retireQueue = b.retireQueue[1:]
		b.mu.Unlock()

		done, err := b.device.Wait(b.subFence, uint64(sub), waitTimeout)
		if err != nil || !done {
			logger().Error("submission wait failed", "submission", sub, "done", done, "error", err)
		}

		b.mu.Lock()
		fns := b.pending[sub]
		delete(b.pending, sub)
		b.lastDone = sub
		b.mu.Unlock()
		for _, fn := range fns {
			fn()
		}
		b.mu.Lock()
	}
}
