package native

import (
	"errors"
	"testing"

	"github.com/gogpu/framegraph"
)

func testBackend(t *testing.T) *Backend {
	t.Helper()
	b := New()
	if err := b.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return b
}

func TestUninitialized(t *testing.T) {
	b := New()
	if _, err := b.MaterializeBuffer(framegraph.BufferDescriptor{Length: 16}); !errors.Is(err, framegraph.ErrNotInitialized) {
		t.Errorf("MaterializeBuffer: %v", err)
	}
	if _, err := b.MakeQueue(framegraph.QueueSpec{}); !errors.Is(err, framegraph.ErrNotInitialized) {
		t.Errorf("MakeQueue: %v", err)
	}
}

func TestBufferFootprintRounding(t *testing.T) {
	tests := []struct {
		length uint64
		want   uint64
	}{
		{0, 256},
		{1, 256},
		{256, 256},
		{257, 512},
	}
	for _, tt := range tests {
		size, align := bufferFootprint(framegraph.BufferDescriptor{Length: tt.length})
		if size != tt.want || align != bufferAlignment {
			t.Errorf("bufferFootprint(%d) = %d, %d, want %d, %d", tt.length, size, align, tt.want, uint64(bufferAlignment))
		}
	}
}

func TestMemoryBudget(t *testing.T) {
	b := testBackend(t)
	b.SetMemoryBudget(512)

	first, err := b.MaterializeBuffer(framegraph.BufferDescriptor{Length: 256})
	if err != nil {
		t.Fatalf("MaterializeBuffer: %v", err)
	}
	if _, err := b.MaterializeBuffer(framegraph.BufferDescriptor{Length: 512}); !errors.Is(err, framegraph.ErrOutOfMemory) {
		t.Errorf("over-budget allocation: %v", err)
	}

	b.ReleaseBacking(first)
	if _, err := b.MaterializeBuffer(framegraph.BufferDescriptor{Length: 512}); err != nil {
		t.Errorf("allocation after release: %v", err)
	}
	if got := b.AllocatedBytes(); got != 512 {
		t.Errorf("AllocatedBytes = %d, want 512", got)
	}
}

func TestPlacementValidation(t *testing.T) {
	b := testBackend(t)
	heap, err := b.MaterializeHeap(framegraph.HeapDescriptor{Size: 1024})
	if err != nil {
		t.Fatalf("MaterializeHeap: %v", err)
	}

	placed, err := b.PlaceBuffer(heap, 512, framegraph.BufferDescriptor{Length: 256})
	if err != nil {
		t.Fatalf("PlaceBuffer: %v", err)
	}

	// Out of range.
	if _, err := b.PlaceBuffer(heap, 1024, framegraph.BufferDescriptor{Length: 256}); !errors.Is(err, framegraph.ErrValidation) {
		t.Errorf("oversized placement: %v", err)
	}
	// Not a heap.
	if _, err := b.PlaceBuffer(placed, 0, framegraph.BufferDescriptor{Length: 256}); !errors.Is(err, framegraph.ErrValidation) {
		t.Errorf("placement into non-heap: %v", err)
	}

	// Placed backings draw no budget of their own.
	used := b.AllocatedBytes()
	b.ReleaseBacking(placed)
	if b.AllocatedBytes() != used {
		t.Error("placed release changed the budget")
	}
	b.ReleaseBacking(heap)
	if b.AllocatedBytes() != 0 {
		t.Errorf("AllocatedBytes = %d after heap release", b.AllocatedBytes())
	}
}

func TestSetPurgeable(t *testing.T) {
	b := testBackend(t)
	id, _ := b.MaterializeBuffer(framegraph.BufferDescriptor{Length: 16})

	prior, emptied := b.SetPurgeable(id, framegraph.PurgeableVolatile)
	if prior != framegraph.PurgeableNonVolatile || emptied {
		t.Errorf("first transition = %v, %v", prior, emptied)
	}

	// KeepCurrent queries without transitioning.
	prior, _ = b.SetPurgeable(id, framegraph.PurgeableKeepCurrent)
	if prior != framegraph.PurgeableVolatile {
		t.Errorf("KeepCurrent = %v, want Volatile", prior)
	}

	b.SetPurgeable(id, framegraph.PurgeableEmpty)
	_, emptied = b.SetPurgeable(id, framegraph.PurgeableNonVolatile)
	if !emptied {
		t.Error("restore from Empty not reported")
	}
}

func TestFenceRequiresQueue(t *testing.T) {
	b := testBackend(t)
	if _, err := b.MakeFence(99); !errors.Is(err, framegraph.ErrValidation) {
		t.Errorf("fence on unknown queue: %v", err)
	}
	q, err := b.MakeQueue(framegraph.QueueSpec{Kind: framegraph.PassCompute})
	if err != nil {
		t.Fatalf("MakeQueue: %v", err)
	}
	if _, err := b.MakeFence(q); err != nil {
		t.Errorf("MakeFence: %v", err)
	}
	if b.FencesCreated() != 1 {
		t.Errorf("FencesCreated = %d, want 1", b.FencesCreated())
	}
}

func TestManualCompletionOrder(t *testing.T) {
	b := testBackend(t)
	b.SetManualCompletion(true)
	q, _ := b.MakeQueue(framegraph.QueueSpec{})

	var order []int
	for i := 0; i < 3; i++ {
		cb, err := b.EncodePass(framegraph.EncoderInfo{Queue: framegraph.Queue(q)}, nil, nil, nil)
		if err != nil {
			t.Fatalf("EncodePass: %v", err)
		}
		sub, err := b.Submit(cb, nil, nil)
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		i := i
		b.OnComplete(sub, func() { order = append(order, i) })
	}

	if len(order) != 0 {
		t.Fatal("callbacks fired before CompleteNext")
	}
	if !b.CompleteNext() {
		t.Fatal("nothing pending")
	}
	if len(order) != 1 || order[0] != 0 {
		t.Errorf("order = %v", order)
	}
	b.CompleteAll()
	if len(order) != 3 || order[1] != 1 || order[2] != 2 {
		t.Errorf("order = %v, want in-order retirement", order)
	}
	if b.CompleteNext() {
		t.Error("CompleteNext reported work on an empty queue")
	}
}

func TestImmediateCompletion(t *testing.T) {
	b := testBackend(t)
	cb, _ := b.EncodePass(framegraph.EncoderInfo{}, nil, nil, nil)
	sub, _ := b.Submit(cb, nil, nil)

	fired := false
	b.OnComplete(sub, func() { fired = true })
	if !fired {
		t.Error("immediate mode deferred the callback")
	}
}

func TestReset(t *testing.T) {
	b := testBackend(t)
	id, _ := b.MaterializeBuffer(framegraph.BufferDescriptor{Length: 16})
	cb, _ := b.EncodePass(framegraph.EncoderInfo{}, nil, nil, nil)
	b.Submit(cb, nil, nil)

	b.Reset()
	if len(b.Encoded()) != 0 || len(b.Submissions()) != 0 {
		t.Error("Reset kept history")
	}
	if b.LiveBackings() != 1 {
		t.Errorf("LiveBackings = %d, want surviving buffer", b.LiveBackings())
	}
	b.ReleaseBacking(id)
}
