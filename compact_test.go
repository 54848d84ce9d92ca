package framegraph

import "testing"

func compactFrame(passes []*Pass, deps *depResult, plan *fencePlan, caps Capabilities) [][]CompactedCommand {
	encoders := assignEncoders(passes, DefaultSoftCommandCap)
	if deps == nil {
		deps = &depResult{matrix: newDepMatrix(len(encoders))}
	}
	if plan == nil {
		plan = &fencePlan{}
	}
	return compactCommands(encoders, passes, deps, plan, caps)
}

func findCompacted(list []CompactedCommand, kind CompactedKind) []CompactedCommand {
	var out []CompactedCommand
	for _, c := range list {
		if c.Kind == kind {
			out = append(out, c)
		}
	}
	return out
}

func TestBatchResidencyMergesByKey(t *testing.T) {
	b1 := makeHandle(KindBuffer, 0, 0, 1)
	b2 := makeHandle(KindBuffer, 0, 0, 2)
	p := schedPass(0, PassCompute, 0, 4,
		Usage{Resource: b1, Subresource: SubresourceAll, Access: AccessRead, Stages: StageCompute, FirstCommand: 2, LastCommand: 2, allowReordering: true},
		Usage{Resource: b2, Subresource: SubresourceAll, Access: AccessRead, Stages: StageCompute, FirstCommand: 0, LastCommand: 3, allowReordering: true})

	out := compactFrame([]*Pass{p}, nil, nil, Capabilities{})
	use := findCompacted(out[0], CompactUseResources)
	if len(use) != 1 {
		t.Fatalf("residency commands = %d, want 1 batch", len(use))
	}
	if len(use[0].Resources) != 2 {
		t.Errorf("batch resources = %d, want 2", len(use[0].Resources))
	}
	if use[0].Index != 0 {
		t.Errorf("batch index = %d, want 0 (earliest contributor)", use[0].Index)
	}
	if use[0].Order != OrderBefore {
		t.Errorf("batch order = %v, want Before", use[0].Order)
	}
}

func TestBatchResidencyDistinctKeys(t *testing.T) {
	b1 := makeHandle(KindBuffer, 0, 0, 1)
	b2 := makeHandle(KindBuffer, 0, 0, 2)
	p := schedPass(0, PassCompute, 0, 2,
		Usage{Resource: b1, Subresource: SubresourceAll, Access: AccessRead, Stages: StageCompute, FirstCommand: 0, LastCommand: 0, allowReordering: true},
		Usage{Resource: b2, Subresource: SubresourceAll, Access: AccessWrite, Stages: StageCompute, FirstCommand: 1, LastCommand: 1, allowReordering: true})

	out := compactFrame([]*Pass{p}, nil, nil, Capabilities{})
	if use := findCompacted(out[0], CompactUseResources); len(use) != 2 {
		t.Errorf("residency commands = %d, want 2 (distinct access)", len(use))
	}
}

func TestBatchResidencyConsistentHoist(t *testing.T) {
	buf := makeHandle(KindBuffer, 0, 0, 1)
	// Two passes in one encoder; the consistent usage in the second pass
	// hoists to the encoder's first command.
	p0 := schedPass(0, PassCompute, 0, 3)
	p1 := schedPass(1, PassCompute, 0, 3,
		Usage{Resource: buf, Subresource: SubresourceAll, Access: AccessRead, Stages: StageCompute, FirstCommand: 1, LastCommand: 2, Consistent: true, allowReordering: true})

	out := compactFrame([]*Pass{p0, p1}, nil, nil, Capabilities{})
	use := findCompacted(out[0], CompactUseResources)
	if len(use) != 1 {
		t.Fatalf("residency commands = %d, want 1", len(use))
	}
	if use[0].Index != 0 {
		t.Errorf("consistent batch index = %d, want 0 (encoder start)", use[0].Index)
	}
}

func TestBatchResidencyInconsistentStaysPut(t *testing.T) {
	buf := makeHandle(KindBuffer, 0, 0, 1)
	p0 := schedPass(0, PassCompute, 0, 3)
	p1 := schedPass(1, PassCompute, 0, 3,
		Usage{Resource: buf, Subresource: SubresourceAll, Access: AccessRead, Stages: StageCompute, FirstCommand: 1, LastCommand: 2, allowReordering: true})

	out := compactFrame([]*Pass{p0, p1}, nil, nil, Capabilities{})
	use := findCompacted(out[0], CompactUseResources)
	if use[0].Index != 4 {
		t.Errorf("batch index = %d, want 4 (first touching command)", use[0].Index)
	}
}

func TestBatchResidencyPinned(t *testing.T) {
	buf := makeHandle(KindBuffer, 0, 0, 1)
	p := schedPass(0, PassCompute, 0, 3,
		Usage{Resource: buf, Subresource: SubresourceAll, Access: AccessRead, Stages: StageCompute, FirstCommand: 2, LastCommand: 2, Consistent: true})

	out := compactFrame([]*Pass{p}, nil, nil, Capabilities{})
	use := findCompacted(out[0], CompactUseResources)
	if len(use) != 1 {
		t.Fatalf("residency commands = %d, want 1", len(use))
	}
	if use[0].Index != 2 {
		t.Errorf("pinned index = %d, want 2 (no reordering allowed)", use[0].Index)
	}
}

func barrierResources(n int, kind ResourceKind) []hazardResource {
	out := make([]hazardResource, n)
	for i := range out {
		out[i] = hazardResource{resource: makeHandle(kind, 0, 0, uint32(i+1))}
	}
	return out
}

func TestFlushBarrierPerResourceForm(t *testing.T) {
	p := schedPass(0, PassCompute, 0, 4)
	deps := &depResult{
		matrix: newDepMatrix(1),
		barriers: []barrierRequest{{
			encoder:      0,
			index:        2,
			afterStages:  StageCompute,
			beforeStages: StageCompute,
			resources:    barrierResources(maxPerResourceBarrier, KindBuffer),
		}},
	}
	out := compactFrame([]*Pass{p}, deps, nil, Capabilities{})
	mem := findCompacted(out[0], CompactMemoryBarrier)
	if len(mem) != 1 {
		t.Fatalf("memory barriers = %d, want 1", len(mem))
	}
	if len(mem[0].Resources) != maxPerResourceBarrier {
		t.Errorf("barrier resources = %d", len(mem[0].Resources))
	}
	if len(findCompacted(out[0], CompactScopedBarrier)) != 0 {
		t.Error("scoped barrier emitted below the resource limit")
	}
}

func TestFlushBarrierScopedForm(t *testing.T) {
	p := schedPass(0, PassCompute, 0, 4)
	deps := &depResult{
		matrix: newDepMatrix(1),
		barriers: []barrierRequest{{
			encoder:   0,
			index:     2,
			resources: barrierResources(maxPerResourceBarrier+1, KindBuffer),
		}},
	}
	out := compactFrame([]*Pass{p}, deps, nil, Capabilities{})
	scoped := findCompacted(out[0], CompactScopedBarrier)
	if len(scoped) != 1 {
		t.Fatalf("scoped barriers = %d, want 1", len(scoped))
	}
	if scoped[0].Scope != ScopeBuffers {
		t.Errorf("scope = %v, want Buffers", scoped[0].Scope)
	}
	if scoped[0].Resources != nil {
		t.Error("scoped barrier carries a resource list")
	}
}

func TestFlushBarrierRenderTargetForcesScoped(t *testing.T) {
	p := schedPass(0, PassDraw, 0, 4)
	deps := &depResult{
		matrix: newDepMatrix(1),
		barriers: []barrierRequest{{
			encoder: 0,
			index:   1,
			resources: []hazardResource{{
				resource:  makeHandle(KindTexture, 0, 0, 1),
				oldLayout: LayoutColorAttachment,
				newLayout: LayoutShaderRead,
			}},
		}},
	}
	out := compactFrame([]*Pass{p}, deps, nil, Capabilities{})
	scoped := findCompacted(out[0], CompactScopedBarrier)
	if len(scoped) != 1 {
		t.Fatalf("scoped barriers = %d, want 1 (attachment layout)", len(scoped))
	}
	if scoped[0].Scope&ScopeRenderTargets == 0 {
		t.Errorf("scope = %v, want RenderTargets", scoped[0].Scope)
	}
	if len(scoped[0].Transitions) != 1 {
		t.Fatalf("transitions = %d, want 1", len(scoped[0].Transitions))
	}
	tr := scoped[0].Transitions[0]
	if tr.Old != LayoutColorAttachment || tr.New != LayoutShaderRead {
		t.Errorf("transition = %v -> %v", tr.Old, tr.New)
	}
}

func TestFlushBarrierTileBasedHasNoRenderTargetScope(t *testing.T) {
	p := schedPass(0, PassDraw, 0, 4)
	deps := &depResult{
		matrix: newDepMatrix(1),
		barriers: []barrierRequest{{
			encoder: 0,
			index:   1,
			resources: []hazardResource{{
				resource:  makeHandle(KindTexture, 0, 0, 1),
				oldLayout: LayoutColorAttachment,
				newLayout: LayoutShaderRead,
			}},
		}},
	}
	out := compactFrame([]*Pass{p}, deps, nil, Capabilities{TileBased: true})
	mem := findCompacted(out[0], CompactMemoryBarrier)
	if len(mem) != 1 {
		t.Fatalf("memory barriers = %d, want 1 (tile hardware keeps the per-resource form)", len(mem))
	}
}

func TestEmitBarriersWindowMerge(t *testing.T) {
	p := schedPass(0, PassCompute, 0, 8)
	deps := &depResult{
		matrix: newDepMatrix(1),
		barriers: []barrierRequest{
			{encoder: 0, index: 4, producerIndex: 0, afterStages: StageCompute, beforeStages: StageCompute,
				resources: []hazardResource{{resource: makeHandle(KindBuffer, 0, 0, 1)}}},
			{encoder: 0, index: 6, producerIndex: 1, afterStages: StageBlit, beforeStages: StageVertex,
				resources: []hazardResource{{resource: makeHandle(KindBuffer, 0, 0, 2)}}},
		},
	}
	out := compactFrame([]*Pass{p}, deps, nil, Capabilities{})
	mem := findCompacted(out[0], CompactMemoryBarrier)
	if len(mem) != 1 {
		t.Fatalf("barriers = %d, want 1 merged window", len(mem))
	}
	b := mem[0]
	if b.Index != 4 {
		t.Errorf("merged index = %d, want 4", b.Index)
	}
	if b.AfterStages != StageCompute|StageBlit || b.BeforeStages != StageCompute|StageVertex {
		t.Errorf("merged stages = %v -> %v", b.AfterStages, b.BeforeStages)
	}
	if len(b.Resources) != 2 {
		t.Errorf("merged resources = %d, want 2", len(b.Resources))
	}
}

func TestEmitBarriersProducerSplitsWindow(t *testing.T) {
	// The second request's producer sits at or past the staged window's
	// index, so merging would hoist the barrier before its producer.
	p := schedPass(0, PassCompute, 0, 8)
	deps := &depResult{
		matrix: newDepMatrix(1),
		barriers: []barrierRequest{
			{encoder: 0, index: 4, producerIndex: 0,
				resources: []hazardResource{{resource: makeHandle(KindBuffer, 0, 0, 1)}}},
			{encoder: 0, index: 6, producerIndex: 5,
				resources: []hazardResource{{resource: makeHandle(KindBuffer, 0, 0, 2)}}},
		},
	}
	out := compactFrame([]*Pass{p}, deps, nil, Capabilities{})
	mem := findCompacted(out[0], CompactMemoryBarrier)
	if len(mem) != 2 {
		t.Fatalf("barriers = %d, want 2 separate windows", len(mem))
	}
	if mem[0].Index != 4 || mem[1].Index != 6 {
		t.Errorf("indices = %d, %d, want 4, 6", mem[0].Index, mem[1].Index)
	}
}

func TestCompactFenceCommands(t *testing.T) {
	p0 := schedPass(0, PassCompute, 0, 4)
	p1 := schedPass(1, PassDraw, 1, 4)
	plan := &fencePlan{
		fences: []fenceAlloc{{id: 7, updateEncoder: 0, updateIndex: 3, afterStages: StageCompute}},
		waits:  []fenceWait{{fence: 0, waitEncoder: 1, waitIndex: 5, beforeStages: StageVertex}},
	}
	out := compactFrame([]*Pass{p0, p1}, nil, plan, Capabilities{})

	updates := findCompacted(out[0], CompactUpdateFence)
	if len(updates) != 1 {
		t.Fatalf("updates = %d, want 1", len(updates))
	}
	u := updates[0]
	if u.Index != 3 || u.Order != OrderAfter || u.Fence != 7 || u.AfterStages != StageCompute {
		t.Errorf("update = %+v", u)
	}

	waits := findCompacted(out[1], CompactWaitFence)
	if len(waits) != 1 {
		t.Fatalf("waits = %d, want 1", len(waits))
	}
	w := waits[0]
	if w.Index != 5 || w.Order != OrderBefore || w.Fence != 7 || w.BeforeStages != StageVertex {
		t.Errorf("wait = %+v", w)
	}
}

func TestCompactedListSorted(t *testing.T) {
	buf := makeHandle(KindBuffer, 0, 0, 1)
	p := schedPass(0, PassCompute, 0, 6,
		Usage{Resource: buf, Subresource: SubresourceAll, Access: AccessRead, Stages: StageCompute, FirstCommand: 3, LastCommand: 3, allowReordering: true})
	deps := &depResult{
		matrix: newDepMatrix(1),
		barriers: []barrierRequest{
			{encoder: 0, index: 1, resources: []hazardResource{{resource: makeHandle(KindBuffer, 0, 0, 2)}}},
		},
	}
	plan := &fencePlan{
		fences: []fenceAlloc{{id: 1, updateEncoder: 0, updateIndex: 1}},
	}
	out := compactFrame([]*Pass{p}, deps, plan, Capabilities{})

	list := out[0]
	for i := 1; i < len(list); i++ {
		a, b := list[i-1], list[i]
		if a.Index > b.Index || (a.Index == b.Index && a.Order > b.Order) {
			t.Fatalf("list unsorted at %d: %+v before %+v", i, a, b)
		}
	}
}
