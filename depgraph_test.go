package framegraph

import "testing"

// buildFrame runs encoder assignment and dependency analysis over the
// passes, the way CommitFrame does after culling.
func buildFrame(t *testing.T, passes []*Pass) ([]EncoderInfo, *depResult) {
	t.Helper()
	encoders := assignEncoders(passes, DefaultSoftCommandCap)
	owner := encoderOfPass(encoders, len(passes))
	return encoders, buildDependencies(passes, encoders, owner)
}

func TestBuildDependenciesReadAfterWrite(t *testing.T) {
	buf := makeHandle(KindBuffer, 0, 0, 1)
	producer := schedPass(0, PassCompute, 0, 2,
		Usage{Resource: buf, Subresource: SubresourceAll, Access: AccessWrite, Stages: StageCompute, FirstCommand: 0, LastCommand: 1})
	consumer := schedPass(1, PassDraw, 0, 3,
		Usage{Resource: buf, Subresource: SubresourceAll, Access: AccessRead, Stages: StageVertex, FirstCommand: 1, LastCommand: 2})

	_, deps := buildFrame(t, []*Pass{producer, consumer})

	if got := deps.matrix.edgeCount(); got != 1 {
		t.Fatalf("edges = %d, want 1", got)
	}
	edge := deps.matrix.at(1, 0)
	if !edge.valid {
		t.Fatal("edge 0 -> 1 missing")
	}
	if edge.signalIndex != 1 {
		t.Errorf("signalIndex = %d, want 1 (producer's last command)", edge.signalIndex)
	}
	if edge.waitIndex != 3 {
		t.Errorf("waitIndex = %d, want 3 (consumer's first touching command)", edge.waitIndex)
	}
	if edge.signalStages != StageCompute || edge.waitStages != StageVertex {
		t.Errorf("stages = %v -> %v, want Compute -> Vertex", edge.signalStages, edge.waitStages)
	}
	if len(edge.resources) != 1 || edge.resources[0].resource != buf {
		t.Errorf("resources = %v", edge.resources)
	}
}

func TestBuildDependenciesWriteAfterRead(t *testing.T) {
	buf := makeHandle(KindBuffer, 0, 0, 1)
	reader := schedPass(0, PassCompute, 0, 1, readUsage(buf))
	writer := schedPass(1, PassBlit, 0, 1,
		Usage{Resource: buf, Subresource: SubresourceAll, Access: AccessBlitDst, Stages: StageBlit})

	_, deps := buildFrame(t, []*Pass{reader, writer})
	if deps.matrix.edgeCount() != 1 {
		t.Fatalf("WAR hazard produced %d edges, want 1", deps.matrix.edgeCount())
	}
}

func TestBuildDependenciesReadAfterRead(t *testing.T) {
	buf := makeHandle(KindBuffer, 0, 0, 1)
	a := schedPass(0, PassCompute, 0, 1, readUsage(buf))
	b := schedPass(1, PassBlit, 0, 1,
		Usage{Resource: buf, Subresource: SubresourceAll, Access: AccessBlitSrc, Stages: StageBlit})

	_, deps := buildFrame(t, []*Pass{a, b})
	if got := deps.matrix.edgeCount(); got != 0 {
		t.Errorf("read-read produced %d edges, want 0", got)
	}
}

func TestBuildDependenciesLayoutChangeBetweenReads(t *testing.T) {
	tex := makeHandle(KindTexture, 0, 0, 1)
	// Shader read then blit read: no data hazard, but the texture must
	// transition ShaderRead -> BlitSrc.
	a := schedPass(0, PassCompute, 0, 1,
		Usage{Resource: tex, Subresource: SubresourceAll, Access: AccessRead, Stages: StageCompute})
	b := schedPass(1, PassBlit, 0, 1,
		Usage{Resource: tex, Subresource: SubresourceAll, Access: AccessBlitSrc, Stages: StageBlit})

	_, deps := buildFrame(t, []*Pass{a, b})
	edge := deps.matrix.at(1, 0)
	if !edge.valid {
		t.Fatal("layout change produced no edge")
	}
	hr := edge.resources[0]
	if hr.oldLayout != LayoutShaderRead || hr.newLayout != LayoutBlitSrc {
		t.Errorf("transition = %v -> %v, want ShaderRead -> BlitSrc", hr.oldLayout, hr.newLayout)
	}
}

func TestBuildDependenciesBufferCarriesNoLayout(t *testing.T) {
	buf := makeHandle(KindBuffer, 0, 0, 1)
	a := schedPass(0, PassCompute, 0, 1, writeUsage(buf))
	b := schedPass(1, PassBlit, 0, 1,
		Usage{Resource: buf, Subresource: SubresourceAll, Access: AccessBlitSrc, Stages: StageBlit})

	_, deps := buildFrame(t, []*Pass{a, b})
	hr := deps.matrix.at(1, 0).resources[0]
	if hr.oldLayout != LayoutUndefined || hr.newLayout != LayoutUndefined {
		t.Errorf("buffer hazard layouts = %v -> %v, want Undefined both sides", hr.oldLayout, hr.newLayout)
	}
}

func TestBuildDependenciesDisjointSubresources(t *testing.T) {
	tex := makeHandle(KindTexture, 0, 0, 1)
	a := schedPass(0, PassCompute, 0, 1,
		Usage{Resource: tex, Subresource: 0b01, Access: AccessWrite, Stages: StageCompute})
	b := schedPass(1, PassCompute, 0, 1,
		Usage{Resource: tex, Subresource: 0b10, Access: AccessRead, Stages: StageCompute})

	_, deps := buildFrame(t, []*Pass{a, b})
	if got := deps.matrix.edgeCount(); got != 0 {
		t.Errorf("disjoint subresources produced %d edges, want 0", got)
	}
}

func TestBuildDependenciesSameEncoderBarrier(t *testing.T) {
	buf := makeHandle(KindBuffer, 0, 0, 1)
	a := schedPass(0, PassCompute, 0, 2,
		Usage{Resource: buf, Subresource: SubresourceAll, Access: AccessWrite, Stages: StageCompute, FirstCommand: 0, LastCommand: 0})
	b := schedPass(1, PassCompute, 0, 2,
		Usage{Resource: buf, Subresource: SubresourceAll, Access: AccessRead, Stages: StageCompute, FirstCommand: 1, LastCommand: 1})

	_, deps := buildFrame(t, []*Pass{a, b})
	if deps.matrix.edgeCount() != 0 {
		t.Fatalf("same-encoder hazard landed in the matrix")
	}
	if len(deps.barriers) != 1 {
		t.Fatalf("barriers = %d, want 1", len(deps.barriers))
	}
	br := deps.barriers[0]
	if br.encoder != 0 {
		t.Errorf("barrier encoder = %d, want 0", br.encoder)
	}
	if br.producerIndex != 0 || br.index != 3 {
		t.Errorf("barrier window = (%d, %d], want (0, 3]", br.producerIndex, br.index)
	}
	if br.intraPass {
		t.Error("cross-pass hazard marked intraPass")
	}
}

func TestBuildDependenciesIntraPassBarrier(t *testing.T) {
	buf := makeHandle(KindBuffer, 0, 0, 1)
	// Two usage records inside one pass can only come from divergent
	// subresource masks; overlapping masks on write then read hazard.
	p := schedPass(0, PassCompute, 0, 3,
		Usage{Resource: buf, Subresource: 0b11, Access: AccessWrite, Stages: StageCompute, FirstCommand: 0, LastCommand: 0},
		Usage{Resource: buf, Subresource: 0b01, Access: AccessRead, Stages: StageCompute, FirstCommand: 2, LastCommand: 2})

	_, deps := buildFrame(t, []*Pass{p})
	if len(deps.barriers) != 1 {
		t.Fatalf("barriers = %d, want 1", len(deps.barriers))
	}
	if !deps.barriers[0].intraPass {
		t.Error("self-dependency not marked intraPass")
	}
}

func TestBuildDependenciesMerge(t *testing.T) {
	b1 := makeHandle(KindBuffer, 0, 0, 1)
	b2 := makeHandle(KindBuffer, 0, 0, 2)
	producer := schedPass(0, PassCompute, 0, 4,
		Usage{Resource: b1, Subresource: SubresourceAll, Access: AccessWrite, Stages: StageCompute, FirstCommand: 0, LastCommand: 1},
		Usage{Resource: b2, Subresource: SubresourceAll, Access: AccessWrite, Stages: StageCompute, FirstCommand: 0, LastCommand: 3})
	consumer := schedPass(1, PassDraw, 0, 4,
		Usage{Resource: b1, Subresource: SubresourceAll, Access: AccessRead, Stages: StageVertex, FirstCommand: 2, LastCommand: 3},
		Usage{Resource: b2, Subresource: SubresourceAll, Access: AccessRead, Stages: StageFragment, FirstCommand: 0, LastCommand: 3})

	_, deps := buildFrame(t, []*Pass{producer, consumer})
	if deps.matrix.edgeCount() != 1 {
		t.Fatalf("edges = %d, want 1 merged cell", deps.matrix.edgeCount())
	}
	edge := deps.matrix.at(1, 0)
	if edge.signalIndex != 3 {
		t.Errorf("signalIndex = %d, want 3 (max of producers)", edge.signalIndex)
	}
	if edge.waitIndex != 4 {
		t.Errorf("waitIndex = %d, want 4 (min of consumers)", edge.waitIndex)
	}
	if edge.signalStages != StageCompute {
		t.Errorf("signalStages = %v", edge.signalStages)
	}
	if edge.waitStages != StageVertex|StageFragment {
		t.Errorf("waitStages = %v, want Vertex|Fragment", edge.waitStages)
	}
	if len(edge.resources) != 2 {
		t.Errorf("resources = %d, want 2", len(edge.resources))
	}
}

func TestBuildDependenciesSamplerSkipped(t *testing.T) {
	smp := makeHandle(KindSampler, 0, 0, 1)
	a := schedPass(0, PassCompute, 0, 1,
		Usage{Resource: smp, Subresource: SubresourceAll, Access: AccessWrite, Stages: StageCompute})
	b := schedPass(1, PassCompute, 0, 1,
		Usage{Resource: smp, Subresource: SubresourceAll, Access: AccessRead, Stages: StageCompute})

	_, deps := buildFrame(t, []*Pass{a, b})
	if deps.matrix.edgeCount() != 0 || len(deps.barriers) != 0 {
		t.Error("sampler usages participated in hazard analysis")
	}
}

func TestBuildDependenciesTransientLifetimes(t *testing.T) {
	trans := makeHandle(KindBuffer, 1, 0, 0)
	a := schedPass(0, PassCompute, 0, 1, writeUsage(trans))
	b := schedPass(1, PassBlit, 0, 1,
		Usage{Resource: trans, Subresource: SubresourceAll, Access: AccessBlitSrc, Stages: StageBlit})
	c := schedPass(2, PassCompute, 1, 1, readUsage(trans))

	_, deps := buildFrame(t, []*Pass{a, b, c})
	got, ok := deps.lifetimes[trans]
	if !ok {
		t.Fatal("transient lifetime missing")
	}
	if got != [2]uint32{0, 2} {
		t.Errorf("lifetime = %v, want [0 2]", got)
	}
}
