// Package framegraph is a render-graph runtime for the gogpu ecosystem.
//
// Applications declare rendering work as a graph of passes that read and
// write GPU resources. Each frame, the runtime culls passes whose results
// are never consumed, groups the survivors into command encoders, derives
// the minimal set of synchronization edges between encoders, and submits
// the result to a backend with compacted residency calls, memory barriers,
// and image layout transitions.
//
// The basic flow:
//
//	g, err := framegraph.New(framegraph.Config{Backend: "native"})
//	tex, err := g.TransientTexture(desc)
//	err = g.AddPass(framegraph.PassDesc{Kind: framegraph.PassCompute, Name: "simulate"},
//	    func(enc *framegraph.PassEncoder) {
//	        enc.SetTexture(framegraph.BindPath{Stages: framegraph.StageCompute}, tex)
//	        enc.UseResource(tex, framegraph.AccessWrite, framegraph.StageCompute)
//	        enc.Dispatch(64, 64, 1)
//	    })
//	stats, err := g.CommitFrame()
//
// Pass registration order is the topological order: observed GPU effects
// respect all declared usages as if passes executed in that order, even
// though CPU recording runs on a parallel worker pool and GPU execution is
// reordered within legal bounds. Dependencies exist only between passes
// that share resources; an undeclared dependency is a caller bug.
//
// Resources are identified by cheap 64-bit tagged handles. Persistent
// resources live until disposed; transient resources are materialized
// lazily from a per-frame arena and may alias memory when their encoder
// lifetimes do not overlap.
//
// By default framegraph produces no log output. Call [SetLogger] to enable
// structured logging.
package framegraph
