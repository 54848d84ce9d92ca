// Command fgdemo builds a small two-queue frame graph on the
// in-process backend and prints per-frame statistics.
package main

import (
	"flag"
	"log"

	"github.com/gogpu/framegraph"
	_ "github.com/gogpu/framegraph/backend/native"
)

func main() {
	var (
		frames  = flag.Int("frames", 4, "number of frames to commit")
		backend = flag.String("backend", "native", "backend name")
		workers = flag.Int("workers", 0, "recording workers (0 = GOMAXPROCS)")
		scratch = flag.Int("scratch", 1<<20, "per-frame scratch buffer size in bytes")
	)
	flag.Parse()

	g, err := framegraph.New(framegraph.Config{Backend: *backend, Workers: *workers})
	if err != nil {
		log.Fatalf("create graph: %v", err)
	}
	defer g.Close()

	if err := g.EnsureQueue(1, framegraph.PassCompute, "async-compute"); err != nil {
		log.Fatalf("declare queue: %v", err)
	}

	readback, err := g.Resources().NewBuffer(framegraph.BufferDescriptor{
		Length: 1 << 16,
		Label:  "readback",
	})
	if err != nil {
		log.Fatalf("create readback buffer: %v", err)
	}
	if err := g.Resources().MarkExternalConsumer(readback); err != nil {
		log.Fatalf("mark readback: %v", err)
	}

	for frame := 0; frame < *frames; frame++ {
		tmp, err := g.TransientBuffer(framegraph.BufferDescriptor{
			Length: uint64(*scratch),
			Label:  "scratch",
		})
		if err != nil {
			log.Fatalf("frame %d: transient: %v", frame, err)
		}

		err = g.AddPass(framegraph.PassDesc{
			Kind:  framegraph.PassCompute,
			Name:  "simulate",
			Queue: 1,
		}, func(e *framegraph.PassEncoder) {
			e.UseResource(tmp, framegraph.AccessWrite, framegraph.StageCompute)
			e.Dispatch(64, 1, 1)
		})
		if err != nil {
			log.Fatalf("frame %d: simulate: %v", frame, err)
		}

		err = g.AddPass(framegraph.PassDesc{
			Kind:  framegraph.PassCompute,
			Name:  "resolve",
			Queue: 0,
		}, func(e *framegraph.PassEncoder) {
			e.UseResource(tmp, framegraph.AccessRead, framegraph.StageCompute)
			e.UseResource(readback, framegraph.AccessWrite, framegraph.StageCompute)
			e.Dispatch(1, 1, 1)
		})
		if err != nil {
			log.Fatalf("frame %d: resolve: %v", frame, err)
		}

		stats, err := g.CommitFrame()
		if err != nil {
			log.Fatalf("frame %d: commit: %v", frame, err)
		}
		log.Printf("%s transient=%s", stats, stats.Transient)
	}
}
