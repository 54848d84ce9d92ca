package framegraph

import "github.com/gogpu/framegraph/internal/bitset"

// reduceMatrix computes the transitive reduction of the dependency
// matrix in place: an edge a -> c is removed when the destination
// already reaches the source through surviving edges AND the surviving
// paths' combined signal coverage at a is a superset of the removed
// edge's signal stages. Every surviving path is a real synchronization
// chain, so coverage accumulates across paths.
//
// Encoder indices are processed in ascending order; registration order
// is topological, so every edge runs low to high.
func reduceMatrix(m *depMatrix) {
	n := m.n
	if n == 0 {
		return
	}

	// reach[x] is the set of encoders x transitively waits on.
	reach := make([]*bitset.Set, n)

	// cover[x][a] is the union of signal stages with which encoder a
	// signals along surviving paths into x.
	cover := make([]map[int]StageFlags, n)

	for dst := 0; dst < n; dst++ {
		reach[dst] = bitset.New(n)
		cover[dst] = make(map[int]StageFlags)

		// Try to remove the farthest sources first so short chains
		// absorb long direct edges.
		for src := 0; src < dst; src++ {
			edge := m.at(dst, src)
			if !edge.valid {
				continue
			}

			var via StageFlags
			reachable := false
			for mid := src + 1; mid < dst; mid++ {
				if !m.at(dst, mid).valid || !reach[mid].Has(src) {
					continue
				}
				reachable = true
				via |= cover[mid][src]
			}
			if reachable && via.Contains(edge.signalStages) {
				edge.valid = false
			}
		}

		// Fold surviving incoming edges into dst's closure.
		for src := 0; src < dst; src++ {
			edge := m.at(dst, src)
			if !edge.valid {
				continue
			}
			reach[dst].Set(src)
			reach[dst].Or(reach[src])
			cover[dst][src] |= edge.signalStages
			for a, stages := range cover[src] {
				cover[dst][a] |= stages
			}
		}
	}
}
