package membership

import (
	"math"
	"math/rand"
	"time"
)

// shuffleNodes randomizes the order of a []*nodeState slice in place using
// the Fisher-Yates algorithm, used to rebuild the probe ring so failure
// detection doesn't always hit peers in the same order.
func shuffleNodes(nodes []*nodeState) {
	n := len(nodes)
	for i := n - 1; i > 0; i-- {
		j := rand.Intn(i + 1)
		nodes[i], nodes[j] = nodes[j], nodes[i]
	}
}

// kRandomNodes returns up to k distinct entries from nodes, excluding any
// for which exclude returns true (typically: self, and the node already
// being probed).
func kRandomNodes(k int, nodes []*nodeState, exclude func(*nodeState) bool) []*nodeState {
	n := len(nodes)
	result := make([]*nodeState, 0, k)

	for i := 0; i < 3*n && len(result) < k; i++ {
		idx := rand.Intn(n)
		node := nodes[idx]
		if exclude != nil && exclude(node) {
			continue
		}
		duplicate := false
		for _, r := range result {
			if r == node {
				duplicate = true
				break
			}
		}
		if !duplicate {
			result = append(result, node)
		}
	}
	return result
}

// suspicionTimeout computes the dynamic suspicion duration for a cluster of
// the given size: suspicionMult * max(1, log10(n)) * probeInterval, with the
// log10 factor truncated to a whole number before it is applied. This is
// the theoretical upper bound; independent confirmations shrink it down
// toward a floor, computed separately in suspicion.go.
func suspicionTimeout(suspicionMult, n int, probeInterval time.Duration) time.Duration {
	nodeScale := math.Max(1.0, math.Log10(math.Max(float64(n), 1.0)))
	return time.Duration(float64(suspicionMult)) * time.Duration(nodeScale) * probeInterval
}
