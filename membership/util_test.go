package membership

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestShuffleNodesPreservesSet(t *testing.T) {
	nodes := make([]*nodeState, 10)
	for i := range nodes {
		nodes[i] = &nodeState{Node: Node{Name: string(rune('a' + i))}}
	}

	before := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		before[n.Name] = true
	}

	shuffleNodes(nodes)

	require.Len(t, nodes, 10)
	after := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		after[n.Name] = true
	}
	require.Equal(t, before, after)
}

func TestKRandomNodesExcludesAndDedupes(t *testing.T) {
	nodes := make([]*nodeState, 5)
	for i := range nodes {
		nodes[i] = &nodeState{Node: Node{Name: string(rune('a' + i))}}
	}
	excludeFirst := nodes[0]

	result := kRandomNodes(10, nodes, func(n *nodeState) bool {
		return n == excludeFirst
	})

	require.LessOrEqual(t, len(result), 4)
	seen := make(map[*nodeState]bool)
	for _, n := range result {
		require.NotEqual(t, excludeFirst, n)
		require.False(t, seen[n], "kRandomNodes returned a duplicate")
		seen[n] = true
	}
}

func TestSuspicionTimeoutGrowsWithClusterSize(t *testing.T) {
	probeInterval := 200 * time.Millisecond
	small := suspicionTimeout(4, 2, probeInterval)
	large := suspicionTimeout(4, 1000, probeInterval)

	require.Greater(t, large, small)
	require.GreaterOrEqual(t, small, probeInterval)
}
