package mls

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// Expected values for a tree over 8 leaves (node width 15)
var (
	aRoot = []nodeIndex{
		0x00, 0x01, 0x03, 0x03, 0x07, 0x07, 0x07, 0x07,
	}

	aLevel = []uint{
		0, 1, 0, 2, 0, 1, 0, 3, 0, 1, 0, 2, 0, 1, 0,
	}

	aLeft = []nodeIndex{
		0x00, 0x00, 0x02, 0x01, 0x04, 0x04, 0x06, 0x03,
		0x08, 0x08, 0x0a, 0x09, 0x0c, 0x0c, 0x0e,
	}

	aRight = []nodeIndex{
		0x00, 0x02, 0x02, 0x05, 0x04, 0x06, 0x06, 0x0b,
		0x08, 0x0a, 0x0a, 0x0d, 0x0c, 0x0e, 0x0e,
	}

	aParent = []nodeIndex{
		0x01, 0x03, 0x01, 0x07, 0x05, 0x03, 0x05, 0x07,
		0x09, 0x0b, 0x09, 0x07, 0x0d, 0x0b, 0x0d,
	}

	aSibling = []nodeIndex{
		0x02, 0x05, 0x00, 0x0b, 0x06, 0x01, 0x04, 0x07,
		0x0a, 0x0d, 0x08, 0x03, 0x0e, 0x09, 0x0c,
	}
)

const treeMathSize = leafCount(8)

func TestRoot(t *testing.T) {
	for n := leafCount(1); n <= treeMathSize; n++ {
		require.Equal(t, aRoot[n-1], root(n))
	}
}

func TestLevel(t *testing.T) {
	for x := range aLevel {
		require.Equal(t, aLevel[x], level(nodeIndex(x)))
	}
}

func TestRelations(t *testing.T) {
	for x := range aLeft {
		n := nodeIndex(x)
		require.Equal(t, aLeft[x], left(n))
		require.Equal(t, aRight[x], right(n, treeMathSize))
		if n != root(treeMathSize) {
			require.Equal(t, aParent[x], parent(n, treeMathSize))
			require.Equal(t, aSibling[x], sibling(n, treeMathSize))
		}
	}
}

func TestDirpathCopath(t *testing.T) {
	for l := leafIndex(0); leafCount(l) < treeMathSize; l++ {
		dp := dirpath(toNodeIndex(l), treeMathSize)
		cp := copath(toNodeIndex(l), treeMathSize)

		require.Equal(t, len(dp)-1, len(cp))
		require.Equal(t, toNodeIndex(l), dp[0])
		require.Equal(t, root(treeMathSize), dp[len(dp)-1])

		// Each copath entry is the sibling of the corresponding dirpath
		// entry
		for i, v := range cp {
			require.Equal(t, sibling(dp[i], treeMathSize), v)
			require.Equal(t, parent(dp[i], treeMathSize), parent(v, treeMathSize))
		}
	}
}

func TestAncestor(t *testing.T) {
	require.Equal(t, nodeIndex(1), ancestor(0, 1))
	require.Equal(t, nodeIndex(3), ancestor(0, 2))
	require.Equal(t, nodeIndex(3), ancestor(1, 3))
	require.Equal(t, nodeIndex(7), ancestor(0, 7))
	require.Equal(t, nodeIndex(7), ancestor(3, 4))

	// Symmetric
	for l := leafIndex(0); leafCount(l) < treeMathSize; l++ {
		for r := l + 1; leafCount(r) < treeMathSize; r++ {
			require.Equal(t, ancestor(l, r), ancestor(r, l))
			require.True(t, inSubtree(toNodeIndex(l), ancestor(l, r), treeMathSize))
			require.True(t, inSubtree(toNodeIndex(r), ancestor(l, r), treeMathSize))
		}
	}
}

func TestNodeWidth(t *testing.T) {
	require.Equal(t, nodeCount(0), nodeWidth(0))
	require.Equal(t, nodeCount(1), nodeWidth(1))
	require.Equal(t, nodeCount(3), nodeWidth(2))
	require.Equal(t, nodeCount(7), nodeWidth(4))
	require.Equal(t, nodeCount(15), nodeWidth(8))
}
