package mls

import (
	"bytes"
	"fmt"

	syntax "github.com/cisco/go-tls-syntax"
)

///
/// RatchetTree
///
/// Authoritative storage for the public tree state: an array of 2*n-1 node
/// slots over n leaves, n always a power of two, alternating leaf/parent by
/// index parity.  All mutation goes through a TreeDiff (treesync.go); the
/// methods here are read-only except for hash cache maintenance.

type optionalNodeList struct {
	Data []OptionalNode `tls:"head=4"`
}

type RatchetTree struct {
	Nodes []OptionalNode `tls:"head=4"`
	Suite CipherSuite    `tls:"omit"`
}

func newRatchetTree(suite CipherSuite) *RatchetTree {
	return &RatchetTree{
		Nodes: []OptionalNode{},
		Suite: suite,
	}
}

func (t RatchetTree) MarshalTLS() ([]byte, error) {
	enc, err := syntax.Marshal(optionalNodeList{Data: t.Nodes})
	if err != nil {
		return nil, fmt.Errorf("mls.ratchet-tree: marshal failed: %v", err)
	}
	return enc, nil
}

func (t *RatchetTree) UnmarshalTLS(data []byte) (int, error) {
	var list optionalNodeList
	read, err := syntax.Unmarshal(data, &list)
	if err != nil {
		return 0, fmt.Errorf("mls.ratchet-tree: unmarshal failed: %v", err)
	}
	t.Nodes = list.Data
	// Hashes are recomputed once the caller has set the suite
	return read, nil
}

// number of leaves in the tree
func (t RatchetTree) size() leafCount {
	return numLeaves(nodeCount(len(t.Nodes)))
}

func (t RatchetTree) nodeSize() nodeCount {
	return nodeCount(len(t.Nodes))
}

func (t RatchetTree) rootIndex() nodeIndex {
	return root(t.size())
}

func (t RatchetTree) node(n nodeIndex) OptionalNode {
	if int(n) >= len(t.Nodes) {
		return OptionalNode{}
	}
	return t.Nodes[n]
}

func (t RatchetTree) occupied(l leafIndex) bool {
	return !t.node(toNodeIndex(l)).blank()
}

func (t RatchetTree) leafNode(l leafIndex) *LeafNode {
	n := t.node(toNodeIndex(l))
	if n.blank() {
		return nil
	}
	return n.Node.Leaf
}

// Number of non-blank leaves
func (t RatchetTree) population() int {
	count := 0
	for l := leafIndex(0); leafCount(l) < t.size(); l++ {
		if t.occupied(l) {
			count++
		}
	}
	return count
}

// Resolution of a node: the node plus its unmerged leaves if non-blank, the
// concatenated resolutions of its children if a blank parent, empty if a
// blank leaf.
func (t RatchetTree) resolve(index nodeIndex) []nodeIndex {
	n := t.node(index)
	if !n.blank() {
		res := []nodeIndex{index}
		if n.Node.Parent != nil {
			for _, v := range n.Node.Parent.UnmergedLeaves {
				res = append(res, toNodeIndex(v))
			}
		}
		return res
	}

	if level(index) == 0 {
		return []nodeIndex{}
	}

	l := t.resolve(left(index))
	r := t.resolve(right(index, t.size()))
	return append(l, r...)
}

func (t RatchetTree) RootHash() []byte {
	if t.nodeSize() == 0 {
		return t.Suite.Digest([]byte{})
	}
	return t.Nodes[t.rootIndex()].Hash
}

func (t *RatchetTree) setHash(index nodeIndex) {
	if level(index) == 0 {
		t.Nodes[index].setLeafNodeHash(t.Suite)
		return
	}

	l := left(index)
	r := right(index, t.size())
	t.Nodes[index].setParentNodeHash(t.Suite, t.Nodes[l].Hash, t.Nodes[r].Hash)
}

func (t *RatchetTree) setHashSubtree(index nodeIndex) {
	if level(index) > 0 {
		t.setHashSubtree(left(index))
		t.setHashSubtree(right(index, t.size()))
	}
	t.setHash(index)
}

func (t *RatchetTree) setHashAll() {
	if t.nodeSize() == 0 {
		return
	}
	t.setHashSubtree(t.rootIndex())
}

// Locate the leaf carrying the given key package's leaf node
func (t RatchetTree) Find(kp KeyPackage) (leafIndex, bool) {
	for i := leafIndex(0); leafCount(i) < t.size(); i++ {
		leaf := t.leafNode(i)
		if leaf == nil {
			continue
		}

		if leaf.EncryptionKey.Equals(kp.LeafNode.EncryptionKey) &&
			leaf.SignatureKey.Equals(kp.LeafNode.SignatureKey) {
			return i, true
		}
	}
	return 0, false
}

// Locate a leaf by member identity
func (t RatchetTree) FindIdentity(identity []byte) (leafIndex, bool) {
	for i := leafIndex(0); leafCount(i) < t.size(); i++ {
		leaf := t.leafNode(i)
		if leaf == nil {
			continue
		}

		if bytes.Equal(leaf.Credential.Identity(), identity) {
			return i, true
		}
	}
	return 0, false
}

func (t RatchetTree) Equals(o *RatchetTree) bool {
	if len(t.Nodes) != len(o.Nodes) {
		return false
	}

	for i := range t.Nodes {
		if !t.Nodes[i].Equals(o.Nodes[i]) {
			return false
		}
	}
	return true
}

func (t RatchetTree) clone() *RatchetTree {
	nodes := make([]OptionalNode, len(t.Nodes))
	for i, n := range t.Nodes {
		nodes[i] = n.Clone()
	}

	return &RatchetTree{
		Nodes: nodes,
		Suite: t.Suite,
	}
}

func (t RatchetTree) dump(label string) {
	fmt.Printf("===== tree(%s) [%04x] =====\n", label, uint16(t.Suite))
	fmt.Printf("===== rootHash [%x] =====\n", t.RootHash())

	for i, n := range t.Nodes {
		if n.blank() {
			fmt.Printf("  %2d _\n", i)
		} else {
			fmt.Printf("  %2d [%x]\n", i, n.Node.PublicKey().Data)
		}
	}
}
