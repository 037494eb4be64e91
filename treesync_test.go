package mls

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestLeaf(t *testing.T, suite CipherSuite, name string) (LeafNode, HPKEPrivateKey, SignaturePrivateKey) {
	encPriv, err := suite.hpke().Generate()
	require.Nil(t, err)

	sigPriv, cred := newTestIdentity(t, suite, name)
	leaf, err := newLeafNode(suite, encPriv.PublicKey, cred, &sigPriv)
	require.Nil(t, err)

	return leaf, encPriv, sigPriv
}

// A TreeSync over n members, with the private key for exactly one of them
func newTestTree(t *testing.T, suite CipherSuite, n int, owner leafIndex) (*TreeSync, []LeafNode, SignaturePrivateKey) {
	leaves := make([]LeafNode, n)
	privs := make([]HPKEPrivateKey, n)
	sigPrivs := make([]SignaturePrivateKey, n)
	for i := 0; i < n; i++ {
		leaves[i], privs[i], sigPrivs[i] = newTestLeaf(t, suite, memberName(i))
	}

	tree := newTreeSync(suite)
	diff := tree.NewDiff()
	for i := 0; i < n; i++ {
		target, err := diff.addLeaf(leaves[i])
		require.Nil(t, err)
		require.Equal(t, leafIndex(i), target)
	}
	tree.Merge(diff)
	tree.Secrets.PrivateKeys[toNodeIndex(owner)] = privs[owner]

	return tree, leaves, sigPrivs[owner]
}

func TestDiffGrowth(t *testing.T) {
	suite := testSuite
	tree := newTreeSync(suite)

	diff := tree.NewDiff()
	for i := 0; i < 5; i++ {
		leaf, _, _ := newTestLeaf(t, suite, memberName(i))
		target, err := diff.addLeaf(leaf)
		require.Nil(t, err)
		require.Equal(t, leafIndex(i), target)
	}
	require.Equal(t, leafCount(8), diff.size)

	tree.Merge(diff)
	require.Equal(t, leafCount(8), tree.Tree.size())
	require.Equal(t, 5, tree.Tree.population())
}

func TestDiffSlotReuse(t *testing.T) {
	suite := testSuite
	tree, _, _ := newTestTree(t, suite, 3, 0)

	diff := tree.NewDiff()
	require.Nil(t, diff.removeLeaf(1))
	require.False(t, diff.occupied(1))

	leaf, _, _ := newTestLeaf(t, suite, "replacement")
	target, err := diff.addLeaf(leaf)
	require.Nil(t, err)
	require.Equal(t, leafIndex(1), target)

	tree.Merge(diff)
	require.Equal(t, leafCount(4), tree.Tree.size())
	require.True(t, tree.Tree.occupied(1))
}

func TestDiffTruncate(t *testing.T) {
	suite := testSuite
	tree, _, _ := newTestTree(t, suite, 4, 0)
	require.Equal(t, leafCount(4), tree.Tree.size())

	diff := tree.NewDiff()
	require.Nil(t, diff.removeLeaf(3))
	require.Nil(t, diff.removeLeaf(2))
	require.Equal(t, leafCount(2), diff.size)

	tree.Merge(diff)
	require.Equal(t, leafCount(2), tree.Tree.size())
	require.Equal(t, 2, tree.Tree.population())
}

func TestDiffRejectsBlankTargets(t *testing.T) {
	suite := testSuite
	tree, _, _ := newTestTree(t, suite, 2, 0)

	diff := tree.NewDiff()
	require.Error(t, diff.removeLeaf(3))

	leaf, _, _ := newTestLeaf(t, suite, "nobody")
	require.Error(t, diff.updateLeaf(3, leaf))
}

func TestDiffIsolation(t *testing.T) {
	suite := testSuite
	tree, _, _ := newTestTree(t, suite, 3, 0)
	before := tree.Tree.clone()
	beforeHash := dup(tree.TreeHash)

	// A discarded diff leaves the base untouched
	diff := tree.NewDiff()
	require.Nil(t, diff.removeLeaf(1))
	leaf, _, _ := newTestLeaf(t, suite, "discarded")
	_, err := diff.addLeaf(leaf)
	require.Nil(t, err)

	require.True(t, tree.Tree.Equals(before))
	require.Equal(t, beforeHash, tree.TreeHash)
}

func TestDiffRootHashAgreesWithMerge(t *testing.T) {
	suite := testSuite
	tree, _, _ := newTestTree(t, suite, 3, 0)

	diff := tree.NewDiff()
	leaf, _, _ := newTestLeaf(t, suite, "newcomer")
	_, err := diff.addLeaf(leaf)
	require.Nil(t, err)

	predicted := diff.RootHash()
	tree.Merge(diff)
	require.Equal(t, predicted, tree.TreeHash)
}

func TestEncapDecap(t *testing.T) {
	for _, suite := range supportedSuites {
		t.Run(suite.String(), func(t *testing.T) {
			groupSize := 5
			context := []byte("group context")

			// Build one tree per member, all with identical public state
			leaves := make([]LeafNode, groupSize)
			encPrivs := make([]HPKEPrivateKey, groupSize)
			sigPrivs := make([]SignaturePrivateKey, groupSize)
			for i := range leaves {
				leaves[i], encPrivs[i], sigPrivs[i] = newTestLeaf(t, suite, memberName(i))
			}

			trees := make([]*TreeSync, groupSize)
			for i := range trees {
				trees[i] = newTreeSync(suite)
				diff := trees[i].NewDiff()
				for j := range leaves {
					_, err := diff.addLeaf(leaves[j])
					require.Nil(t, err)
				}
				trees[i].Merge(diff)
				trees[i].Secrets.PrivateKeys[toNodeIndex(leafIndex(i))] = encPrivs[i]
			}

			// Member 0 sends an update path
			leafSecret := randomBytes(t, suite.Constants().SecretSize)
			leafPriv, err := nodePrivateKey(suite, leafSecret)
			require.Nil(t, err)

			newLeaf := leaves[0].Clone()
			newLeaf.EncryptionKey = leafPriv.PublicKey

			senderDiff := trees[0].NewDiff()
			path, pathSecrets, err := senderDiff.encap(0, newLeaf, &sigPrivs[0], context, leafSecret)
			require.Nil(t, err)
			rootSecret := pathSecrets[root(senderDiff.size)]
			require.NotEmpty(t, rootSecret)
			trees[0].Merge(senderDiff)

			// Everyone else recovers the same root secret and tree
			for i := 1; i < groupSize; i++ {
				diff := trees[i].NewDiff()
				recovered, err := diff.decap(0, context, path)
				require.Nil(t, err)
				require.Equal(t, rootSecret, recovered)

				require.Nil(t, diff.validate(nil, []byte{}, ExtensionList{}, nil))
				trees[i].Merge(diff)

				require.True(t, trees[i].Tree.Equals(&trees[0].Tree))
				require.Equal(t, trees[0].TreeHash, trees[i].TreeHash)
			}
		})
	}
}

func TestDecapWrongContext(t *testing.T) {
	suite := testSuite

	leaves := make([]LeafNode, 2)
	encPrivs := make([]HPKEPrivateKey, 2)
	sigPrivs := make([]SignaturePrivateKey, 2)
	for i := range leaves {
		leaves[i], encPrivs[i], sigPrivs[i] = newTestLeaf(t, suite, memberName(i))
	}

	build := func(owner int) *TreeSync {
		tree := newTreeSync(suite)
		diff := tree.NewDiff()
		for j := range leaves {
			_, err := diff.addLeaf(leaves[j])
			require.Nil(t, err)
		}
		tree.Merge(diff)
		tree.Secrets.PrivateKeys[toNodeIndex(leafIndex(owner))] = encPrivs[owner]
		return tree
	}

	treeA, treeB := build(0), build(1)

	leafSecret := randomBytes(t, suite.Constants().SecretSize)
	leafPriv, err := nodePrivateKey(suite, leafSecret)
	require.Nil(t, err)

	newLeaf := leaves[0].Clone()
	newLeaf.EncryptionKey = leafPriv.PublicKey

	diffA := treeA.NewDiff()
	path, _, err := diffA.encap(0, newLeaf, &sigPrivs[0], []byte("right"), leafSecret)
	require.Nil(t, err)

	diffB := treeB.NewDiff()
	_, err = diffB.decap(0, []byte("wrong"), path)
	require.Error(t, err)

	// The failed diff was never merged; the base still decrypts correctly
	diffB2 := treeB.NewDiff()
	_, err = diffB2.decap(0, []byte("right"), path)
	require.Nil(t, err)
}

func TestUnmergedLeavesSurviveValidation(t *testing.T) {
	suite := testSuite
	context := []byte("ctx")

	tree, leaves, sigPriv := newTestTree(t, suite, 3, 0)

	// Put real parent nodes on member 0's path
	leafSecret := randomBytes(t, suite.Constants().SecretSize)
	leafPriv, err := nodePrivateKey(suite, leafSecret)
	require.Nil(t, err)

	newLeaf := leaves[0].Clone()
	newLeaf.EncryptionKey = leafPriv.PublicKey

	diff := tree.NewDiff()
	_, _, err = diff.encap(0, newLeaf, &sigPriv, context, leafSecret)
	require.Nil(t, err)
	tree.Merge(diff)

	// A later add records itself as unmerged at non-blank ancestors; the
	// stored parent hashes must remain valid
	diff = tree.NewDiff()
	addition, _, _ := newTestLeaf(t, suite, "latecomer")
	target, err := diff.addLeaf(addition)
	require.Nil(t, err)
	require.Equal(t, leafIndex(3), target)

	require.Nil(t, diff.validate(nil, []byte{}, ExtensionList{}, nil))

	// The new leaf appears in the root resolution via the unmerged list
	res := diff.resolve(root(diff.size))
	require.Contains(t, res, toNodeIndex(target))

	tree.Merge(diff)
}

func TestEncapLeafParentHash(t *testing.T) {
	suite := testSuite
	context := []byte("ctx")

	leaves := make([]LeafNode, 2)
	encPrivs := make([]HPKEPrivateKey, 2)
	sigPrivs := make([]SignaturePrivateKey, 2)
	for i := range leaves {
		leaves[i], encPrivs[i], sigPrivs[i] = newTestLeaf(t, suite, memberName(i))
	}

	build := func(owner int) *TreeSync {
		tree := newTreeSync(suite)
		diff := tree.NewDiff()
		for j := range leaves {
			_, err := diff.addLeaf(leaves[j])
			require.Nil(t, err)
		}
		tree.Merge(diff)
		tree.Secrets.PrivateKeys[toNodeIndex(leafIndex(owner))] = encPrivs[owner]
		return tree
	}

	tree, receiver := build(0), build(1)
	sigPriv := sigPrivs[0]

	leafSecret := randomBytes(t, suite.Constants().SecretSize)
	leafPriv, err := nodePrivateKey(suite, leafSecret)
	require.Nil(t, err)

	newLeaf := leaves[0].Clone()
	newLeaf.EncryptionKey = leafPriv.PublicKey

	diff := tree.NewDiff()
	path, _, err := diff.encap(0, newLeaf, &sigPriv, context, leafSecret)
	require.Nil(t, err)

	// The sent leaf is bound to the parent node installed above it
	var phe ParentHashExtension
	found, err := path.LeafNode.Extensions.Find(&phe)
	require.Nil(t, err)
	require.True(t, found)

	p := diff.node(parent(toNodeIndex(0), diff.size)).Node.Parent
	require.Equal(t, p.ChildrenHash, phe.ParentHash)

	// A path whose leaf claims a different parent hash is refused even when
	// the leaf signature itself is valid
	forged := *path
	forged.LeafNode = path.LeafNode.Clone()
	forged.LeafNode.Extensions = path.LeafNode.Extensions.Clone()
	require.Nil(t, forged.LeafNode.Extensions.Add(ParentHashExtension{
		ParentHash: randomBytes(t, len(phe.ParentHash)),
	}))
	require.Nil(t, forged.LeafNode.Sign(&sigPriv))

	rdiff := receiver.NewDiff()
	_, err = rdiff.decap(0, context, &forged)
	require.Error(t, err)

	// The genuine path is accepted
	rdiff = receiver.NewDiff()
	_, err = rdiff.decap(0, context, path)
	require.Nil(t, err)
}
