package mls

import (
	"bytes"
	"fmt"

	syntax "github.com/cisco/go-tls-syntax"
)

///
/// TreeSecrets
///
/// Private key material held alongside the public tree.  Only the nodes whose
/// resolution contains this member's leaf carry a private key.

type TreeSecrets struct {
	PrivateKeys map[nodeIndex]HPKEPrivateKey
}

func NewTreeSecrets() *TreeSecrets {
	return &TreeSecrets{
		PrivateKeys: map[nodeIndex]HPKEPrivateKey{},
	}
}

func (ts *TreeSecrets) Clone() *TreeSecrets {
	if ts == nil {
		return NewTreeSecrets()
	}

	out := NewTreeSecrets()
	for i, pk := range ts.PrivateKeys {
		out.PrivateKeys[i] = pk
	}
	return out
}

///
/// Path secret derivations
///

func nodeStepSecret(suite CipherSuite, pathSecret []byte) []byte {
	return suite.hkdfExpandLabel(pathSecret, "node", []byte{}, suite.Constants().SecretSize)
}

func pathStepSecret(suite CipherSuite, pathSecret []byte) []byte {
	return suite.hkdfExpandLabel(pathSecret, "path", []byte{}, suite.Constants().SecretSize)
}

func nodePrivateKey(suite CipherSuite, pathSecret []byte) (HPKEPrivateKey, error) {
	return suite.hpke().Derive(nodeStepSecret(suite, pathSecret))
}

///
/// TreeSync
///
/// Owns the authoritative RatchetTree, the verified hash of its public state,
/// and this member's private keys.  Every mutation is computed on a TreeDiff,
/// validated, and then merged; a failed diff is simply dropped and the
/// authoritative state is untouched.

type TreeSync struct {
	Tree     RatchetTree
	TreeHash []byte       `tls:"head=1"`
	Secrets  *TreeSecrets `tls:"omit"`
}

func newTreeSync(suite CipherSuite) *TreeSync {
	tree := newRatchetTree(suite)
	return &TreeSync{
		Tree:     *tree,
		TreeHash: tree.RootHash(),
		Secrets:  NewTreeSecrets(),
	}
}

// Reconstruct a TreeSync around an imported public tree, e.g. from a Welcome.
// The tree hash caches are rebuilt and become the verified hash.
func newTreeSyncFromTree(tree *RatchetTree) *TreeSync {
	t := tree.clone()
	t.setHashAll()
	return &TreeSync{
		Tree:     *t,
		TreeHash: t.RootHash(),
		Secrets:  NewTreeSecrets(),
	}
}

func (ts TreeSync) clone() *TreeSync {
	return &TreeSync{
		Tree:     *ts.Tree.clone(),
		TreeHash: dup(ts.TreeHash),
		Secrets:  ts.Secrets.Clone(),
	}
}

func (ts *TreeSync) NewDiff() *TreeDiff {
	return &TreeDiff{
		base:      ts,
		suite:     ts.Tree.Suite,
		size:      ts.Tree.size(),
		overlay:   map[nodeIndex]OptionalNode{},
		privs:     map[nodeIndex]HPKEPrivateKey{},
		dropPrivs: map[nodeIndex]bool{},
	}
}

// Merge commits a validated diff into the authoritative tree.  The overlay is
// an index overwrite; nothing outside the recorded changes is touched except
// the hash caches.
func (ts *TreeSync) Merge(d *TreeDiff) {
	w := int(nodeWidth(d.size))

	if w < len(ts.Tree.Nodes) {
		for n := w; n < len(ts.Tree.Nodes); n++ {
			delete(ts.Secrets.PrivateKeys, nodeIndex(n))
		}
		ts.Tree.Nodes = ts.Tree.Nodes[:w]
	}
	for len(ts.Tree.Nodes) < w {
		ts.Tree.Nodes = append(ts.Tree.Nodes, OptionalNode{})
	}

	for idx, n := range d.overlay {
		if int(idx) < w {
			ts.Tree.Nodes[idx] = n
		}
	}

	for n := range d.dropPrivs {
		delete(ts.Secrets.PrivateKeys, n)
	}
	for n, priv := range d.privs {
		ts.Secrets.PrivateKeys[n] = priv
	}

	ts.Tree.setHashAll()
	ts.TreeHash = ts.Tree.RootHash()
}

///
/// TreeDiff
///
/// A copy-on-write candidate mutation of a TreeSync.  Reads fall through to
/// the base tree; writes land in the overlay.  The base is never modified, so
/// readers of the authoritative tree see a consistent snapshot for as long as
/// the diff is in flight.

type TreeDiff struct {
	base      *TreeSync
	suite     CipherSuite
	size      leafCount
	overlay   map[nodeIndex]OptionalNode
	privs     map[nodeIndex]HPKEPrivateKey
	dropPrivs map[nodeIndex]bool

	addedLeaves   []leafIndex
	updatedLeaves []leafIndex
	removedLeaves []leafIndex
}

func (d *TreeDiff) node(n nodeIndex) OptionalNode {
	if v, ok := d.overlay[n]; ok {
		return v
	}
	if n < nodeIndex(nodeWidth(d.size)) && int(n) < len(d.base.Tree.Nodes) {
		return d.base.Tree.Nodes[n]
	}
	return OptionalNode{}
}

func (d *TreeDiff) setNode(n nodeIndex, v OptionalNode) {
	d.overlay[n] = v
}

func (d *TreeDiff) blankNode(n nodeIndex) {
	d.overlay[n] = OptionalNode{}
	d.dropPrivs[n] = true
	delete(d.privs, n)
}

func (d *TreeDiff) setLeaf(l leafIndex, leaf LeafNode) {
	node := Node{Leaf: &leaf}
	d.setNode(toNodeIndex(l), OptionalNode{Node: &node})
}

func (d *TreeDiff) setParent(n nodeIndex, p ParentNode) {
	node := Node{Parent: &p}
	d.setNode(n, OptionalNode{Node: &node})
}

func (d *TreeDiff) setPrivate(n nodeIndex, priv HPKEPrivateKey) {
	d.privs[n] = priv
	delete(d.dropPrivs, n)
}

func (d *TreeDiff) hasPrivate(n nodeIndex) bool {
	if _, ok := d.privs[n]; ok {
		return true
	}
	if d.dropPrivs[n] {
		return false
	}
	_, ok := d.base.Secrets.PrivateKeys[n]
	return ok
}

func (d *TreeDiff) getPrivate(n nodeIndex) HPKEPrivateKey {
	if priv, ok := d.privs[n]; ok {
		return priv
	}
	return d.base.Secrets.PrivateKeys[n]
}

func (d *TreeDiff) occupied(l leafIndex) bool {
	return !d.node(toNodeIndex(l)).blank()
}

func (d *TreeDiff) leafNode(l leafIndex) *LeafNode {
	n := d.node(toNodeIndex(l))
	if n.blank() {
		return nil
	}
	return n.Node.Leaf
}

// Resolution over the diff view
func (d *TreeDiff) resolve(index nodeIndex) []nodeIndex {
	n := d.node(index)
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

	l := d.resolve(left(index))
	r := d.resolve(right(index, d.size))
	return append(l, r...)
}

///
/// Structural mutations
///

func (d *TreeDiff) leftmostFree() (leafIndex, bool) {
	for l := leafIndex(0); leafCount(l) < d.size; l++ {
		if !d.occupied(l) {
			return l, true
		}
	}
	return 0, false
}

// AddLeaf places the leaf in the leftmost blank slot, doubling the tree when
// none is free.  Non-blank ancestors record the new leaf as unmerged.
func (d *TreeDiff) addLeaf(leaf LeafNode) (leafIndex, error) {
	target, ok := d.leftmostFree()
	if !ok {
		target = leafIndex(d.size)
		d.size = nextPowerOfTwo(d.size + 1)
	}

	d.setLeaf(target, leaf)
	d.dropPrivs[toNodeIndex(target)] = true

	dp := dirpath(toNodeIndex(target), d.size)
	for _, v := range dp {
		if v == toNodeIndex(target) {
			continue
		}

		n := d.node(v)
		if n.blank() || n.Node.Parent == nil {
			continue
		}

		parent := n.Node.Parent.Clone()
		parent.AddUnmerged(target)
		d.setParent(v, parent)
	}

	d.addedLeaves = append(d.addedLeaves, target)
	return target, nil
}

func (d *TreeDiff) blankPath(l leafIndex, includeLeaf bool) {
	if d.size == 0 {
		return
	}

	ln := toNodeIndex(l)
	for _, curr := range dirpath(ln, d.size) {
		if curr == ln && !includeLeaf {
			d.dropPrivs[curr] = true
			delete(d.privs, curr)
			continue
		}
		d.blankNode(curr)
	}
}

// UpdateLeaf replaces a leaf wholesale and blanks its direct path, since the
// old path secrets no longer cover the new leaf key.
func (d *TreeDiff) updateLeaf(l leafIndex, leaf LeafNode) error {
	if !d.occupied(l) {
		return treeErrorf("update of blank leaf %d", l)
	}

	d.blankPath(l, false)
	d.setLeaf(l, leaf)
	d.dropPrivs[toNodeIndex(l)] = true
	d.updatedLeaves = append(d.updatedLeaves, l)
	return nil
}

func (d *TreeDiff) removeLeaf(l leafIndex) error {
	if !d.occupied(l) {
		return treeErrorf("remove of blank leaf %d", l)
	}

	d.blankPath(l, true)
	d.truncate()
	d.removedLeaves = append(d.removedLeaves, l)
	return nil
}

// Drop the blank right half of the tree, repeatedly.  Only applies when every
// node at or above the current root's right subtree is blank, so surviving
// indices never move.
func (d *TreeDiff) truncate() {
	for d.size > 1 {
		r := root(d.size)
		w := nodeIndex(nodeWidth(d.size))

		empty := true
		for n := r; n < w; n++ {
			if !d.node(n).blank() {
				empty = false
				break
			}
		}
		if !empty {
			return
		}

		for n := r; n < w; n++ {
			delete(d.overlay, n)
			d.dropPrivs[n] = true
		}
		d.size /= 2
	}
}

///
/// Update paths
///

// Path secrets for the direct path starting at a node, chained one step per
// level.  Returns the per-node secrets and the root secret.
func (d *TreeDiff) pathSecrets(start nodeIndex, startSecret []byte) map[nodeIndex][]byte {
	secrets := map[nodeIndex][]byte{}

	curr := start
	secrets[curr] = dup(startSecret)

	r := root(d.size)
	for curr != r {
		next := parent(curr, d.size)
		secrets[next] = pathStepSecret(d.suite, secrets[curr])
		curr = next
	}

	return secrets
}

// The hash a parent node records over its children.  Unmerged leaves of the
// node are excluded so the hash remains checkable after later adds.
func (d *TreeDiff) parentBindingHash(p nodeIndex, unmerged []leafIndex) []byte {
	excluded := map[leafIndex]bool{}
	for _, l := range unmerged {
		excluded[l] = true
	}

	gather := func(res []nodeIndex) []HPKEPublicKey {
		keys := []HPKEPublicKey{}
		for _, n := range res {
			if level(n) == 0 && excluded[toLeafIndex(n)] {
				continue
			}
			keys = append(keys, d.node(n).Node.PublicKey())
		}
		return keys
	}

	input := parentBindingInput{
		LeftKeys:  gather(d.resolve(left(p))),
		RightKeys: gather(d.resolve(right(p, d.size))),
	}
	data, err := syntax.Marshal(input)
	if err != nil {
		panic(fmt.Errorf("mls.tree: parent binding input marshal failure %v", err))
	}
	return d.suite.Digest(data)
}

type parentBindingInput struct {
	LeftKeys  []HPKEPublicKey `tls:"head=4"`
	RightKeys []HPKEPublicKey `tls:"head=4"`
}

// Encap installs a fresh leaf and new parent keys along the direct path,
// encrypting each path secret to the resolution of the copath node at that
// level.  The leaf is stamped with the hash its new parent will record and
// signed, binding it to this path.  Returns the update path and the path
// secrets per node; the entry at the root is the commit secret, the others
// feed Welcome messages.
func (d *TreeDiff) encap(from leafIndex, newLeaf LeafNode, sigPriv *SignaturePrivateKey, context, leafSecret []byte) (*UpdatePath, map[nodeIndex][]byte, error) {
	leafPriv, err := nodePrivateKey(d.suite, leafSecret)
	if err != nil {
		return nil, nil, err
	}

	if !leafPriv.PublicKey.Equals(newLeaf.EncryptionKey) {
		return nil, nil, treeErrorf("update path leaf key does not match leaf secret")
	}

	ln := toNodeIndex(from)
	d.setLeaf(from, newLeaf)

	if d.size > 1 {
		ph := d.parentBindingHash(parent(ln, d.size), nil)
		newLeaf.Extensions = newLeaf.Extensions.Clone()
		if err := newLeaf.Extensions.Add(ParentHashExtension{ParentHash: ph}); err != nil {
			return nil, nil, err
		}
	}
	if err := newLeaf.Sign(sigPriv); err != nil {
		return nil, nil, err
	}

	d.setLeaf(from, newLeaf)
	d.setPrivate(ln, leafPriv)

	secrets := d.pathSecrets(ln, leafSecret)
	path := &UpdatePath{LeafNode: newLeaf}

	cp := copath(ln, d.size)
	for _, v := range cp {
		p := parent(v, d.size)
		pathSecret := secrets[p]

		priv, err := nodePrivateKey(d.suite, pathSecret)
		if err != nil {
			return nil, nil, err
		}

		pathNode := UpdatePathNode{PublicKey: priv.PublicKey}
		for _, rnode := range d.resolve(v) {
			pk := d.node(rnode).Node.PublicKey()
			ct, err := d.suite.hpke().Encrypt(pk, context, pathSecret)
			if err != nil {
				return nil, nil, wrapTreeError("encap encrypt to resolution failed", err)
			}
			pathNode.EncryptedPathSecrets = append(pathNode.EncryptedPathSecrets, ct)
		}

		parentNode := ParentNode{
			EncryptionKey:  priv.PublicKey,
			UnmergedLeaves: []leafIndex{},
		}
		parentNode.ChildrenHash = d.parentBindingHash(p, nil)
		d.setParent(p, parentNode)
		d.setPrivate(p, priv)

		path.Nodes = append(path.Nodes, pathNode)
	}

	return path, secrets, nil
}

// Decap applies a received update path: install the new public keys, then
// decrypt the one path secret addressed to us and implant the chain above it.
func (d *TreeDiff) decap(from leafIndex, context []byte, path *UpdatePath) ([]byte, error) {
	ln := toNodeIndex(from)
	cp := copath(ln, d.size)

	if len(path.Nodes) != len(cp) {
		return nil, treeErrorf("malformed update path: %d nodes, copath %d", len(path.Nodes), len(cp))
	}

	d.setLeaf(from, path.LeafNode)
	d.dropPrivs[ln] = true

	for i, v := range cp {
		p := parent(v, d.size)

		if len(path.Nodes[i].EncryptedPathSecrets) != len(d.resolve(v)) {
			return nil, treeErrorf("malformed update path node %d", i)
		}

		parentNode := ParentNode{
			EncryptionKey:  path.Nodes[i].PublicKey,
			UnmergedLeaves: []leafIndex{},
		}
		parentNode.ChildrenHash = d.parentBindingHash(p, nil)
		d.setParent(p, parentNode)
		d.dropPrivs[p] = true
	}

	// A leaf stamped with a parent hash must match the parent we just
	// installed above it
	var phe ParentHashExtension
	if found, err := path.LeafNode.Extensions.Find(&phe); err != nil {
		return nil, wrapTreeError("malformed parent hash extension", err)
	} else if found && d.size > 1 {
		installed := d.node(parent(ln, d.size)).Node.Parent
		if !bytes.Equal(phe.ParentHash, installed.ChildrenHash) {
			return nil, treeErrorf("update path leaf parent hash mismatch")
		}
	}

	// Locate the one ciphertext we can open
	for i, v := range cp {
		res := d.resolve(v)
		for idx, rnode := range res {
			if !d.hasPrivate(rnode) {
				continue
			}

			priv := d.getPrivate(rnode)
			pathSecret, err := d.suite.hpke().Decrypt(priv, context, path.Nodes[i].EncryptedPathSecrets[idx])
			if err != nil {
				return nil, wrapTreeError(fmt.Sprintf("path secret decryption at node %d failed", rnode), err)
			}

			return d.implant(parent(v, d.size), pathSecret)
		}
	}

	return nil, treeErrorf("no private key available to decrypt update path")
}

// Implant derives and installs private keys from the given node to the root,
// verifying each against the recorded public key.
func (d *TreeDiff) implant(start nodeIndex, pathSecret []byte) ([]byte, error) {
	secrets := d.pathSecrets(start, pathSecret)

	for curr, secret := range secrets {
		n := d.node(curr)
		if n.blank() {
			return nil, treeErrorf("attempt to implant blank node %d", curr)
		}

		priv, err := nodePrivateKey(d.suite, secret)
		if err != nil {
			return nil, err
		}

		if !priv.PublicKey.Equals(n.Node.PublicKey()) {
			return nil, treeErrorf("incorrect path secret for existing public key at node %d", curr)
		}

		d.setPrivate(curr, priv)
	}

	return secrets[root(d.size)], nil
}

// Implant starting from the common ancestor of two leaves; used by joiners
// consuming the path secret carried in a Welcome.
func (d *TreeDiff) implantFrom(from, to leafIndex, pathSecret []byte) ([]byte, error) {
	return d.implant(ancestor(from, to), pathSecret)
}

///
/// Hashing over the diff view
///

func (d *TreeDiff) dirty(n nodeIndex) bool {
	lvl := level(n)
	span := nodeIndex((1 << lvl) - 1)
	lo, hi := n-span, n+span
	for k := range d.overlay {
		if k >= lo && k <= hi {
			return true
		}
	}
	for k := range d.dropPrivs {
		if k >= lo && k <= hi {
			return true
		}
	}
	return false
}

func (d *TreeDiff) treeHash(n nodeIndex) []byte {
	// Reuse cached hashes for untouched subtrees that the base tree covers
	if !d.dirty(n) && int(n) < len(d.base.Tree.Nodes) {
		lvl := level(n)
		span := nodeIndex((1 << lvl) - 1)
		if int(n+span) < len(d.base.Tree.Nodes) && len(d.base.Tree.Nodes[n].Hash) > 0 {
			return d.base.Tree.Nodes[n].Hash
		}
	}

	scratch := d.node(n).Clone()
	if level(n) == 0 {
		scratch.setLeafNodeHash(d.suite)
		return scratch.Hash
	}

	l := d.treeHash(left(n))
	r := d.treeHash(right(n, d.size))
	scratch.setParentNodeHash(d.suite, l, r)
	return scratch.Hash
}

func (d *TreeDiff) RootHash() []byte {
	if d.size == 0 {
		return d.suite.Digest([]byte{})
	}
	return d.treeHash(root(d.size))
}

///
/// Validation
///

// validate re-checks the invariants a merged tree must satisfy.  Leaf checks
// (signature, credential, capabilities) can be restricted to specific leaves;
// a nil restriction checks every occupied leaf.  Structural checks always
// cover the whole view.
func (d *TreeDiff) validate(validator CredentialValidator, groupID []byte, groupExtensions ExtensionList, leavesToCheck []leafIndex) error {
	checkAll := leavesToCheck == nil
	restricted := map[leafIndex]bool{}
	for _, l := range leavesToCheck {
		restricted[l] = true
	}

	for l := leafIndex(0); leafCount(l) < d.size; l++ {
		leaf := d.leafNode(l)
		if leaf == nil {
			continue
		}
		if !checkAll && !restricted[l] {
			continue
		}

		if !leaf.Verify() {
			return treeErrorf("leaf %d signature verification failed", l)
		}

		if err := validateCredential(validator, leaf.Credential, groupID); err != nil {
			return wrapTreeError(fmt.Sprintf("leaf %d credential rejected", l), err)
		}

		if !leaf.Lifetime.consistent() {
			return treeErrorf("leaf %d has an inconsistent lifetime", l)
		}

		if !leaf.Capabilities.supportsCredential(leaf.Credential.Type()) {
			return treeErrorf("leaf %d does not support its own credential type", l)
		}

		for _, ext := range groupExtensions.Entries {
			if !leaf.Capabilities.supportsExtension(ext.ExtensionType) {
				return treeErrorf("leaf %d does not support group extension %d", l, ext.ExtensionType)
			}
		}
	}

	w := nodeIndex(nodeWidth(d.size))
	for n := nodeIndex(1); n < w; n += 2 {
		v := d.node(n)
		if v.blank() {
			continue
		}
		if v.Node.Parent == nil {
			return treeErrorf("leaf node stored in parent slot %d", n)
		}

		p := v.Node.Parent
		for _, ul := range p.UnmergedLeaves {
			if !d.occupied(ul) {
				return treeErrorf("parent %d lists blank unmerged leaf %d", n, ul)
			}
			if !inSubtree(toNodeIndex(ul), n, d.size) {
				return treeErrorf("parent %d lists out-of-subtree unmerged leaf %d", n, ul)
			}
		}

		expected := d.parentBindingHash(n, p.UnmergedLeaves)
		if !bytes.Equal(expected, p.ChildrenHash) {
			return treeErrorf("parent %d hash does not match its children", n)
		}
	}

	return nil
}
