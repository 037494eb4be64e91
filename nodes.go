package mls

import (
	"bytes"
	"fmt"
	"reflect"

	syntax "github.com/cisco/go-tls-syntax"
)

///
/// LeafNode
///

//	struct {
//	    HPKEPublicKey encryption_key;
//	    SignaturePublicKey signature_key;
//	    Credential credential;
//	    Capabilities capabilities;
//	    Lifetime lifetime;
//	    Extension extensions<0..2^16-1>;
//	    opaque signature<0..2^16-1>;
//	} LeafNode;
//
// A leaf node is immutable once signed.  Updates replace the whole structure;
// nothing here is ever mutated in place.
type LeafNode struct {
	EncryptionKey HPKEPublicKey
	SignatureKey  SignaturePublicKey
	Credential    Credential
	Capabilities  Capabilities
	Lifetime      Lifetime
	Extensions    ExtensionList
	Signature     []byte `tls:"head=2"`
}

type leafNodeTBS struct {
	EncryptionKey HPKEPublicKey
	SignatureKey  SignaturePublicKey
	Credential    Credential
	Capabilities  Capabilities
	Lifetime      Lifetime
	Extensions    ExtensionList
}

func newLeafNode(suite CipherSuite, encryptionKey HPKEPublicKey, cred Credential, sigPriv *SignaturePrivateKey) (LeafNode, error) {
	leaf := LeafNode{
		EncryptionKey: encryptionKey,
		SignatureKey:  sigPriv.PublicKey,
		Credential:    cred,
		Capabilities:  defaultCapabilities(suite),
		Lifetime:      Lifetime{NotBefore: 0, NotAfter: ^uint64(0)},
		Extensions:    NewExtensionList(),
	}

	err := leaf.Sign(sigPriv)
	if err != nil {
		return LeafNode{}, err
	}
	return leaf, nil
}

func (leaf LeafNode) toBeSigned() []byte {
	tbs, err := syntax.Marshal(leafNodeTBS{
		EncryptionKey: leaf.EncryptionKey,
		SignatureKey:  leaf.SignatureKey,
		Credential:    leaf.Credential,
		Capabilities:  leaf.Capabilities,
		Lifetime:      leaf.Lifetime,
		Extensions:    leaf.Extensions,
	})
	if err != nil {
		panic(fmt.Errorf("mls.leaf: tbs marshal failure %v", err))
	}
	return tbs
}

func (leaf *LeafNode) Sign(priv *SignaturePrivateKey) error {
	if !priv.PublicKey.Equals(leaf.SignatureKey) {
		return fmt.Errorf("mls.leaf: signing key does not match leaf")
	}

	sig, err := leaf.Credential.Scheme().Sign(priv, leaf.toBeSigned())
	if err != nil {
		return err
	}
	leaf.Signature = sig
	return nil
}

func (leaf LeafNode) Verify() bool {
	return leaf.Credential.Scheme().Verify(&leaf.SignatureKey, leaf.toBeSigned(), leaf.Signature)
}

func (leaf LeafNode) Clone() LeafNode {
	out := leaf
	out.Extensions = leaf.Extensions.Clone()
	out.Signature = dup(leaf.Signature)
	return out
}

// Compare the public aspects of two leaves
func (leaf LeafNode) Equals(o LeafNode) bool {
	return leaf.EncryptionKey.Equals(o.EncryptionKey) &&
		leaf.SignatureKey.Equals(o.SignatureKey) &&
		leaf.Credential.Equals(o.Credential) &&
		reflect.DeepEqual(leaf.Capabilities, o.Capabilities) &&
		leaf.Lifetime == o.Lifetime
}

///
/// ParentNode
///

//	struct {
//	    HPKEPublicKey encryption_key;
//	    opaque children_hash<0..255>;
//	    uint32 unmerged_leaves<0..2^32-1>;
//	} ParentNode;
//
// Parent nodes are derived during path application, never independently
// authored.  ChildrenHash binds the resolutions of both children as they
// stood when the node's key was established; leaves added below afterwards
// appear in UnmergedLeaves and are excluded when the hash is re-checked.
type ParentNode struct {
	EncryptionKey  HPKEPublicKey
	ChildrenHash   []byte      `tls:"head=1"`
	UnmergedLeaves []leafIndex `tls:"head=4"`
}

func (p *ParentNode) AddUnmerged(l leafIndex) {
	p.UnmergedLeaves = append(p.UnmergedLeaves, l)
}

func (p ParentNode) Clone() ParentNode {
	out := ParentNode{
		EncryptionKey:  p.EncryptionKey,
		ChildrenHash:   dup(p.ChildrenHash),
		UnmergedLeaves: make([]leafIndex, len(p.UnmergedLeaves)),
	}
	copy(out.UnmergedLeaves, p.UnmergedLeaves)
	return out
}

func (p ParentNode) Equals(o ParentNode) bool {
	if !p.EncryptionKey.Equals(o.EncryptionKey) ||
		!bytes.Equal(p.ChildrenHash, o.ChildrenHash) ||
		len(p.UnmergedLeaves) != len(o.UnmergedLeaves) {
		return false
	}
	for i, l := range p.UnmergedLeaves {
		if l != o.UnmergedLeaves[i] {
			return false
		}
	}
	return true
}

///
/// Node: the entry stored in a tree slot
///

type Node struct {
	Leaf   *LeafNode   `tls:"optional"`
	Parent *ParentNode `tls:"optional"`
}

func (n Node) PublicKey() HPKEPublicKey {
	switch {
	case n.Leaf != nil:
		return n.Leaf.EncryptionKey
	case n.Parent != nil:
		return n.Parent.EncryptionKey
	}
	panic(fmt.Errorf("mls.node: malformed node"))
}

func (n Node) Clone() Node {
	out := Node{}
	if n.Leaf != nil {
		leaf := n.Leaf.Clone()
		out.Leaf = &leaf
	}
	if n.Parent != nil {
		parent := n.Parent.Clone()
		out.Parent = &parent
	}
	return out
}

func (n Node) Equals(o Node) bool {
	switch {
	case (n.Leaf == nil) != (o.Leaf == nil), (n.Parent == nil) != (o.Parent == nil):
		return false
	case n.Leaf != nil:
		return n.Leaf.Equals(*o.Leaf)
	case n.Parent != nil:
		return n.Parent.Equals(*o.Parent)
	}
	return true
}

///
/// OptionalNode: a tree slot, possibly blank, with its cached tree hash
///

type OptionalNode struct {
	Node *Node  `tls:"optional"`
	Hash []byte `tls:"omit"`
}

func (n OptionalNode) blank() bool {
	return n.Node == nil
}

func (n OptionalNode) Clone() OptionalNode {
	out := OptionalNode{Hash: dup(n.Hash)}
	if n.Node != nil {
		node := n.Node.Clone()
		out.Node = &node
	}
	return out
}

// Compare node values, not hashes
func (n OptionalNode) Equals(o OptionalNode) bool {
	switch {
	case n.blank() != o.blank():
		return false
	case n.blank():
		return true
	}
	return n.Node.Equals(*o.Node)
}

///
/// Tree hash inputs
///

type leafNodeHashInput struct {
	HashType uint8
	Leaf     *LeafNode `tls:"optional"`
}

type parentNodeHashInput struct {
	HashType  uint8
	Parent    *ParentNode `tls:"optional"`
	LeftHash  []byte      `tls:"head=1"`
	RightHash []byte      `tls:"head=1"`
}

func (n *OptionalNode) setLeafNodeHash(suite CipherSuite) {
	input := leafNodeHashInput{HashType: 0}
	if n.Node != nil {
		if n.Node.Leaf == nil {
			panic(fmt.Errorf("mls.node: parent node in leaf position"))
		}
		input.Leaf = n.Node.Leaf
	}

	data, err := syntax.Marshal(input)
	if err != nil {
		panic(fmt.Errorf("mls.node: leaf hash input marshal failure %v", err))
	}
	n.Hash = suite.Digest(data)
}

func (n *OptionalNode) setParentNodeHash(suite CipherSuite, leftHash, rightHash []byte) {
	input := parentNodeHashInput{HashType: 1}
	if n.Node != nil {
		if n.Node.Parent == nil {
			panic(fmt.Errorf("mls.node: leaf node in parent position"))
		}
		input.Parent = n.Node.Parent
	}
	input.LeftHash = leftHash
	input.RightHash = rightHash

	data, err := syntax.Marshal(input)
	if err != nil {
		panic(fmt.Errorf("mls.node: parent hash input marshal failure %v", err))
	}
	n.Hash = suite.Digest(data)
}
