package mls

import (
	"bytes"
	"fmt"

	syntax "github.com/cisco/go-tls-syntax"
)

type ProtocolVersion uint8

const (
	ProtocolVersionMLS10 ProtocolVersion = 0x00
)

type Epoch uint64

///
/// KeyPackage
///
/// A member's pre-published join material: an init key for Welcome
/// encryption plus the leaf node that will be installed in the tree.

type KeyPackage struct {
	Version    ProtocolVersion
	Suite      CipherSuite
	InitKey    HPKEPublicKey
	LeafNode   LeafNode
	Extensions ExtensionList
	Signature  []byte `tls:"head=2"`
}

type keyPackageTBS struct {
	Version    ProtocolVersion
	Suite      CipherSuite
	InitKey    HPKEPublicKey
	LeafNode   LeafNode
	Extensions ExtensionList
}

// KeyPackagePrivate holds the secrets matching a published KeyPackage.  The
// joiner retains it until the corresponding Welcome arrives.
type KeyPackagePrivate struct {
	InitPrivateKey       HPKEPrivateKey
	EncryptionPrivateKey HPKEPrivateKey
	SignaturePrivateKey  SignaturePrivateKey
}

func NewKeyPackage(suite CipherSuite, cred Credential, sigPriv SignaturePrivateKey) (*KeyPackage, *KeyPackagePrivate, error) {
	initPriv, err := suite.hpke().Generate()
	if err != nil {
		return nil, nil, err
	}

	encPriv, err := suite.hpke().Generate()
	if err != nil {
		return nil, nil, err
	}

	leaf, err := newLeafNode(suite, encPriv.PublicKey, cred, &sigPriv)
	if err != nil {
		return nil, nil, err
	}

	kp := &KeyPackage{
		Version:  ProtocolVersionMLS10,
		Suite:    suite,
		InitKey:  initPriv.PublicKey,
		LeafNode: leaf,
	}
	if err := kp.Sign(sigPriv); err != nil {
		return nil, nil, err
	}

	priv := &KeyPackagePrivate{
		InitPrivateKey:       initPriv,
		EncryptionPrivateKey: encPriv,
		SignaturePrivateKey:  sigPriv,
	}
	return kp, priv, nil
}

func (kp KeyPackage) toBeSigned() ([]byte, error) {
	return syntax.Marshal(keyPackageTBS{
		Version:    kp.Version,
		Suite:      kp.Suite,
		InitKey:    kp.InitKey,
		LeafNode:   kp.LeafNode,
		Extensions: kp.Extensions,
	})
}

func (kp *KeyPackage) Sign(priv SignaturePrivateKey) error {
	tbs, err := kp.toBeSigned()
	if err != nil {
		return err
	}

	sig, err := kp.LeafNode.Credential.Scheme().Sign(&priv, tbs)
	if err != nil {
		return err
	}

	kp.Signature = sig
	return nil
}

func (kp KeyPackage) Verify() bool {
	if kp.Version != ProtocolVersionMLS10 {
		return false
	}

	// The package signature and the leaf signature must both hold, under
	// the same credential key
	if !kp.LeafNode.Verify() {
		return false
	}

	tbs, err := kp.toBeSigned()
	if err != nil {
		return false
	}

	scheme := kp.LeafNode.Credential.Scheme()
	return scheme.Verify(kp.LeafNode.Credential.PublicKey(), tbs, kp.Signature)
}

// Ref identifies a key package, e.g. when matching Welcome entries.
func (kp KeyPackage) Ref() ([]byte, error) {
	data, err := syntax.Marshal(kp)
	if err != nil {
		return nil, err
	}
	return kp.Suite.Digest(data), nil
}

///
/// Proposals
///

type ProposalType uint16

const (
	ProposalTypeInvalid                ProposalType = 0x0000
	ProposalTypeAdd                    ProposalType = 0x0001
	ProposalTypeUpdate                 ProposalType = 0x0002
	ProposalTypeRemove                 ProposalType = 0x0003
	ProposalTypePSK                    ProposalType = 0x0004
	ProposalTypeReInit                 ProposalType = 0x0005
	ProposalTypeExternalInit           ProposalType = 0x0006
	ProposalTypeGroupContextExtensions ProposalType = 0x0007
)

func (pt ProposalType) ValidForTLS() error {
	return validateEnum(pt, ProposalTypeAdd, ProposalTypeUpdate, ProposalTypeRemove,
		ProposalTypePSK, ProposalTypeReInit, ProposalTypeExternalInit,
		ProposalTypeGroupContextExtensions)
}

type AddProposal struct {
	KeyPackage KeyPackage
}

type UpdateProposal struct {
	LeafNode LeafNode
}

type RemoveProposal struct {
	Removed leafIndex
}

type PreSharedKeyProposal struct {
	ID []byte `tls:"head=1"`
}

type ReInitProposal struct {
	GroupID    []byte `tls:"head=1"`
	Version    ProtocolVersion
	Suite      CipherSuite
	Extensions ExtensionList
}

type ExternalInitProposal struct {
	EncryptedInitSecret HPKECiphertext
}

type GroupContextExtensionsProposal struct {
	Extensions ExtensionList
}

type Proposal struct {
	Add                    *AddProposal
	Update                 *UpdateProposal
	Remove                 *RemoveProposal
	PSK                    *PreSharedKeyProposal
	ReInit                 *ReInitProposal
	ExternalInit           *ExternalInitProposal
	GroupContextExtensions *GroupContextExtensionsProposal
}

func (p Proposal) Type() ProposalType {
	switch {
	case p.Add != nil:
		return ProposalTypeAdd
	case p.Update != nil:
		return ProposalTypeUpdate
	case p.Remove != nil:
		return ProposalTypeRemove
	case p.PSK != nil:
		return ProposalTypePSK
	case p.ReInit != nil:
		return ProposalTypeReInit
	case p.ExternalInit != nil:
		return ProposalTypeExternalInit
	case p.GroupContextExtensions != nil:
		return ProposalTypeGroupContextExtensions
	default:
		return ProposalTypeInvalid
	}
}

func (p Proposal) MarshalTLS() ([]byte, error) {
	s := syntax.NewWriteStream()
	proposalType := p.Type()
	err := s.Write(proposalType)
	if err != nil {
		return nil, err
	}

	switch proposalType {
	case ProposalTypeAdd:
		err = s.Write(p.Add)
	case ProposalTypeUpdate:
		err = s.Write(p.Update)
	case ProposalTypeRemove:
		err = s.Write(p.Remove)
	case ProposalTypePSK:
		err = s.Write(p.PSK)
	case ProposalTypeReInit:
		err = s.Write(p.ReInit)
	case ProposalTypeExternalInit:
		err = s.Write(p.ExternalInit)
	case ProposalTypeGroupContextExtensions:
		err = s.Write(p.GroupContextExtensions)
	default:
		err = fmt.Errorf("mls.proposal: ProposalType type not allowed")
	}

	if err != nil {
		return nil, err
	}

	return s.Data(), nil
}

func (p *Proposal) UnmarshalTLS(data []byte) (int, error) {
	s := syntax.NewReadStream(data)
	var proposalType ProposalType
	_, err := s.Read(&proposalType)
	if err != nil {
		return 0, err
	}

	switch proposalType {
	case ProposalTypeAdd:
		p.Add = new(AddProposal)
		_, err = s.Read(p.Add)
	case ProposalTypeUpdate:
		p.Update = new(UpdateProposal)
		_, err = s.Read(p.Update)
	case ProposalTypeRemove:
		p.Remove = new(RemoveProposal)
		_, err = s.Read(p.Remove)
	case ProposalTypePSK:
		p.PSK = new(PreSharedKeyProposal)
		_, err = s.Read(p.PSK)
	case ProposalTypeReInit:
		p.ReInit = new(ReInitProposal)
		_, err = s.Read(p.ReInit)
	case ProposalTypeExternalInit:
		p.ExternalInit = new(ExternalInitProposal)
		_, err = s.Read(p.ExternalInit)
	case ProposalTypeGroupContextExtensions:
		p.GroupContextExtensions = new(GroupContextExtensionsProposal)
		_, err = s.Read(p.GroupContextExtensions)
	default:
		err = fmt.Errorf("mls.proposal: ProposalType type not allowed")
	}

	if err != nil {
		return 0, err
	}
	return s.Position(), nil
}

///
/// Proposal references and the commit proposal list
///

// ProposalRef is the hash of a full ProposalMessage; commits cite queued
// proposals by reference.
type ProposalRef struct {
	Data []byte `tls:"head=1"`
}

func (r ProposalRef) Equals(o ProposalRef) bool {
	return bytes.Equal(r.Data, o.Data)
}

func (r ProposalRef) String() string {
	return fmt.Sprintf("%x", r.Data)
}

type ProposalOrRefType uint8

const (
	ProposalOrRefTypeInvalid   ProposalOrRefType = 0
	ProposalOrRefTypeProposal  ProposalOrRefType = 1
	ProposalOrRefTypeReference ProposalOrRefType = 2
)

func (t ProposalOrRefType) ValidForTLS() error {
	return validateEnum(t, ProposalOrRefTypeProposal, ProposalOrRefTypeReference)
}

type ProposalOrRef struct {
	Proposal  *Proposal
	Reference *ProposalRef
}

func (por ProposalOrRef) Type() ProposalOrRefType {
	switch {
	case por.Proposal != nil:
		return ProposalOrRefTypeProposal
	case por.Reference != nil:
		return ProposalOrRefTypeReference
	default:
		return ProposalOrRefTypeInvalid
	}
}

func (por ProposalOrRef) MarshalTLS() ([]byte, error) {
	s := syntax.NewWriteStream()
	porType := por.Type()
	err := s.Write(porType)
	if err != nil {
		return nil, err
	}

	switch porType {
	case ProposalOrRefTypeProposal:
		err = s.Write(por.Proposal)
	case ProposalOrRefTypeReference:
		err = s.Write(por.Reference)
	default:
		err = fmt.Errorf("mls.proposal: ProposalOrRef type not allowed")
	}

	if err != nil {
		return nil, err
	}

	return s.Data(), nil
}

func (por *ProposalOrRef) UnmarshalTLS(data []byte) (int, error) {
	s := syntax.NewReadStream(data)
	var porType ProposalOrRefType
	_, err := s.Read(&porType)
	if err != nil {
		return 0, err
	}

	switch porType {
	case ProposalOrRefTypeProposal:
		por.Proposal = new(Proposal)
		_, err = s.Read(por.Proposal)
	case ProposalOrRefTypeReference:
		por.Reference = new(ProposalRef)
		_, err = s.Read(por.Reference)
	default:
		err = fmt.Errorf("mls.proposal: ProposalOrRef type not allowed")
	}

	if err != nil {
		return 0, err
	}
	return s.Position(), nil
}

///
/// Update paths and commits
///

type UpdatePathNode struct {
	PublicKey            HPKEPublicKey
	EncryptedPathSecrets []HPKECiphertext `tls:"head=4"`
}

type UpdatePath struct {
	LeafNode LeafNode
	Nodes    []UpdatePathNode `tls:"head=4"`
}

type Commit struct {
	Proposals []ProposalOrRef `tls:"head=4"`
	Path      *UpdatePath     `tls:"optional"`
}

///
/// Senders and the signed framing around proposals and commits
///

type SenderType uint8

const (
	SenderTypeInvalid   SenderType = 0
	SenderTypeMember    SenderType = 1
	SenderTypeNewMember SenderType = 2
)

func (st SenderType) ValidForTLS() error {
	return validateEnum(st, SenderTypeMember, SenderTypeNewMember)
}

// Sender.Leaf is meaningful only for member senders; a new-member sender has
// no leaf until its external commit is applied.
type Sender struct {
	Type SenderType
	Leaf leafIndex
}

func memberSender(l leafIndex) Sender {
	return Sender{Type: SenderTypeMember, Leaf: l}
}

// ProposalMessage is a proposal bound to a group and epoch, signed by its
// sender over the group context current when it was issued.
type ProposalMessage struct {
	GroupID   []byte `tls:"head=1"`
	Epoch     Epoch
	Sender    Sender
	Proposal  Proposal
	Signature []byte `tls:"head=2"`
}

type proposalMessageTBS struct {
	Context  GroupContext
	GroupID  []byte `tls:"head=1"`
	Epoch    Epoch
	Sender   Sender
	Proposal Proposal
}

func (pm ProposalMessage) toBeSigned(ctx GroupContext) ([]byte, error) {
	return syntax.Marshal(proposalMessageTBS{
		Context:  ctx,
		GroupID:  pm.GroupID,
		Epoch:    pm.Epoch,
		Sender:   pm.Sender,
		Proposal: pm.Proposal,
	})
}

func (pm *ProposalMessage) Sign(ctx GroupContext, scheme SignatureScheme, priv SignaturePrivateKey) error {
	tbs, err := pm.toBeSigned(ctx)
	if err != nil {
		return err
	}

	sig, err := scheme.Sign(&priv, tbs)
	if err != nil {
		return err
	}

	pm.Signature = sig
	return nil
}

func (pm ProposalMessage) VerifySignature(ctx GroupContext, scheme SignatureScheme, pub *SignaturePublicKey) bool {
	tbs, err := pm.toBeSigned(ctx)
	if err != nil {
		return false
	}
	return scheme.Verify(pub, tbs, pm.Signature)
}

func (pm ProposalMessage) Ref(suite CipherSuite) (ProposalRef, error) {
	data, err := syntax.Marshal(pm)
	if err != nil {
		return ProposalRef{}, err
	}
	return ProposalRef{Data: suite.Digest(data)}, nil
}

// CommitMessage carries a commit, the sender's signature over the previous
// group context and the commit content, and the confirmation tag computed in
// the new epoch.
type CommitMessage struct {
	GroupID         []byte `tls:"head=1"`
	Epoch           Epoch
	Sender          Sender
	Commit          Commit
	Signature       []byte `tls:"head=2"`
	ConfirmationTag []byte `tls:"head=1"`
}

type commitMessageTBS struct {
	Context GroupContext
	GroupID []byte `tls:"head=1"`
	Epoch   Epoch
	Sender  Sender
	Commit  Commit
}

// The transcript binds the content and authentication parts of the commit
// separately: the confirmed transcript hash absorbs the content, the interim
// hash then absorbs the signature and confirmation tag.
type commitAuthData struct {
	Signature       []byte `tls:"head=2"`
	ConfirmationTag []byte `tls:"head=1"`
}

func (cm CommitMessage) toBeSigned(ctx GroupContext) ([]byte, error) {
	return syntax.Marshal(commitMessageTBS{
		Context: ctx,
		GroupID: cm.GroupID,
		Epoch:   cm.Epoch,
		Sender:  cm.Sender,
		Commit:  cm.Commit,
	})
}

func (cm *CommitMessage) Sign(ctx GroupContext, scheme SignatureScheme, priv SignaturePrivateKey) error {
	tbs, err := cm.toBeSigned(ctx)
	if err != nil {
		return err
	}

	sig, err := scheme.Sign(&priv, tbs)
	if err != nil {
		return err
	}

	cm.Signature = sig
	return nil
}

func (cm CommitMessage) VerifySignature(ctx GroupContext, scheme SignatureScheme, pub *SignaturePublicKey) bool {
	tbs, err := cm.toBeSigned(ctx)
	if err != nil {
		return false
	}
	return scheme.Verify(pub, tbs, cm.Signature)
}

func (cm CommitMessage) confirmedTranscriptInput(ctx GroupContext) ([]byte, error) {
	return cm.toBeSigned(ctx)
}

func (cm CommitMessage) authData() ([]byte, error) {
	return syntax.Marshal(commitAuthData{
		Signature:       cm.Signature,
		ConfirmationTag: cm.ConfirmationTag,
	})
}

///
/// Encrypted application framing
///

type ContentType uint8

const (
	ContentTypeInvalid     ContentType = 0
	ContentTypeApplication ContentType = 1
	ContentTypeProposal    ContentType = 2
	ContentTypeCommit      ContentType = 3
)

func (ct ContentType) ValidForTLS() error {
	return validateEnum(ct, ContentTypeApplication, ContentTypeProposal, ContentTypeCommit)
}

// MLSCiphertext is an application message protected under the sender's
// current secret-tree ratchet key.  Sender identity and generation travel
// encrypted under the epoch's sender data key.
type MLSCiphertext struct {
	GroupID             []byte `tls:"head=1"`
	Epoch               Epoch
	ContentType         ContentType
	SenderDataNonce     []byte `tls:"head=1"`
	EncryptedSenderData []byte `tls:"head=1"`
	AuthenticatedData   []byte `tls:"head=4"`
	Ciphertext          []byte `tls:"head=4"`
}

type mlsSenderData struct {
	Sender     leafIndex
	Generation uint32
}

type mlsCiphertextContentAAD struct {
	GroupID           []byte `tls:"head=1"`
	Epoch             Epoch
	ContentType       ContentType
	SenderDataNonce   []byte `tls:"head=1"`
	AuthenticatedData []byte `tls:"head=4"`
}
