package mls

import (
	"bytes"
	"fmt"

	syntax "github.com/cisco/go-tls-syntax"
)

///
/// GroupContext
///

type GroupContext struct {
	GroupID                 []byte `tls:"head=1"`
	Epoch                   Epoch
	TreeHash                []byte `tls:"head=1"`
	ConfirmedTranscriptHash []byte `tls:"head=1"`
	Extensions              ExtensionList
}

///
/// State
///
/// One member's view of the group at one epoch.  A State is immutable with
/// respect to commits: applying a commit produces a new State, and a
/// rejected commit leaves the old one untouched.

type State struct {
	Suite                   CipherSuite
	GroupID                 []byte `tls:"head=1"`
	Epoch                   Epoch
	Tree                    *TreeSync
	ConfirmedTranscriptHash []byte `tls:"head=1"`
	InterimTranscriptHash   []byte `tls:"head=1"`
	Extensions              ExtensionList

	Keys      keyScheduleEpoch `tls:"omit"`
	Proposals *ProposalStore   `tls:"omit"`

	// Application-provided PSKs by string(id)
	PreSharedKeys map[string][]byte   `tls:"omit"`
	Validator     CredentialValidator `tls:"omit"`

	Index        leafIndex           `tls:"omit"`
	IdentityPriv SignaturePrivateKey `tls:"omit"`
	scheme       SignatureScheme     `tls:"omit"`

	// Encryption private keys for our own in-flight update proposals, by
	// proposal reference; claimed when another member commits the update
	pendingUpdates map[string]HPKEPrivateKey `tls:"omit"`
}

// NewEmptyState creates a one-member group at epoch zero with a random
// initial secret.
func NewEmptyState(groupID []byte, suite CipherSuite, sigPriv SignaturePrivateKey, cred Credential) (*State, error) {
	encPriv, err := suite.hpke().Generate()
	if err != nil {
		return nil, err
	}

	leaf, err := newLeafNode(suite, encPriv.PublicKey, cred, &sigPriv)
	if err != nil {
		return nil, err
	}

	tree := newTreeSync(suite)
	diff := tree.NewDiff()
	index, err := diff.addLeaf(leaf)
	if err != nil {
		return nil, err
	}
	tree.Merge(diff)
	tree.Secrets.PrivateKeys[toNodeIndex(index)] = encPriv

	s := &State{
		Suite:                   suite,
		GroupID:                 dup(groupID),
		Epoch:                   0,
		Tree:                    tree,
		ConfirmedTranscriptHash: []byte{},
		InterimTranscriptHash:   []byte{},
		Proposals:               newProposalStore(suite),
		PreSharedKeys:           map[string][]byte{},
		Index:                   index,
		IdentityPriv:            sigPriv,
		scheme:                  cred.Scheme(),
		pendingUpdates:          map[string]HPKEPrivateKey{},
	}

	joinerSecret, err := getRandomBytes(suite.Constants().SecretSize)
	if err != nil {
		return nil, err
	}

	ctx, err := s.contextBytes()
	if err != nil {
		return nil, err
	}

	s.Keys, err = newKeyScheduleEpoch(suite, joinerSecret, pskSecret(suite, nil), ctx, tree.Tree.size())
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s State) groupContext() GroupContext {
	return GroupContext{
		GroupID:                 s.GroupID,
		Epoch:                   s.Epoch,
		TreeHash:                s.Tree.TreeHash,
		ConfirmedTranscriptHash: s.ConfirmedTranscriptHash,
		Extensions:              s.Extensions,
	}
}

func (s State) contextBytes() ([]byte, error) {
	return syntax.Marshal(s.groupContext())
}

func (s State) CurrentEpoch() Epoch {
	return s.Epoch
}

func (s State) CurrentTreeHash() []byte {
	return dup(s.Tree.TreeHash)
}

// Export derives an application secret bound to this epoch, a label, and a
// caller-chosen context.
func (s State) Export(label string, context []byte, length int) []byte {
	return s.Keys.Export(label, context, length)
}

func (s *State) RegisterPSK(id, secret []byte) {
	s.PreSharedKeys[string(id)] = dup(secret)
}

// Equals covers the public group state two members must agree on; private
// key material necessarily differs per member.
func (lhs State) Equals(rhs State) bool {
	groupID := bytes.Equal(lhs.GroupID, rhs.GroupID)
	epoch := lhs.Epoch == rhs.Epoch
	tree := lhs.Tree.Tree.Equals(&rhs.Tree.Tree)
	treeHash := bytes.Equal(lhs.Tree.TreeHash, rhs.Tree.TreeHash)
	confirmed := bytes.Equal(lhs.ConfirmedTranscriptHash, rhs.ConfirmedTranscriptHash)
	interim := bytes.Equal(lhs.InterimTranscriptHash, rhs.InterimTranscriptHash)
	epochSecret := bytes.Equal(lhs.Keys.EpochSecret, rhs.Keys.EpochSecret)

	return groupID && epoch && tree && treeHash && confirmed && interim && epochSecret
}

///
/// Proposal construction and handling
///

func (s *State) newProposalMessage(p Proposal) (*ProposalMessage, error) {
	pm := &ProposalMessage{
		GroupID:  s.GroupID,
		Epoch:    s.Epoch,
		Sender:   memberSender(s.Index),
		Proposal: p,
	}

	if err := pm.Sign(s.groupContext(), s.scheme, s.IdentityPriv); err != nil {
		return nil, err
	}
	return pm, nil
}

func (s *State) Add(kp KeyPackage) (*ProposalMessage, error) {
	if kp.Suite != s.Suite {
		return nil, proposalErrorf("add with key package for wrong ciphersuite")
	}
	if !kp.Verify() {
		return nil, proposalErrorf("add with invalid key package signature")
	}

	return s.newProposalMessage(Proposal{Add: &AddProposal{KeyPackage: kp}})
}

// Update proposes replacing our own leaf with a fresh encryption key.  The
// matching private key is retained and claimed when some other member
// commits the proposal.
func (s *State) Update() (*ProposalMessage, error) {
	encPriv, err := s.Suite.hpke().Generate()
	if err != nil {
		return nil, err
	}

	oldLeaf := s.Tree.Tree.leafNode(s.Index)
	if oldLeaf == nil {
		return nil, proposalErrorf("update from a blank leaf")
	}

	leaf := oldLeaf.Clone()
	leaf.EncryptionKey = encPriv.PublicKey
	if err := leaf.Sign(&s.IdentityPriv); err != nil {
		return nil, err
	}

	pm, err := s.newProposalMessage(Proposal{Update: &UpdateProposal{LeafNode: leaf}})
	if err != nil {
		return nil, err
	}

	ref, err := pm.Ref(s.Suite)
	if err != nil {
		return nil, err
	}
	s.pendingUpdates[ref.String()] = encPriv

	return pm, nil
}

func (s *State) Remove(removed leafIndex) (*ProposalMessage, error) {
	if !s.Tree.Tree.occupied(removed) {
		return nil, proposalErrorf("remove of blank leaf %d", removed)
	}

	return s.newProposalMessage(Proposal{Remove: &RemoveProposal{Removed: removed}})
}

func (s *State) PreSharedKey(id []byte) (*ProposalMessage, error) {
	if _, ok := s.PreSharedKeys[string(id)]; !ok {
		return nil, proposalErrorf("proposal for unknown PSK")
	}

	return s.newProposalMessage(Proposal{PSK: &PreSharedKeyProposal{ID: dup(id)}})
}

func (s *State) GroupContextExtensions(exts ExtensionList) (*ProposalMessage, error) {
	return s.newProposalMessage(Proposal{
		GroupContextExtensions: &GroupContextExtensionsProposal{Extensions: exts},
	})
}

// Handle validates a received proposal and queues it for a future commit.
func (s *State) Handle(pm *ProposalMessage) (ProposalRef, error) {
	if !bytes.Equal(pm.GroupID, s.GroupID) {
		return ProposalRef{}, proposalErrorf("proposal for different group")
	}
	if pm.Epoch != s.Epoch {
		return ProposalRef{}, proposalErrorf("proposal for epoch %d in epoch %d", pm.Epoch, s.Epoch)
	}
	if pm.Sender.Type != SenderTypeMember {
		return ProposalRef{}, proposalErrorf("proposal from non-member sender")
	}

	senderLeaf := s.Tree.Tree.leafNode(pm.Sender.Leaf)
	if senderLeaf == nil {
		return ProposalRef{}, proposalErrorf("proposal from blank leaf %d", pm.Sender.Leaf)
	}

	scheme := senderLeaf.Credential.Scheme()
	if !pm.VerifySignature(s.groupContext(), scheme, senderLeaf.Credential.PublicKey()) {
		return ProposalRef{}, proposalErrorf("invalid proposal signature")
	}

	return s.Proposals.Add(*pm)
}

func (s *State) resolvePSKs(ids [][]byte) ([]byte, [][]byte, error) {
	values := [][]byte{}
	for _, id := range ids {
		value, ok := s.PreSharedKeys[string(id)]
		if !ok {
			return nil, nil, commitErrorf("commit references unknown PSK")
		}
		values = append(values, value)
	}
	return pskSecret(s.Suite, values), ids, nil
}

///
/// Commit creation
///

// StagedCommit is a commit that has been fully computed and validated but
// not yet applied.  The next-epoch state is materialized eagerly; merging
// only hands it over, so a staged commit can be discarded at no cost.
type StagedCommit struct {
	Commit  CommitMessage
	Welcome *Welcome

	next    *State
	applied bool
}

// Commit builds a commit covering every queued proposal, referenced by hash.
// The committer always contributes a fresh update path.
func (s *State) Commit(leafSecret []byte) (*StagedCommit, error) {
	sender := memberSender(s.Index)

	commit := Commit{Proposals: []ProposalOrRef{}}
	for _, ref := range s.Proposals.Refs() {
		r := ref
		commit.Proposals = append(commit.Proposals, ProposalOrRef{Reference: &r})
	}

	entries, err := s.Proposals.resolve(commit, sender)
	if err != nil {
		return nil, wrapCommitError("proposal resolution failed", err)
	}

	if err := validateProposalList(s.Suite, s.Tree.NewDiff(), sender, entries); err != nil {
		return nil, wrapCommitError("proposal validation failed", err)
	}

	diff := s.Tree.NewDiff()
	applied, err := applyProposals(diff, entries)
	if err != nil {
		return nil, wrapCommitError("proposal application failed", err)
	}

	prevCtxBytes, err := s.contextBytes()
	if err != nil {
		return nil, err
	}

	oldLeaf := diff.leafNode(s.Index)
	if oldLeaf == nil {
		return nil, commitErrorf("committer leaf is blank")
	}

	leafPriv, err := nodePrivateKey(s.Suite, leafSecret)
	if err != nil {
		return nil, err
	}

	newLeaf := oldLeaf.Clone()
	newLeaf.EncryptionKey = leafPriv.PublicKey

	path, pathSecrets, err := diff.encap(s.Index, newLeaf, &s.IdentityPriv, prevCtxBytes, leafSecret)
	if err != nil {
		return nil, wrapCommitError("update path encryption failed", err)
	}
	commit.Path = path
	commitSecret := pathSecrets[root(diff.size)]

	newExtensions := s.Extensions
	if applied.Extensions != nil {
		newExtensions = *applied.Extensions
	}

	if err := diff.validate(s.Validator, s.GroupID, newExtensions, applied.ChangedLeaves); err != nil {
		return nil, wrapCommitError("tree validation failed", err)
	}

	psk, pskIDs, err := s.resolvePSKs(applied.PSKs)
	if err != nil {
		return nil, err
	}

	cm := CommitMessage{
		GroupID: s.GroupID,
		Epoch:   s.Epoch,
		Sender:  sender,
		Commit:  commit,
	}

	next, err := s.successor(diff, &cm, commitSecret, s.Keys.InitSecret, psk, newExtensions)
	if err != nil {
		return nil, err
	}
	cm.ConfirmationTag = next.Keys.confirmationTag(next.ConfirmedTranscriptHash)
	if err := cm.Sign(s.groupContext(), s.scheme, s.IdentityPriv); err != nil {
		return nil, err
	}
	if err := next.finishTranscript(&cm); err != nil {
		return nil, err
	}

	staged := &StagedCommit{Commit: cm, next: next}

	if len(applied.Adds) > 0 {
		joinerSecret := computeJoinerSecret(s.Suite, s.Keys.InitSecret, commitSecret)

		gi := &GroupInfo{
			GroupID:                 next.GroupID,
			Epoch:                   next.Epoch,
			Tree:                    *next.Tree.Tree.clone(),
			ConfirmedTranscriptHash: next.ConfirmedTranscriptHash,
			InterimTranscriptHash:   next.InterimTranscriptHash,
			Extensions:              next.Extensions,
			ConfirmationTag:         cm.ConfirmationTag,
			ExternalPub:             next.Keys.ExternalPriv.PublicKey,
		}
		if err := gi.sign(s.Index, &s.IdentityPriv); err != nil {
			return nil, err
		}

		welcome, err := newWelcome(s.Suite, joinerSecret, psk, pskIDs, gi)
		if err != nil {
			return nil, err
		}

		for _, add := range applied.Adds {
			ps := pathSecrets[ancestor(s.Index, add.Target)]
			if err := welcome.EncryptTo(add.KeyPackage, ps); err != nil {
				return nil, err
			}
		}
		staged.Welcome = welcome
	}

	return staged, nil
}

// successor assembles the next-epoch state: merged tree, advanced transcript
// and key schedule.  The commit message is read only; committers stamp the
// confirmation tag afterwards, receivers check the received one against the
// new epoch's key.
func (s *State) successor(diff *TreeDiff, cm *CommitMessage, commitSecret, initSecret, psk []byte, newExtensions ExtensionList) (*State, error) {
	contentInput, err := cm.toBeSigned(s.groupContext())
	if err != nil {
		return nil, err
	}
	confirmed := s.Suite.Digest(append(dup(s.InterimTranscriptHash), contentInput...))

	next := &State{
		Suite:                   s.Suite,
		GroupID:                 dup(s.GroupID),
		Epoch:                   s.Epoch + 1,
		Tree:                    s.Tree.clone(),
		ConfirmedTranscriptHash: confirmed,
		Extensions:              newExtensions,
		Proposals:               newProposalStore(s.Suite),
		PreSharedKeys:           s.PreSharedKeys,
		Validator:               s.Validator,
		Index:                   s.Index,
		IdentityPriv:            s.IdentityPriv,
		scheme:                  s.scheme,
		pendingUpdates:          map[string]HPKEPrivateKey{},
	}
	next.Tree.Merge(diff)

	nextCtx, err := next.contextBytes()
	if err != nil {
		return nil, err
	}

	joinerSecret := computeJoinerSecret(s.Suite, initSecret, commitSecret)
	next.Keys, err = newKeyScheduleEpoch(s.Suite, joinerSecret, psk, nextCtx, next.Tree.Tree.size())
	if err != nil {
		return nil, err
	}

	return next, nil
}

// finishTranscript folds the commit's signature and confirmation tag into
// the interim transcript hash, after both are final.
func (next *State) finishTranscript(cm *CommitMessage) error {
	auth, err := cm.authData()
	if err != nil {
		return err
	}
	next.InterimTranscriptHash = next.Suite.Digest(append(dup(next.ConfirmedTranscriptHash), auth...))
	return nil
}

// MergeStagedCommit applies a previously staged commit.  A staged commit can
// be merged at most once.
func (s *State) MergeStagedCommit(staged *StagedCommit) (*State, error) {
	if staged.applied {
		return nil, commitErrorf("staged commit already merged")
	}
	if staged.next == nil {
		return nil, commitErrorf("malformed staged commit")
	}

	staged.applied = true
	return staged.next, nil
}

///
/// Commit processing
///

// ProcessIncomingCommit validates a commit from another member end to end
// and returns the next-epoch state.  Any failure leaves the current state
// untouched, so a rejected or replayed commit can simply be retried against
// the same epoch.
func (s *State) ProcessIncomingCommit(cm CommitMessage) (*State, error) {
	if !bytes.Equal(cm.GroupID, s.GroupID) {
		return nil, commitErrorf("commit for different group")
	}
	if cm.Epoch != s.Epoch {
		return nil, commitErrorf("commit for epoch %d in epoch %d", cm.Epoch, s.Epoch)
	}

	switch cm.Sender.Type {
	case SenderTypeMember:
		if cm.Sender.Leaf == s.Index {
			return nil, commitErrorf("own commit must be merged from its staged form")
		}

		senderLeaf := s.Tree.Tree.leafNode(cm.Sender.Leaf)
		if senderLeaf == nil {
			return nil, commitErrorf("commit from blank leaf %d", cm.Sender.Leaf)
		}

		scheme := senderLeaf.Credential.Scheme()
		if !cm.VerifySignature(s.groupContext(), scheme, senderLeaf.Credential.PublicKey()) {
			return nil, commitErrorf("invalid commit signature")
		}

	case SenderTypeNewMember:
		if cm.Commit.Path == nil {
			return nil, commitErrorf("external commit without update path")
		}

		joinerLeaf := cm.Commit.Path.LeafNode
		if !joinerLeaf.Verify() {
			return nil, commitErrorf("external commit with invalid leaf signature")
		}

		scheme := joinerLeaf.Credential.Scheme()
		if !cm.VerifySignature(s.groupContext(), scheme, joinerLeaf.Credential.PublicKey()) {
			return nil, commitErrorf("invalid external commit signature")
		}

	default:
		return nil, commitErrorf("commit from malformed sender")
	}

	entries, err := s.Proposals.resolve(cm.Commit, cm.Sender)
	if err != nil {
		return nil, wrapCommitError("proposal resolution failed", err)
	}

	if err := validateProposalList(s.Suite, s.Tree.NewDiff(), cm.Sender, entries); err != nil {
		return nil, wrapCommitError("proposal validation failed", err)
	}

	diff := s.Tree.NewDiff()
	applied, err := applyProposals(diff, entries)
	if err != nil {
		return nil, wrapCommitError("proposal application failed", err)
	}

	for _, removed := range applied.Removes {
		if removed == s.Index {
			return nil, ErrRemovedFromGroup
		}
	}

	if pathRequired(entries) && cm.Commit.Path == nil {
		return nil, commitErrorf("commit requires an update path")
	}

	// If the commit includes one of our own updates, the new leaf private
	// key must be usable during path decryption
	for _, e := range entries {
		if e.Proposal.Type() != ProposalTypeUpdate || e.Ref == nil {
			continue
		}
		if e.Sender.Type != SenderTypeMember || e.Sender.Leaf != s.Index {
			continue
		}
		if priv, ok := s.pendingUpdates[e.Ref.String()]; ok {
			diff.setPrivate(toNodeIndex(s.Index), priv)
		}
	}

	committerLeaf := cm.Sender.Leaf
	if cm.Sender.Type == SenderTypeNewMember {
		committerLeaf, err = diff.addLeaf(cm.Commit.Path.LeafNode)
		if err != nil {
			return nil, wrapCommitError("external joiner admission failed", err)
		}
		applied.ChangedLeaves = append(applied.ChangedLeaves, committerLeaf)
	}

	prevCtxBytes, err := s.contextBytes()
	if err != nil {
		return nil, err
	}

	commitSecret := s.Suite.zero()
	if cm.Commit.Path != nil {
		commitSecret, err = diff.decap(committerLeaf, prevCtxBytes, cm.Commit.Path)
		if err != nil {
			return nil, wrapCommitError("update path decryption failed", err)
		}
	}

	newExtensions := s.Extensions
	if applied.Extensions != nil {
		newExtensions = *applied.Extensions
	}

	if err := diff.validate(s.Validator, s.GroupID, newExtensions, nil); err != nil {
		return nil, wrapCommitError("tree validation failed", err)
	}

	initSecret := s.Keys.InitSecret
	if applied.ExternalInit != nil {
		initSecret, err = s.Suite.hpke().Decrypt(s.Keys.ExternalPriv, []byte{}, applied.ExternalInit.EncryptedInitSecret)
		if err != nil {
			return nil, wrapCommitError("external init secret decryption failed", err)
		}
	}

	psk, _, err := s.resolvePSKs(applied.PSKs)
	if err != nil {
		return nil, err
	}

	next, err := s.successor(diff, &cm, commitSecret, initSecret, psk, newExtensions)
	if err != nil {
		return nil, err
	}

	if !next.Keys.verifyConfirmationTag(next.ConfirmedTranscriptHash, cm.ConfirmationTag) {
		return nil, commitErrorf("confirmation tag mismatch")
	}

	if err := next.finishTranscript(&cm); err != nil {
		return nil, err
	}

	return next, nil
}

///
/// Joining
///

// NewJoinedState builds a member state from a Welcome addressed to one of
// our key packages.
func NewJoinedState(kp KeyPackage, kpPriv *KeyPackagePrivate, welcome Welcome, psks map[string][]byte, validator CredentialValidator) (*State, error) {
	suite := welcome.Suite
	if kp.Suite != suite {
		return nil, fmt.Errorf("mls.state: welcome ciphersuite mismatch")
	}

	gs, err := welcome.decryptSecrets(kp, kpPriv.InitPrivateKey)
	if err != nil {
		return nil, err
	}

	pskValues := [][]byte{}
	pskStore := map[string][]byte{}
	for id, value := range psks {
		pskStore[id] = dup(value)
	}
	for _, p := range gs.PSKs {
		value, ok := pskStore[string(p.ID)]
		if !ok {
			return nil, fmt.Errorf("mls.state: welcome references unknown PSK")
		}
		pskValues = append(pskValues, value)
	}
	psk := pskSecret(suite, pskValues)

	gi, err := welcome.decryptGroupInfo(gs.JoinerSecret, psk)
	if err != nil {
		return nil, err
	}

	gi.Tree.Suite = suite
	gi.Tree.setHashAll()

	if err := gi.verify(); err != nil {
		return nil, err
	}

	tree := newTreeSyncFromTree(&gi.Tree)
	if err := tree.NewDiff().validate(validator, gi.GroupID, gi.Extensions, nil); err != nil {
		return nil, err
	}

	index, ok := tree.Tree.Find(kp)
	if !ok {
		return nil, fmt.Errorf("mls.state: joiner leaf not present in group tree")
	}

	if !kpPriv.EncryptionPrivateKey.PublicKey.Equals(kp.LeafNode.EncryptionKey) {
		return nil, fmt.Errorf("mls.state: key package private key mismatch")
	}
	tree.Secrets.PrivateKeys[toNodeIndex(index)] = kpPriv.EncryptionPrivateKey

	if gs.PathSecret != nil {
		diff := tree.NewDiff()
		if _, err := diff.implantFrom(gi.SignerIndex, index, gs.PathSecret.Data); err != nil {
			return nil, err
		}
		tree.Merge(diff)
	}

	s := &State{
		Suite:                   suite,
		GroupID:                 dup(gi.GroupID),
		Epoch:                   gi.Epoch,
		Tree:                    tree,
		ConfirmedTranscriptHash: dup(gi.ConfirmedTranscriptHash),
		InterimTranscriptHash:   dup(gi.InterimTranscriptHash),
		Extensions:              gi.Extensions,
		Proposals:               newProposalStore(suite),
		PreSharedKeys:           pskStore,
		Validator:               validator,
		Index:                   index,
		IdentityPriv:            kpPriv.SignaturePrivateKey,
		scheme:                  kp.LeafNode.Credential.Scheme(),
		pendingUpdates:          map[string]HPKEPrivateKey{},
	}

	ctx, err := s.contextBytes()
	if err != nil {
		return nil, err
	}

	s.Keys, err = newKeyScheduleEpoch(suite, gs.JoinerSecret, psk, ctx, tree.Tree.size())
	if err != nil {
		return nil, err
	}

	if !s.Keys.verifyConfirmationTag(s.ConfirmedTranscriptHash, gi.ConfirmationTag) {
		return nil, fmt.Errorf("mls.state: welcome confirmation tag mismatch")
	}

	return s, nil
}

// GroupInfo publishes a signed description of the current epoch, sufficient
// for an external party to commit itself into the group.
func (s *State) GroupInfo() (*GroupInfo, error) {
	gi := &GroupInfo{
		GroupID:                 dup(s.GroupID),
		Epoch:                   s.Epoch,
		Tree:                    *s.Tree.Tree.clone(),
		ConfirmedTranscriptHash: dup(s.ConfirmedTranscriptHash),
		InterimTranscriptHash:   dup(s.InterimTranscriptHash),
		Extensions:              s.Extensions,
		ConfirmationTag:         s.Keys.confirmationTag(s.ConfirmedTranscriptHash),
		ExternalPub:             s.Keys.ExternalPriv.PublicKey,
	}

	if err := gi.sign(s.Index, &s.IdentityPriv); err != nil {
		return nil, err
	}
	return gi, nil
}

// NewExternalJoinState lets a party with only a GroupInfo commit itself into
// the group.  The commit carries an ExternalInit proposal encrypting a fresh
// init secret to the group's external key, plus the joiner's update path; if
// the same identity already holds a leaf, that leaf is removed in the same
// commit.
func NewExternalJoinState(suite CipherSuite, sigPriv SignaturePrivateKey, cred Credential, gi *GroupInfo, leafSecret []byte) (*State, *CommitMessage, error) {
	gi.Tree.Suite = suite
	gi.Tree.setHashAll()

	if err := gi.verify(); err != nil {
		return nil, nil, err
	}

	tree := newTreeSyncFromTree(&gi.Tree)

	initSecret, err := getRandomBytes(suite.Constants().SecretSize)
	if err != nil {
		return nil, nil, err
	}

	encInit, err := suite.hpke().Encrypt(gi.ExternalPub, []byte{}, initSecret)
	if err != nil {
		return nil, nil, err
	}

	sender := Sender{Type: SenderTypeNewMember}
	commit := Commit{Proposals: []ProposalOrRef{
		{Proposal: &Proposal{ExternalInit: &ExternalInitProposal{EncryptedInitSecret: encInit}}},
	}}

	if prior, ok := tree.Tree.FindIdentity(cred.Identity()); ok {
		commit.Proposals = append(commit.Proposals, ProposalOrRef{
			Proposal: &Proposal{Remove: &RemoveProposal{Removed: prior}},
		})
	}

	s := &State{
		Suite:                   suite,
		GroupID:                 dup(gi.GroupID),
		Epoch:                   gi.Epoch,
		Tree:                    tree,
		ConfirmedTranscriptHash: dup(gi.ConfirmedTranscriptHash),
		InterimTranscriptHash:   dup(gi.InterimTranscriptHash),
		Extensions:              gi.Extensions,
		Proposals:               newProposalStore(suite),
		PreSharedKeys:           map[string][]byte{},
		IdentityPriv:            sigPriv,
		scheme:                  cred.Scheme(),
		pendingUpdates:          map[string]HPKEPrivateKey{},
	}

	entries, err := s.Proposals.resolve(commit, sender)
	if err != nil {
		return nil, nil, err
	}
	if err := validateProposalList(suite, tree.NewDiff(), sender, entries); err != nil {
		return nil, nil, wrapCommitError("proposal validation failed", err)
	}

	diff := tree.NewDiff()
	if _, err := applyProposals(diff, entries); err != nil {
		return nil, nil, wrapCommitError("proposal application failed", err)
	}

	leafPriv, err := nodePrivateKey(suite, leafSecret)
	if err != nil {
		return nil, nil, err
	}

	leaf, err := newLeafNode(suite, leafPriv.PublicKey, cred, &sigPriv)
	if err != nil {
		return nil, nil, err
	}

	index, err := diff.addLeaf(leaf)
	if err != nil {
		return nil, nil, wrapCommitError("external joiner admission failed", err)
	}
	s.Index = index

	prevCtxBytes, err := s.contextBytes()
	if err != nil {
		return nil, nil, err
	}

	path, pathSecrets, err := diff.encap(index, leaf, &sigPriv, prevCtxBytes, leafSecret)
	if err != nil {
		return nil, nil, wrapCommitError("update path encryption failed", err)
	}
	commit.Path = path
	commitSecret := pathSecrets[root(diff.size)]

	if err := diff.validate(s.Validator, s.GroupID, s.Extensions, []leafIndex{index}); err != nil {
		return nil, nil, wrapCommitError("tree validation failed", err)
	}

	cm := CommitMessage{
		GroupID: s.GroupID,
		Epoch:   s.Epoch,
		Sender:  sender,
		Commit:  commit,
	}

	next, err := s.successor(diff, &cm, commitSecret, initSecret, pskSecret(suite, nil), s.Extensions)
	if err != nil {
		return nil, nil, err
	}
	cm.ConfirmationTag = next.Keys.confirmationTag(next.ConfirmedTranscriptHash)
	if err := cm.Sign(s.groupContext(), s.scheme, s.IdentityPriv); err != nil {
		return nil, nil, err
	}
	if err := next.finishTranscript(&cm); err != nil {
		return nil, nil, err
	}

	return next, &cm, nil
}

///
/// Application message protection
///

func (s *State) Protect(data []byte) (*MLSCiphertext, error) {
	hr := s.Keys.Keys.RatchetFor(s.Index, ContentTypeApplication)
	generation, kn := hr.Next()

	senderDataNonce, err := getRandomBytes(s.Suite.Constants().NonceSize)
	if err != nil {
		return nil, err
	}

	aad, err := syntax.Marshal(mlsCiphertextContentAAD{
		GroupID:           s.GroupID,
		Epoch:             s.Epoch,
		ContentType:       ContentTypeApplication,
		SenderDataNonce:   senderDataNonce,
		AuthenticatedData: []byte{},
	})
	if err != nil {
		return nil, err
	}

	aead, err := s.Suite.NewAEAD(kn.Key)
	if err != nil {
		return nil, err
	}
	ciphertext := aead.Seal(nil, kn.Nonce, data, aad)
	hr.Erase(generation)

	senderData, err := syntax.Marshal(mlsSenderData{
		Sender:     s.Index,
		Generation: generation,
	})
	if err != nil {
		return nil, err
	}

	sdAEAD, err := s.Suite.NewAEAD(s.Keys.senderDataKey(ciphertext))
	if err != nil {
		return nil, err
	}
	encSenderData := sdAEAD.Seal(nil, senderDataNonce, senderData, []byte{})

	return &MLSCiphertext{
		GroupID:             dup(s.GroupID),
		Epoch:               s.Epoch,
		ContentType:         ContentTypeApplication,
		SenderDataNonce:     senderDataNonce,
		EncryptedSenderData: encSenderData,
		AuthenticatedData:   []byte{},
		Ciphertext:          ciphertext,
	}, nil
}

func (s *State) Unprotect(ct *MLSCiphertext) ([]byte, error) {
	if !bytes.Equal(ct.GroupID, s.GroupID) {
		return nil, fmt.Errorf("mls.state: ciphertext for different group")
	}
	if ct.Epoch != s.Epoch {
		return nil, fmt.Errorf("mls.state: ciphertext for epoch %d in epoch %d", ct.Epoch, s.Epoch)
	}
	if ct.ContentType != ContentTypeApplication {
		return nil, fmt.Errorf("mls.state: unsupported content type")
	}

	sdAEAD, err := s.Suite.NewAEAD(s.Keys.senderDataKey(ct.Ciphertext))
	if err != nil {
		return nil, err
	}

	sdData, err := sdAEAD.Open(nil, ct.SenderDataNonce, ct.EncryptedSenderData, []byte{})
	if err != nil {
		return nil, fmt.Errorf("mls.state: sender data decryption failed: %v", err)
	}

	var senderData mlsSenderData
	if _, err := syntax.Unmarshal(sdData, &senderData); err != nil {
		return nil, err
	}

	if !s.Tree.Tree.occupied(senderData.Sender) {
		return nil, fmt.Errorf("mls.state: ciphertext from blank leaf %d", senderData.Sender)
	}

	hr := s.Keys.Keys.RatchetFor(senderData.Sender, ct.ContentType)
	kn, err := hr.Get(senderData.Generation)
	if err != nil {
		return nil, err
	}

	aad, err := syntax.Marshal(mlsCiphertextContentAAD{
		GroupID:           ct.GroupID,
		Epoch:             ct.Epoch,
		ContentType:       ct.ContentType,
		SenderDataNonce:   ct.SenderDataNonce,
		AuthenticatedData: ct.AuthenticatedData,
	})
	if err != nil {
		return nil, err
	}

	aead, err := s.Suite.NewAEAD(kn.Key)
	if err != nil {
		return nil, err
	}

	pt, err := aead.Open(nil, kn.Nonce, ct.Ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("mls.state: content decryption failed: %v", err)
	}

	hr.Erase(senderData.Generation)
	return pt, nil
}
