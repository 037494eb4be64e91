package mls

///
/// ProposalStore
///
/// Proposals received during an epoch, indexed by reference so a later commit
/// can cite them.  The store is cleared on every epoch transition.

type ProposalStore struct {
	suite     CipherSuite
	proposals map[string]ProposalMessage
}

func newProposalStore(suite CipherSuite) *ProposalStore {
	return &ProposalStore{
		suite:     suite,
		proposals: map[string]ProposalMessage{},
	}
}

func (ps *ProposalStore) Add(pm ProposalMessage) (ProposalRef, error) {
	ref, err := pm.Ref(ps.suite)
	if err != nil {
		return ProposalRef{}, err
	}

	ps.proposals[ref.String()] = pm
	return ref, nil
}

func (ps *ProposalStore) Get(ref ProposalRef) (ProposalMessage, bool) {
	pm, ok := ps.proposals[ref.String()]
	return pm, ok
}

func (ps *ProposalStore) Refs() []ProposalRef {
	refs := make([]ProposalRef, 0, len(ps.proposals))
	for _, pm := range ps.proposals {
		ref, err := pm.Ref(ps.suite)
		if err != nil {
			continue
		}
		refs = append(refs, ref)
	}
	return refs
}

///
/// Resolution
///

// proposalEntry is a proposal with its sender resolved, whether it arrived by
// value in the commit or by reference from the store.  Ref is nil for
// by-value proposals.
type proposalEntry struct {
	Sender   Sender
	Proposal Proposal
	Ref      *ProposalRef
}

// resolve expands a commit's proposal list against the store.  By-value
// proposals take the committer as sender.  A reference the store cannot
// satisfy fails the whole commit.
func (ps *ProposalStore) resolve(commit Commit, committer Sender) ([]proposalEntry, error) {
	entries := make([]proposalEntry, 0, len(commit.Proposals))
	for _, por := range commit.Proposals {
		switch por.Type() {
		case ProposalOrRefTypeProposal:
			entries = append(entries, proposalEntry{
				Sender:   committer,
				Proposal: *por.Proposal,
			})

		case ProposalOrRefTypeReference:
			pm, ok := ps.Get(*por.Reference)
			if !ok {
				return nil, proposalErrorf("unknown proposal reference %v", *por.Reference)
			}
			entries = append(entries, proposalEntry{
				Sender:   pm.Sender,
				Proposal: pm.Proposal,
				Ref:      por.Reference,
			})

		default:
			return nil, proposalErrorf("malformed proposal-or-ref in commit")
		}
	}
	return entries, nil
}

///
/// Validation
///

// validateProposalList enforces the per-proposal and cross-proposal rules
// against the tree state the commit starts from.
func validateProposalList(suite CipherSuite, d *TreeDiff, committer Sender, entries []proposalEntry) error {
	updated := map[leafIndex]bool{}
	removed := map[leafIndex]bool{}
	pskIDs := map[string]bool{}
	addedKeys := []LeafNode{}
	sawGCE := false
	sawExternalInit := false
	sawReInit := false

	for _, e := range entries {
		switch e.Proposal.Type() {
		case ProposalTypeAdd:
			kp := e.Proposal.Add.KeyPackage
			if kp.Suite != suite {
				return proposalErrorf("add with key package for wrong ciphersuite")
			}
			if !kp.Verify() {
				return proposalErrorf("add with invalid key package signature")
			}
			if !kp.LeafNode.Lifetime.consistent() {
				return proposalErrorf("add with inconsistent leaf lifetime")
			}

			for l := leafIndex(0); leafCount(l) < d.size; l++ {
				leaf := d.leafNode(l)
				if leaf == nil {
					continue
				}
				if leaf.SignatureKey.Equals(kp.LeafNode.SignatureKey) ||
					leaf.EncryptionKey.Equals(kp.LeafNode.EncryptionKey) {
					return proposalErrorf("add duplicates a key already in the tree at leaf %d", l)
				}
			}
			for _, prior := range addedKeys {
				if prior.SignatureKey.Equals(kp.LeafNode.SignatureKey) ||
					prior.EncryptionKey.Equals(kp.LeafNode.EncryptionKey) {
					return proposalErrorf("two adds in one commit share a key")
				}
			}
			addedKeys = append(addedKeys, kp.LeafNode)

		case ProposalTypeUpdate:
			if e.Sender.Type != SenderTypeMember {
				return proposalErrorf("update from non-member sender")
			}
			target := e.Sender.Leaf
			if committer.Type == SenderTypeMember && target == committer.Leaf {
				return proposalErrorf("committer including its own update")
			}
			if !d.occupied(target) {
				return proposalErrorf("update for blank leaf %d", target)
			}
			if updated[target] {
				return proposalErrorf("multiple updates for leaf %d", target)
			}
			if !e.Proposal.Update.LeafNode.Verify() {
				return proposalErrorf("update with invalid leaf signature")
			}
			updated[target] = true

		case ProposalTypeRemove:
			target := e.Proposal.Remove.Removed
			if committer.Type == SenderTypeMember && target == committer.Leaf {
				return proposalErrorf("committer removing itself")
			}
			if !d.occupied(target) {
				return proposalErrorf("remove of blank leaf %d", target)
			}
			if removed[target] {
				return proposalErrorf("multiple removes for leaf %d", target)
			}
			removed[target] = true

		case ProposalTypePSK:
			id := string(e.Proposal.PSK.ID)
			if pskIDs[id] {
				return proposalErrorf("duplicate PSK in one commit")
			}
			pskIDs[id] = true

		case ProposalTypeReInit:
			if sawReInit {
				return proposalErrorf("multiple reinit proposals in one commit")
			}
			sawReInit = true

		case ProposalTypeExternalInit:
			if sawExternalInit {
				return proposalErrorf("multiple external init proposals in one commit")
			}
			if committer.Type != SenderTypeNewMember {
				return proposalErrorf("external init from an existing member")
			}
			sawExternalInit = true

		case ProposalTypeGroupContextExtensions:
			if sawGCE {
				return proposalErrorf("multiple group context extensions proposals in one commit")
			}
			sawGCE = true

		default:
			return proposalErrorf("malformed proposal in commit")
		}
	}

	for target := range updated {
		if removed[target] {
			return proposalErrorf("leaf %d both updated and removed", target)
		}
	}

	if sawReInit && len(entries) > 1 {
		return proposalErrorf("reinit must be the only proposal in its commit")
	}

	if committer.Type == SenderTypeNewMember && !sawExternalInit {
		return proposalErrorf("external commit without external init proposal")
	}

	// Every current member must support every proposal type being committed
	for l := leafIndex(0); leafCount(l) < d.size; l++ {
		leaf := d.leafNode(l)
		if leaf == nil {
			continue
		}
		for _, e := range entries {
			if !leaf.Capabilities.supportsProposal(e.Proposal.Type()) {
				return proposalErrorf("leaf %d does not support proposal type %d", l, e.Proposal.Type())
			}
		}
	}

	return nil
}

///
/// Application
///

type addResult struct {
	Target     leafIndex
	KeyPackage KeyPackage
}

// appliedProposals is the outcome of running a validated proposal list
// against a diff.
type appliedProposals struct {
	Adds    []addResult
	Updates []leafIndex
	Removes []leafIndex
	PSKs    [][]byte

	Extensions   *ExtensionList
	ExternalInit *ExternalInitProposal
	ReInit       *ReInitProposal

	// Leaves whose contents changed and so need credential and signature
	// checks before merge
	ChangedLeaves []leafIndex
}

// applyProposals mutates the diff: updates first, then removes, then adds, so
// that freed slots are reusable within the same commit and an add can never
// land in a slot an update still refers to.
func applyProposals(d *TreeDiff, entries []proposalEntry) (*appliedProposals, error) {
	out := &appliedProposals{}

	for _, e := range entries {
		if e.Proposal.Type() != ProposalTypeUpdate {
			continue
		}
		target := e.Sender.Leaf
		if err := d.updateLeaf(target, e.Proposal.Update.LeafNode); err != nil {
			return nil, err
		}
		out.Updates = append(out.Updates, target)
		out.ChangedLeaves = append(out.ChangedLeaves, target)
	}

	for _, e := range entries {
		if e.Proposal.Type() != ProposalTypeRemove {
			continue
		}
		target := e.Proposal.Remove.Removed
		if err := d.removeLeaf(target); err != nil {
			return nil, err
		}
		out.Removes = append(out.Removes, target)
	}

	for _, e := range entries {
		if e.Proposal.Type() != ProposalTypeAdd {
			continue
		}
		kp := e.Proposal.Add.KeyPackage
		target, err := d.addLeaf(kp.LeafNode)
		if err != nil {
			return nil, err
		}
		out.Adds = append(out.Adds, addResult{Target: target, KeyPackage: kp})
		out.ChangedLeaves = append(out.ChangedLeaves, target)
	}

	for _, e := range entries {
		switch e.Proposal.Type() {
		case ProposalTypePSK:
			out.PSKs = append(out.PSKs, dup(e.Proposal.PSK.ID))
		case ProposalTypeGroupContextExtensions:
			ext := e.Proposal.GroupContextExtensions.Extensions.Clone()
			out.Extensions = &ext
		case ProposalTypeExternalInit:
			out.ExternalInit = e.Proposal.ExternalInit
		case ProposalTypeReInit:
			out.ReInit = e.Proposal.ReInit
		}
	}

	return out, nil
}

// pathRequired reports whether the commit must carry an update path: always,
// except for commits consisting solely of adds and PSKs.
func pathRequired(entries []proposalEntry) bool {
	if len(entries) == 0 {
		return true
	}

	for _, e := range entries {
		switch e.Proposal.Type() {
		case ProposalTypeAdd, ProposalTypePSK:
			continue
		default:
			return true
		}
	}
	return false
}
