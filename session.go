package mls

import (
	"bytes"

	syntax "github.com/cisco/go-tls-syntax"
)

///
/// Session
///
/// A convenience driver around State for one member: it queues proposals,
/// caches the staged result of an outbound commit until the delivery service
/// echoes it back, and advances epochs as commits arrive.  All State
/// semantics are unchanged; Session only sequences them.

type Session struct {
	Current *State

	pending     *StagedCommit
	pendingData []byte
}

func NewSession(state *State) *Session {
	return &Session{Current: state}
}

// StartSession creates a new one-member group.
func StartSession(groupID []byte, suite CipherSuite, sigPriv SignaturePrivateKey, cred Credential) (*Session, error) {
	state, err := NewEmptyState(groupID, suite, sigPriv, cred)
	if err != nil {
		return nil, err
	}
	return NewSession(state), nil
}

// JoinSession enters a group from a Welcome.
func JoinSession(kp KeyPackage, kpPriv *KeyPackagePrivate, welcome Welcome, psks map[string][]byte, validator CredentialValidator) (*Session, error) {
	state, err := NewJoinedState(kp, kpPriv, welcome, psks, validator)
	if err != nil {
		return nil, err
	}
	return NewSession(state), nil
}

func (s *Session) Epoch() Epoch {
	return s.Current.Epoch
}

func (s *Session) Index() leafIndex {
	return s.Current.Index
}

// HandleProposal queues a broadcast proposal, our own included.
func (s *Session) HandleProposal(pm *ProposalMessage) (ProposalRef, error) {
	return s.Current.Handle(pm)
}

// Commit stages a commit over all queued proposals and caches it.  The
// commit is not applied until the delivery service echoes it back through
// HandleCommit, so a competing commit can still win the epoch.
func (s *Session) Commit(leafSecret []byte) (*CommitMessage, *Welcome, error) {
	staged, err := s.Current.Commit(leafSecret)
	if err != nil {
		return nil, nil, err
	}

	data, err := syntax.Marshal(staged.Commit)
	if err != nil {
		return nil, nil, err
	}

	s.pending = staged
	s.pendingData = data
	return &staged.Commit, staged.Welcome, nil
}

// HandleCommit advances the session to the next epoch.  Our own echoed
// commit is resolved from the cache; any other commit is processed in full
// and invalidates whatever we had staged.
func (s *Session) HandleCommit(cm CommitMessage) error {
	fromSelf := cm.Sender.Type == SenderTypeMember && cm.Sender.Leaf == s.Current.Index

	if fromSelf {
		if s.pending == nil {
			return commitErrorf("own commit echoed without a staged copy")
		}

		data, err := syntax.Marshal(cm)
		if err != nil {
			return err
		}
		if !bytes.Equal(data, s.pendingData) {
			return commitErrorf("echoed commit differs from staged commit")
		}

		next, err := s.Current.MergeStagedCommit(s.pending)
		if err != nil {
			return err
		}

		s.Current = next
		s.pending = nil
		s.pendingData = nil
		return nil
	}

	next, err := s.Current.ProcessIncomingCommit(cm)
	if err != nil {
		return err
	}

	s.Current = next
	s.pending = nil
	s.pendingData = nil
	return nil
}

func (s *Session) Protect(data []byte) (*MLSCiphertext, error) {
	return s.Current.Protect(data)
}

func (s *Session) Unprotect(ct *MLSCiphertext) ([]byte, error) {
	return s.Current.Unprotect(ct)
}

func (s *Session) Export(label string, context []byte, length int) []byte {
	return s.Current.Export(label, context, length)
}
