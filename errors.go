package mls

import (
	"errors"
	"fmt"
)

// The failure classes callers can branch on.  Tree and proposal failures are
// scoped to the diff or proposal that produced them; a CommitError means the
// whole commit was rejected and no state was modified.

// TreeError reports a structural or cryptographic tree invariant violation.
// The diff that produced it is discarded; the authoritative tree is unchanged.
type TreeError struct {
	Msg string
	Err error
}

func (e *TreeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("mls.tree: %s: %v", e.Msg, e.Err)
	}
	return "mls.tree: " + e.Msg
}

func (e *TreeError) Unwrap() error { return e.Err }

func treeErrorf(format string, args ...interface{}) *TreeError {
	return &TreeError{Msg: fmt.Sprintf(format, args...)}
}

func wrapTreeError(msg string, err error) *TreeError {
	return &TreeError{Msg: msg, Err: err}
}

// ProposalError reports a proposal that failed individual or cross-proposal
// validation.
type ProposalError struct {
	Msg string
}

func (e *ProposalError) Error() string { return "mls.proposal: " + e.Msg }

func proposalErrorf(format string, args ...interface{}) *ProposalError {
	return &ProposalError{Msg: fmt.Sprintf(format, args...)}
}

// CommitError wraps any failure that rejected a commit, including transcript
// or confirmation mismatches, wrong epochs, and duplicate merge attempts.
type CommitError struct {
	Msg string
	Err error
}

func (e *CommitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("mls.commit: %s: %v", e.Msg, e.Err)
	}
	return "mls.commit: " + e.Msg
}

func (e *CommitError) Unwrap() error { return e.Err }

func commitErrorf(format string, args ...interface{}) *CommitError {
	return &CommitError{Msg: fmt.Sprintf(format, args...)}
}

func wrapCommitError(msg string, err error) *CommitError {
	return &CommitError{Msg: msg, Err: err}
}

// CryptoError surfaces a failure from the primitive layer unchanged.
type CryptoError struct {
	Op  string
	Err error
}

func (e *CryptoError) Error() string {
	return fmt.Sprintf("mls.crypto: %s: %v", e.Op, e.Err)
}

func (e *CryptoError) Unwrap() error { return e.Err }

func cryptoError(op string, err error) *CryptoError {
	return &CryptoError{Op: op, Err: err}
}

// ErrRemovedFromGroup is returned when a processed commit removes the local
// member.  The existing state remains usable only for reading history; no
// next-epoch state exists for this member.
var ErrRemovedFromGroup = errors.New("mls.state: local member removed from group")

// ErrDuplicateOrExpiredGeneration is returned by the secret tree when a
// message key is requested for a generation that was already consumed or has
// aged out of the retention window.
var ErrDuplicateOrExpiredGeneration = errors.New("mls.secret-tree: duplicate or expired generation")

// CredentialError reports a credential rejected by the injected validator.
type CredentialError struct {
	Err error
}

func (e *CredentialError) Error() string { return fmt.Sprintf("mls.credential: %v", e.Err) }

func (e *CredentialError) Unwrap() error { return e.Err }
