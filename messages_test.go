package mls

import (
	"testing"

	syntax "github.com/cisco/go-tls-syntax"
	"github.com/stretchr/testify/require"
)

func TestKeyPackage(t *testing.T) {
	suite := testSuite
	kp, kpPriv := newTestKeyPackage(t, suite, "alice")

	require.True(t, kp.Verify())
	require.True(t, kpPriv.InitPrivateKey.PublicKey.Equals(kp.InitKey))
	require.True(t, kpPriv.EncryptionPrivateKey.PublicKey.Equals(kp.LeafNode.EncryptionKey))

	// Tampering invalidates the signature
	evil := kp
	evil.LeafNode = kp.LeafNode.Clone()
	evil.LeafNode.Credential = NewBasicCredential([]byte("mallory"),
		kp.LeafNode.Credential.Scheme(), *kp.LeafNode.Credential.PublicKey())
	require.False(t, evil.Verify())

	// Refs identify packages
	ref1, err := kp.Ref()
	require.Nil(t, err)
	kp2, _ := newTestKeyPackage(t, suite, "alice")
	ref2, err := kp2.Ref()
	require.Nil(t, err)
	require.NotEqual(t, ref1, ref2)
}

func TestProposalRoundTrip(t *testing.T) {
	suite := testSuite
	kp, _ := newTestKeyPackage(t, suite, "bob")
	leaf, _, _ := newTestLeaf(t, suite, "carol")

	cases := map[string]Proposal{
		"add":    {Add: &AddProposal{KeyPackage: kp}},
		"update": {Update: &UpdateProposal{LeafNode: leaf}},
		"remove": {Remove: &RemoveProposal{Removed: 2}},
		"psk":    {PSK: &PreSharedKeyProposal{ID: []byte("psk-id")}},
		"gce": {GroupContextExtensions: &GroupContextExtensionsProposal{
			Extensions: NewExtensionList(),
		}},
	}

	for name, p := range cases {
		t.Run(name, func(t *testing.T) {
			data, err := syntax.Marshal(p)
			require.Nil(t, err)

			var out Proposal
			read, err := syntax.Unmarshal(data, &out)
			require.Nil(t, err)
			require.Equal(t, len(data), read)
			require.Equal(t, p.Type(), out.Type())
		})
	}

	var invalid Proposal
	_, err := syntax.Marshal(invalid)
	require.Error(t, err)
}

func TestProposalMessageSigning(t *testing.T) {
	suite := testSuite
	sigPriv, cred := newTestIdentity(t, suite, "dave")

	ctx := GroupContext{
		GroupID:                 []byte("group"),
		Epoch:                   3,
		TreeHash:                unhex("00112233"),
		ConfirmedTranscriptHash: unhex("44556677"),
	}

	pm := &ProposalMessage{
		GroupID:  []byte("group"),
		Epoch:    3,
		Sender:   memberSender(1),
		Proposal: Proposal{Remove: &RemoveProposal{Removed: 0}},
	}

	require.Nil(t, pm.Sign(ctx, cred.Scheme(), sigPriv))
	require.True(t, pm.VerifySignature(ctx, cred.Scheme(), cred.PublicKey()))

	// Binding to the context: a different context fails verification
	other := ctx
	other.Epoch = 4
	require.False(t, pm.VerifySignature(other, cred.Scheme(), cred.PublicKey()))

	// Refs are stable and content-sensitive
	r1, err := pm.Ref(suite)
	require.Nil(t, err)
	r2, err := pm.Ref(suite)
	require.Nil(t, err)
	require.True(t, r1.Equals(r2))

	pm.Epoch = 4
	r3, err := pm.Ref(suite)
	require.Nil(t, err)
	require.False(t, r1.Equals(r3))
}

func TestProposalOrRefRoundTrip(t *testing.T) {
	ref := ProposalRef{Data: unhex("aabbccdd")}
	byRef := ProposalOrRef{Reference: &ref}

	data, err := syntax.Marshal(byRef)
	require.Nil(t, err)

	var out ProposalOrRef
	_, err = syntax.Unmarshal(data, &out)
	require.Nil(t, err)
	require.Equal(t, ProposalOrRefTypeReference, out.Type())
	require.True(t, out.Reference.Equals(ref))

	byValue := ProposalOrRef{Proposal: &Proposal{Remove: &RemoveProposal{Removed: 5}}}
	data, err = syntax.Marshal(byValue)
	require.Nil(t, err)

	out = ProposalOrRef{}
	_, err = syntax.Unmarshal(data, &out)
	require.Nil(t, err)
	require.Equal(t, ProposalOrRefTypeProposal, out.Type())
	require.Equal(t, leafIndex(5), out.Proposal.Remove.Removed)
}
