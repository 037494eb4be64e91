package mls

import (
	"bytes"
	"fmt"

	syntax "github.com/cisco/go-tls-syntax"
)

///
/// GroupInfo
///
/// The public description of an epoch, handed to joiners.  Signed by a
/// member so a joiner can authenticate the group before trusting anything
/// derived from it.

type GroupInfo struct {
	GroupID                 []byte `tls:"head=1"`
	Epoch                   Epoch
	Tree                    RatchetTree
	ConfirmedTranscriptHash []byte `tls:"head=1"`
	InterimTranscriptHash   []byte `tls:"head=1"`
	Extensions              ExtensionList
	ConfirmationTag         []byte `tls:"head=1"`
	ExternalPub             HPKEPublicKey
	SignerIndex             leafIndex
	Signature               []byte `tls:"head=2"`
}

type groupInfoTBS struct {
	GroupID                 []byte `tls:"head=1"`
	Epoch                   Epoch
	Tree                    RatchetTree
	ConfirmedTranscriptHash []byte `tls:"head=1"`
	InterimTranscriptHash   []byte `tls:"head=1"`
	Extensions              ExtensionList
	ConfirmationTag         []byte `tls:"head=1"`
	ExternalPub             HPKEPublicKey
	SignerIndex             leafIndex
}

func (gi GroupInfo) toBeSigned() ([]byte, error) {
	return syntax.Marshal(groupInfoTBS{
		GroupID:                 gi.GroupID,
		Epoch:                   gi.Epoch,
		Tree:                    gi.Tree,
		ConfirmedTranscriptHash: gi.ConfirmedTranscriptHash,
		InterimTranscriptHash:   gi.InterimTranscriptHash,
		Extensions:              gi.Extensions,
		ConfirmationTag:         gi.ConfirmationTag,
		ExternalPub:             gi.ExternalPub,
		SignerIndex:             gi.SignerIndex,
	})
}

func (gi *GroupInfo) sign(index leafIndex, priv *SignaturePrivateKey) error {
	gi.SignerIndex = index

	leaf := gi.Tree.leafNode(index)
	if leaf == nil {
		return fmt.Errorf("mls.groupinfo: signer leaf is blank")
	}
	if !leaf.SignatureKey.Equals(priv.PublicKey) {
		return fmt.Errorf("mls.groupinfo: signer key mismatch")
	}

	tbs, err := gi.toBeSigned()
	if err != nil {
		return err
	}

	sig, err := leaf.Credential.Scheme().Sign(priv, tbs)
	if err != nil {
		return err
	}

	gi.Signature = sig
	return nil
}

func (gi GroupInfo) verify() error {
	leaf := gi.Tree.leafNode(gi.SignerIndex)
	if leaf == nil {
		return fmt.Errorf("mls.groupinfo: signer leaf is blank")
	}

	tbs, err := gi.toBeSigned()
	if err != nil {
		return err
	}

	scheme := leaf.Credential.Scheme()
	if !scheme.Verify(leaf.Credential.PublicKey(), tbs, gi.Signature) {
		return fmt.Errorf("mls.groupinfo: invalid signature")
	}
	return nil
}

///
/// GroupSecrets
///
/// The secrets a joiner needs, encrypted to its key package init key.  The
/// path secret is present when the committing member sent an update path, and
/// lets the joiner decrypt below its shared ancestor with the committer.

type pathSecret struct {
	Data []byte `tls:"head=1"`
}

type GroupSecrets struct {
	JoinerSecret []byte                 `tls:"head=1"`
	PathSecret   *pathSecret            `tls:"optional"`
	PSKs         []PreSharedKeyProposal `tls:"head=2"`
}

type EncryptedGroupSecrets struct {
	KeyPackageRef []byte `tls:"head=1"`
	EncryptedData HPKECiphertext
}

///
/// Welcome
///

type Welcome struct {
	Version            ProtocolVersion
	Suite              CipherSuite
	Secrets            []EncryptedGroupSecrets `tls:"head=4"`
	EncryptedGroupInfo []byte                  `tls:"head=4"`

	joinerSecret []byte   `tls:"omit"`
	pskSecret    []byte   `tls:"omit"`
	psks         [][]byte `tls:"omit"`
}

func welcomeKeyAndNonce(suite CipherSuite, welcomeSecret []byte) keyAndNonce {
	return keyAndNonce{
		Key:   suite.hkdfExpandLabel(welcomeSecret, "key", []byte{}, suite.Constants().KeySize),
		Nonce: suite.hkdfExpandLabel(welcomeSecret, "nonce", []byte{}, suite.Constants().NonceSize),
	}
}

func newWelcome(suite CipherSuite, joinerSecret, psk []byte, pskIDs [][]byte, gi *GroupInfo) (*Welcome, error) {
	giData, err := syntax.Marshal(gi)
	if err != nil {
		return nil, err
	}

	welcomeSecret := computeWelcomeSecret(suite, joinerSecret, psk)
	kn := welcomeKeyAndNonce(suite, welcomeSecret)

	aead, err := suite.NewAEAD(kn.Key)
	if err != nil {
		return nil, err
	}
	encGroupInfo := aead.Seal(nil, kn.Nonce, giData, []byte{})

	return &Welcome{
		Version:            ProtocolVersionMLS10,
		Suite:              suite,
		EncryptedGroupInfo: encGroupInfo,
		joinerSecret:       dup(joinerSecret),
		pskSecret:          dup(psk),
		psks:               pskIDs,
	}, nil
}

// EncryptTo adds a recipient.  Only the sender that constructed the Welcome
// can call this; received Welcomes carry no secrets to encrypt.
func (w *Welcome) EncryptTo(kp KeyPackage, pathSecretData []byte) error {
	if w.joinerSecret == nil {
		return fmt.Errorf("mls.welcome: no secrets available for encryption")
	}

	gs := GroupSecrets{JoinerSecret: w.joinerSecret}
	if pathSecretData != nil {
		gs.PathSecret = &pathSecret{Data: pathSecretData}
	}
	for _, id := range w.psks {
		gs.PSKs = append(gs.PSKs, PreSharedKeyProposal{ID: dup(id)})
	}

	plaintext, err := syntax.Marshal(gs)
	if err != nil {
		return err
	}

	ct, err := w.Suite.hpke().Encrypt(kp.InitKey, []byte{}, plaintext)
	if err != nil {
		return err
	}

	ref, err := kp.Ref()
	if err != nil {
		return err
	}

	w.Secrets = append(w.Secrets, EncryptedGroupSecrets{
		KeyPackageRef: ref,
		EncryptedData: ct,
	})
	return nil
}

// decryptSecrets recovers the GroupSecrets addressed to the given key
// package.
func (w Welcome) decryptSecrets(kp KeyPackage, initPriv HPKEPrivateKey) (*GroupSecrets, error) {
	ref, err := kp.Ref()
	if err != nil {
		return nil, err
	}

	for _, egs := range w.Secrets {
		if !bytes.Equal(egs.KeyPackageRef, ref) {
			continue
		}

		plaintext, err := w.Suite.hpke().Decrypt(initPriv, []byte{}, egs.EncryptedData)
		if err != nil {
			return nil, fmt.Errorf("mls.welcome: group secrets decryption failed: %v", err)
		}

		var gs GroupSecrets
		if _, err := syntax.Unmarshal(plaintext, &gs); err != nil {
			return nil, err
		}
		return &gs, nil
	}

	return nil, fmt.Errorf("mls.welcome: no entry for this key package")
}

// decryptGroupInfo opens the group info once the welcome secret is known.
func (w Welcome) decryptGroupInfo(joinerSecret, psk []byte) (*GroupInfo, error) {
	welcomeSecret := computeWelcomeSecret(w.Suite, joinerSecret, psk)
	kn := welcomeKeyAndNonce(w.Suite, welcomeSecret)

	aead, err := w.Suite.NewAEAD(kn.Key)
	if err != nil {
		return nil, err
	}

	giData, err := aead.Open(nil, kn.Nonce, w.EncryptedGroupInfo, []byte{})
	if err != nil {
		return nil, fmt.Errorf("mls.welcome: group info decryption failed: %v", err)
	}

	var gi GroupInfo
	if _, err := syntax.Unmarshal(giData, &gi); err != nil {
		return nil, err
	}
	return &gi, nil
}
