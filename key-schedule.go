package mls

import (
	"bytes"
)

///
/// Key schedule
///
/// One keyScheduleEpoch per group epoch.  The joiner secret links epochs: it
/// is extracted from the previous init secret and the commit secret, folded
/// with any pre-shared keys, and expanded with the new group context into the
/// epoch secret that everything else hangs off.

type keyScheduleEpoch struct {
	Suite CipherSuite

	JoinerSecret     []byte `tls:"head=1"`
	EpochSecret      []byte `tls:"head=1"`
	SenderDataSecret []byte `tls:"head=1"`
	EncryptionSecret []byte `tls:"head=1"`
	ExporterSecret   []byte `tls:"head=1"`
	ExternalSecret   []byte `tls:"head=1"`
	ConfirmationKey  []byte `tls:"head=1"`
	ResumptionSecret []byte `tls:"head=1"`
	InitSecret       []byte `tls:"head=1"`

	ExternalPriv HPKEPrivateKey `tls:"omit"`

	Keys *secretTree `tls:"omit"`
}

// pskSecret folds an ordered list of pre-shared keys into a single secret.
// An empty list yields the all-zero secret, so PSK-free epochs need no
// special case.
func pskSecret(suite CipherSuite, psks [][]byte) []byte {
	out := suite.zero()
	for _, psk := range psks {
		out = suite.hkdfExtract(out, psk)
	}
	return out
}

// joinerSecret links the previous epoch's init secret with the commit secret
// produced by the update path.
func computeJoinerSecret(suite CipherSuite, initSecret, commitSecret []byte) []byte {
	return suite.hkdfExtract(initSecret, commitSecret)
}

// welcomeSecret must be derivable by a joiner who has the joiner secret and
// PSKs but not yet the group context.
func computeWelcomeSecret(suite CipherSuite, joinerSecret, psk []byte) []byte {
	extracted := suite.hkdfExtract(joinerSecret, psk)
	return suite.hkdfExpandLabel(extracted, "welcome", []byte{}, suite.Constants().SecretSize)
}

func newKeyScheduleEpoch(suite CipherSuite, joinerSecret, psk, context []byte, size leafCount) (keyScheduleEpoch, error) {
	preEpoch := suite.hkdfExtract(joinerSecret, psk)
	epochSecret := suite.hkdfExpandLabel(preEpoch, "epoch", context, suite.Constants().SecretSize)

	epoch := keyScheduleEpoch{
		Suite:            suite,
		JoinerSecret:     dup(joinerSecret),
		EpochSecret:      epochSecret,
		SenderDataSecret: suite.deriveSecret(epochSecret, "sender data", context),
		EncryptionSecret: suite.deriveSecret(epochSecret, "encryption", context),
		ExporterSecret:   suite.deriveSecret(epochSecret, "exporter", context),
		ExternalSecret:   suite.deriveSecret(epochSecret, "external", context),
		ConfirmationKey:  suite.deriveSecret(epochSecret, "confirm", context),
		ResumptionSecret: suite.deriveSecret(epochSecret, "resumption", context),
		InitSecret:       suite.deriveSecret(epochSecret, "init", context),
	}

	externalPriv, err := suite.hpke().Derive(epoch.ExternalSecret)
	if err != nil {
		return keyScheduleEpoch{}, err
	}
	epoch.ExternalPriv = externalPriv

	epoch.Keys = newSecretTree(suite, epoch.EncryptionSecret, size)
	return epoch, nil
}

// Next advances the schedule across a commit.
func (kse keyScheduleEpoch) Next(commitSecret, psk, context []byte, size leafCount) (keyScheduleEpoch, error) {
	joiner := computeJoinerSecret(kse.Suite, kse.InitSecret, commitSecret)
	return newKeyScheduleEpoch(kse.Suite, joiner, psk, context, size)
}

func (kse keyScheduleEpoch) confirmationTag(confirmedTranscriptHash []byte) []byte {
	mac := kse.Suite.NewHMAC(kse.ConfirmationKey)
	mac.Write(confirmedTranscriptHash)
	return mac.Sum(nil)
}

func (kse keyScheduleEpoch) verifyConfirmationTag(confirmedTranscriptHash, tag []byte) bool {
	return bytes.Equal(kse.confirmationTag(confirmedTranscriptHash), tag)
}

// Export derives an application secret bound to a label and context, without
// exposing any schedule-internal secret.
func (kse keyScheduleEpoch) Export(label string, context []byte, length int) []byte {
	derived := kse.Suite.deriveSecret(kse.ExporterSecret, label, []byte{})
	return kse.Suite.hkdfExpandLabel(derived, "exported", kse.Suite.Digest(context), length)
}

// senderDataKey binds the sender data encryption key to a sample of the
// content ciphertext, so sender metadata cannot be re-encrypted onto other
// content.
func (kse keyScheduleEpoch) senderDataKey(ciphertext []byte) []byte {
	suite := kse.Suite
	sample := ciphertext
	limit := suite.Constants().SecretSize
	if len(sample) > limit {
		sample = sample[:limit]
	}

	return suite.hkdfExpandLabel(kse.SenderDataSecret, "sd key", sample, suite.Constants().KeySize)
}

type keyAndNonce struct {
	Key   []byte `tls:"head=1"`
	Nonce []byte `tls:"head=1"`
}

func (k keyAndNonce) clone() keyAndNonce {
	return keyAndNonce{
		Key:   dup(k.Key),
		Nonce: dup(k.Nonce),
	}
}

func (k keyAndNonce) zeroize() {
	zeroize(k.Key)
	zeroize(k.Nonce)
}
