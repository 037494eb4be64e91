package mls

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyScheduleChain(t *testing.T) {
	for _, suite := range supportedSuites {
		t.Run(suite.String(), func(t *testing.T) {
			size := leafCount(4)
			joiner := randomBytes(t, suite.Constants().SecretSize)
			psk := pskSecret(suite, nil)
			context := []byte("epoch 1 context")

			// Two parties with the same inputs land on the same epoch
			a, err := newKeyScheduleEpoch(suite, joiner, psk, context, size)
			require.Nil(t, err)
			b, err := newKeyScheduleEpoch(suite, joiner, psk, context, size)
			require.Nil(t, err)

			require.Equal(t, a.EpochSecret, b.EpochSecret)
			require.Equal(t, a.ConfirmationKey, b.ConfirmationKey)
			require.Equal(t, a.InitSecret, b.InitSecret)
			require.True(t, a.ExternalPriv.PublicKey.Equals(b.ExternalPriv.PublicKey))

			// The distinct purposes do not collide
			require.NotEqual(t, a.SenderDataSecret, a.EncryptionSecret)
			require.NotEqual(t, a.ExporterSecret, a.ConfirmationKey)
			require.NotEqual(t, a.InitSecret, a.EpochSecret)

			// Advancing with the same commit secret stays in lockstep
			commitSecret := randomBytes(t, suite.Constants().SecretSize)
			nextContext := []byte("epoch 2 context")
			a2, err := a.Next(commitSecret, psk, nextContext, size)
			require.Nil(t, err)
			b2, err := b.Next(commitSecret, psk, nextContext, size)
			require.Nil(t, err)
			require.Equal(t, a2.EpochSecret, b2.EpochSecret)
			require.NotEqual(t, a.EpochSecret, a2.EpochSecret)

			// A different commit secret diverges
			c2, err := a.Next(randomBytes(t, suite.Constants().SecretSize), psk, nextContext, size)
			require.Nil(t, err)
			require.NotEqual(t, a2.EpochSecret, c2.EpochSecret)
		})
	}
}

func TestKeySchedulePSK(t *testing.T) {
	suite := testSuite
	size := leafCount(2)
	joiner := randomBytes(t, suite.Constants().SecretSize)
	context := []byte("context")

	plain, err := newKeyScheduleEpoch(suite, joiner, pskSecret(suite, nil), context, size)
	require.Nil(t, err)

	psk := pskSecret(suite, [][]byte{[]byte("a psk value")})
	withPSK, err := newKeyScheduleEpoch(suite, joiner, psk, context, size)
	require.Nil(t, err)

	require.NotEqual(t, plain.EpochSecret, withPSK.EpochSecret)

	// PSK order matters
	ab := pskSecret(suite, [][]byte{[]byte("a"), []byte("b")})
	ba := pskSecret(suite, [][]byte{[]byte("b"), []byte("a")})
	require.NotEqual(t, ab, ba)
}

func TestConfirmationTag(t *testing.T) {
	suite := testSuite
	joiner := randomBytes(t, suite.Constants().SecretSize)

	epoch, err := newKeyScheduleEpoch(suite, joiner, pskSecret(suite, nil), []byte("ctx"), 2)
	require.Nil(t, err)

	transcript := randomBytes(t, suite.Constants().SecretSize)
	tag := epoch.confirmationTag(transcript)
	require.True(t, epoch.verifyConfirmationTag(transcript, tag))
	require.False(t, epoch.verifyConfirmationTag(transcript, append(dup(tag), 0x00)))
	require.False(t, epoch.verifyConfirmationTag(append(dup(transcript), 0x00), tag))
}

func TestExport(t *testing.T) {
	suite := testSuite
	joiner := randomBytes(t, suite.Constants().SecretSize)

	a, err := newKeyScheduleEpoch(suite, joiner, pskSecret(suite, nil), []byte("ctx"), 2)
	require.Nil(t, err)
	b, err := newKeyScheduleEpoch(suite, joiner, pskSecret(suite, nil), []byte("ctx"), 2)
	require.Nil(t, err)

	e1 := a.Export("application x", []byte("ctx 1"), 32)
	require.Equal(t, 32, len(e1))
	require.Equal(t, e1, b.Export("application x", []byte("ctx 1"), 32))

	require.NotEqual(t, e1, a.Export("application y", []byte("ctx 1"), 32))
	require.NotEqual(t, e1, a.Export("application x", []byte("ctx 2"), 32))
}

func TestWelcomeSecretIndependentOfContext(t *testing.T) {
	suite := testSuite
	joiner := randomBytes(t, suite.Constants().SecretSize)
	psk := pskSecret(suite, nil)

	// Joiners can compute it before they know the group context
	w1 := computeWelcomeSecret(suite, joiner, psk)
	w2 := computeWelcomeSecret(suite, joiner, psk)
	require.Equal(t, w1, w2)
	require.NotEmpty(t, w1)
}
