package mls

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestSecretTree(t *testing.T, size leafCount) *secretTree {
	suite := testSuite
	encryptionSecret := randomBytes(t, suite.Constants().SecretSize)
	return newSecretTree(suite, encryptionSecret, size)
}

func TestSecretTreeConsistency(t *testing.T) {
	suite := testSuite
	size := leafCount(8)
	encryptionSecret := randomBytes(t, suite.Constants().SecretSize)

	// Sender and receiver derive identical keys for every leaf and
	// generation, regardless of derivation order
	sender := newSecretTree(suite, encryptionSecret, size)
	receiver := newSecretTree(suite, encryptionSecret, size)

	for l := leafIndex(0); leafCount(l) < size; l++ {
		gen, kn := sender.RatchetFor(l, ContentTypeApplication).Next()
		require.Equal(t, uint32(0), gen)

		got, err := receiver.RatchetFor(l, ContentTypeApplication).Get(gen)
		require.Nil(t, err)
		require.Equal(t, kn.Key, got.Key)
		require.Equal(t, kn.Nonce, got.Nonce)
	}
}

func TestSecretTreeLeafIndependence(t *testing.T) {
	st := newTestSecretTree(t, 4)

	_, k0 := st.RatchetFor(0, ContentTypeApplication).Next()
	_, k1 := st.RatchetFor(1, ContentTypeApplication).Next()
	require.NotEqual(t, k0.Key, k1.Key)
}

func TestSecretTreeChainIndependence(t *testing.T) {
	base := randomBytes(t, testSuite.Constants().SecretSize)
	a := newSecretTree(testSuite, base, 2)
	b := newSecretTree(testSuite, base, 2)

	// The handshake and application chains of one leaf never collide, and
	// each agrees with its counterpart on an independent copy
	_, hs := a.RatchetFor(0, ContentTypeCommit).Next()
	_, app := a.RatchetFor(0, ContentTypeApplication).Next()
	require.NotEqual(t, hs.Key, app.Key)

	_, hs2 := b.RatchetFor(0, ContentTypeCommit).Next()
	_, app2 := b.RatchetFor(0, ContentTypeApplication).Next()
	require.Equal(t, hs.Key, hs2.Key)
	require.Equal(t, app.Key, app2.Key)
}

func TestRatchetAdvance(t *testing.T) {
	st := newTestSecretTree(t, 2)
	hr := st.RatchetFor(0, ContentTypeApplication)

	seen := map[string]bool{}
	for i := uint32(0); i < 10; i++ {
		gen, kn := hr.Next()
		require.Equal(t, i, gen)
		require.False(t, seen[string(kn.Key)])
		seen[string(kn.Key)] = true
		hr.Erase(gen)
	}
}

func TestRatchetOutOfOrder(t *testing.T) {
	base := randomBytes(t, testSuite.Constants().SecretSize)
	sender := newSecretTree(testSuite, base, 2)
	receiver := newSecretTree(testSuite, base, 2)

	shr := sender.RatchetFor(0, ContentTypeApplication)
	var keys []keyAndNonce
	for i := 0; i < 5; i++ {
		_, kn := shr.Next()
		keys = append(keys, kn)
	}

	// Receive generation 3 first, then the earlier ones from cache
	rhr := receiver.RatchetFor(0, ContentTypeApplication)
	got, err := rhr.Get(3)
	require.Nil(t, err)
	require.Equal(t, keys[3].Key, got.Key)

	for _, g := range []uint32{0, 1, 2} {
		got, err := rhr.Get(g)
		require.Nil(t, err)
		require.Equal(t, keys[g].Key, got.Key)
	}
}

func TestRatchetConsumedGeneration(t *testing.T) {
	st := newTestSecretTree(t, 2)
	hr := st.RatchetFor(0, ContentTypeApplication)

	kn, err := hr.Get(0)
	require.Nil(t, err)
	require.NotEmpty(t, kn.Key)
	hr.Erase(0)

	_, err = hr.Get(0)
	require.Equal(t, ErrDuplicateOrExpiredGeneration, err)
}

func TestRatchetWindow(t *testing.T) {
	st := newTestSecretTree(t, 2)
	hr := st.RatchetFor(0, ContentTypeApplication)

	// Inside the window succeeds
	_, err := hr.Get(ratchetWindowSize - 1)
	require.Nil(t, err)

	// Beyond the window from the current head fails
	_, err = hr.Get(hr.NextGeneration + ratchetWindowSize)
	require.Equal(t, ErrDuplicateOrExpiredGeneration, err)
}

func TestRatchetCacheExpiry(t *testing.T) {
	st := newTestSecretTree(t, 2)
	hr := st.RatchetFor(0, ContentTypeApplication)

	// Skip ahead, leaving generations 0..199 cached
	_, err := hr.Get(200)
	require.Nil(t, err)

	// Advance the head far past the window; the skipped generations expire
	// and are evicted rather than held forever
	for i := 0; i < 3*ratchetWindowSize; i++ {
		gen, _ := hr.Next()
		hr.Erase(gen)
	}

	_, err = hr.Get(0)
	require.Equal(t, ErrDuplicateOrExpiredGeneration, err)
	_, err = hr.Get(199)
	require.Equal(t, ErrDuplicateOrExpiredGeneration, err)
	require.Empty(t, hr.Cache)
}
