package mls

import (
	"encoding/hex"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

type TestEnum uint8

var (
	TestEnumInvalid TestEnum = 0xFF
	TestEnumVal0    TestEnum = 0
	TestEnumVal1    TestEnum = 1
)

func TestValidateEnum(t *testing.T) {
	err := validateEnum(TestEnumVal0, TestEnumVal0, TestEnumVal1)
	require.Nil(t, err)

	err = validateEnum(TestEnumInvalid, TestEnumVal0, TestEnumVal1)
	require.Error(t, err)
}

//////////

func unhex(h string) []byte {
	b, err := hex.DecodeString(h)
	if err != nil {
		panic(err)
	}
	return b
}

var supportedSuites = []CipherSuite{
	X25519_SHA256_AES128GCM,
	P256_SHA256_AES128GCM,
	X25519_SHA256_CHACHA20POLY1305,
	P521_SHA512_AES256GCM,
	X448_SHA512_AES256GCM,
	X448_SHA512_CHACHA20POLY1305,
}

// The suite most tests run on; the full list is exercised by the crypto and
// tree tests.
var testSuite = X25519_SHA256_AES128GCM

func newTestIdentity(t *testing.T, suite CipherSuite, name string) (SignaturePrivateKey, Credential) {
	scheme := suite.Scheme()
	sigPriv, err := scheme.Generate()
	require.Nil(t, err)

	cred := NewBasicCredential([]byte(name), scheme, sigPriv.PublicKey)
	return sigPriv, cred
}

func newTestKeyPackage(t *testing.T, suite CipherSuite, name string) (KeyPackage, *KeyPackagePrivate) {
	sigPriv, cred := newTestIdentity(t, suite, name)

	kp, kpPriv, err := NewKeyPackage(suite, cred, sigPriv)
	require.Nil(t, err)
	return *kp, kpPriv
}

func randomBytes(t *testing.T, size int) []byte {
	out, err := getRandomBytes(size)
	require.Nil(t, err)
	return out
}

func memberName(i int) string {
	return fmt.Sprintf("member-%02d", i)
}
