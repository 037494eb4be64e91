package mls

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
	"math/big"

	"github.com/cisco/go-hpke"
	syntax "github.com/cisco/go-tls-syntax"
	"github.com/cloudflare/circl/sign/ed448"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/ed25519"
)

type CipherSuite uint16

const (
	X25519_SHA256_AES128GCM        CipherSuite = 0x0001
	P256_SHA256_AES128GCM          CipherSuite = 0x0002
	X25519_SHA256_CHACHA20POLY1305 CipherSuite = 0x0003
	X448_SHA512_AES256GCM          CipherSuite = 0x0004
	P521_SHA512_AES256GCM          CipherSuite = 0x0005
	X448_SHA512_CHACHA20POLY1305   CipherSuite = 0x0006
)

type cipherConstants struct {
	KeySize    int
	NonceSize  int
	SecretSize int
	HPKEKEM    hpke.KEMID
	HPKEKDF    hpke.KDFID
	HPKEAEAD   hpke.AEADID
}

func (cs CipherSuite) supported() bool {
	switch cs {
	case X25519_SHA256_AES128GCM, P256_SHA256_AES128GCM,
		X25519_SHA256_CHACHA20POLY1305, X448_SHA512_AES256GCM,
		P521_SHA512_AES256GCM, X448_SHA512_CHACHA20POLY1305:
		return true
	}
	return false
}

func (cs CipherSuite) String() string {
	switch cs {
	case X25519_SHA256_AES128GCM:
		return "X25519_SHA256_AES128GCM"
	case P256_SHA256_AES128GCM:
		return "P256_SHA256_AES128GCM"
	case X25519_SHA256_CHACHA20POLY1305:
		return "X25519_SHA256_CHACHA20POLY1305"
	case X448_SHA512_AES256GCM:
		return "X448_SHA512_AES256GCM"
	case P521_SHA512_AES256GCM:
		return "P521_SHA512_AES256GCM"
	case X448_SHA512_CHACHA20POLY1305:
		return "X448_SHA512_CHACHA20POLY1305"
	}
	return "UnknownCipherSuite"
}

func (cs CipherSuite) Constants() cipherConstants {
	switch cs {
	case X25519_SHA256_AES128GCM:
		return cipherConstants{16, 12, 32, hpke.DHKEM_X25519, hpke.KDF_HKDF_SHA256, hpke.AEAD_AESGCM128}
	case P256_SHA256_AES128GCM:
		return cipherConstants{16, 12, 32, hpke.DHKEM_P256, hpke.KDF_HKDF_SHA256, hpke.AEAD_AESGCM128}
	case X25519_SHA256_CHACHA20POLY1305:
		return cipherConstants{32, 12, 32, hpke.DHKEM_X25519, hpke.KDF_HKDF_SHA256, hpke.AEAD_CHACHA20POLY1305}
	case X448_SHA512_AES256GCM:
		return cipherConstants{32, 12, 64, hpke.DHKEM_X448, hpke.KDF_HKDF_SHA512, hpke.AEAD_AESGCM256}
	case P521_SHA512_AES256GCM:
		return cipherConstants{32, 12, 64, hpke.DHKEM_P521, hpke.KDF_HKDF_SHA512, hpke.AEAD_AESGCM256}
	case X448_SHA512_CHACHA20POLY1305:
		return cipherConstants{32, 12, 64, hpke.DHKEM_X448, hpke.KDF_HKDF_SHA512, hpke.AEAD_CHACHA20POLY1305}
	}
	panic(fmt.Errorf("mls.crypto: unsupported ciphersuite %04x", uint16(cs)))
}

func (cs CipherSuite) Scheme() SignatureScheme {
	switch cs {
	case X25519_SHA256_AES128GCM, X25519_SHA256_CHACHA20POLY1305:
		return Ed25519
	case P256_SHA256_AES128GCM:
		return ECDSA_SECP256R1_SHA256
	case X448_SHA512_AES256GCM, X448_SHA512_CHACHA20POLY1305:
		return Ed448
	case P521_SHA512_AES256GCM:
		return ECDSA_SECP521R1_SHA512
	}
	panic(fmt.Errorf("mls.crypto: unsupported ciphersuite %04x", uint16(cs)))
}

func (cs CipherSuite) NewDigest() hash.Hash {
	switch cs {
	case X25519_SHA256_AES128GCM, P256_SHA256_AES128GCM, X25519_SHA256_CHACHA20POLY1305:
		return sha256.New()
	case X448_SHA512_AES256GCM, P521_SHA512_AES256GCM, X448_SHA512_CHACHA20POLY1305:
		return sha512.New()
	}
	panic(fmt.Errorf("mls.crypto: unsupported ciphersuite %04x", uint16(cs)))
}

func (cs CipherSuite) Digest(data []byte) []byte {
	d := cs.NewDigest()
	d.Write(data)
	return d.Sum(nil)
}

func (cs CipherSuite) NewHMAC(key []byte) hash.Hash {
	return hmac.New(cs.NewDigest, key)
}

func (cs CipherSuite) NewAEAD(key []byte) (cipher.AEAD, error) {
	switch cs.Constants().HPKEAEAD {
	case hpke.AEAD_AESGCM128, hpke.AEAD_AESGCM256:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, cryptoError("aes", err)
		}
		return cipher.NewGCM(block)

	case hpke.AEAD_CHACHA20POLY1305:
		return chacha20poly1305.New(key)
	}
	panic(fmt.Errorf("mls.crypto: unsupported ciphersuite %04x", uint16(cs)))
}

func (cs CipherSuite) zero() []byte {
	return make([]byte, cs.Constants().SecretSize)
}

///
/// HKDF and labeled derivations
///

func (cs CipherSuite) hkdfExtract(salt, ikm []byte) []byte {
	mac := cs.NewHMAC(salt)
	mac.Write(ikm)
	return mac.Sum(nil)
}

func (cs CipherSuite) hkdfExpand(secret, info []byte, size int) []byte {
	last := []byte{}
	out := []byte{}
	i := byte(1)
	for len(out) < size {
		mac := cs.NewHMAC(secret)
		mac.Write(last)
		mac.Write(info)
		mac.Write([]byte{i})

		last = mac.Sum(nil)
		out = append(out, last...)
		i += 1
	}
	return out[:size]
}

type hkdfLabel struct {
	Length  uint16
	Label   []byte `tls:"head=1"`
	Context []byte `tls:"head=4"`
}

func (cs CipherSuite) hkdfExpandLabel(secret []byte, label string, context []byte, length int) []byte {
	mlsLabel := []byte("mls10 " + label)
	labelData, err := syntax.Marshal(hkdfLabel{uint16(length), mlsLabel, context})
	if err != nil {
		panic(fmt.Errorf("mls.crypto: hkdf label marshal failure %v", err))
	}
	return cs.hkdfExpand(secret, labelData, length)
}

func (cs CipherSuite) deriveSecret(secret []byte, label string, context []byte) []byte {
	contextHash := cs.Digest(context)
	size := cs.Constants().SecretSize
	return cs.hkdfExpandLabel(secret, label, contextHash, size)
}

type applicationContext struct {
	Node       nodeIndex
	Generation uint32
}

func (cs CipherSuite) deriveAppSecret(secret []byte, label string, node nodeIndex, generation uint32, length int) []byte {
	ctx, err := syntax.Marshal(applicationContext{node, generation})
	if err != nil {
		panic(fmt.Errorf("mls.crypto: app context marshal failure %v", err))
	}
	return cs.hkdfExpandLabel(secret, label, ctx, length)
}

///
/// HPKE
///

type HPKEPublicKey struct {
	Data []byte `tls:"head=2"`
}

func (k HPKEPublicKey) Equals(o HPKEPublicKey) bool {
	return bytes.Equal(k.Data, o.Data)
}

type HPKEPrivateKey struct {
	Data      []byte        `tls:"head=2"`
	PublicKey HPKEPublicKey `tls:"omit"`
}

type HPKECiphertext struct {
	KEMOutput  []byte `tls:"head=2"`
	Ciphertext []byte `tls:"head=4"`
}

type hpkeInstance struct {
	BaseSuite CipherSuite
}

func (cs CipherSuite) hpke() hpkeInstance {
	return hpkeInstance{cs}
}

func (h hpkeInstance) assemble() (hpke.CipherSuite, error) {
	cc := h.BaseSuite.Constants()
	suite, err := hpke.AssembleCipherSuite(cc.HPKEKEM, cc.HPKEKDF, cc.HPKEAEAD)
	if err != nil {
		return hpke.CipherSuite{}, cryptoError("hpke assemble", err)
	}
	return suite, nil
}

func (h hpkeInstance) Generate() (HPKEPrivateKey, error) {
	suite, err := h.assemble()
	if err != nil {
		return HPKEPrivateKey{}, err
	}

	ikm, err := getRandomBytes(h.BaseSuite.Constants().SecretSize)
	if err != nil {
		return HPKEPrivateKey{}, err
	}

	priv, pub, err := suite.KEM.DeriveKeyPair(ikm)
	if err != nil {
		return HPKEPrivateKey{}, cryptoError("hpke generate", err)
	}

	key := HPKEPrivateKey{
		Data:      suite.KEM.SerializePrivateKey(priv),
		PublicKey: HPKEPublicKey{suite.KEM.SerializePublicKey(pub)},
	}
	return key, nil
}

func (h hpkeInstance) Derive(seed []byte) (HPKEPrivateKey, error) {
	suite, err := h.assemble()
	if err != nil {
		return HPKEPrivateKey{}, err
	}

	priv, pub, err := suite.KEM.DeriveKeyPair(h.BaseSuite.Digest(seed))
	if err != nil {
		return HPKEPrivateKey{}, cryptoError("hpke derive", err)
	}

	key := HPKEPrivateKey{
		Data:      suite.KEM.SerializePrivateKey(priv),
		PublicKey: HPKEPublicKey{suite.KEM.SerializePublicKey(pub)},
	}
	return key, nil
}

func (h hpkeInstance) Encrypt(pub HPKEPublicKey, aad, pt []byte) (HPKECiphertext, error) {
	suite, err := h.assemble()
	if err != nil {
		return HPKECiphertext{}, err
	}

	pkR, err := suite.KEM.DeserializePublicKey(pub.Data)
	if err != nil {
		return HPKECiphertext{}, cryptoError("hpke deserialize public", err)
	}

	enc, ctx, err := hpke.SetupBaseS(suite, rand.Reader, pkR, nil)
	if err != nil {
		return HPKECiphertext{}, cryptoError("hpke setup", err)
	}

	ct := ctx.Seal(aad, pt)
	return HPKECiphertext{enc, ct}, nil
}

func (h hpkeInstance) Decrypt(priv HPKEPrivateKey, aad []byte, ct HPKECiphertext) ([]byte, error) {
	suite, err := h.assemble()
	if err != nil {
		return nil, err
	}

	skR, err := suite.KEM.DeserializePrivateKey(priv.Data)
	if err != nil {
		return nil, cryptoError("hpke deserialize private", err)
	}

	ctx, err := hpke.SetupBaseR(suite, skR, ct.KEMOutput, nil)
	if err != nil {
		return nil, cryptoError("hpke setup", err)
	}

	pt, err := ctx.Open(aad, ct.Ciphertext)
	if err != nil {
		return nil, cryptoError("hpke open", err)
	}
	return pt, nil
}

///
/// Signing
///

type SignaturePublicKey struct {
	Data []byte `tls:"head=2"`
}

func (k SignaturePublicKey) Equals(o SignaturePublicKey) bool {
	return bytes.Equal(k.Data, o.Data)
}

type SignaturePrivateKey struct {
	Data      []byte             `tls:"head=2"`
	PublicKey SignaturePublicKey `tls:"omit"`
}

type SignatureScheme uint16

const (
	ECDSA_SECP256R1_SHA256 SignatureScheme = 0x0403
	ECDSA_SECP521R1_SHA512 SignatureScheme = 0x0603
	Ed25519                SignatureScheme = 0x0807
	Ed448                  SignatureScheme = 0x0808
)

func (ss SignatureScheme) supported() bool {
	switch ss {
	case ECDSA_SECP256R1_SHA256, ECDSA_SECP521R1_SHA512, Ed25519, Ed448:
		return true
	}
	return false
}

func (ss SignatureScheme) String() string {
	switch ss {
	case ECDSA_SECP256R1_SHA256:
		return "ECDSA_SECP256R1_SHA256"
	case ECDSA_SECP521R1_SHA512:
		return "ECDSA_SECP521R1_SHA512"
	case Ed25519:
		return "Ed25519"
	case Ed448:
		return "Ed448"
	}
	return "UnknownSignatureScheme"
}

func (ss SignatureScheme) curve() elliptic.Curve {
	switch ss {
	case ECDSA_SECP256R1_SHA256:
		return elliptic.P256()
	case ECDSA_SECP521R1_SHA512:
		return elliptic.P521()
	}
	panic(fmt.Errorf("mls.crypto: not an ECDSA scheme"))
}

func (ss SignatureScheme) newDigest() hash.Hash {
	switch ss {
	case ECDSA_SECP256R1_SHA256:
		return sha256.New()
	case ECDSA_SECP521R1_SHA512:
		return sha512.New()
	}
	panic(fmt.Errorf("mls.crypto: not an ECDSA scheme"))
}

func (ss SignatureScheme) privateKeyFromECDSA(d []byte) SignaturePrivateKey {
	curve := ss.curve()
	x, y := curve.ScalarBaseMult(d)
	pub := elliptic.Marshal(curve, x, y)
	return SignaturePrivateKey{
		Data:      dup(d),
		PublicKey: SignaturePublicKey{Data: pub},
	}
}

func (ss SignatureScheme) Derive(preimage []byte) (SignaturePrivateKey, error) {
	switch ss {
	case ECDSA_SECP256R1_SHA256, ECDSA_SECP521R1_SHA512:
		h := ss.newDigest()
		h.Write(preimage)
		return ss.privateKeyFromECDSA(h.Sum(nil)), nil

	case Ed25519:
		h := sha256.Sum256(preimage)
		priv := ed25519.NewKeyFromSeed(h[:])
		pub := priv.Public().(ed25519.PublicKey)
		return SignaturePrivateKey{
			Data:      priv,
			PublicKey: SignaturePublicKey{Data: pub},
		}, nil

	case Ed448:
		h := sha512.Sum512(preimage)
		priv := ed448.NewKeyFromSeed(h[:ed448.SeedSize])
		pub := priv.Public().(ed448.PublicKey)
		return SignaturePrivateKey{
			Data:      priv,
			PublicKey: SignaturePublicKey{Data: pub},
		}, nil
	}
	panic(fmt.Errorf("mls.crypto: unsupported signature scheme %04x", uint16(ss)))
}

func (ss SignatureScheme) Generate() (SignaturePrivateKey, error) {
	switch ss {
	case ECDSA_SECP256R1_SHA256, ECDSA_SECP521R1_SHA512:
		priv, err := ecdsa.GenerateKey(ss.curve(), rand.Reader)
		if err != nil {
			return SignaturePrivateKey{}, cryptoError("ecdsa generate", err)
		}
		return ss.privateKeyFromECDSA(priv.D.Bytes()), nil

	case Ed25519:
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return SignaturePrivateKey{}, cryptoError("ed25519 generate", err)
		}
		return SignaturePrivateKey{
			Data:      priv,
			PublicKey: SignaturePublicKey{Data: pub},
		}, nil

	case Ed448:
		pub, priv, err := ed448.GenerateKey(rand.Reader)
		if err != nil {
			return SignaturePrivateKey{}, cryptoError("ed448 generate", err)
		}
		return SignaturePrivateKey{
			Data:      priv,
			PublicKey: SignaturePublicKey{Data: pub},
		}, nil
	}
	panic(fmt.Errorf("mls.crypto: unsupported signature scheme %04x", uint16(ss)))
}

func (ss SignatureScheme) Sign(priv *SignaturePrivateKey, sigData []byte) ([]byte, error) {
	switch ss {
	case ECDSA_SECP256R1_SHA256, ECDSA_SECP521R1_SHA512:
		h := ss.newDigest()
		h.Write(sigData)
		digest := h.Sum(nil)

		curve := ss.curve()
		ecPriv := &ecdsa.PrivateKey{
			PublicKey: ecdsa.PublicKey{Curve: curve},
			D:         new(big.Int).SetBytes(priv.Data),
		}
		ecPriv.X, ecPriv.Y = curve.ScalarBaseMult(priv.Data)

		sig, err := ecdsa.SignASN1(rand.Reader, ecPriv, digest)
		if err != nil {
			return nil, cryptoError("ecdsa sign", err)
		}
		return sig, nil

	case Ed25519:
		return ed25519.Sign(ed25519.PrivateKey(priv.Data), sigData), nil

	case Ed448:
		return ed448.Sign(ed448.PrivateKey(priv.Data), sigData, ""), nil
	}
	panic(fmt.Errorf("mls.crypto: unsupported signature scheme %04x", uint16(ss)))
}

func (ss SignatureScheme) Verify(pub *SignaturePublicKey, sigData, sig []byte) bool {
	switch ss {
	case ECDSA_SECP256R1_SHA256, ECDSA_SECP521R1_SHA512:
		h := ss.newDigest()
		h.Write(sigData)
		digest := h.Sum(nil)

		curve := ss.curve()
		x, y := elliptic.Unmarshal(curve, pub.Data)
		if x == nil {
			return false
		}
		ecPub := &ecdsa.PublicKey{Curve: curve, X: x, Y: y}
		return ecdsa.VerifyASN1(ecPub, digest, sig)

	case Ed25519:
		if len(pub.Data) != ed25519.PublicKeySize {
			return false
		}
		return ed25519.Verify(ed25519.PublicKey(pub.Data), sigData, sig)

	case Ed448:
		if len(pub.Data) != ed448.PublicKeySize {
			return false
		}
		return ed448.Verify(ed448.PublicKey(pub.Data), sigData, sig, "")
	}
	panic(fmt.Errorf("mls.crypto: unsupported signature scheme %04x", uint16(ss)))
}

func getRandomBytes(size int) ([]byte, error) {
	b := make([]byte, size)
	_, err := rand.Read(b)
	if err != nil {
		return nil, cryptoError("rand", err)
	}
	return b, nil
}
