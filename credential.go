package mls

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/x509"
	"fmt"
	"reflect"

	syntax "github.com/cisco/go-tls-syntax"
)

type CredentialType uint8

const (
	CredentialTypeInvalid CredentialType = 255
	CredentialTypeBasic   CredentialType = 0
	CredentialTypeX509    CredentialType = 1
)

func (ct CredentialType) ValidForTLS() error {
	return validateEnum(ct, CredentialTypeBasic, CredentialTypeX509)
}

//	struct {
//	    opaque identity<0..2^16-1>;
//	    SignatureScheme algorithm;
//	    SignaturePublicKey public_key;
//	} BasicCredential;
type BasicCredential struct {
	Identity        []byte `tls:"head=2"`
	SignatureScheme SignatureScheme
	PublicKey       SignaturePublicKey
}

// case x509:
//
//	opaque cert_data<1..2^24-1>;
type X509Credential struct {
	Chain []*x509.Certificate
}

func (cred X509Credential) Scheme() SignatureScheme {
	leaf := cred.Chain[0]
	switch leaf.PublicKeyAlgorithm {
	case x509.ECDSA:
		ecKey := leaf.PublicKey.(*ecdsa.PublicKey)
		switch ecKey.Curve {
		case elliptic.P256():
			return ECDSA_SECP256R1_SHA256
		case elliptic.P521():
			return ECDSA_SECP521R1_SHA512
		default:
			panic("Unsupported elliptic curve")
		}

	case x509.Ed25519:
		return Ed25519
	}

	panic("Unsupported algorithm in certificate")
}

func (cred X509Credential) PublicKey() *SignaturePublicKey {
	switch pub := cred.Chain[0].PublicKey.(type) {
	case *ecdsa.PublicKey:
		keyData := elliptic.Marshal(pub.Curve, pub.X, pub.Y)
		return &SignaturePublicKey{Data: keyData}

	case ed25519.PublicKey:
		return &SignaturePublicKey{Data: pub}
	}

	panic("Unsupported public key type in certificate")
}

type certChainData struct {
	Data []byte `tls:"head=3"`
}

func (cred X509Credential) Equals(other *X509Credential) bool {
	if other == nil || len(cred.Chain) != len(other.Chain) {
		return false
	}

	for i, cert := range cred.Chain {
		if !cert.Equal(other.Chain[i]) {
			return false
		}
	}

	return true
}

func (cred X509Credential) MarshalTLS() ([]byte, error) {
	allCerts := []byte{}
	for _, cert := range cred.Chain {
		allCerts = append(allCerts, cert.Raw...)
	}

	return syntax.Marshal(certChainData{allCerts})
}

func (cred *X509Credential) UnmarshalTLS(data []byte) (int, error) {
	allCerts := new(certChainData)
	read, err := syntax.Unmarshal(data, allCerts)
	if err != nil {
		return 0, err
	}

	cred.Chain, err = x509.ParseCertificates(allCerts.Data)
	if err != nil {
		return 0, err
	}

	return read, nil
}

//	struct {
//		CredentialType credential_type;
//		select (Credential.credential_type) {
//			case basic:
//				BasicCredential;
//			case x509:
//				opaque cert_data<1..2^24-1>;
//		};
//	} Credential;
type Credential struct {
	X509  *X509Credential
	Basic *BasicCredential
}

func NewBasicCredential(identity []byte, scheme SignatureScheme, pub SignaturePublicKey) Credential {
	basicCredential := &BasicCredential{
		Identity:        identity,
		SignatureScheme: scheme,
		PublicKey:       pub,
	}
	return Credential{Basic: basicCredential}
}

func NewX509Credential(chain []*x509.Certificate) (Credential, error) {
	if len(chain) == 0 {
		return Credential{}, fmt.Errorf("mls.credential: at least one certificate is required")
	}

	return Credential{X509: &X509Credential{Chain: chain}}, nil
}

// compare the public aspects
func (c Credential) Equals(o Credential) bool {
	if c.Type() != o.Type() {
		return false
	}

	switch c.Type() {
	case CredentialTypeX509:
		return c.X509.Equals(o.X509)
	case CredentialTypeBasic:
		return reflect.DeepEqual(c.Basic, o.Basic)
	default:
		panic("Malformed credential")
	}
}

func (c Credential) Type() CredentialType {
	switch {
	case c.X509 != nil:
		return CredentialTypeX509
	case c.Basic != nil:
		return CredentialTypeBasic
	default:
		return CredentialTypeInvalid
	}
}

func (c Credential) Identity() []byte {
	switch c.Type() {
	case CredentialTypeX509:
		return c.X509.Chain[0].RawSubject
	case CredentialTypeBasic:
		return c.Basic.Identity
	default:
		panic("mls.credential: can't retrieve identity")
	}
}

func (c Credential) Scheme() SignatureScheme {
	switch c.Type() {
	case CredentialTypeX509:
		return c.X509.Scheme()
	case CredentialTypeBasic:
		return c.Basic.SignatureScheme
	default:
		panic("mls.credential: can't retrieve SignatureScheme")
	}
}

func (c Credential) PublicKey() *SignaturePublicKey {
	switch c.Type() {
	case CredentialTypeX509:
		return c.X509.PublicKey()
	case CredentialTypeBasic:
		return &c.Basic.PublicKey
	default:
		panic("mls.credential: can't retrieve PublicKey")
	}
}

func (c Credential) MarshalTLS() ([]byte, error) {
	s := syntax.NewWriteStream()
	credentialType := c.Type()
	err := s.Write(credentialType)
	if err != nil {
		return nil, err
	}

	switch credentialType {
	case CredentialTypeX509:
		err = s.Write(c.X509)
	case CredentialTypeBasic:
		err = s.Write(c.Basic)
	default:
		err = fmt.Errorf("mls.credential: CredentialType type not allowed")
	}

	if err != nil {
		return nil, err
	}

	return s.Data(), nil
}

func (c *Credential) UnmarshalTLS(data []byte) (int, error) {
	s := syntax.NewReadStream(data)
	var credentialType CredentialType
	_, err := s.Read(&credentialType)
	if err != nil {
		return 0, err
	}

	switch credentialType {
	case CredentialTypeX509:
		c.X509 = new(X509Credential)
		_, err = s.Read(c.X509)
	case CredentialTypeBasic:
		c.Basic = new(BasicCredential)
		_, err = s.Read(c.Basic)
	default:
		err = fmt.Errorf("mls.credential: CredentialType type not allowed %v", err)
	}

	if err != nil {
		return 0, err
	}
	return s.Position(), nil
}

// CredentialValidator is the hook through which the application decides
// whether a credential presented in a new or updated leaf is acceptable.  It
// is called once per such leaf during tree validation, with the group ID as
// context.  A nil validator accepts every well-formed credential.
type CredentialValidator interface {
	Validate(cred Credential, context []byte) error
}

// CredentialValidatorFunc adapts a function to the CredentialValidator
// interface.
type CredentialValidatorFunc func(cred Credential, context []byte) error

func (f CredentialValidatorFunc) Validate(cred Credential, context []byte) error {
	return f(cred, context)
}

func validateCredential(v CredentialValidator, cred Credential, context []byte) error {
	if cred.Type() == CredentialTypeInvalid {
		return &CredentialError{Err: fmt.Errorf("malformed credential")}
	}

	if v == nil {
		return nil
	}

	if err := v.Validate(cred, context); err != nil {
		return &CredentialError{Err: err}
	}
	return nil
}
