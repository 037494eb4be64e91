package mls

import (
	"fmt"

	syntax "github.com/cisco/go-tls-syntax"
)

type ExtensionType uint16

const (
	ExtensionTypeCapabilities ExtensionType = 0x0001
	ExtensionTypeLifetime     ExtensionType = 0x0002
	ExtensionTypeRatchetTree  ExtensionType = 0x0004
	ExtensionTypeParentHash   ExtensionType = 0x0005
)

type ExtensionBody interface {
	Type() ExtensionType
}

type Extension struct {
	ExtensionType ExtensionType
	ExtensionData []byte `tls:"head=2"`
}

type ExtensionList struct {
	Entries []Extension `tls:"head=2"`
}

func NewExtensionList() ExtensionList {
	return ExtensionList{[]Extension{}}
}

func (el *ExtensionList) Add(src ExtensionBody) error {
	data, err := syntax.Marshal(src)
	if err != nil {
		return err
	}

	// If one already exists with this type, replace it
	for i := range el.Entries {
		if el.Entries[i].ExtensionType == src.Type() {
			el.Entries[i].ExtensionData = data
			return nil
		}
	}

	// Otherwise append
	el.Entries = append(el.Entries, Extension{
		ExtensionType: src.Type(),
		ExtensionData: data,
	})
	return nil
}

func (el ExtensionList) Find(dst ExtensionBody) (bool, error) {
	for _, ext := range el.Entries {
		if ext.ExtensionType == dst.Type() {
			read, err := syntax.Unmarshal(ext.ExtensionData, dst)
			if err != nil {
				return true, err
			}

			if read != len(ext.ExtensionData) {
				return true, fmt.Errorf("Extension failed to consume all data")
			}

			return true, nil
		}
	}
	return false, nil
}

func (el ExtensionList) Has(extType ExtensionType) bool {
	for _, ext := range el.Entries {
		if ext.ExtensionType == extType {
			return true
		}
	}
	return false
}

func (el ExtensionList) Clone() ExtensionList {
	out := ExtensionList{Entries: make([]Extension, len(el.Entries))}
	for i, ext := range el.Entries {
		out.Entries[i] = Extension{ext.ExtensionType, dup(ext.ExtensionData)}
	}
	return out
}

//////////

// Capabilities advertises what a leaf's owner can process.  Existing members
// verify that every extension and proposal type in use by the group is
// covered before admitting a new or updated leaf.
type Capabilities struct {
	CipherSuites []CipherSuite    `tls:"head=1"`
	Extensions   []ExtensionType  `tls:"head=1"`
	Proposals    []ProposalType   `tls:"head=1"`
	Credentials  []CredentialType `tls:"head=1"`
}

func (c Capabilities) Type() ExtensionType {
	return ExtensionTypeCapabilities
}

func defaultCapabilities(suite CipherSuite) Capabilities {
	return Capabilities{
		CipherSuites: []CipherSuite{suite},
		Extensions: []ExtensionType{
			ExtensionTypeCapabilities,
			ExtensionTypeLifetime,
			ExtensionTypeRatchetTree,
			ExtensionTypeParentHash,
		},
		Proposals: []ProposalType{
			ProposalTypeAdd,
			ProposalTypeUpdate,
			ProposalTypeRemove,
			ProposalTypePSK,
			ProposalTypeReInit,
			ProposalTypeExternalInit,
			ProposalTypeGroupContextExtensions,
		},
		Credentials: []CredentialType{
			CredentialTypeBasic,
			CredentialTypeX509,
		},
	}
}

func (c Capabilities) supportsExtension(extType ExtensionType) bool {
	for _, e := range c.Extensions {
		if e == extType {
			return true
		}
	}
	return false
}

func (c Capabilities) supportsProposal(propType ProposalType) bool {
	for _, p := range c.Proposals {
		if p == propType {
			return true
		}
	}
	return false
}

func (c Capabilities) supportsCredential(credType CredentialType) bool {
	for _, ct := range c.Credentials {
		if ct == credType {
			return true
		}
	}
	return false
}

//////////

// Lifetime bounds a leaf's validity window.  The core only checks internal
// consistency; wall-clock enforcement is the application's concern.
type Lifetime struct {
	NotBefore uint64
	NotAfter  uint64
}

func (lt Lifetime) Type() ExtensionType {
	return ExtensionTypeLifetime
}

func (lt Lifetime) consistent() bool {
	return lt.NotBefore <= lt.NotAfter
}

//////////

type ParentHashExtension struct {
	ParentHash []byte `tls:"head=1"`
}

func (phe ParentHashExtension) Type() ExtensionType {
	return ExtensionTypeParentHash
}
