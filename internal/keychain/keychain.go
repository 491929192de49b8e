// Package keychain defines the opaque platform key store the pushauth core
// signs with, and a SQLite-backed software implementation of it.
//
// Items are addressed by alias and class. Every call returns a Status rather
// than an error; translating statuses into typed errors is the job of the
// keystore package.
package keychain

import "strings"

// Algorithm names a signature algorithm.
type Algorithm string

// AlgorithmECDSASHA256 signs a SHA-256 digest of the message with a P-256
// key and returns an ASN.1 DER signature.
const AlgorithmECDSASHA256 Algorithm = "ecdsaSignatureMessageX962SHA256"

// KeyClass distinguishes the halves of a key pair.
type KeyClass int

const (
	// ClassAny matches both halves in queries.
	ClassAny KeyClass = iota
	ClassPublic
	ClassPrivate
)

func (c KeyClass) String() string {
	switch c {
	case ClassPublic:
		return "public"
	case ClassPrivate:
		return "private"
	default:
		return "any"
	}
}

// AccessControl restricts when and where an item may be used.
type AccessControl uint8

const (
	// AccessAfterFirstUnlock allows use once the device has been unlocked
	// since boot.
	AccessAfterFirstUnlock AccessControl = 1 << iota
	// AccessThisDeviceOnly forbids migrating the item to another device.
	AccessThisDeviceOnly
)

// Has reports whether all flags in f are set.
func (a AccessControl) Has(f AccessControl) bool {
	return a&f == f
}

func (a AccessControl) String() string {
	var parts []string
	if a.Has(AccessAfterFirstUnlock) {
		parts = append(parts, "afterFirstUnlock")
	}
	if a.Has(AccessThisDeviceOnly) {
		parts = append(parts, "thisDeviceOnly")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Key is a handle to one half of a key pair. Public handles carry the DER
// encoded SubjectPublicKeyInfo in Data; private handles never carry key
// material.
type Key struct {
	Alias       string
	Class       KeyClass
	AccessGroup string
	Access      AccessControl
	Data        []byte
}

// KeyPair groups the handles produced by GenerateKeyPair.
type KeyPair struct {
	Public  Key
	Private Key
}

// KeyParams describes a key pair to generate. The private half is stored
// permanently under Alias; the public half is returned but not stored.
type KeyParams struct {
	Alias       string
	Algorithm   Algorithm
	AccessGroup string
	Access      AccessControl
}

// Query selects items. Empty Alias, empty AccessGroup and ClassAny act as
// wildcards when matching. AddItem uses every field as the new item's
// attributes.
type Query struct {
	Class       KeyClass
	Alias       string
	AccessGroup string
	Access      AccessControl
	Data        []byte
}

// Attributes are the mutable attributes of stored items.
type Attributes struct {
	AccessGroup string
}

// Keychain is the opaque key store.
type Keychain interface {
	GenerateKeyPair(params KeyParams) (KeyPair, Status)
	Sign(key Key, alg Algorithm, data []byte) ([]byte, Status)
	Verify(key Key, alg Algorithm, data, signature []byte) (bool, Status)
	CopyItem(q Query) (Key, Status)
	AddItem(q Query) Status
	DeleteItem(q Query) Status
	UpdateItem(q Query, attrs Attributes) Status
}
