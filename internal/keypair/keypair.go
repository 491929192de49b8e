// Package keypair owns the lifecycle of factor signing keys: finding an
// existing key pair by alias, generating and force-persisting a new one, and
// deleting it.
package keypair

import (
	"errors"
	"fmt"
	"log/slog"

	"pushauth/internal/errs"
	"pushauth/internal/keychain"
	"pushauth/internal/keystore"
)

// ErrKeyNotFound is wrapped when a template requires an existing key pair
// and none is stored.
var ErrKeyNotFound = errors.New("keypair: key pair not found")

// Template describes the key pair a Signer is bound to.
type Template struct {
	Alias     string
	Algorithm keychain.Algorithm
	// MustExist makes Signer fail instead of generating a missing pair.
	MustExist bool
}

// ECTemplate returns a P-256 ECDSA template for alias.
func ECTemplate(alias string, mustExist bool) Template {
	return Template{
		Alias:     alias,
		Algorithm: keychain.AlgorithmECDSASHA256,
		MustExist: mustExist,
	}
}

// Signer is a capability bound to one key pair.
type Signer interface {
	Alias() string
	Algorithm() keychain.Algorithm
	// PublicKey returns the DER encoded SubjectPublicKeyInfo.
	PublicKey() []byte
	Sign(data []byte) ([]byte, error)
	Verify(data, signature []byte) (bool, error)
}

// Manager hands out Signers and deletes key pairs.
type Manager struct {
	store  *keystore.Store
	logger *slog.Logger
}

// NewManager returns a Manager over store.
func NewManager(store *keystore.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, logger: logger.With("component", "keypair")}
}

// Signer returns a Signer for the template's key pair, generating it when
// missing and the template allows it.
func (m *Manager) Signer(t Template) (Signer, error) {
	const op = "keypair.Signer"
	if t.Alias == "" {
		return nil, errs.Input(op, keystore.ErrEmptyAlias)
	}

	pair, err := m.load(t.Alias)
	if err == nil {
		return &keySigner{store: m.store, pair: pair, alg: t.Algorithm}, nil
	}
	if !keystore.IsNotFound(err) {
		return nil, err
	}
	if t.MustExist {
		return nil, errs.WithCode(errs.KindKeyStore, op, int(keychain.StatusItemNotFound),
			fmt.Errorf("%w: %s", ErrKeyNotFound, t.Alias))
	}

	// A half left behind by an interrupted create would make generation
	// fail with a duplicate.
	if err := m.store.DeleteItem(m.store.Query(t.Alias, keychain.ClassAny)); err != nil {
		return nil, err
	}

	pair, err = m.store.GenerateKeyPair(t.Alias, t.Algorithm)
	if err != nil {
		return nil, err
	}
	if err := m.ForceSavePublicKey(pair.Public); err != nil {
		return nil, err
	}
	m.logger.Debug("generated key pair", "algorithm", t.Algorithm)
	return &keySigner{store: m.store, pair: pair, alg: t.Algorithm}, nil
}

// ForceSavePublicKey stores the public half under its alias, replacing an
// existing item. The keychain has no upsert, so a duplicate is deleted and
// the add is tried exactly once more.
func (m *Manager) ForceSavePublicKey(pub keychain.Key) error {
	const op = "keypair.ForceSavePublicKey"
	if pub.Alias == "" {
		return errs.Input(op, keystore.ErrEmptyAlias)
	}

	q := m.store.Query(pub.Alias, keychain.ClassPublic)
	q.Data = pub.Data

	err := m.store.AddItem(q)
	if err == nil {
		return nil
	}
	if !errors.Is(err, keychain.StatusDuplicateItem) {
		return errs.WithCode(errs.KindKeyStore, op, errs.Code(err), err)
	}

	m.logger.Debug("public key already stored, replacing")
	if err := m.store.DeleteItem(m.store.Query(pub.Alias, keychain.ClassPublic)); err != nil {
		return errs.WithCode(errs.KindKeyStore, op, errs.Code(err), err)
	}
	if err := m.store.AddItem(q); err != nil {
		return errs.WithCode(errs.KindKeyStore, op, errs.Code(err), err)
	}
	return nil
}

// DeleteKey removes both halves of the key pair. A missing pair is success.
func (m *Manager) DeleteKey(alias string) error {
	const op = "keypair.DeleteKey"
	if alias == "" {
		return errs.Input(op, keystore.ErrEmptyAlias)
	}
	if err := m.store.DeleteItem(m.store.Query(alias, keychain.ClassAny)); err != nil {
		return errs.WithCode(errs.KindKeyStore, op, errs.Code(err), err)
	}
	return nil
}

func (m *Manager) load(alias string) (keychain.KeyPair, error) {
	pub, err := m.store.CopyItem(m.store.Query(alias, keychain.ClassPublic))
	if err != nil {
		return keychain.KeyPair{}, err
	}
	priv, err := m.store.CopyItem(m.store.Query(alias, keychain.ClassPrivate))
	if err != nil {
		return keychain.KeyPair{}, err
	}
	return keychain.KeyPair{Public: pub, Private: priv}, nil
}

type keySigner struct {
	store *keystore.Store
	pair  keychain.KeyPair
	alg   keychain.Algorithm
}

func (s *keySigner) Alias() string                 { return s.pair.Private.Alias }
func (s *keySigner) Algorithm() keychain.Algorithm { return s.alg }
func (s *keySigner) PublicKey() []byte             { return s.pair.Public.Data }

func (s *keySigner) Sign(data []byte) ([]byte, error) {
	return s.store.Sign(s.pair.Private, s.alg, data)
}

func (s *keySigner) Verify(data, signature []byte) (bool, error) {
	return s.store.Verify(s.pair.Public, s.alg, data, signature)
}
