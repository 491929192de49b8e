// Package keystore is the strict wrapper every pushauth component uses to
// reach the platform keychain. It stamps access-control policy onto each
// request, retries flaky reads a bounded number of times and turns keychain
// statuses into typed errors.
package keystore

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"pushauth/internal/errs"
	"pushauth/internal/keychain"
	"pushauth/internal/metrics"
)

// Defaults for the read retry policy.
const (
	DefaultAttempts   = 2
	DefaultRetryDelay = 50 * time.Millisecond
)

// Sentinel errors wrapped inside keystore failures.
var (
	ErrEmptySignature = errors.New("keystore: empty signature")
	ErrEmptyKey       = errors.New("keystore: empty key handle")
	ErrEmptyAlias     = errors.New("keystore: empty alias")
)

// Options configures a Store.
type Options struct {
	// AccessGroup is stamped on every request until SetAccessGroup changes
	// it. Empty means the default group.
	AccessGroup string
	// AllowMigration drops the this-device-only restriction so items can be
	// carried over by a single-step backup migration.
	AllowMigration bool
	// Attempts bounds Sign and CopyItem calls. Zero means DefaultAttempts.
	Attempts int
	// RetryDelay is the fixed pause between attempts. Zero means
	// DefaultRetryDelay.
	RetryDelay time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Store wraps a keychain.Keychain.
type Store struct {
	kc      keychain.Keychain
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu    sync.RWMutex
	group string
}

// New returns a Store around kc.
func New(kc keychain.Keychain, opts Options) *Store {
	if opts.Attempts <= 0 {
		opts.Attempts = DefaultAttempts
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		kc:      kc,
		opts:    opts,
		logger:  logger.With("component", "keystore"),
		metrics: opts.Metrics,
		group:   opts.AccessGroup,
	}
}

// AccessControl returns the flags stamped on protected items.
func (s *Store) AccessControl() keychain.AccessControl {
	if s.opts.AllowMigration {
		return keychain.AccessAfterFirstUnlock
	}
	return keychain.AccessAfterFirstUnlock | keychain.AccessThisDeviceOnly
}

// AccessGroup returns the group stamped on requests.
func (s *Store) AccessGroup() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.group
}

// SetAccessGroup changes the group stamped on later requests. The record
// store calls it once its keys have been relocated.
func (s *Store) SetAccessGroup(group string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.group != group {
		s.logger.Info("access group changed", "from", s.group, "to", group)
	}
	s.group = group
}

// Query returns a query for alias and class carrying the store's policy.
func (s *Store) Query(alias string, class keychain.KeyClass) keychain.Query {
	return keychain.Query{
		Class:       class,
		Alias:       alias,
		AccessGroup: s.AccessGroup(),
		Access:      s.AccessControl(),
	}
}

// GenerateKeyPair creates a key pair whose private half is stored under
// alias.
func (s *Store) GenerateKeyPair(alias string, alg keychain.Algorithm) (keychain.KeyPair, error) {
	const op = "keystore.GenerateKeyPair"
	if alias == "" {
		return keychain.KeyPair{}, errs.Input(op, ErrEmptyAlias)
	}

	pair, st := s.kc.GenerateKeyPair(keychain.KeyParams{
		Alias:       alias,
		Algorithm:   alg,
		AccessGroup: s.AccessGroup(),
		Access:      s.AccessControl(),
	})
	s.metrics.KeychainCall("generate", int32(st))
	if !st.OK() {
		return keychain.KeyPair{}, statusError(op, st)
	}
	return pair, nil
}

// Sign signs data with the private key handle, retrying within the attempt
// budget until a non-empty signature is produced.
func (s *Store) Sign(key keychain.Key, alg keychain.Algorithm, data []byte) ([]byte, error) {
	const op = "keystore.Sign"

	var sig []byte
	err := s.retry("sign", func() error {
		var st keychain.Status
		sig, st = s.kc.Sign(key, alg, data)
		if !st.OK() {
			return st
		}
		if len(sig) == 0 {
			return ErrEmptySignature
		}
		return nil
	})
	if err != nil {
		return nil, wrap(op, err)
	}
	return sig, nil
}

// Verify checks signature against the public key handle.
func (s *Store) Verify(key keychain.Key, alg keychain.Algorithm, data, signature []byte) (bool, error) {
	ok, st := s.kc.Verify(key, alg, data, signature)
	s.metrics.KeychainCall("verify", int32(st))
	if !st.OK() {
		return false, statusError("keystore.Verify", st)
	}
	return ok, nil
}

// CopyItem fetches the item matching q, retrying within the attempt budget.
// A missing item is an error wrapping keychain.StatusItemNotFound; use
// IsNotFound to detect it.
func (s *Store) CopyItem(q keychain.Query) (keychain.Key, error) {
	const op = "keystore.CopyItem"

	var key keychain.Key
	err := s.retry("copy_item", func() error {
		var st keychain.Status
		key, st = s.kc.CopyItem(q)
		if !st.OK() {
			return st
		}
		if key.Alias == "" || (key.Class == keychain.ClassPublic && len(key.Data) == 0) {
			return ErrEmptyKey
		}
		return nil
	})
	if err != nil {
		return keychain.Key{}, wrap(op, err)
	}
	return key, nil
}

// AddItem stores a new item.
func (s *Store) AddItem(q keychain.Query) error {
	st := s.kc.AddItem(q)
	s.metrics.KeychainCall("add_item", int32(st))
	if !st.OK() {
		return statusError("keystore.AddItem", st)
	}
	return nil
}

// DeleteItem removes every item matching q. A missing item is success.
func (s *Store) DeleteItem(q keychain.Query) error {
	st := s.kc.DeleteItem(q)
	s.metrics.KeychainCall("delete_item", int32(st))
	if st.OK() || st == keychain.StatusItemNotFound {
		return nil
	}
	return statusError("keystore.DeleteItem", st)
}

// UpdateItem changes the attributes of every item matching q.
func (s *Store) UpdateItem(q keychain.Query, attrs keychain.Attributes) error {
	st := s.kc.UpdateItem(q, attrs)
	s.metrics.KeychainCall("update_item", int32(st))
	if !st.OK() {
		return statusError("keystore.UpdateItem", st)
	}
	return nil
}

// MoveKey moves both halves of the key pair under alias between access
// groups. A pair already in the destination counts as moved.
func (s *Store) MoveKey(alias, from, to string) error {
	if alias == "" {
		return errs.Input("keystore.MoveKey", ErrEmptyAlias)
	}
	q := keychain.Query{Alias: alias, AccessGroup: from}
	err := s.UpdateItem(q, keychain.Attributes{AccessGroup: to})
	if IsNotFound(err) {
		moved := keychain.Query{Class: keychain.ClassPrivate, Alias: alias, AccessGroup: to}
		if _, cerr := s.CopyItem(moved); cerr == nil {
			return nil
		}
	}
	return err
}

// DeleteAll removes every item in the store's access group.
func (s *Store) DeleteAll() error {
	return s.DeleteItem(keychain.Query{AccessGroup: s.AccessGroup()})
}

// IsNotFound reports whether err is a keystore failure caused by a missing
// item.
func IsNotFound(err error) bool {
	return errors.Is(err, keychain.StatusItemNotFound)
}

// retry runs fn up to the attempt budget with a constant pause in between.
// The sleep happens on the calling goroutine.
func (s *Store) retry(op string, fn func() error) error {
	attempt := 0
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(s.opts.RetryDelay), uint64(s.opts.Attempts-1))
	err := backoff.Retry(func() error {
		attempt++
		if attempt > 1 {
			s.metrics.KeychainRetry(op)
		}
		return fn()
	}, policy)

	var st keychain.Status
	if !errors.As(err, &st) {
		st = keychain.StatusSuccess
		if err != nil {
			st = keychain.StatusDecode
		}
	}
	s.metrics.KeychainCall(op, int32(st))
	if err != nil {
		s.logger.Debug("keychain read failed", "op", op, "attempts", attempt, "error", err)
	}
	return err
}

func wrap(op string, err error) error {
	var st keychain.Status
	if errors.As(err, &st) {
		return statusError(op, st)
	}
	return errs.KeyStore(op, err)
}

func statusError(op string, st keychain.Status) error {
	return errs.WithCode(errs.KindKeyStore, op, int(st), st)
}
