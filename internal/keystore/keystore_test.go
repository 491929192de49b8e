package keystore

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pushauth/internal/errs"
	"pushauth/internal/keychain"
	"pushauth/internal/keychain/keychaintest"
	"pushauth/internal/metrics"
)

func newTestStore(t *testing.T, opts Options) (*Store, *keychaintest.Faulty) {
	t.Helper()
	kc := keychaintest.New(t)
	if opts.RetryDelay == 0 {
		opts.RetryDelay = time.Millisecond
	}
	opts.Metrics = metrics.New(prometheus.NewRegistry())
	return New(kc, opts), kc
}

func TestAccessControlPolicy(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	assert.Equal(t, keychain.AccessAfterFirstUnlock|keychain.AccessThisDeviceOnly, s.AccessControl())

	migratable, _ := newTestStore(t, Options{AllowMigration: true})
	assert.Equal(t, keychain.AccessAfterFirstUnlock, migratable.AccessControl())

	q := s.Query("alias", keychain.ClassPublic)
	assert.True(t, q.Access.Has(keychain.AccessThisDeviceOnly))
}

func TestGenerateKeyPairStampsPolicy(t *testing.T) {
	s, kc := newTestStore(t, Options{AccessGroup: "group.a"})

	pair, err := s.GenerateKeyPair("alias1", keychain.AlgorithmECDSASHA256)
	require.NoError(t, err)
	assert.Equal(t, "group.a", pair.Private.AccessGroup)
	assert.Equal(t, s.AccessControl(), pair.Private.Access)

	_, err = s.GenerateKeyPair("", keychain.AlgorithmECDSASHA256)
	assert.True(t, errs.IsKind(err, errs.KindInput))

	kc.Fail(keychaintest.OpGenerate, keychain.StatusAllocate)
	_, err = s.GenerateKeyPair("alias2", keychain.AlgorithmECDSASHA256)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindKeyStore))
	assert.Equal(t, int(keychain.StatusAllocate), errs.Code(err))
}

func TestSignRetriesTransientFailure(t *testing.T) {
	s, kc := newTestStore(t, Options{})
	pair, err := s.GenerateKeyPair("alias1", keychain.AlgorithmECDSASHA256)
	require.NoError(t, err)

	kc.Fail(keychaintest.OpSign, keychain.StatusInteractionNotAllowed)
	sig, err := s.Sign(pair.Private, keychain.AlgorithmECDSASHA256, []byte("data"))
	require.NoError(t, err)
	assert.NotEmpty(t, sig)
	assert.Equal(t, 2, kc.Calls(keychaintest.OpSign))

	ok, err := s.Verify(pair.Public, keychain.AlgorithmECDSASHA256, []byte("data"), sig)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSignGivesUpAfterTwoAttempts(t *testing.T) {
	s, kc := newTestStore(t, Options{})
	pair, err := s.GenerateKeyPair("alias1", keychain.AlgorithmECDSASHA256)
	require.NoError(t, err)

	kc.Fail(keychaintest.OpSign,
		keychain.StatusInteractionNotAllowed,
		keychain.StatusInteractionNotAllowed,
		keychain.StatusInteractionNotAllowed,
	)
	_, err = s.Sign(pair.Private, keychain.AlgorithmECDSASHA256, []byte("data"))
	require.Error(t, err)
	assert.Equal(t, 2, kc.Calls(keychaintest.OpSign))
	assert.True(t, errs.IsKind(err, errs.KindKeyStore))
	assert.Equal(t, int(keychain.StatusInteractionNotAllowed), errs.Code(err))
}

func TestCopyItemNotFound(t *testing.T) {
	s, kc := newTestStore(t, Options{})

	_, err := s.CopyItem(s.Query("missing", keychain.ClassPublic))
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.Equal(t, DefaultAttempts, kc.Calls(keychaintest.OpCopy))
}

func TestDeleteItemIsIdempotent(t *testing.T) {
	s, kc := newTestStore(t, Options{})
	_, err := s.GenerateKeyPair("alias1", keychain.AlgorithmECDSASHA256)
	require.NoError(t, err)

	require.NoError(t, s.DeleteItem(s.Query("alias1", keychain.ClassAny)))
	require.NoError(t, s.DeleteItem(s.Query("alias1", keychain.ClassAny)))

	kc.Fail(keychaintest.OpDelete, keychain.StatusAuthFailed)
	err = s.DeleteItem(s.Query("alias1", keychain.ClassAny))
	require.Error(t, err)
	assert.True(t, errors.Is(err, keychain.StatusAuthFailed))
}

func TestMoveKeyAndDeleteAll(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	pair, err := s.GenerateKeyPair("alias1", keychain.AlgorithmECDSASHA256)
	require.NoError(t, err)
	require.NoError(t, s.AddItem(keychain.Query{Class: keychain.ClassPublic, Alias: "alias1", Data: pair.Public.Data}))

	require.NoError(t, s.MoveKey("alias1", "", "group.b"))
	key, err := s.CopyItem(keychain.Query{Class: keychain.ClassPublic, Alias: "alias1", AccessGroup: "group.b"})
	require.NoError(t, err)
	assert.Equal(t, "group.b", key.AccessGroup)

	err = s.MoveKey("missing", "", "group.b")
	assert.Equal(t, int(keychain.StatusItemNotFound), errs.Code(err))

	require.NoError(t, s.DeleteAll())
	_, err = s.CopyItem(keychain.Query{Class: keychain.ClassPublic, Alias: "alias1"})
	assert.True(t, IsNotFound(err))
}

func TestSetAccessGroupFollowsMovedKeys(t *testing.T) {
	s, _ := newTestStore(t, Options{AccessGroup: "group.a"})
	_, err := s.GenerateKeyPair("alias1", keychain.AlgorithmECDSASHA256)
	require.NoError(t, err)

	require.NoError(t, s.MoveKey("alias1", "group.a", "group.b"))
	_, err = s.CopyItem(s.Query("alias1", keychain.ClassPrivate))
	assert.True(t, IsNotFound(err), "lookups still target group.a")

	s.SetAccessGroup("group.b")
	assert.Equal(t, "group.b", s.AccessGroup())
	assert.Equal(t, "group.b", s.Query("alias1", keychain.ClassPrivate).AccessGroup)
	key, err := s.CopyItem(s.Query("alias1", keychain.ClassPrivate))
	require.NoError(t, err)
	assert.Equal(t, "group.b", key.AccessGroup)

	pair, err := s.GenerateKeyPair("alias2", keychain.AlgorithmECDSASHA256)
	require.NoError(t, err)
	assert.Equal(t, "group.b", pair.Private.AccessGroup)
}
