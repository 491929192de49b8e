package keychain

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pushauth/internal/security"
)

func openTestKeychain(t *testing.T) *SQLiteKeychain {
	t.Helper()
	kc, err := OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { kc.Close() })
	return kc
}

func generate(t *testing.T, kc *SQLiteKeychain, alias string) KeyPair {
	t.Helper()
	pair, st := kc.GenerateKeyPair(KeyParams{
		Alias:     alias,
		Algorithm: AlgorithmECDSASHA256,
		Access:    AccessAfterFirstUnlock | AccessThisDeviceOnly,
	})
	require.Equal(t, StatusSuccess, st)
	return pair
}

// =============================================================================
// Status tests
// =============================================================================

func TestStatusError(t *testing.T) {
	var err error = StatusItemNotFound
	assert.True(t, errors.Is(err, StatusItemNotFound))
	assert.Contains(t, err.Error(), "-25300")
	assert.Contains(t, Status(-1).Error(), "-1")
	assert.True(t, StatusSuccess.OK())
	assert.True(t, StatusInteractionNotAllowed.Transient())
	assert.False(t, StatusItemNotFound.Transient())
}

func TestAccessControlString(t *testing.T) {
	assert.Equal(t, "afterFirstUnlock|thisDeviceOnly", (AccessAfterFirstUnlock | AccessThisDeviceOnly).String())
	assert.Equal(t, "afterFirstUnlock", AccessAfterFirstUnlock.String())
	assert.Equal(t, "none", AccessControl(0).String())
}

// =============================================================================
// Key pair tests
// =============================================================================

func TestGenerateSignVerify(t *testing.T) {
	kc := openTestKeychain(t)
	pair := generate(t, kc, "alias1")

	assert.Empty(t, pair.Private.Data)
	assert.NotEmpty(t, pair.Public.Data)

	sig, st := kc.Sign(pair.Private, AlgorithmECDSASHA256, []byte("FA123"))
	require.Equal(t, StatusSuccess, st)

	ok, st := kc.Verify(pair.Public, AlgorithmECDSASHA256, []byte("FA123"), sig)
	require.Equal(t, StatusSuccess, st)
	assert.True(t, ok)

	ok, st = kc.Verify(pair.Public, AlgorithmECDSASHA256, []byte("FA124"), sig)
	require.Equal(t, StatusSuccess, st)
	assert.False(t, ok)
}

func TestGenerateRejectsBadParams(t *testing.T) {
	kc := openTestKeychain(t)

	_, st := kc.GenerateKeyPair(KeyParams{Algorithm: AlgorithmECDSASHA256})
	assert.Equal(t, StatusParam, st)

	_, st = kc.GenerateKeyPair(KeyParams{Alias: "a", Algorithm: "rsa"})
	assert.Equal(t, StatusUnimplemented, st)

	generate(t, kc, "dup")
	_, st = kc.GenerateKeyPair(KeyParams{Alias: "dup", Algorithm: AlgorithmECDSASHA256})
	assert.Equal(t, StatusDuplicateItem, st)
}

func TestPublicKeyItemLifecycle(t *testing.T) {
	kc := openTestKeychain(t)
	pair := generate(t, kc, "alias1")

	_, st := kc.CopyItem(Query{Class: ClassPublic, Alias: "alias1"})
	assert.Equal(t, StatusItemNotFound, st, "public half is not stored by generation")

	q := Query{Class: ClassPublic, Alias: "alias1", Data: pair.Public.Data}
	require.Equal(t, StatusSuccess, kc.AddItem(q))
	assert.Equal(t, StatusDuplicateItem, kc.AddItem(q))

	stored, st := kc.CopyItem(Query{Class: ClassPublic, Alias: "alias1"})
	require.Equal(t, StatusSuccess, st)
	assert.Equal(t, pair.Public.Data, stored.Data)

	sig, st := kc.Sign(pair.Private, AlgorithmECDSASHA256, []byte("data"))
	require.Equal(t, StatusSuccess, st)
	ok, st := kc.Verify(Key{Alias: "alias1", Class: ClassPublic}, AlgorithmECDSASHA256, []byte("data"), sig)
	require.Equal(t, StatusSuccess, st)
	assert.True(t, ok)

	assert.Equal(t, StatusSuccess, kc.DeleteItem(Query{Alias: "alias1"}))
	assert.Equal(t, StatusItemNotFound, kc.DeleteItem(Query{Alias: "alias1"}))

	_, st = kc.Sign(pair.Private, AlgorithmECDSASHA256, []byte("data"))
	assert.Equal(t, StatusItemNotFound, st)
}

func TestAddItemValidation(t *testing.T) {
	kc := openTestKeychain(t)

	assert.Equal(t, StatusParam, kc.AddItem(Query{Class: ClassPrivate, Alias: "a", Data: []byte{1}}))
	assert.Equal(t, StatusParam, kc.AddItem(Query{Class: ClassPublic, Data: []byte{1}}))
	assert.Equal(t, StatusDecode, kc.AddItem(Query{Class: ClassPublic, Alias: "a", Data: []byte{1}}))
}

func TestCopyItemRequiresClass(t *testing.T) {
	kc := openTestKeychain(t)
	_, st := kc.CopyItem(Query{Alias: "a"})
	assert.Equal(t, StatusParam, st)
}

func TestUpdateItemMovesBothHalves(t *testing.T) {
	kc := openTestKeychain(t)
	pair := generate(t, kc, "alias1")
	require.Equal(t, StatusSuccess, kc.AddItem(Query{Class: ClassPublic, Alias: "alias1", Data: pair.Public.Data}))

	st := kc.UpdateItem(Query{Alias: "alias1"}, Attributes{AccessGroup: "group.shared"})
	require.Equal(t, StatusSuccess, st)

	for _, class := range []KeyClass{ClassPublic, ClassPrivate} {
		key, st := kc.CopyItem(Query{Class: class, Alias: "alias1", AccessGroup: "group.shared"})
		require.Equal(t, StatusSuccess, st, class.String())
		assert.Equal(t, "group.shared", key.AccessGroup)
	}

	assert.Equal(t, StatusItemNotFound, kc.UpdateItem(Query{Alias: "missing"}, Attributes{}))
}

func TestPrivateKeySealedOnDisk(t *testing.T) {
	cipher, err := security.NewRecordCipher(bytes.Repeat([]byte{9}, 32))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "keychain.db")
	kc, err := Open(path, cipher)
	require.NoError(t, err)
	pair := generate(t, kc, "alias1")
	require.NoError(t, kc.Close())

	reopened, err := Open(path, cipher)
	require.NoError(t, err)
	defer reopened.Close()
	sig, st := reopened.Sign(pair.Private, AlgorithmECDSASHA256, []byte("x"))
	require.Equal(t, StatusSuccess, st)
	ok, _ := reopened.Verify(pair.Public, AlgorithmECDSASHA256, []byte("x"), sig)
	assert.True(t, ok)

	other, err := security.NewRecordCipher(bytes.Repeat([]byte{8}, 32))
	require.NoError(t, err)
	wrong, err := Open(path, other)
	require.NoError(t, err)
	defer wrong.Close()
	_, st = wrong.Sign(pair.Private, AlgorithmECDSASHA256, []byte("x"))
	assert.Equal(t, StatusDecode, st)
}
