package factor

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pushauth/internal/api"
	"pushauth/internal/errs"
	"pushauth/internal/keychain"
	"pushauth/internal/keychain/keychaintest"
	"pushauth/internal/keypair"
	"pushauth/internal/keystore"
	"pushauth/internal/mapper"
	"pushauth/internal/models"
	"pushauth/internal/security"
	"pushauth/internal/store"
)

const factorJSON = `{
  "sid": "FA123",
  "friendly_name": "laptop",
  "account_sid": "AC123",
  "service_sid": "VA123",
  "identity": "user-1",
  "factor_type": "push",
  "status": "%s",
  "date_created": "2020-02-19T16:39:57Z",
  "config": {"credential_sid": "CR123", "notification_platform": "fcm", "notification_token": "%s"}
}`

func factorBody(status, token string) []byte {
	return []byte(fmt.Sprintf(factorJSON, status, token))
}

type fakeAPI struct {
	publicKey     string
	verifyPayload string
	updates       []models.UpdateFactorPayload
	deletes       int

	createErr error
	deleteErr error
	onCreate  func()
}

func (f *fakeAPI) CreateFactor(_ context.Context, _ models.CreateFactorPayload, publicKey string) ([]byte, error) {
	f.publicKey = publicKey
	if f.onCreate != nil {
		f.onCreate()
	}
	if f.createErr != nil {
		return nil, f.createErr
	}
	return factorBody("unverified", ""), nil
}

func (f *fakeAPI) VerifyFactor(_ context.Context, _ *models.Factor, payload string) ([]byte, error) {
	f.verifyPayload = payload
	return factorBody("verified", ""), nil
}

func (f *fakeAPI) UpdateFactor(_ context.Context, _ *models.Factor, p models.UpdateFactorPayload) ([]byte, error) {
	f.updates = append(f.updates, p)
	return factorBody("verified", p.PushToken), nil
}

func (f *fakeAPI) DeleteFactor(context.Context, *models.Factor) error {
	f.deletes++
	return f.deleteErr
}

type failingRepo struct {
	Repository
	saveErr error
}

func (r *failingRepo) Save(f *models.Factor) error {
	if r.saveErr != nil {
		return r.saveErr
	}
	return r.Repository.Save(f)
}

type env struct {
	kc    *keychaintest.Faulty
	keys  *keypair.Manager
	store *store.Store
	repo  Repository
	api   *fakeAPI
	mgr   *Manager
	path  string
}

func storeOptions(t *testing.T, path string, ks *keystore.Store) store.Options {
	t.Helper()
	cipher, err := security.NewRecordCipher(bytes.Repeat([]byte{0x07}, 32))
	require.NoError(t, err)
	opts := store.Options{
		Path:       path,
		Cipher:     cipher,
		Migrations: Migrations(),
		PairedKey:  mapper.FactorKeyAlias,
	}
	if ks != nil {
		opts.Keys = ks
	}
	return opts
}

func newEnv(t *testing.T) *env {
	t.Helper()
	kc := keychaintest.New(t)
	ks := keystore.New(kc, keystore.Options{RetryDelay: time.Millisecond})
	keys := keypair.NewManager(ks, nil)

	path := filepath.Join(t.TempDir(), "records.db")
	s, err := store.Open(storeOptions(t, path, ks))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	e := &env{kc: kc, keys: keys, store: s, repo: NewRepository(s, nil), api: &fakeAPI{}, path: path}
	e.mgr = e.manager(e.repo)
	return e
}

func (e *env) manager(repo Repository) *Manager {
	return NewManager(Options{API: e.api, Repository: repo, Keys: e.keys})
}

// anyKey reports whether any private key is left in any access group.
func (e *env) anyKey() bool {
	_, st := e.kc.CopyItem(keychain.Query{Class: keychain.ClassPrivate})
	return st.OK()
}

func (e *env) hasKey(alias, group string) bool {
	_, st := e.kc.CopyItem(keychain.Query{Class: keychain.ClassPrivate, Alias: alias, AccessGroup: group})
	return st.OK()
}

var createPayload = models.CreateFactorPayload{
	FriendlyName:         "laptop",
	ServiceSID:           "VA123",
	Identity:             "user-1",
	NotificationPlatform: models.PlatformFCM,
	AccessToken:          "enrollment-jwt",
}

func TestCreateStoresFactorWithAlias(t *testing.T) {
	e := newEnv(t)

	f, err := e.mgr.Create(context.Background(), createPayload)
	require.NoError(t, err)
	assert.Equal(t, "FA123", f.SID)
	assert.Len(t, f.KeyPairAlias, 15)
	assert.True(t, e.hasKey(f.KeyPairAlias, ""))

	der, err := base64.StdEncoding.DecodeString(e.api.publicKey)
	require.NoError(t, err)
	_, err = x509.ParsePKIXPublicKey(der)
	require.NoError(t, err)

	stored, err := e.mgr.Get("FA123")
	require.NoError(t, err)
	assert.Equal(t, f, stored)
}

func TestCreateRejectsIncompletePayload(t *testing.T) {
	e := newEnv(t)

	p := createPayload
	p.AccessToken = ""
	_, err := e.mgr.Create(context.Background(), p)
	assert.True(t, errs.IsKind(err, errs.KindInput))
	assert.ErrorIs(t, err, ErrIncompletePayload)
}

func TestCreateRemoteFailureDeletesKey(t *testing.T) {
	e := newEnv(t)
	e.api.createErr = errs.WithCode(errs.KindNetwork, "api.CreateFactor", http.StatusInternalServerError, errors.New("boom"))

	_, err := e.mgr.Create(context.Background(), createPayload)
	assert.True(t, errs.IsKind(err, errs.KindNetwork))
	assert.Equal(t, http.StatusInternalServerError, errs.Code(err))
	assert.False(t, e.anyKey())

	all, err := e.mgr.GetAll()
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestCreateKeyDeletionFailureWins(t *testing.T) {
	e := newEnv(t)
	e.api.createErr = errs.Network("api.CreateFactor", errors.New("offline"))
	e.api.onCreate = func() { e.kc.Fail(keychaintest.OpDelete, keychain.StatusInteractionNotAllowed) }

	_, err := e.mgr.Create(context.Background(), createPayload)
	assert.True(t, errs.IsKind(err, errs.KindKeyStore))
	assert.Equal(t, int(keychain.StatusInteractionNotAllowed), errs.Code(err))
}

func TestCreatePersistFailureDeletesKey(t *testing.T) {
	e := newEnv(t)
	mgr := e.manager(&failingRepo{Repository: e.repo, saveErr: errs.Storage("store.Save", errors.New("disk full"))})

	_, err := mgr.Create(context.Background(), createPayload)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindKeyStore))
	assert.ErrorIs(t, err, ErrNotPersisted)
	assert.Contains(t, err.Error(), "FA123")
	assert.False(t, e.anyKey())
}

func TestVerifySignsFactorSID(t *testing.T) {
	e := newEnv(t)
	f, err := e.mgr.Create(context.Background(), createPayload)
	require.NoError(t, err)

	verified, err := e.mgr.Verify(context.Background(), f.SID)
	require.NoError(t, err)
	assert.Equal(t, models.FactorVerified, verified.Status)
	assert.Equal(t, f.KeyPairAlias, verified.KeyPairAlias)

	sig, err := base64.StdEncoding.DecodeString(e.api.verifyPayload)
	require.NoError(t, err)
	signer, err := e.keys.Signer(keypair.ECTemplate(f.KeyPairAlias, true))
	require.NoError(t, err)
	ok, err := signer.Verify([]byte("FA123"), sig)
	require.NoError(t, err)
	assert.True(t, ok)

	stored, err := e.mgr.Get(f.SID)
	require.NoError(t, err)
	assert.Equal(t, models.FactorVerified, stored.Status)
}

func TestVerifyRequiresAlias(t *testing.T) {
	e := newEnv(t)
	f, err := mapper.Factor(factorBody("unverified", ""))
	require.NoError(t, err)
	require.NoError(t, e.repo.Save(f))

	_, err = e.mgr.Verify(context.Background(), f.SID)
	assert.True(t, errs.IsKind(err, errs.KindStorage))
	assert.ErrorIs(t, err, ErrMissingAlias)
}

func TestVerifyUnknownFactor(t *testing.T) {
	e := newEnv(t)

	_, err := e.mgr.Verify(context.Background(), "FA404")
	assert.True(t, IsNotFound(err))
	assert.True(t, errs.IsKind(err, errs.KindStorage))
}

func TestUpdateKeepsAlias(t *testing.T) {
	e := newEnv(t)
	f, err := e.mgr.Create(context.Background(), createPayload)
	require.NoError(t, err)

	updated, err := e.mgr.Update(context.Background(), models.UpdateFactorPayload{SID: f.SID, PushToken: "new-token"})
	require.NoError(t, err)
	assert.Equal(t, f.KeyPairAlias, updated.KeyPairAlias)
	assert.Equal(t, "new-token", updated.Config.NotificationToken)

	require.Len(t, e.api.updates, 1)
	assert.Equal(t, models.PlatformFCM, e.api.updates[0].NotificationPlatform)

	stored, err := e.mgr.Get(f.SID)
	require.NoError(t, err)
	assert.Equal(t, updated, stored)
}

func TestDeleteIsIdempotent(t *testing.T) {
	e := newEnv(t)
	f, err := e.mgr.Create(context.Background(), createPayload)
	require.NoError(t, err)

	require.NoError(t, e.mgr.Delete(context.Background(), f.SID))
	require.NoError(t, e.mgr.Delete(context.Background(), f.SID))
	assert.Equal(t, 1, e.api.deletes)
	assert.False(t, e.hasKey(f.KeyPairAlias, ""))

	_, err = e.mgr.Get(f.SID)
	assert.True(t, IsNotFound(err))
}

func TestDeleteTreatsGoneFactorAsDeleted(t *testing.T) {
	cases := map[string]error{
		"not found": errs.WithCode(errs.KindNetwork, "api.DeleteFactor", http.StatusNotFound,
			&api.APIError{Status: http.StatusNotFound}),
		"unauthorized after resync": errs.WithCode(errs.KindNetwork, "api.DeleteFactor", http.StatusUnauthorized,
			&api.APIError{Status: http.StatusUnauthorized, Retried: true}),
	}
	for name, deleteErr := range cases {
		t.Run(name, func(t *testing.T) {
			e := newEnv(t)
			f, err := e.mgr.Create(context.Background(), createPayload)
			require.NoError(t, err)
			e.api.deleteErr = deleteErr

			require.NoError(t, e.mgr.Delete(context.Background(), f.SID))
			assert.False(t, e.hasKey(f.KeyPairAlias, ""))
		})
	}
}

func TestDeleteUnauthorizedWithoutResyncKeepsFactor(t *testing.T) {
	e := newEnv(t)
	f, err := e.mgr.Create(context.Background(), createPayload)
	require.NoError(t, err)
	e.api.deleteErr = errs.WithCode(errs.KindNetwork, "api.DeleteFactor", http.StatusUnauthorized,
		&api.APIError{Status: http.StatusUnauthorized})

	err = e.mgr.Delete(context.Background(), f.SID)
	assert.True(t, errs.IsKind(err, errs.KindNetwork))
	assert.Equal(t, http.StatusUnauthorized, errs.Code(err))

	_, err = e.mgr.Get(f.SID)
	require.NoError(t, err)
	assert.True(t, e.hasKey(f.KeyPairAlias, ""))
}

func TestDeleteRemoteFailureKeepsFactor(t *testing.T) {
	e := newEnv(t)
	f, err := e.mgr.Create(context.Background(), createPayload)
	require.NoError(t, err)
	e.api.deleteErr = errs.WithCode(errs.KindNetwork, "api.DeleteFactor", http.StatusInternalServerError, errors.New("boom"))

	err = e.mgr.Delete(context.Background(), f.SID)
	assert.True(t, errs.IsKind(err, errs.KindNetwork))

	_, err = e.mgr.Get(f.SID)
	require.NoError(t, err)
	assert.True(t, e.hasKey(f.KeyPairAlias, ""))
}

func TestDeleteWithoutAliasIsStorageError(t *testing.T) {
	e := newEnv(t)
	f, err := mapper.Factor(factorBody("verified", ""))
	require.NoError(t, err)
	require.NoError(t, e.repo.Save(f))

	err = e.mgr.Delete(context.Background(), f.SID)
	assert.True(t, errs.IsKind(err, errs.KindStorage))
	assert.ErrorIs(t, err, ErrMissingAlias)
}

func TestValidateDelete(t *testing.T) {
	e := newEnv(t)
	f, err := e.mgr.Create(context.Background(), createPayload)
	require.NoError(t, err)

	require.NoError(t, e.mgr.ValidateDelete(f.SID, "VA123"))
	err = e.mgr.ValidateDelete(f.SID, "VA999")
	assert.ErrorIs(t, err, ErrServiceMismatch)
	assert.True(t, errs.IsKind(err, errs.KindInput))
}

func TestClearLocalStorage(t *testing.T) {
	e := newEnv(t)
	f, err := e.mgr.Create(context.Background(), createPayload)
	require.NoError(t, err)

	other := *f
	other.SID = "FA456"
	other.KeyPairAlias = "ZYXWVUTSRQPONML"
	_, err = e.keys.Signer(keypair.ECTemplate(other.KeyPairAlias, false))
	require.NoError(t, err)
	require.NoError(t, e.repo.Save(&other))

	require.NoError(t, e.mgr.ClearLocalStorage())

	all, err := e.mgr.GetAll()
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.False(t, e.anyKey())
	assert.Zero(t, e.api.deletes)
}

func TestClearLocalStorageAggregatesFailures(t *testing.T) {
	e := newEnv(t)
	for _, sid := range []string{"FA1", "FA2"} {
		f, err := mapper.Factor(factorBody("verified", ""))
		require.NoError(t, err)
		f.SID = sid
		require.NoError(t, e.repo.Save(f))
	}

	err := e.mgr.ClearLocalStorage()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingAlias)
	assert.Contains(t, err.Error(), "2 errors occurred")

	all, err := e.mgr.GetAll()
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestAliasSurvivesReopen(t *testing.T) {
	e := newEnv(t)
	f, err := mapper.Factor(factorBody("verified", ""))
	require.NoError(t, err)
	f.KeyPairAlias = "ABCDEFGHIJKLMNO"
	require.NoError(t, e.repo.Save(f))
	require.NoError(t, e.store.Close())

	s, err := store.Open(storeOptions(t, e.path, nil))
	require.NoError(t, err)
	defer s.Close()

	stored, err := NewRepository(s, nil).Get("FA123")
	require.NoError(t, err)
	assert.Equal(t, "ABCDEFGHIJKLMNO", stored.KeyPairAlias)
	assert.Equal(t, f, stored)
}

func TestRecordMigrations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.db")
	legacy := storeOptions(t, path, nil)
	legacy.Migrations = nil
	s, err := store.Open(legacy)
	require.NoError(t, err)
	require.NoError(t, s.Save("FA123", []byte(`{"sid":"FA123","entity_identity":"user-1","service_sid":"VA123",
		"account_sid":"AC123","status":"verified","config":{"credential_sid":"CR123"},"key_pair_alias":"ABCDEFGHIJKLMNO"}`)))
	require.NoError(t, s.Close())

	s, err = store.Open(storeOptions(t, path, nil))
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, SchemaVersion, s.Version())

	f, err := NewRepository(s, nil).Get("FA123")
	require.NoError(t, err)
	assert.Equal(t, models.FactorTypePush, f.Type)
	assert.Equal(t, "user-1", f.Identity)
	assert.Equal(t, "ABCDEFGHIJKLMNO", f.KeyPairAlias)
}

func TestMigrationsRejectMalformedRecords(t *testing.T) {
	_, err := addFactorType([]store.Record{{Key: "FA1", Value: []byte("not json")}})
	assert.Error(t, err)

	out, err := renameEntityIdentity([]store.Record{{Key: "FA1", Value: []byte(`{"identity":"u"}`)}})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestRelocationMovesFactorAndKey(t *testing.T) {
	e := newEnv(t)
	f, err := e.mgr.Create(context.Background(), createPayload)
	require.NoError(t, err)

	require.NoError(t, e.store.MoveToAccessGroup("group.shared"))
	assert.Equal(t, "group.shared", e.store.AccessGroup())

	records, err := e.store.GetAll()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "FA123", records[0].Key)
	assert.True(t, e.hasKey(f.KeyPairAlias, "group.shared"))

	_, err = e.mgr.Verify(context.Background(), f.SID)
	require.NoError(t, err)

	require.NoError(t, e.store.MoveFromAccessGroup("group.shared"))
	records, err = e.store.GetAll()
	require.NoError(t, err)
	assert.Len(t, records, 1)
	assert.False(t, e.hasKey(f.KeyPairAlias, "group.shared"))
}
