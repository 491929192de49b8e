package keychain

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"pushauth/internal/security"
)

const schema = `
CREATE TABLE IF NOT EXISTS keychain_items (
    alias         TEXT NOT NULL,
    class         INTEGER NOT NULL,
    access_group  TEXT NOT NULL DEFAULT '',
    access        INTEGER NOT NULL,
    data          BLOB NOT NULL,
    created_at    INTEGER NOT NULL,
    PRIMARY KEY (alias, class)
);

CREATE INDEX IF NOT EXISTS idx_keychain_group ON keychain_items(access_group);
`

// SQLiteKeychain is a software Keychain. Private keys are stored as PKCS#8
// sealed with the device cipher and are only ever decrypted inside Sign.
type SQLiteKeychain struct {
	db     *sql.DB
	cipher *security.RecordCipher
}

var _ Keychain = (*SQLiteKeychain)(nil)

// Open opens or creates the keychain database at path.
func Open(path string, cipher *security.RecordCipher) (*SQLiteKeychain, error) {
	if cipher == nil {
		return nil, errors.New("keychain: cipher is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), security.PermSecretDir); err != nil {
		return nil, fmt.Errorf("create keychain directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open keychain: %w", err)
	}
	return initialize(db, cipher)
}

// OpenMemory returns a keychain that lives only as long as the process,
// sealed with a random key.
func OpenMemory() (*SQLiteKeychain, error) {
	secret, err := security.GenerateKey(security.RecommendedKeySize)
	if err != nil {
		return nil, err
	}
	cipher, err := security.NewRecordCipher(secret)
	security.Wipe(secret)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open keychain: %w", err)
	}
	// Each connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)
	return initialize(db, cipher)
}

func initialize(db *sql.DB, cipher *security.RecordCipher) (*SQLiteKeychain, error) {
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply keychain schema: %w", err)
	}
	return &SQLiteKeychain{db: db, cipher: cipher}, nil
}

// Close closes the database connection.
func (k *SQLiteKeychain) Close() error {
	if k.db != nil {
		return k.db.Close()
	}
	return nil
}

// Ping checks that the keychain database is reachable.
func (k *SQLiteKeychain) Ping(ctx context.Context) error {
	return k.db.PingContext(ctx)
}

// GenerateKeyPair implements Keychain.
func (k *SQLiteKeychain) GenerateKeyPair(params KeyParams) (KeyPair, Status) {
	if params.Alias == "" {
		return KeyPair{}, StatusParam
	}
	if params.Algorithm != AlgorithmECDSASHA256 {
		return KeyPair{}, StatusUnimplemented
	}

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return KeyPair{}, StatusAllocate
	}
	pkcs8, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return KeyPair{}, StatusAllocate
	}
	defer security.Wipe(pkcs8)
	pub, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return KeyPair{}, StatusAllocate
	}

	sealed, err := k.cipher.Seal(pkcs8, privateAAD(params.Alias))
	if err != nil {
		return KeyPair{}, StatusAllocate
	}

	private := Key{
		Alias:       params.Alias,
		Class:       ClassPrivate,
		AccessGroup: params.AccessGroup,
		Access:      params.Access,
	}
	if st := k.insert(private, sealed); !st.OK() {
		return KeyPair{}, st
	}

	public := private
	public.Class = ClassPublic
	public.Data = pub
	return KeyPair{Public: public, Private: private}, StatusSuccess
}

// Sign implements Keychain.
func (k *SQLiteKeychain) Sign(key Key, alg Algorithm, data []byte) ([]byte, Status) {
	if alg != AlgorithmECDSASHA256 {
		return nil, StatusUnimplemented
	}
	if key.Class != ClassPrivate {
		return nil, StatusInvalidKeyRef
	}

	priv, st := k.loadPrivate(key)
	if !st.OK() {
		return nil, st
	}
	digest := sha256.Sum256(data)
	sig, err := ecdsa.SignASN1(rand.Reader, priv, digest[:])
	if err != nil {
		return nil, StatusInvalidKeyRef
	}
	return sig, StatusSuccess
}

// Verify implements Keychain. A well-formed but wrong signature reports
// false with StatusSuccess.
func (k *SQLiteKeychain) Verify(key Key, alg Algorithm, data, signature []byte) (bool, Status) {
	if alg != AlgorithmECDSASHA256 {
		return false, StatusUnimplemented
	}
	if key.Class != ClassPublic {
		return false, StatusInvalidKeyRef
	}

	der := key.Data
	if len(der) == 0 {
		stored, st := k.CopyItem(Query{Class: ClassPublic, Alias: key.Alias, AccessGroup: key.AccessGroup})
		if !st.OK() {
			return false, st
		}
		der = stored.Data
	}
	pub, st := parsePublic(der)
	if !st.OK() {
		return false, st
	}
	digest := sha256.Sum256(data)
	return ecdsa.VerifyASN1(pub, digest[:], signature), StatusSuccess
}

// CopyItem implements Keychain. The query must name a class.
func (k *SQLiteKeychain) CopyItem(q Query) (Key, Status) {
	if q.Class == ClassAny {
		return Key{}, StatusParam
	}
	where, args := q.where()
	row := k.db.QueryRow(`SELECT alias, class, access_group, access, data FROM keychain_items`+where+` LIMIT 1`, args...)

	var key Key
	var data []byte
	err := row.Scan(&key.Alias, &key.Class, &key.AccessGroup, &key.Access, &data)
	if err == sql.ErrNoRows {
		return Key{}, StatusItemNotFound
	}
	if err != nil {
		return Key{}, StatusNotAvailable
	}
	if key.Class == ClassPublic {
		key.Data = data
	}
	return key, StatusSuccess
}

// AddItem implements Keychain. Only public keys can be added; private keys
// only come into existence through GenerateKeyPair.
func (k *SQLiteKeychain) AddItem(q Query) Status {
	if q.Alias == "" || q.Class != ClassPublic {
		return StatusParam
	}
	if _, st := parsePublic(q.Data); !st.OK() {
		return st
	}
	return k.insert(Key{
		Alias:       q.Alias,
		Class:       q.Class,
		AccessGroup: q.AccessGroup,
		Access:      q.Access,
	}, q.Data)
}

// DeleteItem implements Keychain. It removes every matching item and
// reports StatusItemNotFound when nothing matched.
func (k *SQLiteKeychain) DeleteItem(q Query) Status {
	where, args := q.where()
	res, err := k.db.Exec(`DELETE FROM keychain_items`+where, args...)
	return affected(res, err)
}

// UpdateItem implements Keychain.
func (k *SQLiteKeychain) UpdateItem(q Query, attrs Attributes) Status {
	where, args := q.where()
	args = append([]any{attrs.AccessGroup}, args...)
	res, err := k.db.Exec(`UPDATE keychain_items SET access_group = ?`+where, args...)
	return affected(res, err)
}

func (k *SQLiteKeychain) insert(key Key, data []byte) Status {
	_, err := k.db.Exec(`
		INSERT INTO keychain_items (alias, class, access_group, access, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		key.Alias, key.Class, key.AccessGroup, key.Access, data, time.Now().UnixNano(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return StatusDuplicateItem
		}
		return StatusNotAvailable
	}
	return StatusSuccess
}

func (k *SQLiteKeychain) loadPrivate(key Key) (*ecdsa.PrivateKey, Status) {
	q := Query{Class: ClassPrivate, Alias: key.Alias, AccessGroup: key.AccessGroup}
	where, args := q.where()

	var sealed []byte
	err := k.db.QueryRow(`SELECT data FROM keychain_items`+where+` LIMIT 1`, args...).Scan(&sealed)
	if err == sql.ErrNoRows {
		return nil, StatusItemNotFound
	}
	if err != nil {
		return nil, StatusNotAvailable
	}

	pkcs8, err := k.cipher.Open(sealed, privateAAD(key.Alias))
	if err != nil {
		return nil, StatusDecode
	}
	defer security.Wipe(pkcs8)

	parsed, err := x509.ParsePKCS8PrivateKey(pkcs8)
	if err != nil {
		return nil, StatusDecode
	}
	priv, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, StatusInvalidKeyRef
	}
	return priv, StatusSuccess
}

func (q Query) where() (string, []any) {
	var conds []string
	var args []any
	if q.Class != ClassAny {
		conds = append(conds, "class = ?")
		args = append(args, q.Class)
	}
	if q.Alias != "" {
		conds = append(conds, "alias = ?")
		args = append(args, q.Alias)
	}
	if q.AccessGroup != "" {
		conds = append(conds, "access_group = ?")
		args = append(args, q.AccessGroup)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func affected(res sql.Result, err error) Status {
	if err != nil {
		return StatusNotAvailable
	}
	n, err := res.RowsAffected()
	if err != nil {
		return StatusNotAvailable
	}
	if n == 0 {
		return StatusItemNotFound
	}
	return StatusSuccess
}

func parsePublic(der []byte) (*ecdsa.PublicKey, Status) {
	if len(der) == 0 {
		return nil, StatusParam
	}
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, StatusDecode
	}
	pub, ok := parsed.(*ecdsa.PublicKey)
	if !ok {
		return nil, StatusInvalidKeyRef
	}
	return pub, StatusSuccess
}

func privateAAD(alias string) []byte {
	return []byte("keychain:private:" + alias)
}
