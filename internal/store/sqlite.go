package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"pushauth/internal/errs"
	"pushauth/internal/metrics"
	"pushauth/internal/security"
)

// Sentinel errors wrapped inside storage failures.
var (
	ErrRecordNotFound = errors.New("store: record not found")
	ErrEmptyKey       = errors.New("store: empty record key")
	ErrClosed         = errors.New("store: closed")
)

// Settings keys.
const (
	settingVersion          = "version"
	settingClearOnReinstall = "clearStorageOnReinstall"
)

// Store is the versioned record store.
type Store struct {
	records  *sql.DB
	settings *sql.DB
	cipher   *security.RecordCipher

	namespace string
	opts      Options
	logger    *slog.Logger
	metrics   *metrics.Metrics

	mu          sync.RWMutex
	accessGroup string
	version     int
}

// Open opens the record and settings databases and brings the records up to
// the target version. Concurrent Opens of the same path, including from other
// processes, are serialized by a lock file.
func Open(opts Options) (*Store, error) {
	const op = "store.Open"
	if opts.Path == "" {
		return nil, errs.Input(op, errors.New("store: path is required"))
	}
	if opts.Cipher == nil {
		return nil, errs.Input(op, errors.New("store: cipher is required"))
	}
	if opts.Namespace == "" {
		opts.Namespace = DefaultNamespace
	}
	if opts.SettingsPath == "" {
		opts.SettingsPath = filepath.Join(filepath.Dir(opts.Path), "settings.db")
	}
	if opts.TargetVersion == 0 {
		for _, m := range opts.Migrations {
			if m.EndVersion > opts.TargetVersion {
				opts.TargetVersion = m.EndVersion
			}
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	for _, dir := range []string{filepath.Dir(opts.Path), filepath.Dir(opts.SettingsPath)} {
		if err := os.MkdirAll(dir, security.PermSecretDir); err != nil {
			return nil, errs.Storage(op, fmt.Errorf("create database directory: %w", err))
		}
	}

	lock, err := security.LockFile(opts.Path + ".lock")
	if err != nil {
		return nil, errs.Storage(op, err)
	}
	defer lock.Unlock()

	records, err := openDB(opts.Path)
	if err != nil {
		return nil, storageError(op, err)
	}
	if err := migrateSchema(records); err != nil {
		records.Close()
		return nil, storageError(op, err)
	}

	settings, err := openDB(opts.SettingsPath)
	if err != nil {
		records.Close()
		return nil, storageError(op, err)
	}
	if _, err := settings.Exec(settingsSchema); err != nil {
		records.Close()
		settings.Close()
		return nil, storageError(op, fmt.Errorf("apply settings schema: %w", err))
	}

	s := &Store{
		records:     records,
		settings:    settings,
		cipher:      opts.Cipher,
		namespace:   opts.Namespace,
		opts:        opts,
		logger:      logger.With("component", "store", "namespace", opts.Namespace),
		metrics:     opts.Metrics,
		accessGroup: opts.AccessGroup,
	}

	if err := s.migrate(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

// Close closes both databases.
func (s *Store) Close() error {
	var firstErr error
	for _, db := range []*sql.DB{s.records, s.settings} {
		if db == nil {
			continue
		}
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Ping checks that both databases are reachable.
func (s *Store) Ping(ctx context.Context) error {
	for _, db := range []*sql.DB{s.records, s.settings} {
		if err := db.PingContext(ctx); err != nil {
			return storageError("store.Ping", err)
		}
	}
	return nil
}

// Version returns the current record schema version.
func (s *Store) Version() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// AccessGroup returns the partition records are currently read from.
func (s *Store) AccessGroup() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accessGroup
}

// Get returns the value stored under key.
func (s *Store) Get(key string) ([]byte, error) {
	const op = "store.Get"
	if key == "" {
		return nil, errs.Input(op, ErrEmptyKey)
	}

	var sealed []byte
	err := s.records.QueryRow(`
		SELECT value FROM records WHERE namespace = ? AND access_group = ? AND key = ?`,
		s.namespace, s.AccessGroup(), key,
	).Scan(&sealed)
	if err == sql.ErrNoRows {
		return nil, errs.Storage(op, fmt.Errorf("%w: %s", ErrRecordNotFound, key))
	}
	if err != nil {
		return nil, storageError(op, err)
	}

	value, err := s.cipher.Open(sealed, s.aad(key))
	if err != nil {
		return nil, errs.Storage(op, err)
	}
	return value, nil
}

// GetAll returns every record in the namespace and current partition,
// ordered by key.
func (s *Store) GetAll() ([]Record, error) {
	return s.getAll("store.GetAll", s.AccessGroup())
}

func (s *Store) getAll(op, group string) ([]Record, error) {
	rows, err := s.records.Query(`
		SELECT key, value FROM records WHERE namespace = ? AND access_group = ? ORDER BY key`,
		s.namespace, group,
	)
	if err != nil {
		return nil, storageError(op, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var key string
		var sealed []byte
		if err := rows.Scan(&key, &sealed); err != nil {
			return nil, storageError(op, err)
		}
		value, err := s.cipher.Open(sealed, s.aad(key))
		if err != nil {
			return nil, errs.Storage(op, fmt.Errorf("record %s: %w", key, err))
		}
		out = append(out, Record{Key: key, Value: value})
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(op, err)
	}
	return out, nil
}

// Save stores value under key, replacing any existing value.
func (s *Store) Save(key string, value []byte) error {
	const op = "store.Save"
	if key == "" {
		return errs.Input(op, ErrEmptyKey)
	}
	return s.save(op, s.AccessGroup(), Record{Key: key, Value: value})
}

func (s *Store) save(op, group string, r Record) error {
	sealed, err := s.cipher.Seal(r.Value, s.aad(r.Key))
	if err != nil {
		return errs.Storage(op, err)
	}
	_, err = s.records.Exec(`
		INSERT INTO records (namespace, access_group, key, value, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (namespace, access_group, key)
		DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		s.namespace, group, r.Key, sealed, time.Now().UnixNano(),
	)
	if err != nil {
		return storageError(op, err)
	}
	return nil
}

// Remove deletes the record under key. A missing record is success.
func (s *Store) Remove(key string) error {
	const op = "store.Remove"
	if key == "" {
		return errs.Input(op, ErrEmptyKey)
	}
	_, err := s.records.Exec(`
		DELETE FROM records WHERE namespace = ? AND access_group = ? AND key = ?`,
		s.namespace, s.AccessGroup(), key,
	)
	if err != nil {
		return storageError(op, err)
	}
	return nil
}

// Clear deletes every record in the namespace and current partition.
func (s *Store) Clear() error {
	_, err := s.records.Exec(`DELETE FROM records WHERE namespace = ? AND access_group = ?`,
		s.namespace, s.AccessGroup())
	if err != nil {
		return storageError("store.Clear", err)
	}
	return nil
}

// aad binds a sealed value to its namespace and key but not its partition,
// so relocation can move rows without re-encrypting them.
func (s *Store) aad(key string) []byte {
	return []byte(s.namespace + "\x00" + key)
}

func (s *Store) setting(group, key string) (string, bool, error) {
	var value string
	err := s.settings.QueryRow(`
		SELECT value FROM settings WHERE namespace = ? AND access_group = ? AND key = ?`,
		s.namespace, group, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *Store) setSetting(group, key, value string) error {
	_, err := s.settings.Exec(`
		INSERT INTO settings (namespace, access_group, key, value) VALUES (?, ?, ?, ?)
		ON CONFLICT (namespace, access_group, key) DO UPDATE SET value = excluded.value`,
		s.namespace, group, key, value,
	)
	return err
}

func (s *Store) loadVersion(group string) (int, error) {
	raw, ok, err := s.setting(group, settingVersion)
	if err != nil || !ok {
		return 0, err
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse stored version %q: %w", raw, err)
	}
	return v, nil
}

// storageError wraps err as a storage failure, preserving the sqlite result
// code when there is one.
func storageError(op string, err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return errs.WithCode(errs.KindStorage, op, int(sqliteErr.Code), err)
	}
	return errs.Storage(op, err)
}
