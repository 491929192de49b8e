// Package store is the versioned, encrypted record store holding factor
// records, plus the small settings store that tracks its schema version.
package store

import (
	"log/slog"

	"pushauth/internal/metrics"
	"pushauth/internal/security"
)

// DefaultNamespace scopes pushauth records inside a shared database.
const DefaultNamespace = "pushauth.factors"

// DefaultAccessGroup is the storage partition used when none is configured.
const DefaultAccessGroup = ""

// HostContext describes the process the store is opened in.
type HostContext int

const (
	// HostApp is the main application process.
	HostApp HostContext = iota
	// HostExtension is an isolated extension process that must never run
	// migrations.
	HostExtension
)

func (h HostContext) String() string {
	if h == HostExtension {
		return "extension"
	}
	return "app"
}

// Record is one (key, value) entry. For factor records the key is the
// factor SID and the value is the plaintext encoding of the factor.
type Record struct {
	Key   string
	Value []byte
}

// Migration rewrites records from StartVersion to EndVersion. Run receives
// every record in the namespace and returns the records to overwrite; it may
// return none.
type Migration struct {
	StartVersion int
	EndVersion   int
	Description  string
	Run          func(records []Record) ([]Record, error)
}

// KeyStore is the part of the key store the record store drives. It moves a
// record's paired key between partitions, follows the records into their new
// partition and wipes keys on reinstall.
type KeyStore interface {
	MoveKey(alias, from, to string) error
	SetAccessGroup(group string)
	DeleteAll() error
}

// PairedKeyFunc returns the key pair alias referenced by a record value, or
// "" when the record has none.
type PairedKeyFunc func(value []byte) (string, error)

// Options configures Open.
type Options struct {
	// Path is the record database. SettingsPath defaults to settings.db
	// next to it.
	Path         string
	SettingsPath string

	Namespace   string
	AccessGroup string

	// Cipher seals record values at rest.
	Cipher *security.RecordCipher

	// Migrations run once per version transition. TargetVersion defaults to
	// the highest EndVersion.
	Migrations    []Migration
	TargetVersion int

	HostContext      HostContext
	ClearOnReinstall bool

	Keys      KeyStore
	PairedKey PairedKeyFunc

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}
