// Package config handles configuration loading and validation for pushauth.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// Version is the current configuration schema version.
const Version = 2

// Config holds the complete SDK configuration. It replaces the builder
// options of mobile SDKs with one explicit struct.
type Config struct {
	// Version is the configuration schema version for migrations.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Storage configures the encrypted record store.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// KeyStore configures the device keychain and its retry policy.
	KeyStore KeyStoreConfig `toml:"keystore" json:"keystore" yaml:"keystore"`

	// Hardware configures sealing of the device secret.
	Hardware HardwareConfig `toml:"hardware" json:"hardware" yaml:"hardware"`

	// Service configures the remote verification service.
	Service ServiceConfig `toml:"service" json:"service" yaml:"service"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// Metrics configuration.
	Metrics MetricsConfig `toml:"metrics" json:"metrics" yaml:"metrics"`

	// mu protects concurrent access to the config.
	mu sync.RWMutex `toml:"-" json:"-" yaml:"-"`
}

// StorageConfig holds record store configuration.
type StorageConfig struct {
	// Path is the v1 single database path. Migrated into RecordsPath.
	Path string `toml:"path,omitempty" json:"path,omitempty" yaml:"path,omitempty"`

	// RecordsPath is the factor record database. It survives reinstalls.
	RecordsPath string `toml:"records_path" json:"records_path" yaml:"records_path"`

	// SettingsPath is the app-local settings database holding the schema
	// version. Losing it is how a reinstall is detected.
	SettingsPath string `toml:"settings_path" json:"settings_path" yaml:"settings_path"`

	// SecretPath holds the sealed device secret the record key derives from.
	SecretPath string `toml:"secret_path" json:"secret_path" yaml:"secret_path"`

	// Namespace scopes records inside a shared database.
	Namespace string `toml:"namespace" json:"namespace" yaml:"namespace"`

	// AccessGroup is the storage partition shared with companion processes.
	// Empty means the default partition.
	AccessGroup string `toml:"access_group" json:"access_group" yaml:"access_group"`

	// ClearOnReinstall wipes factors and keys left by a previous install.
	ClearOnReinstall bool `toml:"clear_on_reinstall" json:"clear_on_reinstall" yaml:"clear_on_reinstall"`

	// Extension marks an extension process that must never migrate records.
	Extension bool `toml:"extension" json:"extension" yaml:"extension"`
}

// KeyStoreConfig holds keychain configuration.
type KeyStoreConfig struct {
	// Path is the software keychain database.
	Path string `toml:"path" json:"path" yaml:"path"`

	// AllowMigration lets keys be carried to a new device by backups.
	AllowMigration bool `toml:"allow_migration" json:"allow_migration" yaml:"allow_migration"`

	// Attempts bounds keychain reads.
	Attempts int `toml:"attempts" json:"attempts" yaml:"attempts"`

	// RetryDelayMs is the pause between keychain read attempts.
	RetryDelayMs int `toml:"retry_delay_ms" json:"retry_delay_ms" yaml:"retry_delay_ms"`
}

// HardwareConfig holds TPM configuration.
type HardwareConfig struct {
	// TPMEnabled seals the device secret with the TPM when one is present.
	TPMEnabled bool `toml:"tpm_enabled" json:"tpm_enabled" yaml:"tpm_enabled"`
}

// ServiceConfig holds verification service configuration.
type ServiceConfig struct {
	// BaseURL of the verification API.
	BaseURL string `toml:"base_url" json:"base_url" yaml:"base_url"`

	// TimeoutSec bounds each HTTP request.
	TimeoutSec int `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error.
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: text or json.
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is the log destination: stdout, stderr, or file.
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the log file path (when output is file).
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// MaxSizeMB is the maximum log file size before rotation.
	MaxSizeMB int `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`

	// MaxBackups is the number of rotated files to keep.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`

	// MaxAgeDays is the maximum age of rotated files.
	MaxAgeDays int `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`

	// Compress rotated files.
	Compress bool `toml:"compress" json:"compress" yaml:"compress"`

	// AuditPath receives factor and challenge audit events. Empty disables
	// the audit trail.
	AuditPath string `toml:"audit_path" json:"audit_path" yaml:"audit_path"`
}

// MetricsConfig holds Prometheus configuration.
type MetricsConfig struct {
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// ListenAddr serves /metrics from the CLI when set.
	ListenAddr string `toml:"listen_addr" json:"listen_addr" yaml:"listen_addr"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := PushauthDir()

	return &Config{
		Version: Version,
		Storage: StorageConfig{
			RecordsPath:  filepath.Join(dir, "records.db"),
			SettingsPath: filepath.Join(PlatformCacheDir(), "settings.db"),
			SecretPath:   filepath.Join(dir, "device_secret"),
			Namespace:    "pushauth.factors",
		},
		KeyStore: KeyStoreConfig{
			Path:         filepath.Join(dir, "keychain.db"),
			Attempts:     2,
			RetryDelayMs: 50,
		},
		Hardware: HardwareConfig{
			TPMEnabled: true,
		},
		Service: ServiceConfig{
			BaseURL:    "https://verify.twilio.com/v2/",
			TimeoutSec: 30,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(PlatformLogDir(), "pushauth.log"),
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 30,
			Compress:   true,
			AuditPath:  filepath.Join(PlatformLogDir(), "audit.log"),
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(PlatformConfigDir(), "config.toml")
}

// PushauthDir returns the base data directory.
// Uses platform-specific paths or the PUSHAUTH_DATA_DIR override.
func PushauthDir() string {
	if envDir := os.Getenv("PUSHAUTH_DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates the directories the SDK writes to.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		filepath.Dir(c.Storage.RecordsPath),
		filepath.Dir(c.Storage.SettingsPath),
		filepath.Dir(c.Storage.SecretPath),
		filepath.Dir(c.KeyStore.Path),
	}
	if c.Logging.Output == "file" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}
	if c.Logging.AuditPath != "" {
		dirs = append(dirs, filepath.Dir(c.Logging.AuditPath))
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// ApplyEnvOverrides applies environment variable overrides.
// Environment variables are prefixed with PUSHAUTH_ and use underscores.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Storage overrides
	if v := os.Getenv("PUSHAUTH_RECORDS_PATH"); v != "" {
		c.Storage.RecordsPath = v
	}
	if v := os.Getenv("PUSHAUTH_SETTINGS_PATH"); v != "" {
		c.Storage.SettingsPath = v
	}
	if v := os.Getenv("PUSHAUTH_ACCESS_GROUP"); v != "" {
		c.Storage.AccessGroup = v
	}

	// Keychain overrides
	if v := os.Getenv("PUSHAUTH_KEYCHAIN_PATH"); v != "" {
		c.KeyStore.Path = v
	}

	// Service overrides
	if v := os.Getenv("PUSHAUTH_BASE_URL"); v != "" {
		c.Service.BaseURL = v
	}

	// Logging overrides
	if v := os.Getenv("PUSHAUTH_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("PUSHAUTH_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}

	// Hardware overrides
	if v := os.Getenv("PUSHAUTH_TPM_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			c.Hardware.TPMEnabled = enabled
		}
	}
}

// Clone returns a copy of the configuration.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return &Config{
		Version:  c.Version,
		Storage:  c.Storage,
		KeyStore: c.KeyStore,
		Hardware: c.Hardware,
		Service:  c.Service,
		Logging:  c.Logging,
		Metrics:  c.Metrics,
	}
}

// RetryDelay returns the keychain retry delay.
func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.KeyStore.RetryDelayMs) * time.Millisecond
}

// Timeout returns the per-request service timeout.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.Service.TimeoutSec) * time.Second
}
