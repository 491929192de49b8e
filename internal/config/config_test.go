package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Storage.Namespace != "pushauth.factors" {
		t.Errorf("unexpected namespace %q", cfg.Storage.Namespace)
	}
	if cfg.Storage.RecordsPath == cfg.Storage.SettingsPath {
		t.Error("records and settings must be separate databases")
	}
	if cfg.RetryDelay() != 50*time.Millisecond {
		t.Errorf("expected 50ms retry delay, got %v", cfg.RetryDelay())
	}
}

func TestDataDirOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("PUSHAUTH_DATA_DIR", dir)

	if got := PushauthDir(); got != dir {
		t.Errorf("expected %s, got %s", dir, got)
	}
	if !strings.HasPrefix(DefaultConfig().Storage.RecordsPath, dir) {
		t.Errorf("records path should live under %s", dir)
	}
}

func TestLoadNonexistent(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Version != Version {
		t.Errorf("expected version %d, got %d", Version, cfg.Version)
	}
}

func TestLoadFormats(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"config.toml": "version = 2\n[service]\nbase_url = \"https://verify.example.test/v2/\"\n[logging]\nlevel = \"debug\"\n",
		"config.json": `{"version":2,"service":{"base_url":"https://verify.example.test/v2/"},"logging":{"level":"debug"}}`,
		"config.yaml": "version: 2\nservice:\n  base_url: https://verify.example.test/v2/\nlogging:\n  level: debug\n",
	}

	for name, content := range files {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			if err := os.WriteFile(path, []byte(content), 0600); err != nil {
				t.Fatal(err)
			}
			cfg, err := Load(path)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if cfg.Service.BaseURL != "https://verify.example.test/v2/" {
				t.Errorf("unexpected base url %q", cfg.Service.BaseURL)
			}
			if cfg.Logging.Level != "debug" {
				t.Errorf("unexpected level %q", cfg.Logging.Level)
			}
			// Unset sections keep their defaults.
			if cfg.KeyStore.Attempts != 2 {
				t.Errorf("expected default attempts, got %d", cfg.KeyStore.Attempts)
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PUSHAUTH_LOG_LEVEL", "error")
	t.Setenv("PUSHAUTH_ACCESS_GROUP", "group.shared")
	t.Setenv("PUSHAUTH_TPM_ENABLED", "false")

	cfg, err := Load(filepath.Join(t.TempDir(), "config.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Logging.Level != "error" {
		t.Errorf("expected level error, got %s", cfg.Logging.Level)
	}
	if cfg.Storage.AccessGroup != "group.shared" {
		t.Errorf("expected access group override, got %q", cfg.Storage.AccessGroup)
	}
	if cfg.Hardware.TPMEnabled {
		t.Error("expected TPM disabled by env")
	}
}

func TestMigrateV1(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := "version = 1\n[storage]\npath = \"/var/lib/pushauth/pushauth.db\"\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Version != Version {
		t.Errorf("expected version %d, got %d", Version, cfg.Version)
	}
	if cfg.Storage.RecordsPath != "/var/lib/pushauth/pushauth.db" {
		t.Errorf("unexpected records path %q", cfg.Storage.RecordsPath)
	}
	if cfg.Storage.Path != "" {
		t.Error("legacy path should be cleared")
	}
}

func TestValidation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Level = "verbose"
	cfg.KeyStore.Attempts = 0
	cfg.Storage.SettingsPath = cfg.Storage.RecordsPath
	cfg.Service.BaseURL = "ftp://example"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation errors")
	}
	verrs, ok := err.(ValidationErrors)
	if !ok {
		t.Fatalf("expected ValidationErrors, got %T", err)
	}
	fields := map[string]bool{}
	for _, e := range verrs {
		fields[e.Field] = true
	}
	for _, f := range []string{"logging.level", "keystore.attempts", "storage.settings_path", "service.base_url"} {
		if !fields[f] {
			t.Errorf("expected error for %s, got %v", f, err)
		}
	}
}

func TestSaveAndReload(t *testing.T) {
	for _, ext := range SupportedConfigFormats() {
		t.Run(ext, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config"+ext)
			cfg := DefaultConfig()
			cfg.Storage.AccessGroup = "group.shared"
			cfg.Metrics.Enabled = true

			if err := SaveConfig(cfg, path); err != nil {
				t.Fatalf("SaveConfig failed: %v", err)
			}
			loaded, err := Load(path)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if loaded.Storage.AccessGroup != "group.shared" || !loaded.Metrics.Enabled {
				t.Errorf("round trip lost values: %+v", loaded.Storage)
			}
		})
	}
}

func TestLoaderWatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("version = 2\n[logging]\nlevel = \"info\"\n"), 0600); err != nil {
		t.Fatal(err)
	}

	loader := NewLoader(path)
	defer loader.Close()
	if _, err := loader.Load(); err != nil {
		t.Fatal(err)
	}

	changed := make(chan *Config, 1)
	loader.OnChange(func(cfg *Config) {
		select {
		case changed <- cfg:
		default:
		}
	})
	if err := loader.Watch(); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(path, []byte("version = 2\n[logging]\nlevel = \"debug\"\n"), 0600); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-changed:
		if cfg.Logging.Level != "debug" {
			t.Errorf("expected reloaded level debug, got %s", cfg.Logging.Level)
		}
		if loader.Config().Logging.Level != "debug" {
			t.Error("loader did not keep the reloaded config")
		}
	case err := <-loader.Errors():
		t.Fatalf("reload failed: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
}
