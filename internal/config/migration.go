package config

import (
	"fmt"
	"path/filepath"
)

// MigrationResult describes a configuration migration.
type MigrationResult struct {
	FromVersion int
	ToVersion   int
	Changes     []string
}

// MigrateConfig upgrades cfg in place to Version. It returns nil when cfg
// is already current.
func MigrateConfig(cfg *Config) (*MigrationResult, error) {
	if cfg.Version >= Version {
		return nil, nil
	}

	result := &MigrationResult{FromVersion: cfg.Version, ToVersion: Version}
	for cfg.Version < Version {
		var changes []string
		switch cfg.Version {
		case 1:
			changes = migrateV1ToV2(cfg)
		default:
			return result, fmt.Errorf("unknown config version %d", cfg.Version)
		}
		result.Changes = append(result.Changes, changes...)
		cfg.Version++
	}
	return result, nil
}

// migrateV1ToV2 splits the single v1 database into the records database and
// an app-local settings database.
func migrateV1ToV2(cfg *Config) []string {
	if cfg.Storage.Path == "" {
		return nil
	}
	changes := []string{
		fmt.Sprintf("storage.path moved to storage.records_path (%s)", cfg.Storage.Path),
	}
	cfg.Storage.RecordsPath = cfg.Storage.Path
	cfg.Storage.Path = ""
	if cfg.Storage.SettingsPath == "" || cfg.Storage.SettingsPath == cfg.Storage.RecordsPath {
		cfg.Storage.SettingsPath = filepath.Join(filepath.Dir(cfg.Storage.RecordsPath), "settings.db")
		changes = append(changes, "storage.settings_path set to "+cfg.Storage.SettingsPath)
	}
	return changes
}
