package store

import (
	"fmt"
	"sort"
	"strconv"

	"pushauth/internal/errs"
)

// flagsNamespace holds scalar flags that must outlive the settings database,
// which is discarded together with the application on uninstall.
func (s *Store) flagsNamespace() string {
	return s.namespace + "#flags"
}

// migrate runs the version state machine. It is called once from Open while
// the lock file is held.
func (s *Store) migrate() error {
	const op = "store.migrate"
	group := s.AccessGroup()

	current, err := s.loadVersion(group)
	if err != nil {
		return storageError(op, err)
	}
	s.version = current

	if s.opts.HostContext == HostExtension {
		s.logger.Debug("skipping migrations in extension context", "version", current)
		return nil
	}

	target := s.opts.TargetVersion
	if current >= target {
		return nil
	}

	reinstalled, err := s.hasReinstallFlag()
	if err != nil {
		return storageError(op, err)
	}
	if current == 0 && s.opts.ClearOnReinstall && reinstalled {
		s.logger.Info("reinstall detected, clearing records", "target_version", target)
		if err := s.clearForReinstall(); err != nil {
			return err
		}
		return s.finishMigration(op, group, target)
	}

	migrations := make([]Migration, len(s.opts.Migrations))
	copy(migrations, s.opts.Migrations)
	sort.SliceStable(migrations, func(i, j int) bool {
		return migrations[i].StartVersion < migrations[j].StartVersion
	})

	for _, m := range migrations {
		if m.StartVersion < current {
			continue
		}
		if err := s.runMigration(group, m); err != nil {
			return err
		}
		current = m.EndVersion
		if err := s.setSetting(group, settingVersion, strconv.Itoa(current)); err != nil {
			return storageError(op, err)
		}
		s.version = current
		s.metrics.Migration(current)
		s.logger.Info("record migration applied",
			"from", m.StartVersion, "to", m.EndVersion, "description", m.Description)
		if current == target {
			break
		}
	}

	return s.finishMigration(op, group, current)
}

func (s *Store) runMigration(group string, m Migration) error {
	op := fmt.Sprintf("store.migrate(%d->%d)", m.StartVersion, m.EndVersion)

	records, err := s.getAll(op, group)
	if err != nil {
		return err
	}
	updated, err := m.Run(records)
	if err != nil {
		return errs.Storage(op, err)
	}
	for _, r := range updated {
		if r.Key == "" {
			return errs.Storage(op, ErrEmptyKey)
		}
		if err := s.save(op, group, r); err != nil {
			return err
		}
	}
	return nil
}

// finishMigration persists the final version and the reinstall flag.
func (s *Store) finishMigration(op, group string, version int) error {
	if err := s.setSetting(group, settingVersion, strconv.Itoa(version)); err != nil {
		return storageError(op, err)
	}
	if err := s.setSetting(group, settingClearOnReinstall, strconv.FormatBool(s.opts.ClearOnReinstall)); err != nil {
		return storageError(op, err)
	}
	if err := s.saveReinstallFlag(); err != nil {
		return storageError(op, err)
	}
	s.version = version
	return nil
}

// clearForReinstall drops legacy records stored without a namespace, wipes
// every record in the namespace across all partitions and deletes the keys.
func (s *Store) clearForReinstall() error {
	const op = "store.clearForReinstall"
	if _, err := s.records.Exec(`DELETE FROM records WHERE namespace = ''`); err != nil {
		return storageError(op, err)
	}
	if _, err := s.records.Exec(`DELETE FROM records WHERE namespace = ?`, s.namespace); err != nil {
		return storageError(op, err)
	}
	if s.opts.Keys != nil {
		if err := s.opts.Keys.DeleteAll(); err != nil {
			return errs.WithCode(errs.KindStorage, op, errs.Code(err), err)
		}
	}
	return nil
}

func (s *Store) hasReinstallFlag() (bool, error) {
	var n int
	err := s.records.QueryRow(`
		SELECT COUNT(*) FROM records WHERE namespace = ? AND key = ?`,
		s.flagsNamespace(), settingClearOnReinstall,
	).Scan(&n)
	return n > 0, err
}

func (s *Store) saveReinstallFlag() error {
	_, err := s.records.Exec(`
		INSERT INTO records (namespace, access_group, key, value) VALUES (?, '', ?, ?)
		ON CONFLICT (namespace, access_group, key) DO UPDATE SET value = excluded.value`,
		s.flagsNamespace(), settingClearOnReinstall, []byte(strconv.FormatBool(s.opts.ClearOnReinstall)),
	)
	return err
}
