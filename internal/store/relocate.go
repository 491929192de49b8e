package store

import (
	"fmt"

	"pushauth/internal/errs"
)

// MoveToAccessGroup relocates every record and its paired key from the
// current partition into group, then reads from group.
func (s *Store) MoveToAccessGroup(group string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.relocate("store.MoveToAccessGroup", s.accessGroup, group)
}

// MoveFromAccessGroup relocates every record and its paired key from group
// back into the default partition, then reads from the default partition.
func (s *Store) MoveFromAccessGroup(group string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.relocate("store.MoveFromAccessGroup", group, DefaultAccessGroup)
}

// relocate updates records in place so that every record always has exactly
// one reachable copy. The paired key moves before its record, so a record
// left behind by a failure is picked up again, key included, by the next run.
// The caller holds s.mu.
func (s *Store) relocate(op, from, to string) error {
	if from == to {
		return nil
	}

	records, err := s.getAll(op, from)
	if err != nil {
		return err
	}

	for _, r := range records {
		alias := ""
		if s.opts.PairedKey != nil {
			alias, err = s.opts.PairedKey(r.Value)
			if err != nil {
				return errs.Storage(op, fmt.Errorf("decode record %s: %w", r.Key, err))
			}
		}

		if alias != "" && s.opts.Keys != nil {
			if err := s.opts.Keys.MoveKey(alias, from, to); err != nil {
				return errs.WithCode(errs.KindStorage, op, errs.Code(err), fmt.Errorf("move key for %s: %w", r.Key, err))
			}
		}

		res, err := s.records.Exec(`
			UPDATE records SET access_group = ? WHERE namespace = ? AND access_group = ? AND key = ?`,
			to, s.namespace, from, r.Key,
		)
		if err != nil {
			return storageError(op, err)
		}
		if n, err := res.RowsAffected(); err != nil || n != 1 {
			return errs.Storage(op, fmt.Errorf("%w: %s", ErrRecordNotFound, r.Key))
		}
	}

	_, err = s.settings.Exec(`
		INSERT INTO settings (namespace, access_group, key, value)
		SELECT namespace, ?, key, value FROM settings WHERE namespace = ? AND access_group = ?
		ON CONFLICT (namespace, access_group, key) DO UPDATE SET value = excluded.value`,
		to, s.namespace, from,
	)
	if err != nil {
		return storageError(op, err)
	}

	s.followKeys(to)
	s.logger.Info("records relocated", "from", from, "to", to, "count", len(records))
	return nil
}

// followKeys points later key lookups at the partition records now live in.
func (s *Store) followKeys(group string) {
	s.accessGroup = group
	if s.opts.Keys != nil {
		s.opts.Keys.SetAccessGroup(group)
	}
}
