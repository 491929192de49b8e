package factor

import (
	"encoding/json"
	"fmt"

	"pushauth/internal/models"
	"pushauth/internal/store"
)

// SchemaVersion is the record layout written by this package.
const SchemaVersion = 2

// Migrations returns the record migrations for factor records in ascending
// order.
func Migrations() []store.Migration {
	return []store.Migration{
		{
			StartVersion: 0,
			EndVersion:   1,
			Description:  "tag untyped records as push factors",
			Run:          addFactorType,
		},
		{
			StartVersion: 1,
			EndVersion:   2,
			Description:  "rename entity_identity to identity",
			Run:          renameEntityIdentity,
		},
	}
}

func addFactorType(records []store.Record) ([]store.Record, error) {
	return rewrite(records, func(fields map[string]json.RawMessage) (bool, error) {
		if _, ok := fields["type"]; ok {
			return false, nil
		}
		raw, err := json.Marshal(models.FactorTypePush)
		if err != nil {
			return false, err
		}
		fields["type"] = raw
		return true, nil
	})
}

func renameEntityIdentity(records []store.Record) ([]store.Record, error) {
	return rewrite(records, func(fields map[string]json.RawMessage) (bool, error) {
		legacy, ok := fields["entity_identity"]
		if !ok {
			return false, nil
		}
		delete(fields, "entity_identity")
		if _, ok := fields["identity"]; !ok {
			fields["identity"] = legacy
		}
		return true, nil
	})
}

// rewrite applies fn to each record decoded as a JSON object and returns the
// records fn changed.
func rewrite(records []store.Record, fn func(map[string]json.RawMessage) (bool, error)) ([]store.Record, error) {
	var out []store.Record
	for _, rec := range records {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(rec.Value, &fields); err != nil {
			return nil, fmt.Errorf("record %s: %w", rec.Key, err)
		}
		changed, err := fn(fields)
		if err != nil {
			return nil, fmt.Errorf("record %s: %w", rec.Key, err)
		}
		if !changed {
			continue
		}
		value, err := json.Marshal(fields)
		if err != nil {
			return nil, fmt.Errorf("record %s: %w", rec.Key, err)
		}
		out = append(out, store.Record{Key: rec.Key, Value: value})
	}
	return out, nil
}
