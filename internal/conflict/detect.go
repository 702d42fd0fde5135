package conflict

import (
	"bytes"
	"encoding/json"

	"github.com/kimhsiao/driftsync/internal/errors"
)

// SyncVersion carries the versioning metadata one side holds for an
// entity: the server version number, the whole-entity modification time,
// optional per-field timestamps and a content hash for cheap equality.
type SyncVersion struct {
	ServerVersion int64
	ModifiedAt    int64            // unix ms
	FieldTimes    map[string]int64 // unix ms, optional
	ContentHash   string
}

// EffectiveTime returns the timestamp governing one field: the field-level
// time when tracked, otherwise the whole-entity modification time.
func (v SyncVersion) EffectiveTime(field string) int64 {
	if t, ok := v.FieldTimes[field]; ok {
		return t
	}
	return v.ModifiedAt
}

// FieldConflict is one field present on both sides with differing values.
type FieldConflict struct {
	EntityType  string
	EntityID    string
	Field       string
	LocalValue  json.RawMessage
	ServerValue json.RawMessage
	LocalTime   int64 // unix ms
	ServerTime  int64 // unix ms
}

// DetectFieldConflicts flattens both JSON snapshots into field maps and
// returns a conflict for every field present on BOTH sides whose values
// differ. Fields only one side carries are not conflicts; the merge keeps
// them as-is. Matching content hashes short-circuit to no conflicts.
func DetectFieldConflicts(entityType, entityID string, local, server json.RawMessage, localVer, serverVer SyncVersion) ([]FieldConflict, error) {
	if localVer.ContentHash != "" && localVer.ContentHash == serverVer.ContentHash {
		return nil, nil
	}

	localFields, err := flatten(local)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrInvalidPayload, "decoding local snapshot")
	}
	serverFields, err := flatten(server)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrInvalidPayload, "decoding server snapshot")
	}

	var conflicts []FieldConflict
	for field, lv := range localFields {
		sv, ok := serverFields[field]
		if !ok {
			continue
		}
		if jsonEqual(lv, sv) {
			continue
		}
		conflicts = append(conflicts, FieldConflict{
			EntityType:  entityType,
			EntityID:    entityID,
			Field:       field,
			LocalValue:  lv,
			ServerValue: sv,
			LocalTime:   localVer.EffectiveTime(field),
			ServerTime:  serverVer.EffectiveTime(field),
		})
	}
	return conflicts, nil
}

func flatten(raw json.RawMessage) (map[string]json.RawMessage, error) {
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// jsonEqual compares two raw values semantically, so formatting and key
// order differences do not register as conflicts.
func jsonEqual(a, b json.RawMessage) bool {
	var ca, cb bytes.Buffer
	if json.Compact(&ca, a) != nil || json.Compact(&cb, b) != nil {
		return bytes.Equal(a, b)
	}
	if bytes.Equal(ca.Bytes(), cb.Bytes()) {
		return true
	}
	var va, vb interface{}
	if json.Unmarshal(a, &va) != nil || json.Unmarshal(b, &vb) != nil {
		return false
	}
	return deepEqual(va, vb)
}

func deepEqual(a, b interface{}) bool {
	switch av := a.(type) {
	case map[string]interface{}:
		bv, ok := b.(map[string]interface{})
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			w, ok := bv[k]
			if !ok || !deepEqual(v, w) {
				return false
			}
		}
		return true
	case []interface{}:
		bv, ok := b.([]interface{})
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !deepEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}
