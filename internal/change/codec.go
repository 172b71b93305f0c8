package change

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Reserved record keys. Every other top-level key of a record object is a
// domain field.
const (
	KeyID        = "id"
	KeyUpdatedAt = "updated_at"
	KeyDeletedAt = "deleted_at"
)

// Client-side bookkeeping keys some mobile databases attach to pushed rows.
// They are dropped on decode.
var bookkeepingKeys = map[string]bool{
	"_status":  true,
	"_changed": true,
}

// MarshalJSON flattens the record: domain fields sit next to id and updated_at.
func (r Record) MarshalJSON() ([]byte, error) {
	obj := make(map[string]any, len(r.Fields)+3)
	for k, v := range r.Fields {
		obj[k] = v
	}
	obj[KeyID] = r.ID
	obj[KeyUpdatedAt] = r.UpdatedAt
	if r.DeletedAt != nil {
		obj[KeyDeletedAt] = *r.DeletedAt
	}
	return json.Marshal(obj)
}

// UnmarshalJSON decodes a flattened record. Numbers inside domain fields are
// kept as json.Number so they round-trip without float conversion.
func (r *Record) UnmarshalJSON(data []byte) error {
	obj, err := DecodeObject(data)
	if err != nil {
		return fmt.Errorf("decode record: %w", err)
	}

	id, err := idValue(obj[KeyID])
	if err != nil {
		return fmt.Errorf("decode record: %w", err)
	}
	updatedAt, err := int64Value(obj[KeyUpdatedAt])
	if err != nil {
		return fmt.Errorf("decode record %q: updated_at: %w", id, err)
	}

	var deletedAt *int64
	if raw, ok := obj[KeyDeletedAt]; ok && raw != nil {
		at, err := int64Value(raw)
		if err != nil {
			return fmt.Errorf("decode record %q: deleted_at: %w", id, err)
		}
		deletedAt = &at
	}

	fields := make(map[string]any, len(obj))
	for k, v := range obj {
		switch {
		case k == KeyID, k == KeyUpdatedAt, k == KeyDeletedAt:
		case bookkeepingKeys[k]:
		default:
			fields[k] = v
		}
	}

	*r = Record{ID: id, UpdatedAt: updatedAt, DeletedAt: deletedAt, Fields: fields}
	return nil
}

type changeSetJSON struct {
	Created []Record          `json:"created"`
	Updated []Record          `json:"updated"`
	Deleted []json.RawMessage `json:"deleted"`
}

// MarshalJSON always emits all three keys, using empty arrays for absent
// sequences. Deleted entries are encoded as bare ids.
func (cs ChangeSet) MarshalJSON() ([]byte, error) {
	out := struct {
		Created []Record `json:"created"`
		Updated []Record `json:"updated"`
		Deleted []string `json:"deleted"`
	}{
		Created: nonNil(cs.Created),
		Updated: nonNil(cs.Updated),
		Deleted: nonNil(cs.Deleted),
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts deleted entries either as bare ids or as objects
// carrying an "id" key.
func (cs *ChangeSet) UnmarshalJSON(data []byte) error {
	var in changeSetJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("decode change set: %w", err)
	}

	deleted := make([]string, 0, len(in.Deleted))
	for i, raw := range in.Deleted {
		trimmed := bytes.TrimSpace(raw)
		if len(trimmed) > 0 && trimmed[0] == '{' {
			var ref struct {
				ID json.RawMessage `json:"id"`
			}
			if err := json.Unmarshal(trimmed, &ref); err != nil {
				return fmt.Errorf("decode change set: deleted[%d]: %w", i, err)
			}
			trimmed = ref.ID
		}
		var v any
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.UseNumber()
		if err := dec.Decode(&v); err != nil {
			return fmt.Errorf("decode change set: deleted[%d]: %w", i, err)
		}
		id, err := idValue(v)
		if err != nil {
			return fmt.Errorf("decode change set: deleted[%d]: %w", i, err)
		}
		deleted = append(deleted, id)
	}

	*cs = ChangeSet{Created: in.Created, Updated: in.Updated, Deleted: deleted}
	return nil
}

// DecodeObject decodes a JSON object keeping numbers as json.Number.
func DecodeObject(data []byte) (map[string]any, error) {
	var obj map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, fmt.Errorf("expected JSON object, got null")
	}
	return obj, nil
}

// idValue accepts string ids and integral numeric ids.
func idValue(v any) (string, error) {
	switch id := v.(type) {
	case string:
		if id == "" {
			return "", fmt.Errorf("empty id")
		}
		return id, nil
	case json.Number:
		if _, err := id.Int64(); err != nil {
			return "", fmt.Errorf("non-integral numeric id %s", id)
		}
		return id.String(), nil
	case nil:
		return "", fmt.Errorf("missing id")
	default:
		return "", fmt.Errorf("unsupported id type %T", v)
	}
}

func int64Value(v any) (int64, error) {
	switch n := v.(type) {
	case nil:
		return 0, nil
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
		f, err := n.Float64()
		if err != nil {
			return 0, err
		}
		if f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
			return 0, fmt.Errorf("%s is not an int64", n)
		}
		return int64(f), nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
