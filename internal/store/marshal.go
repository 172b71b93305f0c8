package store

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/offsync/internal/change"
)

// marshalFields converts domain fields to canonical JSON TEXT for storage.
// Values are normalized through encoding/json first, so any JSON-encodable
// Go value is accepted and stored the same way it travels on the wire.
func marshalFields(fields map[string]any) (string, error) {
	if len(fields) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("marshal fields: %w", err)
	}
	obj, err := change.DecodeObject(raw)
	if err != nil {
		return "", fmt.Errorf("marshal fields: %w", err)
	}
	data, err := change.MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("marshal fields: %w", err)
	}
	return string(data), nil
}

// unmarshalFields converts stored JSON TEXT back to a field map.
// Numbers come back as json.Number.
func unmarshalFields(data string) (map[string]any, error) {
	obj, err := change.DecodeObject([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("unmarshal fields: %w", err)
	}
	return obj, nil
}

// mergeFields overlays update onto base. Keys in update win; keys only in
// base are kept.
func mergeFields(base, update map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(update))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range update {
		out[k] = v
	}
	return out
}
