package kv

import (
	"encoding/json"
	"fmt"
)

// PutJSON stores a typed value as a plain JSON document, so it stays
// readable by Get and by Lua regardless of the bucket backend.
func PutJSON(b Bucket, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %q: %w", key, err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("failed to normalize %q: %w", key, err)
	}
	return b.Store(key, doc, nil)
}

// GetJSON loads a stored document into out. It reports false when the
// key is absent or expired.
func GetJSON(b Bucket, key string, out any) (bool, error) {
	doc, err := b.Get(key)
	if err != nil || doc == nil {
		return false, err
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return false, fmt.Errorf("failed to re-encode %q: %w", key, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("failed to decode %q: %w", key, err)
	}
	return true, nil
}
