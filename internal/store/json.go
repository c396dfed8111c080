package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// GetJSON reads and decodes one document.
func GetJSON[T any](ctx context.Context, s DocumentStore, collection, id string) (T, error) {
	var v T
	raw, err := s.Get(ctx, collection, id)
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("decode %s/%s: %w", collection, id, err)
	}
	return v, nil
}

// PutJSON encodes and writes one document, replacing any previous version.
func PutJSON(ctx context.Context, s DocumentStore, collection, id string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, id, err)
	}
	return s.Put(ctx, collection, id, raw)
}

// CreateJSON encodes and writes one document only if the id is free.
func CreateJSON(ctx context.Context, s DocumentStore, collection, id string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, id, err)
	}
	return s.Create(ctx, collection, id, raw)
}

// QueryJSON runs a filtered query and decodes every result.
func QueryJSON[T any](ctx context.Context, s DocumentStore, collection string, filter Filter) ([]T, error) {
	raws, err := s.Query(ctx, collection, filter)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(raws))
	for _, raw := range raws {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode %s query result: %w", collection, err)
		}
		out = append(out, v)
	}
	return out, nil
}
