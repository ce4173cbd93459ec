package content

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/franklyco/db-version-control-advanced-sub002/pkg/kv"
)

// KVStore keeps content in the durable kv store. It backs standalone
// deployments that have no host content system.
type KVStore struct {
	store kv.Store
}

// NewKVStore returns a content store persisted in store.
func NewKVStore(store kv.Store) *KVStore {
	return &KVStore{store: store}
}

func entityKey(id string) string  { return "content:entity:" + id }
func optionKey(key string) string { return "content:option:" + key }

func decode(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(v)
}

func (s *KVStore) ReadEntity(ctx context.Context, id string) (*Entity, error) {
	raw, err := s.store.Get(ctx, entityKey(id))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var e Entity
	if err := decode(raw, &e); err != nil {
		return nil, fmt.Errorf("content: decode entity %s: %w", id, err)
	}
	return &e, nil
}

func (s *KVStore) WriteEntity(ctx context.Context, id string, fields, meta map[string]any) error {
	if fields == nil {
		fields = map[string]any{}
	}
	if meta == nil {
		meta = map[string]any{}
	}
	raw, err := json.Marshal(Entity{ID: id, Fields: fields, Meta: meta})
	if err != nil {
		return fmt.Errorf("content: encode entity %s: %w", id, err)
	}
	return s.store.Set(ctx, entityKey(id), raw)
}

func (s *KVStore) DeleteEntity(ctx context.Context, id string) error {
	return s.store.Delete(ctx, entityKey(id))
}

func (s *KVStore) ReadOption(ctx context.Context, key string) (any, bool, error) {
	raw, err := s.store.Get(ctx, optionKey(key))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var v any
	if err := decode(raw, &v); err != nil {
		return nil, false, fmt.Errorf("content: decode option %s: %w", key, err)
	}
	return v, true, nil
}

func (s *KVStore) WriteOption(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("content: encode option %s: %w", key, err)
	}
	return s.store.Set(ctx, optionKey(key), raw)
}

func (s *KVStore) DeleteOption(ctx context.Context, key string) error {
	return s.store.Delete(ctx, optionKey(key))
}
