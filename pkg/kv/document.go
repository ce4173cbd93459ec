package kv

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// Document is a typed JSON value persisted under a single key. Update holds a
// process-local lock across load, mutate and save.
type Document[T any] struct {
	store Store
	key   string
	mu    sync.Mutex
}

// NewDocument binds key in store to values of type T.
func NewDocument[T any](store Store, key string) *Document[T] {
	return &Document[T]{store: store, key: key}
}

// Key returns the storage key.
func (d *Document[T]) Key() string { return d.key }

// Load returns the stored value, or the zero value when the key is absent.
// Numbers inside untyped fields decode as json.Number.
func (d *Document[T]) Load(ctx context.Context) (T, error) {
	var v T
	raw, err := d.store.Get(ctx, d.key)
	if errors.Is(err, ErrNotFound) {
		return v, nil
	}
	if err != nil {
		return v, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return v, fmt.Errorf("kv: decode %q: %w", d.key, err)
	}
	return v, nil
}

// Save replaces the stored value.
func (d *Document[T]) Save(ctx context.Context, v T) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("kv: encode %q: %w", d.key, err)
	}
	return d.store.Set(ctx, d.key, raw)
}

// Update loads the value, applies fn and saves the result. Nothing is written
// when fn returns an error.
func (d *Document[T]) Update(ctx context.Context, fn func(*T) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	v, err := d.Load(ctx)
	if err != nil {
		return err
	}
	if err := fn(&v); err != nil {
		return err
	}
	return d.Save(ctx, v)
}

// View loads the value under the update lock, so it observes completed updates.
func (d *Document[T]) View(ctx context.Context, fn func(T) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, err := d.Load(ctx)
	if err != nil {
		return err
	}
	return fn(v)
}
