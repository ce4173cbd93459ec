// Package kv is the durable key-value port every dbvc collection is persisted
// through. Backends only promise per-key last-writer-wins; Document layers a
// process-local read-modify-write on top.
package kv

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get for a missing key.
var ErrNotFound = errors.New("kv: key not found")

// Store is a durable mapping of string keys to opaque values.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}
