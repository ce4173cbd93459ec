// Package content is the port to the host content store that artifacts are
// read from and written to. The engine never touches content any other way.
package content

import (
	"context"
	"errors"
	"fmt"

	"github.com/franklyco/db-version-control-advanced-sub002/pkg/artifact"
)

// ErrNotFound is returned by ReadEntity for an unknown entity.
var ErrNotFound = errors.New("content: not found")

// Entity is a content record addressed by "<type>:<id>".
type Entity struct {
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields"`
	Meta   map[string]any `json:"meta"`
}

// Store is the content-store adapter.
type Store interface {
	ReadEntity(ctx context.Context, id string) (*Entity, error)
	WriteEntity(ctx context.Context, id string, fields, meta map[string]any) error
	DeleteEntity(ctx context.Context, id string) error
	ReadOption(ctx context.Context, key string) (any, bool, error)
	WriteOption(ctx context.Context, key string, value any) error
	DeleteOption(ctx context.Context, key string) error
}

// EntityFields are the top-level entity fields the adapter writes. Anything
// else in a payload is not applied and shows up as a verification mismatch.
var EntityFields = []string{"title", "status", "content", "excerpt", "slug"}

// EntityPayload projects an entity to its artifact payload. A missing entity
// projects to nil.
func EntityPayload(e *Entity) any {
	if e == nil {
		return nil
	}
	out := make(map[string]any, len(EntityFields)+1)
	for _, f := range EntityFields {
		if v, ok := e.Fields[f]; ok {
			out[f] = v
		}
	}
	meta := make(map[string]any, len(e.Meta))
	for k, v := range e.Meta {
		meta[k] = v
	}
	out["meta"] = meta
	return out
}

// SplitEntityPayload is the inverse of EntityPayload.
func SplitEntityPayload(payload any) (fields, meta map[string]any, err error) {
	generic, err := artifact.Generic(payload)
	if err != nil {
		return nil, nil, err
	}
	m, ok := generic.(map[string]any)
	if !ok {
		return nil, nil, fmt.Errorf("content: entity payload must be an object, got %T", generic)
	}
	fields = make(map[string]any)
	for _, f := range EntityFields {
		if v, ok := m[f]; ok {
			fields[f] = v
		}
	}
	meta = make(map[string]any)
	if mm, ok := m["meta"].(map[string]any); ok {
		for k, v := range mm {
			meta[k] = v
		}
	}
	return fields, meta, nil
}

// NormalizeEntityPayload returns the payload the adapter would read back after
// writing payload.
func NormalizeEntityPayload(payload any) (any, error) {
	if payload == nil {
		return nil, nil
	}
	fields, meta, err := SplitEntityPayload(payload)
	if err != nil {
		return nil, err
	}
	return EntityPayload(&Entity{Fields: fields, Meta: meta}), nil
}

// Normalize returns payload as it reads back from the store: entity payloads
// are projected so fields the adapter drops do not count. The storage class
// comes from the uid prefix, falling back to the type.
func Normalize(uid string, t artifact.Type, payload any) (any, error) {
	kind := artifact.KindOf(t)
	if u, err := artifact.ParseUID(uid); err == nil {
		kind = u.Kind
	}
	if kind == artifact.KindEntity {
		return NormalizeEntityPayload(payload)
	}
	return payload, nil
}

// Hash fingerprints the normalized payload.
func Hash(reg *artifact.Registry, uid string, t artifact.Type, payload any) (string, error) {
	normalized, err := Normalize(uid, t, payload)
	if err != nil {
		return "", err
	}
	return reg.Hash(t, normalized)
}

// Resolve reads the current local payload of uid. ok is false when nothing is
// stored under it.
func Resolve(ctx context.Context, s Store, uid string) (payload any, ok bool, err error) {
	u, err := artifact.ParseUID(uid)
	if err != nil {
		return nil, false, err
	}
	if u.Kind == artifact.KindOption {
		return s.ReadOption(ctx, u.Key)
	}
	e, err := s.ReadEntity(ctx, u.Key)
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return EntityPayload(e), true, nil
}
