package content

import (
	"context"
	"encoding/json"
	"sync"
)

// MemoryStore is an in-process content store.
type MemoryStore struct {
	mu       sync.RWMutex
	entities map[string]*Entity
	options  map[string]any

	// FailWrite, when set, is consulted before every entity write.
	FailWrite func(id string) error
}

// NewMemoryStore returns an empty in-memory content store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entities: make(map[string]*Entity),
		options:  make(map[string]any),
	}
}

func (m *MemoryStore) ReadEntity(_ context.Context, id string) (*Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entities[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &Entity{ID: e.ID, Fields: cloneMap(e.Fields), Meta: cloneMap(e.Meta)}, nil
}

func (m *MemoryStore) WriteEntity(_ context.Context, id string, fields, meta map[string]any) error {
	if m.FailWrite != nil {
		if err := m.FailWrite(id); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entities[id] = &Entity{ID: id, Fields: cloneMap(fields), Meta: cloneMap(meta)}
	return nil
}

func (m *MemoryStore) DeleteEntity(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entities, id)
	return nil
}

func (m *MemoryStore) ReadOption(_ context.Context, key string) (any, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.options[key]
	return v, ok, nil
}

func (m *MemoryStore) WriteOption(_ context.Context, key string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.options[key] = value
	return nil
}

func (m *MemoryStore) DeleteOption(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.options, key)
	return nil
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return map[string]any{}
	}
	b, err := json.Marshal(in)
	if err != nil {
		out := make(map[string]any, len(in))
		for k, v := range in {
			out[k] = v
		}
		return out
	}
	var out map[string]any
	_ = json.Unmarshal(b, &out)
	return out
}
