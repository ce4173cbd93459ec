// Package idempotency remembers the first successful response of a mutating
// operation per (scope, key) so a retried call replays it instead of acting
// twice.
package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/franklyco/db-version-control-advanced-sub002/pkg/kv"
)

// DefaultMaxPerScope bounds the records kept for one scope.
const DefaultMaxPerScope = 200

// Record is one remembered response.
type Record struct {
	Key      string          `json:"key"`
	StoredAt time.Time       `json:"stored_at"`
	Response json.RawMessage `json:"response"`
}

// Cache stores records in the kv store, one document per scope.
type Cache struct {
	store  kv.Store
	max    int
	clock  func() time.Time
	logger *slog.Logger
	flight singleflight.Group

	mu   sync.Mutex
	docs map[string]*kv.Document[[]Record]
}

// Option configures a Cache.
type Option func(*Cache)

// WithMaxPerScope overrides DefaultMaxPerScope.
func WithMaxPerScope(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.max = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(c *Cache) { c.clock = clock }
}

// WithLogger sets the logger used for records that could not be stored.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// NewCache returns a cache persisting its records in store.
func NewCache(store kv.Store, opts ...Option) *Cache {
	c := &Cache{
		store:  store,
		max:    DefaultMaxPerScope,
		clock:  time.Now,
		logger: slog.Default(),
		docs:   make(map[string]*kv.Document[[]Record]),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Cache) doc(scope string) *kv.Document[[]Record] {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.docs[scope]
	if !ok {
		d = kv.NewDocument[[]Record](c.store, "idempotency:"+scope)
		c.docs[scope] = d
	}
	return d
}

// Lookup returns the stored response for (scope, key).
func (c *Cache) Lookup(ctx context.Context, scope, key string) (json.RawMessage, bool, error) {
	if key == "" {
		return nil, false, nil
	}
	var (
		found json.RawMessage
		ok    bool
	)
	err := c.doc(scope).View(ctx, func(records []Record) error {
		for _, r := range records {
			if r.Key == key {
				found, ok = r.Response, true
				return nil
			}
		}
		return nil
	})
	return found, ok, err
}

// Remember stores response for (scope, key). An existing record is kept: the
// first response wins. The oldest records beyond the scope bound are evicted.
func (c *Cache) Remember(ctx context.Context, scope, key string, response any) error {
	if key == "" {
		return nil
	}
	raw, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("idempotency: encode response: %w", err)
	}
	return c.doc(scope).Update(ctx, func(records *[]Record) error {
		for _, r := range *records {
			if r.Key == key {
				return nil
			}
		}
		*records = append(*records, Record{Key: key, StoredAt: c.clock().UTC(), Response: raw})
		if over := len(*records) - c.max; over > 0 {
			*records = append([]Record(nil), (*records)[over:]...)
		}
		return nil
	})
}

// Len returns the number of records held for scope.
func (c *Cache) Len(ctx context.Context, scope string) (int, error) {
	records, err := c.doc(scope).Load(ctx)
	return len(records), err
}

type outcome[T any] struct {
	value    T
	replayed bool
}

// Do runs fn at most once per (scope, key). A replay decodes the stored
// response into T and reports replayed=true. Failed calls are not
// remembered. An empty key always runs fn.
//
// Once fn has succeeded its result is returned even if it cannot be stored;
// the mutation already happened and reporting it as failed would invite a
// retry that runs fn again.
func Do[T any](ctx context.Context, c *Cache, scope, key string, fn func() (T, error)) (T, bool, error) {
	if key == "" || c == nil {
		v, err := fn()
		return v, false, err
	}

	res, err, _ := c.flight.Do(scope+"\x00"+key, func() (any, error) {
		raw, ok, err := c.Lookup(ctx, scope, key)
		if err != nil {
			return nil, err
		}
		if ok {
			var v T
			if err := json.Unmarshal(raw, &v); err != nil {
				return nil, fmt.Errorf("idempotency: decode stored response: %w", err)
			}
			return outcome[T]{value: v, replayed: true}, nil
		}

		v, err := fn()
		if err != nil {
			return nil, err
		}
		if err := c.Remember(ctx, scope, key, v); err != nil {
			c.logger.ErrorContext(ctx, "idempotency record not stored", "scope", scope, "key", key, "error", err)
		}
		return outcome[T]{value: v}, nil
	})
	if err != nil {
		var zero T
		return zero, false, err
	}
	out := res.(outcome[T])
	return out.value, out.replayed, nil
}
