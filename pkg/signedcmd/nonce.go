package signedcmd

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/franklyco/db-version-control-advanced-sub002/pkg/kv"
)

// DefaultMaxNonces bounds the kv nonce store.
const DefaultMaxNonces = 5000

// NonceStore remembers nonces for 2×window.
type NonceStore interface {
	// Record stores nonce seen at ts. It reports false when the nonce is
	// already known.
	Record(ctx context.Context, nonce string, ts, now time.Time) (bool, error)
	// Prune drops nonces older than the retention and returns how many went.
	Prune(ctx context.Context, now time.Time) (int, error)
}

// KVNonceStore keeps nonce → unix timestamp in one kv document. Entries older
// than the retention are pruned on every write and the map never grows past
// its bound; the oldest entries are evicted first.
type KVNonceStore struct {
	doc       *kv.Document[map[string]int64]
	retention time.Duration
	max       int
}

// NewKVNonceStore keeps nonces for twice the signature window. max <= 0
// means DefaultMaxNonces.
func NewKVNonceStore(store kv.Store, window time.Duration, max int) *KVNonceStore {
	if max <= 0 {
		max = DefaultMaxNonces
	}
	return &KVNonceStore{
		doc:       kv.NewDocument[map[string]int64](store, "signed_command_nonces"),
		retention: 2 * window,
		max:       max,
	}
}

// Record stores nonce and reports whether it was unseen.
func (s *KVNonceStore) Record(ctx context.Context, nonce string, ts, now time.Time) (bool, error) {
	fresh := false
	err := s.doc.Update(ctx, func(all *map[string]int64) error {
		if *all == nil {
			*all = make(map[string]int64)
		}
		s.prune(*all, now)
		if _, seen := (*all)[nonce]; seen {
			return nil
		}
		(*all)[nonce] = ts.Unix()
		s.bound(*all)
		fresh = true
		return nil
	})
	return fresh, err
}

// Prune drops nonces older than the retention and returns how many it removed.
func (s *KVNonceStore) Prune(ctx context.Context, now time.Time) (int, error) {
	n := 0
	err := s.doc.Update(ctx, func(all *map[string]int64) error {
		if *all == nil {
			*all = make(map[string]int64)
		}
		n = s.prune(*all, now)
		return nil
	})
	return n, err
}

// Len returns the number of remembered nonces.
func (s *KVNonceStore) Len(ctx context.Context) (int, error) {
	all, err := s.doc.Load(ctx)
	return len(all), err
}

func (s *KVNonceStore) prune(all map[string]int64, now time.Time) int {
	cutoff := now.Add(-s.retention).Unix()
	n := 0
	for k, ts := range all {
		if ts < cutoff {
			delete(all, k)
			n++
		}
	}
	return n
}

func (s *KVNonceStore) bound(all map[string]int64) {
	over := len(all) - s.max
	if over <= 0 {
		return
	}
	type entry struct {
		nonce string
		ts    int64
	}
	entries := make([]entry, 0, len(all))
	for k, ts := range all {
		entries = append(entries, entry{k, ts})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].ts != entries[j].ts {
			return entries[i].ts < entries[j].ts
		}
		return entries[i].nonce < entries[j].nonce
	})
	for _, e := range entries[:over] {
		delete(all, e.nonce)
	}
}

// RedisNonceStore records nonces with SETNX and lets redis expire them.
type RedisNonceStore struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
}

// NewRedisNonceStore stores nonces under prefix; an empty prefix means
// "dbvc:nonce:".
func NewRedisNonceStore(client *redis.Client, prefix string, window time.Duration) *RedisNonceStore {
	if prefix == "" {
		prefix = "dbvc:nonce:"
	}
	return &RedisNonceStore{client: client, prefix: prefix, retention: 2 * window}
}

func (s *RedisNonceStore) Record(ctx context.Context, nonce string, ts, _ time.Time) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.prefix+nonce, ts.Unix(), s.retention).Result()
	if err != nil {
		return false, fmt.Errorf("signedcmd: redis setnx: %w", err)
	}
	return ok, nil
}

// Prune is a no-op; keys carry a TTL.
func (s *RedisNonceStore) Prune(context.Context, time.Time) (int, error) { return 0, nil }
