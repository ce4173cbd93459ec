package idempotency

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/franklyco/db-version-control-advanced-sub002/pkg/kv"
)

type createResponse struct {
	PackageID string `json:"package_id"`
	Channel   string `json:"channel"`
}

func TestDo_ReplaysFirstResponse(t *testing.T) {
	c := NewCache(kv.NewMemoryStore())
	ctx := context.Background()
	calls := 0

	first, replayed, err := Do(ctx, c, "packages.create", "K", func() (createResponse, error) {
		calls++
		return createResponse{PackageID: "p1", Channel: "canary"}, nil
	})
	require.NoError(t, err)
	assert.False(t, replayed)

	second, replayed, err := Do(ctx, c, "packages.create", "K", func() (createResponse, error) {
		calls++
		return createResponse{PackageID: "p2", Channel: "stable"}, nil
	})
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, first, second, "replay returns the first response regardless of the new body")
	assert.Equal(t, 1, calls)
}

func TestDo_ScopesAreIndependent(t *testing.T) {
	c := NewCache(kv.NewMemoryStore())
	ctx := context.Background()

	_, _, err := Do(ctx, c, "a", "K", func() (int, error) { return 1, nil })
	require.NoError(t, err)
	v, replayed, err := Do(ctx, c, "b", "K", func() (int, error) { return 2, nil })
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, 2, v)
}

func TestDo_ErrorsAreNotRemembered(t *testing.T) {
	c := NewCache(kv.NewMemoryStore())
	ctx := context.Background()

	_, _, err := Do(ctx, c, "s", "K", func() (int, error) { return 0, errors.New("transient") })
	require.Error(t, err)

	v, replayed, err := Do(ctx, c, "s", "K", func() (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, 7, v)
}

func TestDo_EmptyKeyAlwaysRuns(t *testing.T) {
	c := NewCache(kv.NewMemoryStore())
	calls := 0
	for i := 0; i < 3; i++ {
		_, replayed, err := Do(context.Background(), c, "s", "", func() (int, error) {
			calls++
			return calls, nil
		})
		require.NoError(t, err)
		assert.False(t, replayed)
	}
	assert.Equal(t, 3, calls)
}

func TestRemember_EvictsOldest(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewCache(kv.NewMemoryStore(), WithMaxPerScope(3), WithClock(func() time.Time {
		now = now.Add(time.Second)
		return now
	}))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, c.Remember(ctx, "s", fmt.Sprintf("k%d", i), i))
	}

	n, err := c.Len(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, ok, err := c.Lookup(ctx, "s", "k0")
	require.NoError(t, err)
	assert.False(t, ok, "oldest record evicted")

	raw, ok, err := c.Lookup(ctx, "s", "k4")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, "4", string(raw))
}

func TestDefaultBound(t *testing.T) {
	c := NewCache(kv.NewMemoryStore())
	ctx := context.Background()
	for i := 0; i < DefaultMaxPerScope+10; i++ {
		require.NoError(t, c.Remember(ctx, "s", fmt.Sprintf("k%d", i), i))
	}
	n, err := c.Len(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxPerScope, n)
}

type readOnlyStore struct{ kv.Store }

func (readOnlyStore) Set(context.Context, string, []byte) error {
	return errors.New("disk full")
}

func TestDo_ResultSurvivesStoreFailure(t *testing.T) {
	c := NewCache(readOnlyStore{kv.NewMemoryStore()})
	calls := 0
	v, replayed, err := Do(context.Background(), c, "s", "K", func() (int, error) {
		calls++
		return 9, nil
	})
	require.NoError(t, err, "the mutation happened, so the caller sees its result")
	assert.Equal(t, 9, v)
	assert.False(t, replayed)
	assert.Equal(t, 1, calls)
}
