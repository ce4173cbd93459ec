package kv

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exerciseStore runs the shared contract every backend must satisfy.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(ctx, "a", []byte(`{"v":1}`)))
	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, string(got))

	require.NoError(t, s.Set(ctx, "a", []byte(`{"v":2}`)))
	got, err = s.Get(ctx, "a")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":2}`, string(got), "last writer wins")

	require.NoError(t, s.Delete(ctx, "a"))
	_, err = s.Get(ctx, "a")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Delete(ctx, "never-existed"))
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStore_CopiesValues(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	buf := []byte("abc")
	require.NoError(t, s.Set(ctx, "k", buf))
	buf[0] = 'z'
	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))
}

func TestSQLiteStore(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	s := NewSQLiteStore(db)
	require.NoError(t, s.Init(context.Background()))
	defer func() { _ = s.Close() }()

	exerciseStore(t, s)
}

func TestRedisStore(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStore(client, "test:")
	defer func() { _ = s.Close() }()

	exerciseStore(t, s)

	require.NoError(t, s.Set(context.Background(), "k", []byte("v")))
	assert.True(t, mr.Exists("test:k"), "keys are namespaced by prefix")
}

func TestBadgerStore(t *testing.T) {
	s, err := OpenBadger(BadgerConfig{InMemory: true})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	exerciseStore(t, s)
}

func TestOpenBadger_RequiresPath(t *testing.T) {
	_, err := OpenBadger(BadgerConfig{})
	require.Error(t, err)
}

func TestOpen_Memory(t *testing.T) {
	s, err := Open(context.Background(), Config{Backend: BackendMemory}, nil)
	require.NoError(t, err)
	_, ok := s.(*MemoryStore)
	assert.True(t, ok)
}

func TestOpen_UnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), Config{Backend: "etcd"}, nil)
	require.Error(t, err)
}

func TestSQLStore_PlaceholderRewrite(t *testing.T) {
	s := &SQLStore{dialect: DialectSQLite}
	assert.Equal(t, "SELECT ? AND ?", s.q("SELECT $1 AND $12"))

	pg := &SQLStore{dialect: DialectPostgres}
	assert.Equal(t, "SELECT $1", pg.q("SELECT $1"))
}

type counter struct {
	N int `json:"n"`
}

func TestDocument_UpdateSerializes(t *testing.T) {
	doc := NewDocument[counter](NewMemoryStore(), "counter")
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = doc.Update(ctx, func(c *counter) error {
				c.N++
				return nil
			})
		}()
	}
	wg.Wait()

	got, err := doc.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 50, got.N)
}

func TestDocument_UpdateErrorDoesNotWrite(t *testing.T) {
	store := NewMemoryStore()
	doc := NewDocument[counter](store, "c")
	ctx := context.Background()

	err := doc.Update(ctx, func(c *counter) error {
		c.N = 9
		return fmt.Errorf("abort")
	})
	require.Error(t, err)
	assert.Equal(t, 0, store.Len())
}

func TestDocument_LoadMissingIsZero(t *testing.T) {
	doc := NewDocument[map[string]int](NewMemoryStore(), "m")
	got, err := doc.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, got)
}
