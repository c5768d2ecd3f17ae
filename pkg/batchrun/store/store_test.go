package store_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/batchrun/pkg/batchrun/store"
)

// storeFactory creates a store instance for testing.
type storeFactory func(t *testing.T) store.Store

// storeContractTest runs contract tests against any Store implementation.
func storeContractTest(t *testing.T, name string, factory storeFactory) {
	ctx := context.Background()

	t.Run(name+"/Set_and_Get", func(t *testing.T) {
		s := factory(t)
		defer s.Close()

		data := []byte(`{"key": "value"}`)
		require.NoError(t, s.Set(ctx, "checkpoint:1", data))

		loaded, err := s.Get(ctx, "checkpoint:1")
		require.NoError(t, err)
		assert.Equal(t, data, loaded)
	})

	t.Run(name+"/Get_NotFound", func(t *testing.T) {
		s := factory(t)
		defer s.Close()

		_, err := s.Get(ctx, "checkpoint:404")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run(name+"/Set_Overwrite", func(t *testing.T) {
		s := factory(t)
		defer s.Close()

		require.NoError(t, s.Set(ctx, "settings", []byte("first")))
		require.NoError(t, s.Set(ctx, "settings", []byte("second")))

		loaded, err := s.Get(ctx, "settings")
		require.NoError(t, err)
		assert.Equal(t, []byte("second"), loaded)
	})

	t.Run(name+"/Delete", func(t *testing.T) {
		s := factory(t)
		defer s.Close()

		require.NoError(t, s.Set(ctx, "checkpoint:2", []byte("x")))
		require.NoError(t, s.Delete(ctx, "checkpoint:2"))

		_, err := s.Get(ctx, "checkpoint:2")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run(name+"/Delete_Missing", func(t *testing.T) {
		s := factory(t)
		defer s.Close()

		assert.NoError(t, s.Delete(ctx, "checkpoint:missing"))
	})

	t.Run(name+"/ListKeys_Prefix", func(t *testing.T) {
		s := factory(t)
		defer s.Close()

		require.NoError(t, s.Set(ctx, "checkpoint:2", []byte("b")))
		require.NoError(t, s.Set(ctx, "checkpoint:1", []byte("a")))
		require.NoError(t, s.Set(ctx, "resultsBuffer:1", []byte("r")))
		require.NoError(t, s.Set(ctx, "settings", []byte("s")))

		keys, err := s.ListKeys(ctx, "checkpoint:")
		require.NoError(t, err)
		assert.Equal(t, []string{"checkpoint:1", "checkpoint:2"}, keys)

		all, err := s.ListKeys(ctx, "")
		require.NoError(t, err)
		assert.Len(t, all, 4)
	})

	t.Run(name+"/ListKeys_Empty", func(t *testing.T) {
		s := factory(t)
		defer s.Close()

		keys, err := s.ListKeys(ctx, "nothing:")
		require.NoError(t, err)
		assert.Empty(t, keys)
	})

	t.Run(name+"/Closed", func(t *testing.T) {
		s := factory(t)
		require.NoError(t, s.Close())
		if _, isMem := s.(*store.MemoryStore); !isMem {
			if _, isSQLite := s.(*store.SQLiteStore); !isSQLite {
				t.Skip("caller-owned connection")
			}
		}
		_, err := s.Get(ctx, "settings")
		assert.ErrorIs(t, err, store.ErrStoreClosed)
	})
}

func TestMemoryStore_Contract(t *testing.T) {
	storeContractTest(t, "MemoryStore", func(t *testing.T) store.Store {
		return store.NewMemoryStore()
	})
}

func TestSQLiteStore_Contract(t *testing.T) {
	storeContractTest(t, "SQLiteStore", func(t *testing.T) store.Store {
		s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
		require.NoError(t, err)
		return s
	})
}

func TestRedisStore_Contract(t *testing.T) {
	addr := os.Getenv("BATCHRUN_REDIS_ADDR")
	if addr == "" {
		t.Skip("BATCHRUN_REDIS_ADDR not set")
	}

	storeContractTest(t, "RedisStore", func(t *testing.T) store.Store {
		client := redis.NewClient(&redis.Options{Addr: addr})
		t.Cleanup(func() { _ = client.Close() })

		// Unique namespace per subtest keeps runs isolated
		ns := "batchrun-test:" + t.Name() + ":"
		s := store.NewRedisStore(client, store.WithRedisNamespace(ns))
		require.NoError(t, s.Ping(context.Background()))
		t.Cleanup(func() {
			keys, _ := s.ListKeys(context.Background(), "")
			for _, k := range keys {
				_ = s.Delete(context.Background(), k)
			}
		})
		return s
	})
}

func TestPostgresStore_Contract(t *testing.T) {
	dsn := os.Getenv("BATCHRUN_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("BATCHRUN_POSTGRES_DSN not set")
	}

	storeContractTest(t, "PostgresStore", func(t *testing.T) store.Store {
		ctx := context.Background()
		s, err := store.OpenPostgresStore(ctx, store.PostgresConfig{DSN: dsn}, nil)
		require.NoError(t, err)
		keys, err := s.ListKeys(ctx, "")
		require.NoError(t, err)
		for _, k := range keys {
			require.NoError(t, s.Delete(ctx, k))
		}
		return s
	})
}

func TestSQLiteStore_Persistence(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	s1, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, s1.Set(ctx, "checkpoint:1", []byte("persistent")))
	require.NoError(t, s1.Close())

	// Reopening simulates a full process restart
	s2, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s2.Close()

	data, err := s2.Get(ctx, "checkpoint:1")
	require.NoError(t, err)
	assert.Equal(t, []byte("persistent"), data)
}

func TestSQLiteStore_InvalidPath(t *testing.T) {
	_, err := store.NewSQLiteStore("/nonexistent/path/db.sqlite")
	assert.Error(t, err)
}

func TestSQLiteStore_CloseIdempotent(t *testing.T) {
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)

	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())
}

func TestMemoryStore_CopiesValues(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	defer s.Close()

	buf := []byte("abc")
	require.NoError(t, s.Set(ctx, "k", buf))
	buf[0] = 'x'

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), got)

	got[1] = 'y'
	again, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), again)
}

func TestMemoryStore_Concurrent(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	defer s.Close()

	const numGoroutines = 50
	const numOps = 40

	var wg sync.WaitGroup
	wg.Add(numGoroutines)
	for i := 0; i < numGoroutines; i++ {
		go func(id int) {
			defer wg.Done()
			key := "checkpoint:" + string(rune('a'+id%26))
			for j := 0; j < numOps; j++ {
				switch j % 4 {
				case 0, 1:
					_ = s.Set(ctx, key, []byte("data"))
				case 2:
					_, _ = s.Get(ctx, key)
				case 3:
					_, _ = s.ListKeys(ctx, "checkpoint:")
				}
			}
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, s.Len(), 26)
}
