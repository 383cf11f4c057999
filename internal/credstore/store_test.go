// ABOUTME: Contract tests run against every credential Store backend
// ABOUTME: Covers load/persist, key upsert and delete, tenant isolation, and Clear

package credstore

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "creds.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// newTestRedisStore connects to REDIS_ADDR or skips.
func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		t.Skipf("redis not reachable at %s: %v", addr, err)
	}

	s, err := NewRedisStore(RedisConfig{Client: client, KeyPrefix: "coven:wa:test:" + t.Name() + ":"})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func backends(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"sqlite": func(t *testing.T) Store { return newTestSQLiteStore(t) },
		"redis":  func(t *testing.T) Store { return newTestRedisStore(t) },
		"sealed": func(t *testing.T) Store {
			s, err := NewSealer(NewMemoryStore(), []byte("0123456789abcdef0123"))
			require.NoError(t, err)
			return s
		},
	}
}

func TestStoreContract(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("LoadMissing", func(t *testing.T) {
				s := open(t)
				_, err := s.Load(context.Background(), "clinicA")
				assert.ErrorIs(t, err, ErrNotFound)
			})

			t.Run("PersistThenLoad", func(t *testing.T) {
				s := open(t)
				ctx := context.Background()

				require.NoError(t, s.Persist(ctx, "clinicA", []byte(`{"jid":"1"}`)))
				require.NoError(t, s.Persist(ctx, "clinicA", []byte(`{"jid":"2"}`)))

				got, err := s.Load(ctx, "clinicA")
				require.NoError(t, err)
				assert.Equal(t, []byte(`{"jid":"2"}`), got.Data)
				assert.False(t, got.UpdatedAt.IsZero())
			})

			t.Run("KeysUpsertAndDelete", func(t *testing.T) {
				s := open(t)
				ctx := context.Background()

				require.NoError(t, s.SetKeys(ctx, "clinicA", Keys{
					"pre-key": {"1": []byte("a"), "2": []byte("b")},
					"alias":   {"lid@x": []byte("123@y")},
				}))
				require.NoError(t, s.SetKeys(ctx, "clinicA", Keys{
					"pre-key": {"1": nil, "2": []byte("b2")},
				}))

				_, err := s.GetKey(ctx, "clinicA", "pre-key", "1")
				assert.ErrorIs(t, err, ErrNotFound)

				got, err := s.GetKey(ctx, "clinicA", "pre-key", "2")
				require.NoError(t, err)
				assert.Equal(t, []byte("b2"), got)

				got, err = s.GetKey(ctx, "clinicA", "alias", "lid@x")
				require.NoError(t, err)
				assert.Equal(t, []byte("123@y"), got)
			})

			t.Run("TenantsAreIsolated", func(t *testing.T) {
				s := open(t)
				ctx := context.Background()

				require.NoError(t, s.Persist(ctx, "clinicA", []byte("a")))
				require.NoError(t, s.SetKeys(ctx, "clinicA", Keys{"k": {"1": []byte("a")}}))

				_, err := s.Load(ctx, "clinicB")
				assert.ErrorIs(t, err, ErrNotFound)
				_, err = s.GetKey(ctx, "clinicB", "k", "1")
				assert.ErrorIs(t, err, ErrNotFound)
			})

			t.Run("ClearRemovesEverything", func(t *testing.T) {
				s := open(t)
				ctx := context.Background()

				require.NoError(t, s.Persist(ctx, "clinicA", []byte("a")))
				require.NoError(t, s.SetKeys(ctx, "clinicA", Keys{"k": {"1": []byte("a")}}))
				require.NoError(t, s.Persist(ctx, "clinicB", []byte("b")))

				require.NoError(t, s.Clear(ctx, "clinicA"))

				_, err := s.Load(ctx, "clinicA")
				assert.ErrorIs(t, err, ErrNotFound)
				_, err = s.GetKey(ctx, "clinicA", "k", "1")
				assert.ErrorIs(t, err, ErrNotFound)

				got, err := s.Load(ctx, "clinicB")
				require.NoError(t, err)
				assert.Equal(t, []byte("b"), got.Data)
			})

			t.Run("ClearUnknownTenant", func(t *testing.T) {
				s := open(t)
				assert.NoError(t, s.Clear(context.Background(), "never-seen"))
			})

			t.Run("Ping", func(t *testing.T) {
				s := open(t)
				assert.NoError(t, s.Ping(context.Background()))
			})
		})
	}
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "creds.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "database file should exist")
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "creds.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Persist(ctx, "clinicA", []byte("paired")))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Load(ctx, "clinicA")
	require.NoError(t, err)
	assert.Equal(t, []byte("paired"), got.Data)
}

func TestSQLiteStore_InMemory(t *testing.T) {
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Persist(ctx, "clinicA", []byte("x")))
	got, err := s.Load(ctx, "clinicA")
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), got.Data)
}

func TestNewRedisStore_RequiresClient(t *testing.T) {
	_, err := NewRedisStore(RedisConfig{})
	assert.Error(t, err)
}

func TestMemoryStore_CopiesData(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	data := []byte("abc")
	require.NoError(t, s.Persist(ctx, "clinicA", data))
	data[0] = 'z'

	got, err := s.Load(ctx, "clinicA")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), got.Data)
}

func TestHandle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	h := NewHandle(s, "clinicA", slog.Default())

	assert.Equal(t, "clinicA", h.Tenant())
	assert.True(t, h.Load(ctx).IsZero(), "missing record yields a fresh identity")

	require.NoError(t, h.Persist(ctx, []byte("creds")))
	assert.Equal(t, []byte("creds"), h.Load(ctx).Data)

	_, ok, err := h.Key(ctx, "alias", "x")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, h.SetKeys(ctx, Keys{"alias": {"x": []byte("y")}}))
	data, ok, err := h.Key(ctx, "alias", "x")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("y"), data)

	require.NoError(t, h.Clear(ctx))
	assert.True(t, h.Load(ctx).IsZero())
}

func TestHandle_LoadFallsBackOnCorruption(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryStore()
	require.NoError(t, inner.Persist(ctx, "clinicA", []byte("not sealed")))

	sealed, err := NewSealer(inner, []byte("0123456789abcdef"))
	require.NoError(t, err)

	h := NewHandle(sealed, "clinicA", slog.Default())
	assert.True(t, h.Load(ctx).IsZero(), "unreadable record should not fail the connection")
}
