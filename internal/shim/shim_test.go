package shim

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/danmuck/labctl/internal/testutil/testlog"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const addr = "192.168.1.40:13000"

var now = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func passing(at time.Time) Record {
	return Record{
		Timestamp:    at,
		LineWidth50:  0.42,
		LineWidth055: 11.5,
		Threshold50:  1.0,
		Threshold055: 20.0,
		Passed:       true,
	}
}

func stores(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := OpenSQLite(filepath.Join(t.TempDir(), "shim.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sq.Close() })

	mr := miniredis.RunT(t)
	rs := NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "")
	t.Cleanup(func() { _ = rs.Close() })

	return map[string]Store{
		"file":   NewFileStore(filepath.Join(t.TempDir(), "nested", "shim.toml")),
		"sqlite": sq,
		"redis":  rs,
	}
}

func TestValidityBoundary(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			cache := NewCache(store, WithNow(func() time.Time { return now }))

			require.NoError(t, cache.Save(ctx, addr, passing(now.Add(-24*time.Hour-time.Second))))
			assert.False(t, cache.IsValid(ctx, addr))

			require.NoError(t, cache.Save(ctx, addr, passing(now.Add(-23*time.Hour-59*time.Minute))))
			assert.True(t, cache.IsValid(ctx, addr))
		})
	}
}

func TestStoresRoundTripPerAddress(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Load(ctx, addr)
			require.ErrorIs(t, err, ErrNotFound)

			want := passing(now)
			require.NoError(t, store.Save(ctx, addr, want))
			other := passing(now.Add(-time.Hour))
			other.Passed = false
			require.NoError(t, store.Save(ctx, "10.0.0.2:13000", other))

			got, err := store.Load(ctx, addr)
			require.NoError(t, err)
			assert.True(t, want.Timestamp.Equal(got.Timestamp))
			assert.Equal(t, want.LineWidth50, got.LineWidth50)
			assert.Equal(t, want.LineWidth055, got.LineWidth055)
			assert.Equal(t, want.Threshold055, got.Threshold055)
			assert.True(t, got.Passed)

			got, err = store.Load(ctx, "10.0.0.2:13000")
			require.NoError(t, err)
			assert.False(t, got.Passed)
		})
	}
}

func TestCheckExplainsFailure(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	cache := NewCache(NewFileStore(filepath.Join(t.TempDir(), "shim.toml")), WithNow(func() time.Time { return now }))

	st, err := cache.Check(ctx, addr)
	require.NoError(t, err)
	assert.False(t, st.Valid)
	assert.Equal(t, "no shim record", st.Reason)

	failed := passing(now.Add(-time.Minute))
	failed.Passed = false
	require.NoError(t, cache.Save(ctx, addr, failed))
	st, err = cache.Check(ctx, addr)
	require.NoError(t, err)
	assert.False(t, st.Valid)
	assert.Equal(t, "last shim did not pass", st.Reason)

	require.NoError(t, cache.Save(ctx, addr, passing(now.Add(-25*time.Hour))))
	st, err = cache.Check(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, "shim record expired", st.Reason)
	require.NotNil(t, st.Record)
}

func TestValidityIsReevaluatedEachCall(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	clock := now
	cache := NewCache(NewFileStore(filepath.Join(t.TempDir(), "shim.toml")),
		WithNow(func() time.Time { return clock }),
		WithValidity(time.Hour))
	require.NoError(t, cache.Save(ctx, addr, passing(now)))
	assert.True(t, cache.IsValid(ctx, addr))

	clock = now.Add(time.Hour)
	assert.False(t, cache.IsValid(ctx, addr))
}

func TestSaveStampsMissingTimestamp(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	store := NewFileStore(filepath.Join(t.TempDir(), "shim.toml"))
	cache := NewCache(store, WithNow(func() time.Time { return now }))
	rec := passing(time.Time{})
	require.NoError(t, cache.Save(ctx, addr, rec))
	got, err := store.Load(ctx, addr)
	require.NoError(t, err)
	assert.True(t, now.Equal(got.Timestamp))
}

func TestOpenBackends(t *testing.T) {
	testlog.Start(t)
	s, err := Open(StoreConfig{Backend: "sqlite", Path: ":memory:"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(StoreConfig{Path: filepath.Join(t.TempDir(), "shim.toml")})
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	_, err = Open(StoreConfig{Backend: "etcd"})
	assert.ErrorIs(t, err, ErrUnknownBackend)
}
