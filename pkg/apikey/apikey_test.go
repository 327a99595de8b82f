package apikey

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T, ttl time.Duration) *Store {
	t.Helper()
	store, err := NewStore(NewStoreOpts(filepath.Join(t.TempDir(), "keys.db"), ttl, 7*24*time.Hour), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestCreateAndCheck(t *testing.T) {
	store := newTestStore(t, 15*24*time.Hour)
	ctx := context.Background()

	key, err := store.Create(ctx, "alice", false)
	require.NoError(t, err)
	require.NotEmpty(t, key.APIKey)
	require.True(t, key.IsActive)
	require.False(t, key.NeverExpire)
	require.WithinDuration(t, time.Now().Add(15*24*time.Hour), key.ExpirationDate, time.Minute)

	valid, err := store.Check(ctx, key.APIKey)
	require.NoError(t, err)
	require.True(t, valid)

	valid, err = store.Check(ctx, "unknown-key")
	require.NoError(t, err)
	require.False(t, valid)

	valid, err = store.Check(ctx, "")
	require.NoError(t, err)
	require.False(t, valid)
}

func TestCheckCountsQueries(t *testing.T) {
	store := newTestStore(t, 15*24*time.Hour)
	ctx := context.Background()

	key, err := store.Create(ctx, "alice", false)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		valid, err := store.Check(ctx, key.APIKey)
		require.NoError(t, err)
		require.True(t, valid)
	}

	got, err := store.Get(ctx, key.APIKey)
	require.NoError(t, err)
	require.Equal(t, int64(3), got.TotalQueries)
	require.WithinDuration(t, time.Now(), got.LatestQuery, time.Minute)
}

func TestCheckDeactivatesExpiredKey(t *testing.T) {
	// 1ns TTL: the key is expired the moment it's created
	store := newTestStore(t, time.Nanosecond)
	ctx := context.Background()

	key, err := store.Create(ctx, "bob", false)
	require.NoError(t, err)

	valid, err := store.Check(ctx, key.APIKey)
	require.NoError(t, err)
	require.False(t, valid)

	got, err := store.Get(ctx, key.APIKey)
	require.NoError(t, err)
	require.False(t, got.IsActive)
	// The failed check isn't counted
	require.Zero(t, got.TotalQueries)
}

func TestNeverExpireKeySurvives(t *testing.T) {
	store := newTestStore(t, time.Nanosecond)
	ctx := context.Background()

	key, err := store.Create(ctx, "service", true)
	require.NoError(t, err)
	require.True(t, key.NeverExpire)
	require.True(t, key.ExpirationDate.IsZero())

	valid, err := store.Check(ctx, key.APIKey)
	require.NoError(t, err)
	require.True(t, valid)
}

func TestRenewReactivates(t *testing.T) {
	store := newTestStore(t, time.Nanosecond)
	ctx := context.Background()

	key, err := store.Create(ctx, "carol", false)
	require.NoError(t, err)
	valid, err := store.Check(ctx, key.APIKey)
	require.NoError(t, err)
	require.False(t, valid)

	renewed, err := store.Renew(ctx, key.APIKey)
	require.NoError(t, err)
	require.True(t, renewed.IsActive)

	_, err = store.Renew(ctx, "unknown-key")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRevokeAndDelete(t *testing.T) {
	store := newTestStore(t, 15*24*time.Hour)
	ctx := context.Background()

	key, err := store.Create(ctx, "dave", false)
	require.NoError(t, err)

	require.NoError(t, store.Revoke(ctx, key.APIKey))
	valid, err := store.Check(ctx, key.APIKey)
	require.NoError(t, err)
	require.False(t, valid)

	require.NoError(t, store.Delete(ctx, key.APIKey))
	_, err = store.Get(ctx, key.APIKey)
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, store.Delete(ctx, key.APIKey), ErrNotFound)
}

func TestListAndSweep(t *testing.T) {
	store := newTestStore(t, time.Nanosecond)
	ctx := context.Background()

	_, err := store.Create(ctx, "expired", false)
	require.NoError(t, err)
	forever, err := store.Create(ctx, "forever", true)
	require.NoError(t, err)

	keys, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 2)

	// Within the grace window nothing is swept
	deleted, err := store.DeleteExpired(ctx)
	require.NoError(t, err)
	require.Zero(t, deleted)

	deleted, err = store.DeleteExpiredBefore(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), deleted)

	keys, err = store.List(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	require.Equal(t, forever.APIKey, keys[0].APIKey)
}
