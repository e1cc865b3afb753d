package lock

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestMutexExclusion(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	first := NewMutex(client, "scheduler:lock", time.Minute)
	second := NewMutex(client, "scheduler:lock", time.Minute)

	ok, err := first.TryAcquire(ctx, 0)
	require.NoError(t, err)
	require.True(t, ok)

	// Second contender gives up after its wait window with no error.
	ok, err = second.TryAcquire(ctx, 300*time.Millisecond)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, first.Release(ctx))

	ok, err = second.TryAcquire(ctx, 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, second.Release(ctx))
}

func TestMutexReleaseOnlyOwnToken(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	holder := NewMutex(client, "scheduler:lock", time.Minute)
	ok, err := holder.TryAcquire(ctx, 0)
	require.NoError(t, err)
	require.True(t, ok)

	// A mutex that never acquired must not free someone else's lock.
	stranger := NewMutex(client, "scheduler:lock", time.Minute)
	require.NoError(t, stranger.Release(ctx))

	ok, err = stranger.TryAcquire(ctx, 0)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, holder.Release(ctx))
}

func TestMutexReacquireAfterRelease(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	m := NewMutex(client, "scheduler:lock", time.Minute)
	for i := 0; i < 3; i++ {
		ok, err := m.TryAcquire(ctx, 0)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, m.Release(ctx))
	}
}
