package storage_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"finitefield.org/campus-portal/internal/portal/storage"
)

func exerciseArea(t *testing.T, area storage.Area) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := area.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, area.Set(ctx, "accessToken", "abc"))
	require.NoError(t, area.Set(ctx, "firstName", "Ana"))
	value, ok, err := area.Get(ctx, "accessToken")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "abc", value)

	keys, err := area.Keys(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"accessToken", "firstName"}, keys)

	require.NoError(t, area.Set(ctx, "firstName", ""))
	_, ok, err = area.Get(ctx, "firstName")
	require.NoError(t, err)
	require.False(t, ok, "empty value removes the key")

	require.NoError(t, area.Remove(ctx, "accessToken"))
	require.NoError(t, area.Remove(ctx, "accessToken"))

	require.NoError(t, area.Set(ctx, "a", "1"))
	require.NoError(t, area.Clear(ctx))
	keys, err = area.Keys(ctx)
	require.NoError(t, err)
	require.Empty(t, keys)
}

func receive(t *testing.T, ch <-chan storage.Change) storage.Change {
	t.Helper()
	select {
	case change := <-ch:
		return change
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for storage change")
		return storage.Change{}
	}
}

func TestMemoryArea(t *testing.T) {
	t.Parallel()
	exerciseArea(t, storage.NewMemory())
}

func TestMemoryWatchReportsChanges(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	area := storage.NewMemory()
	changes, err := area.Watch(ctx)
	require.NoError(t, err)

	require.NoError(t, area.Set(ctx, "accessToken", "abc"))
	change := receive(t, changes)
	require.Equal(t, storage.Change{Key: "accessToken", NewValue: "abc"}, change)

	require.NoError(t, area.Clear(ctx))
	change = receive(t, changes)
	require.Equal(t, "accessToken", change.Key)
	require.True(t, change.Removed())

	cancel()
	require.Eventually(t, func() bool {
		_, open := <-changes
		return !open
	}, time.Second, 10*time.Millisecond)
}

func TestFileArea(t *testing.T) {
	t.Parallel()

	area, err := storage.NewFile(filepath.Join(t.TempDir(), "nested", "storage.json"))
	require.NoError(t, err)
	exerciseArea(t, area)
}

func TestFileAreaSharedBetweenHandles(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "storage.json")
	first, err := storage.NewFile(path)
	require.NoError(t, err)
	second, err := storage.NewFile(path)
	require.NoError(t, err)

	require.NoError(t, first.Set(ctx, "accessToken", "abc"))
	value, ok, err := second.Get(ctx, "accessToken")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "abc", value)
}

func TestFileHandlesDoNotLoseUpdates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "storage.json")
	handles := make([]*storage.File, 2)
	for i := range handles {
		h, err := storage.NewFile(path)
		require.NoError(t, err)
		handles[i] = h
	}

	const perHandle = 20
	errs := make(chan error, len(handles)*perHandle)
	var wg sync.WaitGroup
	for i, h := range handles {
		wg.Add(1)
		go func(i int, h *storage.File) {
			defer wg.Done()
			for n := 0; n < perHandle; n++ {
				errs <- h.Set(ctx, fmt.Sprintf("k%d-%d", i, n), "v")
			}
		}(i, h)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	for i := range handles {
		for n := 0; n < perHandle; n++ {
			_, ok, err := handles[0].Get(ctx, fmt.Sprintf("k%d-%d", i, n))
			require.NoError(t, err)
			require.True(t, ok, "k%d-%d", i, n)
		}
	}
}

func TestFileWatchSeesOtherHandleRemoval(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	path := filepath.Join(t.TempDir(), "storage.json")
	watched, err := storage.NewFile(path)
	require.NoError(t, err)
	other, err := storage.NewFile(path)
	require.NoError(t, err)
	require.NoError(t, watched.Set(ctx, "accessToken", "abc"))

	changes, err := watched.Watch(ctx)
	require.NoError(t, err)

	require.NoError(t, other.Remove(ctx, "accessToken"))
	change := receive(t, changes)
	require.Equal(t, "accessToken", change.Key)
	require.Equal(t, "abc", change.OldValue)
	require.True(t, change.Removed())
}

func newRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisArea(t *testing.T) {
	t.Parallel()

	area, err := storage.NewRedis(newRedisClient(t), "browser-1", nil)
	require.NoError(t, err)
	exerciseArea(t, area)
}

func TestRedisAreaRequiresNamespace(t *testing.T) {
	t.Parallel()

	_, err := storage.NewRedis(newRedisClient(t), "", nil)
	require.Error(t, err)
}

func TestRedisWatchAcrossReplicas(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := newRedisClient(t)
	replicaA, err := storage.NewRedis(client, "browser-1", nil)
	require.NoError(t, err)
	replicaB, err := storage.NewRedis(client, "browser-1", nil)
	require.NoError(t, err)

	changes, err := replicaA.Watch(ctx)
	require.NoError(t, err)

	require.NoError(t, replicaB.Set(ctx, "accessToken", "abc"))
	change := receive(t, changes)
	require.Equal(t, storage.Change{Key: "accessToken", NewValue: "abc"}, change)

	require.NoError(t, replicaB.Clear(ctx))
	change = receive(t, changes)
	require.True(t, change.Removed())
}
