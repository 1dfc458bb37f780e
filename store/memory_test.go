package store

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryKVSetGetDel(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()

	_, err := kv.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, kv.Set(ctx, "a", "1", 0))
	v, err := kv.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, "1", v)

	require.NoError(t, kv.Del(ctx, "a", "missing"))
	_, err = kv.Get(ctx, "a")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryKVTTL(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()

	now := time.Unix(1_700_000_000, 0)
	kv.SetClock(func() time.Time { return now })

	require.NoError(t, kv.Set(ctx, "a", "1", time.Minute))

	now = now.Add(59 * time.Second)
	_, err := kv.Get(ctx, "a")
	require.NoError(t, err)

	now = now.Add(2 * time.Second)
	_, err = kv.Get(ctx, "a")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryKVSetNX(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()

	ok, err := kv.SetNX(ctx, "lock", "w1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = kv.SetNX(ctx, "lock", "w2", time.Minute)
	require.NoError(t, err)
	require.False(t, ok, "second SetNX must not acquire")

	v, err := kv.Get(ctx, "lock")
	require.NoError(t, err)
	require.Equal(t, "w1", v, "holder value must be preserved")
}

func TestMemoryKVSetNXExpiry(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()

	now := time.Unix(1_700_000_000, 0)
	kv.SetClock(func() time.Time { return now })

	ok, _ := kv.SetNX(ctx, "lock", "w1", 30*time.Second)
	require.True(t, ok)

	// After the TTL an orphaned lock is reacquirable.
	now = now.Add(31 * time.Second)
	ok, _ = kv.SetNX(ctx, "lock", "w2", 30*time.Second)
	require.True(t, ok)
}

func TestMemoryKVSetNXMutualExclusion(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()

	const workers = 32
	var wg sync.WaitGroup
	acquired := make(chan int, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			ok, err := kv.SetNX(ctx, "bundle:lock", fmt.Sprint(id), time.Minute)
			require.NoError(t, err)
			if ok {
				acquired <- id
			}
		}(i)
	}
	wg.Wait()
	close(acquired)

	require.Len(t, drain(acquired), 1, "exactly one worker may hold the lock")
}

func drain(ch chan int) []int {
	var out []int
	for v := range ch {
		out = append(out, v)
	}
	return out
}

func TestMemoryKVKeys(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()

	require.NoError(t, kv.Set(ctx, "mempool:0xaa", "1", 0))
	require.NoError(t, kv.Set(ctx, "mempool:0xbb", "2", 0))
	require.NoError(t, kv.Set(ctx, "senderNonce:0xcc:0", "3", 0))

	keys, err := kv.Keys(ctx, "mempool:*")
	require.NoError(t, err)
	require.Equal(t, []string{"mempool:0xaa", "mempool:0xbb"}, keys)
}

func TestMemoryKVZSet(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()

	require.NoError(t, kv.ZAdd(ctx, "idx", 3, "c"))
	require.NoError(t, kv.ZAdd(ctx, "idx", 1, "a"))
	require.NoError(t, kv.ZAdd(ctx, "idx", 2, "b"))

	n, err := kv.ZCard(ctx, "idx")
	require.NoError(t, err)
	require.Equal(t, int64(3), n)

	members, err := kv.ZRangeByScore(ctx, "idx", math.Inf(-1), math.Inf(1), -1)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, members)

	members, err = kv.ZRangeByScore(ctx, "idx", 2, 3, 1)
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, members)

	require.NoError(t, kv.ZRem(ctx, "idx", "b"))
	n, _ = kv.ZCard(ctx, "idx")
	require.Equal(t, int64(2), n)
}

func TestMemoryKVDelIfEqual(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()

	require.NoError(t, kv.Set(ctx, "bundle:lock", "w1", time.Minute))

	ok, err := kv.DelIfEqual(ctx, "bundle:lock", "w2")
	require.NoError(t, err)
	require.False(t, ok, "a non-owner must not release the lock")

	v, err := kv.Get(ctx, "bundle:lock")
	require.NoError(t, err)
	require.Equal(t, "w1", v)

	ok, err = kv.DelIfEqual(ctx, "bundle:lock", "w1")
	require.NoError(t, err)
	require.True(t, ok)

	_, err = kv.Get(ctx, "bundle:lock")
	require.ErrorIs(t, err, ErrNotFound)

	ok, err = kv.DelIfEqual(ctx, "bundle:lock", "w1")
	require.NoError(t, err)
	require.False(t, ok, "deleting an absent key reports no ownership")
}
