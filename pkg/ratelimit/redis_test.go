package ratelimit_test

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diagnosis/labbooking/pkg/ratelimit"
)

func redisClient(t *testing.T) *redis.Client {
	t.Helper()
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("REDIS_TEST_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(context.Background()).Err())
	return client
}

func TestRedisStore_ConcurrentCheck(t *testing.T) {
	client := redisClient(t)
	store := ratelimit.NewRedisStore(client, "test:"+uuid.NewString()+":")
	l := ratelimit.New(store, map[string]ratelimit.Class{
		"api": {Window: time.Minute, Max: 20},
	})
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		allowed atomic.Int64
	)
	for i := 0; i < 60; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Check(ctx, "api", "shared") == nil {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(20), allowed.Load())
}

func TestRedisStore_RoundTrip(t *testing.T) {
	prefix := "test:" + uuid.NewString() + ":"
	client := redisClient(t)
	store := ratelimit.NewRedisStore(client, prefix)
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)

	_, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = store.Update(ctx, "k", func(cur ratelimit.Entry, exists bool) (ratelimit.Entry, bool) {
		assert.False(t, exists)
		return ratelimit.Entry{Count: 3, ResetAt: now.Add(time.Minute), BlockedUntil: now.Add(time.Hour)}, true
	})
	require.NoError(t, err)

	got, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3, got.Count)
	assert.True(t, got.ResetAt.Equal(now.Add(time.Minute)))
	assert.True(t, got.BlockedUntil.Equal(now.Add(time.Hour)))

	ttl, err := client.PTTL(ctx, prefix+"k").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 59*time.Minute)

	require.NoError(t, store.Delete(ctx, "k"))
	_, ok, err = store.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}
