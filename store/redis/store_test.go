package redis_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krishna-kudari/searchgate/store"
	redisstore "github.com/krishna-kudari/searchgate/store/redis"
)

// newStore connects to the Redis at REDIS_ADDR (default localhost:6379)
// and skips the test when none is running.
func newStore(t *testing.T) *redisstore.Store {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := goredis.NewClient(&goredis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		t.Skipf("redis not available at %s: %v", addr, err)
	}

	s := redisstore.New(client)
	t.Cleanup(func() { s.Close() })
	return s
}

func key(t *testing.T, name string) string {
	return fmt.Sprintf("searchgate:test:%s:%s:%d", t.Name(), name, time.Now().UnixNano())
}

func TestRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	k := key(t, "k")

	_, err := s.Get(ctx, k)
	require.True(t, store.IsNotFound(err))

	require.NoError(t, s.Set(ctx, k, "v", time.Minute))
	val, err := s.Get(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, "v", val)

	require.NoError(t, s.Del(ctx, k))
	_, err = s.Get(ctx, k)
	assert.True(t, store.IsNotFound(err))
}

func TestIncrAndExpire(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	k := key(t, "counter")
	defer s.Del(ctx, k)

	n, err := s.Incr(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	ttl, err := s.TTL(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, -1*time.Second, ttl, "INCR-created key has no expiry")

	require.NoError(t, s.Expire(ctx, k, time.Minute))
	ttl, err = s.TTL(ctx, k)
	require.NoError(t, err)
	assert.Greater(t, ttl, 50*time.Second)

	n, err = s.Incr(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestExists(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	k := key(t, "k")
	defer s.Del(ctx, k)

	ok, err := s.Exists(ctx, k)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, k, "v", time.Minute))
	ok, err = s.Exists(ctx, k)
	require.NoError(t, err)
	assert.True(t, ok)
}
