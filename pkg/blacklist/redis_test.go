package blacklist

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewRedisStore(client, ""), mr
}

func TestRedisStore_RevokeAndLookup(t *testing.T) {
	t.Parallel()

	s, mr := newTestRedisStore(t)
	ctx := context.Background()

	added, err := s.Revoke(ctx, "jti-redis", time.Minute)
	require.NoError(t, err)
	assert.True(t, added)
	assert.True(t, mr.Exists(DefaultRedisPrefix+"jti-redis"))

	revoked, err := s.IsRevoked(ctx, "jti-redis")
	require.NoError(t, err)
	assert.True(t, revoked)

	revoked, err = s.IsRevoked(ctx, "other")
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestRedisStore_Idempotent(t *testing.T) {
	t.Parallel()

	s, _ := newTestRedisStore(t)
	ctx := context.Background()

	first, err := s.Revoke(ctx, "jti-twice", time.Minute)
	require.NoError(t, err)
	second, err := s.Revoke(ctx, "jti-twice", time.Minute)
	require.NoError(t, err)

	assert.True(t, first)
	assert.False(t, second)
}

func TestRedisStore_ExpiresWithTTL(t *testing.T) {
	t.Parallel()

	s, mr := newTestRedisStore(t)
	ctx := context.Background()

	_, err := s.Revoke(ctx, "jti-ttl", 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, mr.TTL(DefaultRedisPrefix+"jti-ttl"))

	mr.FastForward(11 * time.Second)

	revoked, err := s.IsRevoked(ctx, "jti-ttl")
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestRedisStore_NonPositiveTTL(t *testing.T) {
	t.Parallel()

	s, mr := newTestRedisStore(t)

	added, err := s.Revoke(context.Background(), "jti-zero", 0)
	require.NoError(t, err)
	assert.False(t, added)
	assert.False(t, mr.Exists(DefaultRedisPrefix+"jti-zero"))
}

func TestRedisStore_ConnectionError(t *testing.T) {
	t.Parallel()

	s, mr := newTestRedisStore(t)
	mr.Close()

	_, err := s.IsRevoked(context.Background(), "jti")
	assert.Error(t, err)
}
