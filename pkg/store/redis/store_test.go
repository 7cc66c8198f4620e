package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirkhaki/interleave/pkg/store"
	"github.com/amirkhaki/interleave/pkg/store/redis"
	"github.com/amirkhaki/interleave/pkg/store/storetest"
)

func setup(t *testing.T) (*miniredis.Miniredis, *backend.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisStore_Contract(t *testing.T) {
	_, client := setup(t)
	storetest.RunContract(t, redis.NewFromClient(client))
}

func TestRedisStore_Prefix(t *testing.T) {
	mr, client := setup(t)
	s := redis.NewFromClient(client, redis.WithPrefix("ci:"))

	a := storetest.NewArtifact("deadlock")
	require.NoError(t, s.Save(context.Background(), a))
	assert.True(t, mr.Exists("ci:"+a.ID))
	assert.False(t, mr.Exists(redis.DefaultPrefix+a.ID))
}

func TestRedisStore_TTL(t *testing.T) {
	mr, client := setup(t)
	s := redis.NewFromClient(client, redis.WithTTL(time.Minute))
	ctx := context.Background()

	a := storetest.NewArtifact("deadlock")
	require.NoError(t, s.Save(ctx, a))
	assert.Equal(t, time.Minute, mr.TTL(redis.DefaultPrefix+a.ID))

	mr.FastForward(2 * time.Minute)
	_, err := s.Load(ctx, a.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
