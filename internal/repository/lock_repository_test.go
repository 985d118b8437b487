package repository

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) redis.UniversalClient {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestLockRepository_AcquireReleaseExtend(t *testing.T) {
	client := newTestRedis(t)
	repo := NewLockRepository(client)
	ctx := context.Background()
	key := "test:" + uuid.NewString()

	lock, err := repo.AcquireLock(ctx, key, 5*time.Second)
	require.NoError(t, err)

	_, err = repo.AcquireLock(ctx, key, 5*time.Second)
	assert.True(t, errors.Is(err, ErrLockHeld))

	require.NoError(t, repo.ExtendLock(ctx, lock, 10*time.Second))
	assert.Equal(t, 10*time.Second, lock.TTL)

	require.NoError(t, repo.ReleaseLock(ctx, lock))
	assert.Error(t, repo.ReleaseLock(ctx, lock))

	again, err := repo.AcquireLock(ctx, key, time.Second)
	require.NoError(t, err)
	require.NoError(t, repo.ReleaseLock(ctx, again))
}

func TestDeliveryDeduper_FirstDelivery(t *testing.T) {
	client := newTestRedis(t)
	deduper := NewDeliveryDeduper(client)
	ctx := context.Background()
	key := "deposit:" + uuid.NewString() + ":paid"

	first, err := deduper.FirstDelivery(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.True(t, first)

	second, err := deduper.FirstDelivery(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.False(t, second)
}

func TestDeliveryDeduper_Forget(t *testing.T) {
	client := newTestRedis(t)
	deduper := NewDeliveryDeduper(client)
	ctx := context.Background()
	key := "withdraw:" + uuid.NewString() + ":failed"

	first, err := deduper.FirstDelivery(ctx, key, time.Minute)
	require.NoError(t, err)
	require.True(t, first)

	require.NoError(t, deduper.Forget(ctx, key))

	again, err := deduper.FirstDelivery(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.True(t, again)
}
