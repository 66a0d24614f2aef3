package lock

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	appErrors "github.com/noah-isme/uni-registrar-api/pkg/errors"
)

func newTestManager(opts Options) *Manager {
	return NewManager(NewMemoryStore(), opts, zap.NewNop())
}

func TestAcquireIsExclusive(t *testing.T) {
	m := newTestManager(Options{})
	ctx := context.Background()

	token, ok, err := m.Acquire(ctx, "lock:section:s1", time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, token)

	_, ok, err = m.Acquire(ctx, "lock:section:s1", time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	// A different key is unaffected.
	_, ok, err = m.Acquire(ctx, "lock:section:s2", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReleaseRequiresOwnership(t *testing.T) {
	m := newTestManager(Options{})
	ctx := context.Background()

	token, ok, err := m.Acquire(ctx, "lock:section:s1", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	// A stale token must not clear the current owner.
	require.NoError(t, m.Release(ctx, "lock:section:s1", "stale-token"))
	_, ok, err = m.Acquire(ctx, "lock:section:s1", time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.Release(ctx, "lock:section:s1", token))
	_, ok, err = m.Acquire(ctx, "lock:section:s1", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReleaseAfterExpiryIsNoop(t *testing.T) {
	m := newTestManager(Options{})
	ctx := context.Background()

	token, ok, err := m.Acquire(ctx, "lock:section:s1", 10*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(20 * time.Millisecond)

	second, ok, err := m.Acquire(ctx, "lock:section:s1", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	// The first owner wakes up late; its release must not free the lock
	// now held by the second owner.
	require.NoError(t, m.Release(ctx, "lock:section:s1", token))
	_, ok, err = m.Acquire(ctx, "lock:section:s1", time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.Release(ctx, "lock:section:s1", second))
}

func TestWithLockMutualExclusion(t *testing.T) {
	m := newTestManager(Options{TTL: 5 * time.Second, MaxRetries: 200, RetryDelay: time.Millisecond})
	ctx := context.Background()

	var inside int32
	var total int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.WithLock(ctx, "lock:section:s1", func(ctx context.Context) error {
				if atomic.AddInt32(&inside, 1) != 1 {
					t.Error("critical section entered concurrently")
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inside, -1)
				atomic.AddInt32(&total, 1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(20), total)
}

func TestWithLockTimesOutWhileHeld(t *testing.T) {
	m := newTestManager(Options{TTL: time.Minute, MaxRetries: 5, RetryDelay: time.Millisecond})
	ctx := context.Background()

	_, ok, err := m.Acquire(ctx, "lock:section:s1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ran := false
	err = m.WithLock(ctx, "lock:section:s1", func(ctx context.Context) error {
		ran = true
		return nil
	})
	assert.ErrorIs(t, err, appErrors.ErrLockTimeout)
	assert.False(t, ran, "callback must not run after retries are exhausted")
}

func TestWithLockHonoursCancellation(t *testing.T) {
	m := newTestManager(Options{TTL: time.Minute, MaxRetries: 1000, RetryDelay: 10 * time.Millisecond})

	_, ok, err := m.Acquire(context.Background(), "lock:section:s1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	err = m.WithLock(ctx, "lock:section:s1", func(ctx context.Context) error { return nil })
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, appErrors.ErrLockTimeout)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestWithLockReleasesOnError(t *testing.T) {
	m := newTestManager(Options{})
	ctx := context.Background()

	wantErr := errors.New("boom")
	err := m.WithLock(ctx, "lock:section:s1", func(ctx context.Context) error { return wantErr })
	assert.ErrorIs(t, err, wantErr)

	_, ok, err := m.Acquire(ctx, "lock:section:s1", time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "lock must be free after callback error")
}

func TestWithLockReleasesOnPanic(t *testing.T) {
	m := newTestManager(Options{})
	ctx := context.Background()

	require.Panics(t, func() {
		_ = m.WithLock(ctx, "lock:section:s1", func(ctx context.Context) error {
			panic("registration blew up")
		})
	})

	_, ok, err := m.Acquire(ctx, "lock:section:s1", time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "lock must be free after callback panic")
}

func TestSectionKey(t *testing.T) {
	assert.Equal(t, "lock:section:sec-42", SectionKey("sec-42"))
}

func getRedisClient(t *testing.T) *redis.Client {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	return client
}

func TestRedisStoreTokenSemantics(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()
	ctx := context.Background()

	store := NewRedisStore(client)
	key := "lock:test:redis-store"
	client.Del(ctx, key)

	ok, err := store.Acquire(ctx, key, "tok-1", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.Acquire(ctx, key, "tok-2", time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Release(ctx, key, "tok-2"))
	ok, err = store.Acquire(ctx, key, "tok-2", time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "release with wrong token must not free the lock")

	require.NoError(t, store.Release(ctx, key, "tok-1"))
	ok, err = store.Acquire(ctx, key, "tok-2", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	client.Del(ctx, key)
}
