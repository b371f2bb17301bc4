package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/registry-scanner/internal/logging"
	"github.com/registry-scanner/internal/storage"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// blockingRefresher counts calls and waits for release before answering
type blockingRefresher struct {
	calls   atomic.Int32
	release chan struct{}
	value   string
	err     error
}

func newBlockingRefresher(value string) *blockingRefresher {
	return &blockingRefresher{release: make(chan struct{}), value: value}
}

func (r *blockingRefresher) Refresh(ctx context.Context, key string) (string, error) {
	r.calls.Add(1)
	select {
	case <-r.release:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return r.value, r.err
}

func quietContext(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(logging.WithLogger(context.Background(), logging.NewNop()))
	t.Cleanup(cancel)
	return ctx
}

func newTestCache(t *testing.T, refresher Refresher[string], clock *testClock) *Cache[string] {
	c := New[string](Config{TTL: 12 * time.Hour, Workers: 2, QueueSize: 8}, refresher, nil).WithClock(clock.Now)
	c.Start(quietContext(t))
	t.Cleanup(c.Stop)
	return c
}

func TestCache_FreshHit(t *testing.T) {
	clock := &testClock{now: time.Now()}
	refresher := newBlockingRefresher("new")
	c := newTestCache(t, refresher, clock)

	c.Set(quietContext(t), "0301", "cached")
	clock.Advance(time.Hour)

	v, stale := c.Get("0301")
	assert.Equal(t, "cached", v)
	assert.False(t, stale)
	assert.Equal(t, StateFresh, c.State("0301"))
	assert.Zero(t, c.Enqueued())
	assert.Zero(t, refresher.calls.Load())
}

func TestCache_StaleServesImmediatelyAndRefreshesOnce(t *testing.T) {
	clock := &testClock{now: time.Now()}
	refresher := newBlockingRefresher("new")
	c := newTestCache(t, refresher, clock)

	c.Set(quietContext(t), "K", "old")
	clock.Advance(13 * time.Hour)

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			began := time.Now()
			v, stale := c.Get("K")
			assert.Less(t, time.Since(began), 50*time.Millisecond)
			assert.Equal(t, "old", v)
			assert.True(t, stale)
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int64(1), c.Enqueued())
	require.Eventually(t, func() bool { return refresher.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StatePopulating, c.State("K"))

	close(refresher.release)
	require.Eventually(t, func() bool { return c.State("K") == StateFresh }, time.Second, 5*time.Millisecond)

	v, stale := c.Get("K")
	assert.Equal(t, "new", v)
	assert.False(t, stale)
	assert.Equal(t, int32(1), refresher.calls.Load())
}

func TestCache_MissPopulates(t *testing.T) {
	clock := &testClock{now: time.Now()}
	refresher := newBlockingRefresher("loaded")
	close(refresher.release)
	c := newTestCache(t, refresher, clock)

	assert.Equal(t, StateEmpty, c.State("K"))
	v, stale := c.Get("K")
	assert.Empty(t, v)
	assert.True(t, stale)

	require.Eventually(t, func() bool {
		v, stale := c.Get("K")
		return v == "loaded" && !stale
	}, time.Second, 5*time.Millisecond)
}

func TestCache_RefreshErrorKeepsValue(t *testing.T) {
	clock := &testClock{now: time.Now()}
	refresher := newBlockingRefresher("")
	refresher.err = errors.New("upstream down")
	close(refresher.release)
	c := newTestCache(t, refresher, clock)

	c.Set(quietContext(t), "K", "old")
	clock.Advance(13 * time.Hour)

	c.Get("K")
	require.Eventually(t, func() bool { return c.State("K") == StateStale }, time.Second, 5*time.Millisecond)

	v, stale := c.Get("K")
	assert.Equal(t, "old", v)
	assert.True(t, stale)
	require.Eventually(t, func() bool { return refresher.calls.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestCache_Invalidate(t *testing.T) {
	clock := &testClock{now: time.Now()}
	refresher := newBlockingRefresher("new")
	c := newTestCache(t, refresher, clock)

	c.Invalidate("missing")
	c.Set(quietContext(t), "K", "old")
	c.Invalidate("K")
	assert.Equal(t, StateStale, c.State("K"))

	v, stale := c.Get("K")
	assert.Equal(t, "old", v)
	assert.True(t, stale)

	close(refresher.release)
	require.Eventually(t, func() bool { return c.State("K") == StateFresh }, time.Second, 5*time.Millisecond)
}

func TestCache_FullQueueDoesNotBlock(t *testing.T) {
	clock := &testClock{now: time.Now()}
	c := New[string](Config{TTL: time.Hour, QueueSize: 1}, newBlockingRefresher("x"), nil).WithClock(clock.Now)

	c.Get("a")
	c.Get("b")

	assert.Equal(t, int64(1), c.Enqueued())
	assert.Equal(t, StatePopulating, c.State("a"))
	assert.Equal(t, StateEmpty, c.State("b"), "dropped refresh releases the flag")
}

func TestCache_SnapshotsWarmRestart(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	store := storage.NewRedisSnapshotStore(client, "test:", 0)

	clock := &testClock{now: time.Now()}
	first := New[[]string](Config{TTL: time.Hour}, RefreshFunc[[]string](func(ctx context.Context, key string) ([]string, error) {
		return nil, nil
	}), nil).WithSnapshots(store).WithClock(clock.Now)
	first.Set(quietContext(t), "0301", []string{"A", "B"})

	clock.Advance(2 * time.Hour)
	second := New[[]string](Config{TTL: time.Hour}, first.refresher, nil).WithSnapshots(store).WithClock(clock.Now)
	n, err := second.Warm(quietContext(t))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	v, ok := second.Peek("0301")
	require.True(t, ok)
	assert.Equal(t, []string{"A", "B"}, v)
	assert.Equal(t, StateStale, second.State("0301"), "warm values keep their age")
}
