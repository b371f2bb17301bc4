// Package cache provides an age-bounded read cache that refreshes itself in the background.
package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/registry-scanner/internal/logging"
	"github.com/registry-scanner/internal/metrics"
	"github.com/registry-scanner/internal/storage"
)

// State is the lifecycle state of one cache key
type State string

const (
	StateEmpty      State = "empty"
	StatePopulating State = "populating"
	StateFresh      State = "fresh"
	StateStale      State = "stale"
)

// Refresher produces a new value for a key. It may block on network and storage I/O.
type Refresher[V any] interface {
	Refresh(ctx context.Context, key string) (V, error)
}

// RefreshFunc adapts a function to the Refresher interface
type RefreshFunc[V any] func(ctx context.Context, key string) (V, error)

func (f RefreshFunc[V]) Refresh(ctx context.Context, key string) (V, error) {
	return f(ctx, key)
}

// SnapshotStore persists values so a restarted process can warm up
type SnapshotStore interface {
	Save(ctx context.Context, key string, snap storage.Snapshot) error
	LoadAll(ctx context.Context) (map[string]storage.Snapshot, error)
	Delete(ctx context.Context, key string) error
}

// Config configures a cache
type Config struct {
	TTL            time.Duration
	Workers        int
	QueueSize      int
	RefreshTimeout time.Duration
}

type value[V any] struct {
	v        V
	storedAt time.Time
	expired  bool
}

type entry[V any] struct {
	current    atomic.Pointer[value[V]]
	refreshing atomic.Bool
}

// Cache serves the best known value of a key without blocking. Missing or aged values
// are reported stale and refreshed asynchronously, at most one refresh per key at a time.
type Cache[V any] struct {
	cfg       Config
	entries   *xsync.Map[string, *entry[V]]
	refresher Refresher[V]
	snapshots SnapshotStore
	metrics   *metrics.Metrics
	now       func() time.Time

	queue   chan string
	enqueue atomic.Int64
	wg      sync.WaitGroup
	stop    context.CancelFunc
	started atomic.Bool
}

// New creates a cache. Call Start to run the refresh workers.
func New[V any](cfg Config, refresher Refresher[V], m *metrics.Metrics) *Cache[V] {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = 10 * time.Minute
	}
	return &Cache[V]{
		cfg:       cfg,
		entries:   xsync.NewMap[string, *entry[V]](),
		refresher: refresher,
		metrics:   m,
		now:       time.Now,
		queue:     make(chan string, cfg.QueueSize),
	}
}

// WithSnapshots enables write-through persistence of refreshed values
func (c *Cache[V]) WithSnapshots(store SnapshotStore) *Cache[V] {
	c.snapshots = store
	return c
}

// WithClock replaces the time source used for ages
func (c *Cache[V]) WithClock(now func() time.Time) *Cache[V] {
	c.now = now
	return c
}

// Start launches the refresh workers. They stop when ctx is cancelled or Stop is called.
func (c *Cache[V]) Start(ctx context.Context) {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	ctx, c.stop = context.WithCancel(ctx)
	for i := 0; i < c.cfg.Workers; i++ {
		c.wg.Add(1)
		go c.worker(ctx)
	}
}

// Stop cancels in-flight refreshes and waits for the workers to exit
func (c *Cache[V]) Stop() {
	if c.stop != nil {
		c.stop()
	}
	c.wg.Wait()
}

// Get returns the best known value and whether it is stale. A stale or missing value
// schedules a refresh unless one is already pending for the key.
func (c *Cache[V]) Get(key string) (V, bool) {
	e := c.entry(key)

	cur := e.current.Load()
	if cur == nil {
		c.metrics.CacheLookup("miss")
		c.scheduleRefresh(key, e)
		var zero V
		return zero, true
	}

	if c.isStale(cur) {
		c.metrics.CacheLookup("stale")
		c.scheduleRefresh(key, e)
		return cur.v, true
	}

	c.metrics.CacheLookup("hit")
	return cur.v, false
}

// Peek returns the value without scheduling a refresh
func (c *Cache[V]) Peek(key string) (V, bool) {
	if e, ok := c.entries.Load(key); ok {
		if cur := e.current.Load(); cur != nil {
			return cur.v, true
		}
	}
	var zero V
	return zero, false
}

// Set stores a fresh value and writes it through to the snapshot store
func (c *Cache[V]) Set(ctx context.Context, key string, v V) {
	at := c.now()
	c.entry(key).current.Store(&value[V]{v: v, storedAt: at})

	if c.snapshots == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		logging.FromContext(ctx).WithField("key", key).WithError(err).Warn("Failed to encode cache snapshot")
		return
	}
	if err := c.snapshots.Save(ctx, key, storage.Snapshot{Data: data, StoredAt: at}); err != nil {
		logging.FromContext(ctx).WithField("key", key).WithError(err).Warn("Failed to save cache snapshot")
	}
}

// Invalidate marks the key stale. The old value is still served until a refresh lands.
func (c *Cache[V]) Invalidate(key string) {
	e, ok := c.entries.Load(key)
	if !ok {
		return
	}
	for {
		cur := e.current.Load()
		if cur == nil || cur.expired {
			return
		}
		next := *cur
		next.expired = true
		if e.current.CompareAndSwap(cur, &next) {
			return
		}
	}
}

// State reports the lifecycle state of a key
func (c *Cache[V]) State(key string) State {
	e, ok := c.entries.Load(key)
	if !ok {
		return StateEmpty
	}
	if e.refreshing.Load() {
		return StatePopulating
	}
	cur := e.current.Load()
	switch {
	case cur == nil:
		return StateEmpty
	case c.isStale(cur):
		return StateStale
	}
	return StateFresh
}

// Age returns how old the key's value is
func (c *Cache[V]) Age(key string) (time.Duration, bool) {
	e, ok := c.entries.Load(key)
	if !ok {
		return 0, false
	}
	cur := e.current.Load()
	if cur == nil {
		return 0, false
	}
	return c.now().Sub(cur.storedAt), true
}

// Enqueued returns how many refreshes have been scheduled since the cache was created
func (c *Cache[V]) Enqueued() int64 {
	return c.enqueue.Load()
}

// Warm loads persisted snapshots. Their original timestamps are kept, so old ones are served as stale.
func (c *Cache[V]) Warm(ctx context.Context) (int, error) {
	if c.snapshots == nil {
		return 0, nil
	}
	snaps, err := c.snapshots.LoadAll(ctx)
	if err != nil {
		return 0, err
	}

	n := 0
	for key, snap := range snaps {
		var v V
		if err := json.Unmarshal(snap.Data, &v); err != nil {
			logging.FromContext(ctx).WithField("key", key).WithError(err).Warn("Skipping undecodable cache snapshot")
			continue
		}
		e := c.entry(key)
		if e.current.CompareAndSwap(nil, &value[V]{v: v, storedAt: snap.StoredAt}) {
			n++
		}
	}
	return n, nil
}

func (c *Cache[V]) entry(key string) *entry[V] {
	if e, ok := c.entries.Load(key); ok {
		return e
	}
	e, _ := c.entries.LoadOrStore(key, &entry[V]{})
	return e
}

func (c *Cache[V]) isStale(cur *value[V]) bool {
	return cur.expired || c.now().Sub(cur.storedAt) > c.cfg.TTL
}

// scheduleRefresh enqueues key unless a refresh is already pending. It never blocks:
// when the queue is full the flag is released and a later Get retries.
func (c *Cache[V]) scheduleRefresh(key string, e *entry[V]) {
	if !e.refreshing.CompareAndSwap(false, true) {
		c.metrics.CacheRefresh("coalesced")
		return
	}
	select {
	case c.queue <- key:
		c.enqueue.Add(1)
	default:
		e.refreshing.Store(false)
		c.metrics.CacheRefresh("dropped")
	}
}

func (c *Cache[V]) worker(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case key := <-c.queue:
			c.refresh(ctx, key)
		}
	}
}

func (c *Cache[V]) refresh(ctx context.Context, key string) {
	e := c.entry(key)
	defer e.refreshing.Store(false)

	logger := logging.FromContext(ctx).WithField("key", key)
	rctx, cancel := context.WithTimeout(ctx, c.cfg.RefreshTimeout)
	defer cancel()

	start := c.now()
	v, err := c.refresher.Refresh(rctx, key)
	if err != nil {
		c.metrics.CacheRefresh("error")
		logger.WithError(err).Warn("Cache refresh failed, keeping previous value")
		return
	}

	c.Set(ctx, key, v)
	c.metrics.CacheRefresh("ok")
	logger.WithField("took", c.now().Sub(start).String()).Debug("Cache refreshed")
}
