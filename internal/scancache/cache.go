// Package scancache is a bounded LRU of scan results keyed by model, scan
// mode and a hash of the prompt.
package scancache

import (
	"container/list"
	"context"
	"crypto/md5"
	"encoding/hex"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"neuralmri-go/internal/logger"
	"neuralmri-go/internal/metrics"
)

const DefaultCapacity = 5

type entry struct {
	key   string
	value any
}

type ScanCache struct {
	mu        sync.Mutex
	capacity  int
	items     map[string]*list.Element
	evictList *list.List

	group   singleflight.Group
	metrics *metrics.Metrics
	logger  *slog.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// New returns a cache holding at most capacity entries. m may be nil.
func New(capacity int, m *metrics.Metrics) *ScanCache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &ScanCache{
		capacity:  capacity,
		items:     make(map[string]*list.Element),
		evictList: list.New(),
		metrics:   m,
		logger:    logger.WithComponent("scan-cache"),
	}
}

// Key is model::mode::hash where hash is the first 12 hex digits of the
// prompt's MD5, or empty for an empty prompt.
func Key(modelID, mode, prompt string) string {
	hash := ""
	if prompt != "" {
		sum := md5.Sum([]byte(prompt))
		hash = hex.EncodeToString(sum[:])[:12]
	}
	return modelID + "::" + mode + "::" + hash
}

// Get returns the cached value and promotes it to most recently used.
func (c *ScanCache) Get(modelID, mode, prompt string) (any, bool) {
	key := Key(modelID, mode, prompt)
	c.mu.Lock()
	defer c.mu.Unlock()

	if ent, ok := c.items[key]; ok {
		c.evictList.MoveToFront(ent)
		c.hits.Add(1)
		if c.metrics != nil {
			c.metrics.CacheHitsTotal.Inc()
		}
		c.logger.Debug("cache HIT", "key", key)
		return ent.Value.(*entry).value, true
	}
	c.misses.Add(1)
	if c.metrics != nil {
		c.metrics.CacheMissesTotal.Inc()
	}
	return nil, false
}

// Put inserts or overwrites, promotes, and evicts from the back past
// capacity.
func (c *ScanCache) Put(modelID, mode, prompt string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(Key(modelID, mode, prompt), value)
}

func (c *ScanCache) putLocked(key string, value any) {
	if ent, ok := c.items[key]; ok {
		ent.Value.(*entry).value = value
		c.evictList.MoveToFront(ent)
	} else {
		c.items[key] = c.evictList.PushFront(&entry{key: key, value: value})
	}
	for c.evictList.Len() > c.capacity {
		back := c.evictList.Back()
		c.removeElement(back)
		if c.metrics != nil {
			c.metrics.CacheEvictions.Inc()
		}
		c.logger.Debug("cache evicted", "key", back.Value.(*entry).key)
	}
	c.logger.Debug("cache PUT", "key", key, "size", c.evictList.Len())
}

// GetOrCompute returns a cached value or runs fn once for concurrent
// callers with the same key. The bool reports a cache hit.
func (c *ScanCache) GetOrCompute(ctx context.Context, modelID, mode, prompt string, fn func(context.Context) (any, error)) (any, bool, error) {
	return c.GetOrComputeIf(ctx, modelID, mode, prompt, fn, nil)
}

// GetOrComputeIf is GetOrCompute with a store condition: a computed value
// is kept only if valid (when non-nil) reports true under the cache lock.
// InvalidateModel takes the same lock, so a value computed for a model that
// was swapped out meanwhile reaches its callers but is never stored.
//
// fn runs detached from the caller's cancellation; each caller stops
// waiting when its own ctx is done.
func (c *ScanCache) GetOrComputeIf(ctx context.Context, modelID, mode, prompt string, fn func(context.Context) (any, error), valid func() bool) (any, bool, error) {
	if v, ok := c.Get(modelID, mode, prompt); ok {
		return v, true, nil
	}
	key := Key(modelID, mode, prompt)
	ch := c.group.DoChan(key, func() (any, error) {
		c.mu.Lock()
		ent, ok := c.items[key]
		c.mu.Unlock()
		if ok {
			return ent.Value.(*entry).value, nil
		}
		v, err := fn(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if valid != nil && !valid() {
			c.logger.Debug("cache store skipped", "key", key)
			return v, nil
		}
		c.putLocked(key, v)
		return v, nil
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, false, r.Err
		}
		return r.Val, false, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// InvalidateModel removes every entry belonging to modelID and returns the
// number removed.
func (c *ScanCache) InvalidateModel(modelID string) int {
	prefix := modelID + "::"
	c.mu.Lock()
	defer c.mu.Unlock()

	var toRemove []*list.Element
	for key, el := range c.items {
		if strings.HasPrefix(key, prefix) {
			toRemove = append(toRemove, el)
		}
	}
	for _, el := range toRemove {
		c.removeElement(el)
	}
	if len(toRemove) > 0 {
		c.logger.Info("cache invalidated", "model_id", modelID, "entries", len(toRemove))
	}
	return len(toRemove)
}

func (c *ScanCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element)
	c.evictList.Init()
}

func (c *ScanCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictList.Len()
}

func (c *ScanCache) Capacity() int { return c.capacity }

// Keys lists keys from most to least recently used.
func (c *ScanCache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, c.evictList.Len())
	for el := c.evictList.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*entry).key)
	}
	return out
}

func (c *ScanCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *ScanCache) removeElement(el *list.Element) {
	c.evictList.Remove(el)
	delete(c.items, el.Value.(*entry).key)
}
