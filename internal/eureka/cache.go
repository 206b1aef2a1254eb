package eureka

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/jmerrifield20/VaultLedger/internal/canonical"
)

// HistoryItem is one previously admitted (query, response) pair.
type HistoryItem struct {
	Query    string
	Response string
}

// HistorySource supplies recent admitted items, newest last, for warming
// the cache on first use.
type HistorySource interface {
	Recent(ctx context.Context, n int) ([]HistoryItem, error)
}

type cached struct {
	fingerprint canonical.Digest
	grams       gramSet
}

// historyCache maps fingerprints to query trigram sets, bounded by capacity
// with oldest-first eviction. It is populated at most once.
type historyCache struct {
	mu       sync.RWMutex
	items    map[canonical.Digest]*list.Element
	order    *list.List // front = oldest
	capacity int

	loaded   atomic.Bool
	degraded atomic.Bool
	flight   singleflight.Group
}

func newHistoryCache(capacity int) *historyCache {
	return &historyCache{
		items:    make(map[canonical.Digest]*list.Element),
		order:    list.New(),
		capacity: capacity,
	}
}

// ensureLoaded populates the cache from src exactly once. Concurrent callers
// share one load, which runs detached from the caller's cancellation and is
// bounded by timeout. A failed load switches the cache to degraded mode; a
// load that ran out of time is retried by the next caller.
func (c *historyCache) ensureLoaded(ctx context.Context, src HistorySource, n int, timeout time.Duration, logger *zap.Logger) {
	if c.loaded.Load() {
		return
	}
	_, _, _ = c.flight.Do("load", func() (any, error) {
		if c.loaded.Load() {
			return nil, nil
		}
		if src == nil {
			c.loaded.Store(true)
			return nil, nil
		}

		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		items, err := src.Recent(loadCtx, n)
		if err != nil {
			c.degraded.Store(true)
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				logger.Warn("admission history load timed out, will retry",
					zap.Duration("timeout", timeout), zap.Error(err))
				return nil, nil
			}
			c.loaded.Store(true)
			logger.Warn("admission history unavailable, entering degraded mode",
				zap.Error(err))
			return nil, nil
		}
		for _, it := range items {
			c.add(Fingerprint(it.Query, it.Response), ngrams(normalize(it.Query)))
		}
		c.degraded.Store(false)
		c.loaded.Store(true)
		logger.Info("admission history loaded", zap.Int("items", len(items)))
		return nil, nil
	})
}

// reset forgets the cache contents and allows another load.
func (c *historyCache) reset() {
	c.mu.Lock()
	c.items = make(map[canonical.Digest]*list.Element)
	c.order.Init()
	c.mu.Unlock()
	c.degraded.Store(false)
	c.loaded.Store(false)
}

func (c *historyCache) add(fp canonical.Digest, grams gramSet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.items[fp]; ok {
		return
	}
	c.items[fp] = c.order.PushBack(&cached{fingerprint: fp, grams: grams})
	for c.capacity > 0 && c.order.Len() > c.capacity {
		oldest := c.order.Front()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*cached).fingerprint)
	}
}

func (c *historyCache) contains(fp canonical.Digest) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.items[fp]
	return ok
}

// maxSimilarity compares grams with up to window of the most recent
// entries, skipping exclude. ok is false when nothing was compared.
func (c *historyCache) maxSimilarity(grams gramSet, window int, exclude *canonical.Digest) (best float64, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	seen := 0
	for e := c.order.Back(); e != nil && seen < window; e = e.Prev() {
		item := e.Value.(*cached)
		if exclude != nil && item.fingerprint == *exclude {
			continue
		}
		seen++
		ok = true
		if j := jaccard(grams, item.grams); j > best {
			best = j
		}
	}
	return best, ok
}

func (c *historyCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.order.Len()
}
