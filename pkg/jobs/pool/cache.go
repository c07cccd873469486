package pool

import (
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/scriptorium/jobengine/pkg/logging"
)

// cacheEntry tracks one cached pool's identity, sizing, and idle bookkeeping.
type cacheEntry struct {
	pool        Pool
	workerCount int
	lastUsed    time.Time
	inUse       bool
}

// Cache caches Pool objects keyed by worker count (§4.4). It is a small
// fixed-size slice, not a general-purpose map, because keys (worker counts)
// are few (§9's re-architecture note).
type Cache struct {
	mu          sync.Mutex
	entries     []*cacheEntry
	maxCached   int
	idleTimeout time.Duration
	factory     func(workerCount int) (Pool, error)
	logger      *logging.Logger
}

// NewCache returns a Cache holding at most maxCached pools (idle or in use), evicting
// entries idle longer than idleTimeout at the next Acquire. factory creates
// a fresh Pool for a given worker count; NewFactory() is the default.
func NewCache(maxCached int, idleTimeout time.Duration, factory func(int) (Pool, error), logger *logging.Logger) *Cache {
	if maxCached < 1 {
		maxCached = 1
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Cache{
		maxCached:   maxCached,
		idleTimeout: idleTimeout,
		factory:     factory,
		logger:      logger.WithComponent("pool.cache"),
	}
}

// Acquire returns an idle pool matching workerCount if one exists; else it
// creates one, following job_tuner.py's WorkerPoolCache.acquire algorithm:
// with no idle match, idle-timeout cleanup runs first; if the cache is
// then at capacity, the oldest idle pool is replaced (shut
// down and swapped for a freshly sized one); otherwise a new pool is
// created and cached if there's room, or handed back uncached. isNew
// reports whether the returned pool was freshly created.
func (c *Cache) Acquire(workerCount int) (pool Pool, isNew bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range c.entries {
		if !e.inUse && e.workerCount == workerCount {
			e.inUse = true
			return e.pool, false, nil
		}
	}

	c.cleanupIdleLocked()

	if len(c.entries) >= c.maxCached {
		idleIdx := -1
		var oldest time.Time
		for i, e := range c.entries {
			if e.inUse {
				continue
			}
			if idleIdx == -1 || e.lastUsed.Before(oldest) {
				idleIdx = i
				oldest = e.lastUsed
			}
		}
		if idleIdx >= 0 {
			victim := c.entries[idleIdx]
			if err := victim.pool.Shutdown(); err != nil {
				c.logger.Warn("pool shutdown failed during cache eviction", map[string]interface{}{"error": err.Error()})
			}
			newPool, err := c.factory(workerCount)
			if err != nil {
				return nil, false, err
			}
			c.entries[idleIdx] = &cacheEntry{pool: newPool, workerCount: workerCount, inUse: true, lastUsed: time.Now()}
			return newPool, true, nil
		}

		// Every cached pool is in use; hand back an uncached pool.
		newPool, err := c.factory(workerCount)
		if err != nil {
			return nil, false, err
		}
		return newPool, true, nil
	}

	newPool, err := c.factory(workerCount)
	if err != nil {
		return nil, false, err
	}
	c.entries = append(c.entries, &cacheEntry{pool: newPool, workerCount: workerCount, inUse: true, lastUsed: time.Now()})
	return newPool, true, nil
}

// Release returns pool to idle state, recording the release time. If pool
// isn't in the cache (created while at capacity), it is shut down
// immediately.
func (c *Cache) Release(p Pool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range c.entries {
		if e.pool == p {
			e.inUse = false
			e.lastUsed = time.Now()
			return
		}
	}

	if err := p.Shutdown(); err != nil {
		c.logger.Warn("pool shutdown failed for uncached pool", map[string]interface{}{"error": err.Error()})
	}
}

// cleanupIdleLocked removes and shuts down every idle entry whose idle
// duration exceeds idleTimeout. Callers must hold c.mu.
func (c *Cache) cleanupIdleLocked() {
	if c.idleTimeout <= 0 {
		return
	}
	kept := c.entries[:0]
	now := time.Now()
	for _, e := range c.entries {
		if !e.inUse && now.Sub(e.lastUsed) > c.idleTimeout {
			if err := e.pool.Shutdown(); err != nil {
				c.logger.Warn("pool shutdown failed during idle cleanup", map[string]interface{}{"error": err.Error()})
			}
			continue
		}
		kept = append(kept, e)
	}
	c.entries = kept
}

// ShutdownAll forcibly shuts every cached pool. Failures are aggregated and
// logged, never propagated — pool shutdown failures are best-effort
// cleanup per §7's error taxonomy.
func (c *Cache) ShutdownAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs *multierror.Error
	for _, e := range c.entries {
		if err := e.pool.Shutdown(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	c.entries = nil

	if errs.ErrorOrNil() != nil {
		c.logger.Warn("errors during shutdown_all", map[string]interface{}{"error": errs.Error()})
	}
}

// CachedCount returns the number of pools currently held by the cache
// (idle and in-use).
func (c *Cache) CachedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// InUseCount returns the number of cached pools currently marked in-use.
func (c *Cache) InUseCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.entries {
		if e.inUse {
			n++
		}
	}
	return n
}
