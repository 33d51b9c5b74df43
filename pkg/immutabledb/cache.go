package immutabledb

import (
	"sync"
	"time"

	"github.com/eyeinsky/ouroboros-network/pkg/chain"
)

// cacheEntry holds one epoch's raw primary and secondary index bytes.
type cacheEntry struct {
	primary   []byte
	secondary []byte
	lastUsed  time.Time
}

// CacheConfig configures the index cache (§4.5).
type CacheConfig struct {
	// Retention is the number of most-recently-used past epochs kept
	// cached in addition to the current epoch, which is always cached.
	Retention int

	// ExpiryInterval is how often the background worker scans for entries
	// older than Retention. Zero disables the background worker; entries
	// are still evicted lazily on access.
	ExpiryInterval time.Duration
}

// DefaultCacheConfig mirrors common operator defaults: keep a handful of
// recent epochs warm, sweep every few seconds.
var DefaultCacheConfig = CacheConfig{
	Retention:      4,
	ExpiryInterval: 5 * time.Second,
}

// indexCache is the size-bounded epoch -> (primary, secondary) mapping
// described in §4.5. It is single-mutator: only the DB's writer goroutine
// populates and evicts entries; readers take a point-in-time snapshot via
// get.
type indexCache struct {
	cfg CacheConfig

	// onEvict, if set, is called (without holding mu) whenever evictLocked
	// drops an entry. The owning DB wires this to emit a CacheEvict trace
	// event carrying its session UUID.
	onEvict func(chain.EpochNo)

	mu      sync.Mutex
	entries map[chain.EpochNo]*cacheEntry
	current chain.EpochNo

	stop chan struct{}
	done chan struct{}
}

func newIndexCache(cfg CacheConfig, onEvict func(chain.EpochNo)) *indexCache {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultCacheConfig.Retention
	}
	c := &indexCache{
		cfg:     cfg,
		onEvict: onEvict,
		entries: make(map[chain.EpochNo]*cacheEntry),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if cfg.ExpiryInterval > 0 {
		go c.expiryLoop()
	} else {
		close(c.done)
	}
	return c
}

// setCurrent records the epoch that must never be evicted.
func (c *indexCache) setCurrent(epoch chain.EpochNo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = epoch
}

// put inserts or refreshes epoch's cached bytes.
func (c *indexCache) put(epoch chain.EpochNo, primary, secondary []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[epoch] = &cacheEntry{primary: primary, secondary: secondary, lastUsed: time.Now()}
	c.evictLocked()
}

// get returns a snapshot copy of epoch's cached bytes, or ok=false if not
// cached.
func (c *indexCache) get(epoch chain.EpochNo) (primary, secondary []byte, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, found := c.entries[epoch]
	if !found {
		return nil, nil, false
	}
	e.lastUsed = time.Now()
	return e.primary, e.secondary, true
}

// invalidate drops epoch's cached entry, e.g. after DeleteAfter removes it.
func (c *indexCache) invalidate(epoch chain.EpochNo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, epoch)
}

// restart drops every cached entry (§4.4 step 5: "restart the cache").
func (c *indexCache) restart() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[chain.EpochNo]*cacheEntry)
}

// evictLocked drops the oldest entries beyond Retention, never evicting
// current. Caller must hold c.mu.
func (c *indexCache) evictLocked() {
	type aged struct {
		epoch    chain.EpochNo
		lastUsed time.Time
	}
	var candidates []aged
	for e, entry := range c.entries {
		if e == c.current {
			continue
		}
		candidates = append(candidates, aged{e, entry.lastUsed})
	}
	if len(candidates) <= c.cfg.Retention {
		return
	}
	// Oldest-first.
	for i := 1; i < len(candidates); i++ {
		for j := i; j > 0 && candidates[j].lastUsed.Before(candidates[j-1].lastUsed); j-- {
			candidates[j], candidates[j-1] = candidates[j-1], candidates[j]
		}
	}
	toEvict := len(candidates) - c.cfg.Retention
	for i := 0; i < toEvict; i++ {
		epoch := candidates[i].epoch
		delete(c.entries, epoch)
		if c.onEvict != nil {
			c.onEvict(epoch)
		}
	}
}

func (c *indexCache) expiryLoop() {
	defer close(c.done)
	ticker := time.NewTicker(c.cfg.ExpiryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			c.evictLocked()
			c.mu.Unlock()
		}
	}
}

func (c *indexCache) close() {
	select {
	case <-c.stop:
		// already closed
	default:
		close(c.stop)
	}
	<-c.done
}
