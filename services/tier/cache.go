package tier

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"
)

var (
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{Name: "tier_cache_hits_total"})
	cacheMiss = promauto.NewCounter(prometheus.CounterOpts{Name: "tier_cache_miss_total"})
)

type cacheEntry struct {
	limitation Limitation
	loadedAt   time.Time
}

type loaderFunc func(ctx context.Context, tier string) (Limitation, error)

// Cache is a read-through cache of tier rows. Concurrent misses for the same
// tier share one load.
type Cache struct {
	mu    sync.RWMutex
	items map[string]cacheEntry
	ttl   time.Duration
	group singleflight.Group
	load  loaderFunc
}

func NewCache(ttl time.Duration, load loaderFunc) *Cache {
	return &Cache{
		items: make(map[string]cacheEntry),
		ttl:   ttl,
		load:  load,
	}
}

func (c *Cache) lookup(tier string) (Limitation, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.items[tier]
	if !ok || (c.ttl > 0 && time.Since(v.loadedAt) > c.ttl) {
		return Limitation{}, false
	}
	return v.limitation, true
}

func (c *Cache) Get(ctx context.Context, tier string) (Limitation, error) {
	if v, ok := c.lookup(tier); ok {
		cacheHits.Inc()
		return v, nil
	}
	cacheMiss.Inc()

	v, err, _ := c.group.Do(tier, func() (any, error) {
		l, err := c.load(ctx, tier)
		if err != nil {
			return Limitation{}, err
		}
		c.mu.Lock()
		c.items[tier] = cacheEntry{limitation: l, loadedAt: time.Now()}
		c.mu.Unlock()
		return l, nil
	})
	if err != nil {
		return Limitation{}, err
	}
	return v.(Limitation), nil
}

func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]cacheEntry)
}
