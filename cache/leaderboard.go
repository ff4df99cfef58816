// Package cache holds short-lived leaderboard snapshots in front of the store.
package cache

import (
	"context"
	"sync"
	"time"

	"gift-battle-engine/models"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	DefaultTTL      = 5 * time.Second
	DefaultCapacity = 100
)

var (
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "giftbattle_leaderboard_cache_hits_total",
		Help: "Leaderboard cache hits",
	})
	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "giftbattle_leaderboard_cache_misses_total",
		Help: "Leaderboard cache misses",
	})
	cacheEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "giftbattle_leaderboard_cache_evictions_total",
		Help: "Leaderboard cache evictions by reason",
	}, []string{"reason"})
)

type entry struct {
	snap       *models.LeaderboardSnapshot
	insertedAt time.Time
	lastAccess time.Time
	hits       int
}

// Stats is a snapshot of cache counters
type Stats struct {
	Entries   int `json:"entries"`
	Hits      int `json:"hits"`
	Misses    int `json:"misses"`
	Evictions int `json:"evictions"`
}

// LeaderboardCache is a TTL cache bounded by capacity with LRU eviction.
// Values are copied on the way in and on the way out. Recency is tracked by
// simplelru; expiry is checked against the injected clock.
type LeaderboardCache struct {
	mu    sync.Mutex
	lru   *simplelru.LRU[string, *entry]
	ttl   time.Duration
	clock clockwork.Clock
	stats Stats

	// generation per match, bumped by Invalidate so that loads started
	// before an invalidation are not cached
	gen  uint64
	gens map[string]uint64
}

func New(ttl time.Duration, capacity int, clock clockwork.Clock) *LeaderboardCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	// only fails for a non-positive size
	lru, _ := simplelru.NewLRU[string, *entry](capacity, nil)
	return &LeaderboardCache{
		lru:   lru,
		ttl:   ttl,
		clock: clock,
		gens:  make(map[string]uint64),
	}
}

// Get returns a copy of the cached snapshot when it is younger than the TTL.
func (c *LeaderboardCache) Get(matchID string) (*models.LeaderboardSnapshot, bool) {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lru.Get(matchID)
	if ok && now.Sub(e.insertedAt) >= c.ttl {
		c.lru.Remove(matchID)
		c.stats.Evictions++
		cacheEvictions.WithLabelValues("ttl").Inc()
		ok = false
	}
	if !ok {
		c.stats.Misses++
		cacheMisses.Inc()
		return nil, false
	}
	e.hits++
	e.lastAccess = now
	c.stats.Hits++
	cacheHits.Inc()
	return e.snap.Clone(), true
}

// Set stores a copy of snap, evicting the least recently used entry on overflow.
func (c *LeaderboardCache) Set(matchID string, snap *models.LeaderboardSnapshot) {
	c.mu.Lock()
	c.set(matchID, snap)
	c.mu.Unlock()
}

func (c *LeaderboardCache) set(matchID string, snap *models.LeaderboardSnapshot) {
	now := c.clock.Now()
	if c.lru.Add(matchID, &entry{snap: snap.Clone(), insertedAt: now, lastAccess: now}) {
		c.stats.Evictions++
		cacheEvictions.WithLabelValues("lru").Inc()
	}
}

// Invalidate drops the entry for matchID. A GetOrLoad whose load was
// already running will not cache its result.
func (c *LeaderboardCache) Invalidate(matchID string) {
	c.mu.Lock()
	c.lru.Remove(matchID)
	c.gen++
	c.gens[matchID] = c.gen
	c.mu.Unlock()
}

// Sweep removes expired entries and returns how many were dropped.
func (c *LeaderboardCache) Sweep() int {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, key := range c.lru.Keys() {
		if e, ok := c.lru.Peek(key); ok && now.Sub(e.insertedAt) >= c.ttl {
			c.lru.Remove(key)
			n++
		}
	}
	c.stats.Evictions += n
	cacheEvictions.WithLabelValues("ttl").Add(float64(n))
	return n
}

// GetOrLoad serves from the cache or calls load and caches its result,
// unless matchID was invalidated while load ran.
func (c *LeaderboardCache) GetOrLoad(ctx context.Context, matchID string, load func(context.Context, string) (*models.LeaderboardSnapshot, error)) (*models.LeaderboardSnapshot, error) {
	if snap, ok := c.Get(matchID); ok {
		return snap, nil
	}
	c.mu.Lock()
	gen := c.gens[matchID]
	c.mu.Unlock()

	snap, err := load(ctx, matchID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	if c.gens[matchID] == gen {
		c.set(matchID, snap)
	}
	c.mu.Unlock()
	return snap, nil
}

func (c *LeaderboardCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

func (c *LeaderboardCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.stats
	st.Entries = c.lru.Len()
	return st
}
