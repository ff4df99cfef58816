// Package pool reuses per-viewer connection resources.
package pool

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	DefaultMaxConnections = 1000
	DefaultStaleAfter     = 5 * time.Minute
)

var (
	poolActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "giftbattle_pool_active_connections",
		Help: "Connections currently bound to a viewer",
	})
	poolIdle = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "giftbattle_pool_idle_connections",
		Help: "Released connections kept for reuse",
	})
	poolEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "giftbattle_pool_evictions_total",
		Help: "Connections evicted by reason",
	}, []string{"reason"})
)

// ResourceExhaustionError is returned only when the pool cannot make room.
type ResourceExhaustionError struct {
	Max int
}

func (e *ResourceExhaustionError) Error() string {
	return fmt.Sprintf("connection pool exhausted (max %d)", e.Max)
}

// Connection is a pooled per-viewer resource. Buf is reused across messages.
type Connection[H comparable] struct {
	ID        string
	Owner     string
	Handle    H
	Buf       *bytes.Buffer
	CreatedAt time.Time
	LastUsed  time.Time

	used uint64
}

func (c *Connection[H]) reset() {
	var zero H
	c.Owner = ""
	c.Handle = zero
	c.Buf.Reset()
}

// EvictFunc is called, outside the pool lock, for every active connection
// the pool takes away from its owner.
type EvictFunc[H comparable] func(owner string, handle H)

type Stats struct {
	Active    int `json:"active"`
	Idle      int `json:"idle"`
	Allocated int `json:"allocated"`
	Evictions int `json:"evictions"`
}

// ConnectionPool binds owners to reusable connections. An owner holds at
// most one connection; each connection is either idle or active, never both.
type ConnectionPool[H comparable] struct {
	mu      sync.Mutex
	max     int
	stale   time.Duration
	clock   clockwork.Clock
	active  map[string]*Connection[H]
	idle    []*Connection[H]
	onEvict EvictFunc[H]
	seq     uint64
	stats   Stats
}

func New[H comparable](max int, stale time.Duration, clock clockwork.Clock, onEvict EvictFunc[H]) *ConnectionPool[H] {
	if max <= 0 {
		max = DefaultMaxConnections
	}
	if stale <= 0 {
		stale = DefaultStaleAfter
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &ConnectionPool[H]{
		max:     max,
		stale:   stale,
		clock:   clock,
		active:  make(map[string]*Connection[H]),
		onEvict: onEvict,
	}
}

type eviction[H comparable] struct {
	owner  string
	handle H
}

func (p *ConnectionPool[H]) touch(c *Connection[H], now time.Time) {
	p.seq++
	c.used = p.seq
	c.LastUsed = now
}

// Get returns the owner's connection for handle. A different handle
// releases the owner's old connection first. At capacity the least recently
// used active connection is evicted; Get never blocks.
func (p *ConnectionPool[H]) Get(owner string, handle H) (*Connection[H], error) {
	now := p.clock.Now()
	p.mu.Lock()
	if c, ok := p.active[owner]; ok {
		if c.Handle == handle {
			p.touch(c, now)
			p.mu.Unlock()
			return c, nil
		}
		p.releaseLocked(c)
	}

	var c *Connection[H]
	var evicted *eviction[H]
	switch {
	case len(p.idle) > 0:
		c = p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
	case len(p.active) < p.max:
		c = &Connection[H]{ID: uuid.NewString(), Buf: new(bytes.Buffer), CreatedAt: now}
		p.stats.Allocated++
	default:
		victim := p.lruActive()
		if victim == nil {
			p.mu.Unlock()
			return nil, &ResourceExhaustionError{Max: p.max}
		}
		evicted = &eviction[H]{owner: victim.Owner, handle: victim.Handle}
		delete(p.active, victim.Owner)
		victim.reset()
		p.stats.Evictions++
		poolEvictions.WithLabelValues("lru").Inc()
		c = victim
	}
	c.Owner = owner
	c.Handle = handle
	p.touch(c, now)
	p.active[owner] = c
	p.gauge()
	onEvict := p.onEvict
	p.mu.Unlock()

	if evicted != nil && onEvict != nil {
		onEvict(evicted.owner, evicted.handle)
	}
	return c, nil
}

// Touch marks the owner's connection as used.
func (p *ConnectionPool[H]) Touch(owner string) {
	now := p.clock.Now()
	p.mu.Lock()
	if c, ok := p.active[owner]; ok {
		p.touch(c, now)
	}
	p.mu.Unlock()
}

// Lookup returns the owner's active connection.
func (p *ConnectionPool[H]) Lookup(owner string) (*Connection[H], bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.active[owner]
	return c, ok
}

// Release returns the owner's connection to the pool when it is still bound to handle.
func (p *ConnectionPool[H]) Release(owner string, handle H) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.active[owner]
	if !ok || c.Handle != handle {
		return false
	}
	p.releaseLocked(c)
	p.gauge()
	return true
}

func (p *ConnectionPool[H]) releaseLocked(c *Connection[H]) {
	delete(p.active, c.Owner)
	c.reset()
	if len(p.idle) < p.max/2 {
		p.idle = append(p.idle, c)
	}
}

func (p *ConnectionPool[H]) lruActive() *Connection[H] {
	var victim *Connection[H]
	for _, c := range p.active {
		if victim == nil || c.used < victim.used {
			victim = c
		}
	}
	return victim
}

// Sweep evicts idle and active connections unused for longer than the
// staleness window and returns how many were removed.
func (p *ConnectionPool[H]) Sweep() int {
	now := p.clock.Now()
	p.mu.Lock()
	kept := p.idle[:0]
	removed := 0
	for _, c := range p.idle {
		if now.Sub(c.LastUsed) > p.stale {
			removed++
			continue
		}
		kept = append(kept, c)
	}
	for i := len(kept); i < len(p.idle); i++ {
		p.idle[i] = nil
	}
	p.idle = kept

	var evicted []eviction[H]
	for owner, c := range p.active {
		if now.Sub(c.LastUsed) > p.stale {
			evicted = append(evicted, eviction[H]{owner: owner, handle: c.Handle})
			delete(p.active, owner)
			removed++
		}
	}
	p.stats.Evictions += removed
	poolEvictions.WithLabelValues("stale").Add(float64(removed))
	p.gauge()
	onEvict := p.onEvict
	p.mu.Unlock()

	if onEvict != nil {
		for _, ev := range evicted {
			onEvict(ev.owner, ev.handle)
		}
	}
	return removed
}

func (p *ConnectionPool[H]) gauge() {
	poolActive.Set(float64(len(p.active)))
	poolIdle.Set(float64(len(p.idle)))
}

func (p *ConnectionPool[H]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.stats
	st.Active = len(p.active)
	st.Idle = len(p.idle)
	return st
}
