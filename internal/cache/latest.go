package cache

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/yegors/co-atc-positions/internal/position"
	"github.com/yegors/co-atc-positions/pkg/logger"
)

const shardCount = 32

type entry struct {
	pos      position.Position
	cachedAt time.Time
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// Cache holds the most recent accepted position per aircraft. Entries are
// spread over shards keyed by aircraft id so updates to different aircraft
// rarely contend.
type Cache struct {
	shards [shardCount]*shard
	ttl    time.Duration
	now    func() time.Time
	logger *logger.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a cache with the given entry lifetime
func New(ttl time.Duration, log *logger.Logger) *Cache {
	c := &Cache{
		ttl:    ttl,
		now:    time.Now,
		logger: log.Named("cache"),
		stopCh: make(chan struct{}),
	}
	for i := range c.shards {
		c.shards[i] = &shard{entries: make(map[string]entry)}
	}
	return c
}

func (c *Cache) shardFor(aircraftID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(aircraftID))
	return c.shards[h.Sum32()%shardCount]
}

// Get returns the cached position if it has not expired
func (c *Cache) Get(aircraftID string) (position.Position, bool) {
	s := c.shardFor(aircraftID)
	s.mu.RLock()
	e, ok := s.entries[aircraftID]
	s.mu.RUnlock()

	if !ok || c.now().Sub(e.cachedAt) > c.ttl {
		return position.Position{}, false
	}
	return e.pos, true
}

// Set stores a position unless a newer one is already cached
func (c *Cache) Set(aircraftID string, pos position.Position) {
	s := c.shardFor(aircraftID)
	now := c.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[aircraftID]; ok && now.Sub(e.cachedAt) <= c.ttl && e.pos.Recorded.After(pos.Recorded) {
		return
	}
	s.entries[aircraftID] = entry{pos: pos, cachedAt: now}
}

// IsDuplicate reports whether pos carries the same physical content as the
// cached position for its aircraft, recorded within window of it.
func (c *Cache) IsDuplicate(pos position.Position, window time.Duration) bool {
	prev, ok := c.Get(pos.AircraftID)
	if !ok {
		return false
	}
	if !prev.SamePhysics(pos) {
		return false
	}
	delta := pos.Recorded.Sub(prev.Recorded)
	if delta < 0 {
		delta = -delta
	}
	return delta <= window
}

// Len returns the number of entries, expired or not
func (c *Cache) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}

// evictExpired drops entries older than the TTL
func (c *Cache) evictExpired() int {
	now := c.now()
	evicted := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for id, e := range s.entries {
			if now.Sub(e.cachedAt) > c.ttl {
				delete(s.entries, id)
				evicted++
			}
		}
		s.mu.Unlock()
	}
	return evicted
}

// Start runs the janitor that evicts expired entries every ttl/2
func (c *Cache) Start() {
	interval := c.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := c.evictExpired(); n > 0 {
					c.logger.Debug("Evicted expired cache entries", logger.Int("count", n))
				}
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop halts the janitor
func (c *Cache) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

// LatestStore is the system of record consulted on a cache miss
type LatestStore interface {
	Latest(ctx context.Context, aircraftID string) (*position.Position, error)
}

// Reader serves latest-position reads from the cache, falling back to the
// store. Concurrent misses for one aircraft share a single store query.
type Reader struct {
	cache  *Cache
	store  LatestStore
	flight singleflight.Group
}

// NewReader creates a read-through view over cache and store
func NewReader(c *Cache, store LatestStore) *Reader {
	return &Reader{cache: c, store: store}
}

// Latest returns the latest position or position.ErrNotFound
func (r *Reader) Latest(ctx context.Context, aircraftID string) (*position.Position, error) {
	if pos, ok := r.cache.Get(aircraftID); ok {
		return &pos, nil
	}

	v, err, _ := r.flight.Do(aircraftID, func() (any, error) {
		// Populated while we waited for the flight slot
		if pos, ok := r.cache.Get(aircraftID); ok {
			return &pos, nil
		}
		pos, err := r.store.Latest(ctx, aircraftID)
		if err != nil {
			return nil, err
		}
		r.cache.Set(aircraftID, *pos)
		return pos, nil
	})
	if err != nil {
		if errors.Is(err, position.ErrNotFound) {
			return nil, position.ErrNotFound
		}
		return nil, err
	}

	pos := *v.(*position.Position)
	return &pos, nil
}
