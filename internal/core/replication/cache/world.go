// Package cache keeps world-scoped lookup tables used by client
// reconciliation.
package cache

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/zeusync/rtsrep/internal/core/models"
)

const defaultShards = 16

type shard struct {
	mu      sync.RWMutex
	byKey   map[models.OwnerKey]models.LocalEntity
	byIndex map[int32]models.LocalEntity
}

// WorldCache maps OwnerKey and local index to local entities. It is rebuilt
// at most once per interval; lookups between rebuilds may be stale.
type WorldCache struct {
	shards   []*shard
	interval time.Duration
	enabled  bool

	mu      sync.Mutex
	builtAt time.Time
	built   bool
}

func NewWorldCache(interval time.Duration, enabled bool) *WorldCache {
	c := &WorldCache{
		shards:   make([]*shard, defaultShards),
		interval: interval,
		enabled:  enabled,
	}
	for i := range c.shards {
		c.shards[i] = &shard{
			byKey:   make(map[models.OwnerKey]models.LocalEntity),
			byIndex: make(map[int32]models.LocalEntity),
		}
	}
	return c
}

func (c *WorldCache) Enabled() bool { return c.enabled }

// RebuildIfNeeded refills the cache from entities when the rebuild interval
// has elapsed. It reports whether a rebuild happened.
func (c *WorldCache) RebuildIfNeeded(now time.Time, entities []models.LocalEntity) bool {
	if !c.enabled {
		return false
	}
	c.mu.Lock()
	if c.built && now.Sub(c.builtAt) < c.interval {
		c.mu.Unlock()
		return false
	}
	c.built = true
	c.builtAt = now
	c.mu.Unlock()

	fresh := make([]*shard, len(c.shards))
	for i := range fresh {
		fresh[i] = &shard{
			byKey:   make(map[models.OwnerKey]models.LocalEntity),
			byIndex: make(map[int32]models.LocalEntity),
		}
	}
	for _, e := range entities {
		if e == nil {
			continue
		}
		if key := e.OwnerKey(); key != "" {
			fresh[c.keyShard(key)].byKey[key] = e
		}
		if idx := e.LocalIndex(); idx != models.NoLocalIndex {
			fresh[c.indexShard(idx)].byIndex[idx] = e
		}
	}
	for i, s := range c.shards {
		s.mu.Lock()
		s.byKey = fresh[i].byKey
		s.byIndex = fresh[i].byIndex
		s.mu.Unlock()
	}
	return true
}

func (c *WorldCache) FindByOwnerKey(key models.OwnerKey) (models.LocalEntity, bool) {
	if !c.enabled || key == "" {
		return nil, false
	}
	s := c.shards[c.keyShard(key)]
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byKey[key]
	return e, ok
}

func (c *WorldCache) FindByLocalIndex(idx int32) (models.LocalEntity, bool) {
	if !c.enabled || idx == models.NoLocalIndex {
		return nil, false
	}
	s := c.shards[c.indexShard(idx)]
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byIndex[idx]
	return e, ok
}

// Clear empties the cache and forces the next rebuild.
func (c *WorldCache) Clear() {
	for _, s := range c.shards {
		s.mu.Lock()
		s.byKey = make(map[models.OwnerKey]models.LocalEntity)
		s.byIndex = make(map[int32]models.LocalEntity)
		s.mu.Unlock()
	}
	c.mu.Lock()
	c.built = false
	c.mu.Unlock()
}

func (c *WorldCache) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.RLock()
		n += len(s.byKey)
		s.mu.RUnlock()
	}
	return n
}

func (c *WorldCache) keyShard(key models.OwnerKey) int {
	return int(xxhash.Sum64String(string(key)) % uint64(len(c.shards)))
}

func (c *WorldCache) indexShard(idx int32) int {
	return int(uint32(idx) % uint32(len(c.shards)))
}
