package cache

import (
	"sync"

	"github.com/zeusync/rtsrep/internal/core/models"
)

// TransformCache holds the latest decoded transform per NetID.
type TransformCache struct {
	mu    sync.RWMutex
	items map[models.NetID]models.Transform
}

func NewTransformCache() *TransformCache {
	return &TransformCache{items: make(map[models.NetID]models.Transform)}
}

func (c *TransformCache) Set(id models.NetID, t models.Transform) {
	if !id.Valid() {
		return
	}
	c.mu.Lock()
	c.items[id] = t
	c.mu.Unlock()
}

func (c *TransformCache) Get(id models.NetID) (models.Transform, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.items[id]
	return t, ok
}

func (c *TransformCache) Delete(id models.NetID) {
	c.mu.Lock()
	delete(c.items, id)
	c.mu.Unlock()
}

// Trim drops every entry keep rejects and returns how many were dropped.
func (c *TransformCache) Trim(keep func(models.NetID) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for id := range c.items {
		if !keep(id) {
			delete(c.items, id)
			n++
		}
	}
	return n
}

func (c *TransformCache) Clear() {
	c.mu.Lock()
	c.items = make(map[models.NetID]models.Transform)
	c.mu.Unlock()
}

func (c *TransformCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}
