// Package cache provides the in-memory metadata cache and the reusable
// buffer pool shared by the repositories.
package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/nimbus-cloud/nimbusfs/pkg/idmap"
)

// Metadata is a bounded LRU cache of file/folder records keyed by stable ID.
//
// Entries are advisory copies of state whose truth lives on disk: a miss or
// a stale hit must always be resolvable by re-stating the physical path.
// Every mutating repository call invalidates the affected key synchronously
// before returning, so no caller observes stale metadata after a completed
// write.
type Metadata struct {
	maxSize int
	mu      sync.Mutex
	items   map[idmap.StableID]*list.Element
	lru     *list.List
}

type metaEntry struct {
	id         idmap.StableID
	value      any
	insertedAt time.Time
}

// NewMetadata creates a cache holding at most maxSize entries.
func NewMetadata(maxSize int) *Metadata {
	if maxSize < 1 {
		maxSize = 1024
	}
	return &Metadata{
		maxSize: maxSize,
		items:   make(map[idmap.StableID]*list.Element),
		lru:     list.New(),
	}
}

func (c *Metadata) Get(id idmap.StableID) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[id]
	if !ok {
		return nil, false
	}

	c.lru.MoveToFront(elem)
	return elem.Value.(*metaEntry).value, true
}

func (c *Metadata) Put(id idmap.StableID, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[id]; ok {
		c.lru.MoveToFront(elem)
		entry := elem.Value.(*metaEntry)
		entry.value = value
		entry.insertedAt = time.Now()
		return
	}

	if c.lru.Len() >= c.maxSize {
		c.evictOldest()
	}

	elem := c.lru.PushFront(&metaEntry{id: id, value: value, insertedAt: time.Now()})
	c.items[id] = elem
}

// Invalidate drops the entry for id, if present.
func (c *Metadata) Invalidate(id idmap.StableID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[id]; ok {
		c.lru.Remove(elem)
		delete(c.items, id)
	}
}

func (c *Metadata) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

func (c *Metadata) evictOldest() {
	elem := c.lru.Back()
	if elem == nil {
		return
	}
	c.lru.Remove(elem)
	delete(c.items, elem.Value.(*metaEntry).id)
}
