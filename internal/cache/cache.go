// Package cache keeps recently produced results keyed by fingerprint.
package cache

import (
	"container/list"
	"sync"

	"echo-forge-go/internal/types"
)

type item struct {
	key    string
	result *types.Result
}

// Cache is a bounded map; when full the oldest inserted entry goes first.
// Writing an existing key replaces it and counts as a fresh insert.
type Cache struct {
	mu    sync.Mutex
	max   int
	order *list.List
	items map[string]*list.Element
}

func New(max int) *Cache {
	if max < 1 {
		max = 1
	}
	return &Cache{max: max, order: list.New(), items: make(map[string]*list.Element)}
}

func (c *Cache) Get(key string) (*types.Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	return el.Value.(*item).result, true
}

func (c *Cache) Put(key string, res *types.Result) {
	if key == "" || res == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.order.Remove(el)
	}
	c.items[key] = c.order.PushBack(&item{key: key, result: res})
	for c.order.Len() > c.max {
		oldest := c.order.Front()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*item).key)
	}
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Warm loads results oldest first so the newest survive eviction. Entries
// already cached are left alone.
func (c *Cache) Warm(results []*types.Result) int {
	n := 0
	for i := len(results) - 1; i >= 0; i-- {
		r := results[i]
		if r == nil || r.Fingerprint == "" {
			continue
		}
		if _, ok := c.Get(r.Fingerprint); ok {
			continue
		}
		c.Put(r.Fingerprint, r)
		n++
	}
	return n
}
