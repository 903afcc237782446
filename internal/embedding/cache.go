package embedding

import (
	"container/list"
	"context"
	"fmt"
	"sync"
)

const defaultCacheSize = 4096

// Cache memoizes vectors by text with LRU eviction. Misses are embedded in a
// single batch call to the wrapped provider.
type Cache struct {
	inner Provider
	size  int

	mu    sync.Mutex
	order *list.List
	items map[string]*list.Element
}

type cacheItem struct {
	text string
	vec  []float32
}

// NewCache wraps p; size <= 0 selects a default capacity.
func NewCache(p Provider, size int) *Cache {
	if size <= 0 {
		size = defaultCacheSize
	}
	return &Cache{
		inner: p,
		size:  size,
		order: list.New(),
		items: make(map[string]*list.Element),
	}
}

func (c *Cache) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, len(texts))
	var missing []string
	missIdx := map[string][]int{}

	c.mu.Lock()
	for i, t := range texts {
		if el, ok := c.items[t]; ok {
			c.order.MoveToFront(el)
			out[i] = el.Value.(*cacheItem).vec
			continue
		}
		if _, queued := missIdx[t]; !queued {
			missing = append(missing, t)
		}
		missIdx[t] = append(missIdx[t], i)
	}
	c.mu.Unlock()

	if len(missing) == 0 {
		return out, nil
	}
	vecs, err := c.inner.Embed(ctx, missing)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(missing) {
		return nil, fmt.Errorf("embedding: got %d vectors for %d inputs", len(vecs), len(missing))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for j, t := range missing {
		for _, i := range missIdx[t] {
			out[i] = vecs[j]
		}
		if _, ok := c.items[t]; ok {
			continue
		}
		c.items[t] = c.order.PushFront(&cacheItem{text: t, vec: vecs[j]})
		if c.order.Len() > c.size {
			last := c.order.Back()
			c.order.Remove(last)
			delete(c.items, last.Value.(*cacheItem).text)
		}
	}
	return out, nil
}

func (c *Cache) Dimension() int {
	return c.inner.Dimension()
}

// Len returns the number of cached vectors.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
